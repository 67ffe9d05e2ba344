package state

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// MarkStaleRunners demotes active runners whose last heartbeat is at or
// before the cutoff to ERROR, one row per transaction so a slow sweep never
// holds a wide lock. A stale BUSY runner's current job is closed into
// history as lost in the same transaction, keeping the BUSY/current-job
// invariant intact. Returns the number of runners swept.
func (s *Store) MarkStaleRunners(ctx context.Context, cutoff time.Time, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 10
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	processed := 0
	for processed < limit {
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			var runnerID string
			var status RunnerStatus
			var jobID, repository, workflow sql.NullString
			var startedAt sql.NullTime

			row := tx.QueryRowContext(ctx, `
SELECT id, status, current_job_id, current_job_repository, current_job_workflow, current_job_started_at
FROM runners
WHERE status IN ($1, $2)
  AND is_active
  AND last_heartbeat_at IS NOT NULL
  AND last_heartbeat_at <= $3
ORDER BY last_heartbeat_at ASC
FOR UPDATE SKIP LOCKED
LIMIT 1
`, RunnerStatusIdle, RunnerStatusBusy, cutoff)

			if err := row.Scan(&runnerID, &status, &jobID, &repository, &workflow, &startedAt); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return ErrNoStaleRunners
				}
				return err
			}

			if err := validateRunnerTransition(runnerID, status, RunnerStatusError); err != nil {
				return err
			}

			if jobID.Valid {
				job := CurrentJob{
					JobID:      jobID.String,
					Repository: repository.String,
					Workflow:   workflow.String,
					StartedAt:  startedAt.Time,
				}
				if err := closeCurrentJobAsLost(ctx, tx, runnerID, job, now); err != nil {
					return err
				}
			}

			_, err := tx.ExecContext(ctx, `
UPDATE runners
SET status = $2,
    current_job_id = NULL,
    current_job_repository = NULL,
    current_job_workflow = NULL,
    current_job_started_at = NULL,
    updated_at = NOW()
WHERE id = $1
`, runnerID, RunnerStatusError)
			return err
		})

		if err != nil {
			if errors.Is(err, ErrNoStaleRunners) {
				break
			}
			return processed, err
		}

		processed++
	}

	return processed, nil
}
