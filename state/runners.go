package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const runnerColumns = `
id, name, owner_id, status, architecture, operating_system, labels,
capabilities, environment, system_info, version, is_active,
current_job_id, current_job_repository, current_job_workflow, current_job_started_at,
total_jobs_completed, total_jobs_failed, total_runtime_seconds,
last_seen_at, last_heartbeat_at, created_at, updated_at`

// CreateRunner inserts a pre-provisioned runner in OFFLINE state holding a
// hashed single-use registration token.
func (s *Store) CreateRunner(ctx context.Context, runner Runner, registrationTokenHash string) (Runner, error) {
	if runner.ID == "" {
		return Runner{}, errors.New("runner id required")
	}
	if registrationTokenHash == "" {
		return Runner{}, errors.New("registration token hash required")
	}
	if runner.Status == "" {
		runner.Status = RunnerStatusOffline
	}

	labels, caps, env, sysInfo, err := marshalRunnerBags(runner)
	if err != nil {
		return Runner{}, err
	}

	err = s.db.QueryRowContext(ctx, `
INSERT INTO runners (id, name, owner_id, status, architecture, operating_system,
                     labels, capabilities, environment, system_info, version,
                     is_active, registration_token_hash)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, TRUE, $12)
RETURNING created_at, updated_at
`, runner.ID, runner.Name, runner.OwnerID, runner.Status, runner.Architecture,
		runner.OperatingSystem, labels, caps, env, sysInfo, runner.Version,
		registrationTokenHash).Scan(&runner.CreatedAt, &runner.UpdatedAt)
	if err != nil {
		return Runner{}, err
	}

	runner.IsActive = true
	return runner, nil
}

// GetRunner returns a single runner by ID.
func (s *Store) GetRunner(ctx context.Context, runnerID string) (Runner, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM runners WHERE id = $1`, runnerID)
	runner, err := scanRunner(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Runner{}, fmt.Errorf("%w: runner %s", ErrNotFound, runnerID)
		}
		return Runner{}, err
	}
	return runner, nil
}

// GetRunnerByAccessTokenHash resolves the runner that owns a hashed access
// token. Used to authenticate heartbeat and job-report calls.
func (s *Store) GetRunnerByAccessTokenHash(ctx context.Context, tokenHash string) (Runner, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runnerColumns+` FROM runners WHERE access_token_hash = $1`, tokenHash)
	runner, err := scanRunner(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Runner{}, fmt.Errorf("%w: access token", ErrNotFound)
		}
		return Runner{}, err
	}
	return runner, nil
}

// RegisterRunner consumes a registration token: it overwrites the identity
// fields from the descriptor, installs the hashed access token, clears the
// registration token, and moves the runner to IDLE. The token lookup and
// the update happen under one row lock so a token can never authenticate
// twice.
func (s *Store) RegisterRunner(ctx context.Context, registrationTokenHash string, desc RunnerDescriptor, accessTokenHash string, now time.Time) (Runner, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var runnerID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status RunnerStatus
		err := tx.QueryRowContext(ctx, `
SELECT id, status FROM runners WHERE registration_token_hash = $1 FOR UPDATE
`, registrationTokenHash).Scan(&runnerID, &status)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: registration token", ErrNotFound)
			}
			return err
		}

		if status != RunnerStatusOffline {
			return fmt.Errorf("%w: runner %s is %s", ErrAlreadyRegistered, runnerID, status)
		}

		labels, caps, env, sysInfo, err := marshalDescriptorBags(desc)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
UPDATE runners
SET name = $2,
    architecture = $3,
    operating_system = $4,
    labels = $5,
    capabilities = $6,
    environment = $7,
    system_info = $8,
    version = $9,
    status = $10,
    access_token_hash = $11,
    registration_token_hash = NULL,
    last_seen_at = $12,
    last_heartbeat_at = $12,
    updated_at = NOW()
WHERE id = $1
`, runnerID, desc.Name, desc.Architecture, desc.OperatingSystem, labels, caps,
			env, sysInfo, desc.Version, RunnerStatusIdle, accessTokenHash, now)
		return err
	})
	if err != nil {
		return Runner{}, err
	}

	return s.GetRunner(ctx, runnerID)
}

// TouchHeartbeat stamps liveness timestamps and optionally replaces the
// reported system info. Heartbeats never change status.
func (s *Store) TouchHeartbeat(ctx context.Context, runnerID string, systemInfo map[string]string, now time.Time) (Runner, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var sysInfo any
	if systemInfo != nil {
		data, err := json.Marshal(systemInfo)
		if err != nil {
			return Runner{}, err
		}
		sysInfo = data
	}

	result, err := s.db.ExecContext(ctx, `
UPDATE runners
SET last_seen_at = $2,
    last_heartbeat_at = $2,
    system_info = COALESCE($3, system_info),
    updated_at = NOW()
WHERE id = $1
`, runnerID, now, sysInfo)
	if err != nil {
		return Runner{}, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return Runner{}, err
	}
	if rows == 0 {
		return Runner{}, fmt.Errorf("%w: runner %s", ErrNotFound, runnerID)
	}

	return s.GetRunner(ctx, runnerID)
}

// UpdateRunnerStatus is an administrative override. BUSY is only reachable
// through AssignJob, so overrides to BUSY are rejected as invalid
// transitions. Leaving BUSY by override closes the current job into history
// as lost.
func (s *Store) UpdateRunnerStatus(ctx context.Context, runnerID string, next RunnerStatus, now time.Time) (Runner, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, job, err := lockRunnerStatus(ctx, tx, runnerID)
		if err != nil {
			return err
		}

		if next == RunnerStatusBusy {
			return TransitionError{Entity: "runner", ID: runnerID, From: string(current), To: string(next)}
		}
		if err := validateRunnerTransition(runnerID, current, next); err != nil {
			return err
		}

		if job != nil {
			if err := closeCurrentJobAsLost(ctx, tx, runnerID, *job, now); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
UPDATE runners
SET status = $2,
    current_job_id = NULL,
    current_job_repository = NULL,
    current_job_workflow = NULL,
    current_job_started_at = NULL,
    last_seen_at = $3,
    updated_at = NOW()
WHERE id = $1
`, runnerID, next, now)
		return err
	})
	if err != nil {
		return Runner{}, err
	}

	return s.GetRunner(ctx, runnerID)
}

// DeactivateRunner soft-revokes a runner: it becomes permanently OFFLINE
// and ineligible for assignment. An in-flight job is closed as lost.
func (s *Store) DeactivateRunner(ctx context.Context, runnerID string, now time.Time) (Runner, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, job, err := lockRunnerStatus(ctx, tx, runnerID)
		if err != nil {
			return err
		}

		if job != nil {
			if err := closeCurrentJobAsLost(ctx, tx, runnerID, *job, now); err != nil {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
UPDATE runners
SET status = $2,
    is_active = FALSE,
    access_token_hash = NULL,
    current_job_id = NULL,
    current_job_repository = NULL,
    current_job_workflow = NULL,
    current_job_started_at = NULL,
    updated_at = NOW()
WHERE id = $1
`, runnerID, RunnerStatusOffline)
		return err
	})
	if err != nil {
		return Runner{}, err
	}

	return s.GetRunner(ctx, runnerID)
}

// DeleteRunner removes a runner and, via cascade, its job history.
func (s *Store) DeleteRunner(ctx context.Context, runnerID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runners WHERE id = $1`, runnerID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: runner %s", ErrNotFound, runnerID)
	}
	return nil
}

// ListAvailableRunners returns idle, active runners. A non-empty label
// filter keeps runners whose label set intersects it; an empty filter
// matches all.
func (s *Store) ListAvailableRunners(ctx context.Context, labelFilter []string) ([]Runner, error) {
	query := `SELECT ` + runnerColumns + `
FROM runners
WHERE status = $1 AND is_active`
	args := []any{RunnerStatusIdle}
	if len(labelFilter) > 0 {
		query += ` AND labels ?| $2`
		args = append(args, labelFilter)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runners []Runner
	for rows.Next() {
		runner, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		runners = append(runners, runner)
	}
	return runners, rows.Err()
}

// AssignJob performs the one compare-and-set in the system: the update
// succeeds only if the runner is still IDLE and active at the moment it
// executes. Zero matched rows means a concurrent assignment, deactivation,
// or status change won the race.
func (s *Store) AssignJob(ctx context.Context, runnerID string, job JobAssignment, now time.Time) (Runner, error) {
	if job.JobID == "" {
		return Runner{}, errors.New("job id required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
UPDATE runners
SET status = $2,
    current_job_id = $3,
    current_job_repository = $4,
    current_job_workflow = $5,
    current_job_started_at = $6,
    updated_at = NOW()
WHERE id = $1 AND status = $7 AND is_active
`, runnerID, RunnerStatusBusy, job.JobID, job.Repository, job.Workflow, now, RunnerStatusIdle)
	if err != nil {
		return Runner{}, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return Runner{}, err
	}
	if rows == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM runners WHERE id = $1)`, runnerID).Scan(&exists); err != nil {
			return Runner{}, err
		}
		if !exists {
			return Runner{}, fmt.Errorf("%w: runner %s", ErrNotFound, runnerID)
		}
		return Runner{}, fmt.Errorf("%w: runner %s", ErrRunnerUnavailable, runnerID)
	}

	return s.GetRunner(ctx, runnerID)
}

// CompleteJob reconciles a completion report: history append, counter
// increments, and the status reset back to IDLE are applied in one
// transaction so a crash can never leave the runner BUSY without a job or
// IDLE with one.
func (s *Store) CompleteJob(ctx context.Context, runnerID string, completion JobCompletion, now time.Time) (Runner, error) {
	if completion.JobID == "" {
		return Runner{}, errors.New("job id required")
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, job, err := lockRunnerStatus(ctx, tx, runnerID)
		if err != nil {
			return err
		}
		if job == nil || job.JobID != completion.JobID {
			return fmt.Errorf("%w: runner %s, job %s", ErrJobMismatch, runnerID, completion.JobID)
		}

		if _, err := tx.ExecContext(ctx, `
INSERT INTO runner_job_history (runner_id, job_id, repository, workflow, status, started_at, completed_at, duration_seconds)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, runnerID, job.JobID, job.Repository, job.Workflow, completion.Status, job.StartedAt, now, completion.DurationSeconds); err != nil {
			return err
		}

		failedDelta := 0
		if completion.Status == "failed" {
			failedDelta = 1
		}
		var runtimeDelta int64
		if completion.DurationSeconds != nil {
			runtimeDelta = *completion.DurationSeconds
		}

		_, err = tx.ExecContext(ctx, `
UPDATE runners
SET status = $2,
    current_job_id = NULL,
    current_job_repository = NULL,
    current_job_workflow = NULL,
    current_job_started_at = NULL,
    total_jobs_completed = total_jobs_completed + 1,
    total_jobs_failed = total_jobs_failed + $3,
    total_runtime_seconds = total_runtime_seconds + $4,
    last_seen_at = $5,
    updated_at = NOW()
WHERE id = $1
`, runnerID, RunnerStatusIdle, failedDelta, runtimeDelta, now)
		return err
	})
	if err != nil {
		return Runner{}, err
	}

	return s.GetRunner(ctx, runnerID)
}

// ListJobHistory returns a runner's job history, most recent first.
func (s *Store) ListJobHistory(ctx context.Context, runnerID string, limit int) ([]JobHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, runner_id, job_id, repository, workflow, status, started_at, completed_at, duration_seconds
FROM runner_job_history
WHERE runner_id = $1
ORDER BY completed_at DESC, id DESC
LIMIT $2
`, runnerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JobHistoryEntry
	for rows.Next() {
		var entry JobHistoryEntry
		var duration sql.NullInt64
		if err := rows.Scan(&entry.ID, &entry.RunnerID, &entry.JobID, &entry.Repository,
			&entry.Workflow, &entry.Status, &entry.StartedAt, &entry.CompletedAt, &duration); err != nil {
			return nil, err
		}
		if duration.Valid {
			entry.DurationSeconds = &duration.Int64
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// lockRunnerStatus reads a runner's status and current job under FOR UPDATE.
func lockRunnerStatus(ctx context.Context, tx *sql.Tx, runnerID string) (RunnerStatus, *CurrentJob, error) {
	var status RunnerStatus
	var jobID, repository, workflow sql.NullString
	var startedAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
SELECT status, current_job_id, current_job_repository, current_job_workflow, current_job_started_at
FROM runners
WHERE id = $1
FOR UPDATE
`, runnerID).Scan(&status, &jobID, &repository, &workflow, &startedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil, fmt.Errorf("%w: runner %s", ErrNotFound, runnerID)
		}
		return "", nil, err
	}

	if !jobID.Valid {
		return status, nil, nil
	}
	return status, &CurrentJob{
		JobID:      jobID.String,
		Repository: repository.String,
		Workflow:   workflow.String,
		StartedAt:  startedAt.Time,
	}, nil
}

// closeCurrentJobAsLost records an interrupted job in history and counts it
// as failed. Callers clear the current job columns in the same transaction.
func closeCurrentJobAsLost(ctx context.Context, tx *sql.Tx, runnerID string, job CurrentJob, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO runner_job_history (runner_id, job_id, repository, workflow, status, started_at, completed_at, duration_seconds)
VALUES ($1, $2, $3, $4, 'lost', $5, $6, NULL)
`, runnerID, job.JobID, job.Repository, job.Workflow, job.StartedAt, now); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
UPDATE runners
SET total_jobs_failed = total_jobs_failed + 1
WHERE id = $1
`, runnerID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunner(row rowScanner) (Runner, error) {
	var runner Runner
	var labels, caps, env, sysInfo []byte
	var version sql.NullString
	var jobID, jobRepo, jobWorkflow sql.NullString
	var jobStartedAt sql.NullTime
	var lastSeenAt, lastHeartbeatAt sql.NullTime

	err := row.Scan(&runner.ID, &runner.Name, &runner.OwnerID, &runner.Status,
		&runner.Architecture, &runner.OperatingSystem, &labels, &caps, &env,
		&sysInfo, &version, &runner.IsActive, &jobID, &jobRepo, &jobWorkflow,
		&jobStartedAt, &runner.TotalJobsCompleted, &runner.TotalJobsFailed,
		&runner.TotalRuntimeSeconds, &lastSeenAt, &lastHeartbeatAt,
		&runner.CreatedAt, &runner.UpdatedAt)
	if err != nil {
		return Runner{}, err
	}

	if err := unmarshalInto(labels, &runner.Labels); err != nil {
		return Runner{}, err
	}
	if err := unmarshalInto(caps, &runner.Capabilities); err != nil {
		return Runner{}, err
	}
	if err := unmarshalInto(env, &runner.Environment); err != nil {
		return Runner{}, err
	}
	if err := unmarshalInto(sysInfo, &runner.SystemInfo); err != nil {
		return Runner{}, err
	}
	if version.Valid {
		runner.Version = version.String
	}
	if jobID.Valid {
		runner.CurrentJob = &CurrentJob{
			JobID:      jobID.String,
			Repository: jobRepo.String,
			Workflow:   jobWorkflow.String,
			StartedAt:  jobStartedAt.Time,
		}
	}
	if lastSeenAt.Valid {
		runner.LastSeenAt = &lastSeenAt.Time
	}
	if lastHeartbeatAt.Valid {
		runner.LastHeartbeatAt = &lastHeartbeatAt.Time
	}
	return runner, nil
}

func unmarshalInto(data []byte, target any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, target)
}

func marshalRunnerBags(runner Runner) (labels, caps, env, sysInfo []byte, err error) {
	return marshalBags(runner.Labels, runner.Capabilities, runner.Environment, runner.SystemInfo)
}

func marshalDescriptorBags(desc RunnerDescriptor) (labels, caps, env, sysInfo []byte, err error) {
	return marshalBags(desc.Labels, desc.Capabilities, desc.Environment, desc.SystemInfo)
}

func marshalBags(labelList []string, capsMap, envMap, sysInfoMap map[string]string) (labels, caps, env, sysInfo []byte, err error) {
	if labelList == nil {
		labelList = []string{}
	}
	if labels, err = json.Marshal(labelList); err != nil {
		return nil, nil, nil, nil, err
	}
	if capsMap == nil {
		capsMap = map[string]string{}
	}
	if caps, err = json.Marshal(capsMap); err != nil {
		return nil, nil, nil, nil, err
	}
	if envMap == nil {
		envMap = map[string]string{}
	}
	if env, err = json.Marshal(envMap); err != nil {
		return nil, nil, nil, nil, err
	}
	if sysInfoMap == nil {
		sysInfoMap = map[string]string{}
	}
	if sysInfo, err = json.Marshal(sysInfoMap); err != nil {
		return nil, nil, nil, nil, err
	}
	return labels, caps, env, sysInfo, nil
}
