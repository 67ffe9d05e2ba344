package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/monkci/monkci/internal/observability"
	"github.com/monkci/monkci/protocol"
	"github.com/monkci/monkci/state"
)

// Dispatcher matches pending jobs to idle runners and reconciles
// completion reports back into registry state.
type Dispatcher struct {
	store   *state.Store
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewDispatcher(store *state.Store, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = observability.NewLogger("dispatcher")
	}
	return &Dispatcher{store: store, metrics: metrics, logger: logger}
}

// Assign hands a job to a runner. The store performs a compare-and-set
// against IDLE, so a listing read that went stale surfaces here as
// ErrRunnerUnavailable rather than a double assignment.
func (d *Dispatcher) Assign(ctx context.Context, runnerID string, job protocol.AssignJob) (state.Runner, error) {
	if job.JobID == "" {
		return state.Runner{}, errors.New("job_id is required")
	}

	runner, err := d.store.AssignJob(ctx, runnerID, state.JobAssignment{
		JobID:      job.JobID,
		Repository: job.Repository,
		Workflow:   job.Workflow,
	}, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, state.ErrRunnerUnavailable):
			d.metrics.IncAssignment("unavailable")
		case errors.Is(err, state.ErrNotFound):
			d.metrics.IncAssignment("not_found")
		default:
			d.metrics.IncAssignment("error")
		}
		return state.Runner{}, err
	}

	d.metrics.IncAssignment("ok")
	observability.WithJob(observability.WithRunner(d.logger, runnerID), job.JobID).Info(
		"job assigned", "event", "job_assigned", "repository", job.Repository, "workflow", job.Workflow)
	return runner, nil
}

// Complete reconciles a completion report: history append, counters, and
// the IDLE reset happen in one store transaction. A report for a job other
// than the runner's current one fails with ErrJobMismatch and changes
// nothing.
func (d *Dispatcher) Complete(ctx context.Context, runnerID string, report protocol.CompleteJob) (state.Runner, error) {
	if report.JobID == "" {
		return state.Runner{}, errors.New("job_id is required")
	}
	switch report.Status {
	case protocol.CompletionStatusSuccess, protocol.CompletionStatusFailed:
	default:
		return state.Runner{}, fmt.Errorf("unknown completion status %q", report.Status)
	}
	if report.DurationSeconds != nil && *report.DurationSeconds < 0 {
		return state.Runner{}, errors.New("duration_seconds must not be negative")
	}

	runner, err := d.store.CompleteJob(ctx, runnerID, state.JobCompletion{
		JobID:           report.JobID,
		Status:          string(report.Status),
		DurationSeconds: report.DurationSeconds,
	}, time.Now().UTC())
	if err != nil {
		return state.Runner{}, err
	}

	d.metrics.IncCompletion(string(report.Status))
	observability.WithJob(observability.WithRunner(d.logger, runnerID), report.JobID).Info(
		"job completed", "event", "job_completed", "status", string(report.Status))
	return runner, nil
}
