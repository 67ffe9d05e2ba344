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

// ErrUnauthorized indicates a missing or invalid runner access token, or a
// token presented for a runner it does not belong to.
var ErrUnauthorized = errors.New("registry: unauthorized")

// DefaultHeartbeatTimeout is how long a runner may stay silent before the
// stale sweep demotes it to ERROR.
const DefaultHeartbeatTimeout = 90 * time.Second

// Registry manages runner lifecycle: provisioning, registration,
// heartbeats, status overrides, and availability listings.
type Registry struct {
	store   *state.Store
	tokens  TokenSource
	metrics *observability.Metrics
	logger  *slog.Logger
}

func NewRegistry(store *state.Store, tokens TokenSource, metrics *observability.Metrics, logger *slog.Logger) *Registry {
	if tokens == nil {
		tokens = UUIDTokenSource{}
	}
	if logger == nil {
		logger = observability.NewLogger("registry")
	}
	return &Registry{
		store:   store,
		tokens:  tokens,
		metrics: metrics,
		logger:  logger,
	}
}

// ProvisionRunner creates an OFFLINE runner record and returns its
// single-use registration token. The token is not stored in plaintext, so
// this is the only chance to read it.
func (r *Registry) ProvisionRunner(ctx context.Context, ownerID, name string) (state.Runner, string, error) {
	runnerID := r.tokens.RunnerID()
	token := r.tokens.RegistrationToken()

	runner, err := r.store.CreateRunner(ctx, state.Runner{
		ID:      runnerID,
		Name:    name,
		OwnerID: ownerID,
		Status:  state.RunnerStatusOffline,
	}, hashToken(token))
	if err != nil {
		return state.Runner{}, "", fmt.Errorf("provision runner: %w", err)
	}

	r.logger.Info("runner provisioned", "event", "runner_provisioned",
		"runner_id", runner.ID, "owner_id", ownerID,
		"registration_token_fp", observability.HashToken(token))
	return runner, token, nil
}

// Register consumes a registration token and brings the runner online. The
// issued access token authenticates all later calls from this runner and
// is returned exactly once.
func (r *Registry) Register(ctx context.Context, req protocol.RegisterRequest) (state.Runner, string, error) {
	if req.RegistrationToken == "" {
		r.metrics.IncRegistration("invalid")
		return state.Runner{}, "", fmt.Errorf("%w: registration token", state.ErrNotFound)
	}

	accessToken := r.tokens.AccessToken()
	runner, err := r.store.RegisterRunner(ctx, hashToken(req.RegistrationToken), state.RunnerDescriptor{
		Name:            req.Name,
		Architecture:    req.Architecture,
		OperatingSystem: req.OperatingSystem,
		Labels:          req.Labels,
		Capabilities:    req.Capabilities,
		Environment:     req.Environment,
		Version:         req.Version,
		SystemInfo:      req.SystemInfo,
	}, hashToken(accessToken), time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, state.ErrNotFound):
			r.metrics.IncRegistration("not_found")
		case errors.Is(err, state.ErrAlreadyRegistered):
			r.metrics.IncRegistration("already_registered")
		default:
			r.metrics.IncRegistration("error")
		}
		return state.Runner{}, "", err
	}

	r.metrics.IncRegistration("ok")
	observability.WithRunner(r.logger, runner.ID).Info("runner registered",
		"event", "runner_registered", "name", runner.Name, "os", runner.OperatingSystem,
		"architecture", runner.Architecture,
		"access_token_fp", observability.HashToken(accessToken))
	return runner, accessToken, nil
}

// Heartbeat stamps liveness and optionally refreshes system info.
// Heartbeats are informational and never change status.
func (r *Registry) Heartbeat(ctx context.Context, runnerID string, hb protocol.Heartbeat) (state.Runner, error) {
	runner, err := r.store.TouchHeartbeat(ctx, runnerID, hb.SystemInfo, time.Now().UTC())
	if err != nil {
		return state.Runner{}, err
	}
	r.metrics.IncHeartbeat()
	return runner, nil
}

// UpdateStatus is an administrative status override.
func (r *Registry) UpdateStatus(ctx context.Context, runnerID string, status state.RunnerStatus) (state.Runner, error) {
	runner, err := r.store.UpdateRunnerStatus(ctx, runnerID, status, time.Now().UTC())
	if err != nil {
		return state.Runner{}, err
	}
	observability.WithRunner(r.logger, runnerID).Info("runner status overridden",
		"event", "runner_status_overridden", "status", string(status))
	return runner, nil
}

// ListAvailable returns idle, active runners, optionally filtered by label
// overlap.
func (r *Registry) ListAvailable(ctx context.Context, labelFilter []string) ([]state.Runner, error) {
	return r.store.ListAvailableRunners(ctx, labelFilter)
}

// GetRunner returns a runner by id.
func (r *Registry) GetRunner(ctx context.Context, runnerID string) (state.Runner, error) {
	return r.store.GetRunner(ctx, runnerID)
}

// JobHistory returns a runner's recent job history.
func (r *Registry) JobHistory(ctx context.Context, runnerID string, limit int) ([]state.JobHistoryEntry, error) {
	if _, err := r.store.GetRunner(ctx, runnerID); err != nil {
		return nil, err
	}
	return r.store.ListJobHistory(ctx, runnerID, limit)
}

// Deactivate soft-revokes a runner. It becomes permanently OFFLINE and its
// access token stops authenticating.
func (r *Registry) Deactivate(ctx context.Context, runnerID string) (state.Runner, error) {
	runner, err := r.store.DeactivateRunner(ctx, runnerID, time.Now().UTC())
	if err != nil {
		return state.Runner{}, err
	}
	observability.WithRunner(r.logger, runnerID).Info("runner deactivated",
		"event", "runner_deactivated")
	return runner, nil
}

// Delete removes a runner and its history. Explicit user action only.
func (r *Registry) Delete(ctx context.Context, runnerID string) error {
	if err := r.store.DeleteRunner(ctx, runnerID); err != nil {
		return err
	}
	observability.WithRunner(r.logger, runnerID).Info("runner deleted",
		"event", "runner_deleted")
	return nil
}

// Authenticate resolves a runner access token to its runner. Deactivated
// runners have their token hash cleared, so revoked tokens stop resolving.
func (r *Registry) Authenticate(ctx context.Context, accessToken string) (state.Runner, error) {
	if accessToken == "" {
		return state.Runner{}, ErrUnauthorized
	}
	runner, err := r.store.GetRunnerByAccessTokenHash(ctx, hashToken(accessToken))
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return state.Runner{}, ErrUnauthorized
		}
		return state.Runner{}, err
	}
	if !runner.IsActive {
		return state.Runner{}, ErrUnauthorized
	}
	return runner, nil
}

// SweepStale demotes runners silent for longer than the timeout to ERROR.
func (r *Registry) SweepStale(ctx context.Context, timeout time.Duration, limit int) (int, error) {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	now := time.Now().UTC()
	count, err := r.store.MarkStaleRunners(ctx, now.Add(-timeout), now, limit)
	r.metrics.AddSweptRunners(count)
	return count, err
}

// RunnerView converts a stored runner to its wire representation.
func RunnerView(runner state.Runner) protocol.RunnerView {
	view := protocol.RunnerView{
		ID:                  runner.ID,
		Name:                runner.Name,
		OwnerID:             runner.OwnerID,
		Status:              string(runner.Status),
		Architecture:        runner.Architecture,
		OperatingSystem:     runner.OperatingSystem,
		Labels:              runner.Labels,
		Capabilities:        runner.Capabilities,
		Environment:         runner.Environment,
		SystemInfo:          runner.SystemInfo,
		Version:             runner.Version,
		IsActive:            runner.IsActive,
		TotalJobsCompleted:  runner.TotalJobsCompleted,
		TotalJobsFailed:     runner.TotalJobsFailed,
		TotalRuntimeSeconds: runner.TotalRuntimeSeconds,
		LastSeenAt:          runner.LastSeenAt,
		LastHeartbeatAt:     runner.LastHeartbeatAt,
		CreatedAt:           runner.CreatedAt,
		UpdatedAt:           runner.UpdatedAt,
	}
	if runner.CurrentJob != nil {
		view.CurrentJob = &protocol.CurrentJob{
			JobID:      runner.CurrentJob.JobID,
			Repository: runner.CurrentJob.Repository,
			Workflow:   runner.CurrentJob.Workflow,
			StartedAt:  runner.CurrentJob.StartedAt,
		}
	}
	return view
}
