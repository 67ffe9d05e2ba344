package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestRegistrationTokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	created := createTestRunner(t, ctx, store, "runner-1", "token-hash-1")
	if created.Status != RunnerStatusOffline {
		t.Fatalf("expected OFFLINE after provisioning, got %s", created.Status)
	}

	desc := RunnerDescriptor{
		Name:            "build-box",
		Architecture:    "amd64",
		OperatingSystem: "linux",
		Labels:          []string{"linux", "docker"},
	}

	runner, err := store.RegisterRunner(ctx, "token-hash-1", desc, "access-hash-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if runner.Status != RunnerStatusIdle {
		t.Fatalf("expected IDLE after registration, got %s", runner.Status)
	}
	if runner.LastHeartbeatAt == nil {
		t.Fatal("expected heartbeat stamp after registration")
	}

	_, err = store.RegisterRunner(ctx, "token-hash-1", desc, "access-hash-2", time.Now().UTC())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected consumed token to stop resolving, got %v", err)
	}

	_, err = store.RegisterRunner(ctx, "no-such-token", desc, "access-hash-3", time.Now().UTC())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected unknown token rejected, got %v", err)
	}
}

func TestRegisterRejectsNonOfflineRunner(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	createTestRunner(t, ctx, store, "runner-1", "token-hash-1")
	registerTestRunner(t, ctx, store, "token-hash-1", "access-hash-1")

	// Simulate a stuck token: the runner kept its registration token but
	// already moved past OFFLINE.
	if _, err := store.db.ExecContext(ctx,
		`UPDATE runners SET registration_token_hash = 'token-hash-1' WHERE id = 'runner-1'`); err != nil {
		t.Fatalf("restore token: %v", err)
	}

	_, err := store.RegisterRunner(ctx, "token-hash-1", RunnerDescriptor{Name: "again"}, "access-hash-2", time.Now().UTC())
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("expected ErrAlreadyRegistered, got %v", err)
	}
}

func TestAssignJobCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	createTestRunner(t, ctx, store, "runner-1", "token-hash-1")
	registerTestRunner(t, ctx, store, "token-hash-1", "access-hash-1")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.AssignJob(ctx, "runner-1", JobAssignment{
				JobID:      fmt.Sprintf("job-%d", i),
				Repository: "acme/widgets",
				Workflow:   "ci",
			}, time.Now().UTC())
		}(i)
	}
	wg.Wait()

	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrRunnerUnavailable):
			lost++
		default:
			t.Fatalf("unexpected assignment error: %v", err)
		}
	}
	if won != 1 || lost != 1 {
		t.Fatalf("expected exactly one winner, got won=%d lost=%d", won, lost)
	}

	runner, err := store.GetRunner(ctx, "runner-1")
	if err != nil {
		t.Fatalf("get runner: %v", err)
	}
	if runner.Status != RunnerStatusBusy {
		t.Fatalf("expected BUSY, got %s", runner.Status)
	}
	if runner.CurrentJob == nil {
		t.Fatal("expected current job after assignment")
	}
}

func TestAssignJobUnknownRunner(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	_, err := store.AssignJob(ctx, "no-such-runner", JobAssignment{JobID: "job-1"}, time.Now().UTC())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCompleteJobLifecycle(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	createTestRunner(t, ctx, store, "runner-1", "token-hash-1")
	registerTestRunner(t, ctx, store, "token-hash-1", "access-hash-1")

	if _, err := store.AssignJob(ctx, "runner-1", JobAssignment{
		JobID:      "job-1",
		Repository: "acme/widgets",
		Workflow:   "ci",
	}, time.Now().UTC()); err != nil {
		t.Fatalf("assign: %v", err)
	}

	duration := int64(42)
	runner, err := store.CompleteJob(ctx, "runner-1", JobCompletion{
		JobID:           "job-1",
		Status:          "success",
		DurationSeconds: &duration,
	}, time.Now().UTC())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	if runner.Status != RunnerStatusIdle {
		t.Fatalf("expected IDLE after completion, got %s", runner.Status)
	}
	if runner.CurrentJob != nil {
		t.Fatal("expected current job cleared")
	}
	if runner.TotalJobsCompleted != 1 {
		t.Fatalf("expected 1 completed job, got %d", runner.TotalJobsCompleted)
	}
	if runner.TotalJobsFailed != 0 {
		t.Fatalf("expected 0 failed jobs, got %d", runner.TotalJobsFailed)
	}
	if runner.TotalRuntimeSeconds != 42 {
		t.Fatalf("expected 42 runtime seconds, got %d", runner.TotalRuntimeSeconds)
	}

	history, err := store.ListJobHistory(ctx, "runner-1", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	if history[0].JobID != "job-1" || history[0].Status != "success" {
		t.Fatalf("unexpected history entry: %+v", history[0])
	}
	if history[0].DurationSeconds == nil || *history[0].DurationSeconds != 42 {
		t.Fatalf("expected recorded duration 42, got %+v", history[0].DurationSeconds)
	}
}

func TestCompleteJobMismatchLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	createTestRunner(t, ctx, store, "runner-1", "token-hash-1")
	registerTestRunner(t, ctx, store, "token-hash-1", "access-hash-1")

	if _, err := store.AssignJob(ctx, "runner-1", JobAssignment{JobID: "job-1"}, time.Now().UTC()); err != nil {
		t.Fatalf("assign: %v", err)
	}

	_, err := store.CompleteJob(ctx, "runner-1", JobCompletion{JobID: "job-2", Status: "success"}, time.Now().UTC())
	if !errors.Is(err, ErrJobMismatch) {
		t.Fatalf("expected ErrJobMismatch, got %v", err)
	}

	runner, err := store.GetRunner(ctx, "runner-1")
	if err != nil {
		t.Fatalf("get runner: %v", err)
	}
	if runner.Status != RunnerStatusBusy {
		t.Fatalf("expected runner still BUSY, got %s", runner.Status)
	}
	if runner.CurrentJob == nil || runner.CurrentJob.JobID != "job-1" {
		t.Fatalf("expected current job untouched, got %+v", runner.CurrentJob)
	}
	if runner.TotalJobsCompleted != 0 {
		t.Fatalf("expected counters untouched, got %d completed", runner.TotalJobsCompleted)
	}

	// A completion report with no job in flight is also a mismatch.
	duration := int64(1)
	if _, err := store.CompleteJob(ctx, "runner-1", JobCompletion{JobID: "job-1", Status: "failed", DurationSeconds: &duration}, time.Now().UTC()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err = store.CompleteJob(ctx, "runner-1", JobCompletion{JobID: "job-1", Status: "failed"}, time.Now().UTC())
	if !errors.Is(err, ErrJobMismatch) {
		t.Fatalf("expected ErrJobMismatch with no job in flight, got %v", err)
	}
}

func TestUpdateStatusRejectsBusyOverride(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	createTestRunner(t, ctx, store, "runner-1", "token-hash-1")
	registerTestRunner(t, ctx, store, "token-hash-1", "access-hash-1")

	_, err := store.UpdateRunnerStatus(ctx, "runner-1", RunnerStatusBusy, time.Now().UTC())
	if !IsTransitionError(err) {
		t.Fatalf("expected transition error for BUSY override, got %v", err)
	}

	_, err = store.UpdateRunnerStatus(ctx, "runner-1", RunnerStatus("SLEEPING"), time.Now().UTC())
	if !IsUnknownStateError(err) {
		t.Fatalf("expected unknown state error, got %v", err)
	}
}

func TestUpdateStatusClosesInFlightJobAsLost(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	createTestRunner(t, ctx, store, "runner-1", "token-hash-1")
	registerTestRunner(t, ctx, store, "token-hash-1", "access-hash-1")

	if _, err := store.AssignJob(ctx, "runner-1", JobAssignment{JobID: "job-1"}, time.Now().UTC()); err != nil {
		t.Fatalf("assign: %v", err)
	}

	runner, err := store.UpdateRunnerStatus(ctx, "runner-1", RunnerStatusError, time.Now().UTC())
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if runner.Status != RunnerStatusError {
		t.Fatalf("expected ERROR, got %s", runner.Status)
	}
	if runner.CurrentJob != nil {
		t.Fatal("expected current job cleared")
	}
	if runner.TotalJobsFailed != 1 {
		t.Fatalf("expected lost job counted as failed, got %d", runner.TotalJobsFailed)
	}

	history, err := store.ListJobHistory(ctx, "runner-1", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].Status != "lost" {
		t.Fatalf("expected one lost history entry, got %+v", history)
	}
}

func TestDeactivateRunnerRevokesAccess(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	createTestRunner(t, ctx, store, "runner-1", "token-hash-1")
	registerTestRunner(t, ctx, store, "token-hash-1", "access-hash-1")

	if _, err := store.AssignJob(ctx, "runner-1", JobAssignment{JobID: "job-1"}, time.Now().UTC()); err != nil {
		t.Fatalf("assign: %v", err)
	}

	runner, err := store.DeactivateRunner(ctx, "runner-1", time.Now().UTC())
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if runner.Status != RunnerStatusOffline || runner.IsActive {
		t.Fatalf("expected inactive OFFLINE runner, got %s active=%v", runner.Status, runner.IsActive)
	}

	if _, err := store.GetRunnerByAccessTokenHash(ctx, "access-hash-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected revoked token to stop resolving, got %v", err)
	}

	if _, err := store.AssignJob(ctx, "runner-1", JobAssignment{JobID: "job-2"}, time.Now().UTC()); !errors.Is(err, ErrRunnerUnavailable) {
		t.Fatalf("expected deactivated runner unavailable, got %v", err)
	}

	history, err := store.ListJobHistory(ctx, "runner-1", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].Status != "lost" {
		t.Fatalf("expected in-flight job closed as lost, got %+v", history)
	}
}

func TestListAvailableRunnersLabelFilter(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	createTestRunner(t, ctx, store, "runner-1", "token-hash-1")
	createTestRunner(t, ctx, store, "runner-2", "token-hash-2")
	createTestRunner(t, ctx, store, "runner-3", "token-hash-3")

	register := func(tokenHash, accessHash string, labels []string) {
		t.Helper()
		if _, err := store.RegisterRunner(ctx, tokenHash, RunnerDescriptor{
			Name:   "r",
			Labels: labels,
		}, accessHash, time.Now().UTC()); err != nil {
			t.Fatalf("register %s: %v", tokenHash, err)
		}
	}
	register("token-hash-1", "access-hash-1", []string{"linux", "docker"})
	register("token-hash-2", "access-hash-2", []string{"windows"})
	register("token-hash-3", "access-hash-3", []string{"linux", "gpu"})

	// runner-3 is busy and must not be listed.
	if _, err := store.AssignJob(ctx, "runner-3", JobAssignment{JobID: "job-1"}, time.Now().UTC()); err != nil {
		t.Fatalf("assign: %v", err)
	}

	all, err := store.ListAvailableRunners(ctx, nil)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 idle runners, got %d", len(all))
	}

	linux, err := store.ListAvailableRunners(ctx, []string{"linux"})
	if err != nil {
		t.Fatalf("list linux: %v", err)
	}
	if len(linux) != 1 || linux[0].ID != "runner-1" {
		t.Fatalf("expected only runner-1 for linux filter, got %+v", runnerIDs(linux))
	}

	mixed, err := store.ListAvailableRunners(ctx, []string{"windows", "gpu"})
	if err != nil {
		t.Fatalf("list mixed: %v", err)
	}
	if len(mixed) != 1 || mixed[0].ID != "runner-2" {
		t.Fatalf("expected only runner-2 for mixed filter, got %+v", runnerIDs(mixed))
	}

	none, err := store.ListAvailableRunners(ctx, []string{"macos"})
	if err != nil {
		t.Fatalf("list none: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no runners for macos filter, got %+v", runnerIDs(none))
	}
}

func TestMarkStaleRunners(t *testing.T) {
	ctx := context.Background()
	store, cleanup := setupTestStore(t, ctx)
	defer cleanup()

	createTestRunner(t, ctx, store, "runner-1", "token-hash-1")
	createTestRunner(t, ctx, store, "runner-2", "token-hash-2")

	stale := time.Now().UTC().Add(-5 * time.Minute)
	if _, err := store.RegisterRunner(ctx, "token-hash-1", RunnerDescriptor{Name: "stale"}, "access-hash-1", stale); err != nil {
		t.Fatalf("register stale: %v", err)
	}
	if _, err := store.RegisterRunner(ctx, "token-hash-2", RunnerDescriptor{Name: "fresh"}, "access-hash-2", time.Now().UTC()); err != nil {
		t.Fatalf("register fresh: %v", err)
	}

	if _, err := store.AssignJob(ctx, "runner-1", JobAssignment{JobID: "job-1"}, stale); err != nil {
		t.Fatalf("assign: %v", err)
	}

	now := time.Now().UTC()
	count, err := store.MarkStaleRunners(ctx, now.Add(-90*time.Second), now, 10)
	if err != nil {
		t.Fatalf("mark stale: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 swept runner, got %d", count)
	}

	swept, err := store.GetRunner(ctx, "runner-1")
	if err != nil {
		t.Fatalf("get swept: %v", err)
	}
	if swept.Status != RunnerStatusError {
		t.Fatalf("expected ERROR after sweep, got %s", swept.Status)
	}
	if swept.CurrentJob != nil {
		t.Fatal("expected in-flight job cleared by sweep")
	}

	history, err := store.ListJobHistory(ctx, "runner-1", 10)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(history) != 1 || history[0].Status != "lost" {
		t.Fatalf("expected one lost entry, got %+v", history)
	}

	fresh, err := store.GetRunner(ctx, "runner-2")
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if fresh.Status != RunnerStatusIdle {
		t.Fatalf("expected fresh runner untouched, got %s", fresh.Status)
	}
}

func createTestRunner(t *testing.T, ctx context.Context, store *Store, id, tokenHash string) Runner {
	t.Helper()
	runner, err := store.CreateRunner(ctx, Runner{
		ID:      id,
		Name:    id,
		OwnerID: "user-1",
	}, tokenHash)
	if err != nil {
		t.Fatalf("create runner %s: %v", id, err)
	}
	return runner
}

func registerTestRunner(t *testing.T, ctx context.Context, store *Store, tokenHash, accessHash string) Runner {
	t.Helper()
	runner, err := store.RegisterRunner(ctx, tokenHash, RunnerDescriptor{
		Name:            "build-box",
		Architecture:    "amd64",
		OperatingSystem: "linux",
		Labels:          []string{"linux"},
	}, accessHash, time.Now().UTC())
	if err != nil {
		t.Fatalf("register runner: %v", err)
	}
	return runner
}

func runnerIDs(runners []Runner) []string {
	ids := make([]string, 0, len(runners))
	for _, runner := range runners {
		ids = append(ids, runner.ID)
	}
	return ids
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, func()) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("ping db: %v", err)
	}

	store := NewStore(db)
	if err := store.ApplyMigrations(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	if err := resetDatabase(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("reset database: %v", err)
	}

	cleanup := func() {
		_ = resetDatabase(ctx, db)
		_ = db.Close()
	}
	return store, cleanup
}

func resetDatabase(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
SELECT tablename
FROM pg_tables
WHERE schemaname = 'public'
  AND tablename <> 'schema_migrations'
`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, quoteIdentifier(name))
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(tables) == 0 {
		return nil
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf("TRUNCATE %s CASCADE", strings.Join(tables, ", ")))
	return err
}

func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
