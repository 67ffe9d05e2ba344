package state

import (
	"context"
	"database/sql"
	"errors"
)

// ErrNotFound is returned when a requested row cannot be located.
var ErrNotFound = errors.New("state: not found")

// ErrAlreadyRegistered is returned when a registration token matches a
// runner that is no longer OFFLINE.
var ErrAlreadyRegistered = errors.New("state: runner already registered")

// ErrRunnerUnavailable is returned when the assignment compare-and-set
// matches zero rows: the runner is not IDLE, not active, or was taken by a
// concurrent assignment. This is the expected failure mode of the
// list-then-assign window, not a bug.
var ErrRunnerUnavailable = errors.New("state: runner unavailable for assignment")

// ErrJobMismatch is returned when a completion report names a job other
// than the runner's current one.
var ErrJobMismatch = errors.New("state: completion does not match current job")

// ErrNoStaleRunners signals there are no runners ready to sweep.
var ErrNoStaleRunners = errors.New("state: no stale runners")

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}
