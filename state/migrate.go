package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/monkci/monkci/state/migrations"
)

// ApplyMigrations applies embedded SQL migrations in order inside a single
// transaction. Already-applied migrations are skipped, so startup can call
// this unconditionally.
func (s *Store) ApplyMigrations(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    id TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `SELECT id FROM schema_migrations`)
		if err != nil {
			return err
		}
		applied := make(map[string]bool)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			applied[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, migration := range migrations.All {
			if applied[migration.ID] {
				continue
			}
			if _, err := tx.ExecContext(ctx, migration.Script); err != nil {
				return fmt.Errorf("apply migration %s: %w", migration.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id) VALUES ($1)`, migration.ID); err != nil {
				return fmt.Errorf("record migration %s: %w", migration.ID, err)
			}
		}
		return nil
	})
}
