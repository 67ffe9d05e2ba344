package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// UpsertInstallation remembers a discovered installation, replacing the
// stored permissions and repository selection wholesale. An empty user id
// never overwrites an existing binding: webhooks carry no user context,
// only a sync does.
func (s *Store) UpsertInstallation(ctx context.Context, installation Installation) (Installation, error) {
	if installation.InstallationID == 0 {
		return Installation{}, errors.New("installation id required")
	}

	permissions := installation.Permissions
	if permissions == nil {
		permissions = map[string]string{}
	}
	permsJSON, err := json.Marshal(permissions)
	if err != nil {
		return Installation{}, err
	}

	err = s.db.QueryRowContext(ctx, `
INSERT INTO installations (installation_id, user_id, account_login, account_type, permissions, repository_selection)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (installation_id)
DO UPDATE SET user_id = CASE WHEN EXCLUDED.user_id = '' THEN installations.user_id ELSE EXCLUDED.user_id END,
              account_login = EXCLUDED.account_login,
              account_type = EXCLUDED.account_type,
              permissions = EXCLUDED.permissions,
              repository_selection = EXCLUDED.repository_selection,
              updated_at = NOW()
RETURNING user_id, created_at, updated_at
`, installation.InstallationID, installation.UserID, installation.AccountLogin,
		installation.AccountType, permsJSON, installation.RepositorySelection).
		Scan(&installation.UserID, &installation.CreatedAt, &installation.UpdatedAt)
	if err != nil {
		return Installation{}, err
	}

	return installation, nil
}

// ListInstallationsByUser returns the installations remembered for a user.
func (s *Store) ListInstallationsByUser(ctx context.Context, userID string) ([]Installation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT installation_id, user_id, account_login, account_type, permissions, repository_selection, created_at, updated_at
FROM installations
WHERE user_id = $1
ORDER BY installation_id ASC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var installations []Installation
	for rows.Next() {
		var installation Installation
		var permsJSON []byte
		if err := rows.Scan(&installation.InstallationID, &installation.UserID,
			&installation.AccountLogin, &installation.AccountType, &permsJSON,
			&installation.RepositorySelection, &installation.CreatedAt, &installation.UpdatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalInto(permsJSON, &installation.Permissions); err != nil {
			return nil, err
		}
		installations = append(installations, installation)
	}
	return installations, rows.Err()
}

// DeleteInstallation forgets an installation, typically on an
// "installation deleted" webhook.
func (s *Store) DeleteInstallation(ctx context.Context, installationID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM installations WHERE installation_id = $1`, installationID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: installation %d", ErrNotFound, installationID)
	}
	return nil
}
