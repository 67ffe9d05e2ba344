package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/monkci/monkci/internal/observability"
	"github.com/monkci/monkci/internal/vcs/github"
	"github.com/monkci/monkci/state"
)

// InstallationService joins the GitHub installation directory with the
// platform's remembered installation records.
type InstallationService struct {
	store     *state.Store
	directory *github.Directory
	logger    *slog.Logger
}

func NewInstallationService(store *state.Store, directory *github.Directory, logger *slog.Logger) *InstallationService {
	if logger == nil {
		logger = observability.NewLogger("installations")
	}
	return &InstallationService{store: store, directory: directory, logger: logger}
}

// SyncForUser lists the user's installations from GitHub, remembers them,
// and returns the remembered records. Installations are discovered, never
// created: a sync only refreshes what GitHub reports.
func (s *InstallationService) SyncForUser(ctx context.Context, userID, userToken string) ([]state.Installation, error) {
	discovered, err := s.directory.ListInstallationsForUser(ctx, userToken)
	if err != nil {
		return nil, fmt.Errorf("list installations for user: %w", err)
	}

	for _, installation := range discovered {
		if _, err := s.store.UpsertInstallation(ctx, state.Installation{
			InstallationID:      installation.ID,
			UserID:              userID,
			AccountLogin:        installation.AccountLogin,
			AccountType:         installation.AccountType,
			Permissions:         installation.Permissions,
			RepositorySelection: installation.RepositorySelection,
		}); err != nil {
			return nil, fmt.Errorf("remember installation %d: %w", installation.ID, err)
		}
	}

	return s.store.ListInstallationsByUser(ctx, userID)
}

// ApplyWebhookEvent keeps remembered installations in sync with
// installation webhooks. Events for installations this platform has never
// seen are remembered without a user binding; the next SyncForUser fills
// it in.
func (s *InstallationService) ApplyWebhookEvent(ctx context.Context, event github.InstallationEvent) error {
	logger := observability.WithInstallation(s.logger, event.Installation.ID)

	if event.Removed {
		if err := s.store.DeleteInstallation(ctx, event.Installation.ID); err != nil {
			if errors.Is(err, state.ErrNotFound) {
				return nil
			}
			return err
		}
		logger.Info("installation removed", "event", "installation_removed", "action", event.Action)
		return nil
	}

	if _, err := s.store.UpsertInstallation(ctx, state.Installation{
		InstallationID:      event.Installation.ID,
		AccountLogin:        event.Installation.AccountLogin,
		AccountType:         event.Installation.AccountType,
		Permissions:         event.Installation.Permissions,
		RepositorySelection: event.Installation.RepositorySelection,
	}); err != nil {
		return err
	}
	logger.Info("installation remembered", "event", "installation_remembered", "action", event.Action)
	return nil
}
