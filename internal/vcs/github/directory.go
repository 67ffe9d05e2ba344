package github

import (
	"context"
	"fmt"
	"log/slog"
)

// Directory resolves every installation a user account can act on: the
// installations visible to the user directly, plus the app's installation
// on each organization the user belongs to, deduplicated by installation
// id.
type Directory struct {
	client *Client
	broker *TokenBroker
	logger *slog.Logger
}

func NewDirectory(client *Client, broker *TokenBroker, logger *slog.Logger) *Directory {
	if client == nil {
		client = NewClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{client: client, broker: broker, logger: logger}
}

// ListInstallationsForUser concatenates personal and organization
// installations for the given user token. An organization without the app
// installed contributes zero installations; an organization whose lookup
// fails for any other reason is dropped and logged rather than aborting
// the listing.
func (d *Directory) ListInstallationsForUser(ctx context.Context, userToken string) ([]AppInstallation, error) {
	personal, err := d.client.ListUserInstallations(ctx, userToken)
	if err != nil {
		return nil, fmt.Errorf("list user installations: %w", err)
	}

	seen := make(map[int64]bool, len(personal))
	installations := make([]AppInstallation, 0, len(personal))
	for _, installation := range personal {
		if seen[installation.ID] {
			continue
		}
		seen[installation.ID] = true
		installations = append(installations, installation)
	}

	orgs, err := d.client.ListUserOrganizations(ctx, userToken)
	if err != nil {
		return nil, fmt.Errorf("list user organizations: %w", err)
	}

	for _, org := range orgs {
		installation, err := d.orgInstallation(ctx, org.Login)
		if err != nil {
			if IsNotFound(err) {
				// Most orgs do not have the app installed.
				continue
			}
			d.logger.Warn("org installation lookup failed",
				"event", "org_installation_lookup_failed", "org", org.Login, "error", err)
			continue
		}
		if seen[installation.ID] {
			continue
		}
		seen[installation.ID] = true
		installations = append(installations, installation)
	}

	return installations, nil
}

func (d *Directory) orgInstallation(ctx context.Context, org string) (AppInstallation, error) {
	assertion, err := d.broker.MintAppAssertion()
	if err != nil {
		return AppInstallation{}, err
	}
	return d.client.GetOrganizationInstallation(ctx, assertion, org)
}
