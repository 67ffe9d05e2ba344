package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.github.com"

// APIError captures non-2xx responses from GitHub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error: status=%d message=%s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a GitHub 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is a minimal GitHub API client covering the app-installation
// surface. Credentials are supplied per call because the same client
// serves app assertions, installation tokens, and user tokens.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	UserAgent  string
}

// NewClient constructs a GitHub client against the public API.
func NewClient() *Client {
	return &Client{
		BaseURL:    defaultBaseURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		UserAgent:  "monkci",
	}
}

// AppInstallation is a GitHub App installation as reported by the API.
type AppInstallation struct {
	ID                  int64             `json:"id"`
	AccountLogin        string            `json:"-"`
	AccountType         string            `json:"-"`
	Permissions         map[string]string `json:"permissions"`
	RepositorySelection string            `json:"repository_selection"`
}

type apiInstallation struct {
	ID      int64 `json:"id"`
	Account struct {
		Login string `json:"login"`
		Type  string `json:"type"`
	} `json:"account"`
	Permissions         map[string]string `json:"permissions"`
	RepositorySelection string            `json:"repository_selection"`
}

func (i apiInstallation) toInstallation() AppInstallation {
	return AppInstallation{
		ID:                  i.ID,
		AccountLogin:        i.Account.Login,
		AccountType:         i.Account.Type,
		Permissions:         i.Permissions,
		RepositorySelection: i.RepositorySelection,
	}
}

// Organization is a GitHub organization membership entry.
type Organization struct {
	Login string `json:"login"`
}

// InstallationTokenResponse is the payload of the installation access
// token endpoint.
type InstallationTokenResponse struct {
	Token       string            `json:"token"`
	ExpiresAt   time.Time         `json:"expires_at"`
	Permissions map[string]string `json:"permissions"`
}

// CreateInstallationToken exchanges an app assertion for an installation
// access token.
func (c *Client) CreateInstallationToken(ctx context.Context, assertion string, installationID int64) (InstallationTokenResponse, error) {
	path := fmt.Sprintf("/app/installations/%d/access_tokens", installationID)
	var resp InstallationTokenResponse
	if err := c.doJSON(ctx, http.MethodPost, path, assertion, nil, &resp); err != nil {
		return InstallationTokenResponse{}, err
	}
	if resp.Token == "" {
		return InstallationTokenResponse{}, fmt.Errorf("installation token response missing token")
	}
	return resp, nil
}

// ListUserInstallations lists installations the authenticated user can
// access directly.
func (c *Client) ListUserInstallations(ctx context.Context, userToken string) ([]AppInstallation, error) {
	var payload struct {
		Installations []apiInstallation `json:"installations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/user/installations?per_page=100", userToken, nil, &payload); err != nil {
		return nil, err
	}
	installations := make([]AppInstallation, 0, len(payload.Installations))
	for _, installation := range payload.Installations {
		installations = append(installations, installation.toInstallation())
	}
	return installations, nil
}

// ListUserOrganizations lists the authenticated user's organization
// memberships.
func (c *Client) ListUserOrganizations(ctx context.Context, userToken string) ([]Organization, error) {
	var orgs []Organization
	if err := c.doJSON(ctx, http.MethodGet, "/user/orgs?per_page=100", userToken, nil, &orgs); err != nil {
		return nil, err
	}
	return orgs, nil
}

// GetOrganizationInstallation looks up the app's installation on an
// organization. GitHub answers 404 when the app is not installed there.
func (c *Client) GetOrganizationInstallation(ctx context.Context, assertion string, org string) (AppInstallation, error) {
	var payload apiInstallation
	if err := c.doJSON(ctx, http.MethodGet, "/orgs/"+org+"/installation", assertion, nil, &payload); err != nil {
		return AppInstallation{}, err
	}
	return payload.toInstallation(), nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	base := strings.TrimRight(c.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}
