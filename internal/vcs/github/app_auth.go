package github

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

const (
	// tokenSafetyMargin is how long before expiry a cached installation
	// token is treated as stale.
	tokenSafetyMargin = 60 * time.Second

	// assertionLifetime keeps app assertions comfortably under GitHub's
	// ten minute ceiling.
	assertionLifetime = 9 * time.Minute

	// clockDrift backdates the issued-at claim to tolerate skew between
	// this host and GitHub.
	clockDrift = 60 * time.Second

	upstreamAttempts = 3
)

// ErrInstallationUnavailable is returned when GitHub rejects the exchange
// with a 4xx: the installation was uninstalled, suspended, or the request
// is otherwise unauthorized. Not retryable.
var ErrInstallationUnavailable = errors.New("github: installation unavailable")

// ErrUpstreamUnavailable is returned after transient upstream failures
// exhaust the retry budget.
var ErrUpstreamUnavailable = errors.New("github: upstream unavailable")

// ExchangeMetrics counts installation token exchange outcomes.
type ExchangeMetrics interface {
	IncTokenExchange(outcome string)
}

// InstallationToken is a short-lived bearer credential scoped to one
// installation.
type InstallationToken struct {
	Token       string
	ExpiresAt   time.Time
	Permissions map[string]string
}

// TokenBroker mints app assertions and exchanges them for per-installation
// access tokens. Tokens are cached in memory per installation id and
// refreshed within a safety margin of expiry; concurrent refreshes for the
// same installation collapse into one upstream call.
type TokenBroker struct {
	appID      string
	privateKey *rsa.PrivateKey
	client     *Client
	now        func() time.Time
	metrics    ExchangeMetrics

	mu    sync.Mutex
	cache map[int64]InstallationToken
	group singleflight.Group
}

// NewTokenBroker builds a broker for the GitHub App identified by appID,
// signing assertions with the given RSA private key (PEM).
func NewTokenBroker(appID string, privateKeyPEM []byte, client *Client) (*TokenBroker, error) {
	if appID == "" {
		return nil, errors.New("github app id required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse github app private key: %w", err)
	}
	if client == nil {
		client = NewClient()
	}
	return &TokenBroker{
		appID:      appID,
		privateKey: key,
		client:     client,
		now:        func() time.Time { return time.Now().UTC() },
		cache:      make(map[int64]InstallationToken),
	}, nil
}

// WithMetrics installs an exchange outcome counter. Returns the broker for
// call chaining at construction.
func (b *TokenBroker) WithMetrics(metrics ExchangeMetrics) *TokenBroker {
	b.metrics = metrics
	return b
}

func (b *TokenBroker) countExchange(outcome string) {
	if b.metrics != nil {
		b.metrics.IncTokenExchange(outcome)
	}
}

// MintAppAssertion signs a fresh short-lived assertion identifying the app.
// Assertions are regenerated on every call.
func (b *TokenBroker) MintAppAssertion() (string, error) {
	now := b.now()
	claims := jwt.RegisteredClaims{
		Issuer:    b.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-clockDrift)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(b.privateKey)
}

// InstallationToken returns a valid token for the installation, exchanging
// a fresh app assertion when the cache is empty or within the safety
// margin of expiry.
func (b *TokenBroker) InstallationToken(ctx context.Context, installationID int64) (InstallationToken, error) {
	if token, ok := b.cached(installationID); ok {
		return token, nil
	}

	key := strconv.FormatInt(installationID, 10)
	result, err, _ := b.group.Do(key, func() (any, error) {
		// A concurrent caller may have refreshed while this one waited
		// on the flight.
		if token, ok := b.cached(installationID); ok {
			return token, nil
		}

		token, err := b.exchange(ctx, installationID)
		if err != nil {
			return InstallationToken{}, err
		}

		b.mu.Lock()
		b.cache[installationID] = token
		b.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return InstallationToken{}, err
	}
	return result.(InstallationToken), nil
}

// Evict drops any cached token for the installation.
func (b *TokenBroker) Evict(installationID int64) {
	b.mu.Lock()
	delete(b.cache, installationID)
	b.mu.Unlock()
}

func (b *TokenBroker) cached(installationID int64) (InstallationToken, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	token, ok := b.cache[installationID]
	if !ok {
		return InstallationToken{}, false
	}
	if b.now().Add(tokenSafetyMargin).After(token.ExpiresAt) {
		return InstallationToken{}, false
	}
	return token, true
}

// exchange calls the installation access token endpoint with bounded
// backoff. 4xx responses evict the cache entry and are not retried.
func (b *TokenBroker) exchange(ctx context.Context, installationID int64) (InstallationToken, error) {
	var token InstallationToken
	err := retry.Do(
		func() error {
			assertion, err := b.MintAppAssertion()
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := b.client.CreateInstallationToken(ctx, assertion, installationID)
			if err != nil {
				var apiErr *APIError
				if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
					b.Evict(installationID)
					return retry.Unrecoverable(fmt.Errorf("%w: installation %d: %v", ErrInstallationUnavailable, installationID, err))
				}
				return err
			}
			token = InstallationToken{
				Token:       resp.Token,
				ExpiresAt:   resp.ExpiresAt,
				Permissions: resp.Permissions,
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(upstreamAttempts),
		retry.Delay(250*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		if errors.Is(err, ErrInstallationUnavailable) {
			b.countExchange("rejected")
			return InstallationToken{}, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return InstallationToken{}, err
		}
		b.countExchange("unavailable")
		return InstallationToken{}, fmt.Errorf("%w: installation %d: %v", ErrUpstreamUnavailable, installationID, err)
	}
	b.countExchange("ok")
	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = b.now().Add(30 * time.Minute)
	}
	return token, nil
}
