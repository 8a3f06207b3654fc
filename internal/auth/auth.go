// Package auth resolves the short-lived data-access credential the
// gateway and the batched quote endpoint accept. Tokens are cached until
// close to expiry; refreshes are serialized so concurrent callers do not
// stampede the token endpoint.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/algotrade/feedmux/internal/api"
)

// DefaultRefreshMargin is how long before expiry a cached token is
// treated as stale.
const DefaultRefreshMargin = 30 * time.Second

// DefaultTokenLifetime applies when the token endpoint reports no expiry.
const DefaultTokenLifetime = 5 * time.Minute

// TokenSource hands out feed tokens, refreshing through the platform's
// CSRF-protected token endpoint as needed.
type TokenSource struct {
	client *api.Client
	logger *slog.Logger
	margin time.Duration

	// now is a clock hook for tests.
	now func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// Option configures a TokenSource.
type Option func(*TokenSource)

// WithRefreshMargin sets how early a token is considered stale.
func WithRefreshMargin(d time.Duration) Option {
	return func(t *TokenSource) {
		t.margin = d
	}
}

// WithClock overrides the clock (tests only).
func WithClock(now func() time.Time) Option {
	return func(t *TokenSource) {
		t.now = now
	}
}

// NewTokenSource creates a TokenSource backed by the given API client.
func NewTokenSource(client *api.Client, logger *slog.Logger, opts ...Option) *TokenSource {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TokenSource{
		client: client,
		logger: logger,
		margin: DefaultRefreshMargin,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Token returns a valid feed token, refreshing if the cached one is
// missing or near expiry.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.now().Before(t.expiresAt.Add(-t.margin)) {
		return t.token, nil
	}

	return t.refreshLocked(ctx)
}

// Fresh discards any cached token and fetches a new one. The manager
// calls this on transport-open so the authenticate frame never carries a
// credential that aged out while the handshake was in flight.
func (t *TokenSource) Fresh(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshLocked(ctx)
}

// Invalidate drops the cached token.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	t.token = ""
	t.expiresAt = time.Time{}
	t.mu.Unlock()
}

func (t *TokenSource) refreshLocked(ctx context.Context) (string, error) {
	csrf, err := t.client.GetCSRFToken(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve csrf token: %w", err)
	}

	tok, err := t.client.GetFeedToken(ctx, csrf)
	if err != nil {
		return "", fmt.Errorf("resolve feed token: %w", err)
	}

	lifetime := DefaultTokenLifetime
	if tok.Expiry > 0 {
		lifetime = time.Duration(tok.Expiry) * time.Second
	}

	t.token = tok.Token
	t.expiresAt = t.now().Add(lifetime)

	t.logger.Debug("feed token refreshed", "expires_at", t.expiresAt)

	return t.token, nil
}
