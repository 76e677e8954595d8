package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Token is an access token with an explicit expiry. A zero ExpiresAt means
// the token is good for the rest of the invocation.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// TokenSource yields fresh access tokens. Implementations must not cache
// tokens themselves; caching belongs to Session.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

// DefaultExpirySkew refreshes a token slightly before it actually expires so
// a request never leaves with a token that dies in flight.
const DefaultExpirySkew = 30 * time.Second

// Session caches one access token for the duration of a single invocation.
// It is created by the orchestrator at the start of a run and dropped at the
// end, so no credentials outlive the process's unit of work.
type Session struct {
	source TokenSource
	now    func() time.Time
	skew   time.Duration
	logger *slog.Logger

	token     Token
	refreshes int
}

// NewSession creates a session over source. A nil source produces a session
// that adds no auth headers.
func NewSession(source TokenSource, now func() time.Time, logger *slog.Logger) *Session {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		source: source,
		now:    now,
		skew:   DefaultExpirySkew,
		logger: logger,
	}
}

// Header returns the auth headers for the next request, refreshing the token
// when it is missing or about to expire.
func (s *Session) Header(ctx context.Context) (http.Header, error) {
	h := make(http.Header)
	if s == nil || s.source == nil {
		return h, nil
	}

	if s.expired() {
		tok, err := s.source.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh access token: %w", err)
		}
		if tok.AccessToken == "" {
			return nil, fmt.Errorf("token source returned an empty access token")
		}
		s.token = tok
		s.refreshes++
		s.logger.Debug("refreshed access token",
			"expires_at", tok.ExpiresAt,
			"refreshes", s.refreshes)
	}

	h.Set("Authorization", "Bearer "+s.token.AccessToken)
	return h, nil
}

// Refreshes returns how many times the session fetched a token.
func (s *Session) Refreshes() int {
	return s.refreshes
}

// Close forgets the cached token.
func (s *Session) Close() {
	s.token = Token{}
}

func (s *Session) expired() bool {
	if s.token.AccessToken == "" {
		return true
	}
	if s.token.ExpiresAt.IsZero() {
		return false
	}
	return !s.now().Add(s.skew).Before(s.token.ExpiresAt)
}
