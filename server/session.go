package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// TokenRefresher decides staleness and runs the refresh grant.
type TokenRefresher struct {
	tokens  Refresher
	skew    time.Duration
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
	group   singleflight.Group
}

// Refresher runs the refresh_token grant. *TokenClient satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenSet, error)
}

// NewTokenRefresher constructs a refresher with the given expiry skew.
func NewTokenRefresher(tokens Refresher, skew, timeout time.Duration, logger *slog.Logger) *TokenRefresher {
	return &TokenRefresher{tokens: tokens, skew: skew, timeout: timeout, logger: logger, now: time.Now}
}

// IsExpired is true once now reaches expiresAt minus the skew. An unknown expiry is expired.
func (t *TokenRefresher) IsExpired(expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return true
	}
	return !t.now().Before(expiresAt.Add(-t.skew))
}

// Refresh exchanges refreshToken for a new token set. Concurrent calls for the same
// refresh token in this process share one provider round trip. The shared call is
// detached from the caller's cancellation but bounded by the refresher's timeout.
func (t *TokenRefresher) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	v, err, shared := t.group.Do(refreshKey(refreshToken), func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
		defer cancel()
		return t.tokens.Refresh(callCtx, refreshToken)
	})
	if shared {
		refreshResults.WithLabelValues("shared").Inc()
	}
	if err != nil {
		refreshResults.WithLabelValues("error").Inc()
		return TokenSet{}, err
	}
	refreshResults.WithLabelValues("ok").Inc()
	return v.(TokenSet), nil
}

func refreshKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ProfileFetcher resolves a profile from an access token. *UserInfoClient satisfies it.
type ProfileFetcher interface {
	Fetch(ctx context.Context, accessToken string) (*Profile, error)
}

// Session is the per-request authentication view.
type Session struct {
	IsAuthenticated bool     `json:"isAuthenticated"`
	User            *Profile `json:"user,omitempty"`
}

// SessionResolver recomputes the session from the request's cookies. It is the
// authoritative authentication check; the route guard only looks at cookie presence.
type SessionResolver struct {
	refresher *TokenRefresher
	userinfo  ProfileFetcher
	logger    *slog.Logger
}

// NewSessionResolver wires the resolver.
func NewSessionResolver(refresher *TokenRefresher, userinfo ProfileFetcher, logger *slog.Logger) *SessionResolver {
	return &SessionResolver{refresher: refresher, userinfo: userinfo, logger: logger}
}

// CurrentUser returns the signed-in profile or nil. Every failure resolves to nil.
func (s *SessionResolver) CurrentUser(ctx context.Context, cookies *TokenCookies) (profile *Profile) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("session resolution panic", "error", rec)
			sessionResolutions.WithLabelValues("error").Inc()
			profile = nil
		}
	}()

	access, ok := cookies.AccessToken()
	if !ok {
		sessionResolutions.WithLabelValues("anonymous").Inc()
		return nil
	}

	expiresAt, _ := cookies.ExpiresAt()
	if s.refresher.IsExpired(expiresAt) {
		refresh, ok := cookies.RefreshToken()
		if !ok {
			s.logger.Info("access token expired without refresh token")
			cookies.Clear()
			sessionResolutions.WithLabelValues("expired").Inc()
			return nil
		}

		ts, err := s.refresher.Refresh(ctx, refresh)
		if err != nil {
			s.logger.Warn("token refresh failed", "error", err)
			cookies.Clear()
			sessionResolutions.WithLabelValues("refresh_failed").Inc()
			return nil
		}
		if err := cookies.Store(ts); err != nil {
			s.logger.Error("store refreshed tokens", "error", err)
			cookies.Clear()
			sessionResolutions.WithLabelValues("refresh_failed").Inc()
			return nil
		}
		access = ts.AccessToken
	}

	profile, err := s.userinfo.Fetch(ctx, access)
	if err != nil {
		s.logger.Warn("userinfo failed", "error", err)
		sessionResolutions.WithLabelValues("userinfo_failed").Inc()
		return nil
	}
	sessionResolutions.WithLabelValues("authenticated").Inc()
	return profile
}

// Session wraps CurrentUser.
func (s *SessionResolver) Session(ctx context.Context, cookies *TokenCookies) Session {
	user := s.CurrentUser(ctx, cookies)
	return Session{IsAuthenticated: user != nil, User: user}
}
