package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// TokenStore keeps the token set in the browser's cookie jar. The server holds no
// copy: every request carries its own tokens.
type TokenStore struct {
	accessName   string
	refreshName  string
	expiresName  string
	verifierName string
	domain       string
	secure       bool
	refreshTTL   time.Duration
	verifierTTL  time.Duration
	now          func() time.Time
}

// NewTokenStore applies the session cookie policy. Cookies are Secure outside dev mode.
func NewTokenStore(cfg SessionConfig, devMode bool) *TokenStore {
	return &TokenStore{
		accessName:   cfg.AccessCookie,
		refreshName:  cfg.RefreshCookie,
		expiresName:  cfg.ExpiresAtCookie,
		verifierName: cfg.VerifierCookie,
		domain:       cfg.CookieDomain,
		secure:       !devMode,
		refreshTTL:   cfg.RefreshCookieTTL,
		verifierTTL:  cfg.VerifierCookieTTL,
		now:          time.Now,
	}
}

// HasAccessToken reports whether the request carries an access-token cookie.
func (s *TokenStore) HasAccessToken(r *http.Request) bool {
	c, err := r.Cookie(s.accessName)
	return err == nil && c.Value != ""
}

// ForRequest returns the cookie view for one request/response pair.
func (s *TokenStore) ForRequest(w http.ResponseWriter, r *http.Request) *TokenCookies {
	return &TokenCookies{store: s, w: w, r: r, pending: make(map[string]*http.Cookie)}
}

// TokenCookies reads tokens from the request and writes them to the response.
// Reads observe writes made earlier through the same value.
type TokenCookies struct {
	store   *TokenStore
	w       http.ResponseWriter
	r       *http.Request
	pending map[string]*http.Cookie
}

// Store persists a refreshed token set. An absent refresh token keeps the current one.
func (tc *TokenCookies) Store(ts TokenSet) error {
	return tc.write(ts, false)
}

// Replace persists the token set of a new login, dropping any refresh token it does not carry.
func (tc *TokenCookies) Replace(ts TokenSet) error {
	return tc.write(ts, true)
}

func (tc *TokenCookies) write(ts TokenSet, replace bool) error {
	if ts.AccessToken == "" {
		return errors.New("token set has no access token")
	}

	s := tc.store
	var cookies []*http.Cookie

	lifetime := 0
	if !ts.ExpiresAt.IsZero() {
		lifetime = int(ts.ExpiresAt.Sub(s.now()).Seconds())
	}
	if lifetime > 0 {
		cookies = append(cookies,
			s.cookie(s.accessName, ts.AccessToken, lifetime),
			s.cookie(s.expiresName, strconv.FormatInt(ts.ExpiresAt.Unix(), 10), lifetime),
		)
	} else {
		// Unknown lifetime: session cookie, and no expiry marker so the next read refreshes.
		cookies = append(cookies,
			s.cookie(s.accessName, ts.AccessToken, 0),
			s.expired(s.expiresName),
		)
	}

	switch {
	case ts.RefreshToken != "":
		cookies = append(cookies, s.cookie(s.refreshName, ts.RefreshToken, int(s.refreshTTL.Seconds())))
	case replace:
		cookies = append(cookies, s.expired(s.refreshName))
	}

	for _, c := range cookies {
		if err := c.Valid(); err != nil {
			return fmt.Errorf("cookie %s: %w", c.Name, err)
		}
	}
	for _, c := range cookies {
		tc.set(c)
	}
	return nil
}

// AccessToken returns the stored access token.
func (tc *TokenCookies) AccessToken() (string, bool) {
	return tc.get(tc.store.accessName)
}

// RefreshToken returns the stored refresh token.
func (tc *TokenCookies) RefreshToken() (string, bool) {
	return tc.get(tc.store.refreshName)
}

// ExpiresAt returns the stored expiry marker. A malformed marker counts as absent.
func (tc *TokenCookies) ExpiresAt() (time.Time, bool) {
	v, ok := tc.get(tc.store.expiresName)
	if !ok {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

// Clear removes the access, refresh, expiry and verifier cookies together.
func (tc *TokenCookies) Clear() {
	s := tc.store
	for _, name := range []string{s.accessName, s.refreshName, s.expiresName, s.verifierName} {
		tc.set(s.expired(name))
	}
}

// SetVerifier stores the PKCE verifier for the upcoming callback.
func (tc *TokenCookies) SetVerifier(verifier string) error {
	c := tc.store.cookie(tc.store.verifierName, verifier, int(tc.store.verifierTTL.Seconds()))
	if err := c.Valid(); err != nil {
		return err
	}
	tc.set(c)
	return nil
}

// Verifier returns the stored PKCE verifier.
func (tc *TokenCookies) Verifier() (string, bool) {
	return tc.get(tc.store.verifierName)
}

// DiscardVerifier deletes the verifier cookie.
func (tc *TokenCookies) DiscardVerifier() {
	tc.set(tc.store.expired(tc.store.verifierName))
}

func (tc *TokenCookies) set(c *http.Cookie) {
	tc.pending[c.Name] = c
	http.SetCookie(tc.w, c)
}

func (tc *TokenCookies) get(name string) (string, bool) {
	if c, ok := tc.pending[name]; ok {
		if c.MaxAge < 0 || c.Value == "" {
			return "", false
		}
		return c.Value, true
	}
	c, err := tc.r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func (s *TokenStore) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   s.domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *TokenStore) expired(name string) *http.Cookie {
	c := s.cookie(name, "", -1)
	c.Expires = time.Unix(0, 0)
	return c
}
