package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// TokenSet is what the provider hands back from the token endpoint.
// ExpiresAt is computed at receipt; the zero value means the lifetime is unknown.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresAt    time.Time
}

// TokenClient talks to the provider's token endpoint.
// Calls are never retried: authorization codes and rotating refresh tokens are single-use.
type TokenClient struct {
	discovery     *DiscoveryClient
	clientID      string
	clientSecret  string
	timeout       time.Duration
	verifyIDToken bool
	logger        *slog.Logger
	now           func() time.Time
}

// NewTokenClient builds a token client for the configured provider registration.
func NewTokenClient(cfg ProviderConfig, discovery *DiscoveryClient, logger *slog.Logger) *TokenClient {
	return &TokenClient{
		discovery:     discovery,
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		timeout:       cfg.HTTPTimeout,
		verifyIDToken: cfg.VerifyIDToken,
		logger:        logger,
		now:           time.Now,
	}
}

func (c *TokenClient) oauthConfig(meta OIDCConfig, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// Exchange redeems an authorization code with its PKCE verifier.
// redirectURI must be the exact value sent on the authorize request.
func (c *TokenClient) Exchange(ctx context.Context, code, verifier, redirectURI string) (TokenSet, error) {
	meta, err := c.discovery.Discover(ctx)
	if err != nil {
		return TokenSet{}, err
	}

	ctx, cancel := context.WithTimeout(c.discovery.WithClient(ctx), c.timeout)
	defer cancel()

	tok, err := c.oauthConfig(meta, redirectURI).Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %s", ErrCodeExchange, describeTokenError(err))
	}

	ts := c.tokenSet(tok)
	if c.verifyIDToken && ts.IDToken != "" {
		if err := c.verify(ctx, ts.IDToken); err != nil {
			// Drop cached provider metadata so the next login refetches it.
			c.discovery.Invalidate()
			c.logger.Warn("id_token verification failed, discovery invalidated", "issuer", c.discovery.Issuer(), "error", err)
			return TokenSet{}, fmt.Errorf("%w: verify id_token: %v", ErrCodeExchange, err)
		}
	}
	return ts, nil
}

// Refresh runs the refresh_token grant. A rotated refresh token replaces the old one;
// when the provider omits it the old one is carried over.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	if refreshToken == "" {
		return TokenSet{}, fmt.Errorf("%w: refresh token required", ErrRefresh)
	}
	meta, err := c.discovery.Discover(ctx)
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %v", ErrRefresh, err)
	}

	ctx, cancel := context.WithTimeout(c.discovery.WithClient(ctx), c.timeout)
	defer cancel()

	src := c.oauthConfig(meta, "").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %s", ErrRefresh, describeTokenError(err))
	}
	return c.tokenSet(tok), nil
}

func (c *TokenClient) verify(ctx context.Context, rawIDToken string) error {
	op, err := c.discovery.Provider(ctx)
	if err != nil {
		return err
	}
	verifier := op.Verifier(&oidc.Config{ClientID: c.clientID, Now: c.now})
	_, err = verifier.Verify(ctx, rawIDToken)
	return err
}

func (c *TokenClient) tokenSet(tok *oauth2.Token) TokenSet {
	ts := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = id
	}
	if secs, ok := expiresIn(tok.Extra("expires_in")); ok {
		if secs > 0 {
			ts.ExpiresAt = c.now().Add(time.Duration(secs) * time.Second)
		}
	} else if !tok.Expiry.IsZero() {
		ts.ExpiresAt = tok.Expiry
	}
	return ts
}

func expiresIn(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// describeTokenError keeps the provider's error code for server-side logs.
func describeTokenError(err error) string {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		if re.ErrorCode != "" {
			return fmt.Sprintf("provider returned %d %s", re.Response.StatusCode, re.ErrorCode)
		}
		return fmt.Sprintf("provider returned %s", re.Response.Status)
	}
	return err.Error()
}
