package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
)

// Profile is the signed-in user as reported by the provider's userinfo endpoint.
// Only ID is required; the full claim bag is kept in Claims.
type Profile struct {
	ID            string         `json:"id"`
	Username      string         `json:"username,omitempty"`
	Name          string         `json:"name,omitempty"`
	Email         string         `json:"email,omitempty"`
	EmailVerified bool           `json:"emailVerified"`
	Phone         string         `json:"phone,omitempty"`
	PhoneVerified bool           `json:"phoneVerified"`
	Avatar        string         `json:"avatar,omitempty"`
	Claims        map[string]any `json:"claims,omitempty"`
}

// UserInfoClient fetches the profile for an access token.
type UserInfoClient struct {
	discovery *DiscoveryClient
	timeout   time.Duration
	logger    *slog.Logger
}

// NewUserInfoClient constructs a userinfo client.
func NewUserInfoClient(discovery *DiscoveryClient, timeout time.Duration, logger *slog.Logger) *UserInfoClient {
	return &UserInfoClient{discovery: discovery, timeout: timeout, logger: logger}
}

// Fetch calls the userinfo endpoint with the bearer token.
func (c *UserInfoClient) Fetch(ctx context.Context, accessToken string) (*Profile, error) {
	op, err := c.discovery.Provider(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserInfo, err)
	}

	ctx, cancel := context.WithTimeout(c.discovery.WithClient(ctx), c.timeout)
	defer cancel()

	info, err := op.UserInfo(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserInfo, err)
	}

	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: decode claims: %v", ErrUserInfo, err)
	}
	profile := profileFromClaims(claims)
	if profile.ID == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrUserInfo)
	}
	return profile, nil
}

func profileFromClaims(claims map[string]any) *Profile {
	p := &Profile{Claims: claims}
	p.ID = stringClaim(claims, "sub", "id")
	p.Username = stringClaim(claims, "username", "preferred_username")
	p.Name = stringClaim(claims, "name")
	p.Email = stringClaim(claims, "email")
	p.EmailVerified = boolClaim(claims, "email_verified")
	p.Phone = stringClaim(claims, "phone_number", "phone")
	p.PhoneVerified = boolClaim(claims, "phone_number_verified")
	p.Avatar = stringClaim(claims, "picture", "avatar")
	return p
}

func stringClaim(claims map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := claims[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// boolClaim accepts JSON booleans and the "true" strings some providers emit.
func boolClaim(claims map[string]any, key string) bool {
	switch v := claims[key].(type) {
	case bool:
		return v
	case string:
		return parseBool(v, false)
	default:
		return false
	}
}
