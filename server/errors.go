package server

import (
	"errors"
	"fmt"
)

// Failure classes of the login protocol. Boundaries match on them with errors.Is
// and translate them into a redirect reason or an unauthenticated session.
var (
	ErrConfigFetch     = errors.New("oidc discovery failed")
	ErrCodeExchange    = errors.New("authorization code exchange failed")
	ErrRefresh         = errors.New("token refresh failed")
	ErrUserInfo        = errors.New("userinfo request failed")
	ErrMissingVerifier = errors.New("pkce verifier missing")
	ErrMissingCode     = errors.New("authorization code missing")
)

// IdPError is an error the provider reported on the callback redirect.
type IdPError struct {
	Code        string
	Description string
}

func (e *IdPError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("provider error: %s", e.Code)
	}
	return fmt.Sprintf("provider error: %s: %s", e.Code, e.Description)
}
