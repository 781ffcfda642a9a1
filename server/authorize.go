package server

import (
	"errors"

	"golang.org/x/oauth2"
)

// BuildAuthorizeURL composes the provider authorize URL for a PKCE login.
// prompt=login and max_age=0 force interactive sign-in even when the provider
// still holds an SSO session.
func BuildAuthorizeURL(cfg OIDCConfig, clientID, redirectURI string, scopes []string, pkce PKCEChallenge) (string, error) {
	if cfg.AuthorizationEndpoint == "" {
		return "", errors.New("authorization endpoint unknown")
	}
	if pkce.Challenge == "" {
		return "", errors.New("code challenge required")
	}

	oauthCfg := oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Scopes:      scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthorizationEndpoint},
	}

	// No state parameter: the verifier cookie binds the callback to this browser.
	return oauthCfg.AuthCodeURL("",
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", PKCEMethodS256),
		oauth2.SetAuthURLParam("prompt", "login"),
		oauth2.SetAuthURLParam("max_age", "0"),
	), nil
}
