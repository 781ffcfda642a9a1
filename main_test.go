package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"oidcbff/idptest"
	"oidcbff/server"
)

func connectConfig(p *idptest.Provider) server.Config {
	cfg := server.DefaultConfig()
	cfg.Provider.Endpoint = p.Endpoint()
	cfg.Provider.ClientID = "app-id"
	return cfg
}

func TestRunConnectSuccess(t *testing.T) {
	p := idptest.New(t, "app-id")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := runConnect(context.Background(), connectConfig(p), logger, p.Server.Client()); err != nil {
		t.Fatalf("runConnect returned error: %v", err)
	}

	reqs := p.AuthorizeRequests()
	if len(reqs) != 1 {
		t.Fatalf("authorize requests = %d, want 1", len(reqs))
	}
	q := reqs[0]
	if q.Get("client_id") != "app-id" || q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Fatalf("unexpected authorize query: %v", q)
	}
}

func TestRunConnectDiscoveryFailure(t *testing.T) {
	p := idptest.New(t, "app-id")
	p.FailDiscovery(http.StatusInternalServerError)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := runConnect(context.Background(), connectConfig(p), logger, p.Server.Client()); err == nil {
		t.Fatalf("expected error when discovery fails")
	}
	if len(p.AuthorizeRequests()) != 0 {
		t.Fatalf("authorize endpoint must not be called without discovery")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	answers := strings.Join([]string{
		"",                         // dev mode
		"http://localhost:4000",    // public url
		"",                         // listen address
		"https://tenant.logto.app", // endpoint
		"app-123",                  // application id
		"s3cret",                   // application secret
		"",                         // scopes
	}, "\n") + "\n"

	cfg, err := runSetup(strings.NewReader(answers), path, logger)
	if err != nil {
		t.Fatalf("runSetup: %v", err)
	}
	if cfg.Provider.IssuerURL() != "https://tenant.logto.app/oidc" || cfg.Provider.ClientID != "app-123" || cfg.Provider.ClientSecret != "s3cret" {
		t.Fatalf("unexpected provider config: %+v", cfg.Provider)
	}
	if cfg.RedirectURI() != "http://localhost:4000/callback" {
		t.Fatalf("redirect uri = %q", cfg.RedirectURI())
	}
	if cfg.Session.RefreshCookieTTL != server.DefaultRefreshCookieTTL {
		t.Fatalf("refresh ttl did not round-trip: %v", cfg.Session.RefreshCookieTTL)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
