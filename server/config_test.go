package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Provider.Endpoint = "https://tenant.logto.app"
	cfg.Provider.ClientID = "app-id"
	return cfg
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesEnvOverrides(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:3000
  dev_mode: true
provider:
  endpoint: https://tenant.logto.app
  client_id: from-file
session:
  refresh_cookie_ttl: 168h
`)

	t.Setenv("OIDCBFF_SERVER_PUBLIC_URL", "https://app.example.com")
	t.Setenv("OIDCBFF_PROVIDER_CLIENT_ID", "from-env")
	t.Setenv("OIDCBFF_PROVIDER_SCOPES", "openid, profile ,offline_access")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}

	if cfg.Server.PublicURL != "https://app.example.com" {
		t.Fatalf("PublicURL override mismatch, got %q", cfg.Server.PublicURL)
	}
	if cfg.Provider.ClientID != "from-env" {
		t.Fatalf("ClientID override mismatch, got %q", cfg.Provider.ClientID)
	}
	if strings.Join(cfg.Provider.Scopes, " ") != "openid profile offline_access" {
		t.Fatalf("Scopes override mismatch, got %v", cfg.Provider.Scopes)
	}
	if cfg.Session.RefreshCookieTTL != 7*24*time.Hour {
		t.Fatalf("RefreshCookieTTL = %v", cfg.Session.RefreshCookieTTL)
	}
	if cfg.Session.AccessCookie != DefaultAccessCookie {
		t.Fatalf("defaults should survive partial files, got %q", cfg.Session.AccessCookie)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `server:
  public_url: http://localhost:3000
  unknown_field: value
provider:
  endpoint: https://tenant.logto.app
  client_id: app
`)

	_, err := LoadConfig(path)
	if err == nil {
		t.Fatalf("expected error for unknown field")
	}
	if !containsAny(err.Error(), []string{"unknown_field", "not found", "field"}) {
		t.Fatalf("error should mention unknown field, got: %v", err)
	}
}

func TestLoadConfigIgnoresCommentLines(t *testing.T) {
	path := writeConfig(t, `# generated
provider:
  # the Logto tenant
  endpoint: https://tenant.logto.app
  client_id: app
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Provider.IssuerURL() != "https://tenant.logto.app/oidc" {
		t.Fatalf("issuer = %q", cfg.Provider.IssuerURL())
	}
}

func TestIssuerURL(t *testing.T) {
	tests := []struct {
		cfg  ProviderConfig
		want string
	}{
		{ProviderConfig{Endpoint: "https://tenant.logto.app"}, "https://tenant.logto.app/oidc"},
		{ProviderConfig{Endpoint: "https://tenant.logto.app/"}, "https://tenant.logto.app/oidc"},
		{ProviderConfig{Endpoint: "https://ignored", Issuer: "https://idp.example.com/"}, "https://idp.example.com"},
		{ProviderConfig{}, ""},
	}
	for _, tt := range tests {
		if got := tt.cfg.IssuerURL(); got != tt.want {
			t.Errorf("IssuerURL(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestRedirectURI(t *testing.T) {
	cfg := validConfig()
	cfg.Server.PublicURL = "https://app.example.com/"
	if got := cfg.RedirectURI(); got != "https://app.example.com/callback" {
		t.Fatalf("RedirectURI = %q", got)
	}
}

func TestValidConfigPasses(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestConfigValidationErrorMessages(t *testing.T) {
	tests := []struct {
		name          string
		setupConfig   func(*Config)
		expectedError []string
	}{
		{
			name:          "missing_public_url",
			setupConfig:   func(c *Config) { c.Server.PublicURL = "" },
			expectedError: []string{"public_url", "required"},
		},
		{
			name:          "invalid_public_url_format",
			setupConfig:   func(c *Config) { c.Server.PublicURL = "localhost:3000" },
			expectedError: []string{"http://", "https://"},
		},
		{
			name: "missing_tls_domains_in_prod",
			setupConfig: func(c *Config) {
				c.Server.DevMode = false
				c.Server.TLS.Domains = nil
			},
			expectedError: []string{"tls.domains"},
		},
		{
			name: "missing_endpoint",
			setupConfig: func(c *Config) {
				c.Provider.Endpoint = ""
				c.Provider.Issuer = ""
			},
			expectedError: []string{"provider.endpoint"},
		},
		{
			name:          "relative_issuer",
			setupConfig:   func(c *Config) { c.Provider.Issuer = "tenant.logto.app/oidc" },
			expectedError: []string{"absolute"},
		},
		{
			name:          "missing_client_id",
			setupConfig:   func(c *Config) { c.Provider.ClientID = "" },
			expectedError: []string{"client_id"},
		},
		{
			name:          "empty_scopes",
			setupConfig:   func(c *Config) { c.Provider.Scopes = nil },
			expectedError: []string{"scopes"},
		},
		{
			name:          "zero_timeout",
			setupConfig:   func(c *Config) { c.Provider.HTTPTimeout = 0 },
			expectedError: []string{"http_timeout"},
		},
		{
			name:          "duplicate_cookie_names",
			setupConfig:   func(c *Config) { c.Session.RefreshCookie = c.Session.AccessCookie },
			expectedError: []string{"same cookie name"},
		},
		{
			name:          "empty_cookie_name",
			setupConfig:   func(c *Config) { c.Session.VerifierCookie = "" },
			expectedError: []string{"verifier_cookie"},
		},
		{
			name:          "zero_refresh_ttl",
			setupConfig:   func(c *Config) { c.Session.RefreshCookieTTL = 0 },
			expectedError: []string{"lifetimes"},
		},
		{
			name: "cookie_domain_mismatch",
			setupConfig: func(c *Config) {
				c.Server.PublicURL = "https://app.example.com"
				c.Session.CookieDomain = "other.com"
			},
			expectedError: []string{"cookie_domain"},
		},
		{
			name:          "relative_login_path",
			setupConfig:   func(c *Config) { c.Routes.LoginPath = "login" },
			expectedError: []string{"login_path"},
		},
		{
			name:          "relative_protected_path",
			setupConfig:   func(c *Config) { c.Routes.Protected = []string{"dashboard"} },
			expectedError: []string{"must start with /"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.setupConfig(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !containsAny(err.Error(), tt.expectedError) {
				t.Errorf("error should contain one of %v, got: %v", tt.expectedError, err)
			}
		})
	}
}

func TestSplitAndTrimRemovesEmpty(t *testing.T) {
	in := " a , ,b,, c "
	out := splitAndTrim(in)
	expected := []string{"a", "b", "c"}
	if len(out) != len(expected) {
		t.Fatalf("unexpected length: got %d want %d", len(out), len(expected))
	}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("element %d mismatch: got %q want %q", i, out[i], expected[i])
		}
	}
}

func TestParseBoolFallback(t *testing.T) {
	if parseBool("", true) != true {
		t.Fatalf("empty input should return fallback true")
	}
	if parseBool("invalid", false) != false {
		t.Fatalf("invalid input should return fallback false")
	}
	if parseBool("YES", false) != true {
		t.Fatalf("expected true for yes")
	}
	if parseBool("0", true) != false {
		t.Fatalf("expected false for zero")
	}
}

func TestParseDurationFallback(t *testing.T) {
	fallback := 5 * time.Minute
	if parseDuration("bogus", fallback) != fallback {
		t.Fatalf("invalid duration should return fallback")
	}
	if parseDuration("30s", fallback) != 30*time.Second {
		t.Fatalf("parsed duration mismatch")
	}
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
