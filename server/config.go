package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded cookie and token defaults
const (
	DefaultRefreshCookieTTL  = 30 * 24 * time.Hour
	DefaultVerifierCookieTTL = 10 * time.Minute
	DefaultExpirySkew        = 60 * time.Second
	DefaultDiscoveryTTL      = 24 * time.Hour
	DefaultHTTPTimeout       = 10 * time.Second
)

// Default cookie names, kept compatible with the Logto web sample.
const (
	DefaultAccessCookie    = "logto_token_set"
	DefaultRefreshCookie   = "logto_refresh_token"
	DefaultExpiresAtCookie = "logto_expires_at"
	DefaultVerifierCookie  = "pkce_verifier"
)

// DefaultScopes requested at the provider.
var DefaultScopes = []string{"openid", "profile", "email", "phone"}

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Session  SessionConfig  `yaml:"session"`
	Routes   RoutesConfig   `yaml:"routes"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// ProviderConfig describes the upstream OpenID provider and our client registration there.
type ProviderConfig struct {
	// Endpoint is the Logto tenant URL; the issuer is derived as Endpoint + "/oidc".
	Endpoint      string        `yaml:"endpoint"`
	Issuer        string        `yaml:"issuer"`
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	Scopes        []string      `yaml:"scopes"`
	DiscoveryTTL  time.Duration `yaml:"discovery_ttl"`
	HTTPTimeout   time.Duration `yaml:"http_timeout"`
	VerifyIDToken bool          `yaml:"verify_id_token"`
}

// SessionConfig controls the cookie-backed token store.
type SessionConfig struct {
	AccessCookie      string        `yaml:"access_cookie"`
	RefreshCookie     string        `yaml:"refresh_cookie"`
	ExpiresAtCookie   string        `yaml:"expires_at_cookie"`
	VerifierCookie    string        `yaml:"verifier_cookie"`
	CookieDomain      string        `yaml:"cookie_domain"`
	RefreshCookieTTL  time.Duration `yaml:"refresh_cookie_ttl"`
	VerifierCookieTTL time.Duration `yaml:"verifier_cookie_ttl"`
	ExpirySkew        time.Duration `yaml:"expiry_skew"`
}

// RoutesConfig lists the paths the route guard and callback flow rely on.
type RoutesConfig struct {
	LoginPath      string   `yaml:"login_path"`
	CallbackPath   string   `yaml:"callback_path"`
	AfterLoginPath string   `yaml:"after_login_path"`
	Public         []string `yaml:"public"`
	Protected      []string `yaml:"protected"`
	APIPrefix      string   `yaml:"api_prefix"`
}

// IssuerURL returns the configured issuer, deriving it from the Logto endpoint when unset.
func (p ProviderConfig) IssuerURL() string {
	if p.Issuer != "" {
		return strings.TrimSuffix(p.Issuer, "/")
	}
	endpoint := strings.TrimRight(p.Endpoint, "/")
	if endpoint == "" {
		return ""
	}
	return endpoint + "/oidc"
}

// RedirectURI is the callback URL registered at the provider. The same value is
// sent on the authorize redirect and on the code exchange.
func (c Config) RedirectURI() string {
	return strings.TrimSuffix(c.Server.PublicURL, "/") + c.Routes.CallbackPath
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:3000",
			DevListenAddr:   "127.0.0.1:3000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				CacheDir:   ".secrets/tls",
				HSTSMaxAge: 31536000,
			},
		},
		Provider: ProviderConfig{
			Scopes:        append([]string(nil), DefaultScopes...),
			DiscoveryTTL:  DefaultDiscoveryTTL,
			HTTPTimeout:   DefaultHTTPTimeout,
			VerifyIDToken: true,
		},
		Session: SessionConfig{
			AccessCookie:      DefaultAccessCookie,
			RefreshCookie:     DefaultRefreshCookie,
			ExpiresAtCookie:   DefaultExpiresAtCookie,
			VerifierCookie:    DefaultVerifierCookie,
			RefreshCookieTTL:  DefaultRefreshCookieTTL,
			VerifierCookieTTL: DefaultVerifierCookieTTL,
			ExpirySkew:        DefaultExpirySkew,
		},
		Routes: RoutesConfig{
			LoginPath:      "/login",
			CallbackPath:   "/callback",
			AfterLoginPath: "/dashboard",
			Public:         []string{"/login", "/callback", "/healthz", "/metrics"},
			Protected:      []string{"/dashboard"},
			APIPrefix:      "/api",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"OIDCBFF_SERVER_PUBLIC_URL":        func(v string) { cfg.Server.PublicURL = v },
		"OIDCBFF_SERVER_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"OIDCBFF_SERVER_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"OIDCBFF_SERVER_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"OIDCBFF_SERVER_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"OIDCBFF_SERVER_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"OIDCBFF_SERVER_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"OIDCBFF_PROVIDER_ENDPOINT":        func(v string) { cfg.Provider.Endpoint = v },
		"OIDCBFF_PROVIDER_ISSUER":          func(v string) { cfg.Provider.Issuer = v },
		"OIDCBFF_PROVIDER_CLIENT_ID":       func(v string) { cfg.Provider.ClientID = v },
		"OIDCBFF_PROVIDER_CLIENT_SECRET":   func(v string) { cfg.Provider.ClientSecret = v },
		"OIDCBFF_PROVIDER_SCOPES":          func(v string) { cfg.Provider.Scopes = splitAndTrim(v) },
		"OIDCBFF_PROVIDER_HTTP_TIMEOUT":    func(v string) { cfg.Provider.HTTPTimeout = parseDuration(v, cfg.Provider.HTTPTimeout) },
		"OIDCBFF_PROVIDER_DISCOVERY_TTL":   func(v string) { cfg.Provider.DiscoveryTTL = parseDuration(v, cfg.Provider.DiscoveryTTL) },
		"OIDCBFF_SESSION_COOKIE_DOMAIN":    func(v string) { cfg.Session.CookieDomain = v },
		"OIDCBFF_SESSION_REFRESH_TTL":      func(v string) { cfg.Session.RefreshCookieTTL = parseDuration(v, cfg.Session.RefreshCookieTTL) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must start with http:// or https://")
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}

	issuer := c.Provider.IssuerURL()
	if issuer == "" {
		slog.Error("Missing required configuration", "field", "provider.endpoint")
		return errors.New("provider.endpoint or provider.issuer is required")
	}
	if u, err := url.Parse(issuer); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slog.Error("Invalid provider issuer", "issuer", issuer)
		return fmt.Errorf("provider issuer must be an absolute http(s) URL, got: %s", issuer)
	}
	if c.Provider.ClientID == "" {
		slog.Error("Missing required configuration", "field", "provider.client_id")
		return errors.New("provider.client_id is required")
	}
	if len(c.Provider.Scopes) == 0 {
		return errors.New("provider.scopes must not be empty")
	}
	if c.Provider.HTTPTimeout <= 0 {
		return errors.New("provider.http_timeout must be positive")
	}
	if c.Provider.DiscoveryTTL < 0 {
		return errors.New("provider.discovery_ttl must not be negative")
	}

	names := map[string]string{
		"session.access_cookie":     c.Session.AccessCookie,
		"session.refresh_cookie":    c.Session.RefreshCookie,
		"session.expires_at_cookie": c.Session.ExpiresAtCookie,
		"session.verifier_cookie":   c.Session.VerifierCookie,
	}
	seen := make(map[string]string, len(names))
	for field, name := range names {
		if name == "" {
			return fmt.Errorf("%s is required", field)
		}
		if other, dup := seen[name]; dup {
			return fmt.Errorf("%s and %s use the same cookie name %q", field, other, name)
		}
		seen[name] = field
	}
	if c.Session.RefreshCookieTTL <= 0 || c.Session.VerifierCookieTTL <= 0 {
		return errors.New("session cookie lifetimes must be positive")
	}
	if c.Session.ExpirySkew < 0 {
		return errors.New("session.expiry_skew must not be negative")
	}

	if c.Session.CookieDomain != "" {
		host := hostOf(c.Server.PublicURL)
		cookieDomain := strings.TrimPrefix(c.Session.CookieDomain, ".")
		if !strings.HasSuffix(host, cookieDomain) {
			slog.Error("Cookie domain mismatch",
				"field", "session.cookie_domain",
				"cookie_domain", c.Session.CookieDomain,
				"public_url_domain", host,
				"reason", "cookie_domain must be a suffix of public_url domain")
			return fmt.Errorf("session.cookie_domain '%s' does not match server.public_url domain '%s'", c.Session.CookieDomain, host)
		}
	}

	for field, p := range map[string]string{
		"routes.login_path":       c.Routes.LoginPath,
		"routes.callback_path":    c.Routes.CallbackPath,
		"routes.after_login_path": c.Routes.AfterLoginPath,
	} {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must be an absolute path, got: %q", field, p)
		}
	}
	for _, p := range append(append([]string{}, c.Routes.Public...), c.Routes.Protected...) {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("route %q must start with /", p)
		}
	}

	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
