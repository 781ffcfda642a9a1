package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/sync/singleflight"
)

// OIDCConfig is the subset of provider metadata the login flow relies on.
type OIDCConfig struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	Issuer                string
	JWKSURI               string
}

// DiscoveryClient fetches and caches the provider's discovery document.
// Entries are reused until ttl elapses; a zero ttl keeps them for the process lifetime.
type DiscoveryClient struct {
	issuer  string
	client  *http.Client
	timeout time.Duration
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.RWMutex
	current *discovered
	group   singleflight.Group
}

type discovered struct {
	config    OIDCConfig
	provider  *oidc.Provider
	fetchedAt time.Time
}

// NewDiscoveryClient constructs a discovery client for issuer.
func NewDiscoveryClient(issuer string, client *http.Client, timeout, ttl time.Duration, logger *slog.Logger) *DiscoveryClient {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &DiscoveryClient{
		issuer:  issuer,
		client:  client,
		timeout: timeout,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

// Issuer returns the configured issuer URL.
func (d *DiscoveryClient) Issuer() string {
	return d.issuer
}

// Discover returns the provider endpoints, fetching them when the cache is cold or stale.
func (d *DiscoveryClient) Discover(ctx context.Context) (OIDCConfig, error) {
	entry, err := d.load(ctx)
	if err != nil {
		return OIDCConfig{}, err
	}
	return entry.config, nil
}

// Provider returns the go-oidc provider bound to the cached discovery document.
func (d *DiscoveryClient) Provider(ctx context.Context) (*oidc.Provider, error) {
	entry, err := d.load(ctx)
	if err != nil {
		return nil, err
	}
	return entry.provider, nil
}

// Invalidate drops the cached document so the next call fetches it again.
func (d *DiscoveryClient) Invalidate() {
	d.mu.Lock()
	d.current = nil
	d.mu.Unlock()
}

// WithClient returns ctx carrying the outbound HTTP client used for provider calls.
func (d *DiscoveryClient) WithClient(ctx context.Context) context.Context {
	return oidc.ClientContext(ctx, d.client)
}

func (d *DiscoveryClient) load(ctx context.Context) (*discovered, error) {
	d.mu.RLock()
	entry := d.current
	d.mu.RUnlock()
	if entry != nil && d.fresh(entry) {
		return entry, nil
	}

	v, err, _ := d.group.Do(d.issuer, func() (any, error) {
		d.mu.RLock()
		entry := d.current
		d.mu.RUnlock()
		if entry != nil && d.fresh(entry) {
			return entry, nil
		}
		// Joined callers must not inherit the first caller's cancellation.
		return d.fetch(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*discovered), nil
}

func (d *DiscoveryClient) fresh(entry *discovered) bool {
	if d.ttl <= 0 {
		return true
	}
	return d.now().Before(entry.fetchedAt.Add(d.ttl))
}

func (d *DiscoveryClient) fetch(ctx context.Context) (*discovered, error) {
	ctx, cancel := context.WithTimeout(d.WithClient(ctx), d.timeout)
	defer cancel()

	start := time.Now()
	op, err := oidc.NewProvider(ctx, d.issuer)
	discoveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		discoveryFetches.WithLabelValues("error").Inc()
		d.logger.Error("oidc discovery failed", "issuer", d.issuer, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrConfigFetch, err)
	}

	var meta struct {
		Issuer   string `json:"issuer"`
		Userinfo string `json:"userinfo_endpoint"`
		JWKSURI  string `json:"jwks_uri"`
	}
	if err := op.Claims(&meta); err != nil {
		discoveryFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: decode metadata: %v", ErrConfigFetch, err)
	}

	endpoint := op.Endpoint()
	cfg := OIDCConfig{
		AuthorizationEndpoint: endpoint.AuthURL,
		TokenEndpoint:         endpoint.TokenURL,
		UserinfoEndpoint:      meta.Userinfo,
		Issuer:                meta.Issuer,
		JWKSURI:               meta.JWKSURI,
	}
	if cfg.AuthorizationEndpoint == "" || cfg.TokenEndpoint == "" || cfg.UserinfoEndpoint == "" {
		discoveryFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: discovery document is missing required endpoints", ErrConfigFetch)
	}

	entry := &discovered{config: cfg, provider: op, fetchedAt: d.now()}
	d.mu.Lock()
	d.current = entry
	d.mu.Unlock()

	discoveryFetches.WithLabelValues("ok").Inc()
	d.logger.Info("oidc discovery loaded", "issuer", cfg.Issuer, "ttl", d.ttl.String())
	return entry, nil
}
