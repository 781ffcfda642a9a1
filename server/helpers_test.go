package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"oidcbff/idptest"
)

const testClientID = "test-client"

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(p *idptest.Provider) Config {
	cfg := DefaultConfig()
	cfg.Server.PublicURL = "http://app.test"
	cfg.Provider.Endpoint = p.Endpoint()
	cfg.Provider.ClientID = testClientID
	cfg.Provider.ClientSecret = "test-secret"
	return cfg
}

// newTestApp wires an App against a fake provider with every clock pinned to testNow.
func newTestApp(t *testing.T) (*App, *idptest.Provider) {
	t.Helper()
	p := idptest.New(t, testClientID)
	cfg := testConfig(p)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}
	app, err := NewApp(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	fixed := func() time.Time { return testNow }
	app.Tokens.now = fixed
	app.Store.now = fixed
	app.Refresher.now = fixed
	return app, p
}

// responseCookies indexes the Set-Cookie headers of rec by name; later headers win.
func responseCookies(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := make(map[string]*http.Cookie)
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func assertDeleted(t *testing.T, cookies map[string]*http.Cookie, name string) {
	t.Helper()
	c, ok := cookies[name]
	if !ok {
		t.Fatalf("expected cookie %s to be deleted, but no Set-Cookie was sent", name)
	}
	if c.MaxAge >= 0 || c.Value != "" {
		t.Fatalf("cookie %s not deleted: value=%q max-age=%d", name, c.Value, c.MaxAge)
	}
}
