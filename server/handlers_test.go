package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"oidcbff/idptest"
)

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func mustDo(t *testing.T, c *http.Client, method, target string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func TestLoginFlowEndToEnd(t *testing.T) {
	app, p := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()
	browser := newBrowser(t)

	resp, body := mustDo(t, browser, http.MethodGet, srv.URL+"/login")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, `action="/login/start"`) {
		t.Fatalf("login page: status=%d body=%s", resp.StatusCode, body)
	}

	resp, _ = mustDo(t, browser, http.MethodGet, srv.URL+"/login/start")
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("login start status = %d", resp.StatusCode)
	}
	authorize, err := url.Parse(resp.Header.Get("Location"))
	if err != nil || !strings.HasPrefix(authorize.String(), p.AuthorizeEndpoint()) {
		t.Fatalf("unexpected authorize redirect %q", resp.Header.Get("Location"))
	}

	base, _ := url.Parse(srv.URL)
	var verifier string
	for _, c := range browser.Jar.Cookies(base) {
		if c.Name == DefaultVerifierCookie {
			verifier = c.Value
		}
	}
	if verifier == "" {
		t.Fatalf("verifier cookie not stored")
	}
	if got := authorize.Query().Get("code_challenge"); got != ChallengeForVerifier(verifier) {
		t.Fatalf("challenge %q does not match stored verifier", got)
	}

	p.EnqueueToken(idptest.TokenResponse{AccessToken: "A", RefreshToken: "R", ExpiresIn: 3600, WithIDToken: true})
	p.SetUserInfo(map[string]any{"sub": "user-1", "name": "Ada Lovelace", "email": "ada@example.com", "email_verified": true})

	resp, _ = mustDo(t, browser, http.MethodGet, srv.URL+"/callback?code=auth-code")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/dashboard" {
		t.Fatalf("callback: status=%d Location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}
	if form := p.TokenRequests()[0].Form; form.Get("code_verifier") != verifier {
		t.Fatalf("exchange used verifier %q, want %q", form.Get("code_verifier"), verifier)
	}

	resp, body = mustDo(t, browser, http.MethodGet, srv.URL+"/dashboard")
	if resp.StatusCode != http.StatusOK || !strings.Contains(body, "Ada Lovelace") || !strings.Contains(body, "ada@example.com") {
		t.Fatalf("dashboard: status=%d body=%s", resp.StatusCode, body)
	}

	resp, body = mustDo(t, browser, http.MethodGet, srv.URL+"/api/session")
	var session struct {
		IsAuthenticated bool `json:"isAuthenticated"`
		User            struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := json.Unmarshal([]byte(body), &session); err != nil {
		t.Fatalf("decode session: %v (%s)", err, body)
	}
	if !session.IsAuthenticated || session.User.ID != "user-1" {
		t.Fatalf("unexpected session: %s", body)
	}

	resp, _ = mustDo(t, browser, http.MethodPost, srv.URL+"/logout")
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/login" {
		t.Fatalf("logout: status=%d Location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, _ = mustDo(t, browser, http.MethodGet, srv.URL+"/dashboard")
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/login" {
		t.Fatalf("dashboard after logout: status=%d Location=%q", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestLoginPageShowsGenericMessages(t *testing.T) {
	app, _ := newTestApp(t)

	tests := map[string]string{
		"access_denied":             "Sign-in was cancelled.",
		"no_verifier":               "Your sign-in attempt expired.",
		"invalid_grant":             "Sign-in failed. Please try again.",
		"<script>alert(1)</script>": "Sign-in failed. Please try again.",
	}
	for reason, want := range tests {
		rec := httptest.NewRecorder()
		app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login?"+url.Values{"error": {reason}}.Encode(), nil))
		body := rec.Body.String()
		if !strings.Contains(body, want) {
			t.Errorf("%s: body missing %q", reason, want)
		}
		if strings.Contains(body, reason) {
			t.Errorf("%s: reason echoed into the page", reason)
		}
	}
}

func TestLoginStartProviderUnavailable(t *testing.T) {
	app, p := newTestApp(t)
	p.FailDiscovery(http.StatusServiceUnavailable)
	app.Discovery.Invalidate()

	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login/start", nil))

	if loc := rec.Header().Get("Location"); loc != "/login?error=provider_unavailable" {
		t.Fatalf("Location = %q", loc)
	}
	if _, ok := responseCookies(rec)[DefaultVerifierCookie]; ok {
		t.Fatalf("verifier must not be stored when no redirect happens")
	}
}

func TestSessionEndpointAnonymous(t *testing.T) {
	app, _ := newTestApp(t)

	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != `{"isAuthenticated":false}` {
		t.Fatalf("body = %s", body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	app, _ := newTestApp(t)

	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "oidcbff_guard_redirects_total") {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestLogoutRequiresPost(t *testing.T) {
	app, _ := newTestApp(t)

	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/logout", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if len(rec.Header().Values("Set-Cookie")) != 0 {
		t.Fatalf("GET /logout must not touch cookies")
	}
}

func TestNewAppDiscoversProviderOnce(t *testing.T) {
	app, p := newTestApp(t)
	if got := p.DiscoveryCalls(); got != 1 {
		t.Fatalf("discovery calls after startup = %d, want 1", got)
	}

	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login/start", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("login start status = %d", rec.Code)
	}
	if got := p.DiscoveryCalls(); got != 1 {
		t.Fatalf("login start refetched discovery, calls = %d", got)
	}
}

func TestNewAppStartsWhileProviderDown(t *testing.T) {
	p := idptest.New(t, testClientID)
	p.FailDiscovery(http.StatusServiceUnavailable)

	app, err := NewApp(context.Background(), testConfig(p), discardLogger())
	if err != nil {
		t.Fatalf("NewApp must tolerate an unreachable provider: %v", err)
	}
	p.FailDiscovery(0)
	if _, err := app.Discovery.Discover(context.Background()); err != nil {
		t.Fatalf("discovery should recover lazily: %v", err)
	}
	if got := p.DiscoveryCalls(); got != 2 {
		t.Fatalf("discovery calls = %d, want 2", got)
	}
}
