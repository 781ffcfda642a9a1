// Package idptest runs a scripted OpenID provider on httptest for login-flow tests.
package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// IssuerPath mirrors the Logto layout where the issuer is <endpoint>/oidc.
const IssuerPath = "/oidc"

// TokenResponse scripts one answer of the token endpoint.
type TokenResponse struct {
	// Status defaults to 200, or 400 when Error is set.
	Status           int
	AccessToken      string
	RefreshToken     string
	ExpiresIn        int
	Error            string
	ErrorDescription string
	// IDToken is returned verbatim. When empty and WithIDToken is set, a signed one is minted.
	IDToken     string
	WithIDToken bool
	Subject     string
}

// TokenRequest is a captured token endpoint call.
type TokenRequest struct {
	Form          url.Values
	Authorization string
}

// Provider is a fake OpenID provider. All methods are safe for concurrent use.
type Provider struct {
	Server   *httptest.Server
	ClientID string

	key *rsa.PrivateKey
	kid string

	mu              sync.Mutex
	discoveryStatus int
	discoveryGate   chan struct{}
	tokenQueue      []TokenResponse
	tokenRequests   []TokenRequest
	tokenGate       chan struct{}
	authorizeQuery  []url.Values
	userinfo        map[string]any
	userinfoStatus  int
	issued          map[string]bool
	bearers         []string
	discoveryCalls  int
	tokenCalls      int
	userinfoCalls   int
}

// New starts a provider for clientID. It is closed when the test ends.
func New(t testing.TB, clientID string) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate signing key: %v", err)
	}

	p := &Provider{
		ClientID: clientID,
		key:      key,
		kid:      randomKID(),
		issued:   make(map[string]bool),
		userinfo: map[string]any{"sub": "user-1"},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(IssuerPath+"/.well-known/openid-configuration", p.handleDiscovery)
	mux.HandleFunc(IssuerPath+"/jwks", p.handleJWKS)
	mux.HandleFunc(IssuerPath+"/auth", p.handleAuthorize)
	mux.HandleFunc(IssuerPath+"/token", p.handleToken)
	mux.HandleFunc(IssuerPath+"/me", p.handleUserInfo)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Endpoint is the tenant URL, the value configured as provider.endpoint.
func (p *Provider) Endpoint() string {
	return p.Server.URL
}

// Issuer is the issuer URL advertised by discovery.
func (p *Provider) Issuer() string {
	return p.Server.URL + IssuerPath
}

// AuthorizeEndpoint returns the advertised authorization endpoint.
func (p *Provider) AuthorizeEndpoint() string {
	return p.Issuer() + "/auth"
}

// FailDiscovery makes discovery answer with status. Zero restores normal answers.
func (p *Provider) FailDiscovery(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoveryStatus = status
}

// EnqueueToken appends a scripted token endpoint answer. Calls beyond the queue get invalid_grant.
func (p *Provider) EnqueueToken(resp TokenResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenQueue = append(p.tokenQueue, resp)
}

// HoldTokens blocks token endpoint calls until the returned func is called.
func (p *Provider) HoldTokens() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.tokenGate = gate
	p.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// HoldDiscovery blocks discovery requests until the returned func is called.
func (p *Provider) HoldDiscovery() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.discoveryGate = gate
	p.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// SetUserInfo replaces the claims served by the userinfo endpoint.
func (p *Provider) SetUserInfo(claims map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userinfo = claims
}

// FailUserInfo makes userinfo answer with status. Zero restores normal answers.
func (p *Provider) FailUserInfo(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userinfoStatus = status
}

// Issue marks accessToken as valid at the userinfo endpoint without a token call.
func (p *Provider) Issue(accessToken string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issued[accessToken] = true
}

// TokenRequests returns the captured token endpoint calls.
func (p *Provider) TokenRequests() []TokenRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TokenRequest(nil), p.tokenRequests...)
}

// AuthorizeRequests returns the query strings the authorize endpoint received.
func (p *Provider) AuthorizeRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.authorizeQuery...)
}

// UserInfoBearers returns the bearer tokens presented to userinfo, in order.
func (p *Provider) UserInfoBearers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.bearers...)
}

// DiscoveryCalls counts discovery document requests.
func (p *Provider) DiscoveryCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoveryCalls
}

// TokenCalls counts token endpoint requests.
func (p *Provider) TokenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

// UserInfoCalls counts userinfo requests.
func (p *Provider) UserInfoCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userinfoCalls
}

// SignIDToken signs claims with the provider key. iss, aud, iat and exp are filled when absent.
func (p *Provider) SignIDToken(claims jwt.MapClaims) (string, error) {
	now := time.Now()
	defaults := jwt.MapClaims{
		"iss": p.Issuer(),
		"aud": p.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range defaults {
		if _, ok := claims[k]; !ok {
			claims[k] = v
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.kid
	return token.SignedString(p.key)
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.discoveryCalls++
	status := p.discoveryStatus
	gate := p.discoveryGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	issuer := p.Issuer()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/auth",
		"token_endpoint":                        issuer + "/token",
		"userinfo_endpoint":                     issuer + "/me",
		"jwks_uri":                              issuer + "/jwks",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"scopes_supported":                      []string{"openid", "profile", "email", "phone", "offline_access"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwk := jose.JSONWebKey{Key: &p.key.PublicKey, KeyID: p.kid, Algorithm: string(jose.RS256), Use: "sig"}
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.authorizeQuery = append(p.authorizeQuery, r.URL.Query())
	p.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body>sign in</body></html>"))
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	p.mu.Lock()
	p.tokenCalls++
	p.tokenRequests = append(p.tokenRequests, TokenRequest{Form: r.PostForm, Authorization: r.Header.Get("Authorization")})
	var resp TokenResponse
	scripted := len(p.tokenQueue) > 0
	if scripted {
		resp = p.tokenQueue[0]
		p.tokenQueue = p.tokenQueue[1:]
	}
	gate := p.tokenGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	if !scripted {
		resp = TokenResponse{Error: "invalid_grant", ErrorDescription: "no scripted response"}
	}
	if resp.Error != "" {
		status := resp.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": resp.Error, "error_description": resp.ErrorDescription})
		return
	}

	body := map[string]any{
		"access_token": resp.AccessToken,
		"token_type":   "Bearer",
	}
	if resp.RefreshToken != "" {
		body["refresh_token"] = resp.RefreshToken
	}
	if resp.ExpiresIn != 0 {
		body["expires_in"] = resp.ExpiresIn
	}
	switch {
	case resp.IDToken != "":
		body["id_token"] = resp.IDToken
	case resp.WithIDToken:
		sub := resp.Subject
		if sub == "" {
			sub = "user-1"
		}
		idToken, err := p.SignIDToken(jwt.MapClaims{"sub": sub})
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
			return
		}
		body["id_token"] = idToken
	}

	p.mu.Lock()
	p.issued[resp.AccessToken] = true
	p.mu.Unlock()

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	writeJSON(w, status, body)
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	bearer := ""
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		bearer = strings.TrimSpace(h[7:])
	}

	p.mu.Lock()
	p.userinfoCalls++
	p.bearers = append(p.bearers, bearer)
	valid := bearer != "" && p.issued[bearer]
	status := p.userinfoStatus
	claims := p.userinfo
	p.mu.Unlock()

	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if !valid {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_token"})
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randomKID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "idptest"
	}
	return hex.EncodeToString(buf)
}
