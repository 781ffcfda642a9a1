package server

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Discovery *DiscoveryClient
	Tokens    *TokenClient
	UserInfo  *UserInfoClient
	Store     *TokenStore
	Ledger    *VerifierLedger
	Callback  *CallbackHandler
	Refresher *TokenRefresher
	Sessions  *SessionResolver
	Guard     *RouteGuard
}

// NewApp wires together the application state from configuration.
// Discovery is attempted once up front; a failure is logged and retried lazily.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	httpClient := &http.Client{Timeout: cfg.Provider.HTTPTimeout}
	discovery := NewDiscoveryClient(cfg.Provider.IssuerURL(), httpClient, cfg.Provider.HTTPTimeout, cfg.Provider.DiscoveryTTL, logger)
	tokens := NewTokenClient(cfg.Provider, discovery, logger)
	userinfo := NewUserInfoClient(discovery, cfg.Provider.HTTPTimeout, logger)
	store := NewTokenStore(cfg.Session, cfg.Server.DevMode)
	ledger := NewVerifierLedger(cfg.Session.VerifierCookieTTL)
	refresher := NewTokenRefresher(tokens, cfg.Session.ExpirySkew, cfg.Provider.HTTPTimeout, logger)

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Discovery: discovery,
		Tokens:    tokens,
		UserInfo:  userinfo,
		Store:     store,
		Ledger:    ledger,
		Callback:  NewCallbackHandler(tokens, store, ledger, cfg, logger),
		Refresher: refresher,
		Sessions:  NewSessionResolver(refresher, userinfo, logger),
		Guard:     NewRouteGuard(store, cfg.Routes, logger),
	}

	if _, err := discovery.Discover(ctx); err != nil {
		logger.Warn("provider discovery unavailable at startup",
			"issuer", discovery.Issuer(),
			"error", err,
			"note", "server will continue but sign-in will fail until the provider is reachable")
	}
	return app, nil
}

// Reasons the login page knows how to describe. Anything else gets the generic text.
var loginMessages = map[string]string{
	"access_denied":      "Sign-in was cancelled.",
	"login_required":     "Please sign in to continue.",
	"consent_required":   "Consent is required to continue.",
	FailureNoCode:        "The sign-in response was incomplete. Please try again.",
	FailureNoVerifier:    "Your sign-in attempt expired. Please try again.",
	ReasonCallbackFailed: "Sign-in failed. Please try again.",
	ReasonProviderDown:   "The sign-in service is unavailable right now.",
}

// ReasonProviderDown is used when the authorize redirect cannot be built.
const ReasonProviderDown = "provider_unavailable"

const genericLoginMessage = "Sign-in failed. Please try again."

var loginTemplate = template.Must(template.New("login").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Sign in</title></head>
<body>
<h1>Sign in</h1>
{{if .Message}}<p role="alert">{{.Message}}</p>{{end}}
<form method="get" action="{{.StartPath}}">
<button type="submit">Sign in</button>
</form>
</body>
</html>
`))

var dashboardTemplate = template.Must(template.New("dashboard").Parse(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>Dashboard</title></head>
<body>
<h1>Welcome{{if .Name}}, {{.Name}}{{end}}</h1>
<dl>
<dt>User ID</dt><dd>{{.ID}}</dd>
{{if .Username}}<dt>Username</dt><dd>{{.Username}}</dd>{{end}}
{{if .Email}}<dt>Email</dt><dd>{{.Email}}{{if .EmailVerified}} (verified){{end}}</dd>{{end}}
{{if .Phone}}<dt>Phone</dt><dd>{{.Phone}}{{if .PhoneVerified}} (verified){{end}}</dd>{{end}}
</dl>
<form method="post" action="{{.LogoutPath}}">
<button type="submit">Sign out</button>
</form>
</body>
</html>
`))

func (a *App) loginStartPath() string {
	return a.Config.Routes.LoginPath + "/start"
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	message := ""
	if reason := r.URL.Query().Get("error"); reason != "" {
		message = genericLoginMessage
		if m, ok := loginMessages[reason]; ok {
			message = m
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := loginTemplate.Execute(w, map[string]string{
		"Message":   message,
		"StartPath": a.loginStartPath(),
	}); err != nil {
		a.Logger.Error("render login page", "error", err)
	}
}

// handleLoginStart stores a fresh PKCE verifier and sends the browser to the provider.
func (a *App) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	meta, err := a.Discovery.Discover(r.Context())
	if err != nil {
		a.Logger.Error("login start: discovery failed", "request_id", reqID, "error", err)
		http.Redirect(w, r, loginURL(a.Config.Routes.LoginPath, ReasonProviderDown), http.StatusFound)
		return
	}

	pkce := GeneratePKCE()
	target, err := BuildAuthorizeURL(meta, a.Config.Provider.ClientID, a.Config.RedirectURI(), a.Config.Provider.Scopes, pkce)
	if err != nil {
		a.Logger.Error("login start: build authorize url", "request_id", reqID, "error", err)
		http.Redirect(w, r, loginURL(a.Config.Routes.LoginPath, ReasonProviderDown), http.StatusFound)
		return
	}

	if err := a.Store.ForRequest(w, r).SetVerifier(pkce.Verifier); err != nil {
		a.Logger.Error("login start: store verifier", "request_id", reqID, "error", err)
		http.Redirect(w, r, loginURL(a.Config.Routes.LoginPath, ReasonCallbackFailed), http.StatusFound)
		return
	}

	a.Logger.Debug("login start", "request_id", reqID, "authorize_endpoint", meta.AuthorizationEndpoint)
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleDashboard(w http.ResponseWriter, r *http.Request) {
	user := a.Sessions.CurrentUser(r.Context(), a.Store.ForRequest(w, r))
	if user == nil {
		http.Redirect(w, r, a.Config.Routes.LoginPath, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, struct {
		*Profile
		LogoutPath string
	}{user, "/logout"}); err != nil {
		a.Logger.Error("render dashboard", "error", err)
	}
}

// handleLogout drops every auth cookie. The provider session is left alone; the next
// login forces interactive sign-in anyway.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	a.Store.ForRequest(w, r).Clear()
	a.Logger.Info("logout", "request_id", RequestIDFromContext(r.Context()))
	http.Redirect(w, r, a.Config.Routes.LoginPath, http.StatusSeeOther)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	session := a.Sessions.Session(r.Context(), a.Store.ForRequest(w, r))
	writeJSON(w, session)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
