package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the HTTP router with the login flow and page endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}
	r.Use(a.Guard.Middleware)

	routes := a.Config.Routes
	r.Get(routes.LoginPath, a.handleLogin)
	r.Get(a.loginStartPath(), a.handleLoginStart)
	r.Method(http.MethodGet, routes.CallbackPath, a.Callback)
	r.Get(routes.AfterLoginPath, a.handleDashboard)
	r.Post("/logout", a.handleLogout)
	r.Get(routes.APIPrefix+"/session", a.handleSession)

	r.Get("/healthz", a.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
