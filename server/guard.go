package server

import (
	"log/slog"
	"net/http"
	"strings"
)

// RouteClass is the guard's view of a request path.
type RouteClass int

const (
	RouteUnclassified RouteClass = iota
	RoutePublic
	RouteProtected
)

func (c RouteClass) String() string {
	switch c {
	case RoutePublic:
		return "public"
	case RouteProtected:
		return "protected"
	default:
		return "unclassified"
	}
}

// RouteGuard redirects anonymous browsers away from protected pages. It only checks
// that an access-token cookie exists; validity is decided by the session resolver.
type RouteGuard struct {
	store     *TokenStore
	public    []string
	protected []string
	apiPrefix string
	loginPath string
	logger    *slog.Logger
}

// NewRouteGuard builds a guard from the routes configuration.
func NewRouteGuard(store *TokenStore, routes RoutesConfig, logger *slog.Logger) *RouteGuard {
	return &RouteGuard{
		store:     store,
		public:    routes.Public,
		protected: routes.Protected,
		apiPrefix: routes.APIPrefix,
		loginPath: routes.LoginPath,
		logger:    logger,
	}
}

// Classify maps a path to its class. Public entries and the API prefix win over
// protected ones.
func (g *RouteGuard) Classify(path string) RouteClass {
	if g.apiPrefix != "" && hasPathPrefix(path, g.apiPrefix) {
		return RoutePublic
	}
	for _, p := range g.public {
		if hasPathPrefix(path, p) {
			return RoutePublic
		}
	}
	for _, p := range g.protected {
		if hasPathPrefix(path, p) {
			return RouteProtected
		}
	}
	return RouteUnclassified
}

// Middleware enforces the guard in front of next.
func (g *RouteGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.Classify(r.URL.Path) == RouteProtected && !g.store.HasAccessToken(r) {
			guardRedirects.Inc()
			g.logger.Debug("guard redirect", "request_id", RequestIDFromContext(r.Context()), "path", r.URL.Path)
			http.Redirect(w, r, g.loginPath, http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// hasPathPrefix matches whole path segments: /dashboard covers /dashboard/x but not /dashboards.
func hasPathPrefix(path, prefix string) bool {
	if prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
