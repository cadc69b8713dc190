package service

import (
	"path"
	"strings"

	"github.com/noah-isme/session-gateway/internal/models"
	"github.com/noah-isme/session-gateway/pkg/config"
)

// RouteGuard decides, from static configuration and a session verdict,
// whether a request proceeds or is redirected. It never performs I/O.
type RouteGuard struct {
	cfg        config.RouteConfig
	authRoutes map[string]struct{}
}

// NewRouteGuard constructs a RouteGuard from the routing table.
func NewRouteGuard(cfg config.RouteConfig) *RouteGuard {
	routes := make(map[string]struct{}, len(cfg.AuthRoutes))
	for _, r := range cfg.AuthRoutes {
		routes[normalizePath(r)] = struct{}{}
	}
	cfg.APIAuthPrefix = strings.TrimRight(cfg.APIAuthPrefix, "/")
	cfg.DefaultLandingPath = normalizePath(cfg.DefaultLandingPath)
	cfg.LoginPath = normalizePath(cfg.LoginPath)
	return &RouteGuard{cfg: cfg, authRoutes: routes}
}

// Classify maps a request path to its route class.
func (g *RouteGuard) Classify(requestPath string) models.RouteClass {
	p := normalizePath(requestPath)
	if prefix := g.cfg.APIAuthPrefix; prefix != "" && (p == prefix || strings.HasPrefix(p, prefix+"/")) {
		return models.RouteAPIAuth
	}
	if _, ok := g.authRoutes[p]; ok {
		return models.RouteAuth
	}
	return models.RouteProtected
}

// Decide applies the guard rules:
//   - API auth routes are always allowed.
//   - Auth routes redirect authenticated callers to the landing page.
//   - Everything else requires an authenticated session and redirects to
//     the login page otherwise. An unknown verdict is not authenticated.
func (g *RouteGuard) Decide(requestPath string, verdict models.Verdict) models.Decision {
	p := normalizePath(requestPath)
	authed := verdict == models.VerdictAuthenticated

	switch g.Classify(p) {
	case models.RouteAPIAuth:
		return models.Allow()
	case models.RouteAuth:
		if authed && p != g.cfg.DefaultLandingPath {
			return models.RedirectTo(g.cfg.DefaultLandingPath)
		}
		return models.Allow()
	default:
		if !authed && p != g.cfg.LoginPath {
			return models.RedirectTo(g.cfg.LoginPath)
		}
		return models.Allow()
	}
}

// Decide is the stateless form of RouteGuard.Decide.
func Decide(requestPath string, cfg config.RouteConfig, verdict models.Verdict) models.Decision {
	return NewRouteGuard(cfg).Decide(requestPath, verdict)
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
