package handler

import (
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/noah-isme/session-gateway/internal/middleware"
	"github.com/noah-isme/session-gateway/internal/service"
	"github.com/noah-isme/session-gateway/pkg/config"
	appErrors "github.com/noah-isme/session-gateway/pkg/errors"
	"github.com/noah-isme/session-gateway/pkg/logger"
	corsmiddleware "github.com/noah-isme/session-gateway/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/session-gateway/pkg/middleware/requestid"
	"github.com/noah-isme/session-gateway/pkg/response"
)

// RouterDeps bundles what NewRouter needs to assemble the gateway.
type RouterDeps struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *service.MetricsService
	Auth    *AuthHandler
	Probe   *MetricsHandler
	Guard   gin.HandlerFunc
}

// NewRouter builds the gin engine. Infrastructure endpoints and the API auth
// routes sit outside the session guard; every page and unknown path goes
// through it.
func NewRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.Logger))
	r.Use(middleware.Metrics(deps.Metrics, "/metrics", "/health", "/ready"))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	r.GET("/health", deps.Probe.Health)
	r.GET("/ready", deps.Probe.Ready)
	r.GET("/metrics", deps.Probe.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.Routes.APIAuthPrefix)
	{
		api.POST("/login", deps.Auth.Login)
		api.POST("/logout", deps.Auth.Logout)
		api.GET("/session", deps.Auth.Session)
	}

	pages := r.Group("/", deps.Guard)
	seen := map[string]struct{}{}
	for _, route := range pageRoutes(cfg.Routes) {
		if _, dup := seen[route]; dup {
			continue
		}
		seen[route] = struct{}{}
		pages.GET(route, deps.Auth.Page(pageName(route)))
	}

	r.NoRoute(deps.Guard, func(c *gin.Context) {
		response.Error(c, appErrors.ErrNotFound)
	})

	return r
}

func pageRoutes(routes config.RouteConfig) []string {
	out := make([]string, 0, len(routes.AuthRoutes)+2)
	out = append(out, routes.AuthRoutes...)
	return append(out, routes.LoginPath, routes.DefaultLandingPath)
}

func pageName(route string) string {
	name := strings.Trim(path.Base(route), "/")
	if name == "" || name == "." {
		return "home"
	}
	return name
}
