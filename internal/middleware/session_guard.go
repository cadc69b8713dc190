package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/noah-isme/session-gateway/internal/models"
	"github.com/noah-isme/session-gateway/internal/service"
	appErrors "github.com/noah-isme/session-gateway/pkg/errors"
	"github.com/noah-isme/session-gateway/pkg/logger"
	"github.com/noah-isme/session-gateway/pkg/response"
	"github.com/noah-isme/session-gateway/pkg/sessioncookie"
)

// Context keys populated by SessionGuard for downstream handlers.
const (
	ContextSessionKey   = "session"
	ContextSessionIDKey = "sessionID"
)

type sessionResolver interface {
	Resolve(ctx context.Context, sessionID string, now time.Time) models.Resolution
}

// SessionGuard resolves the caller's session from the session cookie and
// applies the route guard before the request reaches a handler. API auth
// routes pass through without touching the session.
func SessionGuard(resolver sessionResolver, guard *service.RouteGuard, cookies *sessioncookie.Adapter, metrics *service.MetricsService, l *zap.Logger) gin.HandlerFunc {
	if l == nil {
		l = zap.NewNop()
	}
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		class := guard.Classify(path)
		if class == models.RouteAPIAuth {
			metrics.RecordGuardDecision(class, models.Allow())
			c.Next()
			return
		}

		res := models.Resolution{State: models.SessionUnauthenticated}
		sessionID, hasCookie := cookies.Read(c.Request)
		if hasCookie {
			res = resolver.Resolve(c.Request.Context(), sessionID, time.Now())
			switch {
			case res.Err != nil:
				l.Warn("session resolution incomplete",
					logger.Session(sessionID),
					zap.String("path", path),
					zap.Error(res.Err),
				)
			case res.Verdict() == models.VerdictUnauthenticated:
				cookies.Clear(c.Writer)
			}
		}

		decision := guard.Decide(path, res.Verdict())
		metrics.RecordGuardDecision(class, decision)
		if !decision.Allowed() {
			if res.Verdict() != models.VerdictAuthenticated && wantsJSON(c) {
				c.Header("Location", decision.Target)
				response.Error(c, guardError(res))
			} else {
				response.Redirect(c, http.StatusFound, decision.Target)
			}
			c.Abort()
			return
		}

		c.Set(ContextSessionKey, res)
		if hasCookie {
			c.Set(ContextSessionIDKey, sessionID)
		}
		c.Next()
	}
}

// wantsJSON reports whether the caller prefers JSON over HTML. Browsers
// navigating to a page get the redirect; fetch and XHR callers get a 401.
func wantsJSON(c *gin.Context) bool {
	return c.NegotiateFormat(binding.MIMEHTML, binding.MIMEJSON) == binding.MIMEJSON
}

func guardError(res models.Resolution) error {
	switch {
	case res.Err != nil:
		return appErrors.Wrap(res.Err, appErrors.ErrUnauthorized.Code, appErrors.ErrUnauthorized.Status, appErrors.ErrUnauthorized.Message)
	case res.Expired:
		return appErrors.ErrTokenExpired
	default:
		return appErrors.ErrUnauthorized
	}
}

// SessionFromContext returns the resolution stored by SessionGuard.
func SessionFromContext(c *gin.Context) (models.Resolution, bool) {
	value, ok := c.Get(ContextSessionKey)
	if !ok {
		return models.Resolution{}, false
	}
	res, ok := value.(models.Resolution)
	return res, ok
}
