package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/session-gateway/internal/service"
)

const unmatchedRoute = "unmatched"

// Metrics records latency per route template. Requests to the paths in skip
// (scrape and probe endpoints) are not recorded, and paths with no matching
// route share one label so arbitrary URLs cannot inflate cardinality.
func Metrics(metricsSvc *service.MetricsService, skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, path := range skip {
		skipped[path] = struct{}{}
	}

	return func(c *gin.Context) {
		if metricsSvc == nil {
			c.Next()
			return
		}
		if _, ok := skipped[c.FullPath()]; ok {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}
