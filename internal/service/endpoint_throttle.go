package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultThrottleInterval is the minimum spacing between two calls to the
// same credential service endpoint.
const DefaultThrottleInterval = 2 * time.Second

// EndpointThrottle spaces out calls per endpoint key. Each endpoint owns an
// independent limiter, so a burst against one endpoint never delays another.
type EndpointThrottle struct {
	interval time.Duration
	metrics  *MetricsService
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[Endpoint]*rate.Limiter
}

// NewEndpointThrottle constructs a throttle. A zero interval disables throttling.
func NewEndpointThrottle(interval time.Duration, metrics *MetricsService, logger *zap.Logger) *EndpointThrottle {
	if interval < 0 {
		interval = DefaultThrottleInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EndpointThrottle{
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		limiters: make(map[Endpoint]*rate.Limiter),
	}
}

// Interval returns the configured spacing.
func (t *EndpointThrottle) Interval() time.Duration {
	if t == nil {
		return 0
	}
	return t.interval
}

// Wait blocks until the endpoint may be called again and claims that slot.
// It returns early with the context error if ctx ends first; the slot is
// released in that case.
func (t *EndpointThrottle) Wait(ctx context.Context, endpoint Endpoint) (time.Duration, error) {
	if t == nil || t.interval == 0 {
		return 0, nil
	}

	start := time.Now()
	err := t.limiter(endpoint).Wait(ctx)
	waited := time.Since(start)
	if err != nil {
		return waited, err
	}

	t.metrics.ObserveThrottleWait(endpoint, waited)
	if waited >= time.Millisecond {
		t.logger.Debug("credential call throttled",
			zap.String("endpoint", string(endpoint)),
			zap.Duration("waited", waited),
		)
	}
	return waited, nil
}

func (t *EndpointThrottle) limiter(endpoint Endpoint) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limiters[endpoint]
	if !ok {
		l = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[endpoint] = l
	}
	return l
}
