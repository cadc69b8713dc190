package service

import (
	"context"
	"errors"
	"time"

	"github.com/noah-isme/session-gateway/internal/models"
	appErrors "github.com/noah-isme/session-gateway/pkg/errors"
)

// TokenStore keeps the token pair belonging to each session id. Get returns
// an error matching errors.ErrSessionNotFound when nothing is stored.
// CompareAndSwap writes next only while the stored pair still carries
// expectedRefresh, reporting false when the entry changed or is gone.
// Implementations must be safe for concurrent use.
type TokenStore interface {
	Get(ctx context.Context, sessionID string) (models.TokenPair, error)
	Set(ctx context.Context, sessionID string, pair models.TokenPair) error
	CompareAndSwap(ctx context.Context, sessionID, expectedRefresh string, next models.TokenPair) (bool, error)
	Delete(ctx context.Context, sessionID string) error
}

// ExpiredPurger is implemented by stores that need periodic cleanup of
// sessions whose refresh token has lapsed.
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// InstrumentedTokenStore records latency for every store operation.
type InstrumentedTokenStore struct {
	next    TokenStore
	metrics *MetricsService
}

// NewInstrumentedTokenStore wraps next with store metrics.
func NewInstrumentedTokenStore(next TokenStore, metrics *MetricsService) *InstrumentedTokenStore {
	return &InstrumentedTokenStore{next: next, metrics: metrics}
}

// Get implements TokenStore.
func (s *InstrumentedTokenStore) Get(ctx context.Context, sessionID string) (models.TokenPair, error) {
	start := time.Now()
	pair, err := s.next.Get(ctx, sessionID)
	s.metrics.ObserveStoreOperation("get", ignoreNotFound(err), time.Since(start))
	return pair, err
}

// Set implements TokenStore.
func (s *InstrumentedTokenStore) Set(ctx context.Context, sessionID string, pair models.TokenPair) error {
	start := time.Now()
	err := s.next.Set(ctx, sessionID, pair)
	s.metrics.ObserveStoreOperation("set", err, time.Since(start))
	return err
}

// CompareAndSwap implements TokenStore.
func (s *InstrumentedTokenStore) CompareAndSwap(ctx context.Context, sessionID, expectedRefresh string, next models.TokenPair) (bool, error) {
	start := time.Now()
	swapped, err := s.next.CompareAndSwap(ctx, sessionID, expectedRefresh, next)
	s.metrics.ObserveStoreOperation("swap", err, time.Since(start))
	return swapped, err
}

// Delete implements TokenStore.
func (s *InstrumentedTokenStore) Delete(ctx context.Context, sessionID string) error {
	start := time.Now()
	err := s.next.Delete(ctx, sessionID)
	s.metrics.ObserveStoreOperation("delete", err, time.Since(start))
	return err
}

// PurgeExpired forwards to the wrapped store when it supports purging.
func (s *InstrumentedTokenStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	purger, ok := s.next.(ExpiredPurger)
	if !ok {
		return 0, nil
	}
	start := time.Now()
	n, err := purger.PurgeExpired(ctx, now)
	s.metrics.ObserveStoreOperation("purge", err, time.Since(start))
	return n, err
}

func ignoreNotFound(err error) error {
	if errors.Is(err, appErrors.ErrSessionNotFound) {
		return nil
	}
	return err
}
