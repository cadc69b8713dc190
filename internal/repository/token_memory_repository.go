package repository

import (
	"context"
	"sync"
	"time"

	"github.com/noah-isme/session-gateway/internal/models"
	appErrors "github.com/noah-isme/session-gateway/pkg/errors"
)

// TokenMemoryRepository keeps token pairs in process memory. Entries do not
// survive a restart and are not shared between instances.
type TokenMemoryRepository struct {
	mu    sync.RWMutex
	items map[string]models.TokenPair
}

// NewTokenMemoryRepository constructs an empty in-memory store.
func NewTokenMemoryRepository() *TokenMemoryRepository {
	return &TokenMemoryRepository{items: make(map[string]models.TokenPair)}
}

// Get returns the pair stored for sessionID.
func (r *TokenMemoryRepository) Get(ctx context.Context, sessionID string) (models.TokenPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pair, ok := r.items[sessionID]
	if !ok {
		return models.TokenPair{}, appErrors.ErrSessionNotFound
	}
	return pair, nil
}

// Set stores pair under sessionID, replacing any previous pair.
func (r *TokenMemoryRepository) Set(ctx context.Context, sessionID string, pair models.TokenPair) error {
	r.mu.Lock()
	r.items[sessionID] = pair
	r.mu.Unlock()
	return nil
}

// CompareAndSwap replaces the pair for sessionID only while it still holds
// expectedRefresh.
func (r *TokenMemoryRepository) CompareAndSwap(ctx context.Context, sessionID, expectedRefresh string, next models.TokenPair) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.items[sessionID]
	if !ok || current.RefreshToken != expectedRefresh {
		return false, nil
	}
	r.items[sessionID] = next
	return true, nil
}

// Delete removes the pair for sessionID. Deleting a missing entry is not an error.
func (r *TokenMemoryRepository) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	delete(r.items, sessionID)
	r.mu.Unlock()
	return nil
}

// PurgeExpired drops every pair whose refresh token has lapsed at now.
func (r *TokenMemoryRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var purged int64
	for id, pair := range r.items {
		if !pair.RefreshValidAt(now) {
			delete(r.items, id)
			purged++
		}
	}
	return purged, nil
}

// Len reports the number of stored sessions.
func (r *TokenMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
