package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/session-gateway/internal/models"
	appErrors "github.com/noah-isme/session-gateway/pkg/errors"
)

const (
	tokenKeyPrefix = "session:"
	// Pairs whose refresh token already lapsed are still kept briefly so the
	// lifecycle controller can observe and remove them itself.
	minTokenTTL = time.Minute
)

// TokenRedisRepository stores token pairs in Redis as JSON, expiring each
// entry together with its refresh token.
type TokenRedisRepository struct {
	client *redis.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewTokenRedisRepository constructs a Redis backed token store.
func NewTokenRedisRepository(client *redis.Client, logger *zap.Logger) *TokenRedisRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenRedisRepository{client: client, logger: logger, now: time.Now}
}

// Get returns the pair stored for sessionID.
func (r *TokenRedisRepository) Get(ctx context.Context, sessionID string) (models.TokenPair, error) {
	raw, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.TokenPair{}, appErrors.ErrSessionNotFound
		}
		return models.TokenPair{}, fmt.Errorf("redis get session: %w", err)
	}

	var pair models.TokenPair
	if err := json.Unmarshal(raw, &pair); err != nil {
		r.logger.Warn("discarding unreadable session entry", zap.Error(err))
		_ = r.client.Del(ctx, r.key(sessionID)).Err()
		return models.TokenPair{}, appErrors.ErrSessionNotFound
	}
	return pair, nil
}

// Set stores pair under sessionID until its refresh token expires.
func (r *TokenRedisRepository) Set(ctx context.Context, sessionID string, pair models.TokenPair) error {
	payload, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("marshal session tokens: %w", err)
	}

	if err := r.client.Set(ctx, r.key(sessionID), payload, r.ttl(pair)).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

// CompareAndSwap replaces the pair for sessionID only while it still holds
// expectedRefresh. The key is watched so a concurrent write or delete aborts
// the swap.
func (r *TokenRedisRepository) CompareAndSwap(ctx context.Context, sessionID, expectedRefresh string, next models.TokenPair) (bool, error) {
	payload, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("marshal session tokens: %w", err)
	}

	key := r.key(sessionID)
	swapped := false
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var current models.TokenPair
		if err := json.Unmarshal(raw, &current); err != nil || current.RefreshToken != expectedRefresh {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, r.ttl(next))
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis swap session: %w", err)
	}
	return swapped, nil
}

// Delete removes the pair for sessionID.
func (r *TokenRedisRepository) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

func (r *TokenRedisRepository) ttl(pair models.TokenPair) time.Duration {
	ttl := pair.RefreshTTL(r.now())
	if ttl < minTokenTTL {
		ttl = minTokenTTL
	}
	return ttl
}

func (r *TokenRedisRepository) key(sessionID string) string {
	return tokenKeyPrefix + sessionKey(sessionID)
}
