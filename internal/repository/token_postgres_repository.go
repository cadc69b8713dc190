package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/session-gateway/internal/models"
	appErrors "github.com/noah-isme/session-gateway/pkg/errors"
)

const sessionTokensSchema = `
CREATE TABLE IF NOT EXISTS session_tokens (
	session_key TEXT PRIMARY KEY,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	access_expires_at BIGINT NOT NULL,
	refresh_expires_at BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_session_tokens_refresh_expires_at ON session_tokens (refresh_expires_at);
`

// TokenPostgresRepository stores token pairs in PostgreSQL keyed by the
// digest of the session id.
type TokenPostgresRepository struct {
	db *sqlx.DB
}

// NewTokenPostgresRepository constructs a PostgreSQL backed token store.
func NewTokenPostgresRepository(db *sqlx.DB) *TokenPostgresRepository {
	return &TokenPostgresRepository{db: db}
}

// EnsureSchema creates the session_tokens table when missing.
func (r *TokenPostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, sessionTokensSchema); err != nil {
		return fmt.Errorf("create session_tokens schema: %w", err)
	}
	return nil
}

// Get returns the pair stored for sessionID.
func (r *TokenPostgresRepository) Get(ctx context.Context, sessionID string) (models.TokenPair, error) {
	const query = `SELECT access_token, refresh_token, access_expires_at, refresh_expires_at FROM session_tokens WHERE session_key = $1`

	var pair models.TokenPair
	if err := r.db.GetContext(ctx, &pair, query, sessionKey(sessionID)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TokenPair{}, appErrors.ErrSessionNotFound
		}
		return models.TokenPair{}, fmt.Errorf("get session tokens: %w", err)
	}
	return pair, nil
}

// Set upserts pair under sessionID.
func (r *TokenPostgresRepository) Set(ctx context.Context, sessionID string, pair models.TokenPair) error {
	const query = `INSERT INTO session_tokens (session_key, access_token, refresh_token, access_expires_at, refresh_expires_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (session_key) DO UPDATE SET access_token = EXCLUDED.access_token, refresh_token = EXCLUDED.refresh_token,
access_expires_at = EXCLUDED.access_expires_at, refresh_expires_at = EXCLUDED.refresh_expires_at, updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query,
		sessionKey(sessionID),
		pair.AccessToken,
		pair.RefreshToken,
		pair.AccessTokenExpiresAt,
		pair.RefreshTokenExpiresAt,
	); err != nil {
		return fmt.Errorf("upsert session tokens: %w", err)
	}
	return nil
}

// CompareAndSwap updates the row for sessionID only while it still holds
// expectedRefresh.
func (r *TokenPostgresRepository) CompareAndSwap(ctx context.Context, sessionID, expectedRefresh string, next models.TokenPair) (bool, error) {
	const query = `UPDATE session_tokens SET access_token = $3, refresh_token = $4, access_expires_at = $5, refresh_expires_at = $6, updated_at = NOW() WHERE session_key = $1 AND refresh_token = $2`

	res, err := r.db.ExecContext(ctx, query,
		sessionKey(sessionID),
		expectedRefresh,
		next.AccessToken,
		next.RefreshToken,
		next.AccessTokenExpiresAt,
		next.RefreshTokenExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("swap session tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap session tokens: %w", err)
	}
	return n == 1, nil
}

// Delete removes the pair for sessionID.
func (r *TokenPostgresRepository) Delete(ctx context.Context, sessionID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE session_key = $1`, sessionKey(sessionID)); err != nil {
		return fmt.Errorf("delete session tokens: %w", err)
	}
	return nil
}

// PurgeExpired deletes rows whose refresh token has lapsed at now.
func (r *TokenPostgresRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM session_tokens WHERE refresh_expires_at <= $1`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge expired session tokens: %w", err)
	}
	return res.RowsAffected()
}
