package models

import "time"

// TokenPair is the credential pair issued by the credential service for one
// session. Timestamps are epoch seconds. A pair is never mutated in place;
// a refresh produces a new pair that replaces the stored one.
type TokenPair struct {
	AccessToken           string `json:"access_token" db:"access_token"`
	RefreshToken          string `json:"refresh_token" db:"refresh_token"`
	AccessTokenExpiresAt  int64  `json:"access_token_expires_at" db:"access_expires_at"`
	RefreshTokenExpiresAt int64  `json:"refresh_token_expires_at" db:"refresh_expires_at"`
}

// AccessValidAt reports whether the access token is still usable at now.
func (p TokenPair) AccessValidAt(now time.Time) bool {
	return now.Unix() < p.AccessTokenExpiresAt
}

// RefreshValidAt reports whether the refresh token is still usable at now.
func (p TokenPair) RefreshValidAt(now time.Time) bool {
	return now.Unix() < p.RefreshTokenExpiresAt
}

// Consistent reports whether the pair satisfies access expiry <= refresh expiry.
func (p TokenPair) Consistent() bool {
	return p.AccessTokenExpiresAt <= p.RefreshTokenExpiresAt
}

// RefreshTTL is the time remaining until the refresh token expires.
func (p TokenPair) RefreshTTL(now time.Time) time.Duration {
	return time.Unix(p.RefreshTokenExpiresAt, 0).Sub(now)
}
