package repository

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// sessionKey derives the storage key for a session id. Session ids are bearer
// credentials, so shared stores only ever see their digest.
func sessionKey(sessionID string) string {
	sum := blake2b.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])
}
