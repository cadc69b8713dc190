package sessioncookie

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const idBytes = 32

// NewID generates an opaque, unguessable session identifier (256 bits).
func NewID() (string, error) {
	b := make([]byte, idBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("sessioncookie: generate id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// validID rejects values that could not have been produced by NewID.
func validID(value string) bool {
	if len(value) != base64.RawURLEncoding.EncodedLen(idBytes) {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(value)
	return err == nil
}
