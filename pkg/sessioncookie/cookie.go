// Package sessioncookie maps an opaque session identifier to and from the
// HTTP cookie that carries it. No token material is ever written to the
// cookie; the identifier is only a key into the token store.
package sessioncookie

import (
	"net/http"
	"time"
)

const (
	DefaultName   = "sessionId"
	DefaultMaxAge = 24 * time.Hour
)

// Adapter issues, reads and clears the session cookie.
type Adapter struct {
	name   string
	maxAge time.Duration
	path   string
	domain string
}

// Option customises an Adapter.
type Option func(*Adapter)

// WithDomain scopes the cookie to a domain. Leave empty for host-only cookies.
func WithDomain(domain string) Option {
	return func(a *Adapter) { a.domain = domain }
}

// New constructs an Adapter. Empty name or non-positive maxAge fall back to
// the defaults (sessionId, one day).
func New(name string, maxAge time.Duration, opts ...Option) *Adapter {
	if name == "" {
		name = DefaultName
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	a := &Adapter{name: name, maxAge: maxAge, path: "/"}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the cookie name.
func (a *Adapter) Name() string {
	return a.name
}

// Read extracts the session id from the request. Missing, empty or malformed
// cookies report false.
func (a *Adapter) Read(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(a.name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	if !validID(cookie.Value) {
		return "", false
	}
	return cookie.Value, true
}

// Write issues the session cookie.
func (a *Adapter) Write(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.name,
		Value:    sessionID,
		Path:     a.path,
		Domain:   a.domain,
		MaxAge:   int(a.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear removes the session cookie from the client.
func (a *Adapter) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.name,
		Value:    "",
		Path:     a.path,
		Domain:   a.domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}
