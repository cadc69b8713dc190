package dto

// Wire shapes exchanged with the credential service.

// CredentialLoginRequest is posted to the token endpoint.
type CredentialLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CredentialTokenResponse is returned by the token and refresh endpoints.
// The expiry fields are optional epoch seconds; the refresh token may be
// absent when the service does not rotate refresh tokens.
type CredentialTokenResponse struct {
	SessionID        string `json:"sessionId,omitempty"`
	Access           string `json:"access"`
	Refresh          string `json:"refresh,omitempty"`
	AccessExpiresAt  int64  `json:"access_expires_at,omitempty"`
	RefreshExpiresAt int64  `json:"refresh_expires_at,omitempty"`
}

// CredentialRefreshRequest is posted to the refresh endpoint and to logout.
type CredentialRefreshRequest struct {
	Refresh string `json:"refresh"`
}

// CredentialVerifyRequest is posted to the verify endpoint.
type CredentialVerifyRequest struct {
	Token string `json:"token"`
}

// CredentialCSRFResponse is returned by the CSRF bootstrap endpoint.
type CredentialCSRFResponse struct {
	CSRFToken string `json:"csrfToken"`
}

// LoginResponse is returned to JSON clients after a successful login.
type LoginResponse struct {
	RedirectTo           string `json:"redirect_to"`
	AccessTokenExpiresAt int64  `json:"access_token_expires_at"`
}

// SessionResponse describes the caller's session without exposing tokens.
type SessionResponse struct {
	State                 string `json:"state"`
	Authenticated         bool   `json:"authenticated"`
	Refreshed             bool   `json:"refreshed,omitempty"`
	Verified              *bool  `json:"verified,omitempty"`
	AccessTokenExpiresAt  int64  `json:"access_token_expires_at,omitempty"`
	RefreshTokenExpiresAt int64  `json:"refresh_token_expires_at,omitempty"`
}

// PageResponse is rendered by the placeholder pages.
type PageResponse struct {
	Page          string `json:"page"`
	Authenticated bool   `json:"authenticated"`
}
