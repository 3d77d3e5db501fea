package domain

import "time"

// TokenScope distinguishes a login-only token from one that may call the full API.
type TokenScope string

const (
	ScopeLogin TokenScope = "login"
	ScopeAPI   TokenScope = "api"
)

// AuthToken is the bearer credential for the payments platform. Values are
// immutable; a refresh produces a new AuthToken.
type AuthToken struct {
	ID        string     `json:"id"`
	Value     string     `json:"value"`
	ExpiresAt time.Time  `json:"expires_at"`
	Scope     TokenScope `json:"scope"`
}

// Empty reports whether no credential value is present.
func (t AuthToken) Empty() bool {
	return t.Value == ""
}

// ExpiresWithin reports whether the token expires before now+threshold.
func (t AuthToken) ExpiresWithin(now time.Time, threshold time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return t.ExpiresAt.Before(now.Add(threshold))
}

// TokenStatus is the response of POST /tokens before the token is verified.
type TokenStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// StoredToken is the persisted token state: the credential plus the PKCE
// verifier that must be presented on the next refresh.
type StoredToken struct {
	Token    AuthToken `json:"token"`
	Verifier string    `json:"verifier"`
}

// CreateTokenInput is the body of POST /tokens.
type CreateTokenInput struct {
	Challenge   string `json:"challenge"`
	DeviceID    string `json:"device_id"`
	DeviceModel string `json:"device_model"`
	Email       string `json:"email"`
}

// PatchTokenInput is the body of PATCH /tokens/{id}. Code and Link are only
// sent when verifying a login.
type PatchTokenInput struct {
	Challenge string `json:"challenge"`
	Verifier  string `json:"verifier"`
	Code      string `json:"code,omitempty"`
	Link      string `json:"link,omitempty"`
}
