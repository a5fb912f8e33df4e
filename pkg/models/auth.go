package models

import "time"

// ServiceAccount is a non-human principal owning API keys.
type ServiceAccount struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OwnerID     string    `json:"owner_id,omitempty"`
	Roles       []string  `json:"roles,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
}

// KeyStatus is the lifecycle state of an API key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRevoked KeyStatus = "revoked"
	KeyExpired KeyStatus = "expired"
)

// APIKey is the persisted form of a key. The plaintext secret exists
// only while the key is being created; only its bcrypt hash survives.
type APIKey struct {
	ID               string    `json:"id"`
	Prefix           string    `json:"prefix"`
	SecretHash       string    `json:"secret_hash"`
	ServiceAccountID string    `json:"service_account_id"`
	Permissions      []string  `json:"permissions,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at,omitempty"`
	LastUsedAt       time.Time `json:"last_used_at,omitempty"`
	Status           KeyStatus `json:"status"`
}

// TokenType distinguishes access tokens from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// AuthResult is what the security gate hands the runtime on success:
// who the caller is and what they may do. Permissions come from the
// credential (a key may be scoped below its account); roles come from
// the principal.
type AuthResult struct {
	Authenticated bool           `json:"authenticated"`
	Subject       string         `json:"subject"`
	SubjectName   string         `json:"subject_name,omitempty"`
	Roles         []string       `json:"roles,omitempty"`
	Permissions   []string       `json:"permissions,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Method        string         `json:"method,omitempty"` // "api_key" | "jwt" | "anonymous"
}

// HasPermission reports whether the credential carries the permission.
func (a *AuthResult) HasPermission(perm string) bool {
	for _, p := range a.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Anonymous is the AuthResult used when the gate runs with auth
// disabled (local development).
func Anonymous() *AuthResult {
	return &AuthResult{
		Authenticated: true,
		Subject:       "anonymous",
		Roles:         []string{"guest"},
		Method:        "anonymous",
	}
}
