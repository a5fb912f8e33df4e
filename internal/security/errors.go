// Package security is the unified gate in front of agent execution:
// API-key and JWT authentication, RBAC permission checks, fixed-window
// rate limiting, resource quotas, and content-safety filtering. The
// whole evaluation is in-memory except the key store file and the
// counter state.
package security

import "errors"

// Authentication failures. Each maps onto models.KindAuthFailed at the
// runtime boundary; the distinct sentinels exist so callers and tests
// can tell the stages apart.
var (
	ErrMalformedKey = errors.New("malformed api key")
	ErrUnknownKey   = errors.New("unknown api key")
	ErrKeyRevoked   = errors.New("api key revoked")
	ErrKeyExpired   = errors.New("api key expired")
	ErrDisabled     = errors.New("service account disabled")
	ErrBadSecret    = errors.New("api key secret mismatch")
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongToken   = errors.New("wrong token type")
	ErrNoCredential = errors.New("no credential supplied")
)
