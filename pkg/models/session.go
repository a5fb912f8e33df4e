package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionPaused SessionStatus = "paused"
	SessionEnded  SessionStatus = "ended"
)

// SessionMetadata carries everything about a session except the
// conversation itself: lifecycle timestamps, sharing, and counters.
type SessionMetadata struct {
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Status         SessionStatus  `json:"status"`
	Tags           []string       `json:"tags,omitempty"`
	Properties     map[string]any `json:"properties,omitempty"`
	MessageCount   int            `json:"message_count"`
	TokenCount     int            `json:"token_count"`
	TurnCount      int            `json:"turn_count"`
	OwnerID        string         `json:"owner_id"`
	SharedWith     []string       `json:"shared_with,omitempty"`
	IsPublic       bool           `json:"is_public"`
}

// Session binds one Context to its metadata under a session id.
type Session struct {
	ID       string          `json:"id"`
	Context  *Context        `json:"context"`
	Metadata SessionMetadata `json:"metadata"`
}

// NewSessionMetadata returns metadata for a fresh session owned by
// ownerID, expiring after ttl (zero ttl means no expiry).
func NewSessionMetadata(ownerID string, ttl time.Duration) SessionMetadata {
	now := time.Now()
	md := SessionMetadata{
		CreatedAt:      now,
		LastAccessedAt: now,
		Status:         SessionActive,
		OwnerID:        ownerID,
		Properties:     map[string]any{},
	}
	if ttl > 0 {
		md.ExpiresAt = now.Add(ttl)
	}
	return md
}

// Expired reports whether the session has passed its expiry.
func (m *SessionMetadata) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// IsSharedWith reports whether userID appears in SharedWith.
func (m *SessionMetadata) IsSharedWith(userID string) bool {
	for _, id := range m.SharedWith {
		if id == userID {
			return true
		}
	}
	return false
}

// HasTag reports whether the session carries the tag.
func (m *SessionMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
