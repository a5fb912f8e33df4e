// Package sessions persists conversation state: a Store interface with
// in-memory and Redis backends, an access-control policy, a lifecycle
// manager, and the bridge that reifies stored sessions into the
// runtime's in-memory Context.
package sessions

import (
	"context"
	"errors"

	"github.com/ensemble-run/ensemble/pkg/models"
)

// ErrNotFound is returned when a session id does not resolve. Expired
// sessions are reported the same way as missing ones.
var ErrNotFound = errors.New("session not found")

// ListFilter narrows List results. Zero-value fields are ignored; the
// set fields are intersected.
type ListFilter struct {
	OwnerID string
	Tag     string
	Status  models.SessionStatus
	Limit   int
}

// Statistics summarizes a backend's contents.
type Statistics struct {
	Backend        string `json:"backend"`
	TotalSessions  int    `json:"total_sessions"`
	ActiveSessions int    `json:"active_sessions"`
	TotalMessages  int    `json:"total_messages"`
}

// Store is the persistence contract shared by both backends. Within a
// single session all mutations are serialized — by the store mutex in
// memory, by transactional writes with optimistic retry on Redis.
type Store interface {
	// Create persists a new session. An id that already exists is not
	// an error: the memory backend keeps the live existing session, the
	// Redis backend overwrites it.
	Create(ctx context.Context, session *models.Session) error

	// Load returns the session, or ErrNotFound if absent or expired.
	Load(ctx context.Context, id string) (*models.Session, error)

	// Save replaces the stored session and refreshes its TTL.
	Save(ctx context.Context, session *models.Session) error

	// Delete removes the session and all its index entries.
	Delete(ctx context.Context, id string) error

	// List returns session ids matching the filter.
	List(ctx context.Context, filter ListFilter) ([]string, error)

	// AppendMessage appends one message to the session's context under
	// the context's bounding invariants.
	AppendMessage(ctx context.Context, id string, msg models.Message) error

	// UpdateMetadata merges values into the session context's metadata.
	UpdateMetadata(ctx context.Context, id string, values map[string]any) error

	// ReplaceMessages swaps the session's conversation for msgs in one
	// atomic write; readers never observe a partially-rebuilt list.
	ReplaceMessages(ctx context.Context, id string, msgs []models.Message) error

	// ClearMessages drops the conversation, keeping identity and
	// metadata.
	ClearMessages(ctx context.Context, id string) error

	// Touch refreshes the TTL and last-accessed timestamp.
	Touch(ctx context.Context, id string) error

	// Statistics reports backend totals.
	Statistics(ctx context.Context) (*Statistics, error)
}

// IsNotFound reports whether err means the session does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
