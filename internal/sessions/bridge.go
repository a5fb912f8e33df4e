package sessions

import (
	"context"
	"sync"

	"github.com/ensemble-run/ensemble/pkg/models"
)

// ContextBridge reifies one stored session as an in-memory Context and
// keeps the two in step: reads come from a cache refreshed on demand,
// mutations hit the store transactionally and then the cache. Every
// retrieval prepends a synthetic system message carrying the
// "User info:" block so downstream consumers always see the caller
// identity.
type ContextBridge struct {
	mu        sync.Mutex
	sessionID string
	userID    string
	userName  string
	store     Store
	cached    *models.Context
}

// NewContextBridge binds a bridge to one session.
func NewContextBridge(sessionID, userID, userName string, store Store) *ContextBridge {
	return &ContextBridge{
		sessionID: sessionID,
		userID:    userID,
		userName:  userName,
		store:     store,
	}
}

// SessionID returns the bound session id.
func (b *ContextBridge) SessionID() string { return b.sessionID }

// GetContext returns the session's context, loading it from the store
// on first use or when refresh is set. The returned value is the
// bridge's cache; callers that need isolation should Clone it.
func (b *ContextBridge) GetContext(ctx context.Context, refresh bool) (*models.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cached != nil && !refresh {
		return b.cached, nil
	}

	session, err := b.store.Load(ctx, b.sessionID)
	if err != nil {
		return nil, err
	}
	loaded := session.Context
	loaded.SessionID = b.sessionID
	if loaded.UserID == "" {
		loaded.UserID = b.userID
	}
	// A display name given to the bridge takes precedence over the
	// stored one; the stored user id is kept when present.
	if b.userName != "" || loaded.UserName == "" {
		loaded.UserName = b.userName
	}
	b.injectUserInfo(loaded)
	b.cached = loaded
	return loaded, nil
}

// injectUserInfo prepends the synthetic system message when none is
// present, or refreshes an existing synthetic one.
func (b *ContextBridge) injectUserInfo(c *models.Context) {
	block := models.UserInfoBlock(c)
	if sys := c.SystemMessage(); sys != nil {
		if sys.Metadata != nil && sys.Metadata["synthetic"] == true {
			sys.Content = block
		}
		return
	}
	c.AppendMessage(models.Message{
		Role:     models.RoleSystem,
		Content:  block,
		Metadata: map[string]any{"synthetic": true},
	})
}

// AddMessage appends through the store and mirrors the append into the
// cache.
func (b *ContextBridge) AddMessage(ctx context.Context, role models.Role, content string) error {
	msg := models.Message{Role: role, Content: content}
	if err := b.store.AppendMessage(ctx, b.sessionID, msg); err != nil {
		return err
	}
	b.mu.Lock()
	if b.cached != nil {
		b.cached.AppendMessage(msg)
	}
	b.mu.Unlock()
	return nil
}

// UpdateMetadata merges values through the store and into the cache.
func (b *ContextBridge) UpdateMetadata(ctx context.Context, values map[string]any) error {
	if err := b.store.UpdateMetadata(ctx, b.sessionID, values); err != nil {
		return err
	}
	b.mu.Lock()
	if b.cached != nil {
		if b.cached.Metadata == nil {
			b.cached.Metadata = map[string]any{}
		}
		for k, v := range values {
			b.cached.Metadata[k] = v
		}
	}
	b.mu.Unlock()
	return nil
}

// SyncFromContext replaces the session's stored messages with the
// context's in one atomic store write.
func (b *ContextBridge) SyncFromContext(ctx context.Context, c *models.Context) error {
	if err := b.store.ReplaceMessages(ctx, b.sessionID, c.Messages); err != nil {
		return err
	}
	b.mu.Lock()
	b.cached = c.Clone()
	b.mu.Unlock()
	return nil
}

// Invalidate drops the cache so the next GetContext reloads.
func (b *ContextBridge) Invalidate() {
	b.mu.Lock()
	b.cached = nil
	b.mu.Unlock()
}
