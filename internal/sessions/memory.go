package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ensemble-run/ensemble/pkg/models"
)

// defaultSweepInterval is how often the background sweep evicts
// expired sessions.
const defaultSweepInterval = time.Hour

// MemoryStore is the process-local Store used for tests and
// single-instance deployments without Redis. One mutex guards the map;
// expiry is enforced opportunistically on access plus a periodic
// background sweep.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	ttl      time.Duration
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// NewMemoryStore creates an in-memory store. ttl 0 disables expiry.
func NewMemoryStore(ttl time.Duration, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		sessions: map[string]*models.Session{},
		ttl:      ttl,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// StartSweeper runs the periodic expiry sweep until ctx is cancelled.
func (s *MemoryStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.Sweep(); removed > 0 {
					s.logger.Debug("session sweep", "removed", removed)
				}
			}
		}
	}()
}

// Sweep removes every expired session and returns the count.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	removed := 0
	for id, session := range s.sessions {
		if session.Metadata.Expired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Create(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[session.ID]; ok && !existing.Metadata.Expired(s.nowFunc()) {
		return nil // idempotent create
	}
	s.sessions[session.ID] = cloneSession(session)
	return nil
}

func (s *MemoryStore) Load(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.liveLocked(id)
	if err != nil {
		return nil, err
	}
	return cloneSession(session), nil
}

func (s *MemoryStore) Save(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := cloneSession(session)
	s.refreshLocked(&clone.Metadata)
	s.sessions[session.ID] = clone
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	var out []string
	for id, session := range s.sessions {
		if session.Metadata.Expired(now) {
			continue
		}
		md := &session.Metadata
		if filter.OwnerID != "" && md.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Tag != "" && !md.HasTag(filter.Tag) {
			continue
		}
		if filter.Status != "" && md.Status != filter.Status {
			continue
		}
		out = append(out, id)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, id string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.liveLocked(id)
	if err != nil {
		return err
	}
	session.Context.AppendMessage(msg)
	session.Metadata.MessageCount = len(session.Context.Messages)
	s.refreshLocked(&session.Metadata)
	return nil
}

func (s *MemoryStore) UpdateMetadata(ctx context.Context, id string, values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.liveLocked(id)
	if err != nil {
		return err
	}
	if session.Context.Metadata == nil {
		session.Context.Metadata = map[string]any{}
	}
	for k, v := range values {
		session.Context.Metadata[k] = v
	}
	s.refreshLocked(&session.Metadata)
	return nil
}

func (s *MemoryStore) ReplaceMessages(ctx context.Context, id string, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.liveLocked(id)
	if err != nil {
		return err
	}
	session.Context.Messages = nil
	for _, msg := range msgs {
		session.Context.AppendMessage(msg)
	}
	session.Metadata.MessageCount = len(session.Context.Messages)
	s.refreshLocked(&session.Metadata)
	return nil
}

func (s *MemoryStore) ClearMessages(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.liveLocked(id)
	if err != nil {
		return err
	}
	session.Context.Messages = nil
	session.Metadata.MessageCount = 0
	s.refreshLocked(&session.Metadata)
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.liveLocked(id)
	if err != nil {
		return err
	}
	s.refreshLocked(&session.Metadata)
	return nil
}

func (s *MemoryStore) Statistics(ctx context.Context) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &Statistics{Backend: "memory"}
	now := s.nowFunc()
	for _, session := range s.sessions {
		if session.Metadata.Expired(now) {
			continue
		}
		stats.TotalSessions++
		if session.Metadata.Status == models.SessionActive {
			stats.ActiveSessions++
		}
		stats.TotalMessages += len(session.Context.Messages)
	}
	return stats, nil
}

// liveLocked returns the stored session if present and unexpired,
// evicting it opportunistically when expired. Callers hold the mutex.
func (s *MemoryStore) liveLocked(id string) (*models.Session, error) {
	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if session.Metadata.Expired(s.nowFunc()) {
		delete(s.sessions, id)
		return nil, ErrNotFound
	}
	return session, nil
}

// refreshLocked bumps last-accessed and slides the expiry window.
func (s *MemoryStore) refreshLocked(md *models.SessionMetadata) {
	now := s.nowFunc()
	md.LastAccessedAt = now
	if s.ttl > 0 {
		md.ExpiresAt = now.Add(s.ttl)
	}
}

func cloneSession(session *models.Session) *models.Session {
	out := &models.Session{
		ID:       session.ID,
		Context:  session.Context.Clone(),
		Metadata: session.Metadata,
	}
	out.Metadata.Tags = append([]string(nil), session.Metadata.Tags...)
	out.Metadata.SharedWith = append([]string(nil), session.Metadata.SharedWith...)
	if session.Metadata.Properties != nil {
		props := make(map[string]any, len(session.Metadata.Properties))
		for k, v := range session.Metadata.Properties {
			props[k] = v
		}
		out.Metadata.Properties = props
	}
	return out
}
