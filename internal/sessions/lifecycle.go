package sessions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ensemble-run/ensemble/pkg/models"
)

// Lifecycle drives session status transitions on top of a Store.
// Valid moves: active <-> paused, anything -> ended. Ended sessions
// stay readable until the TTL or a purge removes them.
type Lifecycle struct {
	store  Store
	logger *slog.Logger
}

// NewLifecycle builds a lifecycle manager.
func NewLifecycle(store Store, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{store: store, logger: logger}
}

func (l *Lifecycle) transition(ctx context.Context, id string, to models.SessionStatus, allowed ...models.SessionStatus) error {
	session, err := l.store.Load(ctx, id)
	if err != nil {
		return err
	}
	ok := len(allowed) == 0
	for _, from := range allowed {
		if session.Metadata.Status == from {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("session %s: cannot move %s -> %s", id, session.Metadata.Status, to)
	}
	session.Metadata.Status = to
	return l.store.Save(ctx, session)
}

// Pause moves an active session to paused.
func (l *Lifecycle) Pause(ctx context.Context, id string) error {
	return l.transition(ctx, id, models.SessionPaused, models.SessionActive)
}

// Resume moves a paused session back to active.
func (l *Lifecycle) Resume(ctx context.Context, id string) error {
	return l.transition(ctx, id, models.SessionActive, models.SessionPaused)
}

// End terminates a session from any state.
func (l *Lifecycle) End(ctx context.Context, id string) error {
	return l.transition(ctx, id, models.SessionEnded)
}

// Transition moves the session to the requested status, enforcing the
// valid moves. Gateway status updates route through here.
func (l *Lifecycle) Transition(ctx context.Context, id string, to models.SessionStatus) error {
	switch to {
	case models.SessionPaused:
		return l.Pause(ctx, id)
	case models.SessionActive:
		return l.Resume(ctx, id)
	case models.SessionEnded:
		return l.End(ctx, id)
	default:
		return fmt.Errorf("unknown session status %q", to)
	}
}

// RunPurgeLoop purges ended sessions on the interval until ctx is
// cancelled.
func (l *Lifecycle) RunPurgeLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := l.PurgeEnded(ctx)
			if err != nil {
				l.logger.Warn("session purge failed", "error", err)
				continue
			}
			if purged > 0 {
				l.logger.Info("ended sessions purged", "count", purged)
			}
		}
	}
}

// PurgeEnded deletes every ended session and returns the count.
func (l *Lifecycle) PurgeEnded(ctx context.Context) (int, error) {
	ids, err := l.store.List(ctx, ListFilter{Status: models.SessionEnded})
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, id := range ids {
		if err := l.store.Delete(ctx, id); err != nil {
			l.logger.Warn("purge failed", "session", id, "error", err)
			continue
		}
		purged++
	}
	return purged, nil
}
