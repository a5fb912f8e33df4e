package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ensemble-run/ensemble/pkg/models"
)

func newSession(owner string, ttl time.Duration) *models.Session {
	ctx := models.NewContext(owner, "Test User")
	return &models.Session{
		ID:       uuid.NewString(),
		Context:  ctx,
		Metadata: models.NewSessionMetadata(owner, ttl),
	}
}

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore(time.Hour, nil)
	ctx := context.Background()
	session := newSession("u1", time.Hour)

	if err := store.Create(ctx, session); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.Load(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Context.UserID != "u1" {
		t.Errorf("user = %q", loaded.Context.UserID)
	}

	// Load returns a copy; mutating it must not affect the store.
	loaded.Context.AddMessage(models.RoleUser, "leak?")
	again, _ := store.Load(ctx, session.ID)
	if len(again.Context.Messages) != 0 {
		t.Error("Load must return an isolated copy")
	}

	if err := store.Delete(ctx, session.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Load(ctx, session.ID); !IsNotFound(err) {
		t.Errorf("after delete: %v, want not found", err)
	}
}

func TestMemoryStore_TTLExpiry(t *testing.T) {
	store := NewMemoryStore(time.Hour, nil)
	ctx := context.Background()
	session := newSession("u1", time.Minute)
	if err := store.Create(ctx, session); err != nil {
		t.Fatal(err)
	}

	// Before expiry the load succeeds.
	if _, err := store.Load(ctx, session.ID); err != nil {
		t.Fatal(err)
	}

	// At and past expiry the opportunistic sweep removes it.
	store.nowFunc = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := store.Load(ctx, session.ID); !IsNotFound(err) {
		t.Errorf("expired load = %v, want not found", err)
	}
}

func TestMemoryStore_Sweep(t *testing.T) {
	store := NewMemoryStore(0, nil)
	ctx := context.Background()
	expired := newSession("u1", time.Millisecond)
	fresh := newSession("u1", time.Hour)
	_ = store.Create(ctx, expired)
	_ = store.Create(ctx, fresh)

	store.nowFunc = func() time.Time { return time.Now().Add(time.Second) }
	if removed := store.Sweep(); removed != 1 {
		t.Errorf("swept = %d, want 1", removed)
	}
	if _, err := store.Load(ctx, fresh.ID); err != nil {
		t.Errorf("fresh session swept: %v", err)
	}
}

func TestMemoryStore_AppendKeepsBound(t *testing.T) {
	store := NewMemoryStore(time.Hour, nil)
	ctx := context.Background()
	session := newSession("u1", time.Hour)
	session.Context.MaxMessages = 3
	_ = store.Create(ctx, session)

	for i := 0; i < 10; i++ {
		if err := store.AppendMessage(ctx, session.ID, models.Message{Role: models.RoleUser, Content: "m"}); err != nil {
			t.Fatal(err)
		}
	}
	loaded, _ := store.Load(ctx, session.ID)
	if len(loaded.Context.Messages) != 3 {
		t.Errorf("messages = %d, want 3", len(loaded.Context.Messages))
	}
	if loaded.Metadata.MessageCount != 3 {
		t.Errorf("message_count = %d, want 3", loaded.Metadata.MessageCount)
	}
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore(time.Hour, nil)
	ctx := context.Background()

	a := newSession("alice", time.Hour)
	a.Metadata.Tags = []string{"support"}
	b := newSession("bob", time.Hour)
	b.Metadata.Status = models.SessionPaused
	_ = store.Create(ctx, a)
	_ = store.Create(ctx, b)

	ids, _ := store.List(ctx, ListFilter{OwnerID: "alice"})
	if len(ids) != 1 || ids[0] != a.ID {
		t.Errorf("owner filter = %v", ids)
	}
	ids, _ = store.List(ctx, ListFilter{Tag: "support"})
	if len(ids) != 1 || ids[0] != a.ID {
		t.Errorf("tag filter = %v", ids)
	}
	ids, _ = store.List(ctx, ListFilter{Status: models.SessionPaused})
	if len(ids) != 1 || ids[0] != b.ID {
		t.Errorf("status filter = %v", ids)
	}
	ids, _ = store.List(ctx, ListFilter{OwnerID: "alice", Status: models.SessionPaused})
	if len(ids) != 0 {
		t.Errorf("intersection = %v, want empty", ids)
	}
}

func TestMemoryStore_ReplaceMessages(t *testing.T) {
	store := NewMemoryStore(time.Hour, nil)
	ctx := context.Background()
	session := newSession("u1", time.Hour)
	_ = store.Create(ctx, session)
	_ = store.AppendMessage(ctx, session.ID, models.Message{Role: models.RoleUser, Content: "old"})

	replacement := []models.Message{
		{Role: models.RoleUser, Content: "new one"},
		{Role: models.RoleAssistant, Content: "new two"},
	}
	if err := store.ReplaceMessages(ctx, session.ID, replacement); err != nil {
		t.Fatal(err)
	}
	loaded, _ := store.Load(ctx, session.ID)
	if len(loaded.Context.Messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(loaded.Context.Messages))
	}
	if loaded.Context.Messages[0].Content != "new one" {
		t.Errorf("old conversation survived: %+v", loaded.Context.Messages)
	}
	if loaded.Metadata.MessageCount != 2 {
		t.Errorf("message_count = %d, want 2", loaded.Metadata.MessageCount)
	}

	if err := store.ReplaceMessages(ctx, "missing", replacement); !IsNotFound(err) {
		t.Errorf("missing session = %v, want not found", err)
	}
}

func TestMemoryStore_UpdateMetadataAndClear(t *testing.T) {
	store := NewMemoryStore(time.Hour, nil)
	ctx := context.Background()
	session := newSession("u1", time.Hour)
	_ = store.Create(ctx, session)

	if err := store.UpdateMetadata(ctx, session.ID, map[string]any{"language": "de"}); err != nil {
		t.Fatal(err)
	}
	loaded, _ := store.Load(ctx, session.ID)
	if loaded.Context.Metadata["language"] != "de" {
		t.Errorf("metadata = %v", loaded.Context.Metadata)
	}

	_ = store.AppendMessage(ctx, session.ID, models.Message{Role: models.RoleUser, Content: "x"})
	if err := store.ClearMessages(ctx, session.ID); err != nil {
		t.Fatal(err)
	}
	loaded, _ = store.Load(ctx, session.ID)
	if len(loaded.Context.Messages) != 0 {
		t.Error("messages should be cleared")
	}
}

func TestMemoryStore_Statistics(t *testing.T) {
	store := NewMemoryStore(time.Hour, nil)
	ctx := context.Background()
	a := newSession("u1", time.Hour)
	b := newSession("u2", time.Hour)
	b.Metadata.Status = models.SessionEnded
	_ = store.Create(ctx, a)
	_ = store.Create(ctx, b)
	_ = store.AppendMessage(ctx, a.ID, models.Message{Role: models.RoleUser, Content: "x"})

	stats, err := store.Statistics(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalSessions != 2 || stats.ActiveSessions != 1 || stats.TotalMessages != 1 {
		t.Errorf("stats = %+v", stats)
	}
}
