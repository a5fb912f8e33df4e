package models

import (
	"strings"
	"testing"
	"time"
)

func TestSessionMetadata_Expired(t *testing.T) {
	md := NewSessionMetadata("u1", time.Minute)
	now := time.Now()

	if md.Expired(now) {
		t.Error("fresh session should not be expired")
	}
	if !md.Expired(now.Add(2 * time.Minute)) {
		t.Error("session past TTL should be expired")
	}

	forever := NewSessionMetadata("u1", 0)
	if forever.Expired(now.Add(24 * 365 * time.Hour)) {
		t.Error("zero TTL means no expiry")
	}
}

func TestSessionMetadata_Sharing(t *testing.T) {
	md := NewSessionMetadata("owner", 0)
	md.SharedWith = []string{"friend"}
	md.Tags = []string{"support", "billing"}

	if !md.IsSharedWith("friend") || md.IsSharedWith("stranger") {
		t.Error("shared_with membership wrong")
	}
	if !md.HasTag("billing") || md.HasTag("sales") {
		t.Error("tag membership wrong")
	}
}

func TestUserInfoBlock(t *testing.T) {
	ctx := NewContext("u1", "Alice")
	ctx.Metadata["language"] = "de"
	ctx.Metadata["preference"] = "brief"
	ctx.Metadata["internal_secret"] = "hidden"

	block := UserInfoBlock(ctx)
	for _, want := range []string{"User info:", "user_id: u1", "user_name: Alice", "language: de", "preference: brief"} {
		if !strings.Contains(block, want) {
			t.Errorf("block missing %q:\n%s", want, block)
		}
	}
	if strings.Contains(block, "internal_secret") {
		t.Error("non-whitelisted metadata leaked into the user info block")
	}
}

func TestErrorKinds(t *testing.T) {
	err := NewError(KindRateLimited, "limit hit for %s", "u1")
	if KindOf(err) != KindRateLimited {
		t.Errorf("kind = %v", KindOf(err))
	}
	if !KindRateLimited.Recoverable() {
		t.Error("rate limited should be recoverable")
	}
	if KindPermissionDenied.Recoverable() {
		t.Error("permission denied should not be recoverable")
	}
	if KindOf(nil) != "" {
		t.Error("nil error has no kind")
	}
}
