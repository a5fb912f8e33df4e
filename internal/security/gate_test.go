package security

import (
	"context"
	"testing"
	"time"

	"github.com/ensemble-run/ensemble/pkg/models"
)

func newTestGate(t *testing.T) *Gate {
	t.Helper()
	gate := NewGate(nil, NewJWTService("secret", "ensemble", time.Hour, time.Hour), nil, nil)
	gate.AllowAnonymous = true
	return gate
}

func TestGate_AnonymousFallback(t *testing.T) {
	gate := newTestGate(t)
	auth, err := gate.Authenticate(context.Background(), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if auth.Subject != "anonymous" || auth.Method != "anonymous" {
		t.Errorf("auth = %+v", auth)
	}

	gate.AllowAnonymous = false
	if _, err := gate.Authenticate(context.Background(), "", ""); models.KindOf(err) != models.KindAuthFailed {
		t.Errorf("err = %v, want auth_failed", err)
	}
}

func TestGate_JWTPath(t *testing.T) {
	gate := newTestGate(t)
	pair, _ := gate.JWT.Issue("user-1", "Alice", []string{"user"}, nil, nil)

	auth, err := gate.Authenticate(context.Background(), "", pair.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if auth.Subject != "user-1" {
		t.Errorf("subject = %q", auth.Subject)
	}

	if _, err := gate.Authenticate(context.Background(), "", "garbage"); models.KindOf(err) != models.KindAuthFailed {
		t.Errorf("bad token err = %v", err)
	}
}

func TestGate_CheckTurn_RateLimit(t *testing.T) {
	gate := newTestGate(t)
	gate.Rate = NewRateLimiter(map[string]RateLimitConfig{
		"model": {Limit: 2, Window: time.Minute},
	})
	auth := models.Anonymous()

	for i := 0; i < 2; i++ {
		if _, err := gate.CheckTurn(context.Background(), auth, "hi"); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
	_, err := gate.CheckTurn(context.Background(), auth, "hi")
	if models.KindOf(err) != models.KindRateLimited {
		t.Errorf("third turn = %v, want rate_limited", err)
	}
}

func TestGate_CheckTurn_ContentFilter(t *testing.T) {
	gate := newTestGate(t)
	auth := models.Anonymous()

	filtered, err := gate.CheckTurn(context.Background(), auth, "my email is bob@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if filtered != "my email is [email]" {
		t.Errorf("filtered = %q", filtered)
	}

	gate.RejectFlagged = true
	_, err = gate.CheckTurn(context.Background(), auth, "my email is bob@example.com")
	if models.KindOf(err) != models.KindContentBlocked {
		t.Errorf("reject mode err = %v, want content_blocked", err)
	}
}

func TestGate_RequirePermission(t *testing.T) {
	gate := newTestGate(t)
	guest := &models.AuthResult{Roles: []string{"guest"}}

	if err := gate.RequirePermission(guest, "chat:basic"); err != nil {
		t.Errorf("guest chat:basic = %v", err)
	}
	err := gate.RequirePermission(guest, "tool:admin")
	if models.KindOf(err) != models.KindPermissionDenied {
		t.Errorf("guest tool:admin = %v, want permission_denied", err)
	}
	if err := gate.RequirePermission(guest, ""); err != nil {
		t.Errorf("empty permission should pass: %v", err)
	}
}
