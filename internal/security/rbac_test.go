package security

import (
	"testing"

	"github.com/ensemble-run/ensemble/pkg/models"
)

func TestRBAC_TransitiveImplication(t *testing.T) {
	rbac, err := NewRBAC(DefaultRoles())
	if err != nil {
		t.Fatal(err)
	}

	admin := &models.AuthResult{Roles: []string{"admin"}}
	// admin implies user implies guest: monotonicity.
	for _, perm := range []string{"keys:manage", "tool:standard", "chat:basic"} {
		if !rbac.Check(admin, perm) {
			t.Errorf("admin should hold %q", perm)
		}
	}

	guest := &models.AuthResult{Roles: []string{"guest"}}
	for _, perm := range []string{"tool:admin", "chat:full"} {
		if rbac.Check(guest, perm) {
			t.Errorf("guest should not hold %q", perm)
		}
	}
}

func TestRBAC_CredentialPermissionWins(t *testing.T) {
	rbac, _ := NewRBAC(DefaultRoles())
	auth := &models.AuthResult{Roles: []string{"guest"}, Permissions: []string{"tool:admin"}}
	if !rbac.Check(auth, "tool:admin") {
		t.Error("direct credential permission should grant")
	}
}

func TestRBAC_CycleRejected(t *testing.T) {
	_, err := NewRBAC(map[string]RoleDef{
		"a": {Implies: []string{"b"}},
		"b": {Implies: []string{"a"}},
	})
	if err == nil {
		t.Fatal("cycle must fail at load time")
	}
}

func TestRBAC_UndefinedImpliedRole(t *testing.T) {
	_, err := NewRBAC(map[string]RoleDef{
		"a": {Implies: []string{"ghost"}},
	})
	if err == nil {
		t.Fatal("undefined implied role must fail at load time")
	}
}

func TestRBAC_PermissionsFor(t *testing.T) {
	rbac, _ := NewRBAC(DefaultRoles())
	perms := rbac.PermissionsFor([]string{"user"})
	want := map[string]bool{"chat:full": true, "session:own": true, "tool:standard": true, "chat:basic": true}
	if len(perms) != len(want) {
		t.Fatalf("perms = %v", perms)
	}
	for _, p := range perms {
		if !want[p] {
			t.Errorf("unexpected permission %q", p)
		}
	}
}
