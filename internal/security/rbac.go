package security

import (
	"fmt"

	"github.com/ensemble-run/ensemble/pkg/models"
)

// RoleDef declares one role: the permissions it grants directly and
// the roles it implies.
type RoleDef struct {
	Permissions []string `yaml:"permissions"`
	Implies     []string `yaml:"implies"`
}

// RBAC resolves roles to effective permission sets. Implication is
// transitive (admin implies user implies guest); cycles are rejected
// when the mapping is loaded. Resolution afterwards is pure lookup.
type RBAC struct {
	// effective maps role -> flattened permission set.
	effective map[string]map[string]bool
}

// DefaultRoles is the stock admin > user > guest hierarchy.
func DefaultRoles() map[string]RoleDef {
	return map[string]RoleDef{
		"guest": {Permissions: []string{"chat:basic"}},
		"user": {
			Permissions: []string{"chat:full", "session:own", "tool:standard"},
			Implies:     []string{"guest"},
		},
		"admin": {
			Permissions: []string{"session:any", "tool:admin", "keys:manage"},
			Implies:     []string{"user"},
		},
	}
}

// NewRBAC flattens the role graph. Unknown implied roles and cycles
// are load-time errors.
func NewRBAC(roles map[string]RoleDef) (*RBAC, error) {
	r := &RBAC{effective: map[string]map[string]bool{}}

	var resolve func(role string, path map[string]bool) (map[string]bool, error)
	resolve = func(role string, path map[string]bool) (map[string]bool, error) {
		if perms, done := r.effective[role]; done {
			return perms, nil
		}
		if path[role] {
			return nil, fmt.Errorf("role cycle through %q", role)
		}
		def, ok := roles[role]
		if !ok {
			return nil, fmt.Errorf("role %q implied but not defined", role)
		}
		path[role] = true
		perms := map[string]bool{}
		for _, p := range def.Permissions {
			perms[p] = true
		}
		for _, implied := range def.Implies {
			sub, err := resolve(implied, path)
			if err != nil {
				return nil, err
			}
			for p := range sub {
				perms[p] = true
			}
		}
		delete(path, role)
		r.effective[role] = perms
		return perms, nil
	}

	for role := range roles {
		if _, err := resolve(role, map[string]bool{}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// PermissionsFor returns the flattened permission set for the roles.
func (r *RBAC) PermissionsFor(roles []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, role := range roles {
		for p := range r.effective[role] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Check reports whether the auth result grants the permission, either
// directly on the credential or via one of its roles.
func (r *RBAC) Check(auth *models.AuthResult, permission string) bool {
	if auth == nil {
		return false
	}
	if auth.HasPermission(permission) {
		return true
	}
	for _, role := range auth.Roles {
		if r.effective[role][permission] {
			return true
		}
	}
	return false
}
