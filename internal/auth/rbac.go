package auth

import (
	"context"
	"sort"
	"sync"
)

// RoleRepository resolves a role name to its permission set.
type RoleRepository interface {
	Permissions(ctx context.Context, role string) ([]string, error)
}

// GroupRepository resolves a group name to its role set.
type GroupRepository interface {
	Roles(ctx context.Context, group string) ([]string, error)
}

// RBAC expands an identity's roles and groups into the flat permission set
// checked against endpoint requirements.
type RBAC struct {
	roles  RoleRepository
	groups GroupRepository
}

func NewRBAC(roles RoleRepository, groups GroupRepository) *RBAC {
	return &RBAC{roles: roles, groups: groups}
}

// Expand resolves groups to roles, roles to permissions, and merges in any
// permissions the identity already carries. The result is sorted and
// deduplicated.
func (r *RBAC) Expand(ctx context.Context, id *Identity) ([]string, error) {
	roles := make(map[string]struct{}, len(id.Roles))
	for _, role := range id.Roles {
		roles[role] = struct{}{}
	}

	if r.groups != nil {
		for _, group := range id.Groups {
			groupRoles, err := r.groups.Roles(ctx, group)
			if err != nil {
				return nil, err
			}
			for _, role := range groupRoles {
				roles[role] = struct{}{}
			}
		}
	}

	perms := make(map[string]struct{}, len(id.Permissions))
	for _, p := range id.Permissions {
		perms[p] = struct{}{}
	}
	if r.roles != nil {
		for role := range roles {
			rolePerms, err := r.roles.Permissions(ctx, role)
			if err != nil {
				return nil, err
			}
			for _, p := range rolePerms {
				perms[p] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(perms))
	for p := range perms {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

// MemoryRoles is a static in-memory RoleRepository.
type MemoryRoles struct {
	mu    sync.RWMutex
	perms map[string][]string
}

func NewMemoryRoles(perms map[string][]string) *MemoryRoles {
	if perms == nil {
		perms = make(map[string][]string)
	}
	return &MemoryRoles{perms: perms}
}

func (m *MemoryRoles) Permissions(_ context.Context, role string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.perms[role], nil
}

// MemoryGroups is a static in-memory GroupRepository.
type MemoryGroups struct {
	mu    sync.RWMutex
	roles map[string][]string
}

func NewMemoryGroups(roles map[string][]string) *MemoryGroups {
	if roles == nil {
		roles = make(map[string][]string)
	}
	return &MemoryGroups{roles: roles}
}

func (m *MemoryGroups) Roles(_ context.Context, group string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roles[group], nil
}
