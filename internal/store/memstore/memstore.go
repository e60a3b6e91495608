// Package memstore is an in-memory auth.Store. It enforces the same
// uniqueness and tenant-scoping rules as the Postgres store and is used by
// tests and local development.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"stockroom.app/internal/auth"
	"stockroom.app/internal/ids"
)

var _ auth.Store = (*Store)(nil)

// Store keeps every table in maps guarded by one lock. Multi-row mutations
// happen under the write lock, so readers never see them half applied.
type Store struct {
	mu sync.RWMutex

	users       map[string]auth.User
	usersEmail  map[string]string
	tenants     map[string]auth.Tenant
	tenantsSlug map[string]string
	memberships map[string]auth.Membership
	memberKey   map[string]string // tenant/user -> membership id
	roles       map[string]auth.Role
	roleKey     map[string]string // tenant/name -> role id
	perms       map[string]auth.Permission
	grants      map[string]map[string]struct{} // role id -> permission names
	links       map[string]map[string]struct{} // membership id -> role ids

	now func() time.Time
}

// New returns a store seeded with auth.BuiltinPermissions.
func New() *Store {
	s := &Store{
		users:       map[string]auth.User{},
		usersEmail:  map[string]string{},
		tenants:     map[string]auth.Tenant{},
		tenantsSlug: map[string]string{},
		memberships: map[string]auth.Membership{},
		memberKey:   map[string]string{},
		roles:       map[string]auth.Role{},
		roleKey:     map[string]string{},
		perms:       map[string]auth.Permission{},
		grants:      map[string]map[string]struct{}{},
		links:       map[string]map[string]struct{}{},
		now:         time.Now,
	}
	_ = s.EnsurePermissions(context.Background(), auth.BuiltinPermissions)
	return s
}

func key(a, b string) string { return a + "/" + b }

func (s *Store) stamp() time.Time { return s.now().UTC() }

// ---- users ----

func (s *Store) CreateUser(_ context.Context, u auth.User) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Email = auth.NormalizeEmail(u.Email)
	if _, ok := s.usersEmail[u.Email]; ok {
		return auth.User{}, fmt.Errorf("%w: email", auth.ErrAlreadyExists)
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	now := s.stamp()
	u.CreatedAt, u.UpdatedAt = now, now
	s.users[u.ID] = u
	s.usersEmail[u.Email] = u.ID
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, fmt.Errorf("%w: user", auth.ErrNotFound)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersEmail[auth.NormalizeEmail(email)]
	if !ok {
		return auth.User{}, fmt.Errorf("%w: user", auth.ErrNotFound)
	}
	return s.users[id], nil
}

func (s *Store) UpdateUser(_ context.Context, id string, upd auth.UserUpdate) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, fmt.Errorf("%w: user", auth.ErrNotFound)
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
	}
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.Active != nil {
		u.Active = *upd.Active
	}
	u.UpdatedAt = s.stamp()
	s.users[id] = u
	return u, nil
}

// ---- tenants ----

func (s *Store) CreateTenant(_ context.Context, b auth.TenantBootstrap) (auth.Tenant, auth.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[b.OwnerUserID]; !ok {
		return auth.Tenant{}, auth.Membership{}, fmt.Errorf("%w: owner user", auth.ErrNotFound)
	}
	if _, ok := s.tenantsSlug[b.Tenant.Slug]; ok {
		return auth.Tenant{}, auth.Membership{}, fmt.Errorf("%w: tenant slug", auth.ErrAlreadyExists)
	}
	for _, name := range b.Permissions {
		if _, ok := s.perms[name]; !ok {
			return auth.Tenant{}, auth.Membership{}, fmt.Errorf("%w: permission %s", auth.ErrNotFound, name)
		}
	}
	now := s.stamp()
	t := b.Tenant
	t.ID = ids.New()
	t.CreatedAt, t.UpdatedAt = now, now
	s.tenants[t.ID] = t
	s.tenantsSlug[t.Slug] = t.ID

	accepted := b.AcceptedAt
	m := auth.Membership{
		ID:         ids.New(),
		UserID:     b.OwnerUserID,
		TenantID:   t.ID,
		Status:     auth.StatusActive,
		IsOwner:    true,
		AcceptedAt: &accepted,
		CreatedAt:  now,
	}
	s.memberships[m.ID] = m
	s.memberKey[key(t.ID, m.UserID)] = m.ID
	s.links[m.ID] = map[string]struct{}{}

	for i, name := range b.Roles {
		r := auth.Role{ID: ids.New(), TenantID: t.ID, Name: name, CreatedAt: now, UpdatedAt: now}
		s.roles[r.ID] = r
		s.roleKey[key(t.ID, name)] = r.ID
		set := make(map[string]struct{}, len(b.Permissions))
		for _, p := range b.Permissions {
			set[p] = struct{}{}
		}
		s.grants[r.ID] = set
		if i == 0 {
			s.links[m.ID][r.ID] = struct{}{}
		}
	}
	return t, m, nil
}

func (s *Store) GetTenant(_ context.Context, id string) (auth.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return auth.Tenant{}, fmt.Errorf("%w: tenant", auth.ErrNotFound)
	}
	return t, nil
}

// ---- memberships ----

func (s *Store) CreateMembership(_ context.Context, m auth.Membership, roleIDs []string) (auth.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[m.UserID]; !ok {
		return auth.Membership{}, fmt.Errorf("%w: user", auth.ErrNotFound)
	}
	if _, ok := s.tenants[m.TenantID]; !ok {
		return auth.Membership{}, fmt.Errorf("%w: tenant", auth.ErrNotFound)
	}
	if _, ok := s.memberKey[key(m.TenantID, m.UserID)]; ok {
		return auth.Membership{}, fmt.Errorf("%w: membership", auth.ErrAlreadyExists)
	}
	if err := s.checkRolesLocked(m.TenantID, roleIDs); err != nil {
		return auth.Membership{}, err
	}
	m.ID = ids.New()
	m.CreatedAt = s.stamp()
	s.memberships[m.ID] = m
	s.memberKey[key(m.TenantID, m.UserID)] = m.ID
	set := map[string]struct{}{}
	for _, id := range roleIDs {
		set[id] = struct{}{}
	}
	s.links[m.ID] = set
	return m, nil
}

func (s *Store) GetMembership(_ context.Context, tenantID, userID string) (auth.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.membershipLocked(tenantID, userID)
	if !ok {
		return auth.Membership{}, fmt.Errorf("%w: membership", auth.ErrNotFound)
	}
	return m, nil
}

func (s *Store) UpdateMembershipStatus(_ context.Context, tenantID, userID string, status auth.MembershipStatus, acceptedAt *time.Time) (auth.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.membershipLocked(tenantID, userID)
	if !ok {
		return auth.Membership{}, fmt.Errorf("%w: membership", auth.ErrNotFound)
	}
	m.Status = status
	m.AcceptedAt = acceptedAt
	s.memberships[m.ID] = m
	return m, nil
}

func (s *Store) ListMembershipsForUser(_ context.Context, userID string) ([]auth.MembershipTenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.MembershipTenant
	for _, m := range s.memberships {
		if m.UserID != userID {
			continue
		}
		t := s.tenants[m.TenantID]
		out = append(out, auth.MembershipTenant{
			Membership: m,
			Tenant:     auth.TenantSummary{ID: t.ID, Name: t.Name, Slug: t.Slug},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tenant.Name < out[j].Tenant.Name })
	return out, nil
}

func (s *Store) ListMembers(_ context.Context, tenantID string) ([]auth.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Member
	for _, m := range s.memberships {
		if m.TenantID != tenantID {
			continue
		}
		u := s.users[m.UserID]
		roles := s.membershipRolesLocked(m.ID)
		names := make([]string, 0, len(roles))
		for _, r := range roles {
			names = append(names, r.Name)
		}
		out = append(out, auth.Member{Membership: m, Email: u.Email, Name: u.Name, Roles: names})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

// MembershipRoles is empty for an unknown membership.
func (s *Store) MembershipRoles(_ context.Context, tenantID, userID string) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.membershipLocked(tenantID, userID)
	if !ok {
		return []auth.Role{}, nil
	}
	return s.membershipRolesLocked(m.ID), nil
}

func (s *Store) ReplaceMembershipRoles(_ context.Context, tenantID, userID string, roleIDs []string) error {
	return s.mutateLinks(tenantID, userID, roleIDs, func(set map[string]struct{}) map[string]struct{} {
		next := make(map[string]struct{}, len(roleIDs))
		for _, id := range roleIDs {
			next[id] = struct{}{}
		}
		return next
	})
}

func (s *Store) AddMembershipRoles(_ context.Context, tenantID, userID string, roleIDs []string) error {
	return s.mutateLinks(tenantID, userID, roleIDs, func(set map[string]struct{}) map[string]struct{} {
		for _, id := range roleIDs {
			set[id] = struct{}{}
		}
		return set
	})
}

func (s *Store) RemoveMembershipRoles(_ context.Context, tenantID, userID string, roleIDs []string) error {
	return s.mutateLinks(tenantID, userID, roleIDs, func(set map[string]struct{}) map[string]struct{} {
		for _, id := range roleIDs {
			delete(set, id)
		}
		return set
	})
}

func (s *Store) MembershipPermissions(_ context.Context, tenantID, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.membershipLocked(tenantID, userID)
	if !ok {
		return []string{}, nil
	}
	set := map[string]struct{}{}
	for roleID := range s.links[m.ID] {
		for name := range s.grants[roleID] {
			set[name] = struct{}{}
		}
	}
	return sortedKeys(set), nil
}

func (s *Store) mutateLinks(tenantID, userID string, roleIDs []string, fn func(map[string]struct{}) map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.membershipLocked(tenantID, userID)
	if !ok {
		return fmt.Errorf("%w: membership", auth.ErrNotFound)
	}
	if err := s.checkRolesLocked(tenantID, roleIDs); err != nil {
		return err
	}
	cur := make(map[string]struct{}, len(s.links[m.ID]))
	for id := range s.links[m.ID] {
		cur[id] = struct{}{}
	}
	s.links[m.ID] = fn(cur)
	return nil
}

func (s *Store) membershipLocked(tenantID, userID string) (auth.Membership, bool) {
	id, ok := s.memberKey[key(tenantID, userID)]
	if !ok {
		return auth.Membership{}, false
	}
	return s.memberships[id], true
}

func (s *Store) membershipRolesLocked(membershipID string) []auth.Role {
	out := make([]auth.Role, 0, len(s.links[membershipID]))
	for id := range s.links[membershipID] {
		out = append(out, s.roles[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// checkRolesLocked mirrors the composite (role_id, tenant_id) foreign key.
func (s *Store) checkRolesLocked(tenantID string, roleIDs []string) error {
	for _, id := range roleIDs {
		r, ok := s.roles[id]
		if !ok || r.TenantID != tenantID {
			return fmt.Errorf("%w: role %s", auth.ErrNotFound, id)
		}
	}
	return nil
}

// ---- roles ----

func (s *Store) CreateRole(_ context.Context, in auth.RoleInput) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[in.TenantID]; !ok {
		return auth.Role{}, fmt.Errorf("%w: tenant", auth.ErrNotFound)
	}
	if _, ok := s.roleKey[key(in.TenantID, in.Name)]; ok {
		return auth.Role{}, fmt.Errorf("%w: role name", auth.ErrConflict)
	}
	if err := s.checkPermsLocked(in.Permissions); err != nil {
		return auth.Role{}, err
	}
	now := s.stamp()
	r := auth.Role{ID: ids.New(), TenantID: in.TenantID, Name: in.Name, Description: in.Description, CreatedAt: now, UpdatedAt: now}
	s.roles[r.ID] = r
	s.roleKey[key(r.TenantID, r.Name)] = r.ID
	set := map[string]struct{}{}
	for _, p := range in.Permissions {
		set[p] = struct{}{}
	}
	s.grants[r.ID] = set
	return r, nil
}

func (s *Store) GetRole(_ context.Context, tenantID, roleID string) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roleLocked(tenantID, roleID)
	if !ok {
		return auth.Role{}, fmt.Errorf("%w: role", auth.ErrNotFound)
	}
	return r, nil
}

func (s *Store) ListRoles(_ context.Context, tenantID string) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Role
	for _, r := range s.roles {
		if r.TenantID == tenantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UpdateRole(_ context.Context, tenantID, roleID string, upd auth.RoleUpdate) (auth.Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roleLocked(tenantID, roleID)
	if !ok {
		return auth.Role{}, fmt.Errorf("%w: role", auth.ErrNotFound)
	}
	if upd.Name != nil && *upd.Name != r.Name {
		if _, taken := s.roleKey[key(tenantID, *upd.Name)]; taken {
			return auth.Role{}, fmt.Errorf("%w: role name", auth.ErrConflict)
		}
		delete(s.roleKey, key(tenantID, r.Name))
		r.Name = *upd.Name
		s.roleKey[key(tenantID, r.Name)] = r.ID
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	r.UpdatedAt = s.stamp()
	s.roles[r.ID] = r
	return r, nil
}

func (s *Store) DeleteRole(_ context.Context, tenantID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roleLocked(tenantID, roleID)
	if !ok {
		return fmt.Errorf("%w: role", auth.ErrNotFound)
	}
	for _, set := range s.links {
		delete(set, r.ID)
	}
	delete(s.grants, r.ID)
	delete(s.roleKey, key(tenantID, r.Name))
	delete(s.roles, r.ID)
	return nil
}

func (s *Store) RolesByIDs(_ context.Context, tenantID string, roleIDs []string) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Role
	for _, id := range roleIDs {
		if r, ok := s.roleLocked(tenantID, id); ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) RolePermissions(_ context.Context, tenantID, roleID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.roleLocked(tenantID, roleID)
	if !ok {
		return []string{}, nil
	}
	return sortedKeys(s.grants[r.ID]), nil
}

func (s *Store) ReplaceRolePermissions(_ context.Context, tenantID, roleID string, names []string) error {
	return s.mutateGrants(tenantID, roleID, names, func(map[string]struct{}) map[string]struct{} {
		next := make(map[string]struct{}, len(names))
		for _, n := range names {
			next[n] = struct{}{}
		}
		return next
	})
}

func (s *Store) AddRolePermissions(_ context.Context, tenantID, roleID string, names []string) error {
	return s.mutateGrants(tenantID, roleID, names, func(set map[string]struct{}) map[string]struct{} {
		for _, n := range names {
			set[n] = struct{}{}
		}
		return set
	})
}

func (s *Store) RemoveRolePermissions(_ context.Context, tenantID, roleID string, names []string) error {
	return s.mutateGrants(tenantID, roleID, names, func(set map[string]struct{}) map[string]struct{} {
		for _, n := range names {
			delete(set, n)
		}
		return set
	})
}

func (s *Store) mutateGrants(tenantID, roleID string, names []string, fn func(map[string]struct{}) map[string]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roleLocked(tenantID, roleID)
	if !ok {
		return fmt.Errorf("%w: role", auth.ErrNotFound)
	}
	if err := s.checkPermsLocked(names); err != nil {
		return err
	}
	cur := make(map[string]struct{}, len(s.grants[r.ID]))
	for n := range s.grants[r.ID] {
		cur[n] = struct{}{}
	}
	s.grants[r.ID] = fn(cur)
	r.UpdatedAt = s.stamp()
	s.roles[r.ID] = r
	return nil
}

func (s *Store) roleLocked(tenantID, roleID string) (auth.Role, bool) {
	r, ok := s.roles[roleID]
	if !ok || r.TenantID != tenantID {
		return auth.Role{}, false
	}
	return r, true
}

func (s *Store) checkPermsLocked(names []string) error {
	for _, n := range names {
		if _, ok := s.perms[n]; !ok {
			return fmt.Errorf("%w: permission %s", auth.ErrNotFound, n)
		}
	}
	return nil
}

// ---- permissions ----

func (s *Store) EnsurePermissions(_ context.Context, perms []auth.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.stamp()
	for _, p := range perms {
		if existing, ok := s.perms[p.Name]; ok {
			existing.Description = p.Description
			s.perms[p.Name] = existing
			continue
		}
		p.ID = ids.New()
		p.CreatedAt = now
		s.perms[p.Name] = p
	}
	return nil
}

func (s *Store) ListPermissions(_ context.Context) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Ping always succeeds; it lets the store serve as a readiness check.
func (s *Store) Ping(context.Context) error { return nil }

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
