package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// RoleDetail is a role together with its granted permission names.
type RoleDetail struct {
	Role
	Permissions []string `json:"permissions"`
}

// RoleAdmin manages roles, grants and membership role links inside the
// caller's tenant. The tenant always comes from the request context.
type RoleAdmin struct {
	store Store
}

// NewRoleAdmin constructs a RoleAdmin.
func NewRoleAdmin(store Store) (*RoleAdmin, error) {
	if store == nil {
		return nil, errors.New("rbac store is required")
	}
	return &RoleAdmin{store: store}, nil
}

// ListPermissions returns the global catalog.
func (a *RoleAdmin) ListPermissions(ctx context.Context) ([]Permission, error) {
	return a.store.ListPermissions(ctx)
}

func (a *RoleAdmin) ListRoles(ctx context.Context, rc RequestContext) ([]Role, error) {
	tenantID, err := tenantOf(rc)
	if err != nil {
		return nil, err
	}
	return a.store.ListRoles(ctx, tenantID)
}

func (a *RoleAdmin) GetRole(ctx context.Context, rc RequestContext, roleID string) (RoleDetail, error) {
	tenantID, err := tenantOf(rc)
	if err != nil {
		return RoleDetail{}, err
	}
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return RoleDetail{}, fmt.Errorf("%w: role_id is required", ErrValidation)
	}
	role, err := a.store.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return RoleDetail{}, err
	}
	perms, err := a.store.RolePermissions(ctx, tenantID, roleID)
	if err != nil {
		return RoleDetail{}, err
	}
	return RoleDetail{Role: role, Permissions: sortedCopy(perms)}, nil
}

// CreateRole creates a role with optional initial grants. A duplicate name in
// the tenant is ErrConflict.
func (a *RoleAdmin) CreateRole(ctx context.Context, rc RequestContext, name, description string, permissions []string) (RoleDetail, error) {
	tenantID, err := tenantOf(rc)
	if err != nil {
		return RoleDetail{}, err
	}
	name, err = roleName(rc, name)
	if err != nil {
		return RoleDetail{}, err
	}
	names, err := a.checkPermissions(ctx, rc, permissions)
	if err != nil {
		return RoleDetail{}, err
	}
	role, err := a.store.CreateRole(ctx, RoleInput{
		TenantID:    tenantID,
		Name:        name,
		Description: strings.TrimSpace(description),
		Permissions: names,
	})
	if err != nil {
		return RoleDetail{}, err
	}
	return RoleDetail{Role: role, Permissions: sortedCopy(names)}, nil
}

// UpdateRole renames or re-describes a role. The Owner role keeps its name and
// only super-role callers may rename the Admin role.
func (a *RoleAdmin) UpdateRole(ctx context.Context, rc RequestContext, roleID string, upd RoleUpdate) (Role, error) {
	tenantID, role, err := a.role(ctx, rc, roleID)
	if err != nil {
		return Role{}, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name != role.Name {
			if isOwnerRole(role) {
				return Role{}, fmt.Errorf("%w: the %s role cannot be renamed", ErrForbidden, RoleOwner)
			}
			if isSuperRoleName(role.Name) {
				if err := guardSuper(rc, "rename the "+role.Name+" role"); err != nil {
					return Role{}, err
				}
			}
			if name, err = roleName(rc, name); err != nil {
				return Role{}, err
			}
		}
		upd.Name = &name
	}
	if upd.Description != nil {
		desc := strings.TrimSpace(*upd.Description)
		upd.Description = &desc
	}
	return a.store.UpdateRole(ctx, tenantID, role.ID, upd)
}

// DeleteRole removes a role with its grants and membership links atomically.
// The Owner role cannot be deleted and the Admin role only by super-role callers.
func (a *RoleAdmin) DeleteRole(ctx context.Context, rc RequestContext, roleID string) error {
	tenantID, role, err := a.role(ctx, rc, roleID)
	if err != nil {
		return err
	}
	if isOwnerRole(role) {
		return fmt.Errorf("%w: the %s role cannot be deleted", ErrForbidden, RoleOwner)
	}
	if isSuperRoleName(role.Name) {
		if err := guardSuper(rc, "delete the "+role.Name+" role"); err != nil {
			return err
		}
	}
	return a.store.DeleteRole(ctx, tenantID, role.ID)
}

// SetPermissionsForRole replaces the role's grants and returns the new set.
func (a *RoleAdmin) SetPermissionsForRole(ctx context.Context, rc RequestContext, roleID string, names []string) ([]string, error) {
	tenantID, role, err := a.role(ctx, rc, roleID)
	if err != nil {
		return nil, err
	}
	names, err = a.checkPermissions(ctx, rc, names)
	if err != nil {
		return nil, err
	}
	if err := a.store.ReplaceRolePermissions(ctx, tenantID, role.ID, names); err != nil {
		return nil, err
	}
	return a.rolePermissions(ctx, tenantID, role.ID)
}

// AddPermissionsToRole unions names into the role's grants.
func (a *RoleAdmin) AddPermissionsToRole(ctx context.Context, rc RequestContext, roleID string, names []string) ([]string, error) {
	tenantID, role, err := a.role(ctx, rc, roleID)
	if err != nil {
		return nil, err
	}
	names, err = a.checkPermissions(ctx, rc, names)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: at least one permission is required", ErrValidation)
	}
	if err := a.store.AddRolePermissions(ctx, tenantID, role.ID, names); err != nil {
		return nil, err
	}
	return a.rolePermissions(ctx, tenantID, role.ID)
}

// RemovePermissionsFromRole removes names from the role's grants.
func (a *RoleAdmin) RemovePermissionsFromRole(ctx context.Context, rc RequestContext, roleID string, names []string) ([]string, error) {
	tenantID, role, err := a.role(ctx, rc, roleID)
	if err != nil {
		return nil, err
	}
	names, err = a.checkPermissions(ctx, RequestContext{}, names)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: at least one permission is required", ErrValidation)
	}
	if err := a.store.RemoveRolePermissions(ctx, tenantID, role.ID, names); err != nil {
		return nil, err
	}
	return a.rolePermissions(ctx, tenantID, role.ID)
}

// SetRolesForUserInTenant replaces the membership's roles.
func (a *RoleAdmin) SetRolesForUserInTenant(ctx context.Context, rc RequestContext, userID string, roleIDs []string) ([]Role, error) {
	tenantID, userID, ids, err := a.membershipRoleArgs(ctx, rc, userID, roleIDs)
	if err != nil {
		return nil, err
	}
	if err := a.store.ReplaceMembershipRoles(ctx, tenantID, userID, ids); err != nil {
		return nil, err
	}
	return a.store.MembershipRoles(ctx, tenantID, userID)
}

// AddRolesForUserInTenant links additional roles to the membership.
func (a *RoleAdmin) AddRolesForUserInTenant(ctx context.Context, rc RequestContext, userID string, roleIDs []string) ([]Role, error) {
	tenantID, userID, ids, err := a.membershipRoleArgs(ctx, rc, userID, roleIDs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one role is required", ErrValidation)
	}
	if err := a.store.AddMembershipRoles(ctx, tenantID, userID, ids); err != nil {
		return nil, err
	}
	return a.store.MembershipRoles(ctx, tenantID, userID)
}

// RemoveRolesForUserInTenant unlinks roles from the membership.
func (a *RoleAdmin) RemoveRolesForUserInTenant(ctx context.Context, rc RequestContext, userID string, roleIDs []string) ([]Role, error) {
	tenantID, userID, ids, err := a.membershipRoleArgs(ctx, rc, userID, roleIDs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one role is required", ErrValidation)
	}
	if err := a.store.RemoveMembershipRoles(ctx, tenantID, userID, ids); err != nil {
		return nil, err
	}
	return a.store.MembershipRoles(ctx, tenantID, userID)
}

func (a *RoleAdmin) role(ctx context.Context, rc RequestContext, roleID string) (string, Role, error) {
	tenantID, err := tenantOf(rc)
	if err != nil {
		return "", Role{}, err
	}
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return "", Role{}, fmt.Errorf("%w: role_id is required", ErrValidation)
	}
	role, err := a.store.GetRole(ctx, tenantID, roleID)
	if err != nil {
		return "", Role{}, err
	}
	return tenantID, role, nil
}

func (a *RoleAdmin) rolePermissions(ctx context.Context, tenantID, roleID string) ([]string, error) {
	perms, err := a.store.RolePermissions(ctx, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	return sortedCopy(perms), nil
}

// membershipRoleArgs validates the tenant, the role ids and that the
// membership exists, in that order.
func (a *RoleAdmin) membershipRoleArgs(ctx context.Context, rc RequestContext, userID string, roleIDs []string) (string, string, []string, error) {
	tenantID, err := tenantOf(rc)
	if err != nil {
		return "", "", nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", "", nil, fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	ids, err := checkRoleIDs(ctx, a.store, rc, tenantID, roleIDs)
	if err != nil {
		return "", "", nil, err
	}
	if _, err := a.store.GetMembership(ctx, tenantID, userID); err != nil {
		return "", "", nil, err
	}
	return tenantID, userID, ids, nil
}

// checkPermissions dedupes names and fails with every unknown name listed.
// Granting the global wildcard needs a super-role caller; a zero rc skips
// that check for removals.
func (a *RoleAdmin) checkPermissions(ctx context.Context, rc RequestContext, names []string) ([]string, error) {
	names = dedupe(names)
	if len(names) == 0 {
		return nil, nil
	}
	if rc.Claims != nil && slices.Contains(names, Wildcard) {
		if err := guardSuper(rc, "grant "+Wildcard); err != nil {
			return nil, err
		}
	}
	catalog, err := a.store.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(catalog))
	for _, p := range catalog {
		known[p.Name] = struct{}{}
	}
	var unknown []string
	for _, n := range names {
		if _, ok := known[n]; !ok {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown permissions: %s", ErrBadRequest, strings.Join(unknown, ", "))
	}
	return names, nil
}

// checkRoleIDs dedupes ids and fails with every id that is not a role of
// tenantID. Linking or unlinking a super role needs a super-role caller.
func checkRoleIDs(ctx context.Context, store RoleStore, rc RequestContext, tenantID string, roleIDs []string) ([]string, error) {
	ids := dedupe(roleIDs)
	if len(ids) == 0 {
		return nil, nil
	}
	roles, err := store.RolesByIDs(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}
	found := make(map[string]struct{}, len(roles))
	var super []string
	for _, r := range roles {
		if r.TenantID != tenantID {
			continue
		}
		found[r.ID] = struct{}{}
		if isSuperRoleName(r.Name) {
			super = append(super, r.Name)
		}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: roles not found in tenant: %s", ErrBadRequest, strings.Join(missing, ", "))
	}
	if len(super) > 0 {
		sort.Strings(super)
		if err := guardSuper(rc, "assign the "+strings.Join(super, ", ")+" role"); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// roleName trims and validates a new role name. Owner is reserved since every
// tenant already has one. Admin is spelled canonically so the tenant's
// uniqueness check catches case variants, and only super-role callers may use it.
func roleName(rc RequestContext, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: role name is required", ErrValidation)
	}
	if len(name) > 64 {
		return "", fmt.Errorf("%w: role name is too long", ErrValidation)
	}
	switch {
	case strings.EqualFold(name, RoleOwner):
		return name, fmt.Errorf("%w: role name %q is reserved", ErrConflict, name)
	case strings.EqualFold(name, RoleAdminName):
		if err := guardSuper(rc, "create the "+RoleAdminName+" role"); err != nil {
			return name, err
		}
		return RoleAdminName, nil
	}
	return name, nil
}

// guardSuper fails with ErrForbidden unless the caller holds a super role.
func guardSuper(rc RequestContext, action string) error {
	if rc.Super() {
		return nil
	}
	return fmt.Errorf("%w: only %s or %s may %s", ErrForbidden, RoleOwner, RoleAdminName, action)
}

func isOwnerRole(r Role) bool { return strings.EqualFold(r.Name, RoleOwner) }

func tenantOf(rc RequestContext) (string, error) {
	if rc.Claims == nil {
		return "", fmt.Errorf("%w: missing session", ErrUnauthorized)
	}
	if t := strings.TrimSpace(rc.TenantID); t != "" {
		return t, nil
	}
	return "", fmt.Errorf("%w: tenant context is required", ErrBadRequest)
}

func sortedCopy(values []string) []string {
	out := append([]string{}, values...)
	sort.Strings(out)
	return out
}
