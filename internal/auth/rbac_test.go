package auth_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"stockroom.app/internal/auth"
)

var writeInventory = auth.Requirement{TenantScoped: true, Permissions: []string{"inventory.write"}}

func TestPackerGainsAccessAfterModuleWildcard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, ownerTok := f.owner(t, "boss@x.com", "acme")
	ownerRC := f.rc(t, ownerTok)

	packer, err := f.admin.CreateRole(ctx, ownerRC, "Packer", "Warehouse floor", []string{"inventory.read"})
	require.NoError(t, err)
	f.member(t, tenant.ID, "m@x.com", packer.ID)

	login, err := f.sessions.MemberLogin(ctx, "m@x.com", "password1", "")
	require.NoError(t, err)
	_, err = f.gate.Check(login.Token, "", writeInventory)
	require.ErrorIs(t, err, auth.ErrForbidden)

	perms, err := f.admin.AddPermissionsToRole(ctx, ownerRC, packer.ID, []string{"inventory.*"})
	require.NoError(t, err)
	require.Equal(t, []string{"inventory.*", "inventory.read"}, perms)

	// The old token is a snapshot and stays denied.
	_, err = f.gate.Check(login.Token, "", writeInventory)
	require.ErrorIs(t, err, auth.ErrForbidden)

	fresh, err := f.sessions.MemberLogin(ctx, "m@x.com", "password1", "")
	require.NoError(t, err)
	d, err := f.gate.Check(fresh.Token, tenant.ID, writeInventory)
	require.NoError(t, err)
	require.True(t, d.Allowed())
}

func TestDeleteRoleRemovesGrantsAndLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, ownerTok := f.owner(t, "boss@x.com", "acme")
	ownerRC := f.rc(t, ownerTok)
	packer, err := f.admin.CreateRole(ctx, ownerRC, "Packer", "", []string{"inventory.read", "orders.read"})
	require.NoError(t, err)
	clerk, err := f.admin.CreateRole(ctx, ownerRC, "Clerk", "", []string{"orders.write"})
	require.NoError(t, err)

	var users []auth.User
	for _, email := range []string{"p1@x.com", "p2@x.com", "p3@x.com"} {
		users = append(users, f.member(t, tenant.ID, email, packer.ID, clerk.ID))
	}

	require.NoError(t, f.admin.DeleteRole(ctx, ownerRC, packer.ID))

	_, err = f.admin.GetRole(ctx, ownerRC, packer.ID)
	require.ErrorIs(t, err, auth.ErrNotFound)
	for _, u := range users {
		_, err := f.store.GetMembership(ctx, tenant.ID, u.ID)
		require.NoError(t, err)
		roles, err := f.store.MembershipRoles(ctx, tenant.ID, u.ID)
		require.NoError(t, err)
		require.Len(t, roles, 1)
		require.Equal(t, "Clerk", roles[0].Name)
		perms, err := f.store.MembershipPermissions(ctx, tenant.ID, u.ID)
		require.NoError(t, err)
		require.Equal(t, []string{"orders.write"}, perms)
	}
}

func TestOwnerRoleIsProtected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, ownerTok := f.owner(t, "boss@x.com", "acme")
	ownerRC := f.rc(t, ownerTok)
	roles, err := f.admin.ListRoles(ctx, ownerRC)
	require.NoError(t, err)
	require.Len(t, roles, 2)

	var ownerRole, adminRole auth.Role
	for _, r := range roles {
		switch r.Name {
		case auth.RoleOwner:
			ownerRole = r
		case auth.RoleAdminName:
			adminRole = r
		}
	}
	require.Equal(t, tenant.ID, ownerRole.TenantID)

	err = f.admin.DeleteRole(ctx, ownerRC, ownerRole.ID)
	require.ErrorIs(t, err, auth.ErrForbidden)
	rename := "Boss"
	_, err = f.admin.UpdateRole(ctx, ownerRC, ownerRole.ID, auth.RoleUpdate{Name: &rename})
	require.ErrorIs(t, err, auth.ErrForbidden)

	desc := "edited"
	updated, err := f.admin.UpdateRole(ctx, ownerRC, ownerRole.ID, auth.RoleUpdate{Description: &desc})
	require.NoError(t, err)
	require.Equal(t, "edited", updated.Description)

	// Admin is an ordinary role apart from its bypass.
	rename = "Managers"
	renamed, err := f.admin.UpdateRole(ctx, ownerRC, adminRole.ID, auth.RoleUpdate{Name: &rename})
	require.NoError(t, err)
	require.Equal(t, "Managers", renamed.Name)
	require.NoError(t, f.admin.DeleteRole(ctx, ownerRC, adminRole.ID))

	recreated, err := f.admin.CreateRole(ctx, ownerRC, "admin", "", nil)
	require.NoError(t, err)
	require.Equal(t, auth.RoleAdminName, recreated.Name)
}

func TestCreateRoleConflictsAndReservedNames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ownerTok := f.owner(t, "boss@x.com", "acme")
	rc := f.rc(t, ownerTok)

	_, err := f.admin.CreateRole(ctx, rc, "Packer", "", nil)
	require.NoError(t, err)
	_, err = f.admin.CreateRole(ctx, rc, "Packer", "", nil)
	require.ErrorIs(t, err, auth.ErrConflict)
	_, err = f.admin.CreateRole(ctx, rc, "admin", "", nil)
	require.ErrorIs(t, err, auth.ErrConflict)
	_, err = f.admin.CreateRole(ctx, rc, "OWNER", "", nil)
	require.ErrorIs(t, err, auth.ErrConflict)
	_, err = f.admin.CreateRole(ctx, rc, "  ", "", nil)
	require.ErrorIs(t, err, auth.ErrValidation)
}

func TestOnlySuperRolesHandOutSuperPower(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, ownerTok := f.owner(t, "boss@x.com", "acme")
	ownerRC := f.rc(t, ownerTok)
	roles, err := f.admin.ListRoles(ctx, ownerRC)
	require.NoError(t, err)
	byName := map[string]auth.Role{}
	for _, r := range roles {
		byName[r.Name] = r
	}

	hr, err := f.admin.CreateRole(ctx, ownerRC, "HR", "", []string{auth.PermUsersWrite, auth.PermRolesWrite})
	require.NoError(t, err)
	staff := f.member(t, tenant.ID, "hr@x.com", hr.ID)
	login, err := f.sessions.MemberLogin(ctx, "hr@x.com", "password1", "")
	require.NoError(t, err)
	hrRC := f.rc(t, login.Token)
	require.False(t, hrRC.Super())
	require.True(t, ownerRC.Super())

	for _, name := range []string{auth.RoleOwner, auth.RoleAdminName} {
		_, err = f.admin.AddRolesForUserInTenant(ctx, hrRC, staff.ID, []string{byName[name].ID})
		require.ErrorIs(t, err, auth.ErrForbidden, name)
		_, err = f.tenants.InviteMember(ctx, hrRC, "new-"+name+"@x.com", []string{byName[name].ID})
		require.ErrorIs(t, err, auth.ErrForbidden, name)
	}
	_, err = f.admin.AddPermissionsToRole(ctx, hrRC, hr.ID, []string{auth.Wildcard})
	require.ErrorIs(t, err, auth.ErrForbidden)
	_, err = f.admin.SetPermissionsForRole(ctx, hrRC, hr.ID, []string{auth.Wildcard, auth.PermUsersWrite})
	require.ErrorIs(t, err, auth.ErrForbidden)
	_, err = f.admin.CreateRole(ctx, hrRC, "Root", "", []string{auth.Wildcard})
	require.ErrorIs(t, err, auth.ErrForbidden)
	_, err = f.admin.CreateRole(ctx, hrRC, "ADMIN", "", nil)
	require.ErrorIs(t, err, auth.ErrForbidden)
	err = f.admin.DeleteRole(ctx, hrRC, byName[auth.RoleAdminName].ID)
	require.ErrorIs(t, err, auth.ErrForbidden)

	roles, err = f.store.MembershipRoles(ctx, tenant.ID, staff.ID)
	require.NoError(t, err)
	require.Len(t, roles, 1)
	require.Equal(t, "HR", roles[0].Name)

	// Module wildcards and ordinary roles stay delegable.
	perms, err := f.admin.AddPermissionsToRole(ctx, hrRC, hr.ID, []string{"inventory.*"})
	require.NoError(t, err)
	require.Contains(t, perms, "inventory.*")

	// Super-role callers may hand out both.
	_, err = f.admin.AddRolesForUserInTenant(ctx, ownerRC, staff.ID, []string{byName[auth.RoleAdminName].ID})
	require.NoError(t, err)
	_, err = f.admin.AddPermissionsToRole(ctx, ownerRC, hr.ID, []string{auth.Wildcard})
	require.NoError(t, err)
}

func TestUnknownPermissionsAreAllListed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, ownerTok := f.owner(t, "boss@x.com", "acme")
	rc := f.rc(t, ownerTok)
	role, err := f.admin.CreateRole(ctx, rc, "Packer", "", []string{"inventory.read"})
	require.NoError(t, err)

	_, err = f.admin.SetPermissionsForRole(ctx, rc, role.ID, []string{"inventory.write", "bogus.read", "nope"})
	require.ErrorIs(t, err, auth.ErrBadRequest)
	require.Contains(t, err.Error(), "bogus.read")
	require.Contains(t, err.Error(), "nope")

	perms, err := f.store.RolePermissions(ctx, rc.TenantID, role.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"inventory.read"}, perms)

	perms, err = f.admin.SetPermissionsForRole(ctx, rc, role.ID, []string{"orders.read", "orders.write"})
	require.NoError(t, err)
	require.Equal(t, []string{"orders.read", "orders.write"}, perms)

	perms, err = f.admin.RemovePermissionsFromRole(ctx, rc, role.ID, []string{"orders.write"})
	require.NoError(t, err)
	require.Equal(t, []string{"orders.read"}, perms)
}

func TestMembershipRolesStayInTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenantA, tokA := f.owner(t, "a@x.com", "tenant-a")
	_, tokB := f.owner(t, "b@x.com", "tenant-b")
	rcA, rcB := f.rc(t, tokA), f.rc(t, tokB)

	roleA, err := f.admin.CreateRole(ctx, rcA, "Packer", "", nil)
	require.NoError(t, err)
	roleB, err := f.admin.CreateRole(ctx, rcB, "Packer", "", nil)
	require.NoError(t, err)
	u := f.member(t, tenantA.ID, "m@x.com")

	_, err = f.admin.AddRolesForUserInTenant(ctx, rcA, u.ID, []string{roleA.ID, roleB.ID, "missing"})
	require.ErrorIs(t, err, auth.ErrBadRequest)
	require.Contains(t, err.Error(), roleB.ID)
	require.Contains(t, err.Error(), "missing")

	roles, err := f.admin.SetRolesForUserInTenant(ctx, rcA, u.ID, []string{roleA.ID})
	require.NoError(t, err)
	require.Len(t, roles, 1)

	// Tenant B cannot touch tenant A's member.
	_, err = f.admin.SetRolesForUserInTenant(ctx, rcB, u.ID, []string{roleB.ID})
	require.ErrorIs(t, err, auth.ErrNotFound)

	roles, err = f.admin.RemoveRolesForUserInTenant(ctx, rcA, u.ID, []string{roleA.ID})
	require.NoError(t, err)
	require.Empty(t, roles)
}

func TestRoleAdminRequiresTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg, err := f.sessions.OwnerRegister(ctx, "g@x.com", "password1", "")
	require.NoError(t, err)
	_, err = f.admin.ListRoles(ctx, f.rc(t, reg.Token))
	require.ErrorIs(t, err, auth.ErrBadRequest)
	_, err = f.admin.ListRoles(ctx, auth.RequestContext{})
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}
