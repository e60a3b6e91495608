package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"stockroom.app/internal/auth"
)

// Route binds a handler to the requirement the gate enforces before it runs.
type Route struct {
	Method      string
	Pattern     string
	Requirement auth.Requirement
	Handler     http.HandlerFunc
}

var (
	public        = auth.Requirement{Public: true}
	authenticated = auth.Requirement{}
)

func tenantPerm(perms ...string) auth.Requirement {
	return auth.Requirement{TenantScoped: true, Permissions: perms}
}

func tenantRole(roles ...string) auth.Requirement {
	return auth.Requirement{TenantScoped: true, Roles: roles}
}

func (a *API) routes() []Route {
	return []Route{
		{http.MethodPost, "/v1/auth/owner/register", public, a.handleOwnerRegister},
		{http.MethodPost, "/v1/auth/owner/login", public, a.handleOwnerLogin},
		{http.MethodPost, "/v1/auth/member/login", public, a.handleMemberLogin},
		{http.MethodPost, "/v1/auth/password/forgot", public, a.handleForgotPassword},
		{http.MethodPost, "/v1/auth/password/reset", public, a.handleResetPassword},
		{http.MethodPost, "/v1/auth/password/change", authenticated, a.handleChangePassword},
		{http.MethodPost, "/v1/auth/invitations/accept", public, a.handleAcceptInvite},
		{http.MethodGet, "/v1/auth/check", authenticated, a.handleCheckSession},

		{http.MethodPost, "/v1/tenants", authenticated, a.handleCreateTenant},
		{http.MethodGet, "/v1/tenants", authenticated, a.handleListTenants},

		{http.MethodGet, "/v1/permissions", tenantPerm(auth.PermRolesRead), a.handleListPermissions},
		{http.MethodGet, "/v1/roles", tenantPerm(auth.PermRolesRead), a.handleListRoles},
		{http.MethodPost, "/v1/roles", tenantPerm(auth.PermRolesWrite), a.handleCreateRole},
		{http.MethodGet, "/v1/roles/{roleID}", tenantPerm(auth.PermRolesRead), a.handleGetRole},
		{http.MethodPatch, "/v1/roles/{roleID}", tenantPerm(auth.PermRolesWrite), a.handleUpdateRole},
		{http.MethodDelete, "/v1/roles/{roleID}", tenantPerm(auth.PermRolesDelete), a.handleDeleteRole},
		{http.MethodPut, "/v1/roles/{roleID}/permissions", tenantPerm(auth.PermRolesWrite), a.rolePermissions("rbac.role.permissions.set", a.svc.Roles.SetPermissionsForRole)},
		{http.MethodPost, "/v1/roles/{roleID}/permissions", tenantPerm(auth.PermRolesWrite), a.rolePermissions("rbac.role.permissions.added", a.svc.Roles.AddPermissionsToRole)},
		{http.MethodDelete, "/v1/roles/{roleID}/permissions", tenantPerm(auth.PermRolesWrite), a.rolePermissions("rbac.role.permissions.removed", a.svc.Roles.RemovePermissionsFromRole)},

		{http.MethodGet, "/v1/members", tenantPerm(auth.PermUsersRead), a.handleListMembers},
		{http.MethodPost, "/v1/members", tenantPerm(auth.PermUsersWrite), a.handleInviteMember},
		{http.MethodPost, "/v1/members/{userID}/resend", tenantPerm(auth.PermUsersWrite), a.handleResendInvite},
		{http.MethodPatch, "/v1/members/{userID}/status", tenantRole(auth.RoleOwner, auth.RoleAdminName), a.handleSetMemberStatus},
		{http.MethodPut, "/v1/members/{userID}/roles", tenantPerm(auth.PermUsersWrite), a.memberRoles("membership.roles.set", a.svc.Roles.SetRolesForUserInTenant)},
		{http.MethodPost, "/v1/members/{userID}/roles", tenantPerm(auth.PermUsersWrite), a.memberRoles("membership.roles.added", a.svc.Roles.AddRolesForUserInTenant)},
		{http.MethodDelete, "/v1/members/{userID}/roles", tenantPerm(auth.PermUsersWrite), a.memberRoles("membership.roles.removed", a.svc.Roles.RemoveRolesForUserInTenant)},
	}
}

func (a *API) mount(r chi.Router, routes []Route) {
	for _, rt := range routes {
		r.With(a.gated(rt.Requirement)).Method(rt.Method, rt.Pattern, rt.Handler)
	}
}
