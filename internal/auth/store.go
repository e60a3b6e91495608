package auth

import (
	"context"
	"time"
)

// Store is the persistence boundary of the identity core. Implementations
// enforce uniqueness at the storage level and translate violations into
// ErrAlreadyExists or ErrConflict, and missing rows into ErrNotFound.
// Every tenant-owned read or write takes the tenant id as a predicate.
type Store interface {
	UserStore
	TenantStore
	MembershipStore
	RoleStore
	PermissionStore
}

// UserStore manages global identities.
type UserStore interface {
	// CreateUser inserts u; the email must already be normalized.
	CreateUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error)
}

// UserUpdate carries optional user mutations.
type UserUpdate struct {
	PasswordHash *string
	Name         *string
	Active       *bool
}

// TenantBootstrap is everything created together with a tenant.
type TenantBootstrap struct {
	Tenant      Tenant
	OwnerUserID string
	// AcceptedAt stamps the owner membership.
	AcceptedAt time.Time
	// Roles are seeded with every name in Permissions and the first one is
	// assigned to the owner membership.
	Roles       []string
	Permissions []string
}

// TenantStore manages tenants.
type TenantStore interface {
	// CreateTenant creates the tenant, its owner membership and seeded roles
	// atomically.
	CreateTenant(ctx context.Context, b TenantBootstrap) (Tenant, Membership, error)
	GetTenant(ctx context.Context, id string) (Tenant, error)
}

// MembershipStore manages user×tenant memberships and their role links.
type MembershipStore interface {
	// CreateMembership inserts m and links roleIDs in one transaction.
	CreateMembership(ctx context.Context, m Membership, roleIDs []string) (Membership, error)
	GetMembership(ctx context.Context, tenantID, userID string) (Membership, error)
	UpdateMembershipStatus(ctx context.Context, tenantID, userID string, status MembershipStatus, acceptedAt *time.Time) (Membership, error)
	ListMembershipsForUser(ctx context.Context, userID string) ([]MembershipTenant, error)
	ListMembers(ctx context.Context, tenantID string) ([]Member, error)

	// MembershipRoles and MembershipPermissions are empty for an unknown membership.
	MembershipRoles(ctx context.Context, tenantID, userID string) ([]Role, error)
	// ReplaceMembershipRoles swaps the full role set in one transaction.
	ReplaceMembershipRoles(ctx context.Context, tenantID, userID string, roleIDs []string) error
	AddMembershipRoles(ctx context.Context, tenantID, userID string, roleIDs []string) error
	RemoveMembershipRoles(ctx context.Context, tenantID, userID string, roleIDs []string) error
	// MembershipPermissions is the union of grants over the membership's roles.
	MembershipPermissions(ctx context.Context, tenantID, userID string) ([]string, error)
}

// RoleInput describes a role to create together with its initial grants.
type RoleInput struct {
	TenantID    string
	Name        string
	Description string
	Permissions []string
}

// RoleUpdate carries optional role mutations.
type RoleUpdate struct {
	Name        *string
	Description *string
}

// RoleStore manages tenant-scoped roles and their permission grants.
type RoleStore interface {
	CreateRole(ctx context.Context, in RoleInput) (Role, error)
	GetRole(ctx context.Context, tenantID, roleID string) (Role, error)
	ListRoles(ctx context.Context, tenantID string) ([]Role, error)
	UpdateRole(ctx context.Context, tenantID, roleID string, upd RoleUpdate) (Role, error)
	// DeleteRole removes the role together with its grants and membership links.
	DeleteRole(ctx context.Context, tenantID, roleID string) error
	// RolesByIDs returns the subset of ids that are roles of tenantID.
	RolesByIDs(ctx context.Context, tenantID string, ids []string) ([]Role, error)

	RolePermissions(ctx context.Context, tenantID, roleID string) ([]string, error)
	// ReplaceRolePermissions swaps the full grant set in one transaction.
	ReplaceRolePermissions(ctx context.Context, tenantID, roleID string, names []string) error
	AddRolePermissions(ctx context.Context, tenantID, roleID string, names []string) error
	RemoveRolePermissions(ctx context.Context, tenantID, roleID string, names []string) error
}

// PermissionStore manages the global permission catalog.
type PermissionStore interface {
	EnsurePermissions(ctx context.Context, perms []Permission) error
	ListPermissions(ctx context.Context) ([]Permission, error)
}

// Mailer delivers outbound mail. A failure is reported, never dropped.
type Mailer interface {
	SendMail(ctx context.Context, to, subject, html string) error
}

// Throttle decides whether another attempt for key is allowed now.
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
}
