package auth

import (
	"strings"
	"time"
)

// MembershipStatus is the lifecycle state of a user's membership in a tenant.
type MembershipStatus string

const (
	StatusInvited   MembershipStatus = "invited"
	StatusActive    MembershipStatus = "active"
	StatusSuspended MembershipStatus = "suspended"
)

// Valid reports whether s is one of the known statuses.
func (s MembershipStatus) Valid() bool {
	switch s {
	case StatusInvited, StatusActive, StatusSuspended:
		return true
	}
	return false
}

// User is a global identity. Users are deactivated, never hard-deleted.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tenant is an organization; every scoped resource hangs off one.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Currency  string    `json:"currency,omitempty"`
	Timezone  string    `json:"timezone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TenantSummary is the candidate shape returned when a login needs a tenant choice.
type TenantSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Membership ties a user to a tenant and roots permission resolution there.
type Membership struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	TenantID   string           `json:"tenant_id"`
	Status     MembershipStatus `json:"status"`
	IsOwner    bool             `json:"is_owner"`
	InvitedAt  *time.Time       `json:"invited_at,omitempty"`
	AcceptedAt *time.Time       `json:"accepted_at,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// MembershipTenant is a membership joined with its tenant summary.
type MembershipTenant struct {
	Membership Membership
	Tenant     TenantSummary
}

// Member is a membership joined with the user's public fields and role names.
type Member struct {
	Membership
	Email string   `json:"email"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// Role is a tenant-scoped named bundle of permissions.
type Role struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a global capability name such as "inventory.read" or "*".
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// NormalizeEmail trims and lower-cases an address for lookups and uniqueness.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
