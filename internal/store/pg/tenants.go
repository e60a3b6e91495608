package pg

import (
	"context"
	"database/sql"
	"fmt"

	"stockroom.app/internal/auth"
	"stockroom.app/internal/ids"
)

// CreateTenant inserts the tenant, the owner's active membership and the
// seeded roles with their grants in one transaction. The first seeded role is
// linked to the owner membership.
func (s *Store) CreateTenant(ctx context.Context, b auth.TenantBootstrap) (auth.Tenant, auth.Membership, error) {
	if s.db == nil {
		return auth.Tenant{}, auth.Membership{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Tenant{}, auth.Membership{}, err
	}
	defer func() { _ = tx.Rollback() }()

	t := b.Tenant
	t.ID = ids.New()
	if t.Currency == "" {
		t.Currency = "USD"
	}
	if t.Timezone == "" {
		t.Timezone = "UTC"
	}
	if err := tx.QueryRowContext(ctx, `
		insert into tenants (id, name, slug, currency, timezone)
		values ($1, $2, $3, $4, $5)
		returning created_at, updated_at
	`, t.ID, t.Name, t.Slug, t.Currency, t.Timezone).Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		return auth.Tenant{}, auth.Membership{}, translate(err, auth.ErrAlreadyExists, "tenant slug")
	}

	accepted := b.AcceptedAt
	m := auth.Membership{
		ID:         ids.New(),
		UserID:     b.OwnerUserID,
		TenantID:   t.ID,
		Status:     auth.StatusActive,
		IsOwner:    true,
		AcceptedAt: &accepted,
	}
	if err := tx.QueryRowContext(ctx, `
		insert into memberships (id, user_id, tenant_id, status, is_owner, accepted_at)
		values ($1, $2, $3, $4, true, $5)
		returning created_at
	`, m.ID, m.UserID, m.TenantID, string(m.Status), accepted).Scan(&m.CreatedAt); err != nil {
		return auth.Tenant{}, auth.Membership{}, translate(err, auth.ErrAlreadyExists, "owner membership")
	}

	for i, name := range b.Roles {
		roleID := ids.New()
		if _, err := tx.ExecContext(ctx, `
			insert into roles (id, tenant_id, name) values ($1, $2, $3)
		`, roleID, t.ID, name); err != nil {
			return auth.Tenant{}, auth.Membership{}, translate(err, auth.ErrConflict, "role "+name)
		}
		if err := grant(ctx, tx, roleID, b.Permissions); err != nil {
			return auth.Tenant{}, auth.Membership{}, err
		}
		if i == 0 {
			if _, err := tx.ExecContext(ctx, `
				insert into membership_roles (membership_id, role_id, tenant_id) values ($1, $2, $3)
			`, m.ID, roleID, t.ID); err != nil {
				return auth.Tenant{}, auth.Membership{}, translate(err, auth.ErrConflict, "owner role")
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return auth.Tenant{}, auth.Membership{}, err
	}
	return t, m, nil
}

func (s *Store) GetTenant(ctx context.Context, id string) (auth.Tenant, error) {
	if s.db == nil {
		return auth.Tenant{}, errNoDB
	}
	var t auth.Tenant
	err := s.db.QueryRowContext(ctx, `
		select id, name, slug, currency, timezone, created_at, updated_at
		from tenants
		where id = $1
	`, id).Scan(&t.ID, &t.Name, &t.Slug, &t.Currency, &t.Timezone, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return auth.Tenant{}, translate(err, auth.ErrConflict, "tenant")
	}
	return t, nil
}

// grant links every named permission to a role that has no grants yet.
// Unknown names are ErrNotFound.
func grant(ctx context.Context, tx *sql.Tx, roleID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	res, err := tx.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id)
		select $1, id from permissions where name = any($2)
	`, roleID, names)
	if err != nil {
		return translate(err, auth.ErrConflict, "role permissions")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff != int64(len(names)) {
		return fmt.Errorf("%w: %d of %d permissions exist", auth.ErrNotFound, aff, len(names))
	}
	return nil
}
