package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"stockroom.app/internal/auth"
	"stockroom.app/internal/ids"
)

const roleColumns = `id, tenant_id, name, description, created_at, updated_at`

func scanRole(row scanner) (auth.Role, error) {
	var (
		r    auth.Role
		desc sql.NullString
	)
	if err := row.Scan(&r.ID, &r.TenantID, &r.Name, &desc, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return auth.Role{}, err
	}
	r.Description = desc.String
	return r, nil
}

func collectRoles(rows *sql.Rows) ([]auth.Role, error) {
	defer rows.Close()
	out := []auth.Role{}
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateRole inserts the role and its initial grants in one transaction.
func (s *Store) CreateRole(ctx context.Context, in auth.RoleInput) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Role{}, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRole(tx.QueryRowContext(ctx, `
		insert into roles (id, tenant_id, name, description)
		values ($1, $2, $3, $4)
		returning `+roleColumns,
		ids.New(), in.TenantID, in.Name, nullIfEmpty(in.Description)))
	if err != nil {
		return auth.Role{}, translate(err, auth.ErrConflict, "role name")
	}
	if err := grant(ctx, tx, r.ID, in.Permissions); err != nil {
		return auth.Role{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.Role{}, err
	}
	return r, nil
}

func (s *Store) GetRole(ctx context.Context, tenantID, roleID string) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `
		select `+roleColumns+` from roles where tenant_id = $1 and id = $2
	`, tenantID, roleID))
	if err != nil {
		return auth.Role{}, translate(err, auth.ErrConflict, "role")
	}
	return r, nil
}

func (s *Store) ListRoles(ctx context.Context, tenantID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+` from roles where tenant_id = $1 order by name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	return collectRoles(rows)
}

func (s *Store) UpdateRole(ctx context.Context, tenantID, roleID string, upd auth.RoleUpdate) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errNoDB
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", idx))
		args = append(args, nullIfEmpty(*upd.Description))
		idx++
	}
	if len(sets) == 0 {
		return s.GetRole(ctx, tenantID, roleID)
	}
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update roles set %s where tenant_id = $%d and id = $%d returning %s`,
		strings.Join(sets, ", "), idx, idx+1, roleColumns)
	args = append(args, tenantID, roleID)
	r, err := scanRole(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return auth.Role{}, translate(err, auth.ErrConflict, "role")
	}
	return r, nil
}

// DeleteRole removes the role's membership links, grants and the role itself
// in one transaction.
func (s *Store) DeleteRole(ctx context.Context, tenantID, roleID string) error {
	return s.withRole(ctx, tenantID, roleID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from membership_roles where tenant_id = $1 and role_id = $2`, tenantID, roleID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `delete from roles where tenant_id = $1 and id = $2`, tenantID, roleID)
		return err
	})
}

func (s *Store) RolesByIDs(ctx context.Context, tenantID string, roleIDs []string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	if len(roleIDs) == 0 {
		return []auth.Role{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+roleColumns+` from roles where tenant_id = $1 and id = any($2) order by name
	`, tenantID, roleIDs)
	if err != nil {
		return nil, err
	}
	return collectRoles(rows)
}

func (s *Store) RolePermissions(ctx context.Context, tenantID, roleID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select p.name
		from roles r
		join role_permissions rp on rp.role_id = r.id
		join permissions p on p.id = rp.permission_id
		where r.tenant_id = $1 and r.id = $2
		order by p.name
	`, tenantID, roleID)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

// ReplaceRolePermissions deletes and re-inserts the grants in one
// transaction. Concurrent readers may briefly see fewer grants, never extra ones.
func (s *Store) ReplaceRolePermissions(ctx context.Context, tenantID, roleID string, names []string) error {
	return s.withRole(ctx, tenantID, roleID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
			return err
		}
		if err := grant(ctx, tx, roleID, names); err != nil {
			return err
		}
		return touchRole(ctx, tx, roleID)
	})
}

func (s *Store) AddRolePermissions(ctx context.Context, tenantID, roleID string, names []string) error {
	return s.withRole(ctx, tenantID, roleID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			select $1, id from permissions where name = any($2)
			on conflict do nothing
		`, roleID, names); err != nil {
			return translate(err, auth.ErrConflict, "role permissions")
		}
		return touchRole(ctx, tx, roleID)
	})
}

func (s *Store) RemoveRolePermissions(ctx context.Context, tenantID, roleID string, names []string) error {
	return s.withRole(ctx, tenantID, roleID, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			delete from role_permissions
			where role_id = $1 and permission_id in (select id from permissions where name = any($2))
		`, roleID, names); err != nil {
			return err
		}
		return touchRole(ctx, tx, roleID)
	})
}

// withRole locks a tenant's role and runs fn in its transaction.
func (s *Store) withRole(ctx context.Context, tenantID, roleID string, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `
		select 1 from roles where tenant_id = $1 and id = $2 for update
	`, tenantID, roleID).Scan(&exists); err != nil {
		return translate(err, auth.ErrConflict, "role")
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func touchRole(ctx context.Context, tx *sql.Tx, roleID string) error {
	_, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, roleID)
	return err
}
