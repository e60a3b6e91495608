package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"stockroom.app/internal/auth"
	"stockroom.app/internal/ids"
)

const membershipColumns = `id, user_id, tenant_id, status, is_owner, invited_at, accepted_at, created_at`

func scanMembership(row scanner) (auth.Membership, error) {
	var (
		m                   auth.Membership
		status              string
		invited, acceptedAt sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.UserID, &m.TenantID, &status, &m.IsOwner, &invited, &acceptedAt, &m.CreatedAt); err != nil {
		return auth.Membership{}, err
	}
	m.Status = auth.MembershipStatus(status)
	m.InvitedAt = timePtr(invited)
	m.AcceptedAt = timePtr(acceptedAt)
	return m, nil
}

// CreateMembership inserts m and links roleIDs, which must belong to m's tenant.
func (s *Store) CreateMembership(ctx context.Context, m auth.Membership, roleIDs []string) (auth.Membership, error) {
	if s.db == nil {
		return auth.Membership{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.Membership{}, err
	}
	defer func() { _ = tx.Rollback() }()

	m.ID = ids.New()
	if err := tx.QueryRowContext(ctx, `
		insert into memberships (id, user_id, tenant_id, status, is_owner, invited_at, accepted_at)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at
	`, m.ID, m.UserID, m.TenantID, string(m.Status), m.IsOwner, nullTime(m.InvitedAt), nullTime(m.AcceptedAt)).Scan(&m.CreatedAt); err != nil {
		return auth.Membership{}, translate(err, auth.ErrAlreadyExists, "membership")
	}
	if err := linkRoles(ctx, tx, m.ID, m.TenantID, roleIDs); err != nil {
		return auth.Membership{}, err
	}
	if err := tx.Commit(); err != nil {
		return auth.Membership{}, err
	}
	return m, nil
}

func (s *Store) GetMembership(ctx context.Context, tenantID, userID string) (auth.Membership, error) {
	if s.db == nil {
		return auth.Membership{}, errNoDB
	}
	m, err := scanMembership(s.db.QueryRowContext(ctx, `
		select `+membershipColumns+`
		from memberships
		where tenant_id = $1 and user_id = $2
	`, tenantID, userID))
	if err != nil {
		return auth.Membership{}, translate(err, auth.ErrConflict, "membership")
	}
	return m, nil
}

func (s *Store) UpdateMembershipStatus(ctx context.Context, tenantID, userID string, status auth.MembershipStatus, acceptedAt *time.Time) (auth.Membership, error) {
	if s.db == nil {
		return auth.Membership{}, errNoDB
	}
	m, err := scanMembership(s.db.QueryRowContext(ctx, `
		update memberships set status = $3, accepted_at = $4
		where tenant_id = $1 and user_id = $2
		returning `+membershipColumns,
		tenantID, userID, string(status), nullTime(acceptedAt)))
	if err != nil {
		return auth.Membership{}, translate(err, auth.ErrConflict, "membership")
	}
	return m, nil
}

func (s *Store) ListMembershipsForUser(ctx context.Context, userID string) ([]auth.MembershipTenant, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select m.id, m.user_id, m.tenant_id, m.status, m.is_owner, m.invited_at, m.accepted_at, m.created_at,
		       t.name, t.slug
		from memberships m
		join tenants t on t.id = m.tenant_id
		where m.user_id = $1
		order by t.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.MembershipTenant
	for rows.Next() {
		var (
			mt                  auth.MembershipTenant
			status              string
			invited, acceptedAt sql.NullTime
		)
		m := &mt.Membership
		if err := rows.Scan(&m.ID, &m.UserID, &m.TenantID, &status, &m.IsOwner, &invited, &acceptedAt, &m.CreatedAt,
			&mt.Tenant.Name, &mt.Tenant.Slug); err != nil {
			return nil, err
		}
		m.Status = auth.MembershipStatus(status)
		m.InvitedAt = timePtr(invited)
		m.AcceptedAt = timePtr(acceptedAt)
		mt.Tenant.ID = m.TenantID
		out = append(out, mt)
	}
	return out, rows.Err()
}

func (s *Store) ListMembers(ctx context.Context, tenantID string) ([]auth.Member, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select m.id, m.user_id, m.tenant_id, m.status, m.is_owner, m.invited_at, m.accepted_at, m.created_at,
		       u.email, u.name
		from memberships m
		join users u on u.id = m.user_id
		where m.tenant_id = $1
		order by u.email
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		members []auth.Member
		index   = map[string]int{}
	)
	for rows.Next() {
		var (
			mb                  auth.Member
			status              string
			invited, acceptedAt sql.NullTime
		)
		if err := rows.Scan(&mb.ID, &mb.UserID, &mb.TenantID, &status, &mb.IsOwner, &invited, &acceptedAt, &mb.CreatedAt,
			&mb.Email, &mb.Name); err != nil {
			return nil, err
		}
		mb.Status = auth.MembershipStatus(status)
		mb.InvitedAt = timePtr(invited)
		mb.AcceptedAt = timePtr(acceptedAt)
		mb.Roles = []string{}
		index[mb.ID] = len(members)
		members = append(members, mb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	roleRows, err := s.db.QueryContext(ctx, `
		select mr.membership_id, r.name
		from membership_roles mr
		join roles r on r.id = mr.role_id and r.tenant_id = mr.tenant_id
		where mr.tenant_id = $1
		order by r.name
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer roleRows.Close()
	for roleRows.Next() {
		var membershipID, name string
		if err := roleRows.Scan(&membershipID, &name); err != nil {
			return nil, err
		}
		if i, ok := index[membershipID]; ok {
			members[i].Roles = append(members[i].Roles, name)
		}
	}
	return members, roleRows.Err()
}

func (s *Store) MembershipRoles(ctx context.Context, tenantID, userID string) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.tenant_id, r.name, r.description, r.created_at, r.updated_at
		from memberships m
		join membership_roles mr on mr.membership_id = m.id and mr.tenant_id = m.tenant_id
		join roles r on r.id = mr.role_id and r.tenant_id = mr.tenant_id
		where m.tenant_id = $1 and m.user_id = $2
		order by r.name
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return collectRoles(rows)
}

func (s *Store) MembershipPermissions(ctx context.Context, tenantID, userID string) ([]string, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.name
		from memberships m
		join membership_roles mr on mr.membership_id = m.id and mr.tenant_id = m.tenant_id
		join role_permissions rp on rp.role_id = mr.role_id
		join permissions p on p.id = rp.permission_id
		where m.tenant_id = $1 and m.user_id = $2
		order by p.name
	`, tenantID, userID)
	if err != nil {
		return nil, err
	}
	return collectStrings(rows)
}

// ReplaceMembershipRoles deletes and re-inserts the links in one
// transaction. Concurrent readers may briefly see fewer roles, never extra ones.
func (s *Store) ReplaceMembershipRoles(ctx context.Context, tenantID, userID string, roleIDs []string) error {
	return s.withMembership(ctx, tenantID, userID, func(tx *sql.Tx, membershipID string) error {
		if _, err := tx.ExecContext(ctx, `delete from membership_roles where membership_id = $1`, membershipID); err != nil {
			return err
		}
		return linkRoles(ctx, tx, membershipID, tenantID, roleIDs)
	})
}

func (s *Store) AddMembershipRoles(ctx context.Context, tenantID, userID string, roleIDs []string) error {
	return s.withMembership(ctx, tenantID, userID, func(tx *sql.Tx, membershipID string) error {
		if err := checkTenantRoles(ctx, tx, tenantID, roleIDs); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			insert into membership_roles (membership_id, role_id, tenant_id)
			select $1, id, tenant_id from roles where tenant_id = $2 and id = any($3)
			on conflict do nothing
		`, membershipID, tenantID, roleIDs)
		return translate(err, auth.ErrConflict, "membership roles")
	})
}

func (s *Store) RemoveMembershipRoles(ctx context.Context, tenantID, userID string, roleIDs []string) error {
	return s.withMembership(ctx, tenantID, userID, func(tx *sql.Tx, membershipID string) error {
		_, err := tx.ExecContext(ctx, `
			delete from membership_roles
			where membership_id = $1 and tenant_id = $2 and role_id = any($3)
		`, membershipID, tenantID, roleIDs)
		return err
	})
}

// withMembership locks the membership row and runs fn in its transaction.
func (s *Store) withMembership(ctx context.Context, tenantID, userID string, fn func(tx *sql.Tx, membershipID string) error) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var membershipID string
	if err := tx.QueryRowContext(ctx, `
		select id from memberships where tenant_id = $1 and user_id = $2 for update
	`, tenantID, userID).Scan(&membershipID); err != nil {
		return translate(err, auth.ErrConflict, "membership")
	}
	if err := fn(tx, membershipID); err != nil {
		return err
	}
	return tx.Commit()
}

// linkRoles inserts links for roles owned by tenantID. Any id that is not a
// role of the tenant fails the whole call.
func linkRoles(ctx context.Context, tx *sql.Tx, membershipID, tenantID string, roleIDs []string) error {
	if len(roleIDs) == 0 {
		return nil
	}
	res, err := tx.ExecContext(ctx, `
		insert into membership_roles (membership_id, role_id, tenant_id)
		select $1, id, tenant_id from roles where tenant_id = $2 and id = any($3)
	`, membershipID, tenantID, roleIDs)
	if err != nil {
		return translate(err, auth.ErrConflict, "membership roles")
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff != int64(len(roleIDs)) {
		return fmt.Errorf("%w: %d of %d roles belong to tenant", auth.ErrNotFound, aff, len(roleIDs))
	}
	return nil
}

func checkTenantRoles(ctx context.Context, tx *sql.Tx, tenantID string, roleIDs []string) error {
	if len(roleIDs) == 0 {
		return nil
	}
	var n int
	if err := tx.QueryRowContext(ctx, `
		select count(*) from roles where tenant_id = $1 and id = any($2)
	`, tenantID, roleIDs).Scan(&n); err != nil {
		return err
	}
	if n != len(roleIDs) {
		return fmt.Errorf("%w: %d of %d roles belong to tenant", auth.ErrNotFound, n, len(roleIDs))
	}
	return nil
}

func collectStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
