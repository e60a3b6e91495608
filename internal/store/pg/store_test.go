package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"stockroom.app/internal/auth"
)

// arrayConverter lets []string reach the driver unchanged, the way pgx
// accepts them for "= any($n)".
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if s, ok := v.([]string); ok {
		return s, nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(arrayConverter{}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

func TestNilDB(t *testing.T) {
	s := New(nil)
	_, err := s.GetUser(context.Background(), "u1")
	require.ErrorIs(t, err, errNoDB)
	require.ErrorIs(t, s.Ping(context.Background()), errNoDB)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(q("insert into users")).
		WithArgs(sqlmock.AnyArg(), "ann@example.com", "h", "Ann", true).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := s.CreateUser(context.Background(), auth.User{Email: " Ann@Example.com ", PasswordHash: "h", Name: "Ann", Active: true})
	require.ErrorIs(t, err, auth.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserByEmailNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(q("from users where lower(email) = $1")).
		WithArgs("ann@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetUserByEmail(context.Background(), "ANN@example.com")
	require.ErrorIs(t, err, auth.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUserBuildsSetClause(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	active := false
	mock.ExpectQuery(q("update users set active = $1, updated_at = now() where id = $2")).
		WithArgs(false, "u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "password_hash", "name", "active", "created_at", "updated_at"}).
			AddRow("u1", "ann@example.com", "h", "Ann", false, now, now))

	u, err := s.UpdateUser(context.Background(), "u1", auth.UserUpdate{Active: &active})
	require.NoError(t, err)
	require.False(t, u.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTenantSeedsRolesAndOwnerLink(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	perms := []string{"*", "users.read"}

	mock.ExpectBegin()
	mock.ExpectQuery(q("insert into tenants")).
		WithArgs(sqlmock.AnyArg(), "Acme", "acme", "USD", "UTC").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery(q("insert into memberships")).
		WithArgs(sqlmock.AnyArg(), "u1", sqlmock.AnyArg(), "active", now).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	for i := range 2 {
		mock.ExpectExec(q("insert into roles")).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(q("insert into role_permissions")).
			WithArgs(sqlmock.AnyArg(), perms).
			WillReturnResult(sqlmock.NewResult(0, 2))
		if i == 0 {
			mock.ExpectExec(q("insert into membership_roles")).WillReturnResult(sqlmock.NewResult(0, 1))
		}
	}
	mock.ExpectCommit()

	tenant, m, err := s.CreateTenant(context.Background(), auth.TenantBootstrap{
		Tenant:      auth.Tenant{Name: "Acme", Slug: "acme"},
		OwnerUserID: "u1",
		AcceptedAt:  now,
		Roles:       []string{auth.RoleOwner, auth.RoleAdminName},
		Permissions: perms,
	})
	require.NoError(t, err)
	require.Equal(t, tenant.ID, m.TenantID)
	require.True(t, m.IsOwner)
	require.Equal(t, auth.StatusActive, m.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTenantDuplicateSlug(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("insert into tenants")).WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	_, _, err := s.CreateTenant(context.Background(), auth.TenantBootstrap{
		Tenant: auth.Tenant{Name: "Acme", Slug: "acme"}, OwnerUserID: "u1", AcceptedAt: time.Now(),
	})
	require.ErrorIs(t, err, auth.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRoleUnknownPermissionRollsBack(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery(q("insert into roles")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "description", "created_at", "updated_at"}).
			AddRow("r1", "t1", "Clerk", nil, now, now))
	mock.ExpectExec(q("insert into role_permissions")).
		WithArgs("r1", []string{"inventory.read", "bogus.read"}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	_, err := s.CreateRole(context.Background(), auth.RoleInput{
		TenantID: "t1", Name: "Clerk", Permissions: []string{"inventory.read", "bogus.read"},
	})
	require.ErrorIs(t, err, auth.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRoleDuplicateName(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("insert into roles")).WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	_, err := s.CreateRole(context.Background(), auth.RoleInput{TenantID: "t1", Name: "Clerk"})
	require.ErrorIs(t, err, auth.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRoleNoChangesReadsCurrent(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery(q("from roles where tenant_id = $1 and id = $2")).
		WithArgs("t1", "r1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "name", "description", "created_at", "updated_at"}).
			AddRow("r1", "t1", "Clerk", "counts stock", now, now))

	r, err := s.UpdateRole(context.Background(), "t1", "r1", auth.RoleUpdate{})
	require.NoError(t, err)
	require.Equal(t, "counts stock", r.Description)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRoleScopedToTenant(t *testing.T) {
	s, mock := newMock(t)
	name := "Picker"
	mock.ExpectQuery(q("update roles set name = $1, updated_at = now() where tenant_id = $2 and id = $3")).
		WithArgs("Picker", "t2", "r1").
		WillReturnError(sql.ErrNoRows)

	_, err := s.UpdateRole(context.Background(), "t2", "r1", auth.RoleUpdate{Name: &name})
	require.ErrorIs(t, err, auth.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRoleCascadesInOrder(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("select 1 from roles where tenant_id = $1 and id = $2 for update")).
		WithArgs("t1", "r1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectExec(q("delete from membership_roles")).WithArgs("t1", "r1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(q("delete from role_permissions")).WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(q("delete from roles")).WithArgs("t1", "r1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteRole(context.Background(), "t1", "r1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceMembershipRolesMissingMembership(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("select id from memberships")).
		WithArgs("t1", "u9").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.ReplaceMembershipRoles(context.Background(), "t1", "u9", []string{"r1"})
	require.ErrorIs(t, err, auth.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceMembershipRolesForeignRole(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("select id from memberships")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m1"))
	mock.ExpectExec(q("delete from membership_roles where membership_id = $1")).
		WithArgs("m1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("insert into membership_roles")).
		WithArgs("m1", "t1", []string{"r1", "other-tenant-role"}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.ReplaceMembershipRoles(context.Background(), "t1", "u1", []string{"r1", "other-tenant-role"})
	require.ErrorIs(t, err, auth.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddMembershipRolesIgnoresExisting(t *testing.T) {
	s, mock := newMock(t)
	roles := []string{"r1", "r2"}
	mock.ExpectBegin()
	mock.ExpectQuery(q("select id from memberships")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("m1"))
	mock.ExpectQuery(q("select count(*) from roles")).
		WithArgs("t1", roles).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec(q("on conflict do nothing")).
		WithArgs("m1", "t1", roles).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.AddMembershipRoles(context.Background(), "t1", "u1", roles))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListMembersAttachesRoleNames(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery(q("from memberships m")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "tenant_id", "status", "is_owner", "invited_at", "accepted_at", "created_at", "email", "name",
		}).
			AddRow("m1", "u1", "t1", "active", true, nil, now, now, "ann@example.com", "Ann").
			AddRow("m2", "u2", "t1", "invited", false, now, nil, now, "bob@example.com", ""))
	mock.ExpectQuery(q("from membership_roles mr")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"membership_id", "name"}).
			AddRow("m1", "Admin").
			AddRow("m1", "Owner"))

	members, err := s.ListMembers(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.Equal(t, []string{"Admin", "Owner"}, members[0].Roles)
	require.Empty(t, members[1].Roles)
	require.NotNil(t, members[1].InvitedAt)
	require.Nil(t, members[1].AcceptedAt)
	require.Equal(t, auth.StatusInvited, members[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMembershipPermissionsUnknownMembershipIsEmpty(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(q("select distinct p.name")).
		WithArgs("t1", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	perms, err := s.MembershipPermissions(context.Background(), "t1", "ghost")
	require.NoError(t, err)
	require.Empty(t, perms)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPermissionsIsCached(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery(q("from permissions order by name")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "created_at"}).
			AddRow("p1", "*", "everything", now).
			AddRow("p2", "users.read", "", now))

	first, err := s.ListPermissions(context.Background())
	require.NoError(t, err)
	require.Len(t, first, 2)

	first[0].Name = "mutated"
	second, err := s.ListPermissions(context.Background())
	require.NoError(t, err)
	require.Equal(t, "*", second[0].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsurePermissionsPurgesCache(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	s.catalog.Add(catalogKey, []auth.Permission{{Name: "stale"}})

	mock.ExpectBegin()
	mock.ExpectExec(q("insert into permissions")).
		WithArgs(sqlmock.AnyArg(), "reports.read", "View reports").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(q("from permissions order by name")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "created_at"}).
			AddRow("p1", "reports.read", "View reports", now))

	require.NoError(t, s.EnsurePermissions(context.Background(), []auth.Permission{{Name: "reports.read", Description: "View reports"}}))
	perms, err := s.ListPermissions(context.Background())
	require.NoError(t, err)
	require.Equal(t, "reports.read", perms[0].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTranslate(t *testing.T) {
	require.NoError(t, translate(nil, auth.ErrConflict, "x"))
	require.ErrorIs(t, translate(sql.ErrNoRows, auth.ErrConflict, "x"), auth.ErrNotFound)
	require.ErrorIs(t, translate(&pgconn.PgError{Code: pgErrUniqueViolation}, auth.ErrConflict, "x"), auth.ErrConflict)
	require.ErrorIs(t, translate(&pgconn.PgError{Code: pgErrForeignKeyViolation}, auth.ErrConflict, "x"), auth.ErrNotFound)

	other := errors.New("boom")
	require.Equal(t, other, translate(other, auth.ErrConflict, "x"))
}
