package auth_test

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"stockroom.app/internal/auth"
)

func TestOwnerRegisterIssuesGlobalToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.sessions.OwnerRegister(ctx, "a@x.com", "password1", "Ada")
	require.NoError(t, err)
	require.Equal(t, auth.TokenOwnerGlobal, res.Type)
	claims, err := f.codec.Verify(res.Token)
	require.NoError(t, err)
	require.Equal(t, auth.TokenOwnerGlobal, claims.Type)
	require.Empty(t, claims.TenantID)
	require.Equal(t, f.now.Add(time.Hour), res.ExpiresAt)

	for _, dup := range []string{"a@x.com", "A@X.COM", "  a@x.com  "} {
		_, err = f.sessions.OwnerRegister(ctx, dup, "password1", "Ada")
		require.ErrorIs(t, err, auth.ErrAlreadyExists, dup)
	}
}

func TestOwnerRegisterValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.sessions.OwnerRegister(context.Background(), "not-an-email", "password1", "")
	require.ErrorIs(t, err, auth.ErrValidation)
	_, err = f.sessions.OwnerRegister(context.Background(), "b@x.com", "", "")
	require.ErrorIs(t, err, auth.ErrValidation)
}

func TestOwnerLoginBranches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sessions.OwnerRegister(ctx, "solo@x.com", "password1", "")
	require.NoError(t, err)
	res, err := f.sessions.OwnerLogin(ctx, "solo@x.com", "password1", "")
	require.NoError(t, err)
	require.Equal(t, auth.TokenOwnerGlobal, res.Type)

	tenant, _ := f.owner(t, "boss@x.com", "acme")
	res, err = f.sessions.OwnerLogin(ctx, "boss@x.com", "password1", "")
	require.NoError(t, err)
	require.True(t, res.NeedsTenantSelection)
	require.Empty(t, res.Token)
	require.Equal(t, []auth.TenantSummary{{ID: tenant.ID, Name: "acme", Slug: "acme"}}, res.Tenants)

	res, err = f.sessions.OwnerLogin(ctx, "boss@x.com", "password1", tenant.ID)
	require.NoError(t, err)
	require.Equal(t, auth.TokenOwner, res.Type)
	require.Equal(t, tenant.ID, res.TenantID)
	require.Equal(t, []string{auth.RoleOwner}, res.Roles)
	require.Contains(t, res.Permissions, "*")

	// A plain member is not an owner.
	f.member(t, tenant.ID, "clerk@x.com")
	_, err = f.sessions.OwnerLogin(ctx, "clerk@x.com", "password1", tenant.ID)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = f.sessions.OwnerLogin(ctx, "solo@x.com", "password1", tenant.ID)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestLoginErrorsDoNotLeakAccountState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg, err := f.sessions.OwnerRegister(ctx, "a@x.com", "password1", "")
	require.NoError(t, err)
	inactive := false
	_, err = f.store.UpdateUser(ctx, reg.UserID, auth.UserUpdate{Active: &inactive})
	require.NoError(t, err)

	_, errWrong := f.sessions.OwnerLogin(ctx, "a@x.com", "wrong", "")
	_, errUnknown := f.sessions.OwnerLogin(ctx, "nobody@x.com", "password1", "")
	_, errInactive := f.sessions.OwnerLogin(ctx, "a@x.com", "password1", "")
	for _, err := range []error{errWrong, errUnknown, errInactive} {
		require.ErrorIs(t, err, auth.ErrUnauthorized)
	}
	require.Equal(t, errWrong.Error(), errUnknown.Error())
	require.Equal(t, errWrong.Error(), errInactive.Error())
}

func TestCorruptHashIsIntegrityError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg, err := f.sessions.OwnerRegister(ctx, "a@x.com", "password1", "")
	require.NoError(t, err)
	bad := "$2a$10$garbage"
	_, err = f.store.UpdateUser(ctx, reg.UserID, auth.UserUpdate{PasswordHash: &bad})
	require.NoError(t, err)

	_, err = f.sessions.MemberLogin(ctx, "a@x.com", "password1", "")
	require.ErrorIs(t, err, auth.ErrIntegrity)
	require.False(t, errors.Is(err, auth.ErrUnauthorized))
}

func TestMemberLoginAutoSelectMatchesExplicitTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, ownerTok := f.owner(t, "boss@x.com", "acme")
	packer, err := f.admin.CreateRole(ctx, f.rc(t, ownerTok), "Packer", "", []string{"inventory.read"})
	require.NoError(t, err)
	f.member(t, tenant.ID, "m@x.com", packer.ID)

	implicit, err := f.sessions.MemberLogin(ctx, "m@x.com", "password1", "")
	require.NoError(t, err)
	explicit, err := f.sessions.MemberLogin(ctx, "m@x.com", "password1", tenant.ID)
	require.NoError(t, err)

	a, err := f.codec.Verify(implicit.Token)
	require.NoError(t, err)
	b, err := f.codec.Verify(explicit.Token)
	require.NoError(t, err)
	a.ID, b.ID = "", ""
	require.Equal(t, b, a)
	require.Equal(t, auth.TokenMember, a.Type)
	require.Equal(t, tenant.ID, a.TenantID)
	require.Equal(t, []string{"Packer"}, a.Roles)
	require.Equal(t, []string{"inventory.read"}, a.Perms)
}

func TestMemberLoginSelectionListsOnlyActiveMemberships(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t1, _ := f.owner(t, "o1@x.com", "tenant-one")
	t2, _ := f.owner(t, "o2@x.com", "tenant-two")
	t3, _ := f.owner(t, "o3@x.com", "tenant-three")
	u := f.member(t, t1.ID, "m@x.com")
	f.member(t, t2.ID, "m@x.com")
	f.member(t, t3.ID, "m@x.com")
	_, err := f.store.UpdateMembershipStatus(ctx, t2.ID, u.ID, auth.StatusSuspended, nil)
	require.NoError(t, err)

	res, err := f.sessions.MemberLogin(ctx, "m@x.com", "password1", "")
	require.NoError(t, err)
	require.True(t, res.NeedsTenantSelection)
	require.Empty(t, res.Token)
	var got []string
	for _, ts := range res.Tenants {
		got = append(got, ts.ID)
	}
	require.ElementsMatch(t, []string{t1.ID, t3.ID}, got)

	_, err = f.sessions.MemberLogin(ctx, "m@x.com", "password1", t2.ID)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	require.Contains(t, err.Error(), "suspended")

	_, err = f.sessions.MemberLogin(ctx, "o1@x.com", "password1", t2.ID)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	require.Contains(t, err.Error(), "not a member")
}

func TestMemberLoginWithoutMemberships(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sessions.OwnerRegister(ctx, "lonely@x.com", "password1", "")
	require.NoError(t, err)
	_, err = f.sessions.MemberLogin(ctx, "lonely@x.com", "password1", "")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestRequestPasswordResetIsIndistinguishable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sessions.OwnerRegister(ctx, "known@x.com", "password1", "")
	require.NoError(t, err)

	unknown, err := f.sessions.RequestPasswordReset(ctx, "ghost@x.com", "")
	require.NoError(t, err)
	require.Empty(t, f.mailer.Sent())

	known, err := f.sessions.RequestPasswordReset(ctx, "Known@x.com", "acme")
	require.NoError(t, err)
	require.Equal(t, unknown, known)
	require.Equal(t, auth.ResetRequestedMessage, known)

	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "known@x.com", sent[0].To)
	require.Contains(t, sent[0].HTML, "https://app.example.com/reset-password?")
	require.Contains(t, sent[0].HTML, "tenant=acme")
	require.Contains(t, sent[0].HTML, "15 minutes")
}

func TestRequestPasswordResetSkipsInactiveAndThrottled(t *testing.T) {
	f := newFixture(t, auth.WithResetThrottle(denyAll{}))
	ctx := context.Background()
	_, err := f.sessions.OwnerRegister(ctx, "known@x.com", "password1", "")
	require.NoError(t, err)
	msg, err := f.sessions.RequestPasswordReset(ctx, "known@x.com", "")
	require.NoError(t, err)
	require.Equal(t, auth.ResetRequestedMessage, msg)
	require.Empty(t, f.mailer.Sent())

	g := newFixture(t, auth.WithResetThrottle(brokenThrottle{}))
	_, err = g.sessions.OwnerRegister(ctx, "known@x.com", "password1", "")
	require.NoError(t, err)
	_, err = g.sessions.RequestPasswordReset(ctx, "known@x.com", "")
	require.NoError(t, err)
	require.Len(t, g.mailer.Sent(), 1)
}

func TestRequestPasswordResetDeliveryFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sessions.OwnerRegister(ctx, "known@x.com", "password1", "")
	require.NoError(t, err)
	f.mailer.err = errors.New("smtp down")
	_, err = f.sessions.RequestPasswordReset(ctx, "known@x.com", "")
	require.ErrorIs(t, err, auth.ErrDelivery)
}

var tokenParam = regexp.MustCompile(`token=([^&"]+)`)

func mailedToken(t *testing.T, html string) string {
	t.Helper()
	m := tokenParam.FindStringSubmatch(html)
	require.Len(t, m, 2)
	tok, err := url.QueryUnescape(m[1])
	require.NoError(t, err)
	return tok
}

func TestResetPasswordFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.sessions.OwnerRegister(ctx, "a@x.com", "password1", "")
	require.NoError(t, err)
	_, err = f.sessions.RequestPasswordReset(ctx, "a@x.com", "")
	require.NoError(t, err)
	tok := mailedToken(t, f.mailer.Sent()[0].HTML)

	require.NoError(t, f.sessions.ResetPassword(ctx, tok, "password2"))
	_, err = f.sessions.OwnerLogin(ctx, "a@x.com", "password1", "")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	_, err = f.sessions.OwnerLogin(ctx, "a@x.com", "password2", "")
	require.NoError(t, err)

	f.now = f.now.Add(16 * time.Minute)
	err = f.sessions.ResetPassword(ctx, tok, "password3")
	require.ErrorIs(t, err, auth.ErrBadRequest)
}

func TestResetPasswordRejectsOtherTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg, err := f.sessions.OwnerRegister(ctx, "a@x.com", "password1", "")
	require.NoError(t, err)

	err = f.sessions.ResetPassword(ctx, reg.Token, "password2")
	require.ErrorIs(t, err, auth.ErrBadRequest)
	err = f.sessions.ResetPassword(ctx, "garbage", "password2")
	require.ErrorIs(t, err, auth.ErrBadRequest)
}

func TestCheckSessionRecomputesLive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant, ownerTok := f.owner(t, "boss@x.com", "acme")
	ownerRC := f.rc(t, ownerTok)
	packer, err := f.admin.CreateRole(ctx, ownerRC, "Packer", "", []string{"inventory.read"})
	require.NoError(t, err)
	u := f.member(t, tenant.ID, "m@x.com", packer.ID)

	login, err := f.sessions.MemberLogin(ctx, "m@x.com", "password1", tenant.ID)
	require.NoError(t, err)
	memberRC := f.rc(t, login.Token)

	_, err = f.admin.AddPermissionsToRole(ctx, ownerRC, packer.ID, []string{"inventory.*"})
	require.NoError(t, err)
	snap, err := f.sessions.CheckSession(ctx, memberRC)
	require.NoError(t, err)
	require.Equal(t, []string{"inventory.*", "inventory.read"}, snap.Permissions)
	require.Equal(t, []string{"inventory.*", "inventory.delete", "inventory.read", "inventory.write"}, snap.Effective)
	require.Equal(t, []string{"inventory.read"}, memberRC.Claims.Perms)

	_, err = f.store.UpdateMembershipStatus(ctx, tenant.ID, u.ID, auth.StatusSuspended, nil)
	require.NoError(t, err)
	_, err = f.sessions.CheckSession(ctx, memberRC)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestChangePasswordFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg, err := f.sessions.OwnerRegister(ctx, "a@x.com", "password1", "")
	require.NoError(t, err)
	err = f.sessions.ChangePassword(ctx, f.rc(t, reg.Token), "password1", "password2")
	require.ErrorIs(t, err, auth.ErrNotImplemented)
	_, err = f.sessions.OwnerLogin(ctx, "a@x.com", "password1", "")
	require.NoError(t, err)
}
