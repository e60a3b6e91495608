package auth_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"stockroom.app/internal/auth"
	"stockroom.app/internal/store/memstore"
)

const secret = "fixture-secret-fixture-secret-32b"

type sentMail struct {
	To, Subject, HTML string
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *recordingMailer) SendMail(_ context.Context, to, subject, html string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{To: to, Subject: subject, HTML: html})
	return nil
}

func (m *recordingMailer) Sent() []sentMail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMail(nil), m.sent...)
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string) (bool, error) { return false, nil }

type brokenThrottle struct{}

func (brokenThrottle) Allow(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

type fixture struct {
	store    *memstore.Store
	codec    *auth.TokenCodec
	mailer   *recordingMailer
	sessions *auth.SessionService
	tenants  *auth.TenantService
	admin    *auth.RoleAdmin
	gate     *auth.Gate
	now      time.Time
}

func newFixture(t *testing.T, opts ...auth.SessionOption) *fixture {
	t.Helper()
	f := &fixture{
		store:  memstore.New(),
		mailer: &recordingMailer{},
		now:    time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	codec, err := auth.NewTokenCodec(secret, auth.WithCodecClock(clock))
	require.NoError(t, err)
	f.codec = codec

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	opts = append([]auth.SessionOption{auth.WithClock(clock), auth.WithLogger(quiet)}, opts...)
	cfg := auth.DefaultSessionConfig()
	cfg.BaseURL = "https://app.example.com/"
	f.sessions, err = auth.NewSessionService(f.store, auth.NewHasher(bcrypt.MinCost), codec, f.mailer, cfg, opts...)
	require.NoError(t, err)
	f.tenants, err = auth.NewTenantService(f.store, f.sessions)
	require.NoError(t, err)
	f.admin, err = auth.NewRoleAdmin(f.store)
	require.NoError(t, err)
	f.gate = auth.NewGate(codec)
	return f
}

// rc verifies token and builds the request context a handler would receive.
func (f *fixture) rc(t *testing.T, token string) auth.RequestContext {
	t.Helper()
	claims, err := f.gate.Authenticate(token)
	require.NoError(t, err)
	return auth.RequestContext{Claims: claims, TenantID: claims.TenantID}
}

// owner registers email and creates a tenant for it, returning the owner token.
func (f *fixture) owner(t *testing.T, email, slug string) (auth.Tenant, string) {
	t.Helper()
	ctx := context.Background()
	reg, err := f.sessions.OwnerRegister(ctx, email, "password1", "Owner")
	require.NoError(t, err)
	created, err := f.tenants.CreateTenant(ctx, f.rc(t, reg.Token), slug, slug)
	require.NoError(t, err)
	return created.Tenant, created.Session.Token
}

// member creates an active member of tenantID holding roleIDs.
func (f *fixture) member(t *testing.T, tenantID, email string, roleIDs ...string) auth.User {
	t.Helper()
	ctx := context.Background()
	u, err := f.store.GetUserByEmail(ctx, email)
	if errors.Is(err, auth.ErrNotFound) {
		hash, herr := auth.NewHasher(bcrypt.MinCost).Hash("password1")
		require.NoError(t, herr)
		u, err = f.store.CreateUser(ctx, auth.User{Email: email, PasswordHash: hash, Active: true})
	}
	require.NoError(t, err)
	_, err = f.store.CreateMembership(ctx, auth.Membership{UserID: u.ID, TenantID: tenantID, Status: auth.StatusActive}, roleIDs)
	require.NoError(t, err)
	return u
}
