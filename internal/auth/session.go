package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ResetRequestedMessage is returned by every password reset request,
// whether or not the account exists.
const ResetRequestedMessage = "If an account exists for that email, a reset link has been sent."

var tracer = otel.Tracer("stockroom.app/internal/auth")

// SessionConfig holds per-flow token lifetimes and the base URL for emailed links.
type SessionConfig struct {
	SessionTTL      time.Duration
	ResetTTL        time.Duration
	InviteTTL       time.Duration
	TenantInviteTTL time.Duration
	BaseURL         string
}

// DefaultSessionConfig returns the standard lifetimes.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SessionTTL:      time.Hour,
		ResetTTL:        15 * time.Minute,
		InviteTTL:       15 * time.Minute,
		TenantInviteTTL: 7 * 24 * time.Hour,
		BaseURL:         "http://localhost:3000",
	}
}

// LoginResult is the outcome of a login or registration. When
// NeedsTenantSelection is set, Token is empty and Tenants lists the choices.
type LoginResult struct {
	Token                string          `json:"token,omitempty"`
	ExpiresAt            time.Time       `json:"expires_at,omitempty"`
	Type                 TokenType       `json:"type,omitempty"`
	UserID               string          `json:"user_id"`
	TenantID             string          `json:"tenant_id,omitempty"`
	Roles                []string        `json:"roles,omitempty"`
	Permissions          []string        `json:"permissions,omitempty"`
	NeedsTenantSelection bool            `json:"needs_tenant_selection,omitempty"`
	Tenants              []TenantSummary `json:"tenants,omitempty"`
}

// SessionSnapshot is the live view returned by CheckSession.
type SessionSnapshot struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	Type        TokenType `json:"type"`
	TenantID    string    `json:"tenant_id,omitempty"`
	IsOwner     bool      `json:"is_owner"`
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	// Effective lists the catalog names the granted wildcards resolve to.
	Effective []string `json:"effective_permissions"`
}

// SessionService turns credentials into signed session tokens.
type SessionService struct {
	store    Store
	hasher   *Hasher
	codec    *TokenCodec
	mailer   Mailer
	throttle Throttle
	cfg      SessionConfig
	now      func() time.Time
	log      logrus.FieldLogger
}

// SessionOption configures SessionService behaviour.
type SessionOption func(*SessionService) error

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) SessionOption {
	return func(s *SessionService) error {
		if fn == nil {
			return errors.New("clock function cannot be nil")
		}
		s.now = fn
		return nil
	}
}

// WithLogger sets the logger used for integrity and delivery problems.
func WithLogger(l logrus.FieldLogger) SessionOption {
	return func(s *SessionService) error {
		if l == nil {
			return errors.New("logger cannot be nil")
		}
		s.log = l
		return nil
	}
}

// WithResetThrottle limits reset requests per email address.
func WithResetThrottle(t Throttle) SessionOption {
	return func(s *SessionService) error {
		s.throttle = t
		return nil
	}
}

// NewSessionService wires the session flows.
func NewSessionService(store Store, hasher *Hasher, codec *TokenCodec, mailer Mailer, cfg SessionConfig, opts ...SessionOption) (*SessionService, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if hasher == nil || codec == nil {
		return nil, errors.New("auth: hasher and token codec are required")
	}
	if mailer == nil {
		return nil, errors.New("auth: mailer is required")
	}
	if cfg.SessionTTL <= 0 || cfg.ResetTTL <= 0 || cfg.InviteTTL <= 0 || cfg.TenantInviteTTL <= 0 {
		return nil, errors.New("auth: token lifetimes must be positive")
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	s := &SessionService{
		store:  store,
		hasher: hasher,
		codec:  codec,
		mailer: mailer,
		cfg:    cfg,
		now:    time.Now,
		log:    logger,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// OwnerRegister creates a user and returns a global owner token so the
// user can create a first tenant.
func (s *SessionService) OwnerRegister(ctx context.Context, email, password, name string) (res LoginResult, err error) {
	ctx, span := tracer.Start(ctx, "auth.OwnerRegister")
	defer func() { finishSpan(span, err) }()

	email = NormalizeEmail(email)
	if !validEmail(email) {
		return LoginResult{}, fmt.Errorf("%w: valid email is required", ErrValidation)
	}
	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return LoginResult{}, fmt.Errorf("%w: email is already registered", ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return LoginResult{}, err
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return LoginResult{}, err
	}
	u, err := s.store.CreateUser(ctx, User{
		Email:        email,
		PasswordHash: hash,
		Name:         strings.TrimSpace(name),
		Active:       true,
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return LoginResult{}, fmt.Errorf("%w: email is already registered", ErrAlreadyExists)
		}
		return LoginResult{}, err
	}
	span.SetAttributes(attribute.String("user.id", u.ID))
	return s.issueGlobal(u)
}

// OwnerLogin verifies an owner's credentials. With a tenant id it issues an
// owner token for that tenant. Without one it issues a global token when the
// user owns no active tenant, and a tenant selection otherwise.
func (s *SessionService) OwnerLogin(ctx context.Context, email, password, tenantID string) (res LoginResult, err error) {
	ctx, span := tracer.Start(ctx, "auth.OwnerLogin")
	defer func() { finishSpan(span, err) }()

	u, err := s.authenticate(ctx, email, password)
	if err != nil {
		return LoginResult{}, err
	}
	span.SetAttributes(attribute.String("user.id", u.ID))

	if tenantID = strings.TrimSpace(tenantID); tenantID != "" {
		m, err := s.store.GetMembership(ctx, tenantID, u.ID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return LoginResult{}, fmt.Errorf("%w: not an owner of this tenant", ErrUnauthorized)
			}
			return LoginResult{}, err
		}
		if !m.IsOwner || m.UserID != u.ID {
			return LoginResult{}, fmt.Errorf("%w: not an owner of this tenant", ErrUnauthorized)
		}
		return s.issueForTenant(ctx, u, m, TokenOwner)
	}

	memberships, err := s.store.ListMembershipsForUser(ctx, u.ID)
	if err != nil {
		return LoginResult{}, err
	}
	var owned []TenantSummary
	for _, mt := range memberships {
		if mt.Membership.IsOwner && mt.Membership.Status == StatusActive {
			owned = append(owned, mt.Tenant)
		}
	}
	if len(owned) == 0 {
		return s.issueGlobal(u)
	}
	return LoginResult{UserID: u.ID, NeedsTenantSelection: true, Tenants: owned}, nil
}

// MemberLogin verifies a member's credentials. Without a tenant id a single
// active membership is selected automatically; several yield a selection.
func (s *SessionService) MemberLogin(ctx context.Context, email, password, tenantID string) (res LoginResult, err error) {
	ctx, span := tracer.Start(ctx, "auth.MemberLogin")
	defer func() { finishSpan(span, err) }()

	u, err := s.authenticate(ctx, email, password)
	if err != nil {
		return LoginResult{}, err
	}
	span.SetAttributes(attribute.String("user.id", u.ID))

	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		candidates, err := s.resolveCandidateTenants(ctx, u.ID)
		if err != nil {
			return LoginResult{}, err
		}
		switch len(candidates) {
		case 0:
			return LoginResult{}, fmt.Errorf("%w: no active memberships", ErrUnauthorized)
		case 1:
			tenantID = candidates[0].ID
		default:
			return LoginResult{UserID: u.ID, NeedsTenantSelection: true, Tenants: candidates}, nil
		}
	}

	m, err := s.store.GetMembership(ctx, tenantID, u.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, fmt.Errorf("%w: not a member of this tenant", ErrUnauthorized)
		}
		return LoginResult{}, err
	}
	if m.Status != StatusActive {
		return LoginResult{}, fmt.Errorf("%w: membership is %s", ErrUnauthorized, m.Status)
	}
	return s.issueForTenant(ctx, u, m, TokenMember)
}

// RequestPasswordReset always answers ResetRequestedMessage. Only an existing,
// active account gets a reset link by mail. tenantHint is copied into the link
// for the UI and is never used for authorization.
func (s *SessionService) RequestPasswordReset(ctx context.Context, email, tenantHint string) (msg string, err error) {
	ctx, span := tracer.Start(ctx, "auth.RequestPasswordReset")
	defer func() { finishSpan(span, err) }()

	email = NormalizeEmail(email)
	if !validEmail(email) {
		return ResetRequestedMessage, nil
	}
	if s.throttle != nil {
		ok, err := s.throttle.Allow(ctx, "reset:"+email)
		if err != nil {
			s.log.WithError(err).Warn("reset throttle unavailable")
		} else if !ok {
			s.log.WithField("event", "reset_throttled").Info("password reset throttled")
			return ResetRequestedMessage, nil
		}
	}
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ResetRequestedMessage, nil
		}
		return "", err
	}
	if !u.Active {
		return ResetRequestedMessage, nil
	}

	token, _, err := s.codec.Sign(Claims{
		Email:            u.Email,
		Type:             TokenReset,
		RegisteredClaims: subject(u.ID),
	}, s.cfg.ResetTTL)
	if err != nil {
		return "", err
	}
	q := url.Values{"token": {token}}
	if hint := strings.TrimSpace(tenantHint); hint != "" {
		q.Set("tenant", hint)
	}
	link := s.cfg.BaseURL + "/reset-password?" + q.Encode()
	body := fmt.Sprintf(`<p>We received a request to reset your password.</p><p><a href="%s">Reset password</a></p><p>This link expires in %s.</p>`, link, humanTTL(s.cfg.ResetTTL))
	if err := s.mailer.SendMail(ctx, u.Email, "Reset your password", body); err != nil {
		s.log.WithError(err).WithField("user_id", u.ID).Error("reset mail delivery failed")
		return "", fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return ResetRequestedMessage, nil
}

// ResetPassword sets a new password from a valid reset token. Outstanding
// session tokens are not revoked and stay valid until they expire.
func (s *SessionService) ResetPassword(ctx context.Context, token, newPassword string) (err error) {
	ctx, span := tracer.Start(ctx, "auth.ResetPassword")
	defer func() { finishSpan(span, err) }()

	claims, err := s.codec.Verify(token)
	if err != nil || claims.Type != TokenReset {
		return fmt.Errorf("%w: invalid or expired reset token", ErrBadRequest)
	}
	u, err := s.store.GetUser(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: invalid or expired reset token", ErrBadRequest)
		}
		return err
	}
	if NormalizeEmail(u.Email) != NormalizeEmail(claims.Email) {
		return fmt.Errorf("%w: invalid or expired reset token", ErrBadRequest)
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	_, err = s.store.UpdateUser(ctx, u.ID, UserUpdate{PasswordHash: &hash})
	return err
}

// ChangePassword is not offered yet and always fails closed.
func (s *SessionService) ChangePassword(ctx context.Context, rc RequestContext, current, next string) error {
	return fmt.Errorf("%w: self-service password change", ErrNotImplemented)
}

// CheckSession re-reads the caller's user and membership and returns a
// snapshot recomputed from current data. Claims are never trusted for roles.
func (s *SessionService) CheckSession(ctx context.Context, rc RequestContext) (snap SessionSnapshot, err error) {
	ctx, span := tracer.Start(ctx, "auth.CheckSession")
	defer func() { finishSpan(span, err) }()

	if rc.Claims == nil {
		return SessionSnapshot{}, fmt.Errorf("%w: missing session", ErrUnauthorized)
	}
	u, err := s.store.GetUser(ctx, rc.UserID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SessionSnapshot{}, fmt.Errorf("%w: session is no longer valid", ErrUnauthorized)
		}
		return SessionSnapshot{}, err
	}
	if !u.Active {
		return SessionSnapshot{}, fmt.Errorf("%w: session is no longer valid", ErrUnauthorized)
	}
	snap = SessionSnapshot{
		UserID:      u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Type:        rc.Claims.Type,
		Roles:       []string{},
		Permissions: []string{},
		Effective:   []string{},
	}
	tenantID := rc.Claims.TenantID
	if tenantID == "" {
		return snap, nil
	}
	m, err := s.store.GetMembership(ctx, tenantID, u.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return SessionSnapshot{}, fmt.Errorf("%w: membership no longer exists", ErrUnauthorized)
		}
		return SessionSnapshot{}, err
	}
	if m.Status != StatusActive {
		return SessionSnapshot{}, fmt.Errorf("%w: membership is %s", ErrUnauthorized, m.Status)
	}
	if rc.Claims.Type == TokenOwner && !m.IsOwner {
		return SessionSnapshot{}, fmt.Errorf("%w: ownership was revoked", ErrUnauthorized)
	}
	roles, perms, err := s.snapshot(ctx, tenantID, u.ID)
	if err != nil {
		return SessionSnapshot{}, err
	}
	snap.TenantID = tenantID
	snap.IsOwner = m.IsOwner
	catalog, err := s.store.ListPermissions(ctx)
	if err != nil {
		return SessionSnapshot{}, err
	}
	snap.Roles = roles
	snap.Permissions = perms
	snap.Effective = Expand(perms, PermissionNames(catalog))
	return snap, nil
}

// authenticate checks email and password. Unknown email, missing password,
// wrong password and inactive user all yield the same error.
func (s *SessionService) authenticate(ctx context.Context, email, password string) (User, error) {
	invalid := fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return User{}, invalid
	}
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.hasher.burn(password)
			return User{}, invalid
		}
		return User{}, err
	}
	if u.PasswordHash == "" {
		s.hasher.burn(password)
		return User{}, invalid
	}
	ok, err := s.hasher.Verify(password, u.PasswordHash)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"integrity": true, "user_id": u.ID}).Error("stored password hash is corrupt")
		return User{}, err
	}
	if !ok || !u.Active {
		return User{}, invalid
	}
	return u, nil
}

// resolveCandidateTenants lists the tenants where userID has an active membership.
func (s *SessionService) resolveCandidateTenants(ctx context.Context, userID string) ([]TenantSummary, error) {
	memberships, err := s.store.ListMembershipsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []TenantSummary
	for _, mt := range memberships {
		if mt.Membership.Status == StatusActive {
			out = append(out, mt.Tenant)
		}
	}
	return out, nil
}

// issueForTenant signs a tenant-scoped token carrying the membership's
// current role names and flattened permissions.
func (s *SessionService) issueForTenant(ctx context.Context, u User, m Membership, typ TokenType) (LoginResult, error) {
	roles, perms, err := s.snapshot(ctx, m.TenantID, u.ID)
	if err != nil {
		return LoginResult{}, err
	}
	token, exp, err := s.codec.Sign(Claims{
		Email:            u.Email,
		TenantID:         m.TenantID,
		Roles:            roles,
		Perms:            perms,
		Type:             typ,
		RegisteredClaims: subject(u.ID),
	}, s.cfg.SessionTTL)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		Token:       token,
		ExpiresAt:   exp,
		Type:        typ,
		UserID:      u.ID,
		TenantID:    m.TenantID,
		Roles:       roles,
		Permissions: perms,
	}, nil
}

func (s *SessionService) issueGlobal(u User) (LoginResult, error) {
	token, exp, err := s.codec.Sign(Claims{
		Email:            u.Email,
		Type:             TokenOwnerGlobal,
		RegisteredClaims: subject(u.ID),
	}, s.cfg.SessionTTL)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, ExpiresAt: exp, Type: TokenOwnerGlobal, UserID: u.ID}, nil
}

// snapshot reads the membership's role names and effective permissions.
func (s *SessionService) snapshot(ctx context.Context, tenantID, userID string) ([]string, []string, error) {
	roles, err := s.store.MembershipRoles(ctx, tenantID, userID)
	if err != nil {
		return nil, nil, err
	}
	names := roleNames(roles)
	sort.Strings(names)
	perms, err := s.store.MembershipPermissions(ctx, tenantID, userID)
	if err != nil {
		return nil, nil, err
	}
	perms = append([]string(nil), perms...)
	sort.Strings(perms)
	return names, perms, nil
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func validEmail(email string) bool {
	at := strings.LastIndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}

func humanTTL(d time.Duration) string {
	plural := func(n int, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return plural(int(d/(24*time.Hour)), "day")
	case d >= time.Hour && d%time.Hour == 0:
		return plural(int(d/time.Hour), "hour")
	}
	return plural(int(d/time.Minute), "minute")
}
