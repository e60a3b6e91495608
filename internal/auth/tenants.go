package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// TenantCreated is the result of creating a tenant.
type TenantCreated struct {
	Tenant  Tenant      `json:"tenant"`
	Session LoginResult `json:"session"`
}

// TenantService creates tenants and manages their memberships. It issues
// tokens through the SessionService it wraps.
type TenantService struct {
	store    Store
	sessions *SessionService
}

// NewTenantService constructs a TenantService.
func NewTenantService(store Store, sessions *SessionService) (*TenantService, error) {
	if store == nil || sessions == nil {
		return nil, errors.New("auth: store and session service are required")
	}
	return &TenantService{store: store, sessions: sessions}, nil
}

// CreateTenant creates a tenant owned by the caller, seeds the Owner and Admin
// roles with the full catalog and returns an owner token for it.
func (t *TenantService) CreateTenant(ctx context.Context, rc RequestContext, name, slug string) (out TenantCreated, err error) {
	ctx, span := tracer.Start(ctx, "auth.CreateTenant")
	defer func() { finishSpan(span, err) }()

	if rc.Claims == nil {
		return TenantCreated{}, fmt.Errorf("%w: missing session", ErrUnauthorized)
	}
	if rc.Claims.Type != TokenOwnerGlobal && rc.Claims.Type != TokenOwner {
		return TenantCreated{}, fmt.Errorf("%w: only owners can create tenants", ErrForbidden)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return TenantCreated{}, fmt.Errorf("%w: tenant name is required", ErrValidation)
	}
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" {
		slug = Slugify(name)
	}
	if len(slug) < 3 || len(slug) > 63 || !slugPattern.MatchString(slug) {
		return TenantCreated{}, fmt.Errorf("%w: slug must be 3-63 characters of a-z, 0-9 and '-'", ErrValidation)
	}

	u, err := t.store.GetUser(ctx, rc.UserID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TenantCreated{}, fmt.Errorf("%w: session is no longer valid", ErrUnauthorized)
		}
		return TenantCreated{}, err
	}
	if !u.Active {
		return TenantCreated{}, fmt.Errorf("%w: session is no longer valid", ErrUnauthorized)
	}
	catalog, err := t.store.ListPermissions(ctx)
	if err != nil {
		return TenantCreated{}, err
	}
	if len(catalog) == 0 {
		t.sessions.log.WithField("integrity", true).Error("permission catalog is empty")
		return TenantCreated{}, fmt.Errorf("%w: permission catalog is empty", ErrIntegrity)
	}

	tenant, m, err := t.store.CreateTenant(ctx, TenantBootstrap{
		Tenant:      Tenant{Name: name, Slug: slug, Currency: "USD", Timezone: "UTC"},
		OwnerUserID: u.ID,
		AcceptedAt:  t.sessions.now().UTC(),
		Roles:       []string{RoleOwner, RoleAdminName},
		Permissions: PermissionNames(catalog),
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return TenantCreated{}, fmt.Errorf("%w: slug %q is taken", ErrAlreadyExists, slug)
		}
		return TenantCreated{}, err
	}
	span.SetAttributes(attribute.String("tenant.id", tenant.ID))
	session, err := t.sessions.issueForTenant(ctx, u, m, TokenOwner)
	if err != nil {
		return TenantCreated{}, err
	}
	return TenantCreated{Tenant: tenant, Session: session}, nil
}

// ListMyTenants lists the caller's active memberships.
func (t *TenantService) ListMyTenants(ctx context.Context, rc RequestContext) ([]MembershipTenant, error) {
	if rc.Claims == nil {
		return nil, fmt.Errorf("%w: missing session", ErrUnauthorized)
	}
	all, err := t.store.ListMembershipsForUser(ctx, rc.UserID())
	if err != nil {
		return nil, err
	}
	out := make([]MembershipTenant, 0, len(all))
	for _, mt := range all {
		if mt.Membership.Status == StatusActive {
			out = append(out, mt)
		}
	}
	return out, nil
}

// ListMembers lists the memberships of the caller's tenant.
func (t *TenantService) ListMembers(ctx context.Context, rc RequestContext) ([]Member, error) {
	tenantID, err := tenantOf(rc)
	if err != nil {
		return nil, err
	}
	return t.store.ListMembers(ctx, tenantID)
}

// InviteMember creates an invited membership for email in the caller's
// tenant and mails a tenant invitation. Unknown emails get an inactive user
// without a password. A delivery failure leaves the invitation in place.
func (t *TenantService) InviteMember(ctx context.Context, rc RequestContext, email string, roleIDs []string) (member Member, err error) {
	ctx, span := tracer.Start(ctx, "auth.InviteMember")
	defer func() { finishSpan(span, err) }()

	tenantID, err := tenantOf(rc)
	if err != nil {
		return Member{}, err
	}
	email = NormalizeEmail(email)
	if !validEmail(email) {
		return Member{}, fmt.Errorf("%w: valid email is required", ErrValidation)
	}
	ids, err := checkRoleIDs(ctx, t.store, rc, tenantID, roleIDs)
	if err != nil {
		return Member{}, err
	}
	tenant, err := t.store.GetTenant(ctx, tenantID)
	if err != nil {
		return Member{}, err
	}

	u, err := t.store.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		u, err = t.store.CreateUser(ctx, User{Email: email, Active: false})
		if err != nil {
			return Member{}, err
		}
	case err != nil:
		return Member{}, err
	}
	if _, err := t.store.GetMembership(ctx, tenantID, u.ID); err == nil {
		return Member{}, fmt.Errorf("%w: user is already a member of this tenant", ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return Member{}, err
	}

	now := t.sessions.now().UTC()
	m, err := t.store.CreateMembership(ctx, Membership{
		UserID:    u.ID,
		TenantID:  tenantID,
		Status:    StatusInvited,
		InvitedAt: &now,
	}, ids)
	if err != nil {
		return Member{}, err
	}
	roles, err := t.store.MembershipRoles(ctx, tenantID, u.ID)
	if err != nil {
		return Member{}, err
	}
	member = Member{Membership: m, Email: u.Email, Name: u.Name, Roles: roleNames(roles)}
	if err := t.sendInvite(ctx, u, tenant, t.sessions.cfg.TenantInviteTTL); err != nil {
		return Member{}, err
	}
	return member, nil
}

// ResendInvite mails a fresh short-lived invitation for a pending membership.
func (t *TenantService) ResendInvite(ctx context.Context, rc RequestContext, userID string) error {
	tenantID, err := tenantOf(rc)
	if err != nil {
		return err
	}
	m, err := t.store.GetMembership(ctx, tenantID, strings.TrimSpace(userID))
	if err != nil {
		return err
	}
	if m.Status != StatusInvited {
		return fmt.Errorf("%w: membership is %s, not invited", ErrConflict, m.Status)
	}
	u, err := t.store.GetUser(ctx, m.UserID)
	if err != nil {
		return err
	}
	tenant, err := t.store.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	return t.sendInvite(ctx, u, tenant, t.sessions.cfg.InviteTTL)
}

// AcceptInvite activates an invited membership. A user without a password
// sets one here and becomes active. Returns a member token for the tenant.
func (t *TenantService) AcceptInvite(ctx context.Context, token, password, name string) (res LoginResult, err error) {
	ctx, span := tracer.Start(ctx, "auth.AcceptInvite")
	defer func() { finishSpan(span, err) }()

	invalid := fmt.Errorf("%w: invalid or expired invitation", ErrBadRequest)
	claims, err := t.sessions.codec.Verify(token)
	if err != nil || claims.Type != TokenInvite || claims.TenantID == "" {
		return LoginResult{}, invalid
	}
	u, err := t.store.GetUser(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, invalid
		}
		return LoginResult{}, err
	}
	if NormalizeEmail(u.Email) != NormalizeEmail(claims.Email) {
		return LoginResult{}, invalid
	}
	m, err := t.store.GetMembership(ctx, claims.TenantID, u.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, invalid
		}
		return LoginResult{}, err
	}
	if m.Status != StatusInvited {
		return LoginResult{}, fmt.Errorf("%w: invitation is no longer pending", ErrBadRequest)
	}

	if u.PasswordHash == "" {
		hash, err := t.sessions.hasher.Hash(password)
		if err != nil {
			return LoginResult{}, err
		}
		active := true
		upd := UserUpdate{PasswordHash: &hash, Active: &active}
		if n := strings.TrimSpace(name); n != "" {
			upd.Name = &n
		}
		if u, err = t.store.UpdateUser(ctx, u.ID, upd); err != nil {
			return LoginResult{}, err
		}
	} else if !u.Active {
		return LoginResult{}, fmt.Errorf("%w: account is deactivated", ErrUnauthorized)
	}

	now := t.sessions.now().UTC()
	m, err = t.store.UpdateMembershipStatus(ctx, m.TenantID, u.ID, StatusActive, &now)
	if err != nil {
		return LoginResult{}, err
	}
	return t.sessions.issueForTenant(ctx, u, m, TokenMember)
}

// SetMembershipStatus moves a membership between active and suspended. The
// owner membership cannot be suspended and pending invitations cannot change.
func (t *TenantService) SetMembershipStatus(ctx context.Context, rc RequestContext, userID string, status MembershipStatus) (Membership, error) {
	tenantID, err := tenantOf(rc)
	if err != nil {
		return Membership{}, err
	}
	switch {
	case !status.Valid():
		return Membership{}, fmt.Errorf("%w: unknown membership status %q", ErrValidation, status)
	case status == StatusInvited:
		return Membership{}, fmt.Errorf("%w: status must be active or suspended", ErrValidation)
	}
	m, err := t.store.GetMembership(ctx, tenantID, strings.TrimSpace(userID))
	if err != nil {
		return Membership{}, err
	}
	if m.IsOwner && status == StatusSuspended {
		return Membership{}, fmt.Errorf("%w: the owner membership cannot be suspended", ErrForbidden)
	}
	if m.Status == StatusInvited {
		return Membership{}, fmt.Errorf("%w: invitation has not been accepted", ErrConflict)
	}
	if m.Status == status {
		return m, nil
	}
	return t.store.UpdateMembershipStatus(ctx, tenantID, m.UserID, status, m.AcceptedAt)
}

func (t *TenantService) sendInvite(ctx context.Context, u User, tenant Tenant, ttl time.Duration) error {
	s := t.sessions
	token, _, err := s.codec.Sign(Claims{
		Email:            u.Email,
		TenantID:         tenant.ID,
		Type:             TokenInvite,
		RegisteredClaims: subject(u.ID),
	}, ttl)
	if err != nil {
		return err
	}
	link := s.cfg.BaseURL + "/accept-invite?" + url.Values{"token": {token}}.Encode()
	body := fmt.Sprintf(`<p>You have been invited to join %s.</p><p><a href="%s">Accept invitation</a></p><p>This link expires in %s.</p>`, tenant.Name, link, humanTTL(ttl))
	if err := s.mailer.SendMail(ctx, u.Email, "You're invited to "+tenant.Name, body); err != nil {
		s.log.WithError(err).WithField("tenant_id", tenant.ID).Error("invitation mail delivery failed")
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return nil
}

// Slugify derives a tenant slug from a display name.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > 63 {
		out = strings.TrimSuffix(out[:63], "-")
	}
	return out
}

func roleNames(roles []Role) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, r.Name)
	}
	return out
}
