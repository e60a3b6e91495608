package auth

import (
	"errors"
	"fmt"
	"strings"
)

// Requirement is what a route declares about its callers. Empty Roles or
// Permissions means no constraint of that kind.
type Requirement struct {
	Public       bool
	TenantScoped bool
	Roles        []string
	Permissions  []string
}

// Stage is the last state the gate reached while evaluating a request.
type Stage int

const (
	StageUnauthenticated Stage = iota
	StageTokenVerified
	StageTenantResolved
	StageRoleChecked
	StagePermissionChecked
	StageAuthorized
	StageDenied
)

func (s Stage) String() string {
	switch s {
	case StageUnauthenticated:
		return "unauthenticated"
	case StageTokenVerified:
		return "token_verified"
	case StageTenantResolved:
		return "tenant_resolved"
	case StageRoleChecked:
		return "role_checked"
	case StagePermissionChecked:
		return "permission_checked"
	case StageAuthorized:
		return "authorized"
	case StageDenied:
		return "denied"
	}
	return "unknown"
}

// Deny reasons reported in Decision.Reason.
const (
	ReasonMissingToken      = "missing_token"
	ReasonInvalidToken      = "invalid_token"
	ReasonWrongTokenType    = "wrong_token_type"
	ReasonMissingTenant     = "missing_tenant"
	ReasonMissingRole       = "missing_role"
	ReasonMissingPermission = "missing_permission"
	ReasonTenantMismatch    = "tenant_mismatch"
	ReasonPublic            = "public"
	ReasonSuperRole         = "super_role"
	ReasonGranted           = "granted"
)

// Decision is the outcome of Gate.Check.
type Decision struct {
	Stage     Stage
	Reason    string
	Claims    *Claims
	TenantID  string
	SuperRole string
}

// Allowed reports whether the request may proceed.
func (d Decision) Allowed() bool { return d.Stage == StageAuthorized }

// RequestContext converts an authorized decision into the value handlers receive.
func (d Decision) RequestContext(requestID string) RequestContext {
	return RequestContext{Claims: d.Claims, TenantID: d.TenantID, RequestID: requestID}
}

// Gate combines verified claims, route requirements and tenant context into an
// allow or deny decision. It performs no store access.
type Gate struct {
	codec *TokenCodec
}

// NewGate builds a gate that verifies tokens with codec.
func NewGate(codec *TokenCodec) *Gate {
	return &Gate{codec: codec}
}

// Check verifies the bearer token and then authorizes it. Public requirements
// are allowed without a token.
func (g *Gate) Check(token, explicitTenant string, req Requirement) (Decision, error) {
	if req.Public {
		return Decision{Stage: StageAuthorized, Reason: ReasonPublic}, nil
	}
	claims, err := g.Authenticate(token)
	if err != nil {
		reason := ReasonInvalidToken
		switch {
		case strings.TrimSpace(token) == "":
			reason = ReasonMissingToken
		case !errors.Is(err, ErrTokenInvalid):
			reason = ReasonWrongTokenType
		}
		return Decision{Stage: StageDenied, Reason: reason}, err
	}
	return g.Authorize(claims, explicitTenant, req)
}

// Authenticate verifies a bearer token and requires a session token type.
// Reset and invitation tokens never authenticate API requests.
func (g *Gate) Authenticate(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}
	claims, err := g.codec.Verify(token)
	if err != nil {
		return nil, err
	}
	if !claims.Type.Session() {
		return nil, fmt.Errorf("%w: token type %q cannot authenticate requests", ErrUnauthorized, claims.Type)
	}
	return claims, nil
}

// Authorize runs the tenant, role, permission and tenant-match stages for
// already verified claims.
func (g *Gate) Authorize(claims *Claims, explicitTenant string, req Requirement) (Decision, error) {
	if claims == nil {
		return Decision{Stage: StageDenied, Reason: ReasonMissingToken}, fmt.Errorf("%w: missing claims", ErrUnauthorized)
	}
	d := Decision{Stage: StageTokenVerified, Claims: claims}

	tenantID, err := ResolveTenant(explicitTenant, claims, req.TenantScoped)
	if err != nil {
		return g.deny(d, ReasonMissingTenant), err
	}
	d.TenantID = tenantID
	d.Stage = StageTenantResolved

	if len(req.Roles) > 0 && !intersectsFold(claims.Roles, req.Roles) {
		return g.deny(d, ReasonMissingRole), fmt.Errorf("%w: insufficient role", ErrForbidden)
	}
	d.Stage = StageRoleChecked

	d.Reason = ReasonGranted
	if super := superRole(claims.Roles); super != "" {
		d.SuperRole = super
		d.Reason = ReasonSuperRole
	} else {
		if !Allowed(req.Permissions, claims.Perms) {
			return g.deny(d, ReasonMissingPermission), fmt.Errorf("%w: insufficient permissions", ErrForbidden)
		}
		d.Stage = StagePermissionChecked
	}

	explicit := strings.TrimSpace(explicitTenant)
	if explicit != "" && claims.TenantID != "" && explicit != claims.TenantID {
		return g.deny(d, ReasonTenantMismatch), fmt.Errorf("%w: tenant mismatch", ErrForbidden)
	}
	d.Stage = StageAuthorized
	return d, nil
}

func (g *Gate) deny(d Decision, reason string) Decision {
	d.Stage = StageDenied
	d.Reason = reason
	d.SuperRole = ""
	return d
}

// superRoles bypass permission checks, in precedence order.
var superRoles = []string{RoleOwner, RoleAdminName}

func superRole(roles []string) string {
	for _, s := range superRoles {
		if containsFold(roles, s) {
			return s
		}
	}
	return ""
}

func isSuperRoleName(name string) bool { return containsFold(superRoles, name) }

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}

func intersectsFold(have, want []string) bool {
	for _, w := range want {
		if containsFold(have, w) {
			return true
		}
	}
	return false
}
