package auth

import "context"

// RequestContext is the per-request identity resolved by the gate. It is passed
// explicitly into every service call that acts on behalf of a caller.
type RequestContext struct {
	Claims    *Claims
	TenantID  string
	RequestID string
}

// UserID returns the authenticated subject, or "" when unauthenticated.
func (rc RequestContext) UserID() string {
	return rc.Claims.UserID()
}

// HasRole reports whether the caller's claims carry the role (case-insensitive).
func (rc RequestContext) HasRole(name string) bool {
	if rc.Claims == nil {
		return false
	}
	return containsFold(rc.Claims.Roles, name)
}

// Super reports whether the caller holds a role that bypasses permission checks.
func (rc RequestContext) Super() bool {
	for _, s := range superRoles {
		if rc.HasRole(s) {
			return true
		}
	}
	return false
}

type requestContextKey struct{}

// WithRequestContext attaches rc to ctx.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom extracts the request context previously attached by the gate.
func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	if ctx == nil {
		return RequestContext{}, false
	}
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	if !ok || rc.Claims == nil {
		return RequestContext{}, false
	}
	return rc, true
}
