package auth

import (
	"fmt"
	"strings"
)

// TenantHeader carries an explicit per-request tenant identifier.
const TenantHeader = "X-Tenant-ID"

// ResolveTenant returns the tenant a request operates against: the explicit
// identifier when present, otherwise the tenant embedded in the claims. When
// required and neither is present it fails with ErrBadRequest.
//
// ResolveTenant does not compare the two sources; the gate's tenant-match
// guard does that after role and permission checks.
func ResolveTenant(explicit string, claims *Claims, required bool) (string, error) {
	if t := strings.TrimSpace(explicit); t != "" {
		return t, nil
	}
	if claims != nil {
		if t := strings.TrimSpace(claims.TenantID); t != "" {
			return t, nil
		}
	}
	if required {
		return "", fmt.Errorf("%w: tenant context is required (set %s or use a tenant-scoped token)", ErrBadRequest, TenantHeader)
	}
	return "", nil
}
