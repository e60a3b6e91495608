package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"stockroom.app/internal/auth"
	"stockroom.app/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// gated runs the authorization gate for one route and hands the handler an
// explicit auth.RequestContext.
func (a *API) gated(req auth.Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if req.Public {
				obs.AuthDecision(true, auth.ReasonPublic)
				next.ServeHTTP(w, r)
				return
			}
			token, _ := extractBearerToken(r.Header.Get(authHeader))
			decision, err := a.svc.Gate.Check(token, r.Header.Get(auth.TenantHeader), req)
			obs.AuthDecision(decision.Allowed(), decision.Reason)
			if err != nil || !decision.Allowed() {
				if err == nil {
					err = auth.ErrForbidden
				}
				a.log.WithFields(map[string]any{
					"request_id": RequestIDFromContext(r.Context()),
					"path":       r.URL.Path,
					"stage":      decision.Stage.String(),
					"reason":     decision.Reason,
				}).Debug("access_denied")
				handleAuthError(w, r, err)
				return
			}
			rc := decision.RequestContext(RequestIDFromContext(r.Context()))
			next.ServeHTTP(w, r.WithContext(auth.WithRequestContext(r.Context(), rc)))
		})
	}
}

// requestContext returns the context attached by gated. Handlers behind an
// authenticated route always have one.
func requestContext(r *http.Request) auth.RequestContext {
	rc, _ := auth.RequestContextFrom(r.Context())
	return rc
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
