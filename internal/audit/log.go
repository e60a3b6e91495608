// Package audit records security-relevant actions such as logins, role
// changes and membership updates as structured log entries.
package audit

import (
	"context"
	"errors"
	"maps"
	"strings"

	"github.com/sirupsen/logrus"

	"stockroom.app/internal/auth"
	"stockroom.app/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit entry enriched with the caller's request context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	return logTo(obs.Logger(), ctx, event, fields)
}

func logTo(log logrus.FieldLogger, ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := logrus.Fields{
		"type":   "audit",
		"event":  event,
		"fields": maps.Clone(fields),
	}
	if fields == nil {
		entry["fields"] = map[string]any{}
	}
	rid := requestIDFromContext(ctx)
	if rc, ok := auth.RequestContextFrom(ctx); ok {
		entry["user_id"] = rc.UserID()
		if rc.TenantID != "" {
			entry["tenant_id"] = rc.TenantID
		}
		if rc.RequestID != "" {
			rid = rc.RequestID
		}
	}
	if rid != "" {
		entry["request_id"] = rid
	}
	log.WithFields(entry).Info("audit")
	return nil
}
