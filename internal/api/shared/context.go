package shared

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"

	"github.com/google/uuid"
)

// ContextKey is the type of request context keys set by the middleware.
type ContextKey string

const (
	// TenantIDContextKey holds the tenant the request acts for.
	TenantIDContextKey ContextKey = "tenantID"

	// OperatorIDContextKey holds the authenticated operator.
	OperatorIDContextKey ContextKey = "operatorID"

	// TraceIDKey holds the request's trace ID.
	TraceIDKey ContextKey = "traceID"

	// TraceIDLength is the number of random bytes in a trace ID.
	TraceIDLength = 16
)

// SetTraceID returns a copy of ctx carrying a new trace ID.
func SetTraceID(ctx context.Context) context.Context {
	return context.WithValue(ctx, TraceIDKey, generateTraceID())
}

// GetTraceID returns the request's trace ID, or "".
func GetTraceID(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// WithPrincipal returns a copy of ctx carrying the operator and tenant.
func WithPrincipal(ctx context.Context, operatorID, tenantID uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, OperatorIDContextKey, operatorID)
	return context.WithValue(ctx, TenantIDContextKey, tenantID)
}

// TenantID returns the tenant set by the auth middleware.
func TenantID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(TenantIDContextKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

// OperatorID returns the operator set by the auth middleware.
func OperatorID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(OperatorIDContextKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

func generateTraceID() string {
	b := make([]byte, TraceIDLength)
	if n, err := rand.Read(b); err != nil || n != TraceIDLength {
		slog.Error("failed to generate random trace ID, using a UUID", "error", err, "bytes_read", n)
		return uuid.NewString()
	}
	return hex.EncodeToString(b)
}
