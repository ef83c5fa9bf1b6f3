package infrastructure

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// GenerateTraceID creates a new unique trace ID using UUID v4
func GenerateTraceID() string {
	return uuid.New().String()
}

// ContextWithTraceID creates a new context with a generated trace ID
func ContextWithTraceID(ctx context.Context) context.Context {
	return WithTraceID(ctx, GenerateTraceID())
}

// EnsureTraceID ensures the context has a trace ID, generating one if needed
func EnsureTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) == "" {
		return ContextWithTraceID(ctx)
	}
	return ctx
}

// WithComponent creates a logger with a component field
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = GetLogger()
	}
	return logger.With(slog.String("component", component))
}

// MaskLicenseKey keeps the format tag and tier plus the last four
// characters so support can correlate keys without seeing them.
func MaskLicenseKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}
	parts := strings.SplitN(key, ".", 3)
	tail := key
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	if len(parts) < 3 {
		return "****" + tail
	}
	return parts[0] + "." + parts[1] + ".****" + tail
}

// ShortFingerprint truncates a machine fingerprint for log output
func ShortFingerprint(fingerprint string) string {
	if len(fingerprint) <= 12 {
		return fingerprint
	}
	return fingerprint[:12]
}
