package audit

import (
	"context"

	"github.com/platinummonkey/classbook/pkg/observability"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log persists an audit entry, setting its ID when the backend assigns one
	Log(ctx context.Context, entry *Entry) error

	// Close closes the logger and flushes any buffered entries
	Close() error
}

type contextKey string

// AuditLoggerKey is the context key for the audit logger
const AuditLoggerKey contextKey = "audit_logger"

// WithLogger adds an audit logger to the context
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, AuditLoggerKey, logger)
}

// FromContext retrieves the audit logger from context
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(AuditLoggerKey).(Logger); ok {
		return logger
	}
	return NoOpLogger()
}

// NoOpLogger returns a logger that drops every entry
func NoOpLogger() Logger {
	return noOpLogger{}
}

type noOpLogger struct{}

func (noOpLogger) Log(ctx context.Context, entry *Entry) error { return nil }
func (noOpLogger) Close() error                                { return nil }

// StructuredLogger writes audit entries to the application log
type StructuredLogger struct {
	logger *observability.Logger
}

// NewStructuredLogger creates an audit logger backed by the structured application log
func NewStructuredLogger(logger *observability.Logger) *StructuredLogger {
	return &StructuredLogger{logger: logger.WithField("component", "audit")}
}

// Log writes the entry as a single structured log line
func (l *StructuredLogger) Log(ctx context.Context, entry *Entry) error {
	fields := map[string]interface{}{
		"event_type":        string(entry.EventType),
		"organization_id":   entry.OrganizationID,
		"organization_name": entry.OrganizationName,
		"actor":             entry.Actor,
		"failure_count":     entry.FailureCount,
		"staff_count":       len(entry.Staff),
	}
	if entry.Reason != "" {
		fields["reason"] = entry.Reason
	}
	if requestID := observability.GetRequestID(ctx); requestID != "" {
		fields["request_id"] = requestID
	}
	l.logger.WithFields(fields).Info("audit entry")
	return nil
}

// Close is a no-op
func (l *StructuredLogger) Close() error {
	return nil
}
