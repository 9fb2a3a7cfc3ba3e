package instrumentation

import (
	"log/slog"
	"time"

	"github.com/guardpost/guardpost/internal/logging"
)

// Audit event types. One constant per security-relevant state change.
const (
	EventTokensStored       = "tokens_stored"
	EventTokenRefreshed     = "token_refreshed"
	EventRefreshFailed      = "refresh_failed"
	EventReauthRequired     = "reauth_required"
	EventValidationFailed   = "validation_failed"
	EventSessionCreated     = "session_created"
	EventSessionInvalidated = "session_invalidated"
	EventCleanupCompleted   = "cleanup_completed"
)

// SecurityEvent captures one security-relevant state change for the audit
// trail.
//
// # Privacy Considerations
//
// The UserID field is PII. When logging, the AuditLogger substitutes an
// anonymized hash unless PII inclusion is explicitly enabled. Ensure audit
// logs with PII have appropriate access controls.
type SecurityEvent struct {
	// Event type, one of the Event* constants
	Type string

	// User identity (from OAuth)
	UserID string

	// ErrorCode classifies failures (empty on success)
	ErrorCode string

	// Detail is a short human-readable description
	Detail string

	// Execution details
	Time     time.Time
	Duration time.Duration
	Success  bool

	// Count carries a quantity for bulk events such as cleanup
	Count int

	// Tracing context
	TraceID string
	SpanID  string
}

// LogAttrs returns slog attributes for the event. includePII controls
// whether the raw user ID or its anonymized hash is used.
func (e *SecurityEvent) LogAttrs(includePII bool) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("event", e.Type),
		slog.Bool("success", e.Success),
	}

	if e.UserID != "" {
		if includePII {
			attrs = append(attrs, slog.String("user", e.UserID))
		} else {
			attrs = append(attrs, slog.String(logging.KeyUserHash, logging.AnonymizeUserID(e.UserID)))
		}
	}
	if e.ErrorCode != "" {
		attrs = append(attrs, slog.String("error_code", e.ErrorCode))
	}
	if e.Detail != "" {
		attrs = append(attrs, slog.String("detail", e.Detail))
	}
	if e.Duration > 0 {
		attrs = append(attrs, slog.Duration(logging.KeyDuration, e.Duration))
	}
	if e.Count > 0 {
		attrs = append(attrs, slog.Int("count", e.Count))
	}
	if e.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", e.TraceID))
	}
	if e.SpanID != "" {
		attrs = append(attrs, slog.String("span_id", e.SpanID))
	}

	return attrs
}

// AuditLogger emits one structured log line per security event.
type AuditLogger struct {
	logger     *slog.Logger
	includePII bool
	enabled    bool
}

// NewAuditLogger creates a new AuditLogger with PII excluded.
func NewAuditLogger(logger *slog.Logger) *AuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLogger{
		logger:     logger.With(slog.String(logging.KeyComponent, "audit")),
		includePII: false,
		enabled:    true,
	}
}

// NewAuditLoggerWithConfig creates a new AuditLogger with the given configuration.
func NewAuditLoggerWithConfig(logger *slog.Logger, config AuditLoggingConfig) *AuditLogger {
	al := NewAuditLogger(logger)
	al.includePII = config.IncludePII
	al.enabled = config.Enabled
	return al
}

// SetIncludePII sets whether raw user identifiers appear in audit logs.
func (al *AuditLogger) SetIncludePII(include bool) {
	al.includePII = include
}

// SetEnabled sets whether audit logging is enabled.
func (al *AuditLogger) SetEnabled(enabled bool) {
	al.enabled = enabled
}

// LogEvent writes one audit line for the event. Failed events log at Warn
// so they surface in default log filters.
func (al *AuditLogger) LogEvent(e *SecurityEvent) {
	if !al.enabled {
		return
	}

	attrs := e.LogAttrs(al.includePII)
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}

	if e.Success {
		al.logger.Info("security_event", args...)
	} else {
		al.logger.Warn("security_event", args...)
	}
}
