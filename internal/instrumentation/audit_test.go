package instrumentation

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/guardpost/guardpost/internal/logging"
)

const testUserID = "user-1234"

func captureAuditLogger(config AuditLoggingConfig) (*AuditLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewAuditLoggerWithConfig(logger, config), &buf
}

func TestSecurityEvent_LogAttrsAnonymized(t *testing.T) {
	e := &SecurityEvent{
		Type:      EventRefreshFailed,
		UserID:    testUserID,
		ErrorCode: "REFRESH_FAILED",
		Success:   false,
		Duration:  250 * time.Millisecond,
	}

	attrs := e.LogAttrs(false)

	attrMap := make(map[string]slog.Value)
	for _, attr := range attrs {
		attrMap[attr.Key] = attr.Value
	}

	if _, ok := attrMap["user"]; ok {
		t.Error("raw user ID must not appear without IncludePII")
	}
	got, ok := attrMap[logging.KeyUserHash]
	if !ok {
		t.Fatal("expected user_hash attribute")
	}
	if got.String() == testUserID {
		t.Error("user_hash must not equal the raw user ID")
	}
	if attrMap["error_code"].String() != "REFRESH_FAILED" {
		t.Errorf("error_code = %q, want REFRESH_FAILED", attrMap["error_code"].String())
	}
}

func TestSecurityEvent_LogAttrsWithPII(t *testing.T) {
	e := &SecurityEvent{
		Type:    EventTokensStored,
		UserID:  testUserID,
		Success: true,
	}

	attrs := e.LogAttrs(true)

	found := false
	for _, attr := range attrs {
		if attr.Key == "user" && attr.Value.String() == testUserID {
			found = true
		}
	}
	if !found {
		t.Error("expected raw user ID with IncludePII enabled")
	}
}

func TestSecurityEvent_OptionalFieldsOmitted(t *testing.T) {
	e := &SecurityEvent{
		Type:    EventCleanupCompleted,
		Success: true,
		Count:   12,
	}

	attrs := e.LogAttrs(false)

	for _, attr := range attrs {
		switch attr.Key {
		case "user", logging.KeyUserHash, "error_code", "detail", "trace_id", "span_id":
			t.Errorf("unexpected attribute %q for minimal event", attr.Key)
		}
	}
}

func TestAuditLogger_LogEvent(t *testing.T) {
	al, buf := captureAuditLogger(AuditLoggingConfig{Enabled: true})

	al.LogEvent(&SecurityEvent{
		Type:    EventSessionCreated,
		UserID:  testUserID,
		Success: true,
	})

	out := buf.String()
	if !strings.Contains(out, EventSessionCreated) {
		t.Errorf("expected event type in output, got %q", out)
	}
	if strings.Contains(out, testUserID) {
		t.Error("raw user ID leaked into audit log without IncludePII")
	}
}

func TestAuditLogger_FailureLogsAtWarn(t *testing.T) {
	al, buf := captureAuditLogger(AuditLoggingConfig{Enabled: true})

	al.LogEvent(&SecurityEvent{
		Type:      EventReauthRequired,
		UserID:    testUserID,
		ErrorCode: "REFRESH_FAILED",
		Success:   false,
	})

	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Errorf("expected WARN level for failed event, got %q", buf.String())
	}
}

func TestAuditLogger_Disabled(t *testing.T) {
	al, buf := captureAuditLogger(AuditLoggingConfig{Enabled: false})

	al.LogEvent(&SecurityEvent{Type: EventTokenRefreshed, Success: true})

	if buf.Len() != 0 {
		t.Errorf("expected no output from disabled audit logger, got %q", buf.String())
	}
}

func TestAuditLogger_IncludePII(t *testing.T) {
	al, buf := captureAuditLogger(AuditLoggingConfig{Enabled: true, IncludePII: true})

	al.LogEvent(&SecurityEvent{
		Type:    EventSessionInvalidated,
		UserID:  testUserID,
		Success: true,
	})

	if !strings.Contains(buf.String(), testUserID) {
		t.Error("expected raw user ID with IncludePII enabled")
	}
}

func TestAuditLogger_Setters(t *testing.T) {
	al, buf := captureAuditLogger(AuditLoggingConfig{Enabled: true})

	al.SetEnabled(false)
	al.LogEvent(&SecurityEvent{Type: EventValidationFailed})
	if buf.Len() != 0 {
		t.Error("expected no output after SetEnabled(false)")
	}

	al.SetEnabled(true)
	al.SetIncludePII(true)
	al.LogEvent(&SecurityEvent{Type: EventValidationFailed, UserID: testUserID})
	if !strings.Contains(buf.String(), testUserID) {
		t.Error("expected raw user ID after SetIncludePII(true)")
	}
}
