package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAuditor(t *testing.T) {
	auditor := NewAuditor(nil, true)
	if auditor.logger == nil {
		t.Error("logger should default to slog.Default()")
	}
	if !auditor.enabled {
		t.Error("enabled should be true")
	}
}

func TestAuditor_HashesUserID(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogLoginSucceeded("user-secret-id", "sess-1", "tiktok")

	out := buf.String()
	if strings.Contains(out, "user-secret-id") {
		t.Error("raw user ID must not be logged")
	}
	if !strings.Contains(out, HashForLogging("user-secret-id")) {
		t.Error("hashed user ID missing from log")
	}
	if !strings.Contains(out, "event_type="+EventLoginSucceeded) {
		t.Errorf("event type missing: %s", out)
	}
	if !strings.Contains(out, "session_id=sess-1") {
		t.Errorf("session id missing: %s", out)
	}
}

func TestAuditor_Events(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *Auditor)
		eventType string
	}{
		{"login started", func(a *Auditor) { a.LogLoginStarted("tiktok", "10.0.0.1") }, EventLoginStarted},
		{"login failed", func(a *Auditor) { a.LogLoginFailed("tiktok", "10.0.0.1", "exchange_failed") }, EventLoginFailed},
		{"state mismatch", func(a *Auditor) { a.LogStateMismatch("tiktok", "10.0.0.1", "mismatch") }, EventStateMismatch},
		{"token refreshed", func(a *Auditor) { a.LogTokenRefreshed("u", "s", true) }, EventTokenRefreshed},
		{"refresh failed", func(a *Auditor) { a.LogRefreshFailed("u", "s", "rejected") }, EventRefreshFailed},
		{"session cleared", func(a *Auditor) { a.LogSessionCleared("u", "s", "unauthorized") }, EventSessionCleared},
		{"logout", func(a *Auditor) { a.LogLogout("u", "s", true) }, EventLogout},
		{"rate limit", func(a *Auditor) { a.LogRateLimitExceeded("10.0.0.1", "/login") }, EventRateLimitExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true))
			if !strings.Contains(buf.String(), "event_type="+tt.eventType) {
				t.Errorf("log = %q, want event_type=%s", buf.String(), tt.eventType)
			}
		})
	}
}

func TestAuditor_Disabled(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), false)
	auditor.LogLogout("u", "s", false)
	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote %q", buf.String())
	}

	var nilAuditor *Auditor
	nilAuditor.LogLogout("u", "s", false)
}

func TestHashForLogging(t *testing.T) {
	if HashForLogging("") != "<empty>" {
		t.Error("empty input should hash to <empty>")
	}
	h := HashForLogging("value")
	if len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
	if h != HashForLogging("value") {
		t.Error("hash must be deterministic")
	}
}
