package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types
const (
	EventLoginStarted      = "login_started"
	EventLoginSucceeded    = "login_succeeded"
	EventLoginFailed       = "login_failed"
	EventStateMismatch     = "state_mismatch"
	EventTokenRefreshed    = "token_refreshed"
	EventRefreshFailed     = "refresh_failed"
	EventSessionCleared    = "session_cleared"
	EventLogout            = "logout"
	EventRateLimitExceeded = "rate_limit_exceeded"
)

// Auditor logs security-relevant session events. User identifiers are
// hashed before they reach the log.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	SessionID string
	Provider  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII (nil-safe)
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()

	attrs := []any{
		"event_type", event.Type,
		"timestamp", event.Timestamp,
	}
	if event.UserID != "" {
		attrs = append(attrs, "user_id_hash", HashForLogging(event.UserID))
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.Provider != "" {
		attrs = append(attrs, "provider", event.Provider)
	}
	if event.IPAddress != "" {
		attrs = append(attrs, "ip_address", event.IPAddress)
	}
	if len(event.Details) > 0 {
		attrs = append(attrs, "details", event.Details)
	}

	a.logger.Info("security_audit", attrs...)
}

// LogLoginStarted logs an issued authorization URL
func (a *Auditor) LogLoginStarted(provider, ipAddress string) {
	a.LogEvent(Event{Type: EventLoginStarted, Provider: provider, IPAddress: ipAddress})
}

// LogLoginSucceeded logs a committed login
func (a *Auditor) LogLoginSucceeded(userID, sessionID, provider string) {
	a.LogEvent(Event{Type: EventLoginSucceeded, UserID: userID, SessionID: sessionID, Provider: provider})
}

// LogLoginFailed logs a failed callback
func (a *Auditor) LogLoginFailed(provider, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventLoginFailed,
		Provider:  provider,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogStateMismatch logs a callback whose state did not match the pending attempt
func (a *Auditor) LogStateMismatch(provider, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventStateMismatch,
		Provider:  provider,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogTokenRefreshed logs a successful refresh
func (a *Auditor) LogTokenRefreshed(userID, sessionID string, rotated bool) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		UserID:    userID,
		SessionID: sessionID,
		Details:   map[string]any{"rotated": rotated},
	})
}

// LogRefreshFailed logs a refresh that ended the session
func (a *Auditor) LogRefreshFailed(userID, sessionID, reason string) {
	a.LogEvent(Event{
		Type:      EventRefreshFailed,
		UserID:    userID,
		SessionID: sessionID,
		Details:   map[string]any{"reason": reason},
	})
}

// LogSessionCleared logs a session wipe
func (a *Auditor) LogSessionCleared(userID, sessionID, reason string) {
	a.LogEvent(Event{
		Type:      EventSessionCleared,
		UserID:    userID,
		SessionID: sessionID,
		Details:   map[string]any{"reason": reason},
	})
}

// LogLogout logs a user-initiated logout
func (a *Auditor) LogLogout(userID, sessionID string, providerNotified bool) {
	a.LogEvent(Event{
		Type:      EventLogout,
		UserID:    userID,
		SessionID: sessionID,
		Details:   map[string]any{"provider_notified": providerNotified},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, endpoint string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
		Details:   map[string]any{"endpoint": endpoint},
	})
}

// HashForLogging creates a truncated SHA-256 hash of sensitive data for logging
func HashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
