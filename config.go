package oauth

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/oauth-session/pkce"
	"github.com/giantswarm/oauth-session/security"
)

const (
	// DefaultPendingMaxAge is how long a login attempt may take between the
	// redirect to the provider and the callback.
	DefaultPendingMaxAge = 5 * time.Minute

	// DefaultClientIDParam is the authorization URL parameter carrying the client identifier.
	DefaultClientIDParam = "client_id"

	// DefaultScopeSeparator joins scopes in the authorization URL.
	DefaultScopeSeparator = " "
)

// Config holds the OAuth client configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// ProviderName identifies the provider in logs, metrics and audit events
	ProviderName string

	// ClientID is the public client identifier registered with the provider (required)
	ClientID string

	// ClientIDParam is the authorization URL parameter name for ClientID.
	// Most providers use "client_id"; some (e.g. TikTok) use "client_key".
	// Default: "client_id"
	ClientIDParam string

	// AuthURL is the provider's authorization endpoint (required)
	AuthURL string

	// RedirectURL is where the provider sends the user back (required)
	RedirectURL string

	// Scopes requested at authorization
	Scopes []string

	// ScopeSeparator joins Scopes. Default: " " (some providers expect ",")
	ScopeSeparator string

	// ChallengeMode selects how the code challenge is encoded.
	// Default: pkce.ModeS256
	ChallengeMode pkce.Mode

	// PendingMaxAge is how long a pending attempt stays valid.
	// Default: 5 minutes. Negative disables the limit.
	PendingMaxAge time.Duration

	// PostLoginRedirect is where the callback route sends the browser after a
	// successful login. Empty responds with the session status as JSON.
	PostLoginRedirect string

	// Rate limiting configuration for the HTTP handler
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP on the login routes. Zero disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// MaxEntries caps how many client IPs are tracked.
	MaxEntries int

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// Only enable behind a trusted reverse proxy.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of the handler.
	TrustedProxyCount int
}

// SecurityConfig holds security settings (secure by default)
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) for sessions at rest.
	// NewClient installs it on the pending store and the session store.
	// Nil leaves the stores' encryptors as they are.
	EncryptionKey []byte

	// EnableAuditLogging enables security audit logging (identifiers hashed)
	EnableAuditLogging bool

	// HTTPS marks the handler as served over HTTPS, which enables HSTS.
	HTTPS bool

	// AllowInsecureHTTP permits a non-loopback http:// redirect URL.
	// WARNING: The authorization code then travels in clear text.
	AllowInsecureHTTP bool
}

// applyDefaults fills unset optional fields
func (c *Config) applyDefaults() {
	if c.ClientIDParam == "" {
		c.ClientIDParam = DefaultClientIDParam
	}
	if c.ScopeSeparator == "" {
		c.ScopeSeparator = DefaultScopeSeparator
	}
	if c.ChallengeMode == "" {
		c.ChallengeMode = pkce.ModeS256
	}
	if c.PendingMaxAge == 0 {
		c.PendingMaxAge = DefaultPendingMaxAge
	}
	if c.PendingMaxAge < 0 {
		c.PendingMaxAge = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = int(c.RateLimit.Rate) + 1
	}
	if c.RateLimit.TrustProxy && c.RateLimit.TrustedProxyCount <= 0 {
		c.RateLimit.TrustedProxyCount = 1
	}
}

// Validate checks required fields and their formats
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("client ID is required")
	}
	if c.AuthURL == "" {
		return fmt.Errorf("authorization URL is required")
	}
	if _, err := parseAbsoluteURL(c.AuthURL); err != nil {
		return fmt.Errorf("invalid authorization URL: %w", err)
	}
	if c.RedirectURL == "" {
		return fmt.Errorf("redirect URL is required")
	}
	redirect, err := parseAbsoluteURL(c.RedirectURL)
	if err != nil {
		return fmt.Errorf("invalid redirect URL: %w", err)
	}
	if redirect.Scheme == "http" && !isLoopback(redirect.Hostname()) && !c.Security.AllowInsecureHTTP {
		return fmt.Errorf("redirect URL must use https unless it is a loopback address")
	}
	if c.ChallengeMode != "" {
		if _, err := pkce.ParseMode(string(c.ChallengeMode)); err != nil {
			return err
		}
	}
	if len(c.Security.EncryptionKey) > 0 && len(c.Security.EncryptionKey) != security.KeySize {
		return fmt.Errorf("encryption key must be exactly %d bytes, got %d", security.KeySize, len(c.Security.EncryptionKey))
	}
	return nil
}

func parseAbsoluteURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	return u, nil
}

func isLoopback(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
