package oauth

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/giantswarm/oauth-session/pkce"
	"github.com/giantswarm/oauth-session/security"
)

// oauthEnv holds raw env values for the client configuration.
type oauthEnv struct {
	ProviderName      string        `env:"OAUTH_PROVIDER_NAME"`
	ClientID          string        `env:"OAUTH_CLIENT_ID"`
	ClientIDParam     string        `env:"OAUTH_CLIENT_ID_PARAM"       envDefault:"client_id"`
	AuthURL           string        `env:"OAUTH_AUTH_URL"`
	RedirectURL       string        `env:"OAUTH_REDIRECT_URL"`
	Scopes            []string      `env:"OAUTH_SCOPES"                envSeparator:","`
	ScopeSeparator    string        `env:"OAUTH_SCOPE_SEPARATOR"`
	ChallengeMode     pkce.Mode     `env:"OAUTH_CHALLENGE_MODE"        envDefault:"s256"`
	PendingMaxAge     time.Duration `env:"OAUTH_PENDING_MAX_AGE"       envDefault:"5m"`
	PostLoginRedirect string        `env:"OAUTH_POST_LOGIN_REDIRECT"`
	EncryptionKey     string        `env:"OAUTH_ENCRYPTION_KEY"`
	AuditLogging      bool          `env:"OAUTH_AUDIT_LOGGING"`
	HTTPS             bool          `env:"OAUTH_HTTPS"`
	AllowInsecureHTTP bool          `env:"OAUTH_ALLOW_INSECURE_HTTP"`
	RateLimit         float64       `env:"OAUTH_RATE_LIMIT"`
	RateLimitBurst    int           `env:"OAUTH_RATE_LIMIT_BURST"`
	TrustProxy        bool          `env:"OAUTH_TRUST_PROXY"`
	TrustedProxyCount int           `env:"OAUTH_TRUSTED_PROXY_COUNT"`
}

// LoadConfigFromEnv builds a Config from OAUTH_* environment variables.
// The result is not validated; NewClient does that.
//
// OAUTH_ENCRYPTION_KEY, when set, must be a base64-encoded 32-byte key.
// OAUTH_SCOPES is comma-separated. OAUTH_SCOPE_SEPARATOR only changes how
// scopes are joined in the authorization URL.
func LoadConfigFromEnv() (*Config, error) {
	var raw oauthEnv
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg := &Config{
		ProviderName:   raw.ProviderName,
		ClientID:       raw.ClientID,
		ClientIDParam:  raw.ClientIDParam,
		AuthURL:        raw.AuthURL,
		RedirectURL:    raw.RedirectURL,
		Scopes:         trimCSV(raw.Scopes),
		ScopeSeparator: raw.ScopeSeparator,
		ChallengeMode:  raw.ChallengeMode,
		PendingMaxAge:  raw.PendingMaxAge,

		PostLoginRedirect: raw.PostLoginRedirect,
		RateLimit: RateLimitConfig{
			Rate:              raw.RateLimit,
			Burst:             raw.RateLimitBurst,
			TrustProxy:        raw.TrustProxy,
			TrustedProxyCount: raw.TrustedProxyCount,
		},
		Security: SecurityConfig{
			EnableAuditLogging: raw.AuditLogging,
			HTTPS:              raw.HTTPS,
			AllowInsecureHTTP:  raw.AllowInsecureHTTP,
		},
	}

	if raw.EncryptionKey != "" {
		key, err := security.KeyFromBase64(raw.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid OAUTH_ENCRYPTION_KEY: %w", err)
		}
		cfg.Security.EncryptionKey = key
	}

	return cfg, nil
}

// trimCSV removes empty entries from a string slice.
func trimCSV(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			result = append(result, v)
		}
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
