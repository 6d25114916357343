// Package security provides the protective pieces around the login flow:
// encryption of persisted sessions and pending PKCE attempts, key derivation,
// audit logging with hashed identifiers, per-client rate limiting of the login
// routes, client IP extraction, response security headers and expiry checks
// with clock-skew grace.
//
// # Encryption at rest
//
// The Encryptor seals values with AES-256-GCM. A 32-byte key is either
// supplied directly (base64, see KeyFromBase64) or derived from a passphrase
// with DeriveKey, which uses HKDF-SHA256:
//
//	key, err := security.DeriveKey([]byte(os.Getenv("OAUTH_SESSION_SECRET")), nil, security.SessionKeyInfo)
//	enc, err := security.NewEncryptor(key)
//	store.SetEncryptor(enc)
//
// An Encryptor built from an empty key is disabled and passes values through.
//
// # Rate limiting
//
// RateLimiter keeps a token bucket per identifier (usually the client IP)
// with LRU eviction, so a flood of distinct addresses cannot grow memory
// without bound.
//
//	limiter := security.NewRateLimiter(security.RateLimiterConfig{Rate: 5, Burst: 10}, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(security.ClientIP(r, false, 0)) {
//	    http.Error(w, "too many requests", http.StatusTooManyRequests)
//	    return
//	}
package security
