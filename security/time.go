package security

import "time"

// DefaultClockSkewGracePeriod is how long past its expiry a token is still
// treated as valid, to absorb clock drift between client and provider.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks expiresAt against time.Now with the default grace period.
// A zero expiresAt never expires.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredAt(expiresAt, time.Now(), DefaultClockSkewGracePeriod)
}

// IsTokenExpiredAt checks expiresAt against now with a custom grace period.
func IsTokenExpiredAt(expiresAt, now time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon reports whether expiresAt falls within threshold of now.
func IsTokenExpiringSoon(expiresAt, now time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.Add(threshold).After(expiresAt)
}
