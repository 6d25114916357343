package security

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// SessionKeyInfo is the HKDF info string for the session-at-rest key.
const SessionKeyInfo = "oauth-session/session-at-rest/v1"

// minSecretLength is the shortest passphrase DeriveKey accepts.
const minSecretLength = 16

// ErrWeakSecret is returned when a passphrase is too short to derive a key from.
var ErrWeakSecret = errors.New("secret must be at least 16 bytes")

// DeriveKey derives a 32-byte AES-256 key from secret with HKDF-SHA256.
// Different info strings yield independent keys from the same secret.
func DeriveKey(secret, salt []byte, info string) ([]byte, error) {
	if len(secret) < minSecretLength {
		return nil, ErrWeakSecret
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
