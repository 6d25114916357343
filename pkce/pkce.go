package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	// MethodS256 is the only code_challenge_method this package emits.
	MethodS256 = "S256"

	// StateBytes is the number of random bytes behind a state token (256 bits).
	StateBytes = 32

	// VerifierBytes is the number of random bytes behind a code verifier.
	// 48 bytes encode to 64 base64url characters.
	VerifierBytes = 48

	// MinVerifierLength and MaxVerifierLength bound a verifier per RFC 7636 Section 4.1.
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

var (
	// ErrEntropySourceUnavailable is returned when the random source cannot be read.
	ErrEntropySourceUnavailable = errors.New("pkce: entropy source unavailable")

	// ErrUnsupportedMode is returned for an unknown challenge encoding.
	ErrUnsupportedMode = errors.New("pkce: unsupported challenge mode")

	// ErrInvalidVerifier is returned when a verifier violates RFC 7636 length or charset rules.
	ErrInvalidVerifier = errors.New("pkce: invalid code verifier")
)

// Mode selects how the SHA-256 digest of the verifier is encoded into the challenge.
type Mode string

const (
	// ModeS256 encodes the digest as unpadded base64url.
	ModeS256 Mode = "s256"
	// ModeHex encodes the digest as lowercase hexadecimal.
	ModeHex Mode = "hex"
)

// ParseMode converts a configuration value into a Mode.
// An empty string and "base64url" are accepted as ModeS256.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "s256", "base64url":
		return ModeS256, nil
	case "hex":
		return ModeHex, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so a Mode can be read
// directly from environment or file configuration.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// String returns the configuration name of the mode.
func (m Mode) String() string {
	return string(m)
}

// Pair holds one authorization attempt's credentials.
type Pair struct {
	State     string
	Verifier  string
	Challenge string
	Method    string
	Mode      Mode
	CreatedAt time.Time
}

// Generator produces Pairs. The zero value reads from crypto/rand, uses
// ModeS256 and stamps pairs with time.Now.
type Generator struct {
	Mode Mode
	Rand io.Reader
	Now  func() time.Time
}

// Generate creates a fresh state token, verifier and challenge.
func (g *Generator) Generate() (*Pair, error) {
	mode := g.Mode
	if mode == "" {
		mode = ModeS256
	}
	if mode != ModeS256 && mode != ModeHex {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}

	r := g.Rand
	if r == nil {
		r = rand.Reader
	}

	state, err := randomToken(r, StateBytes)
	if err != nil {
		return nil, err
	}
	verifier, err := randomToken(r, VerifierBytes)
	if err != nil {
		return nil, err
	}

	challenge, err := ComputeChallenge(verifier, mode)
	if err != nil {
		return nil, err
	}

	now := time.Now
	if g.Now != nil {
		now = g.Now
	}

	return &Pair{
		State:     state,
		Verifier:  verifier,
		Challenge: challenge,
		Method:    MethodS256,
		Mode:      mode,
		CreatedAt: now(),
	}, nil
}

// Generate creates a Pair using crypto/rand and the given mode.
func Generate(mode Mode) (*Pair, error) {
	g := Generator{Mode: mode}
	return g.Generate()
}

// GenerateWithReader creates a Pair drawing randomness from r.
func GenerateWithReader(r io.Reader, mode Mode) (*Pair, error) {
	g := Generator{Mode: mode, Rand: r}
	return g.Generate()
}

// ComputeChallenge derives the code challenge for verifier. It is pure and
// deterministic: the same verifier and mode always yield the same challenge.
func ComputeChallenge(verifier string, mode Mode) (string, error) {
	sum := sha256.Sum256([]byte(verifier))
	switch mode {
	case ModeS256, "":
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case ModeHex:
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
}

// ValidateVerifier checks the RFC 7636 length bounds and unreserved character set.
func ValidateVerifier(verifier string) error {
	if len(verifier) < MinVerifierLength || len(verifier) > MaxVerifierLength {
		return fmt.Errorf("%w: length %d not in [%d, %d]", ErrInvalidVerifier,
			len(verifier), MinVerifierLength, MaxVerifierLength)
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return fmt.Errorf("%w: character at position %d is not allowed", ErrInvalidVerifier, i)
		}
	}
	return nil
}

// VerifyChallenge reports whether challenge was derived from verifier under mode.
func VerifyChallenge(verifier, challenge string, mode Mode) bool {
	computed, err := ComputeChallenge(verifier, mode)
	if err != nil {
		return false
	}
	return computed == challenge
}

func randomToken(r io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: %w", ErrEntropySourceUnavailable, err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
