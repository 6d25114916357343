package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-session/providers"
)

// MockTime provides a controllable, goroutine-safe time source
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateTestToken creates a test OAuth2 token valid for one hour
func GenerateTestToken() *oauth2.Token {
	return GenerateTestTokenWithExpiry(time.Now().Add(time.Hour))
}

// GenerateTestTokenWithExpiry creates a test OAuth2 token with specific expiry
func GenerateTestTokenWithExpiry(expiry time.Time) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  GenerateRandomString(32),
		TokenType:    "Bearer",
		RefreshToken: GenerateRandomString(32),
		Expiry:       expiry,
	}
}

// GenerateTestProfile creates a test user profile
func GenerateTestProfile() *providers.Profile {
	return &providers.Profile{
		ID:          "test-user-123",
		DisplayName: "Test User",
		AvatarURL:   "https://example.com/avatar.png",
		Provider:    "mock",
	}
}

// GenerateTestJWT returns an HS256-signed JWT with the given exp claim.
// A zero exp omits the claim.
func GenerateTestJWT(t *testing.T, exp time.Time) string {
	t.Helper()

	claims := jwt.MapClaims{"sub": "test-user-123"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-signing-key"))
	if err != nil {
		t.Fatalf("failed to sign test JWT: %v", err)
	}
	return signed
}

// GenerateRandomString generates a random URL-safe string of n random bytes
func GenerateRandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
