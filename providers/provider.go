// Package providers defines the interface used to talk to an OAuth identity
// provider (or to a backend that brokers one) and the profile type it returns.
package providers

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// Provider performs the network half of the login flow: exchanging an
// authorization code plus PKCE verifier, renewing tokens and ending a session.
// Implementations are safe for concurrent use.
type Provider interface {
	// Name returns the provider name (e.g., "tiktok", "backend")
	Name() string

	// ExchangeCode exchanges an authorization code and its PKCE verifier for tokens.
	// redirectURI must equal the one sent in the authorization request.
	// The returned profile may be nil when the provider exposes no user information.
	ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*oauth2.Token, *Profile, error)

	// RefreshToken obtains a new access token. Providers that do not rotate
	// refresh tokens return a token with an empty RefreshToken.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	// Logout ends the session at the provider. Callers treat failures as best effort.
	Logout(ctx context.Context, token *oauth2.Token) error
}

// Profile represents the authenticated user as reported by the provider.
type Profile struct {
	// ID is the unique user identifier from the provider
	ID string `json:"id"`

	// DisplayName is the user's public name
	DisplayName string `json:"display_name,omitempty"`

	// AvatarURL points to the user's profile picture
	AvatarURL string `json:"avatar_url,omitempty"`

	// Provider names the identity provider the user signed in with
	Provider string `json:"oauth_provider,omitempty"`

	// Premium reports whether the account has a paid plan
	Premium bool `json:"is_premium,omitempty"`
}

// ErrNoRefreshToken is returned by RefreshToken when called with an empty refresh token.
var ErrNoRefreshToken = errors.New("no refresh token available")

// Error is a failure reported by a provider or backend.
// Message is only shown to users when Displayable is true.
type Error struct {
	Code        string // provider error code, may be empty
	Message     string // provider error message
	Status      int    // HTTP status of the failed response, 0 for transport errors
	Displayable bool   // Message is safe to surface to end users
}

// Error implements the error interface
func (e *Error) Error() string {
	switch {
	case e.Code != "" && e.Status != 0:
		return fmt.Sprintf("provider error %s (status %d): %s", e.Code, e.Status, e.Message)
	case e.Status != 0:
		return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Message)
	case e.Code != "":
		return fmt.Sprintf("provider error %s: %s", e.Code, e.Message)
	default:
		return "provider error: " + e.Message
	}
}

// UserMessage returns the message to show to end users, or "" when the
// provider message is not meant for display.
func (e *Error) UserMessage() string {
	if !e.Displayable {
		return ""
	}
	return e.Message
}
