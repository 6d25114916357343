package oauth

import (
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-session/pkce"
	"github.com/giantswarm/oauth-session/providers"
	"github.com/giantswarm/oauth-session/session"
)

// Callback error codes as reported by the HTTP handler
const (
	ErrorCodeInvalidRequest    = "invalid_request"
	ErrorCodeStateMismatch     = "state_mismatch"
	ErrorCodeMissingVerifier   = "missing_verifier"
	ErrorCodeExchangeFailed    = "exchange_failed"
	ErrorCodeServerError       = "server_error"
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrorCodeUnauthorized      = "unauthorized"
)

var (
	// ErrStateMismatch is returned when the callback state does not match the
	// pending attempt, or the attempt has expired. No request was sent to the provider.
	ErrStateMismatch = errors.New("state mismatch")

	// ErrMissingVerifier is returned when there is no pending attempt to
	// complete, including a second callback for the same attempt.
	ErrMissingVerifier = errors.New("missing code verifier")

	// ErrExchangeFailed is matched by every *ExchangeError.
	ErrExchangeFailed = errors.New("code exchange failed")

	// ErrInvalidCallback is returned when the callback carries no code.
	ErrInvalidCallback = errors.New("invalid callback")
)

// defaultUserMessage is shown when an error carries nothing more specific
const defaultUserMessage = "Authentication failed. Please try again."

// ExchangeError is returned when the provider rejected the code exchange.
// Message is safe to show to the user; the cause is kept for logs only.
type ExchangeError struct {
	Message string
	cause   error
}

// Error implements the error interface
func (e *ExchangeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("code exchange failed: %v", e.cause)
	}
	return "code exchange failed: " + e.Message
}

// Is makes errors.Is(err, ErrExchangeFailed) hold
func (e *ExchangeError) Is(target error) bool {
	return target == ErrExchangeFailed
}

// Unwrap returns the underlying provider or transport error
func (e *ExchangeError) Unwrap() error {
	return e.cause
}

func newExchangeError(cause error) *ExchangeError {
	msg := defaultUserMessage
	var perr *providers.Error
	if errors.As(cause, &perr) && perr.UserMessage() != "" {
		msg = perr.UserMessage()
	}
	return &ExchangeError{Message: msg, cause: cause}
}

// ProviderError is returned when the provider redirected back with an error
// instead of a code, e.g. because the user denied access.
type ProviderError struct {
	Code        string
	Description string
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Description == "" {
		return "provider error: " + e.Code
	}
	return fmt.Sprintf("provider error: %s: %s", e.Code, e.Description)
}

// UserMessage maps any error from this module to a message that is safe to
// show to the user. Tokens, codes and raw provider responses never appear in it.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var exErr *ExchangeError
	var provErr *ProviderError
	switch {
	case errors.As(err, &provErr):
		if provErr.Description != "" {
			return provErr.Description
		}
		if provErr.Code == "access_denied" {
			return "Access was denied. Please try again."
		}
		return defaultUserMessage
	case errors.As(err, &exErr):
		if exErr.Message != "" {
			return exErr.Message
		}
		return defaultUserMessage
	case errors.Is(err, ErrStateMismatch):
		return "This login link is no longer valid. Please start the login again."
	case errors.Is(err, ErrMissingVerifier):
		return "No login is in progress. Please start the login again."
	case errors.Is(err, ErrInvalidCallback):
		return "The login response was incomplete. Please try again."
	case errors.Is(err, session.ErrRefreshFailed), errors.Is(err, session.ErrNoSession):
		return "Your session has expired. Please log in again."
	case errors.Is(err, pkce.ErrEntropySourceUnavailable):
		return "Login is unavailable on this device right now. Please try again later."
	default:
		return defaultUserMessage
	}
}
