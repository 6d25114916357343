// Package storage defines how pending PKCE attempts and the authenticated
// session are persisted between the authorization redirect, the callback and
// later process restarts.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/oauth-session/providers"
)

var (
	// ErrPendingNotFound is returned when there is no pending authorization attempt,
	// including a second retrieval of the same attempt.
	ErrPendingNotFound = errors.New("no pending authorization")

	// ErrPendingExpired is returned when the pending attempt is older than the
	// store's maximum age. The attempt is removed all the same.
	ErrPendingExpired = errors.New("pending authorization expired")

	// ErrSessionNotFound is returned when no session is stored.
	ErrSessionNotFound = errors.New("session not found")

	// ErrCorruptRecord is returned when a stored value cannot be decoded or decrypted.
	ErrCorruptRecord = errors.New("corrupt stored record")
)

// PendingAuth is the client-held half of one authorization attempt.
// The code challenge is not kept: only the verifier is needed after the redirect.
//
// Binding, when set, is a hash of a value held by the browser that started
// the attempt; only a callback presenting the same value may complete it.
type PendingAuth struct {
	State     string    `json:"state"`
	Verifier  string    `json:"verifier"`
	Binding   string    `json:"binding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingStore holds at most one pending authorization attempt.
// All methods accept context.Context for tracing and cancellation.
type PendingStore interface {
	// StorePending saves the attempt, unconditionally replacing any previous one.
	StorePending(ctx context.Context, pending *PendingAuth) error

	// RetrieveAndClearPending returns the attempt and removes it in one atomic step.
	// Of two concurrent callers at most one receives the attempt.
	// Returns ErrPendingNotFound when nothing is stored and ErrPendingExpired
	// when the attempt is older than the configured maximum age.
	RetrieveAndClearPending(ctx context.Context) (*PendingAuth, error)
}

// SessionRecord is the persisted layout of an authenticated session.
type SessionRecord struct {
	ID            string             `json:"id"`
	AccessToken   string             `json:"access_token"`
	RefreshToken  string             `json:"refresh_token,omitempty"`
	TokenType     string             `json:"token_type,omitempty"`
	Expiry        time.Time          `json:"expiry"`
	Profile       *providers.Profile `json:"profile,omitempty"`
	Authenticated bool               `json:"authenticated"`
	IssuedAt      time.Time          `json:"issued_at"`
}

// SessionStore persists the single current session.
// All methods accept context.Context for tracing and cancellation.
type SessionStore interface {
	// SaveSession replaces the stored session.
	SaveSession(ctx context.Context, record *SessionRecord) error

	// LoadSession returns the stored session or ErrSessionNotFound.
	// A record that cannot be decoded yields an error wrapping ErrCorruptRecord.
	LoadSession(ctx context.Context) (*SessionRecord, error)

	// DeleteSession removes the stored session. Deleting nothing is not an error.
	DeleteSession(ctx context.Context) error
}

// Store is implemented by backends that hold both kinds of state.
type Store interface {
	PendingStore
	SessionStore
}

// IsPendingStale reports whether a pending attempt created at createdAt is
// older than maxAge at now. A non-positive maxAge disables the check.
func IsPendingStale(createdAt, now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(createdAt) > maxAge
}

// IsMiss reports whether err means a lookup found nothing, as opposed to a
// storage failure.
func IsMiss(err error) bool {
	return errors.Is(err, ErrPendingNotFound) ||
		errors.Is(err, ErrPendingExpired) ||
		errors.Is(err, ErrSessionNotFound)
}
