package session

import "errors"

var (
	// ErrRefreshFailed is returned when the session could not be renewed.
	// The session has been cleared.
	ErrRefreshFailed = errors.New("session refresh failed")

	// ErrSessionChanged is returned when a refresh finished after the session
	// it was started for was cleared or replaced. Its result was discarded.
	ErrSessionChanged = errors.New("session changed during refresh")

	// ErrNoSession is returned when an operation needs a session and none is held.
	ErrNoSession = errors.New("no session")
)
