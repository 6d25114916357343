// Package session owns the authenticated session of one user: the current
// token set, its persistence, and its renewal.
//
// A Manager is the single source of truth for whether the user is logged in.
// Components that need the access token (the HTTP transport, route guards)
// hold a reference to the Manager rather than copies of the token.
//
// # Refresh
//
// Refresh is single-flight: however many goroutines find the access token
// expired at the same moment, the provider sees one refresh request and every
// caller receives its outcome. The provider call runs detached from any one
// caller's context, bounded by Config.RefreshTimeout, so a caller that gives
// up early does not fail the others.
//
// A refresh that completes after the session it was started for has been
// cleared or replaced (logout, or a new login) is discarded and reported as
// ErrSessionChanged. The newer session is never overwritten or cleared by it.
//
// A failed refresh ends the session: it is cleared and subscribers observe
// StateAnonymous.
//
// # Persistence
//
// With a storage.SessionStore configured, every change is written through and
// Load restores the session after a restart. A stored record that cannot be
// decoded (for example after the encryption key changed) is deleted and the
// user is treated as logged out.
package session
