// Package file provides a directory-backed implementation of
// storage.PendingStore and storage.SessionStore for command-line clients that
// must keep a login across process restarts.
//
// The directory is created with mode 0700 and holds two files:
//
//	session.json   the current session record
//	pending.json   the pending authorization attempt, if any
//
// Writes go to a temporary file that is renamed into place. A retrieval first
// renames pending.json to a name unique to the caller, so of several
// processes racing on the same callback only one obtains the attempt.
//
// Watch reports changes made by other processes sharing the directory, e.g.
// a logout in another terminal.
package file
