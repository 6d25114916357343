// Package storage provides the interfaces and shared helpers for persisting
// the two pieces of login state:
//   - PendingStore: the single pending PKCE attempt (state + verifier),
//     consumed exactly once by RetrieveAndClearPending
//   - SessionStore: the authenticated session, so it survives restarts
//
// Records are JSON and, when an Encryptor is configured, sealed with
// AES-256-GCM before they reach the backend (see EncodeSession, EncodePending).
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for tests and single-process use
//   - storage/file: JSON files in a private directory, for CLIs
//   - storage/valkey: Valkey/Redis-compatible storage shared between processes
package storage
