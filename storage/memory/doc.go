// Package memory provides an in-memory implementation of storage.PendingStore
// and storage.SessionStore.
//
// State lives for the lifetime of the process, which makes it suitable for
// tests, web servers that keep one login per process, and short-lived tools.
// For state that must survive restarts use storage/file or storage/valkey.
//
// Example usage:
//
//	store := memory.New()
//	store.SetPendingMaxAge(5 * time.Minute)
//
//	client, _ := oauth.NewClient(provider, store, manager, config, logger)
package memory
