// Package valkey provides a Valkey (or Redis-compatible) implementation of
// storage.PendingStore and storage.SessionStore, for deployments where the
// process that starts a login is not the one that receives the callback, or
// where several processes share one session.
//
// Key layout (default prefix "oauth:"):
//
//	oauth:pkce:state       pending state token
//	oauth:pkce:verifier    pending code verifier
//	oauth:pkce:created_at  creation time, unix milliseconds
//	oauth:pkce:binding     hash of the browser binding, empty when unbound
//	oauth:session          JSON session record
//
// The pending keys are written and consumed by Lua scripts, so a retrieval
// reads and deletes all four in one step and two concurrent callbacks can
// never both obtain the verifier. With a pending max age set, the keys carry
// a TTL of twice that age; the age itself is checked against created_at so an
// expired attempt is reported as expired rather than missing.
//
// Values are sealed with AES-256-GCM when an Encryptor is set.
//
// Example usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:       "localhost:6379",
//	    PendingMaxAge: 5 * time.Minute,
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package valkey
