package valkey

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/giantswarm/oauth-session/providers"
	"github.com/giantswarm/oauth-session/security"
	"github.com/giantswarm/oauth-session/storage"
)

// testStore connects to VALKEY_TEST_ADDR (default localhost:6379) and skips
// the test when no server is reachable. Each test gets its own key prefix.
func testStore(t *testing.T, maxAge time.Duration) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("oauth-test:%s:%d:", t.Name(), time.Now().UnixNano())
	store, err := New(Config{
		Address:       addr,
		KeyPrefix:     prefix,
		PendingMaxAge: maxAge,
	})
	if err != nil {
		t.Skipf("valkey not available at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupPrefix(t, store.client, prefix)
		store.Close()
	})
	return store
}

func cleanupPrefix(t *testing.T, client valkeygo.Client, prefix string) {
	t.Helper()
	ctx := context.Background()
	var cursor uint64
	for {
		entry, err := client.Do(ctx, client.B().Scan().Cursor(cursor).Match(prefix+"*").Count(100).Build()).AsScanEntry()
		if err != nil {
			return
		}
		if len(entry.Elements) > 0 {
			client.Do(ctx, client.B().Del().Key(entry.Elements...).Build())
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return
		}
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestPending_RoundTrip(t *testing.T) {
	store := testStore(t, 0)
	ctx := context.Background()

	created := time.Now().Truncate(time.Millisecond)
	require.NoError(t, store.StorePending(ctx, &storage.PendingAuth{
		State:     "state-1",
		Verifier:  "verifier-1",
		Binding:   "binding-hash",
		CreatedAt: created,
	}))

	got, err := store.RetrieveAndClearPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "state-1", got.State)
	assert.Equal(t, "verifier-1", got.Verifier)
	assert.Equal(t, "binding-hash", got.Binding)
	assert.True(t, got.CreatedAt.Equal(created))

	_, err = store.RetrieveAndClearPending(ctx)
	assert.ErrorIs(t, err, storage.ErrPendingNotFound)
}

func TestPending_Overwrite(t *testing.T) {
	store := testStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.StorePending(ctx, &storage.PendingAuth{State: "a", Verifier: "va", CreatedAt: time.Now()}))
	require.NoError(t, store.StorePending(ctx, &storage.PendingAuth{State: "b", Verifier: "vb", CreatedAt: time.Now()}))

	got, err := store.RetrieveAndClearPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", got.State)
	assert.Equal(t, "vb", got.Verifier)
}

func TestPending_Expired(t *testing.T) {
	store := testStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.StorePending(ctx, &storage.PendingAuth{
		State:     "old",
		Verifier:  "old-verifier",
		CreatedAt: time.Now(),
	}))
	store.now = func() time.Time { return time.Now().Add(90 * time.Second) }

	_, err := store.RetrieveAndClearPending(ctx)
	assert.ErrorIs(t, err, storage.ErrPendingExpired)

	// expired attempts are removed as well
	_, err = store.RetrieveAndClearPending(ctx)
	assert.ErrorIs(t, err, storage.ErrPendingNotFound)
}

func TestPending_ConcurrentRetrieve(t *testing.T) {
	store := testStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.StorePending(ctx, &storage.PendingAuth{State: "s", Verifier: "v", CreatedAt: time.Now()}))

	const workers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.RetrieveAndClearPending(ctx); err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestPending_Encrypted(t *testing.T) {
	store := testStore(t, 0)
	ctx := context.Background()

	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)
	store.SetEncryptor(enc)

	require.NoError(t, store.StorePending(ctx, &storage.PendingAuth{State: "plain-state", Verifier: "plain-verifier", CreatedAt: time.Now()}))

	raw, err := store.client.Do(ctx, store.client.B().Get().Key(store.pendingVerifierKey()).Build()).ToString()
	require.NoError(t, err)
	assert.NotContains(t, raw, "plain-verifier")

	got, err := store.RetrieveAndClearPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, "plain-verifier", got.Verifier)
}

func TestSession_Lifecycle(t *testing.T) {
	store := testStore(t, 0)
	ctx := context.Background()

	_, err := store.LoadSession(ctx)
	require.ErrorIs(t, err, storage.ErrSessionNotFound)

	record := &storage.SessionRecord{
		ID:            "session-1",
		AccessToken:   "access",
		RefreshToken:  "refresh",
		TokenType:     "Bearer",
		Expiry:        time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Profile:       &providers.Profile{ID: "user-1", DisplayName: "User One"},
		Authenticated: true,
	}
	require.NoError(t, store.SaveSession(ctx, record))

	got, err := store.LoadSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session-1", got.ID)
	assert.Equal(t, "access", got.AccessToken)
	assert.Equal(t, "user-1", got.Profile.ID)
	assert.True(t, got.Expiry.Equal(record.Expiry))

	require.NoError(t, store.DeleteSession(ctx))
	_, err = store.LoadSession(ctx)
	assert.ErrorIs(t, err, storage.ErrSessionNotFound)

	// deleting nothing is fine
	assert.NoError(t, store.DeleteSession(ctx))
}

func TestSession_Corrupt(t *testing.T) {
	store := testStore(t, 0)
	ctx := context.Background()

	require.NoError(t, store.client.Do(ctx, store.client.B().Set().Key(store.sessionKey()).Value("{not json").Build()).Error())

	_, err := store.LoadSession(ctx)
	assert.ErrorIs(t, err, storage.ErrCorruptRecord)
}
