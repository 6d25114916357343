package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/oauth-session/internal/util"
	"github.com/giantswarm/oauth-session/storage"
)

// luaStorePending writes the four pending keys in one step.
// ARGV[5] is the TTL in milliseconds, 0 for none.
const luaStorePending = `
local ttl = tonumber(ARGV[5])
for i = 1, 4 do
    if ttl > 0 then
        redis.call('SET', KEYS[i], ARGV[i], 'PX', ttl)
    else
        redis.call('SET', KEYS[i], ARGV[i])
    end
end
return 'OK'
`

// luaTakePending reads and deletes the four pending keys in one step.
const luaTakePending = `
local state = redis.call('GET', KEYS[1])
local verifier = redis.call('GET', KEYS[2])
local created = redis.call('GET', KEYS[3])
local binding = redis.call('GET', KEYS[4])
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
if not state and not verifier then
    return 'NOT_FOUND'
end
return cjson.encode({state = state or '', verifier = verifier or '', created_at = created or '', binding = binding or ''})
`

type pendingJSON struct {
	State     string `json:"state"`
	Verifier  string `json:"verifier"`
	CreatedAt string `json:"created_at"`
	Binding   string `json:"binding"`
}

// StorePending saves the pending attempt, replacing any previous one.
func (s *Store) StorePending(ctx context.Context, pending *storage.PendingAuth) (err error) {
	ctx, span := s.startStorageSpan(ctx, "store_pending")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "store_pending", &err, time.Now())

	if pending == nil {
		return fmt.Errorf("pending authorization cannot be nil")
	}

	enc := s.getEncryptor()
	state, err := storage.SealField(pending.State, enc)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}
	verifier, err := storage.SealField(pending.Verifier, enc)
	if err != nil {
		return fmt.Errorf("failed to encrypt verifier: %w", err)
	}
	binding, err := storage.SealField(pending.Binding, enc)
	if err != nil {
		return fmt.Errorf("failed to encrypt binding: %w", err)
	}

	var ttl int64
	if s.pendingMaxAge > 0 {
		ttl = (2 * s.pendingMaxAge).Milliseconds()
	}

	err = s.client.Do(ctx,
		s.client.B().Eval().Script(luaStorePending).
			Numkeys(4).
			Key(s.pendingStateKey(), s.pendingVerifierKey(), s.pendingCreatedAtKey(), s.pendingBindingKey()).
			Arg(state, verifier,
				strconv.FormatInt(pending.CreatedAt.UnixMilli(), 10),
				binding,
				strconv.FormatInt(ttl, 10)).
			Build(),
	).Error()
	if err != nil {
		return fmt.Errorf("failed to store pending authorization: %w", err)
	}

	s.logger.Debug("Stored pending authorization",
		"state_prefix", util.TokenPrefix(pending.State))
	return nil
}

// RetrieveAndClearPending atomically returns and deletes the pending attempt.
func (s *Store) RetrieveAndClearPending(ctx context.Context) (_ *storage.PendingAuth, err error) {
	ctx, span := s.startStorageSpan(ctx, "retrieve_and_clear_pending")
	defer span.End()
	defer s.recordStorageOperation(ctx, span, "retrieve_and_clear_pending", &err, time.Now())

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTakePending).
			Numkeys(4).
			Key(s.pendingStateKey(), s.pendingVerifierKey(), s.pendingCreatedAtKey(), s.pendingBindingKey()).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve pending authorization: %w", err)
	}
	if result == "NOT_FOUND" {
		return nil, storage.ErrPendingNotFound
	}

	var j pendingJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("%w: pending: %w", storage.ErrCorruptRecord, err)
	}

	enc := s.getEncryptor()
	pending := &storage.PendingAuth{}
	if j.State != "" {
		if pending.State, err = storage.OpenField(j.State, enc); err != nil {
			return nil, err
		}
	}
	if j.Verifier != "" {
		if pending.Verifier, err = storage.OpenField(j.Verifier, enc); err != nil {
			return nil, err
		}
	}
	if j.Binding != "" {
		if pending.Binding, err = storage.OpenField(j.Binding, enc); err != nil {
			return nil, err
		}
	}
	if ms, perr := strconv.ParseInt(j.CreatedAt, 10, 64); perr == nil {
		pending.CreatedAt = time.UnixMilli(ms)
	}

	if storage.IsPendingStale(pending.CreatedAt, s.now(), s.pendingMaxAge) {
		return nil, storage.ErrPendingExpired
	}
	return pending, nil
}
