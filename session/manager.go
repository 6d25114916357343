package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/oauth-session/instrumentation"
	"github.com/giantswarm/oauth-session/internal/util"
	"github.com/giantswarm/oauth-session/providers"
	"github.com/giantswarm/oauth-session/security"
	"github.com/giantswarm/oauth-session/storage"
)

const (
	// DefaultRefreshTimeout bounds one provider refresh call.
	DefaultRefreshTimeout = 30 * time.Second

	refreshKey = "refresh"
)

// Reasons reported when a session is cleared.
const (
	ReasonLogout         = "logout"
	ReasonRefreshFailed  = "refresh_failed"
	ReasonNoRefreshToken = "no_refresh_token"
	ReasonUnauthorized   = "unauthorized"
	ReasonCorruptRecord  = "corrupt_record"
	ReasonCleared        = "cleared"
)

// Provider is the part of providers.Provider the manager needs.
type Provider interface {
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	Logout(ctx context.Context, token *oauth2.Token) error
}

// Config holds optional settings for a Manager.
type Config struct {
	// RefreshTimeout bounds one provider refresh call (default: 30s)
	RefreshTimeout time.Duration

	// ClockSkew is how long past expiry a token is still considered usable
	// (default: security.DefaultClockSkewGracePeriod)
	ClockSkew time.Duration

	// Instrumentation for metrics and spans (optional)
	Instrumentation *instrumentation.Instrumentation

	// Auditor for security events (optional)
	Auditor *security.Auditor

	// Now overrides the clock, for tests
	Now func() time.Time
}

// Manager holds the current session and coordinates its refresh.
// It is safe for concurrent use.
type Manager struct {
	provider Provider
	store    storage.SessionStore
	logger   *slog.Logger

	refreshTimeout time.Duration
	clockSkew      time.Duration
	now            func() time.Time

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	auditor         *security.Auditor

	mu      sync.RWMutex
	current *Session

	group singleflight.Group

	subsMu  sync.Mutex
	subs    map[uint64]func(State)
	nextSub uint64
}

// New creates a manager. store may be nil to keep the session in memory only.
func New(provider Provider, store storage.SessionStore, config *Config, logger *slog.Logger) *Manager {
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		provider:        provider,
		store:           store,
		logger:          logger,
		refreshTimeout:  config.RefreshTimeout,
		clockSkew:       config.ClockSkew,
		now:             config.Now,
		instrumentation: config.Instrumentation,
		auditor:         config.Auditor,
		subs:            make(map[uint64]func(State)),
	}
	if m.refreshTimeout <= 0 {
		m.refreshTimeout = DefaultRefreshTimeout
	}
	if m.clockSkew <= 0 {
		m.clockSkew = security.DefaultClockSkewGracePeriod
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.instrumentation != nil {
		m.tracer = m.instrumentation.Tracer("session")
	}
	return m
}

// Load restores the session from the store, replacing whatever is held.
// A missing record leaves the manager anonymous. A corrupt record is deleted
// and also leaves it anonymous. Subscribers are notified if the state changed.
func (m *Manager) Load(ctx context.Context) error {
	if m.store == nil {
		return nil
	}

	var loaded *Session
	record, err := m.store.LoadSession(ctx)
	switch {
	case err == nil:
		loaded = fromRecord(record)
	case errors.Is(err, storage.ErrSessionNotFound):
	case errors.Is(err, storage.ErrCorruptRecord):
		m.logger.Warn("Discarding unreadable stored session", "error", err)
		if derr := m.store.DeleteSession(ctx); derr != nil {
			m.logger.Warn("Failed to delete unreadable session", "error", derr)
		}
		m.recordCleared(ctx, ReasonCorruptRecord)
	default:
		return fmt.Errorf("failed to load session: %w", err)
	}

	m.mu.Lock()
	prev := m.current
	m.current = loaded
	if prev != nil && (loaded == nil || loaded.ID != prev.ID) {
		m.group.Forget(refreshKey)
	}
	m.mu.Unlock()

	if stateOf(prev) != stateOf(loaded) {
		m.notify(stateOf(loaded))
	}
	if loaded != nil {
		m.logger.Debug("Restored session",
			"session_id", loaded.ID,
			"expiry", loaded.Expiry)
	}
	return nil
}

// SetSession commits a new login and returns it.
// The previous session, if any, is replaced and an in-flight refresh for it
// will be discarded when it completes.
func (m *Manager) SetSession(ctx context.Context, token *oauth2.Token, profile *providers.Profile) (*Session, error) {
	if token == nil || token.AccessToken == "" {
		return nil, fmt.Errorf("token with an access token is required")
	}

	s := &Session{
		ID:           uuid.NewString(),
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Expiry:       tokenExpiry(token),
		IssuedAt:     m.now(),
	}
	if profile != nil {
		p := *profile
		s.Profile = &p
	}

	m.mu.Lock()
	if m.store != nil {
		if err := m.store.SaveSession(ctx, s.toRecord()); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("failed to persist session: %w", err)
		}
	}
	prev := m.current
	m.current = s
	m.group.Forget(refreshKey)
	m.mu.Unlock()

	m.logger.Info("Session established",
		"session_id", s.ID,
		"access_token_prefix", util.TokenPrefix(s.AccessToken),
		"has_refresh_token", s.RefreshToken != "",
		"expiry", s.Expiry)

	if prev == nil {
		m.notify(StateAuthenticated)
	}
	return s.clone(), nil
}

// Store returns the store sessions are persisted to, or nil.
func (m *Manager) Store() storage.SessionStore {
	return m.store
}

// AccessToken returns the current access token, or "" when anonymous.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return ""
	}
	return m.current.AccessToken
}

// Current returns a copy of the current session, or nil.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.clone()
}

// State returns the current authentication state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return stateOf(m.current)
}

// IsAuthenticated reports whether a session is held.
func (m *Manager) IsAuthenticated() bool {
	return m.State() == StateAuthenticated
}

// Expired reports whether the current access token is past its expiry,
// allowing for clock skew. Tokens without a known expiry never expire here.
func (m *Manager) Expired() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return false
	}
	return security.IsTokenExpiredAt(m.current.Expiry, m.now(), m.clockSkew)
}

// Clear ends the session.
func (m *Manager) Clear(ctx context.Context) error {
	_, err := m.clearIf(ctx, "", "", ReasonCleared)
	return err
}

// Invalidate ends the session only if accessToken is still its current
// access token. It reports whether the session was cleared. Used when a
// resource server rejects a token that a concurrent refresh may already
// have replaced.
func (m *Manager) Invalidate(ctx context.Context, accessToken string) (bool, error) {
	if accessToken == "" {
		return false, nil
	}
	return m.clearIf(ctx, "", accessToken, ReasonUnauthorized)
}

// clearIf clears the session when it matches id and accessToken. An empty
// id or accessToken matches any session. Both are compared under the lock
// that guards replacement, so a session swapped in concurrently is kept.
func (m *Manager) clearIf(ctx context.Context, id, accessToken, reason string) (bool, error) {
	m.mu.Lock()
	prev := m.current
	if prev == nil || (id != "" && prev.ID != id) || (accessToken != "" && prev.AccessToken != accessToken) {
		m.mu.Unlock()
		return false, nil
	}
	m.current = nil
	m.group.Forget(refreshKey)

	var err error
	if m.store != nil {
		if derr := m.store.DeleteSession(ctx); derr != nil {
			err = fmt.Errorf("failed to delete stored session: %w", derr)
		}
	}
	m.mu.Unlock()

	userID := ""
	if prev.Profile != nil {
		userID = prev.Profile.ID
	}
	m.auditor.LogSessionCleared(userID, prev.ID, reason)
	m.recordCleared(ctx, reason)
	m.logger.Info("Session cleared", "session_id", prev.ID, "reason", reason)

	m.notify(StateAnonymous)
	return true, err
}

// Logout notifies the provider and then clears the session. The provider call
// is best effort: its failure is logged and the local session is cleared anyway.
func (m *Manager) Logout(ctx context.Context) error {
	cur := m.Current()
	if cur == nil {
		return nil
	}

	notified := true
	if m.provider != nil {
		if err := m.provider.Logout(ctx, cur.Token()); err != nil {
			notified = false
			m.logger.Warn("Provider logout failed, clearing local session anyway",
				"session_id", cur.ID,
				"error", err)
		}
	}

	userID := ""
	if cur.Profile != nil {
		userID = cur.Profile.ID
	}
	m.auditor.LogLogout(userID, cur.ID, notified)

	_, err := m.clearIf(ctx, cur.ID, "", ReasonLogout)
	return err
}

// Subscribe registers fn to be called on every transition between
// StateAnonymous and StateAuthenticated. fn runs synchronously on the
// goroutine that caused the transition and must not block. Refreshing is
// not a transition. The returned function removes the subscription.
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			m.subsMu.Unlock()
		})
	}
}

func (m *Manager) notify(state State) {
	m.subsMu.Lock()
	fns := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

func (m *Manager) recordCleared(ctx context.Context, reason string) {
	if m.instrumentation != nil {
		m.instrumentation.Metrics().RecordSessionCleared(ctx, reason)
	}
}

func stateOf(s *Session) State {
	if s == nil {
		return StateAnonymous
	}
	return StateAuthenticated
}

func (m *Manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := m.tracer.Start(ctx, name)
	instrumentation.SetSpanAttributes(span, attrs...)
	return ctx, span
}
