package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-session/internal/testutil"
	"github.com/giantswarm/oauth-session/providers/mock"
	"github.com/giantswarm/oauth-session/security"
	"github.com/giantswarm/oauth-session/storage"
	"github.com/giantswarm/oauth-session/storage/memory"
)

func newTestManager(t *testing.T) (*Manager, *mock.MockProvider, *memory.Store) {
	t.Helper()
	provider := mock.NewMockProvider()
	store := memory.New()
	return New(provider, store, nil, nil), provider, store
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateAnonymous, "anonymous"},
		{StateAuthenticated, "authenticated"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestManager_SetSession(t *testing.T) {
	ctx := context.Background()
	m, _, store := newTestManager(t)

	var states []State
	m.Subscribe(func(s State) { states = append(states, s) })

	if m.IsAuthenticated() || m.AccessToken() != "" {
		t.Fatal("new manager should be anonymous")
	}

	token := testutil.GenerateTestToken()
	s, err := m.SetSession(ctx, token, testutil.GenerateTestProfile())
	if err != nil {
		t.Fatalf("SetSession() error = %v", err)
	}

	if _, err := uuid.Parse(s.ID); err != nil {
		t.Errorf("session ID %q is not a UUID: %v", s.ID, err)
	}
	if m.AccessToken() != token.AccessToken {
		t.Errorf("AccessToken() = %q, want %q", m.AccessToken(), token.AccessToken)
	}
	if m.State() != StateAuthenticated {
		t.Errorf("State() = %v, want authenticated", m.State())
	}
	if len(states) != 1 || states[0] != StateAuthenticated {
		t.Errorf("notifications = %v, want [authenticated]", states)
	}

	record, err := store.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if record.ID != s.ID || !record.Authenticated || record.AccessToken != token.AccessToken {
		t.Errorf("persisted record = %+v", record)
	}

	// replacing a session is not a state transition
	if _, err := m.SetSession(ctx, testutil.GenerateTestToken(), nil); err != nil {
		t.Fatalf("second SetSession() error = %v", err)
	}
	if len(states) != 1 {
		t.Errorf("notifications after replace = %v, want one", states)
	}
}

func TestManager_SetSession_RequiresAccessToken(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.SetSession(context.Background(), &oauth2.Token{}, nil); err == nil {
		t.Error("SetSession() with empty access token should fail")
	}
	if _, err := m.SetSession(context.Background(), nil, nil); err == nil {
		t.Error("SetSession() with nil token should fail")
	}
}

func TestManager_CurrentIsCopy(t *testing.T) {
	m, _, _ := newTestManager(t)
	if _, err := m.SetSession(context.Background(), testutil.GenerateTestToken(), testutil.GenerateTestProfile()); err != nil {
		t.Fatal(err)
	}

	c := m.Current()
	c.AccessToken = "tampered"
	c.Profile.ID = "tampered"

	again := m.Current()
	if again.AccessToken == "tampered" || again.Profile.ID == "tampered" {
		t.Error("mutating Current() result changed manager state")
	}
}

func TestManager_Expired(t *testing.T) {
	clock := testutil.NewMockTime(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	m := New(mock.NewMockProvider(), nil, &Config{Now: clock.Now, ClockSkew: 5 * time.Second}, nil)

	if m.Expired() {
		t.Error("anonymous manager should not report expired")
	}

	token := testutil.GenerateTestTokenWithExpiry(clock.Now().Add(time.Minute))
	if _, err := m.SetSession(context.Background(), token, nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		advance time.Duration
		want    bool
	}{
		{"before expiry", 30 * time.Second, false},
		{"within skew", 33 * time.Second, false},
		{"past skew", 3 * time.Second, true},
	}
	for _, tt := range tests {
		clock.Advance(tt.advance)
		if got := m.Expired(); got != tt.want {
			t.Errorf("%s: Expired() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestManager_ExpiryFromJWTClaim(t *testing.T) {
	exp := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	m, _, _ := newTestManager(t)

	token := &oauth2.Token{AccessToken: testutil.GenerateTestJWT(t, exp), RefreshToken: "r"}
	s, err := m.SetSession(context.Background(), token, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Expiry.Equal(exp) {
		t.Errorf("Expiry = %v, want %v", s.Expiry, exp)
	}
}

func TestManager_Clear(t *testing.T) {
	ctx := context.Background()
	m, _, store := newTestManager(t)
	if _, err := m.SetSession(ctx, testutil.GenerateTestToken(), nil); err != nil {
		t.Fatal(err)
	}

	var states []State
	unsubscribe := m.Subscribe(func(s State) { states = append(states, s) })

	if err := m.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if m.IsAuthenticated() {
		t.Error("manager should be anonymous after Clear")
	}
	if _, err := store.LoadSession(ctx); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("stored session after Clear: error = %v, want ErrSessionNotFound", err)
	}
	if len(states) != 1 || states[0] != StateAnonymous {
		t.Errorf("notifications = %v, want [anonymous]", states)
	}

	// clearing again is a no-op and not a transition
	if err := m.Clear(ctx); err != nil {
		t.Fatalf("second Clear() error = %v", err)
	}
	if len(states) != 1 {
		t.Errorf("notifications after second Clear = %v", states)
	}

	unsubscribe()
	unsubscribe()
	if _, err := m.SetSession(ctx, testutil.GenerateTestToken(), nil); err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 {
		t.Errorf("unsubscribed callback was still called: %v", states)
	}
}

func TestManager_Invalidate(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	s, err := m.SetSession(ctx, testutil.GenerateTestToken(), nil)
	if err != nil {
		t.Fatal(err)
	}

	cleared, err := m.Invalidate(ctx, "some-older-token")
	if err != nil || cleared {
		t.Fatalf("Invalidate(other token) = %v, %v; want false, nil", cleared, err)
	}
	if !m.IsAuthenticated() {
		t.Fatal("session cleared by a token that is no longer current")
	}

	cleared, err = m.Invalidate(ctx, s.AccessToken)
	if err != nil || !cleared {
		t.Fatalf("Invalidate(current token) = %v, %v; want true, nil", cleared, err)
	}
	if m.IsAuthenticated() {
		t.Error("session should be cleared")
	}
}

func TestManager_Invalidate_EmptyToken(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t)
	if _, err := m.SetSession(ctx, testutil.GenerateTestToken(), nil); err != nil {
		t.Fatal(err)
	}

	cleared, err := m.Invalidate(ctx, "")
	if err != nil || cleared {
		t.Fatalf("Invalidate(\"\") = %v, %v; want false, nil", cleared, err)
	}
	if !m.IsAuthenticated() {
		t.Error("session cleared by an empty token")
	}
}

func TestManager_InvalidateRacingRefresh(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		m, provider, _ := newTestManager(t)
		provider.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
			return &oauth2.Token{AccessToken: "access-2"}, nil
		}
		if _, err := m.SetSession(ctx, &oauth2.Token{AccessToken: "access-1", RefreshToken: "r"}, nil); err != nil {
			t.Fatal(err)
		}

		var (
			wg         sync.WaitGroup
			cleared    bool
			refreshErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			cleared, _ = m.Invalidate(ctx, "access-1")
		}()
		go func() {
			defer wg.Done()
			_, refreshErr = m.Refresh(ctx)
		}()
		wg.Wait()

		// a refreshed session must never be cleared by the token it replaced
		if refreshErr == nil && cleared {
			t.Fatalf("iteration %d: refresh succeeded but the old token cleared the new session", i)
		}
		if refreshErr == nil && m.AccessToken() != "access-2" {
			t.Fatalf("iteration %d: access token = %q, want access-2", i, m.AccessToken())
		}
	}
}

func TestManager_Logout(t *testing.T) {
	tests := []struct {
		name      string
		logoutErr error
	}{
		{name: "provider accepts", logoutErr: nil},
		{name: "provider fails", logoutErr: errors.New("network down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m, provider, _ := newTestManager(t)
			provider.LogoutFunc = func(ctx context.Context, token *oauth2.Token) error {
				return tt.logoutErr
			}

			if _, err := m.SetSession(ctx, testutil.GenerateTestToken(), nil); err != nil {
				t.Fatal(err)
			}
			if err := m.Logout(ctx); err != nil {
				t.Fatalf("Logout() error = %v", err)
			}
			if m.IsAuthenticated() {
				t.Error("session should be cleared after Logout")
			}
			if got := provider.GetCallCount("Logout"); got != 1 {
				t.Errorf("provider Logout calls = %d, want 1", got)
			}
		})
	}
}

func TestManager_Load(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	first := New(mock.NewMockProvider(), store, nil, nil)
	s, err := first.SetSession(ctx, testutil.GenerateTestToken(), testutil.GenerateTestProfile())
	if err != nil {
		t.Fatal(err)
	}

	second := New(mock.NewMockProvider(), store, nil, nil)
	var states []State
	second.Subscribe(func(st State) { states = append(states, st) })
	if err := second.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got := second.Current()
	if got == nil || got.ID != s.ID || got.AccessToken != s.AccessToken {
		t.Fatalf("restored session = %+v, want ID %s", got, s.ID)
	}
	if got.Profile == nil || got.Profile.ID != "test-user-123" {
		t.Errorf("restored profile = %+v", got.Profile)
	}
	if len(states) != 1 || states[0] != StateAuthenticated {
		t.Errorf("notifications = %v", states)
	}

	// the other process logs out; reloading observes it
	if err := first.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if err := second.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if second.IsAuthenticated() {
		t.Error("reload after external clear should be anonymous")
	}
}

func TestManager_Load_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	key, _ := security.GenerateKey()
	enc, _ := security.NewEncryptor(key)
	store.SetEncryptor(enc)
	if err := store.SaveSession(ctx, &storage.SessionRecord{ID: "x", AccessToken: "a", Authenticated: true}); err != nil {
		t.Fatal(err)
	}

	otherKey, _ := security.GenerateKey()
	otherEnc, _ := security.NewEncryptor(otherKey)
	store.SetEncryptor(otherEnc)

	m := New(mock.NewMockProvider(), store, nil, nil)
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v, corrupt records should be discarded", err)
	}
	if m.IsAuthenticated() {
		t.Error("corrupt record should leave the manager anonymous")
	}
	if _, err := store.LoadSession(ctx); !errors.Is(err, storage.ErrSessionNotFound) {
		t.Errorf("corrupt record should be deleted, LoadSession error = %v", err)
	}
}

func TestManager_Load_NoStore(t *testing.T) {
	m := New(mock.NewMockProvider(), nil, nil, nil)
	if err := m.Load(context.Background()); err != nil {
		t.Errorf("Load() without store error = %v", err)
	}
}

func TestExpiryFromJWT(t *testing.T) {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		token  string
		want   time.Time
		wantOK bool
	}{
		{name: "jwt with exp", token: testutil.GenerateTestJWT(t, exp), want: exp, wantOK: true},
		{name: "jwt without exp", token: testutil.GenerateTestJWT(t, time.Time{}), wantOK: false},
		{name: "opaque token", token: "opaque-access-token", wantOK: false},
		{name: "empty", token: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExpiryFromJWT(tt.token)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if ok && !got.Equal(tt.want) {
				t.Errorf("expiry = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSession_Token(t *testing.T) {
	var nilSession *Session
	if nilSession.Token() != nil {
		t.Error("nil session should have nil token")
	}

	s := &Session{AccessToken: "a", RefreshToken: "r", TokenType: "Bearer"}
	tok := s.Token()
	if tok.AccessToken != "a" || tok.RefreshToken != "r" || tok.TokenType != "Bearer" {
		t.Errorf("Token() = %+v", tok)
	}
}
