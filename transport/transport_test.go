package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-session/providers/mock"
	"github.com/giantswarm/oauth-session/session"
)

// tokenServer accepts only the bearer token held in valid and records every
// Authorization header and request body it sees.
type tokenServer struct {
	*httptest.Server

	mu     sync.Mutex
	valid  string
	auth   []string
	bodies []string
}

func newTokenServer(t *testing.T, valid string) *tokenServer {
	t.Helper()
	ts := &tokenServer{valid: valid}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		ts.mu.Lock()
		ts.auth = append(ts.auth, r.Header.Get("Authorization"))
		ts.bodies = append(ts.bodies, string(body))
		valid := ts.valid
		ts.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tokenServer) hits() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.auth)
}

func (ts *tokenServer) headers() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.auth...)
}

func newSession(t *testing.T, provider *mock.MockProvider, token *oauth2.Token) *session.Manager {
	t.Helper()
	m := session.New(provider, nil, nil, nil)
	if token != nil {
		if _, err := m.SetSession(context.Background(), token, nil); err != nil {
			t.Fatalf("SetSession() error = %v", err)
		}
	}
	return m
}

func refreshTo(token string) func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: token}, nil
	}
}

func TestTransport_AttachesBearer(t *testing.T) {
	server := newTokenServer(t, "access-1")
	provider := mock.NewMockProvider()
	client := NewClient(newSession(t, provider, &oauth2.Token{AccessToken: "access-1", RefreshToken: "r"}))

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if got := server.headers(); len(got) != 1 || got[0] != "Bearer access-1" {
		t.Errorf("Authorization headers = %v", got)
	}
	if provider.GetCallCount("RefreshToken") != 0 {
		t.Error("no refresh expected for a valid token")
	}
}

func TestTransport_Anonymous(t *testing.T) {
	server := newTokenServer(t, "access-1")
	provider := mock.NewMockProvider()
	client := NewClient(newSession(t, provider, nil))

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if got := server.headers(); len(got) != 1 || got[0] != "" {
		t.Errorf("Authorization headers = %v, want one empty", got)
	}
	if provider.GetCallCount("RefreshToken") != 0 {
		t.Error("anonymous requests must not trigger a refresh")
	}
}

func TestTransport_CallerAuthorizationUntouched(t *testing.T) {
	server := newTokenServer(t, "caller-token")
	client := NewClient(newSession(t, mock.NewMockProvider(), &oauth2.Token{AccessToken: "session-token", RefreshToken: "r"}))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	req.Header.Set("Authorization", "Bearer caller-token")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := server.headers(); len(got) != 1 || got[0] != "Bearer caller-token" {
		t.Errorf("Authorization headers = %v", got)
	}
}

func TestTransport_RetryAfterRefresh(t *testing.T) {
	server := newTokenServer(t, "access-2")
	provider := mock.NewMockProvider()
	provider.RefreshTokenFunc = refreshTo("access-2")
	m := newSession(t, provider, &oauth2.Token{AccessToken: "access-1", RefreshToken: "r"})
	client := NewClient(m)

	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"name":"x"}`))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK || string(body) != "ok" {
		t.Errorf("response = %d %q, want 200 ok", resp.StatusCode, body)
	}
	if got := server.headers(); len(got) != 2 || got[0] != "Bearer access-1" || got[1] != "Bearer access-2" {
		t.Errorf("Authorization headers = %v", got)
	}
	server.mu.Lock()
	bodies := append([]string(nil), server.bodies...)
	server.mu.Unlock()
	for i, b := range bodies {
		if b != `{"name":"x"}` {
			t.Errorf("request %d body = %q, want original body", i, b)
		}
	}
	if provider.GetCallCount("RefreshToken") != 1 {
		t.Errorf("refresh calls = %d, want 1", provider.GetCallCount("RefreshToken"))
	}
	if m.AccessToken() != "access-2" {
		t.Errorf("session token = %q, want access-2", m.AccessToken())
	}
}

func TestTransport_ConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	server := newTokenServer(t, "access-2")
	provider := mock.NewMockProvider()
	provider.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		time.Sleep(50 * time.Millisecond)
		return &oauth2.Token{AccessToken: "access-2"}, nil
	}
	client := NewClient(newSession(t, provider, &oauth2.Token{AccessToken: "access-1", RefreshToken: "r"}))

	const requests = 10
	var (
		wg sync.WaitGroup
		ok atomic.Int32
	)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.Get(server.URL)
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := ok.Load(); got != requests {
		t.Errorf("successful requests = %d, want %d", got, requests)
	}
	if got := provider.GetCallCount("RefreshToken"); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

func TestTransport_RepeatedUnauthorizedClearsSession(t *testing.T) {
	server := newTokenServer(t, "never-valid")
	provider := mock.NewMockProvider()
	provider.RefreshTokenFunc = refreshTo("access-2")
	m := newSession(t, provider, &oauth2.Token{AccessToken: "access-1", RefreshToken: "r"})
	client := NewClient(m)

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if server.hits() != 2 {
		t.Errorf("server hits = %d, want 2 (one retry only)", server.hits())
	}
	if m.IsAuthenticated() {
		t.Error("session should be cleared after a repeated 401")
	}
}

func TestTransport_RefreshFailureReturnsUnauthorized(t *testing.T) {
	server := newTokenServer(t, "access-2")
	provider := mock.NewMockProvider()
	provider.RefreshTokenFunc = func(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
		return nil, io.ErrUnexpectedEOF
	}
	m := newSession(t, provider, &oauth2.Token{AccessToken: "access-1", RefreshToken: "r"})
	client := NewClient(m)

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if !strings.Contains(string(body), "unauthorized") {
		t.Errorf("original 401 body should be readable, got %q", body)
	}
	if server.hits() != 1 {
		t.Errorf("server hits = %d, want 1", server.hits())
	}
	if m.IsAuthenticated() {
		t.Error("session should be cleared after refresh failure")
	}
}

// onceReader is a body without GetBody support
type onceReader struct{ r io.Reader }

func (o *onceReader) Read(p []byte) (int, error) { return o.r.Read(p) }

func TestTransport_NonRewindableBodyNotRetried(t *testing.T) {
	server := newTokenServer(t, "access-2")
	provider := mock.NewMockProvider()
	provider.RefreshTokenFunc = refreshTo("access-2")
	client := NewClient(newSession(t, provider, &oauth2.Token{AccessToken: "access-1", RefreshToken: "r"}))

	req, _ := http.NewRequest(http.MethodPost, server.URL, &onceReader{r: strings.NewReader("payload")})
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if server.hits() != 1 {
		t.Errorf("server hits = %d, want 1", server.hits())
	}
}

func TestTransport_ProactiveRefreshWhenExpired(t *testing.T) {
	server := newTokenServer(t, "access-2")
	provider := mock.NewMockProvider()
	provider.RefreshTokenFunc = refreshTo("access-2")
	m := newSession(t, provider, &oauth2.Token{
		AccessToken:  "access-1",
		RefreshToken: "r",
		Expiry:       time.Now().Add(-time.Hour),
	})
	client := NewClient(m)

	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if got := server.headers(); len(got) != 1 || got[0] != "Bearer access-2" {
		t.Errorf("Authorization headers = %v, want a single request with the refreshed token", got)
	}
}

func TestIsRetried(t *testing.T) {
	ctx := context.Background()
	if isRetried(ctx) {
		t.Error("plain context should not be marked retried")
	}
	if !isRetried(context.WithValue(ctx, retriedKey{}, true)) {
		t.Error("marked context should be retried")
	}
}
