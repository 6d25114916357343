package direct

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-session/providers"
)

type recordedForm struct {
	mu    sync.Mutex
	forms map[string]url.Values
}

func (r *recordedForm) set(path string, v url.Values) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forms[path] = v
}

func (r *recordedForm) get(path string) url.Values {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.forms[path]
}

func newTestServer(t *testing.T) (*httptest.Server, *recordedForm) {
	t.Helper()
	rec := &recordedForm{forms: make(map[string]url.Values)}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		rec.set("/token", r.PostForm)
		w.Header().Set("Content-Type", "application/json")
		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") == "bad-code" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
				return
			}
			_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
		case "refresh_token":
			_, _ = w.Write([]byte(`{"access_token":"at-2","token_type":"Bearer","expires_in":3600}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("fields") != "open_id,display_name,avatar_url" {
			t.Errorf("fields query = %q", r.URL.Query().Get("fields"))
		}
		_, _ = w.Write([]byte(`{"data":{"user":{"open_id":"oid-7","display_name":"Grace","avatar_url":"https://cdn/g.png"}}}`))
	})
	mux.HandleFunc("/revoke", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		rec.set("/revoke", r.PostForm)
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, rec
}

func newTikTokProvider(t *testing.T, srv *httptest.Server) *Provider {
	t.Helper()
	p, err := NewProvider(&Config{
		Name:          "tiktok",
		ClientID:      "ck-123",
		ClientIDParam: "client_key",
		TokenURL:      srv.URL + "/token",
		UserInfoURL:   srv.URL + "/userinfo",
		UserInfoQuery: url.Values{"fields": {"open_id,display_name,avatar_url"}},
		ProfileFields: &TikTokProfileFields,
		RevocationURL: srv.URL + "/revoke",
		HTTPClient:    srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func TestNewProvider_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{name: "nil", cfg: nil},
		{name: "no name", cfg: &Config{ClientID: "c", TokenURL: "https://t"}},
		{name: "no client", cfg: &Config{Name: "n", TokenURL: "https://t"}},
		{name: "no token url", cfg: &Config{Name: "n", ClientID: "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProvider(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestExchangeCode(t *testing.T) {
	srv, rec := newTestServer(t)
	p := newTikTokProvider(t, srv)

	token, profile, err := p.ExchangeCode(context.Background(), "good-code", "verifier-abc", "https://app/cb")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	form := rec.get("/token")
	checks := map[string]string{
		"grant_type":    "authorization_code",
		"code":          "good-code",
		"code_verifier": "verifier-abc",
		"redirect_uri":  "https://app/cb",
		"client_key":    "ck-123",
	}
	for k, want := range checks {
		if got := form.Get(k); got != want {
			t.Errorf("form[%s] = %q, want %q", k, got, want)
		}
	}
	if form.Get("client_secret") != "" {
		t.Error("public client must not send a client secret")
	}

	if token.AccessToken != "at-1" || token.RefreshToken != "rt-1" {
		t.Errorf("token = %+v", token)
	}
	if token.Expiry.IsZero() {
		t.Error("expected expiry from expires_in")
	}

	want := providers.Profile{ID: "oid-7", DisplayName: "Grace", AvatarURL: "https://cdn/g.png", Provider: "tiktok"}
	if profile == nil || *profile != want {
		t.Errorf("profile = %+v, want %+v", profile, want)
	}
}

func TestExchangeCode_Rejected(t *testing.T) {
	srv, _ := newTestServer(t)
	p := newTikTokProvider(t, srv)

	_, _, err := p.ExchangeCode(context.Background(), "bad-code", "v", "https://app/cb")
	var perr *providers.Error
	if !errors.As(err, &perr) {
		t.Fatalf("error = %v, want *providers.Error", err)
	}
	if perr.Code != "invalid_grant" {
		t.Errorf("Code = %q, want invalid_grant", perr.Code)
	}
	if perr.Displayable {
		t.Error("token endpoint errors must not be displayable")
	}
}

func TestExchangeCode_WithoutUserInfo(t *testing.T) {
	srv, _ := newTestServer(t)
	p, err := NewProvider(&Config{
		Name:       "generic",
		ClientID:   "client",
		TokenURL:   srv.URL + "/token",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	token, profile, err := p.ExchangeCode(context.Background(), "good-code", "v", "https://app/cb")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if token.AccessToken != "at-1" {
		t.Errorf("AccessToken = %q", token.AccessToken)
	}
	if profile != nil {
		t.Errorf("profile = %+v, want nil", profile)
	}
}

func TestRefreshToken(t *testing.T) {
	srv, rec := newTestServer(t)
	p := newTikTokProvider(t, srv)

	token, err := p.RefreshToken(context.Background(), "rt-1")
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}

	form := rec.get("/token")
	if form.Get("grant_type") != "refresh_token" || form.Get("refresh_token") != "rt-1" {
		t.Errorf("refresh form = %v", form)
	}
	if token.AccessToken != "at-2" {
		t.Errorf("AccessToken = %q, want at-2", token.AccessToken)
	}
	// the provider did not rotate, so the original refresh token is kept
	if token.RefreshToken != "rt-1" {
		t.Errorf("RefreshToken = %q, want rt-1", token.RefreshToken)
	}

	if _, err := p.RefreshToken(context.Background(), ""); !errors.Is(err, providers.ErrNoRefreshToken) {
		t.Errorf("empty refresh token error = %v", err)
	}
}

func TestLogout(t *testing.T) {
	srv, rec := newTestServer(t)
	p := newTikTokProvider(t, srv)

	if err := p.Logout(context.Background(), &oauth2.Token{AccessToken: "at-1", RefreshToken: "rt-1"}); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}

	form := rec.get("/revoke")
	if form.Get("token") != "rt-1" || form.Get("token_type_hint") != "refresh_token" {
		t.Errorf("revoke form = %v", form)
	}
	if form.Get("client_key") != "ck-123" {
		t.Errorf("client_key = %q", form.Get("client_key"))
	}
}
