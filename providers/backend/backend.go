// Package backend implements providers.Provider against a first-party API
// that brokers the identity provider: the API holds the provider's client
// secret, performs the real token exchange and issues its own session tokens.
//
// Wire format (JSON envelope):
//
//	POST {base}/auth/oauth/{provider}/callback  {code, code_verifier, redirect_uri}
//	POST {base}/auth/refresh                    {refresh_token}
//	POST {base}/auth/logout                     Authorization: Bearer <access token>
//
//	success: {"success": true, "data": {...}}
//	failure: {"success": false, "error": {"code": "...", "message": "..."}}
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-session/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

const (
	// DefaultCallbackPath is the exchange endpoint; {provider} is replaced by ProviderName.
	DefaultCallbackPath = "/auth/oauth/{provider}/callback"
	// DefaultRefreshPath is the refresh endpoint.
	DefaultRefreshPath = "/auth/refresh"
	// DefaultLogoutPath is the logout endpoint.
	DefaultLogoutPath = "/auth/logout"

	// maxResponseSize limits how much of a response body is read.
	maxResponseSize = 1 << 20
)

// Config holds backend provider configuration.
type Config struct {
	// BaseURL is the API root, e.g. "https://api.example.com" (required).
	BaseURL string

	// ProviderName is the upstream identity provider, e.g. "tiktok" (required).
	ProviderName string

	// CallbackPath, RefreshPath and LogoutPath override the default endpoint paths.
	CallbackPath string
	RefreshPath  string
	LogoutPath   string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds calls whose context has no deadline (default: 30s).
	RequestTimeout time.Duration

	// Logger is an optional logger (default: slog.Default()).
	Logger *slog.Logger
}

// Provider talks to the brokering backend.
type Provider struct {
	name           string
	baseURL        string
	callbackPath   string
	refreshPath    string
	logoutPath     string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

// NewProvider creates a backend provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.ProviderName == "" {
		return nil, fmt.Errorf("provider name is required")
	}

	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = providers.DefaultRequestTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Provider{
		name:           cfg.ProviderName,
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		callbackPath:   defaultString(cfg.CallbackPath, DefaultCallbackPath),
		refreshPath:    defaultString(cfg.RefreshPath, DefaultRefreshPath),
		logoutPath:     defaultString(cfg.LogoutPath, DefaultLogoutPath),
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		logger:         logger,
		now:            time.Now,
	}, nil
}

// Name returns the upstream provider name.
func (p *Provider) Name() string {
	return p.name
}

// ExchangeCode forwards the code and verifier to the backend, which completes
// the exchange with the identity provider and returns session tokens plus the user.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*oauth2.Token, *providers.Profile, error) {
	ctx, cancel := providers.EnsureContextTimeout(ctx, p.requestTimeout)
	defer cancel()

	body := map[string]string{
		"code":          code,
		"code_verifier": codeVerifier,
		"redirect_uri":  redirectURI,
	}

	path := strings.ReplaceAll(p.callbackPath, "{provider}", p.name)
	data, err := p.post(ctx, path, body, "")
	if err != nil {
		return nil, nil, err
	}

	token := p.tokenFromData(data)
	if token.AccessToken == "" {
		return nil, nil, &providers.Error{Code: "invalid_response", Message: "exchange response has no access token"}
	}

	var profile *providers.Profile
	if user := data.Get("user"); user.Exists() {
		profile = &providers.Profile{
			ID:          user.Get("id").String(),
			DisplayName: user.Get("display_name").String(),
			AvatarURL:   user.Get("avatar_url").String(),
			Provider:    user.Get("oauth_provider").String(),
			Premium:     user.Get("is_premium").Bool(),
		}
		if profile.Provider == "" {
			profile.Provider = p.name
		}
	}

	return token, profile, nil
}

// RefreshToken exchanges a refresh token for a new access token.
// The backend answers with data.token or data.access_token.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, providers.ErrNoRefreshToken
	}

	ctx, cancel := providers.EnsureContextTimeout(ctx, p.requestTimeout)
	defer cancel()

	data, err := p.post(ctx, p.refreshPath, map[string]string{"refresh_token": refreshToken}, "")
	if err != nil {
		return nil, err
	}

	token := p.tokenFromData(data)
	if token.AccessToken == "" {
		token.AccessToken = data.Get("token").String()
	}
	if token.AccessToken == "" {
		return nil, &providers.Error{Code: "invalid_response", Message: "refresh response has no access token"}
	}

	return token, nil
}

// Logout invalidates the session at the backend.
func (p *Provider) Logout(ctx context.Context, token *oauth2.Token) error {
	if token == nil || token.AccessToken == "" {
		return nil
	}

	ctx, cancel := providers.EnsureContextTimeout(ctx, p.requestTimeout)
	defer cancel()

	_, err := p.post(ctx, p.logoutPath, nil, token.AccessToken)
	return err
}

func (p *Provider) tokenFromData(data gjson.Result) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  data.Get("access_token").String(),
		RefreshToken: data.Get("refresh_token").String(),
		TokenType:    data.Get("token_type").String(),
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	if expiresIn := data.Get("expires_in").Int(); expiresIn > 0 {
		token.ExpiresIn = expiresIn
		token.Expiry = p.now().Add(time.Duration(expiresIn) * time.Second)
	}
	return token
}

// post sends a JSON request and returns the "data" member of a successful envelope.
func (p *Provider) post(ctx context.Context, path string, payload any, bearer string) (gjson.Result, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, reqBody)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if !gjson.ValidBytes(raw) {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 && len(bytes.TrimSpace(raw)) == 0 {
			return gjson.Result{}, nil
		}
		p.logger.Debug("Backend returned non-JSON response",
			"path", path,
			"status", resp.StatusCode)
		return gjson.Result{}, &providers.Error{
			Code:    "invalid_response",
			Message: fmt.Sprintf("unexpected response from %s", path),
			Status:  resp.StatusCode,
		}
	}

	envelope := gjson.ParseBytes(raw)
	success := envelope.Get("success")
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (success.Exists() && !success.Bool()) {
		return gjson.Result{}, envelopeError(envelope, resp.StatusCode)
	}

	if data := envelope.Get("data"); data.Exists() {
		return data, nil
	}
	return envelope, nil
}

// envelopeError converts a failure envelope into a providers.Error. Messages
// written by the backend are meant for users; bare HTTP failures are not.
func envelopeError(envelope gjson.Result, status int) *providers.Error {
	e := &providers.Error{Status: status}

	if errObj := envelope.Get("error"); errObj.IsObject() {
		e.Code = errObj.Get("code").String()
		e.Message = errObj.Get("message").String()
	} else if errObj.Type == gjson.String {
		e.Code = errObj.String()
		e.Message = envelope.Get("error_description").String()
	}
	if e.Message == "" {
		e.Message = envelope.Get("message").String()
	}

	if e.Message != "" {
		e.Displayable = true
	} else {
		e.Message = http.StatusText(status)
	}
	return e
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
