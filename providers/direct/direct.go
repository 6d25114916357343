// Package direct implements providers.Provider by talking to the identity
// provider's token endpoint directly with golang.org/x/oauth2. It is meant
// for public clients: no client secret is sent, the PKCE verifier proves
// possession of the authorization request instead.
package direct

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-session/providers"
)

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

const maxUserInfoSize = 1 << 20

// ProfileFields maps provider user info JSON to a Profile using gjson paths.
type ProfileFields struct {
	ID          string
	DisplayName string
	AvatarURL   string
}

// DefaultProfileFields reads OpenID Connect standard claims.
var DefaultProfileFields = ProfileFields{
	ID:          "sub",
	DisplayName: "name",
	AvatarURL:   "picture",
}

// TikTokProfileFields reads TikTok's /v2/user/info/ response layout.
var TikTokProfileFields = ProfileFields{
	ID:          "data.user.open_id",
	DisplayName: "data.user.display_name",
	AvatarURL:   "data.user.avatar_url",
}

// Config holds direct provider configuration.
type Config struct {
	// Name is the provider name (required).
	Name string

	// ClientID is the public client identifier (required).
	ClientID string

	// ClientIDParam is the parameter name carrying ClientID in the token
	// request when it is not "client_id" (TikTok uses "client_key").
	ClientIDParam string

	// TokenURL is the provider token endpoint (required).
	TokenURL string

	// UserInfoURL is an optional endpoint returning the user's profile.
	UserInfoURL string

	// UserInfoQuery is appended to UserInfoURL requests (e.g. fields=open_id,display_name).
	UserInfoQuery url.Values

	// ProfileFields selects profile values from the user info response (default: OIDC claims).
	ProfileFields *ProfileFields

	// RevocationURL is an optional RFC 7009 endpoint called on logout.
	RevocationURL string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds calls whose context has no deadline (default: 30s).
	RequestTimeout time.Duration

	// Logger is an optional logger (default: slog.Default()).
	Logger *slog.Logger
}

// Provider exchanges codes at the provider's token endpoint.
type Provider struct {
	name           string
	config         *oauth2.Config
	clientIDParam  string
	userInfoURL    string
	userInfoQuery  url.Values
	fields         ProfileFields
	revocationURL  string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewProvider creates a direct provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token URL is required")
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

	fields := DefaultProfileFields
	if cfg.ProfileFields != nil {
		fields = *cfg.ProfileFields
	}

	clientIDParam := cfg.ClientIDParam
	if clientIDParam == "client_id" {
		clientIDParam = ""
	}

	return &Provider{
		name: cfg.Name,
		config: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		clientIDParam:  clientIDParam,
		userInfoURL:    cfg.UserInfoURL,
		userInfoQuery:  cfg.UserInfoQuery,
		fields:         fields,
		revocationURL:  cfg.RevocationURL,
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		logger:         logger,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return p.name
}

// ExchangeCode performs the authorization_code grant with the PKCE verifier,
// then fetches the user profile when a user info endpoint is configured.
func (p *Provider) ExchangeCode(ctx context.Context, code, codeVerifier, redirectURI string) (*oauth2.Token, *providers.Profile, error) {
	ctx, cancel := providers.EnsureContextTimeout(ctx, p.requestTimeout)
	defer cancel()

	cfg := *p.config
	cfg.RedirectURL = redirectURI

	token, err := providers.ExchangeCodeWithPKCE(ctx, &cfg, p.httpClient, code, codeVerifier, p.extraParams())
	if err != nil {
		return nil, nil, tokenError(err)
	}

	if p.userInfoURL == "" {
		return token, nil, nil
	}

	profile, err := p.fetchProfile(ctx, token)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch user info: %w", err)
	}
	return token, profile, nil
}

// RefreshToken performs the refresh_token grant through an oauth2.TokenSource.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, providers.ErrNoRefreshToken
	}

	ctx, cancel := providers.EnsureContextTimeout(ctx, p.requestTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	// A seed without an access token is never valid, so the source always refreshes.
	seed := &oauth2.Token{RefreshToken: refreshToken}
	token, err := p.config.TokenSource(ctx, seed).Token()
	if err != nil {
		return nil, tokenError(err)
	}
	return token, nil
}

// Logout revokes the refresh token (or the access token when there is none)
// at the revocation endpoint. Without one configured it is a no-op.
func (p *Provider) Logout(ctx context.Context, token *oauth2.Token) error {
	if p.revocationURL == "" || token == nil {
		return nil
	}

	value, hint := token.RefreshToken, "refresh_token"
	if value == "" {
		value, hint = token.AccessToken, "access_token"
	}
	if value == "" {
		return nil
	}

	ctx, cancel := providers.EnsureContextTimeout(ctx, p.requestTimeout)
	defer cancel()

	form := url.Values{
		"token":           {value},
		"token_type_hint": {hint},
	}
	form.Set(p.clientIDParamName(), p.config.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revocationURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revocation request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &providers.Error{Code: "revocation_failed", Message: "token revocation rejected", Status: resp.StatusCode}
	}
	return nil
}

func (p *Provider) clientIDParamName() string {
	if p.clientIDParam == "" {
		return "client_id"
	}
	return p.clientIDParam
}

func (p *Provider) extraParams() map[string]string {
	if p.clientIDParam == "" {
		return nil
	}
	return map[string]string{p.clientIDParam: p.config.ClientID}
}

func (p *Provider) fetchProfile(ctx context.Context, token *oauth2.Token) (*providers.Profile, error) {
	endpoint := p.userInfoURL
	if len(p.userInfoQuery) > 0 {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint += sep + p.userInfoQuery.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &providers.Error{Code: "userinfo_failed", Message: "user info request rejected", Status: resp.StatusCode}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read user info: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("user info response is not valid JSON")
	}

	doc := gjson.ParseBytes(raw)
	profile := &providers.Profile{
		ID:          doc.Get(p.fields.ID).String(),
		DisplayName: doc.Get(p.fields.DisplayName).String(),
		AvatarURL:   doc.Get(p.fields.AvatarURL).String(),
		Provider:    p.name,
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("user info response has no %q", p.fields.ID)
	}
	return profile, nil
}

// tokenError converts an oauth2 failure into a providers.Error. Provider
// error descriptions are not shown to users.
func tokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		return &providers.Error{
			Code:    rerr.ErrorCode,
			Message: defaultMessage(rerr.ErrorDescription, "token request rejected"),
			Status:  status,
		}
	}
	return err
}

func defaultMessage(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
