// Package oauth implements a public OAuth2 client that logs a user in with the
// authorization code flow and PKCE, without a client secret, and hands the
// resulting tokens to a session.Manager.
//
// Flow:
//
//	client.BuildAuthorizationURL  -> user authorizes at the provider
//	client.HandleCallback         -> state verified, code exchanged with the verifier
//	session.Manager               -> holds and refreshes the session
//	transport.Transport           -> authenticates API requests, retries once on 401
//
// Handler exposes the same flow as HTTP routes for web front ends, and the
// oauth-login command uses it from a terminal with a loopback redirect.
package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-session/instrumentation"
	"github.com/giantswarm/oauth-session/internal/util"
	"github.com/giantswarm/oauth-session/pkce"
	"github.com/giantswarm/oauth-session/providers"
	"github.com/giantswarm/oauth-session/security"
	"github.com/giantswarm/oauth-session/session"
	"github.com/giantswarm/oauth-session/storage"
)

// Client drives the authorization code flow with PKCE for a public client:
// it issues the authorization URL, verifies the callback and commits the
// resulting session.
//
// Exactly one attempt is pending at a time. Issuing a new authorization URL
// abandons the previous attempt.
type Client struct {
	provider providers.Provider
	pending  storage.PendingStore
	sessions *session.Manager
	config   *Config
	logger   *slog.Logger

	oauth2Config *oauth2.Config
	generator    pkce.Generator

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	auditor         *security.Auditor

	now func() time.Time

	mu          sync.Mutex
	outstanding bool
}

// encryptorSetter is implemented by stores that can seal values at rest.
type encryptorSetter interface {
	SetEncryptor(enc *security.Encryptor)
}

// NewClient creates a new OAuth client
func NewClient(
	provider providers.Provider,
	pending storage.PendingStore,
	sessions *session.Manager,
	config *Config,
) (*Client, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if pending == nil {
		return nil, fmt.Errorf("pending store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	cfg := *config
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = provider.Name()
	}

	if len(cfg.Security.EncryptionKey) > 0 {
		enc, err := security.NewEncryptor(cfg.Security.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		applyEncryptor(enc, pending, sessions.Store())
	}

	return &Client{
		provider: provider,
		pending:  pending,
		sessions: sessions,
		config:   &cfg,
		logger:   cfg.Logger,
		oauth2Config: &oauth2.Config{
			ClientID:    cfg.ClientID,
			Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthURL},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		generator: pkce.Generator{Mode: cfg.ChallengeMode},
		auditor:   security.NewAuditor(cfg.Logger, cfg.Security.EnableAuditLogging),
		now:       time.Now,
	}, nil
}

// applyEncryptor hands enc to every store that supports encryption at rest.
func applyEncryptor(enc *security.Encryptor, stores ...any) {
	for _, st := range stores {
		if setter, ok := st.(encryptorSetter); ok {
			setter.SetEncryptor(enc)
		}
	}
}

// Config returns the effective configuration (defaults applied)
func (c *Client) Config() Config {
	return *c.config
}

// Sessions returns the session manager the client commits logins to
func (c *Client) Sessions() *session.Manager {
	return c.sessions
}

// SetInstrumentation sets OpenTelemetry instrumentation for the client
func (c *Client) SetInstrumentation(inst *instrumentation.Instrumentation) {
	c.instrumentation = inst
	if inst != nil {
		c.tracer = inst.Tracer("client")
	}
}

// SetAuditor replaces the security auditor
func (c *Client) SetAuditor(aud *security.Auditor) {
	c.auditor = aud
}

// BuildAuthorizationURL starts a new attempt and returns the URL to send the
// user to. The attempt's verifier is stored and never appears in the URL.
func (c *Client) BuildAuthorizationURL(ctx context.Context) (string, error) {
	ctx, span := c.startSpan(ctx, "oauth.authorization_url")
	defer span.End()

	pair, err := c.generator.Generate()
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to generate PKCE parameters: %w", err)
	}

	c.mu.Lock()
	abandoned := c.outstanding
	c.outstanding = true
	c.mu.Unlock()
	if abandoned {
		c.logger.Warn("Starting a new login while another is pending, the earlier attempt is abandoned",
			"provider", c.config.ProviderName)
	}

	err = c.pending.StorePending(ctx, &storage.PendingAuth{
		State:     pair.State,
		Verifier:  pair.Verifier,
		Binding:   hashBinding(loginBindingFromContext(ctx)),
		CreatedAt: pair.CreatedAt,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to store pending authorization: %w", err)
	}

	authURL, err := c.authorizationURL(pair)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}

	c.auditor.LogLoginStarted(c.config.ProviderName, clientIPFromContext(ctx))
	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordAuthorizationStarted(ctx, c.config.ProviderName, pair.Mode.String())
	}
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrProviderName, c.config.ProviderName),
		attribute.String(instrumentation.AttrChallengeMode, pair.Mode.String()),
		attribute.String(instrumentation.AttrPKCEMethod, pair.Method))
	instrumentation.SetSpanSuccess(span)

	c.logger.Debug("Issued authorization URL",
		"provider", c.config.ProviderName,
		"state_prefix", util.TokenPrefix(pair.State),
		"challenge_mode", pair.Mode)
	return authURL, nil
}

// authorizationURL renders the provider URL for pair, honouring the
// configured client identifier parameter and scope separator.
func (c *Client) authorizationURL(pair *pkce.Pair) (string, error) {
	raw := c.oauth2Config.AuthCodeURL(pair.State,
		oauth2.SetAuthURLParam("code_challenge", pair.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", pair.Method))

	if c.config.ClientIDParam == DefaultClientIDParam && c.config.ScopeSeparator == DefaultScopeSeparator {
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to build authorization URL: %w", err)
	}
	q := u.Query()
	if c.config.ClientIDParam != DefaultClientIDParam {
		q.Del("client_id")
		q.Set(c.config.ClientIDParam, c.config.ClientID)
	}
	if len(c.config.Scopes) > 0 {
		q.Set("scope", strings.Join(c.config.Scopes, c.config.ScopeSeparator))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Reset discards the pending attempt, if any.
func (c *Client) Reset(ctx context.Context) error {
	c.mu.Lock()
	c.outstanding = false
	c.mu.Unlock()

	if _, err := c.pending.RetrieveAndClearPending(ctx); err != nil && !storage.IsMiss(err) {
		return fmt.Errorf("failed to discard pending authorization: %w", err)
	}
	return nil
}

// HandleCallback completes the pending attempt with the code and state the
// provider returned, and commits the session.
//
// The pending attempt is consumed whatever the outcome. Errors:
//   - ErrMissingVerifier: no attempt is pending (including a repeated callback)
//   - ErrStateMismatch: receivedState does not match, the attempt expired, or
//     it was started with a different login binding
//   - ErrInvalidCallback: code is empty
//   - *ExchangeError (matches ErrExchangeFailed): the provider rejected the code
//
// No request reaches the provider unless the state matched.
func (c *Client) HandleCallback(ctx context.Context, code, receivedState string) (_ *session.Session, err error) {
	ctx, span := c.startSpan(ctx, "oauth.callback",
		attribute.String(instrumentation.AttrProviderName, c.config.ProviderName))
	defer span.End()
	defer func() {
		if c.instrumentation != nil {
			c.instrumentation.Metrics().RecordCallbackProcessed(ctx, c.config.ProviderName, err == nil)
		}
		if err != nil {
			instrumentation.RecordError(span, err)
			c.auditor.LogLoginFailed(c.config.ProviderName, clientIPFromContext(ctx), err.Error())
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}()

	pending, err := c.takePending(ctx)
	if err != nil {
		return nil, err
	}

	if pending.Binding != "" {
		presented := hashBinding(loginBindingFromContext(ctx))
		if subtle.ConstantTimeCompare([]byte(presented), []byte(pending.Binding)) != 1 {
			c.stateMismatch(ctx, "binding")
			return nil, fmt.Errorf("%w: login was started by another browser", ErrStateMismatch)
		}
	}

	if receivedState == "" || subtle.ConstantTimeCompare([]byte(receivedState), []byte(pending.State)) != 1 {
		c.stateMismatch(ctx, "mismatch")
		return nil, ErrStateMismatch
	}
	if pending.Verifier == "" {
		return nil, ErrMissingVerifier
	}
	if code == "" {
		return nil, ErrInvalidCallback
	}

	start := time.Now()
	token, profile, err := c.provider.ExchangeCode(ctx, code, pending.Verifier, c.config.RedirectURL)
	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordCodeExchange(ctx, c.config.ProviderName, err == nil,
			float64(time.Since(start).Milliseconds()))
	}
	if err != nil {
		c.logger.Warn("Authorization code exchange failed",
			"provider", c.config.ProviderName,
			"error", err)
		return nil, newExchangeError(err)
	}
	if token == nil || token.AccessToken == "" {
		return nil, newExchangeError(errors.New("provider returned no access token"))
	}

	s, err := c.sessions.SetSession(ctx, token, profile)
	if err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}

	userID := ""
	if s.Profile != nil {
		userID = s.Profile.ID
	}
	c.auditor.LogLoginSucceeded(userID, s.ID, c.config.ProviderName)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrSessionID, s.ID))
	c.logger.Info("Login completed",
		"provider", c.config.ProviderName,
		"session_id", s.ID)
	return s, nil
}

// HandleCallbackParams handles the query of the provider redirect. A provider
// error (error, error_description) is returned as *ProviderError after the
// pending attempt has been consumed.
func (c *Client) HandleCallbackParams(ctx context.Context, params url.Values) (*session.Session, error) {
	if code := params.Get("error"); code != "" {
		if _, err := c.takePending(ctx); err != nil && !isMissingAttempt(err) {
			c.logger.Warn("Failed to discard pending authorization", "error", err)
		}
		perr := &ProviderError{Code: code, Description: params.Get("error_description")}
		c.logger.Warn("Provider returned an error instead of a code",
			"provider", c.config.ProviderName,
			"error", perr.Code)
		c.auditor.LogLoginFailed(c.config.ProviderName, clientIPFromContext(ctx), perr.Code)
		if c.instrumentation != nil {
			c.instrumentation.Metrics().RecordCallbackProcessed(ctx, c.config.ProviderName, false)
		}
		return nil, perr
	}
	return c.HandleCallback(ctx, params.Get("code"), params.Get("state"))
}

// takePending consumes the pending attempt and maps store misses to client errors.
func (c *Client) takePending(ctx context.Context) (*storage.PendingAuth, error) {
	c.mu.Lock()
	c.outstanding = false
	c.mu.Unlock()

	pending, err := c.pending.RetrieveAndClearPending(ctx)
	switch {
	case err == nil:
		if storage.IsPendingStale(pending.CreatedAt, c.now(), c.config.PendingMaxAge) {
			c.stateMismatch(ctx, "expired")
			return nil, fmt.Errorf("%w: login attempt expired", ErrStateMismatch)
		}
		return pending, nil
	case errors.Is(err, storage.ErrPendingNotFound):
		return nil, ErrMissingVerifier
	case errors.Is(err, storage.ErrPendingExpired):
		c.stateMismatch(ctx, "expired")
		return nil, fmt.Errorf("%w: login attempt expired", ErrStateMismatch)
	default:
		return nil, fmt.Errorf("failed to retrieve pending authorization: %w", err)
	}
}

func isMissingAttempt(err error) bool {
	return errors.Is(err, ErrMissingVerifier) || errors.Is(err, ErrStateMismatch)
}

func (c *Client) stateMismatch(ctx context.Context, reason string) {
	c.logger.Warn("Callback state does not match the pending login",
		"provider", c.config.ProviderName,
		"reason", reason)
	c.auditor.LogStateMismatch(c.config.ProviderName, clientIPFromContext(ctx), reason)
	if c.instrumentation != nil {
		c.instrumentation.Metrics().RecordStateMismatch(ctx, reason)
	}
}

func (c *Client) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if c.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := c.tracer.Start(ctx, name)
	instrumentation.SetSpanAttributes(span, attrs...)
	return ctx, span
}

type clientIPKey struct{}

// contextWithClientIP records the caller's IP for audit events
func contextWithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func clientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

type loginBindingKey struct{}

// contextWithLoginBinding ties the attempt started or completed with ctx to
// a value held by the browser, normally a cookie.
func contextWithLoginBinding(ctx context.Context, binding string) context.Context {
	return context.WithValue(ctx, loginBindingKey{}, binding)
}

func loginBindingFromContext(ctx context.Context) string {
	binding, _ := ctx.Value(loginBindingKey{}).(string)
	return binding
}

// hashBinding returns the stored form of a binding value, "" for none.
func hashBinding(binding string) string {
	if binding == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(binding))
	return hex.EncodeToString(sum[:])
}
