package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-session/instrumentation"
	"github.com/giantswarm/oauth-session/providers"
	"github.com/giantswarm/oauth-session/security"
	"github.com/giantswarm/oauth-session/session"
)

// Route paths registered by RegisterRoutes, relative to the prefix
const (
	PathLogin    = "/login"
	PathCallback = "/callback"
	PathLogout   = "/logout"
	PathStatus   = "/status"
)

// Handler serves the login routes for a Client and guards routes that need
// a session.
//
// The client holds a single session. /login sets LoginCookieName and the
// callback is only accepted from a browser presenting it. A completed login
// sets SessionCookieName to the session ID; /status, /logout and
// RequireSession treat any request without that cookie as anonymous, so
// other browsers reaching the same server never act as the logged-in user.
type Handler struct {
	client      *Client
	logger      *slog.Logger
	rateLimiter *security.RateLimiter
	tracer      trace.Tracer
}

// NewHandler creates the HTTP handler for client. When the client's config
// enables rate limiting, a per-IP limiter guards the login and callback routes.
func NewHandler(client *Client, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		client: client,
		logger: logger,
	}
	if rl := client.config.RateLimit; rl.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(security.RateLimiterConfig{
			Rate:       rl.Rate,
			Burst:      rl.Burst,
			MaxEntries: rl.MaxEntries,
		}, logger)
	}
	if client.instrumentation != nil {
		h.tracer = client.instrumentation.Tracer("handler")
	}
	return h
}

// Close stops background work owned by the handler
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes registers the login routes on mux under prefix (e.g. "/auth")
func (h *Handler) RegisterRoutes(mux *http.ServeMux, prefix string) {
	mux.HandleFunc(prefix+PathLogin, h.ServeLogin)
	mux.HandleFunc(prefix+PathCallback, h.ServeCallback)
	mux.HandleFunc(prefix+PathLogout, h.ServeLogout)
	mux.HandleFunc(prefix+PathStatus, h.ServeStatus)
}

// ServeLogin starts a login and redirects to the provider
func (h *Handler) ServeLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.startSpan(r.Context(), "oauth.http.login")
	defer span.End()

	clientIP := h.clientIP(r)
	if h.checkRateLimit(ctx, w, clientIP, PathLogin) {
		return
	}

	binding, err := newLoginBinding()
	if err != nil {
		h.logger.Error("Failed to start login", "error", err)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeServerError, "Failed to start login. Please try again.", http.StatusInternalServerError)
		return
	}

	ctx = contextWithLoginBinding(contextWithClientIP(ctx, clientIP), binding)
	authURL, err := h.client.BuildAuthorizationURL(ctx)
	if err != nil {
		h.logger.Error("Failed to start login", "error", err)
		instrumentation.RecordError(span, err)
		h.writeError(w, ErrorCodeServerError, UserMessage(err), http.StatusInternalServerError)
		return
	}

	h.setCookie(w, LoginCookieName, binding, int(h.client.config.PendingMaxAge.Seconds()))
	h.setSecurityHeaders(w)
	instrumentation.AddHTTPAttributes(span, r.Method, http.StatusFound, false)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// ServeCallback completes the login from the provider redirect
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, span := h.startSpan(r.Context(), "oauth.http.callback")
	defer span.End()

	clientIP := h.clientIP(r)
	if h.checkRateLimit(ctx, w, clientIP, PathCallback) {
		return
	}

	ctx = contextWithLoginBinding(contextWithClientIP(ctx, clientIP), readCookie(r, LoginCookieName))
	s, err := h.client.HandleCallbackParams(ctx, r.URL.Query())
	// the attempt is consumed either way
	h.clearCookie(w, LoginCookieName)
	if err != nil {
		code, status := callbackErrorStatus(err)
		h.logger.Warn("Login callback failed", "ip", clientIP, "code", code, "error", err)
		instrumentation.AddHTTPAttributes(span, r.Method, status, false)
		h.writeError(w, code, UserMessage(err), status)
		return
	}

	h.setCookie(w, SessionCookieName, s.ID, 0)
	if target := h.client.config.PostLoginRedirect; target != "" {
		h.setSecurityHeaders(w)
		http.Redirect(w, r, target, http.StatusFound)
		return
	}
	h.writeJSON(w, http.StatusOK, statusOf(s))
}

// ServeLogout ends the session. The provider is notified on a best-effort basis.
// Only the browser holding the session cookie may log out.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.sessionFor(r) == nil {
		h.writeUnauthorized(w)
		return
	}
	if err := h.client.sessions.Logout(r.Context()); err != nil {
		h.logger.Error("Logout failed", "error", err)
		h.writeError(w, ErrorCodeServerError, "Logout failed. Please try again.", http.StatusInternalServerError)
		return
	}

	h.clearCookie(w, SessionCookieName)
	h.setSecurityHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// ServeStatus reports the authentication state of the requesting browser as JSON
func (h *Handler) ServeStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.writeJSON(w, http.StatusOK, statusOf(h.sessionFor(r)))
}

// RequireSession guards next: requests are only passed on from the browser
// holding the current session, and next can read it with SessionFromContext.
// Otherwise the request is answered with 401.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := h.sessionFor(r)
		if s == nil {
			h.writeUnauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithSession(r.Context(), s)))
	})
}

type sessionKey struct{}

// ContextWithSession returns ctx carrying s
func ContextWithSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFromContext returns the session stored by RequireSession
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(sessionKey{}).(*session.Session)
	return s, ok && s != nil
}

// Status is the JSON body of the status and callback routes
type Status struct {
	Authenticated bool               `json:"authenticated"`
	State         string             `json:"state"`
	SessionID     string             `json:"session_id,omitempty"`
	ExpiresAt     *time.Time         `json:"expires_at,omitempty"`
	Profile       *providers.Profile `json:"profile,omitempty"`
}

func statusOf(s *session.Session) Status {
	if s == nil {
		return Status{State: session.StateAnonymous.String()}
	}
	st := Status{
		Authenticated: true,
		State:         session.StateAuthenticated.String(),
		SessionID:     s.ID,
		Profile:       s.Profile,
	}
	if !s.Expiry.IsZero() {
		exp := s.Expiry
		st.ExpiresAt = &exp
	}
	return st
}

// callbackErrorStatus maps a callback error to an error code and HTTP status
func callbackErrorStatus(err error) (string, int) {
	var provErr *ProviderError
	switch {
	case errors.As(err, &provErr):
		return provErr.Code, http.StatusBadRequest
	case errors.Is(err, ErrStateMismatch):
		return ErrorCodeStateMismatch, http.StatusBadRequest
	case errors.Is(err, ErrMissingVerifier):
		return ErrorCodeMissingVerifier, http.StatusBadRequest
	case errors.Is(err, ErrInvalidCallback):
		return ErrorCodeInvalidRequest, http.StatusBadRequest
	case errors.Is(err, ErrExchangeFailed):
		return ErrorCodeExchangeFailed, http.StatusBadGateway
	default:
		return ErrorCodeServerError, http.StatusInternalServerError
	}
}

// checkRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkRateLimit(ctx context.Context, w http.ResponseWriter, clientIP, endpoint string) bool {
	if h.rateLimiter == nil || h.rateLimiter.Allow(clientIP) {
		return false
	}

	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", endpoint)
	h.client.auditor.LogRateLimitExceeded(clientIP, endpoint)
	if h.client.instrumentation != nil {
		h.client.instrumentation.Metrics().RecordRateLimitExceeded(ctx, endpoint)
	}
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many login attempts. Please try again later.", http.StatusTooManyRequests)
	return true
}

func (h *Handler) clientIP(r *http.Request) string {
	rl := h.client.config.RateLimit
	return security.ClientIP(r, rl.TrustProxy, rl.TrustedProxyCount)
}

func (h *Handler) setSecurityHeaders(w http.ResponseWriter) {
	security.SetSecurityHeaders(w, h.client.config.Security.HTTPS)
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	h.writeError(w, ErrorCodeUnauthorized, "Please log in to continue.", http.StatusUnauthorized)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	h.writeJSON(w, status, map[string]string{
		"error":             code,
		"error_description": description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	h.setSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return h.tracer.Start(ctx, name)
}
