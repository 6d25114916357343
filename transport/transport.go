package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-session/instrumentation"
	"github.com/giantswarm/oauth-session/internal/util"
	"github.com/giantswarm/oauth-session/session"
)

// maxDrainBytes bounds how much of a discarded 401 body is read before closing
const maxDrainBytes = 4 << 10

// Session is the part of session.Manager the transport needs.
type Session interface {
	AccessToken() string
	Expired() bool
	RefreshIfCurrent(ctx context.Context, accessToken string) (*session.Session, error)
	Invalidate(ctx context.Context, accessToken string) (bool, error)
}

var _ Session = (*session.Manager)(nil)

// retriedKey marks a request context as already resent once.
type retriedKey struct{}

// Transport is an http.RoundTripper that attaches the session's bearer token.
type Transport struct {
	base            http.RoundTripper
	session         Session
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// Option configures a Transport.
type Option func(*Transport)

// WithBase sets the underlying transport (default: http.DefaultTransport)
func WithBase(base http.RoundTripper) Option {
	return func(t *Transport) {
		if base != nil {
			t.base = base
		}
	}
}

// WithLogger sets the logger (default: slog.Default())
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithInstrumentation enables metrics and spans
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(t *Transport) {
		t.instrumentation = inst
		if inst != nil {
			t.tracer = inst.Tracer("transport")
		}
	}
}

// New creates a Transport for sess.
func New(sess Session, opts ...Option) *Transport {
	t := &Transport{
		base:    http.DefaultTransport,
		session: sess,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewClient returns an http.Client using a Transport for sess.
func NewClient(sess Session, opts ...Option) *http.Client {
	return &http.Client{Transport: New(sess, opts...)}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	// the caller manages authorization for this request
	if req.Header.Get("Authorization") != "" {
		return t.base.RoundTrip(req)
	}

	ctx, span := t.startSpan(ctx, req)
	defer span.End()

	token := t.tokenForRequest(ctx)
	resp, err := t.send(ctx, req, token)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || token == "" || isRetried(ctx) {
		instrumentation.AddHTTPAttributes(span, req.Method, resp.StatusCode, false)
		return resp, nil
	}

	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		t.logger.Debug("Not retrying unauthorized request with a non-rewindable body",
			"method", req.Method,
			"url", req.URL.Redacted())
		instrumentation.AddHTTPAttributes(span, req.Method, resp.StatusCode, false)
		return resp, nil
	}

	newToken, ok := t.tokenForRetry(ctx, token)
	if !ok {
		instrumentation.AddHTTPAttributes(span, req.Method, resp.StatusCode, false)
		return resp, nil
	}

	retryReq, err := rewind(req)
	if err != nil {
		t.logger.Warn("Failed to rewind request body for retry", "error", err)
		return resp, nil
	}
	drainAndClose(resp)

	ctx = context.WithValue(ctx, retriedKey{}, true)
	retryResp, err := t.send(ctx, retryReq, newToken)
	if err != nil {
		t.recordRetry(ctx, false)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	instrumentation.AddHTTPAttributes(span, req.Method, retryResp.StatusCode, true)
	if retryResp.StatusCode == http.StatusUnauthorized {
		t.recordRetry(ctx, false)
		t.logger.Warn("Request still unauthorized after refresh, ending session",
			"method", req.Method,
			"url", req.URL.Redacted())
		if _, cerr := t.session.Invalidate(ctx, newToken); cerr != nil {
			t.logger.Warn("Failed to clear session", "error", cerr)
		}
		return retryResp, nil
	}

	t.recordRetry(ctx, true)
	return retryResp, nil
}

// tokenForRequest returns the token to send, refreshing first when the
// current one is known to be expired.
func (t *Transport) tokenForRequest(ctx context.Context) string {
	token := t.session.AccessToken()
	if token == "" || !t.session.Expired() {
		return token
	}

	s, err := t.session.RefreshIfCurrent(ctx, token)
	switch {
	case err == nil:
		return s.AccessToken
	case errors.Is(err, session.ErrSessionChanged):
		return t.session.AccessToken()
	default:
		// the session is gone; send the request anonymously
		t.logger.Warn("Proactive session refresh failed", "error", err)
		return t.session.AccessToken()
	}
}

// tokenForRetry returns the token to resend with after token was rejected.
func (t *Transport) tokenForRetry(ctx context.Context, rejected string) (string, bool) {
	// another request already replaced the rejected token
	if current := t.session.AccessToken(); current != "" && current != rejected {
		return current, true
	}

	s, err := t.session.RefreshIfCurrent(ctx, rejected)
	switch {
	case err == nil:
		t.logger.Debug("Retrying request with refreshed token",
			"access_token_prefix", util.TokenPrefix(s.AccessToken))
		return s.AccessToken, true
	case errors.Is(err, session.ErrSessionChanged):
		if current := t.session.AccessToken(); current != "" && current != rejected {
			return current, true
		}
		return "", false
	default:
		t.logger.Warn("Session refresh after unauthorized response failed", "error", err)
		t.recordRetry(ctx, false)
		return "", false
	}
}

func (t *Transport) send(ctx context.Context, req *http.Request, token string) (*http.Response, error) {
	out := req.Clone(ctx)
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return t.base.RoundTrip(out)
}

// rewind returns a copy of req with a fresh body.
func rewind(req *http.Request) (*http.Request, error) {
	out := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return out, nil
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to get request body: %w", err)
	}
	out.Body = body
	return out, nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
	_ = resp.Body.Close()
}

func isRetried(ctx context.Context) bool {
	retried, _ := ctx.Value(retriedKey{}).(bool)
	return retried
}

func (t *Transport) recordRetry(ctx context.Context, success bool) {
	if t.instrumentation != nil {
		t.instrumentation.Metrics().RecordRequestRetried(ctx, success)
	}
}

func (t *Transport) startSpan(ctx context.Context, req *http.Request) (context.Context, trace.Span) {
	if t.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := t.tracer.Start(ctx, "http.client.request")
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrHTTPMethod, req.Method),
		attribute.String(instrumentation.AttrHTTPEndpoint, req.URL.Path))
	return ctx, span
}
