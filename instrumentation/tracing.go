package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys.
//
// Never attach token, code, verifier or state values. Use presence flags or
// hashed identifiers instead.
const (
	AttrProviderName  = "oauth.provider"
	AttrChallengeMode = "oauth.pkce.challenge_mode"
	AttrPKCEMethod    = "oauth.pkce.method"
	AttrSessionID     = "oauth.session_id"
	AttrUserID        = "oauth.user_id"
	AttrTokenRotated  = "oauth.token.rotated"  //nolint:gosec // boolean flag, not a credential
	AttrTokenExpired  = "oauth.token.expired"  //nolint:gosec // boolean flag, not a credential
	AttrReason        = "oauth.reason"
	AttrResult        = "result"

	AttrStorageOperation = "storage.operation"
	AttrStorageType      = "storage.type"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
	AttrRetried        = "http.retried"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets multiple attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil && len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
}

// AddStorageAttributes annotates a storage span
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes annotates a request pipeline span
func AddHTTPAttributes(span trace.Span, method string, statusCode int, retried bool) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.Int(AttrHTTPStatusCode, statusCode),
		attribute.Bool(AttrRetried, retried),
	)
}
