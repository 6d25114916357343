package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result label values
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultStale   = "stale"
	ResultSkipped = "skipped"
)

// Metrics holds all metric instruments
type Metrics struct {
	// Login flow
	AuthorizationStarted metric.Int64Counter
	CallbackProcessed    metric.Int64Counter
	CodeExchanged        metric.Int64Counter
	CodeExchangeDuration metric.Float64Histogram
	StateMismatch        metric.Int64Counter

	// Session
	TokenRefreshed      metric.Int64Counter
	RefreshDuration     metric.Float64Histogram
	RefreshDeduplicated metric.Int64Counter
	SessionCleared      metric.Int64Counter
	RequestRetried      metric.Int64Counter
	RateLimitExceeded   metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StoragePendingCount      metric.Int64ObservableGauge
	StorageSessionCount      metric.Int64ObservableGauge
}

type counterSpec struct {
	dst         *metric.Int64Counter
	meter       metric.Meter
	name        string
	description string
	unit        string
}

type histogramSpec struct {
	dst         *metric.Float64Histogram
	meter       metric.Meter
	name        string
	description string
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	clientMeter := inst.Meter("client")
	sessionMeter := inst.Meter("session")
	transportMeter := inst.Meter("transport")
	storageMeter := inst.Meter("storage")

	counters := []counterSpec{
		{&m.AuthorizationStarted, clientMeter, "oauth.authorization.started", "Number of authorization URLs issued", "{flow}"},
		{&m.CallbackProcessed, clientMeter, "oauth.callback.processed", "Number of provider callbacks processed", "{callback}"},
		{&m.CodeExchanged, clientMeter, "oauth.code.exchanged", "Number of authorization codes exchanged for tokens", "{exchange}"},
		{&m.StateMismatch, clientMeter, "oauth.state.mismatch", "Number of callbacks rejected by the state check", "{callback}"},
		{&m.RateLimitExceeded, clientMeter, "oauth.rate_limit.exceeded", "Number of login requests rejected by rate limiting", "{request}"},
		{&m.TokenRefreshed, sessionMeter, "oauth.token.refreshed", "Number of provider refresh calls", "{refresh}"},
		{&m.RefreshDeduplicated, sessionMeter, "oauth.refresh.deduplicated", "Number of refresh requests that joined an in-flight refresh", "{refresh}"},
		{&m.SessionCleared, sessionMeter, "oauth.session.cleared", "Number of sessions cleared", "{session}"},
		{&m.RequestRetried, transportMeter, "oauth.request.retried", "Number of requests replayed after a 401 response", "{request}"},
		{&m.StorageOperationTotal, storageMeter, "storage.operation.total", "Total number of storage operations", "{operation}"},
	}
	for _, c := range counters {
		counter, err := c.meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	histograms := []histogramSpec{
		{&m.CodeExchangeDuration, clientMeter, "oauth.code.exchange.duration", "Code exchange duration in milliseconds"},
		{&m.RefreshDuration, sessionMeter, "oauth.token.refresh.duration", "Provider refresh duration in milliseconds"},
		{&m.StorageOperationDuration, storageMeter, "storage.operation.duration", "Storage operation duration in milliseconds"},
	}
	for _, h := range histograms {
		histogram, err := h.meter.Float64Histogram(h.name,
			metric.WithDescription(h.description),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s histogram: %w", h.name, err)
		}
		*h.dst = histogram
	}

	var err error
	m.StoragePendingCount, err = storageMeter.Int64ObservableGauge(
		"storage.pending.count",
		metric.WithDescription("Number of pending authorization attempts held"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.pending.count gauge: %w", err)
	}

	m.StorageSessionCount, err = storageMeter.Int64ObservableGauge(
		"storage.session.count",
		metric.WithDescription("Number of sessions held"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.session.count gauge: %w", err)
	}

	return m, nil
}

func resultOf(success bool) string {
	if success {
		return ResultSuccess
	}
	return ResultError
}

// RecordAuthorizationStarted records an issued authorization URL
func (m *Metrics) RecordAuthorizationStarted(ctx context.Context, provider, challengeMode string) {
	m.AuthorizationStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrProviderName, provider),
		attribute.String(AttrChallengeMode, challengeMode),
	))
}

// RecordCallbackProcessed records a handled callback
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, provider string, success bool) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrProviderName, provider),
		attribute.String(AttrResult, resultOf(success)),
	))
}

// RecordCodeExchange records a code exchange and its duration
func (m *Metrics) RecordCodeExchange(ctx context.Context, provider string, success bool, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrProviderName, provider),
		attribute.String(AttrResult, resultOf(success)),
	)
	m.CodeExchanged.Add(ctx, 1, attrs)
	m.CodeExchangeDuration.Record(ctx, durationMs, attrs)
}

// RecordStateMismatch records a callback rejected by the state check
func (m *Metrics) RecordStateMismatch(ctx context.Context, reason string) {
	m.StateMismatch.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrReason, reason)))
}

// RecordRateLimitExceeded records a rejected login request
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, endpoint string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrHTTPEndpoint, endpoint)))
}

// RecordTokenRefresh records a refresh attempt. result is one of
// ResultSuccess, ResultError, ResultStale or ResultSkipped.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, result string, durationMs float64) {
	attrs := metric.WithAttributes(attribute.String(AttrResult, result))
	m.TokenRefreshed.Add(ctx, 1, attrs)
	m.RefreshDuration.Record(ctx, durationMs, attrs)
}

// RecordRefreshDeduplicated records a caller that shared another caller's refresh
func (m *Metrics) RecordRefreshDeduplicated(ctx context.Context) {
	m.RefreshDeduplicated.Add(ctx, 1)
}

// RecordSessionCleared records a session wipe
func (m *Metrics) RecordSessionCleared(ctx context.Context, reason string) {
	m.SessionCleared.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrReason, reason)))
}

// RecordRequestRetried records a request replayed after a 401
func (m *Metrics) RecordRequestRetried(ctx context.Context, success bool) {
	m.RequestRetried.Add(ctx, 1, metric.WithAttributes(attribute.String(AttrResult, resultOf(success))))
}

// RecordStorageOperation records a storage operation and its duration
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
