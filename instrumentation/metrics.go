package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the gateway.
type Metrics struct {
	// HTTP layer
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Flow lifecycle
	FlowStarted       metric.Int64Counter
	CallbackProcessed metric.Int64Counter
	CodeMinted        metric.Int64Counter
	CodeRedeemed      metric.Int64Counter
	TokenRefreshed    metric.Int64Counter

	// Security
	RateLimitExceeded     metric.Int64Counter
	PKCEValidationFailed  metric.Int64Counter
	CodeReplayDetected    metric.Int64Counter
	RefreshReplayDetected metric.Int64Counter

	// Upstream issuer
	UpstreamCallsTotal metric.Int64Counter
	UpstreamDuration   metric.Float64Histogram
	UpstreamErrors     metric.Int64Counter
	DigestRetries      metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	upstreamMeter := inst.Meter("upstream")
	storageMeter := inst.Meter("storage")

	var err error
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"credgate.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"credgate.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	m.FlowStarted, err = serverMeter.Int64Counter(
		"credgate.flow.started",
		metric.WithDescription("Number of authorization flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.started counter: %w", err)
	}

	m.CallbackProcessed, err = serverMeter.Int64Counter(
		"credgate.callback.processed",
		metric.WithDescription("Number of issuer callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.CodeMinted, err = serverMeter.Int64Counter(
		"credgate.code.minted",
		metric.WithDescription("Number of authorization codes minted"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.minted counter: %w", err)
	}

	m.CodeRedeemed, err = serverMeter.Int64Counter(
		"credgate.code.redeemed",
		metric.WithDescription("Number of authorization codes redeemed for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.redeemed counter: %w", err)
	}

	m.TokenRefreshed, err = serverMeter.Int64Counter(
		"credgate.token.refreshed",
		metric.WithDescription("Number of tokens refreshed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"credgate.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	m.PKCEValidationFailed, err = securityMeter.Int64Counter(
		"credgate.pkce.validation_failed",
		metric.WithDescription("Number of PKCE validation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.CodeReplayDetected, err = securityMeter.Int64Counter(
		"credgate.code.replay_detected",
		metric.WithDescription("Number of authorization code replay attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.replay_detected counter: %w", err)
	}

	m.RefreshReplayDetected, err = securityMeter.Int64Counter(
		"credgate.refresh.replay_detected",
		metric.WithDescription("Number of refresh token replay attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh.replay_detected counter: %w", err)
	}

	m.UpstreamCallsTotal, err = upstreamMeter.Int64Counter(
		"credgate.upstream.calls.total",
		metric.WithDescription("Total number of upstream issuer calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.calls.total counter: %w", err)
	}

	m.UpstreamDuration, err = upstreamMeter.Float64Histogram(
		"credgate.upstream.duration",
		metric.WithDescription("Upstream issuer call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.duration histogram: %w", err)
	}

	m.UpstreamErrors, err = upstreamMeter.Int64Counter(
		"credgate.upstream.errors.total",
		metric.WithDescription("Total number of upstream issuer errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.errors.total counter: %w", err)
	}

	m.DigestRetries, err = upstreamMeter.Int64Counter(
		"credgate.upstream.digest.retries",
		metric.WithDescription("Number of Digest challenge retries against the upstream"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.digest.retries counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"credgate.storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"credgate.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordFlowStarted records an authorization flow start.
func (m *Metrics) RecordFlowStarted(ctx context.Context, clientID string) {
	m.FlowStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCallbackProcessed records an issuer callback.
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, clientID string, success bool) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("success", success),
	))
}

// RecordCodeMinted records the minting of an authorization code.
func (m *Metrics) RecordCodeMinted(ctx context.Context, clientID string) {
	m.CodeMinted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
	))
}

// RecordCodeRedeemed records a code redemption.
func (m *Metrics) RecordCodeRedeemed(ctx context.Context, clientID, pkceMethod string) {
	m.CodeRedeemed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordTokenRefresh records a refresh grant.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, wrapped bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("wrapped", wrapped),
	))
}

// RecordRateLimitExceeded records a rate limit violation.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordPKCEValidationFailed records a PKCE validation failure.
func (m *Metrics) RecordPKCEValidationFailed(ctx context.Context, method string) {
	m.PKCEValidationFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
}

// RecordCodeReplayDetected records an authorization code replay attempt.
func (m *Metrics) RecordCodeReplayDetected(ctx context.Context) {
	m.CodeReplayDetected.Add(ctx, 1)
}

// RecordRefreshReplayDetected records a refresh token replay attempt.
func (m *Metrics) RecordRefreshReplayDetected(ctx context.Context) {
	m.RefreshReplayDetected.Add(ctx, 1)
}

// RecordUpstreamCall records a call to the upstream issuer.
func (m *Metrics) RecordUpstreamCall(ctx context.Context, issuer, operation string, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("issuer", issuer),
		attribute.String("operation", operation),
	}

	m.UpstreamCallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.UpstreamDuration.Record(ctx, durationMs, metric.WithAttributes(attrs...))

	if err != nil {
		m.UpstreamErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDigestRetry records a Digest challenge retry against the upstream.
func (m *Metrics) RecordDigestRetry(ctx context.Context, issuer string) {
	m.DigestRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("issuer", issuer),
	))
}

// RecordStorageOperation records a storage operation.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
