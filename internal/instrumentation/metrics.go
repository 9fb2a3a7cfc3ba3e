package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys - using constants for consistency and DRY
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrResult    = "result"
	attrTask      = "task"
	attrErrorCode = "error_code"
	attrTransport = "transport"
)

// Metrics provides methods for recording observability metrics.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram

	// Token security metrics
	validationsTotal    metric.Int64Counter
	validationDuration  metric.Float64Histogram
	refreshesTotal      metric.Int64Counter
	refreshDuration     metric.Float64Histogram
	introspectionsTotal metric.Int64Counter

	// Session metrics
	activeSessions    metric.Int64UpDownCounter
	activeConnections metric.Int64UpDownCounter

	// Background processing metrics
	backgroundTasksTotal   metric.Int64Counter
	backgroundTaskDuration metric.Float64Histogram
	expiredRecordsCleaned  metric.Int64Counter
}

// NewMetrics creates a new Metrics instance with all metrics initialized.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	// HTTP Metrics
	m.httpRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration_seconds histogram: %w", err)
	}

	// Token Security Metrics
	m.validationsTotal, err = meter.Int64Counter(
		"token_validations_total",
		metric.WithDescription("Total number of token validations"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_validations_total counter: %w", err)
	}

	m.validationDuration, err = meter.Float64Histogram(
		"token_validation_duration_seconds",
		metric.WithDescription("Token validation pipeline duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_validation_duration_seconds histogram: %w", err)
	}

	m.refreshesTotal, err = meter.Int64Counter(
		"token_refreshes_total",
		metric.WithDescription("Total number of token refresh attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_refreshes_total counter: %w", err)
	}

	m.refreshDuration, err = meter.Float64Histogram(
		"token_refresh_duration_seconds",
		metric.WithDescription("Token refresh duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_refresh_duration_seconds histogram: %w", err)
	}

	m.introspectionsTotal, err = meter.Int64Counter(
		"token_introspections_total",
		metric.WithDescription("Total number of token introspection calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token_introspections_total counter: %w", err)
	}

	// Session Metrics
	m.activeSessions, err = meter.Int64UpDownCounter(
		"active_sessions",
		metric.WithDescription("Number of cached user sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_sessions gauge: %w", err)
	}

	m.activeConnections, err = meter.Int64UpDownCounter(
		"active_connections",
		metric.WithDescription("Number of live transport connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_connections gauge: %w", err)
	}

	// Background Processing Metrics
	m.backgroundTasksTotal, err = meter.Int64Counter(
		"background_tasks_total",
		metric.WithDescription("Total number of executed background tasks"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create background_tasks_total counter: %w", err)
	}

	m.backgroundTaskDuration, err = meter.Float64Histogram(
		"background_task_duration_seconds",
		metric.WithDescription("Background task duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create background_task_duration_seconds histogram: %w", err)
	}

	m.expiredRecordsCleaned, err = meter.Int64Counter(
		"expired_records_cleaned_total",
		metric.WithDescription("Total number of expired token records removed"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create expired_records_cleaned_total counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request with method, path, status code, and duration.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m.httpRequestsTotal == nil || m.httpRequestDuration == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordValidation records a token validation with its outcome and duration.
// errorCode is empty for successful validations.
func (m *Metrics) RecordValidation(ctx context.Context, errorCode string, duration time.Duration) {
	if m.validationsTotal == nil || m.validationDuration == nil {
		return // Instrumentation not initialized
	}

	result := StatusSuccess
	attrs := []attribute.KeyValue{}
	if errorCode != "" {
		result = StatusError
		attrs = append(attrs, attribute.String(attrErrorCode, errorCode))
	}
	attrs = append(attrs, attribute.String(attrResult, result))

	m.validationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.validationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordRefresh records a token refresh attempt.
// Result should be one of: "success", "failure", "skipped", "backoff"
func (m *Metrics) RecordRefresh(ctx context.Context, result string, duration time.Duration) {
	if m.refreshesTotal == nil || m.refreshDuration == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrResult, result),
	}

	m.refreshesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.refreshDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordIntrospection records an introspection call with result.
// Result should be one of: "success", "error"
func (m *Metrics) RecordIntrospection(ctx context.Context, result string) {
	if m.introspectionsTotal == nil {
		return // Instrumentation not initialized
	}

	m.introspectionsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordBackgroundTask records an executed background task.
func (m *Metrics) RecordBackgroundTask(ctx context.Context, task, status string, duration time.Duration) {
	if m.backgroundTasksTotal == nil || m.backgroundTaskDuration == nil {
		return // Instrumentation not initialized
	}

	attrs := []attribute.KeyValue{
		attribute.String(attrTask, task),
		attribute.String(attrStatus, status),
	}

	m.backgroundTasksTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.backgroundTaskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordCleanup records the number of expired records removed by one sweep.
func (m *Metrics) RecordCleanup(ctx context.Context, removed int) {
	if m.expiredRecordsCleaned == nil || removed <= 0 {
		return // Instrumentation not initialized or nothing removed
	}

	m.expiredRecordsCleaned.Add(ctx, int64(removed))
}

// IncrementActiveSessions increments the active sessions counter.
func (m *Metrics) IncrementActiveSessions(ctx context.Context) {
	if m.activeSessions == nil {
		return // Instrumentation not initialized
	}

	m.activeSessions.Add(ctx, 1)
}

// DecrementActiveSessions decrements the active sessions counter.
func (m *Metrics) DecrementActiveSessions(ctx context.Context) {
	if m.activeSessions == nil {
		return // Instrumentation not initialized
	}

	m.activeSessions.Add(ctx, -1)
}

// IncrementActiveConnections increments the live connections counter for a transport.
func (m *Metrics) IncrementActiveConnections(ctx context.Context, transport string) {
	if m.activeConnections == nil {
		return // Instrumentation not initialized
	}

	m.activeConnections.Add(ctx, 1,
		metric.WithAttributes(attribute.String(attrTransport, transport)))
}

// DecrementActiveConnections decrements the live connections counter for a transport.
func (m *Metrics) DecrementActiveConnections(ctx context.Context, transport string) {
	if m.activeConnections == nil {
		return // Instrumentation not initialized
	}

	m.activeConnections.Add(ctx, -1,
		metric.WithAttributes(attribute.String(attrTransport, transport)))
}
