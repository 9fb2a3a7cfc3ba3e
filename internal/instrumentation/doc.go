// Package instrumentation provides OpenTelemetry instrumentation for the
// guardpost trust layer.
//
// # Metrics
//
// The package exposes the following metric categories:
//
// Server/HTTP Metrics:
//   - http_requests_total: Counter of HTTP requests by method, path, and status
//   - http_request_duration_seconds: Histogram of HTTP request durations
//
// Token Security Metrics:
//   - token_validations_total: Counter of token validations by result
//   - token_validation_duration_seconds: Histogram of validation pipeline durations
//   - token_refreshes_total: Counter of refresh attempts by result
//   - token_refresh_duration_seconds: Histogram of refresh durations
//   - token_introspections_total: Counter of introspection calls by result
//
// Session Metrics:
//   - active_sessions: Gauge of cached user sessions
//   - active_connections: Gauge of live transport connections
//
// Background Processing Metrics:
//   - background_tasks_total: Counter of executed tasks by task type and status
//   - background_task_duration_seconds: Histogram of task durations
//   - expired_records_cleaned_total: Counter of records removed by cleanup
//
// All labels are bounded values (error codes, task types, transports);
// user identity never appears as a metric label. The audit logger is the
// opposite: one structured log line per security-relevant event, carrying
// the user identifier only when PII inclusion is enabled.
//
// # Configuration
//
// Instrumentation can be configured via environment variables:
//   - INSTRUMENTATION_ENABLED: Enable/disable instrumentation (default: true)
//   - METRICS_EXPORTER: Metrics exporter type (prometheus, otlp, stdout, default: prometheus)
//   - TRACING_EXPORTER: Tracing exporter type (otlp, stdout, none, default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint for traces/metrics
//   - OTEL_TRACES_SAMPLER_ARG: Sampling rate (0.0 to 1.0, default: 0.1)
//   - OTEL_SERVICE_NAME: Service name (default: guardpost)
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.Config{
//		ServiceName:    "guardpost",
//		ServiceVersion: "0.1.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	recorder := provider.Metrics()
//	recorder.RecordValidation(ctx, "success", time.Since(start))
//	recorder.RecordRefresh(ctx, "failure", time.Since(start))
package instrumentation
