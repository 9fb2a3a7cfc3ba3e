package instrumentation

import (
	"context"
	"testing"
	"time"
)

func providerConfig(metrics, tracing string) Config {
	return Config{
		ServiceName:     "guardpost-test",
		ServiceVersion:  "0.0.1",
		Enabled:         true,
		MetricsExporter: metrics,
		TracingExporter: tracing,
	}
}

func TestDisabledProviderIsNoOp(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{ServiceName: "guardpost-test"})
	if err != nil {
		t.Fatalf("disabled provider construction failed: %v", err)
	}

	if provider.Enabled() {
		t.Error("provider should report disabled")
	}
	// Callers record unconditionally; disabled must still hand out
	// working no-op recorders.
	if provider.Metrics() == nil {
		t.Error("Metrics must not be nil when disabled")
	}
	if provider.Tracer("validation") == nil {
		t.Error("Tracer must not be nil when disabled")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("disabled shutdown returned %v", err)
	}
}

func TestPrometheusProviderExposesHandler(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := NewProvider(ctx, providerConfig(ExporterPrometheus, ExporterNone))
	if err != nil {
		t.Fatalf("provider construction failed: %v", err)
	}
	defer func() { _ = provider.Shutdown(ctx) }()

	if !provider.Enabled() {
		t.Error("provider should report enabled")
	}
	if provider.Metrics() == nil {
		t.Error("Metrics must not be nil")
	}
	if provider.PrometheusHandler() == nil {
		t.Error("prometheus exporter should back the scrape handler")
	}
	if provider.Tracer("validation") == nil {
		t.Error("Tracer must not be nil")
	}
}

func TestStdoutProviderHasNoPrometheusHandler(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, err := NewProvider(ctx, providerConfig(ExporterStdout, ExporterStdout))
	if err != nil {
		t.Fatalf("provider construction failed: %v", err)
	}
	defer func() { _ = provider.Shutdown(ctx) }()

	if provider.PrometheusHandler() != nil {
		t.Error("no scrape handler expected without the prometheus exporter")
	}
}

func TestProviderRejectsBadExporters(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cases := []struct {
		name   string
		config Config
	}{
		{"unknown metrics exporter", providerConfig("statsd", ExporterNone)},
		{"unknown tracing exporter", providerConfig(ExporterPrometheus, "jaeger")},
		{"otlp tracing without endpoint", providerConfig(ExporterPrometheus, ExporterOTLP)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewProvider(ctx, tc.config); err == nil {
				t.Error("expected construction to fail")
			}
		})
	}
}

func TestProviderShutdownFlushes(t *testing.T) {
	ctx := context.Background()
	provider, err := NewProvider(ctx, providerConfig(ExporterPrometheus, ExporterNone))
	if err != nil {
		t.Fatalf("provider construction failed: %v", err)
	}

	if err := provider.Shutdown(ctx); err != nil {
		t.Errorf("shutdown returned %v", err)
	}
}
