package instrumentation

import (
	"strings"
	"testing"
)

func TestDefaultConfigValues(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("INSTRUMENTATION_ENABLED", "")
	t.Setenv("METRICS_EXPORTER", "")
	t.Setenv("TRACING_EXPORTER", "")

	config := DefaultConfig()

	if config.ServiceName != "guardpost" {
		t.Errorf("ServiceName = %q, want guardpost", config.ServiceName)
	}
	if !config.Enabled {
		t.Error("instrumentation should be enabled by default")
	}
	if config.MetricsExporter != ExporterPrometheus {
		t.Errorf("MetricsExporter = %q, want prometheus", config.MetricsExporter)
	}
	if config.TracingExporter != ExporterNone {
		t.Errorf("TracingExporter = %q, want none", config.TracingExporter)
	}
	if config.TraceSamplingRate != 0.1 {
		t.Errorf("TraceSamplingRate = %f, want 0.1", config.TraceSamplingRate)
	}
	if !config.AuditLogging.Enabled {
		t.Error("audit logging should be enabled by default")
	}
	if config.AuditLogging.IncludePII {
		t.Error("PII must stay out of audit logs unless opted in")
	}
}

func TestDefaultConfigReadsEnvironment(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "guardpost-staging")
	t.Setenv("INSTRUMENTATION_ENABLED", "false")
	t.Setenv("METRICS_EXPORTER", "stdout")
	t.Setenv("TRACING_EXPORTER", "stdout")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.5")

	config := DefaultConfig()

	if config.ServiceName != "guardpost-staging" {
		t.Errorf("ServiceName = %q, want guardpost-staging", config.ServiceName)
	}
	if config.Enabled {
		t.Error("INSTRUMENTATION_ENABLED=false should disable instrumentation")
	}
	if config.MetricsExporter != ExporterStdout {
		t.Errorf("MetricsExporter = %q, want stdout", config.MetricsExporter)
	}
	if config.TracingExporter != ExporterStdout {
		t.Errorf("TracingExporter = %q, want stdout", config.TracingExporter)
	}
	if config.TraceSamplingRate != 0.5 {
		t.Errorf("TraceSamplingRate = %f, want 0.5", config.TraceSamplingRate)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string // empty means valid
	}{
		{
			name: "prometheus metrics, no tracing",
			config: Config{
				MetricsExporter: ExporterPrometheus,
				TracingExporter: ExporterNone,
			},
		},
		{
			name: "otlp tracing with endpoint",
			config: Config{
				MetricsExporter: ExporterPrometheus,
				TracingExporter: ExporterOTLP,
				OTLPEndpoint:    "localhost:4318",
			},
		},
		{
			name:    "negative sampling rate",
			config:  Config{TraceSamplingRate: -0.5},
			wantErr: "sampling rate",
		},
		{
			name:    "sampling rate above one",
			config:  Config{TraceSamplingRate: 1.5},
			wantErr: "sampling rate",
		},
		{
			name:    "unknown metrics exporter",
			config:  Config{MetricsExporter: "statsd"},
			wantErr: "invalid metrics exporter",
		},
		{
			name:    "unknown tracing exporter",
			config:  Config{TracingExporter: "jaeger"},
			wantErr: "invalid tracing exporter",
		},
		{
			name:    "otlp tracing without endpoint",
			config:  Config{TracingExporter: ExporterOTLP},
			wantErr: "OTLP endpoint is required",
		},
		{
			name:    "otlp metrics without endpoint",
			config:  Config{MetricsExporter: ExporterOTLP},
			wantErr: "OTLP endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("GUARDPOST_TEST_STR", "value")
	t.Setenv("GUARDPOST_TEST_BOOL", "true")
	t.Setenv("GUARDPOST_TEST_BOOL_BAD", "not-a-bool")
	t.Setenv("GUARDPOST_TEST_FLOAT", "0.75")
	t.Setenv("GUARDPOST_TEST_FLOAT_BAD", "not-a-float")

	if v := getEnvOrDefault("GUARDPOST_TEST_STR", "fallback"); v != "value" {
		t.Errorf("string lookup = %q, want value", v)
	}
	if v := getEnvOrDefault("GUARDPOST_TEST_MISSING", "fallback"); v != "fallback" {
		t.Errorf("missing string lookup = %q, want fallback", v)
	}
	if !getEnvBoolOrDefault("GUARDPOST_TEST_BOOL", false) {
		t.Error("bool lookup should be true")
	}
	if !getEnvBoolOrDefault("GUARDPOST_TEST_BOOL_BAD", true) {
		t.Error("unparseable bool should fall back to the default")
	}
	if v := getEnvFloatOrDefault("GUARDPOST_TEST_FLOAT", 0.5); v != 0.75 {
		t.Errorf("float lookup = %f, want 0.75", v)
	}
	if v := getEnvFloatOrDefault("GUARDPOST_TEST_FLOAT_BAD", 0.5); v != 0.5 {
		t.Errorf("unparseable float = %f, want the 0.5 default", v)
	}
}
