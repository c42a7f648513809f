package telemetry

import "testing"

func TestSettingsStdoutFallback(t *testing.T) {
	t.Setenv("PACKTRACK_OTEL_ENABLED", "true")
	t.Setenv("PACKTRACK_OTEL_STDOUT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")

	s := readSettings()
	if !s.enabled {
		t.Fatal("telemetry not enabled")
	}
	if !s.stdout {
		t.Error("enabled with no endpoint must fall back to stdout")
	}
}

func TestSettingsMetricEndpointSharesTraceEndpoint(t *testing.T) {
	t.Setenv("PACKTRACK_OTEL_ENABLED", "true")
	t.Setenv("PACKTRACK_OTEL_STDOUT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")

	s := readSettings()
	if s.metricEndpoint != "collector:4317" {
		t.Errorf("metric endpoint = %q, want trace endpoint", s.metricEndpoint)
	}
	if s.stdout {
		t.Error("stdout fallback applied despite configured endpoint")
	}
}

func TestSettingsDisabledByDefault(t *testing.T) {
	t.Setenv("PACKTRACK_OTEL_ENABLED", "")
	if readSettings().enabled {
		t.Error("telemetry enabled without opt-in")
	}
}
