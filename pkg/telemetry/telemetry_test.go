package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "bad level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "invalid log level",
		},
		{
			name:    "bad format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "invalid log format",
		},
		{
			name:    "bad exporter",
			mutate:  func(c *Config) { c.Tracing.Exporter = "jaeger" },
			wantErr: "invalid trace exporter",
		},
		{
			name:    "otlp without endpoint",
			mutate:  func(c *Config) { c.Tracing.Exporter = "otlp" },
			wantErr: "endpoint is required",
		},
		{
			name:    "sampling rate",
			mutate:  func(c *Config) { c.Tracing.SamplingRate = 2 },
			wantErr: "sampling rate",
		},
		{
			name: "listen address with metrics disabled",
			mutate: func(c *Config) {
				c.Metrics.Enabled = false
				c.Metrics.ListenAddress = ":9464"
			},
			wantErr: "metrics disabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(LoggingConfig{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("newLogger failed: %v", err)
	}

	zl := logger.NewComponentLogger("scheduler").
		WithRunID("run-1").
		WithDevice("leaf1", "session-commit").
		Zerolog()
	zl.Info().Err(errors.New("boom")).Msg("flow finished")

	out := buf.String()
	for _, want := range []string{
		`"component":"scheduler"`,
		`"run_id":"run-1"`,
		`"device":"leaf1"`,
		`"family":"session-commit"`,
		`"error":"boom"`,
		`"message":"flow finished"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %s in %s", want, out)
		}
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("newLogger failed: %v", err)
	}

	zl := logger.Zerolog()
	zl.Info().Msg("hidden")
	zl.Warn().Msg("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message should be logged")
	}
}

func TestLoggerContext(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := newLogger(LoggingConfig{Level: "info", Format: "json"}, &buf)

	ctx := logger.WithRunID("run-2").WithContext(context.Background())
	zl := FromContext(ctx).WithDevice("leaf1", "null").Zerolog()
	zl.Info().Msg("from context")

	for _, want := range []string{`"run_id":"run-2"`, `"device":"leaf1"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("expected %s from context logger, got %s", want, buf.String())
		}
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected fallback logger")
	}
}

func TestMetricsRecordDeviceFlow(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordRunStarted("deploy")
	m.RecordDeviceFlow("deploy", "session-commit", Outcome(true, false), "", time.Second)
	m.RecordDeviceFlow("deploy", "session-commit", Outcome(false, false), "", time.Second)
	m.RecordDeviceFlow("deploy", "interactive-shell", Outcome(true, true), "transport", 2*time.Second)
	m.RecordDeviceFlow("deploy", "null", Outcome(false, true), "", time.Millisecond)
	m.RecordRunCompleted("deploy", "partial", 3*time.Second)

	if got := testutil.ToFloat64(m.deviceFlows.WithLabelValues("deploy", "session-commit", OutcomeChanged)); got != 1 {
		t.Errorf("expected 1 changed flow, got %v", got)
	}
	if got := testutil.ToFloat64(m.deviceFlows.WithLabelValues("deploy", "interactive-shell", OutcomeFailed)); got != 1 {
		t.Errorf("expected 1 failed flow, got %v", got)
	}
	if got := testutil.ToFloat64(m.deviceErrors.WithLabelValues("transport")); got != 1 {
		t.Errorf("expected 1 transport error, got %v", got)
	}
	if got := testutil.ToFloat64(m.deviceErrors.WithLabelValues("unknown")); got != 1 {
		t.Errorf("expected 1 unclassified error, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("deploy", "partial")); got != 1 {
		t.Errorf("expected 1 completed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("expected no active runs, got %v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	m.RecordDeviceFlow("local-only", "null", OutcomeUnchanged, "", time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `netsync_device_flows_total{family="null",outcome="unchanged",scope="local-only"} 1`) {
		t.Errorf("expected device flow counter in output:\n%s", body)
	}
}

func TestMetricsDisabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	if m.Enabled() {
		t.Fatal("expected disabled metrics")
	}

	// No-ops must not panic.
	m.RecordRunStarted("deploy")
	m.RecordDeviceFlow("deploy", "null", OutcomeFailed, "internal", time.Second)
	m.RecordRunCompleted("deploy", "failed", time.Second)

	addr, err := m.Serve(context.Background())
	if err != nil || addr != nil {
		t.Errorf("expected no server, got %v %v", addr, err)
	}
}

func TestMetricsServe(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.ListenAddress = "127.0.0.1:0"
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := m.Serve(ctx)
	if err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestOutcome(t *testing.T) {
	if Outcome(true, true) != OutcomeFailed {
		t.Error("failed wins over changed")
	}
	if Outcome(true, false) != OutcomeChanged {
		t.Error("expected changed")
	}
	if Outcome(false, false) != OutcomeUnchanged {
		t.Error("expected unchanged")
	}
}

func TestTracerStdout(t *testing.T) {
	var buf bytes.Buffer
	tracer, err := newTracer(TracingConfig{Exporter: "stdout"}, "netsync-test", "dev", &buf)
	if err != nil {
		t.Fatalf("newTracer failed: %v", err)
	}

	ctx, span := otel.Tracer("test").Start(context.Background(), "device.reconcile")
	span.SetAttributes(AttrDeviceName.String("leaf1"))
	if TraceID(ctx) == "" {
		t.Error("expected a valid trace id")
	}
	RecordError(span, errors.New("rejected"))
	span.End()

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "device.reconcile") || !strings.Contains(out, "leaf1") {
		t.Errorf("expected exported span, got %s", out)
	}
}

func TestTracerUnsupportedExporter(t *testing.T) {
	if _, err := newTracer(TracingConfig{Exporter: "zipkin"}, "netsync-test", "dev", nil); err == nil {
		t.Error("expected error for unsupported exporter")
	}
}
