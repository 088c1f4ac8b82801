package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Device flow outcomes used as the "outcome" label.
const (
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
)

// Metrics provides Prometheus metrics for fleet runs. A disabled Metrics is a
// no-op on every method.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	lastRun       *prometheus.GaugeVec
	activeRuns    prometheus.Gauge

	// Device flow metrics
	deviceFlows    *prometheus.CounterVec
	deviceDuration *prometheus.HistogramVec
	deviceErrors   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of fleet runs started",
			},
			[]string{"scope"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of fleet runs completed",
			},
			[]string{"scope", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of fleet runs in seconds",
				Buckets:   buckets,
			},
			[]string{"scope"},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last fleet run completed",
			},
			[]string{"scope"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of fleet runs in progress",
			},
		),

		deviceFlows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_flows_total",
				Help:      "Total number of device flows by outcome",
			},
			[]string{"scope", "family", "outcome"},
		),
		deviceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "device_flow_duration_seconds",
				Help:      "Duration of device flows in seconds",
				Buckets:   buckets,
			},
			[]string{"scope", "family"},
		),
		deviceErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_errors_total",
				Help:      "Total number of failed device flows by error kind",
			},
			[]string{"kind"},
		),
	}

	collectorsToRegister := []prometheus.Collector{
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.lastRun,
		m.activeRuns,
		m.deviceFlows,
		m.deviceDuration,
		m.deviceErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range collectorsToRegister {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// Enabled returns true if metrics are collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the underlying registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRunStarted records the start of a fleet run.
func (m *Metrics) RecordRunStarted(scope string) {
	if !m.Enabled() {
		return
	}
	m.runsStarted.WithLabelValues(scope).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records the end of a fleet run.
func (m *Metrics) RecordRunCompleted(scope, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(scope, status).Inc()
	m.runDuration.WithLabelValues(scope).Observe(duration.Seconds())
	m.lastRun.WithLabelValues(scope).SetToCurrentTime()
	m.activeRuns.Dec()
}

// RecordDeviceFlow records one device flow. errorKind is only counted for
// failed flows.
func (m *Metrics) RecordDeviceFlow(scope, family, outcome, errorKind string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.deviceFlows.WithLabelValues(scope, family, outcome).Inc()
	m.deviceDuration.WithLabelValues(scope, family).Observe(duration.Seconds())
	if outcome == OutcomeFailed {
		if errorKind == "" {
			errorKind = "unknown"
		}
		m.deviceErrors.WithLabelValues(errorKind).Inc()
	}
}

// Outcome maps flow flags to an outcome label.
func Outcome(changed, failed bool) string {
	switch {
	case failed:
		return OutcomeFailed
	case changed:
		return OutcomeChanged
	default:
		return OutcomeUnchanged
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled. It returns once
// the listener is bound, so address errors are reported to the caller.
func (m *Metrics) Serve(ctx context.Context) (net.Addr, error) {
	if !m.Enabled() || m.config.ListenAddress == "" {
		return nil, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", m.config.ListenAddress, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	log.Info().Str("addr", listener.Addr().String()).Str("path", path).Msg("Metrics server listening")
	return listener.Addr(), nil
}
