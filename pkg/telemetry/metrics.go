package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for transactions, self-heal attempts
// and source builds. A nil or disabled *Metrics accepts every call.
type Metrics struct {
	config MetricsConfig

	transactions        *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec
	phaseDuration       *prometheus.HistogramVec
	selfHeals           *prometheus.CounterVec
	classifiedErrors    *prometheus.CounterVec
	builds              *prometheus.CounterVec
	buildDuration       prometheus.Histogram
	keyImports          *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Total number of helper transactions by command and outcome",
			},
			[]string{"command", "outcome"},
		),
		transactionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_duration_seconds",
				Help:      "Duration of helper transactions in seconds",
				Buckets:   buckets,
			},
			[]string{"command"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of transaction state machine phases in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),
		selfHeals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "self_heal_total",
				Help:      "Keyring refresh and retry attempts by outcome",
			},
			[]string{"outcome"},
		),
		classifiedErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Classified failures by kind",
			},
			[]string{"kind"},
		),
		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "builds_total",
				Help:      "Source builds by outcome",
			},
			[]string{"outcome"},
		),
		buildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "build_duration_seconds",
				Help:      "Duration of source package builds in seconds",
				Buckets:   buckets,
			},
		),
		keyImports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_imports_total",
				Help:      "Signing key imports by keyserver and outcome",
			},
			[]string{"keyserver", "outcome"},
		),
	}

	m.registry.MustRegister(
		m.transactions,
		m.transactionDuration,
		m.phaseDuration,
		m.selfHeals,
		m.classifiedErrors,
		m.builds,
		m.buildDuration,
		m.keyImports,
	)

	return m
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordTransaction records a finished transaction.
func (m *Metrics) RecordTransaction(command, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.transactions.WithLabelValues(command, outcome).Inc()
	m.transactionDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// RecordPhase records the time spent in one state.
func (m *Metrics) RecordPhase(phase string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordSelfHeal records a remediation attempt: "recovered" or "failed".
func (m *Metrics) RecordSelfHeal(outcome string) {
	if !m.enabled() {
		return
	}
	m.selfHeals.WithLabelValues(outcome).Inc()
}

// RecordError records a classified failure.
func (m *Metrics) RecordError(kind string) {
	if !m.enabled() {
		return
	}
	m.classifiedErrors.WithLabelValues(kind).Inc()
}

// RecordBuild records one package build.
func (m *Metrics) RecordBuild(outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.builds.WithLabelValues(outcome).Inc()
	m.buildDuration.Observe(duration.Seconds())
}

// RecordKeyImport records a signing key import attempt.
func (m *Metrics) RecordKeyImport(keyserver, outcome string) {
	if !m.enabled() {
		return
	}
	m.keyImports.WithLabelValues(keyserver, outcome).Inc()
}

// Gatherer exposes the registry, nil when disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if !m.enabled() {
		return nil
	}
	return m.registry
}

// Flush writes the current metrics to the configured textfile.
func (m *Metrics) Flush() error {
	if !m.enabled() || m.config.TextfilePath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.config.TextfilePath), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.config.TextfilePath, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}

// Timer measures elapsed time.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
