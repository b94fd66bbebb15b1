package telemetry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "stdout logging", mutate: func(c *Config) { c.Logging.Output = "stdout" }, wantErr: true},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, wantErr: true},
		{name: "sampling out of range", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "metrics without path", mutate: func(c *Config) { c.Metrics.Enabled = true }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("pkgengine-helper")
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zerolog.DebugLevel {
		t.Error("debug level not parsed")
	}
	if ParseLevel("nonsense") != zerolog.InfoLevel {
		t.Error("unknown level should default to info")
	}
}

func TestNewLoggerToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helper.log")
	logger, closer, err := NewLogger(LoggingConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info().Str("package", "htop").Msg("installed")
	logger.Debug().Msg("filtered")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"package":"htop"`) {
		t.Errorf("log line missing field: %s", data)
	}
	if strings.Contains(string(data), "filtered") {
		t.Error("debug line written at info level")
	}
}

func TestMetricsRecordAndFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics", "pkgengine.prom")
	m := NewMetrics(MetricsConfig{Enabled: true, Namespace: "pkgengine", TextfilePath: path})

	m.RecordTransaction("AlpmInstall", "done", 2*time.Second)
	m.RecordTransaction("AlpmInstall", "done", time.Second)
	m.RecordSelfHeal("recovered")
	m.RecordError("keyring_error")

	if got := testutil.ToFloat64(m.transactions.WithLabelValues("AlpmInstall", "done")); got != 2 {
		t.Errorf("transactions = %v, want 2", got)
	}

	if err := m.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"pkgengine_transactions_total", "pkgengine_self_heal_total", "pkgengine_errors_total"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %s", want)
		}
	}
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	var nilMetrics *Metrics
	nilMetrics.RecordTransaction("AlpmSync", "done", time.Second)
	if err := nilMetrics.Flush(); err != nil {
		t.Errorf("nil Flush: %v", err)
	}

	m := NewMetrics(MetricsConfig{})
	m.RecordBuild("failed", time.Second)
	if m.Gatherer() != nil {
		t.Error("disabled metrics should have no gatherer")
	}
}

func TestNoopTracer(t *testing.T) {
	tr, err := NewTracer(TracingConfig{}, "pkgengine", "dev")
	if err != nil {
		t.Fatal(err)
	}
	ctx, span := tr.StartTransactionSpan(context.Background(), "tx-1", "AlpmInstall")
	End(span, nil)
	if TraceID(ctx) != "" {
		t.Error("noop tracer should not produce a valid trace id")
	}
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Error(err)
	}
}
