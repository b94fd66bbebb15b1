package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for the client and the helper.
type Config struct {
	// ServiceName identifies the process in traces.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	// Logging contains logging configuration.
	Logging LoggingConfig

	// Tracing contains tracing configuration.
	Tracing TracingConfig

	// Metrics contains metrics configuration.
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `mapstructure:"level" yaml:"level"`

	// Format is console or json.
	Format string `mapstructure:"format" yaml:"format"`

	// Output is stderr or a file path. The helper never logs to stdout since
	// stdout carries the progress protocol.
	Output string `mapstructure:"output" yaml:"output"`

	// EnableCaller adds file:line caller information.
	EnableCaller bool `mapstructure:"caller" yaml:"caller"`
}

// TracingConfig configures tracing.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `mapstructure:"exporter" yaml:"exporter"`

	// Endpoint is the OTLP gRPC endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `mapstructure:"sampling_rate" yaml:"sampling_rate"`

	ExportTimeout time.Duration `mapstructure:"export_timeout" yaml:"export_timeout"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `mapstructure:"insecure" yaml:"insecure"`
}

// MetricsConfig configures metrics collection. Both binaries are short
// lived, so metrics are written in the textfile exposition format on exit
// instead of being served.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Namespace is the metric name prefix.
	Namespace string `mapstructure:"namespace" yaml:"namespace"`

	// TextfilePath is where metrics are written on Flush.
	TextfilePath string `mapstructure:"textfile_path" yaml:"textfile_path"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig(service string) *Config {
	return &Config{
		ServiceName:    service,
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 10 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "pkgengine",
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if _, ok := logLevels[c.Logging.Level]; !ok {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	if c.Logging.Output == "stdout" {
		return fmt.Errorf("log output cannot be stdout")
	}

	validExporters := map[string]bool{"otlp": true, "stdout": true, "none": true}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("otlp exporter requires an endpoint")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	if c.Metrics.Enabled && c.Metrics.TextfilePath == "" {
		return fmt.Errorf("metrics textfile path is required when metrics are enabled")
	}

	return nil
}
