// Package config loads the client configuration.
//
// Values come from defaults, an optional YAML file and PKGENGINE_*
// environment variables, in increasing precedence. Nested keys map to
// environment variables with dots replaced by underscores, for example
// PKGENGINE_INDEX_TTL.
//
// The privileged helper takes no configuration: its staging directory,
// configuration directory, lock path and command allow-list are fixed.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/pkgengine/pkgengine/pkg/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PKGENGINE"

// Config holds the client configuration.
type Config struct {
	// PacmanConf is the package manager configuration sources are discovered from.
	PacmanConf string `mapstructure:"pacman_conf" yaml:"pacman_conf" validate:"required"`

	// SettingsFile holds the persisted source and feature flags.
	SettingsFile string `mapstructure:"settings_file" yaml:"settings_file" validate:"required"`

	// Strategy overrides the distro default ranking strategy.
	Strategy string `mapstructure:"strategy" yaml:"strategy,omitempty" validate:"omitempty,oneof=stability-first performance-first"`

	Helper  HelperConfig            `mapstructure:"helper" yaml:"helper"`
	Index   IndexConfig             `mapstructure:"index" yaml:"index"`
	Build   BuildConfig             `mapstructure:"build" yaml:"build"`
	Log     telemetry.LoggingConfig `mapstructure:"log" yaml:"log"`
	Tracing telemetry.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Metrics telemetry.MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// HelperConfig locates the privileged helper.
type HelperConfig struct {
	Path   string `mapstructure:"path" yaml:"path" validate:"required"`
	Broker string `mapstructure:"broker" yaml:"broker"`
}

// IndexConfig configures the package index cache.
type IndexConfig struct {
	Path        string        `mapstructure:"path" yaml:"path" validate:"required"`
	TTL         time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gt=0"`
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency" validate:"min=1,max=32"`
}

// BuildConfig configures the source-build pipeline.
type BuildConfig struct {
	WorkDir    string        `mapstructure:"work_dir" yaml:"work_dir" validate:"required"`
	AURURL     string        `mapstructure:"aur_url" yaml:"aur_url" validate:"required,url"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	Keyservers []string      `mapstructure:"keyservers" yaml:"keyservers" validate:"min=1,dive,required"`
	SyncDeps   bool          `mapstructure:"sync_deps" yaml:"sync_deps"`
}

func setDefaults(v *viper.Viper, p Paths) {
	v.SetDefault("pacman_conf", "/etc/pacman.conf")
	v.SetDefault("settings_file", p.SettingsFile)
	v.SetDefault("strategy", "")
	v.SetDefault("helper.path", "/usr/lib/pkgengine/pkgengine-helper")
	v.SetDefault("helper.broker", "/usr/bin/pkexec")
	v.SetDefault("index.path", p.IndexFile)
	v.SetDefault("index.ttl", 6*time.Hour)
	v.SetDefault("index.concurrency", 4)
	v.SetDefault("build.work_dir", p.BuildDir)
	v.SetDefault("build.aur_url", "https://aur.archlinux.org")
	v.SetDefault("build.timeout", 10*time.Second)
	v.SetDefault("build.keyservers", []string{
		"hkps://keyserver.ubuntu.com",
		"hkps://keys.openpgp.org",
		"hkp://pgp.mit.edu",
	})
	v.SetDefault("build.sync_deps", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output", "stderr")
	v.SetDefault("log.caller", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sampling_rate", 1.0)
	v.SetDefault("tracing.export_timeout", 5*time.Second)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "pkgengine")
	v.SetDefault("metrics.textfile_path", filepath.Join(p.StateDir, "client.prom"))
}

// Load reads the configuration. An empty file searches the default
// locations; a missing default file is not an error, a missing explicit
// file is.
func Load(file string) (*Config, error) {
	p := DefaultPaths()
	v := viper.New()
	setDefaults(v, p)

	v.SetConfigType("yaml")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(p.ConfigDir)
		v.AddConfigPath("/etc/pkgengine/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file or environment
// overrides exist.
func Default() *Config {
	v := viper.New()
	setDefaults(v, DefaultPaths())
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	telemetryCfg := telemetry.Config{ServiceName: AppDirName, Logging: c.Log, Tracing: c.Tracing, Metrics: c.Metrics}
	return telemetryCfg.Validate()
}
