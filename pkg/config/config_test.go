package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Index.TTL != 6*time.Hour {
		t.Errorf("index ttl = %v", cfg.Index.TTL)
	}
	if len(cfg.Build.Keyservers) != 3 {
		t.Errorf("keyservers = %v", cfg.Build.Keyservers)
	}
	if !strings.HasSuffix(cfg.Index.Path, filepath.Join(AppDirName, "index.db")) {
		t.Errorf("index path = %s", cfg.Index.Path)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
strategy: stability-first
index:
  ttl: 30m
  concurrency: 8
build:
  sync_deps: false
  keyservers:
    - hkps://keys.example.org
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PKGENGINE_HELPER_PATH", "/opt/helper")
	t.Setenv("PKGENGINE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Strategy != "stability-first" {
		t.Errorf("strategy = %q", cfg.Strategy)
	}
	if cfg.Index.TTL != 30*time.Minute || cfg.Index.Concurrency != 8 {
		t.Errorf("index = %+v", cfg.Index)
	}
	if cfg.Build.SyncDeps {
		t.Error("sync_deps should be overridden by the file")
	}
	if diff := cmp.Diff([]string{"hkps://keys.example.org"}, cfg.Build.Keyservers); diff != "" {
		t.Errorf("keyservers mismatch (-want +got):\n%s", diff)
	}
	if cfg.Helper.Path != "/opt/helper" {
		t.Errorf("helper path = %s, want env override", cfg.Helper.Path)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %s", cfg.Log.Level)
	}
	if cfg.Build.AURURL != "https://aur.archlinux.org" {
		t.Errorf("unset keys should keep defaults, aur_url = %s", cfg.Build.AURURL)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "unknown strategy", content: "strategy: fastest\n"},
		{name: "zero concurrency", content: "index:\n  concurrency: 0\n"},
		{name: "bad aur url", content: "build:\n  aur_url: not a url\n"},
		{name: "no keyservers", content: "build:\n  keyservers: []\n"},
		{name: "stdout logging", content: "log:\n  output: stdout\n"},
		{name: "bad log level", content: "log:\n  level: loud\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("expected %q to be rejected", tt.content)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("a missing explicit config file should be an error")
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	want := Default()
	want.Strategy = "performance-first"
	want.Index.Concurrency = 2

	if err := WriteFile(path, want, false); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := WriteFile(path, want, false); err == nil {
		t.Error("existing file should not be replaced without force")
	}
	if err := WriteFile(path, want, true); err != nil {
		t.Errorf("forced WriteFile: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}
