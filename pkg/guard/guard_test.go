package guard

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/classify"
)

func stagingFixture(t *testing.T) (staging, outside string) {
	t.Helper()
	base := t.TempDir()
	staging = filepath.Join(base, "staging")
	outside = filepath.Join(base, "outside")
	for _, d := range []string{staging, outside, filepath.Join(staging, "nested")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	files := map[string]string{
		filepath.Join(staging, "a-1-1-x86_64.pkg.tar.zst"):        "a",
		filepath.Join(staging, "nested", "b-1-1-x86_64.pkg.tar.zst"): "b",
		filepath.Join(outside, "evil-1-1-x86_64.pkg.tar.zst"):      "evil",
	}
	for p, content := range files {
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(filepath.Join(outside, "evil-1-1-x86_64.pkg.tar.zst"), filepath.Join(staging, "link.pkg.tar.zst")); err != nil {
		t.Fatal(err)
	}
	return staging, outside
}

func TestConfinePaths(t *testing.T) {
	staging, outside := stagingFixture(t)

	tests := []struct {
		name    string
		paths   []string
		wantErr bool
	}{
		{name: "files inside", paths: []string{
			filepath.Join(staging, "a-1-1-x86_64.pkg.tar.zst"),
			filepath.Join(staging, "nested", "b-1-1-x86_64.pkg.tar.zst"),
		}},
		{name: "file outside", paths: []string{filepath.Join(outside, "evil-1-1-x86_64.pkg.tar.zst")}, wantErr: true},
		{name: "dotdot escape", paths: []string{filepath.Join(staging, "..", "outside", "evil-1-1-x86_64.pkg.tar.zst")}, wantErr: true},
		{name: "symlink escape", paths: []string{filepath.Join(staging, "link.pkg.tar.zst")}, wantErr: true},
		{name: "root itself", paths: []string{staging}, wantErr: true},
		{name: "directory", paths: []string{filepath.Join(staging, "nested")}, wantErr: true},
		{name: "missing", paths: []string{filepath.Join(staging, "missing.pkg.tar.zst")}, wantErr: true},
		{name: "empty batch", paths: nil, wantErr: true},
		{name: "one bad rejects all", paths: []string{
			filepath.Join(staging, "a-1-1-x86_64.pkg.tar.zst"),
			filepath.Join(staging, "link.pkg.tar.zst"),
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ConfinePaths(staging, tt.paths)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected rejection, got %v", got)
				}
				if !classify.IsKind(err, classify.KindUnauthorizedPath) {
					t.Errorf("error kind = %s, want %s", classify.KindOf(err), classify.KindUnauthorizedPath)
				}
				if got != nil {
					t.Error("rejected batch should return no paths")
				}
				return
			}
			if err != nil {
				t.Fatalf("ConfinePaths: %v", err)
			}
			if len(got) != len(tt.paths) {
				t.Errorf("got %d paths, want %d", len(got), len(tt.paths))
			}
		})
	}
}

func TestConfinePathsSiblingPrefix(t *testing.T) {
	base := t.TempDir()
	staging := filepath.Join(base, "staging")
	sibling := filepath.Join(base, "staging-evil")
	for _, d := range []string{staging, sibling} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	p := filepath.Join(sibling, "x.pkg.tar.zst")
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ConfinePaths(staging, []string{p}); err == nil {
		t.Error("a sibling sharing the staging prefix must be rejected")
	}
}

func newTestGuard(t *testing.T) (*Guard, string) {
	t.Helper()
	configDir := filepath.Join(t.TempDir(), "etc-pkgengine")
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		t.Fatal(err)
	}
	g, err := New(context.Background(), Options{ConfigDir: configDir, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g, configDir
}

func TestCheckCommand(t *testing.T) {
	g, _ := newTestGuard(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		binary  string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "bare allowed name", binary: "systemctl", args: []string{"restart", "sddm"}, want: "/usr/bin/systemctl"},
		{name: "absolute allowed", binary: "/usr/bin/paccache", args: []string{"-rk2"}, want: "/usr/bin/paccache"},
		{name: "not listed", binary: "rm", args: []string{"-rf", "/"}, wantErr: true},
		{name: "path trick", binary: "/usr/bin/../bin/sh", wantErr: true},
		{name: "config override arg", binary: "pacman-key", args: []string{"--config=/tmp/x"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.CheckCommand(ctx, tt.binary, tt.args)
			if tt.wantErr {
				if !classify.IsKind(err, classify.KindUnauthorizedCommand) {
					t.Fatalf("expected unauthorized command, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckCommand: %v", err)
			}
			if got != tt.want {
				t.Errorf("program = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCheckFile(t *testing.T) {
	g, configDir := newTestGuard(t)
	ctx := context.Background()

	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(configDir, "escape")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		action  string
		path    string
		wantErr bool
	}{
		{name: "new file inside", action: "write_file", path: filepath.Join(configDir, "repos.conf")},
		{name: "remove inside", action: "remove_file", path: filepath.Join(configDir, "old.conf")},
		{name: "outside", action: "write_file", path: "/etc/passwd", wantErr: true},
		{name: "parent reference", action: "write_file", path: configDir + "/../passwd", wantErr: true},
		{name: "directory itself", action: "remove_file", path: configDir, wantErr: true},
		{name: "symlinked parent", action: "write_file", path: filepath.Join(configDir, "escape", "x.conf"), wantErr: true},
		{name: "relative", action: "write_file", path: "repos.conf", wantErr: true},
		{name: "unknown action", action: "chmod", path: filepath.Join(configDir, "x"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.CheckFile(ctx, tt.action, tt.path)
			if tt.wantErr {
				if !classify.IsKind(err, classify.KindUnauthorizedPath) {
					t.Fatalf("expected unauthorized path, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckFile: %v", err)
			}
		})
	}
}

func TestCustomPolicyRejected(t *testing.T) {
	_, err := New(context.Background(), Options{Policy: "package broken\n\ndeny contains", Logger: zerolog.Nop()})
	if err == nil {
		t.Error("invalid rego should fail to compile")
	}
}
