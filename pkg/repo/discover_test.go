package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleConf = `[options]
HoldPkg     = pacman glibc
Architecture = auto

[cachyos-v3]
Include = %s

[core]
Include = %s

#[core-testing]
#Include = /etc/pacman.d/mirrorlist

[custom]
SigLevel = Optional TrustAll
Server = file:///home/packages
`

func writeConf(t *testing.T, dir string) string {
	t.Helper()
	cachyList := filepath.Join(dir, "cachyos-v3-mirrorlist")
	archList := filepath.Join(dir, "mirrorlist")
	if err := os.WriteFile(cachyList, []byte("Server = https://mirror.cachyos.org/repo/$arch_v3/$repo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(archList, []byte("## Worldwide\n#Server = https://disabled/$repo\nServer = https://geo.mirror.pkgbuild.com/$repo/os/$arch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	conf := filepath.Join(dir, "pacman.conf")
	content := []byte(fmt.Sprintf(sampleConf, cachyList, archList))
	if err := os.WriteFile(conf, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return conf
}

func TestDiscover(t *testing.T) {
	conf := writeConf(t, t.TempDir())

	sources, err := Discover(conf)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	if len(sources) != 3 {
		t.Fatalf("expected 3 sources, got %d: %+v", len(sources), sources)
	}
	want := []string{"cachyos-v3", "core", "custom"}
	for i, name := range want {
		if sources[i].Name != name {
			t.Errorf("source %d = %s, want %s", i, sources[i].Name, name)
		}
		if len(sources[i].Servers) != 1 {
			t.Errorf("%s servers = %v", name, sources[i].Servers)
		}
	}
	if sources[2].Servers[0] != "file:///home/packages" {
		t.Errorf("custom server = %s", sources[2].Servers[0])
	}
}

func TestWatchRefreshesRegistry(t *testing.T) {
	dir := t.TempDir()
	conf := writeConf(t, dir)
	sources, err := Discover(conf)
	if err != nil {
		t.Fatal(err)
	}
	r := Load(sources, Settings{}, Options{Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx, conf) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(conf, []byte("[core]\nServer = https://a\n[multilib]\nServer = https://b\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get("multilib"); ok {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if _, ok := r.Get("multilib"); !ok {
		t.Fatal("watcher did not pick up the new repository")
	}
	if _, ok := r.Get("custom"); ok {
		t.Error("removed repository still registered")
	}
}
