package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/classify"
	"github.com/pkgengine/pkgengine/pkg/proc"
	"github.com/pkgengine/pkgengine/pkg/protocol"
)

// fakeMakepkg behaves like makepkg driven by marker files in the package
// directory and writes artifacts named after the directory.
const fakeMakepkg = `#!/bin/sh
dir="$PWD"
name=$(basename "$dir")
n=$(cat "$dir/.attempts" 2>/dev/null || echo 0)
n=$((n+1))
echo "$n" > "$dir/.attempts"
echo "$*" >> "$dir/.args"
echo "==> Making package: $name 1.0-1"
echo "MAKEFLAGS=$MAKEFLAGS"
if [ -f "$dir/mode-fail" ]; then
  echo "==> ERROR: A failure occurred in build()." >&2
  echo "    Aborting..." >&2
  exit 4
fi
if [ -f "$dir/mode-silent" ]; then
  exit 1
fi
if [ -f "$dir/mode-signature" ]; then
  if [ ! -f "$dir/.imported" ] || [ -f "$dir/mode-always-signature" ]; then
    echo "    $name-1.0.tar.gz ... FAILED (unknown public key 3B94A80E50A477C7)" >&2
    echo "==> ERROR: One or more PGP signatures could not be verified!" >&2
    exit 1
  fi
fi
touch "$PKGDEST/$name-1.0-1-x86_64.pkg.tar.zst" "$PKGDEST/$name-1.0-1-x86_64.pkg.tar.zst.sig" "$PKGDEST/$name-debug-1.0-1-x86_64.pkg.tar.zst"
`

// fakeGpg fails on the first keyserver and succeeds on the others.
const fakeGpg = `#!/bin/sh
echo "$*" >> "%[1]s/gpg.log"
case "$*" in
  *keyserver.ubuntu.com*) exit 2 ;;
esac
touch "%[2]s/.imported"
`

type buildFixture struct {
	builder *Builder
	pkgDir  string
	dest    string
	logDir  string

	mu     sync.Mutex
	output []string
}

func writeScript(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
}

func newBuildFixture(t *testing.T, modes ...string) *buildFixture {
	t.Helper()
	root := t.TempDir()
	f := &buildFixture{
		pkgDir: filepath.Join(root, "demo"),
		dest:   filepath.Join(root, "out"),
		logDir: filepath.Join(root, "logs"),
	}
	for _, dir := range []string{f.pkgDir, f.logDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	for _, m := range modes {
		if err := os.WriteFile(filepath.Join(f.pkgDir, "mode-"+m), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	makepkg := filepath.Join(root, "makepkg")
	gpg := filepath.Join(root, "gpg")
	writeScript(t, makepkg, fakeMakepkg)
	writeScript(t, gpg, fmt.Sprintf(fakeGpg, f.logDir, f.pkgDir))

	b := NewBuilder(proc.NewExec(zerolog.Nop()), zerolog.Nop())
	b.Makepkg = makepkg
	b.Gpg = gpg
	b.SyncDeps = false
	b.Euid = func() int { return 1000 }
	b.NumCPU = func() int { return 3 }
	b.Output = func(line string) {
		f.mu.Lock()
		f.output = append(f.output, line)
		f.mu.Unlock()
	}
	f.builder = b
	return f
}

func (f *buildFixture) read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(data))
}

func (f *buildFixture) attempts(t *testing.T) string {
	return f.read(t, filepath.Join(f.pkgDir, ".attempts"))
}

func TestBuildSuccess(t *testing.T) {
	f := newBuildFixture(t)
	artifacts, err := f.builder.Build(context.Background(), f.pkgDir, f.dest)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := []string{
		filepath.Join(f.dest, "demo-1.0-1-x86_64.pkg.tar.zst"),
		filepath.Join(f.dest, "demo-debug-1.0-1-x86_64.pkg.tar.zst"),
	}
	if diff := cmp.Diff(want, artifacts); diff != "" {
		t.Errorf("artifacts mismatch (-want +got):\n%s", diff)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !cmp.Equal(f.output, []string{"==> Making package: demo 1.0-1", "MAKEFLAGS=-j3"}) {
		t.Errorf("streamed output = %v", f.output)
	}
}

func TestBuildRefusesRoot(t *testing.T) {
	f := newBuildFixture(t)
	f.builder.Euid = func() int { return 0 }

	_, err := f.builder.Build(context.Background(), f.pkgDir, f.dest)
	if !classify.IsKind(err, classify.KindBuildFailure) {
		t.Fatalf("expected build failure, got %v", err)
	}
	if f.attempts(t) != "" {
		t.Error("makepkg ran as root")
	}
}

func TestBuildRecoversFromMissingKey(t *testing.T) {
	f := newBuildFixture(t, "signature")
	if err := os.MkdirAll(f.dest, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(f.dest, "stale-0.1-1-x86_64.pkg.tar.zst")
	if err := os.WriteFile(stale, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	artifacts, err := f.builder.Build(context.Background(), f.pkgDir, f.dest)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(artifacts) != 2 {
		t.Errorf("artifacts = %v", artifacts)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("prior artifacts were not cleaned before the retry")
	}
	if f.attempts(t) != "2" {
		t.Errorf("attempts = %s, want 2", f.attempts(t))
	}

	gpgCalls := strings.Split(f.read(t, filepath.Join(f.logDir, "gpg.log")), "\n")
	want := []string{
		"--batch --keyserver hkps://keyserver.ubuntu.com --recv-keys 3B94A80E50A477C7",
		"--batch --keyserver hkps://keys.openpgp.org --recv-keys 3B94A80E50A477C7",
	}
	if diff := cmp.Diff(want, gpgCalls); diff != "" {
		t.Errorf("keyserver order mismatch (-want +got):\n%s", diff)
	}

	args := strings.Split(f.read(t, filepath.Join(f.pkgDir, ".args")), "\n")
	if len(args) != 2 || !strings.Contains(args[1], "--cleanbuild") || strings.Contains(args[0], "--cleanbuild") {
		t.Errorf("makepkg args = %v", args)
	}
}

func TestBuildRetriesOnlyOnce(t *testing.T) {
	f := newBuildFixture(t, "signature", "always-signature")
	_, err := f.builder.Build(context.Background(), f.pkgDir, f.dest)

	var ce *classify.ClassifiedError
	if !errors.As(err, &ce) || ce.Kind != classify.KindBuildFailure {
		t.Fatalf("expected build failure, got %v", err)
	}
	if ce.Description != "ERROR: One or more PGP signatures could not be verified!" {
		t.Errorf("description = %q", ce.Description)
	}
	if f.attempts(t) != "2" {
		t.Errorf("attempts = %s, want exactly 2", f.attempts(t))
	}
}

func TestBuildFailureWithoutKeys(t *testing.T) {
	tests := []struct {
		mode string
		want string
	}{
		{mode: "fail", want: "ERROR: A failure occurred in build()."},
		{mode: "silent", want: "Building demo failed."},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			f := newBuildFixture(t, tt.mode)
			_, err := f.builder.Build(context.Background(), f.pkgDir, f.dest)

			var ce *classify.ClassifiedError
			if !errors.As(err, &ce) {
				t.Fatalf("expected classified error, got %v", err)
			}
			if ce.Description != tt.want {
				t.Errorf("description = %q, want %q", ce.Description, tt.want)
			}
			if f.attempts(t) != "1" {
				t.Errorf("attempts = %s, want 1", f.attempts(t))
			}
			if f.read(t, filepath.Join(f.logDir, "gpg.log")) != "" {
				t.Error("keys imported without a signature failure")
			}
		})
	}
}

type fakeFetcher struct {
	root  string
	bases []string
}

func (f *fakeFetcher) Fetch(_ context.Context, base, dir string) error {
	f.bases = append(f.bases, base)
	if filepath.Dir(dir) != f.root {
		return fmt.Errorf("unexpected dir %s", dir)
	}
	return os.MkdirAll(dir, 0o755)
}

type fakeInstaller struct {
	calls [][]string
}

func (f *fakeInstaller) InstallFiles(_ context.Context, paths []string) error {
	d := InstallFilesDescriptor(paths)
	if err := d.Validate(); err != nil {
		return err
	}
	f.calls = append(f.calls, d.Payload.(protocol.InstallFilesPayload).Paths)
	return nil
}

func TestPipelineBuildsDependenciesFirst(t *testing.T) {
	bf := newBuildFixture(t)
	work := t.TempDir()
	staging := t.TempDir()

	fetcher := &fakeFetcher{root: work}
	installer := &fakeInstaller{}
	var announced []string
	p := &Pipeline{
		Resolver: &Resolver{
			Index: fakeIndex{
				"app":    pkg("app", "libaur>=2"),
				"libaur": {Name: "libaur", PackageBase: "libaur-git", Version: "r1-1"},
			},
			Satisfier: fakeSatisfier{},
			Logger:    zerolog.Nop(),
		},
		Fetcher:    fetcher,
		Builder:    bf.builder,
		Installer:  installer,
		WorkDir:    work,
		StagingDir: staging,
		OnStep: func(step Step, index, total int) {
			announced = append(announced, fmt.Sprintf("%d/%d %s", index+1, total, step.Name))
		},
		Logger: zerolog.Nop(),
	}

	res, err := p.Build(context.Background(), "app")
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !cmp.Equal(fetcher.bases, []string{"libaur-git", "app"}) {
		t.Errorf("fetched = %v", fetcher.bases)
	}
	if !cmp.Equal(announced, []string{"1/2 libaur", "2/2 app"}) {
		t.Errorf("announced = %v", announced)
	}
	want := [][]string{
		{filepath.Join(staging, "libaur-git-1.0-1-x86_64.pkg.tar.zst")},
		{filepath.Join(staging, "app-1.0-1-x86_64.pkg.tar.zst")},
	}
	if diff := cmp.Diff(want, installer.calls); diff != "" {
		t.Errorf("installs mismatch (-want +got):\n%s", diff)
	}
	if len(res.Artifacts) != 2 {
		t.Errorf("artifacts = %v", res.Artifacts)
	}
	for _, a := range res.Artifacts {
		if _, err := os.Stat(a); err != nil {
			t.Errorf("staged artifact missing: %v", err)
		}
	}
}
