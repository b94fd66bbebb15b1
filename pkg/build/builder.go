package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/classify"
	"github.com/pkgengine/pkgengine/pkg/proc"
	"github.com/pkgengine/pkgengine/pkg/telemetry"
)

// DefaultKeyservers are tried in order for each missing key.
var DefaultKeyservers = []string{
	"hkps://keyserver.ubuntu.com",
	"hkps://keys.openpgp.org",
	"hkp://pgp.mit.edu",
}

// artifactPattern matches built packages; detached signatures are skipped.
const artifactPattern = "*.pkg.tar.{zst,xz,gz,bz2,lz4}"

// Builder runs makepkg for one package directory at a time.
type Builder struct {
	Runner     proc.Runner
	Makepkg    string
	Gpg        string
	Keyservers []string
	// SyncDeps lets makepkg install missing binary dependencies.
	SyncDeps bool
	// Euid returns the effective user ID; builds refuse to run as root.
	Euid   func() int
	NumCPU func() int
	// Output receives every stdout line as it is produced.
	Output  func(line string)
	Metrics *telemetry.Metrics
	Logger  zerolog.Logger
}

// NewBuilder returns a builder with default tools and keyservers.
func NewBuilder(runner proc.Runner, logger zerolog.Logger) *Builder {
	return &Builder{
		Runner:     runner,
		Makepkg:    "makepkg",
		Gpg:        "gpg",
		Keyservers: DefaultKeyservers,
		SyncDeps:   true,
		Euid:       os.Geteuid,
		NumCPU:     runtime.NumCPU,
		Logger:     logger,
	}
}

// attempt is the captured outcome of one makepkg run.
type attempt struct {
	stderr []string
	err    error
}

// Build builds the package in dir and returns the artifacts written to
// dest. A signature failure with recognizable key IDs gets one key import,
// a clean and one more build; any other failure is surfaced with the last
// "ERROR:" line makepkg printed.
func (b *Builder) Build(ctx context.Context, dir, dest string) ([]string, error) {
	if b.Euid() == 0 {
		return nil, classify.New(classify.KindBuildFailure, "Refusing to build as root",
			"Package builds must run as an unprivileged user.")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}

	timer := telemetry.NewTimer()
	first := b.run(ctx, dir, dest, false)
	if first.err == nil {
		b.Metrics.RecordBuild("success", timer.Duration())
		return b.artifacts(dest)
	}
	if ctx.Err() != nil {
		b.Metrics.RecordBuild("cancelled", timer.Duration())
		return nil, ctx.Err()
	}

	var keys []string
	if SignatureFailure(first.stderr) {
		keys = ExtractKeyIDs(first.stderr)
	}
	if len(keys) == 0 {
		b.Metrics.RecordBuild("failed", timer.Duration())
		return nil, b.failure(dir, first)
	}

	b.Logger.Warn().Strs("keys", keys).Str("dir", dir).Msg("Source signature check failed, importing keys and retrying once")
	imported := b.importKeys(ctx, keys)
	if imported == 0 {
		b.Logger.Warn().Msg("No key could be imported")
	}
	if err := clean(dest); err != nil {
		return nil, err
	}

	second := b.run(ctx, dir, dest, true)
	if second.err != nil {
		b.Metrics.RecordBuild("failed", timer.Duration())
		return nil, b.failure(dir, second)
	}
	b.Metrics.RecordBuild("recovered", timer.Duration())
	return b.artifacts(dest)
}

func (b *Builder) run(ctx context.Context, dir, dest string, cleanBuild bool) attempt {
	args := []string{"--noconfirm", "--force"}
	if b.SyncDeps {
		args = append(args, "--syncdeps")
	}
	if cleanBuild {
		args = append(args, "--cleanbuild")
	}

	var (
		mu     sync.Mutex
		stderr []string
	)
	_, err := b.Runner.Run(ctx, proc.Command{
		Name: b.Makepkg,
		Args: args,
		Dir:  dir,
		Env: []string{
			fmt.Sprintf("MAKEFLAGS=-j%d", b.NumCPU()),
			"PKGDEST=" + dest,
		},
		Stdout: func(line string) {
			if b.Output != nil {
				b.Output(line)
			}
		},
		Stderr: func(line string) {
			mu.Lock()
			stderr = append(stderr, line)
			mu.Unlock()
			b.Logger.Debug().Str("stream", "stderr").Msg(line)
		},
	})

	mu.Lock()
	defer mu.Unlock()
	return attempt{stderr: stderr, err: err}
}

func (b *Builder) failure(dir string, a attempt) error {
	msg := lastErrorLine(a.stderr)
	if msg == "" {
		msg = fmt.Sprintf("Building %s failed.", filepath.Base(dir))
	}
	return classify.New(classify.KindBuildFailure, "Package build failed", msg).
		WithRaw(strings.Join(a.stderr, "\n")).
		WithCause(a.err)
}

// importKeys fetches each key from the first keyserver that has it and
// returns how many keys were imported.
func (b *Builder) importKeys(ctx context.Context, keys []string) int {
	imported := 0
	for _, key := range keys {
		for _, server := range b.Keyservers {
			_, err := b.Runner.Run(ctx, proc.Command{
				Name: b.Gpg,
				Args: []string{"--batch", "--keyserver", server, "--recv-keys", key},
			})
			if err == nil {
				b.Metrics.RecordKeyImport(server, "success")
				b.Logger.Info().Str("key", key).Str("keyserver", server).Msg("Imported signing key")
				imported++
				break
			}
			b.Metrics.RecordKeyImport(server, "failed")
			b.Logger.Debug().Err(err).Str("key", key).Str("keyserver", server).Msg("Key import failed")
		}
	}
	return imported
}

// artifacts lists the built packages in dest.
func (b *Builder) artifacts(dest string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(dest), artifactPattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	if len(matches) == 0 {
		return nil, classify.New(classify.KindBuildFailure, "Package build failed", "The build produced no package.")
	}
	out := make([]string, len(matches))
	for i, m := range matches {
		out[i] = filepath.Join(dest, m)
	}
	sort.Strings(out)
	return out, nil
}

// clean removes prior artifacts from dest.
func clean(dest string) error {
	entries, err := os.ReadDir(dest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read artifact directory: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dest, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to clean artifacts: %w", err)
		}
	}
	return nil
}
