// Package alpm implements the engine backend on top of the pacman command
// line tools.
package alpm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/engine"
	"github.com/pkgengine/pkgengine/pkg/proc"
	"github.com/pkgengine/pkgengine/pkg/repo"
)

const (
	// DefaultPacman is the package manager binary.
	DefaultPacman = "/usr/bin/pacman"
	// DefaultPacmanKey is the keyring tool.
	DefaultPacmanKey = "/usr/bin/pacman-key"
)

// Options configures a Backend.
type Options struct {
	Runner    proc.Runner
	Pacman    string
	PacmanKey string
	// Policy decides the --ask mask.
	Policy engine.AnswerPolicy
	Logger zerolog.Logger
}

// Backend drives pacman. Sync listings are cached per source until the next
// Sync.
type Backend struct {
	runner    proc.Runner
	pacman    string
	pacmanKey string
	ask       int
	logger    zerolog.Logger

	mu       sync.Mutex
	listings map[string]map[string]repo.PackageRecord
}

var _ engine.Backend = (*Backend)(nil)

// New creates a pacman backend.
func New(opts Options) *Backend {
	if opts.Runner == nil {
		opts.Runner = proc.NewExec(opts.Logger)
	}
	if opts.Pacman == "" {
		opts.Pacman = DefaultPacman
	}
	if opts.PacmanKey == "" {
		opts.PacmanKey = DefaultPacmanKey
	}
	return &Backend{
		runner:    opts.Runner,
		pacman:    opts.Pacman,
		pacmanKey: opts.PacmanKey,
		ask:       AskMask(opts.Policy),
		logger:    opts.Logger,
		listings:  make(map[string]map[string]repo.PackageRecord),
	}
}

// List returns every package of a sync source. An unknown source yields an
// empty listing.
func (b *Backend) List(ctx context.Context, source string) ([]repo.PackageRecord, error) {
	listing, err := b.listing(ctx, source)
	if err != nil {
		return nil, err
	}
	out := make([]repo.PackageRecord, 0, len(listing))
	for _, rec := range listing {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Version reports the version of name in source.
func (b *Backend) Version(ctx context.Context, source, name string) (string, bool, error) {
	listing, err := b.listing(ctx, source)
	if err != nil {
		return "", false, err
	}
	rec, ok := listing[name]
	return rec.Version, ok, nil
}

func (b *Backend) listing(ctx context.Context, source string) (map[string]repo.PackageRecord, error) {
	b.mu.Lock()
	cached, ok := b.listings[source]
	b.mu.Unlock()
	if ok {
		return cached, nil
	}

	res, err := b.runner.Run(ctx, proc.Command{Name: b.pacman, Args: []string{"-Sl", "--color", "never", source}})
	if err != nil {
		if proc.ExitCodeOf(err) == 1 && strings.Contains(err.Error(), "was not found") {
			b.logger.Warn().Str("source", source).Msg("Source is not configured in pacman, skipping")
			cached = map[string]repo.PackageRecord{}
		} else {
			return nil, fmt.Errorf("failed to list %s: %w", source, err)
		}
	} else {
		cached = parseSyncList(res.Stdout)
	}

	b.mu.Lock()
	b.listings[source] = cached
	b.mu.Unlock()
	return cached, nil
}

// parseSyncList parses "repo name version [installed]" lines.
func parseSyncList(out string) map[string]repo.PackageRecord {
	listing := make(map[string]repo.PackageRecord)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		listing[fields[1]] = repo.PackageRecord{Source: fields[0], Name: fields[1], Version: fields[2]}
	}
	return listing
}

// Installed reports the installed version of name.
func (b *Backend) Installed(ctx context.Context, name string) (string, bool, error) {
	res, err := b.runner.Run(ctx, proc.Command{Name: b.pacman, Args: []string{"-Q", "--color", "never", name}})
	if err != nil {
		if proc.ExitCodeOf(err) == 1 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to query %s: %w", name, err)
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) < 2 {
		return "", false, fmt.Errorf("unexpected query output for %s: %q", name, res.Stdout)
	}
	return fields[1], true, nil
}

// InstalledNames lists every installed package.
func (b *Backend) InstalledNames(ctx context.Context) ([]string, error) {
	out, err := proc.Output(ctx, b.runner, b.pacman, "-Qq", "--color", "never")
	if err != nil {
		return nil, fmt.Errorf("failed to list installed packages: %w", err)
	}
	return strings.Fields(out), nil
}

// Sync refreshes the sync databases. pacman refreshes every configured
// database at once; sources only scopes the cache invalidation and logs.
func (b *Backend) Sync(ctx context.Context, sources []string, l engine.Listener) error {
	b.logger.Info().Strs("sources", sources).Msg("Refreshing package databases")
	p := newOutputParser(l)
	_, err := b.runner.Run(ctx, proc.Command{
		Name:   b.pacman,
		Args:   append([]string{"-Sy", "--color", "never"}, askArgs(b.ask)...),
		Stdout: p.Stdout,
		Stderr: p.Stderr,
	})

	b.mu.Lock()
	b.listings = make(map[string]map[string]repo.PackageRecord)
	b.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to synchronize databases: %w", err)
	}
	return nil
}

// Prepare resolves tx without changing anything. The dry run answers every
// question with no, so conflicts that commit will resolve by policy are
// tolerated here.
func (b *Backend) Prepare(ctx context.Context, tx *engine.Transaction, l engine.Listener) error {
	args, err := b.txArgs(tx)
	if err != nil {
		return err
	}
	args = append(args[:1], append([]string{"--print", "--print-format", "%n %v"}, args[1:]...)...)

	res, err := b.runner.Run(ctx, proc.Command{Name: b.pacman, Args: args, Stderr: newOutputParser(l).Stderr})
	if err != nil {
		if conflictOnly(err.Error()) {
			l.OnLog(zerolog.WarnLevel, "Conflicts will be resolved by removing the conflicting packages")
			return nil
		}
		return err
	}
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line != "" {
			l.OnLog(zerolog.DebugLevel, "will process "+line)
		}
	}
	return nil
}

// Commit applies tx.
func (b *Backend) Commit(ctx context.Context, tx *engine.Transaction, l engine.Listener) error {
	args, err := b.txArgs(tx)
	if err != nil {
		return err
	}
	args = append(args[:1], append(askArgs(b.ask), args[1:]...)...)

	p := newOutputParser(l)
	_, err = b.runner.Run(ctx, proc.Command{Name: b.pacman, Args: args, Stdout: p.Stdout, Stderr: p.Stderr})
	return err
}

// txArgs builds the operation and targets; the first element is the
// operation flag so callers can splice options after it.
func (b *Backend) txArgs(tx *engine.Transaction) ([]string, error) {
	var args []string
	switch tx.Kind {
	case engine.TxInstall:
		op := "-S"
		if tx.DownloadOnly {
			op = "-Sw"
		}
		args = []string{op, "--color", "never"}
		for _, t := range tx.Targets {
			args = append(args, t.Qualified())
		}
	case engine.TxRemove:
		op := "-R"
		if tx.Cascade {
			op = "-Rs"
		}
		args = append([]string{op, "--color", "never"}, tx.Names()...)
	case engine.TxInstallFiles:
		args = append([]string{"-U", "--color", "never"}, tx.Files...)
	default:
		return nil, fmt.Errorf("unsupported transaction kind: %s", tx.Kind)
	}
	if len(args) == 3 {
		return nil, fmt.Errorf("transaction has no targets")
	}
	return args, nil
}

// conflictOnly reports whether the dry-run failure was caused by package
// conflicts alone.
func conflictOnly(msg string) bool {
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "are in conflict") && !strings.Contains(lower, "unresolvable package conflicts") {
		return false
	}
	for _, line := range strings.Split(lower, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.Contains(line, "conflict") {
			return false
		}
	}
	return true
}

// RefreshKeys initializes and repopulates the signing keyring.
func (b *Backend) RefreshKeys(ctx context.Context, l engine.Listener) error {
	p := newOutputParser(l)
	for _, args := range [][]string{{"--init"}, {"--populate"}} {
		if _, err := b.runner.Run(ctx, proc.Command{Name: b.pacmanKey, Args: args, Stdout: p.Stdout, Stderr: p.Stderr}); err != nil {
			return fmt.Errorf("pacman-key %s failed: %w", args[0], err)
		}
	}
	return nil
}

// Unsatisfied returns the dependencies in deps that no installed package
// satisfies.
func (b *Backend) Unsatisfied(ctx context.Context, deps []string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	res, err := b.runner.Run(ctx, proc.Command{Name: b.pacman, Args: append([]string{"-T"}, deps...)})
	if err != nil {
		// Exit code 127 means some dependencies are missing; they are on stdout.
		if proc.ExitCodeOf(err) == 127 && res != nil {
			return strings.Fields(res.Stdout), nil
		}
		return nil, fmt.Errorf("failed to check dependencies: %w", err)
	}
	return nil, nil
}

// SyncSatisfies reports whether a configured sync repository can satisfy dep.
func (b *Backend) SyncSatisfies(ctx context.Context, dep string) (bool, error) {
	_, err := b.runner.Run(ctx, proc.Command{Name: b.pacman, Args: []string{"-Sp", "--print-format", "%n", dep}})
	if err != nil {
		if proc.ExitCodeOf(err) == 1 {
			return false, nil
		}
		return false, fmt.Errorf("failed to query sync repositories for %s: %w", dep, err)
	}
	return true, nil
}
