package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/pkgengine/pkgengine/pkg/classify"
	"github.com/pkgengine/pkgengine/pkg/guard"
	"github.com/pkgengine/pkgengine/pkg/hwtier"
	"github.com/pkgengine/pkgengine/pkg/protocol"
	"github.com/pkgengine/pkgengine/pkg/repo"
	"github.com/pkgengine/pkgengine/pkg/telemetry"
)

// Options configures an Engine.
type Options struct {
	Backend Backend
	Lock    Lock
	Emitter *protocol.Emitter

	// StagingDir is the only directory local package files may come from.
	StagingDir string
	// CPU is the locally detected hardware tier.
	CPU        hwtier.Tier
	Strategy   repo.Strategy
	Classifier *repo.Classifier

	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Engine executes package transactions, one descriptor at a time.
type Engine struct {
	mu sync.Mutex

	backend    Backend
	lock       Lock
	emitter    *protocol.Emitter
	stagingDir string
	cpu        hwtier.Tier
	strategy   repo.Strategy
	classifier *repo.Classifier
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates an engine.
func New(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if opts.Lock == nil {
		return nil, fmt.Errorf("lock is required")
	}
	if opts.Emitter == nil {
		return nil, fmt.Errorf("emitter is required")
	}
	if opts.StagingDir == "" {
		opts.StagingDir = guard.StagingDir
	}
	if opts.Strategy == "" {
		opts.Strategy = repo.StabilityFirst
	}
	if opts.Classifier == nil {
		opts.Classifier = repo.DefaultClassifier()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NoopTracer()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Engine{
		backend:    opts.Backend,
		lock:       opts.Lock,
		emitter:    opts.Emitter,
		stagingDir: opts.StagingDir,
		cpu:        opts.CPU,
		strategy:   opts.Strategy,
		classifier: opts.Classifier,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		logger:     opts.Logger.With().Str("component", "engine").Logger(),
		now:        opts.Now,
	}, nil
}

// run is the state of one Execute call.
type run struct {
	e         *Engine
	st        *TransactionState
	listener  Listener
	heal      *Supervisor
	logger    zerolog.Logger
	phaseSpan trace.Span
}

// Execute runs d to a terminal state, streaming progress through the
// emitter. The returned state is terminal; the error, if any, is a
// *classify.ClassifiedError that has already been emitted.
func (e *Engine) Execute(ctx context.Context, d *protocol.Descriptor) (*TransactionState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cmd := d.Command()
	st := newTransactionState(cmd, e.now)
	logger := e.logger.With().Str("tx", st.ID).Str("command", string(cmd)).Logger()
	listener := NewEmitterListener(e.emitter, logger)
	timer := telemetry.NewTimer()

	ctx, span := e.tracer.StartTransactionSpan(ctx, st.ID, string(cmd))
	defer span.End()

	r := &run{e: e, st: st, listener: listener, logger: logger}
	r.heal = NewSupervisor(func(ctx context.Context) error {
		return e.backend.RefreshKeys(ctx, listener)
	}, e.metrics, logger)
	r.heal.onHeal = func() error { return r.enter(ctx, StateSelfHeal, "Refreshing package signing keys") }
	r.heal.onRetry = func() error { return r.enter(ctx, StateCommit, "Retrying transaction") }

	logger.Info().Msg("Transaction started")
	message, err := r.dispatch(ctx, d.Payload)
	if err != nil {
		ce := r.fail(ctx, err)
		telemetry.RecordError(span, ce)
		e.metrics.RecordTransaction(string(cmd), "error", timer.Duration())
		return st, ce
	}

	if err := r.enter(ctx, StateDone, ""); err != nil {
		ce := r.fail(ctx, err)
		e.metrics.RecordTransaction(string(cmd), "error", timer.Duration())
		return st, ce
	}
	r.endPhase(nil)
	if err := e.emitter.Done(message); err != nil {
		logger.Error().Err(err).Msg("Failed to emit done event")
	}
	telemetry.RecordSuccess(span)
	e.metrics.RecordTransaction(string(cmd), "done", timer.Duration())
	logger.Info().Str("path", pathString(st.Path())).Msg("Transaction finished")
	return st, nil
}

func (r *run) dispatch(ctx context.Context, payload protocol.Payload) (string, error) {
	switch p := payload.(type) {
	case protocol.InstallPayload:
		return r.install(ctx, p)
	case protocol.UninstallPayload:
		return r.uninstall(ctx, p)
	case protocol.UpgradePayload:
		return r.upgrade(ctx, p)
	case protocol.SyncPayload:
		return r.sync(ctx, p)
	case protocol.InstallFilesPayload:
		return r.installFiles(ctx, p)
	case protocol.RemoveLockPayload:
		return r.removeLock(ctx)
	default:
		return "", fmt.Errorf("%T is not a package transaction", payload)
	}
}

// enter advances the state machine and reports the new phase.
func (r *run) enter(ctx context.Context, next State, message string) error {
	prev := r.st.State
	spent, err := r.st.advance(next)
	if err != nil {
		return err
	}
	r.e.metrics.RecordPhase(string(prev), spent)
	r.endPhase(nil)
	if next.Terminal() {
		return nil
	}

	_, r.phaseSpan = r.e.tracer.StartPhaseSpan(ctx, string(next))
	r.logger.Debug().Str("from", string(prev)).Str("to", string(next)).Msg("State transition")
	if message != "" {
		if err := r.e.emitter.Status(statusProgress[next], message); err != nil {
			r.logger.Error().Err(err).Msg("Failed to emit status")
		}
	}
	return nil
}

func (r *run) endPhase(err error) {
	if r.phaseSpan == nil {
		return
	}
	telemetry.End(r.phaseSpan, err)
	r.phaseSpan = nil
}

func (r *run) fail(ctx context.Context, err error) *classify.ClassifiedError {
	ce := surface(err)
	r.st.Err = ce
	r.endPhase(ce)
	if !r.st.State.Terminal() {
		_ = r.enter(ctx, StateError, "")
	}
	r.e.metrics.RecordError(string(ce.Kind))
	r.logger.Error().
		Str("kind", string(ce.Kind)).
		Str("raw", ce.Raw).
		Str("path", pathString(r.st.Path())).
		Msg("Transaction failed")
	if eerr := r.e.emitter.Error(ce); eerr != nil {
		r.logger.Error().Err(eerr).Msg("Failed to emit error event")
	}
	return ce
}

// checkLock is the DbCheck step. A live package manager aborts without
// touching the lock; a stale lock is removed. This is a check-then-remove and
// is not atomic against a package manager started concurrently.
func (r *run) checkLock(ctx context.Context) (removed bool, err error) {
	present, err := r.e.lock.Present()
	if err != nil {
		return false, classify.Wrap(classify.KindUnknown, "Could not inspect the database lock", err)
	}
	if !present {
		return false, nil
	}

	alive, err := r.e.lock.HolderAlive(ctx)
	if err != nil {
		return false, classify.Wrap(classify.KindUnknown, "Could not inspect running processes", err)
	}
	if alive {
		return false, classify.New(classify.KindDatabaseLocked, "Package database is locked", classify.LockedMessage).
			WithRecovery("Wait for the other package manager to finish, then retry.")
	}

	if err := r.e.lock.Remove(); err != nil {
		return false, classify.Wrap(classify.KindUnknown, "Could not remove the stale database lock", err)
	}
	r.logger.Warn().Msg("Removed stale database lock")
	r.listener.OnLog(zerolog.WarnLevel, "Removed a stale package database lock")
	return true, nil
}

// orderSources ranks the enabled sources with the local hardware tier. A
// requested tier is honoured only when the CPU verified it. An empty strategy
// uses the host default.
func (r *run) orderSources(enabled []string, requested, strategy string) []string {
	tier := r.e.cpu
	if requested != "" {
		if t := hwtier.Parse(requested); r.e.cpu.Runs(t) {
			tier = t
		} else {
			r.logger.Warn().Str("requested", requested).Str("detected", r.e.cpu.String()).Msg("Requested tier not supported, using detected tier")
		}
	}

	sources := make([]repo.Source, 0, len(enabled))
	seen := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		if name == repo.SourceBuildName || seen[name] {
			continue
		}
		seen[name] = true
		sources = append(sources, repo.Source{Name: name, Class: r.e.classifier.Classify(name), Enabled: true})
	}

	ranker := repo.Ranker{CPU: tier, Strategy: r.e.strategy}
	if strategy != "" {
		ranker.Strategy = repo.ParseStrategy(strategy)
	}
	ordered := ranker.Order(sources)
	names := make([]string, len(ordered))
	for i, s := range ordered {
		names[i] = s.Name
	}
	return names
}

// resolve maps each name to the first source in order that has it.
func (r *run) resolve(ctx context.Context, sources, names []string) ([]Target, error) {
	targets := make([]Target, 0, len(names))
	var missing []string
	for _, name := range names {
		t, ok, err := r.first(ctx, sources, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, name)
			continue
		}
		targets = append(targets, t)
	}
	if len(missing) > 0 {
		return nil, notFound(missing)
	}
	return targets, nil
}

func (r *run) first(ctx context.Context, sources []string, name string) (Target, bool, error) {
	for _, src := range sources {
		version, ok, err := r.e.backend.Version(ctx, src, name)
		if err != nil {
			return Target{}, false, fmt.Errorf("failed to look up %s in %s: %w", name, src, err)
		}
		if ok {
			return Target{Name: name, Source: src, Version: version}, true, nil
		}
	}
	return Target{}, false, nil
}

func (r *run) commit(ctx context.Context, tx *Transaction) error {
	return r.heal.Run(ctx, func(ctx context.Context) error {
		return r.e.backend.Commit(ctx, tx, r.listener)
	})
}

func (r *run) install(ctx context.Context, p protocol.InstallPayload) (string, error) {
	if err := r.enter(ctx, StateDbCheck, "Checking package database"); err != nil {
		return "", err
	}
	if _, err := r.checkLock(ctx); err != nil {
		return "", err
	}

	sources := r.orderSources(p.EnabledRepos, p.CPUOptimization, p.Strategy)
	if err := r.enter(ctx, StateResolve, "Resolving packages"); err != nil {
		return "", err
	}
	if p.SyncFirst {
		if err := r.e.backend.Sync(ctx, sources, r.listener); err != nil {
			return "", err
		}
	}
	targets, err := r.resolve(ctx, sources, p.Packages)
	if err != nil {
		return "", err
	}
	r.st.Targets = targets

	tx := &Transaction{ID: r.st.ID, Kind: TxInstall, Targets: targets}
	if err := r.prepareAndCommit(ctx, tx, fmt.Sprintf("Installing %d package(s)", len(targets))); err != nil {
		return "", err
	}
	return fmt.Sprintf("Installed %s", strings.Join(tx.Names(), ", ")), nil
}

func (r *run) uninstall(ctx context.Context, p protocol.UninstallPayload) (string, error) {
	if err := r.enter(ctx, StateDbCheck, "Checking package database"); err != nil {
		return "", err
	}
	if _, err := r.checkLock(ctx); err != nil {
		return "", err
	}

	if err := r.enter(ctx, StateResolve, "Checking installed packages"); err != nil {
		return "", err
	}
	var missing []string
	targets := make([]Target, 0, len(p.Packages))
	for _, name := range p.Packages {
		version, ok, err := r.e.backend.Installed(ctx, name)
		if err != nil {
			return "", err
		}
		if !ok {
			missing = append(missing, name)
			continue
		}
		targets = append(targets, Target{Name: name, Version: version})
	}
	if len(missing) > 0 {
		return "", notFound(missing)
	}
	r.st.Targets = targets

	tx := &Transaction{ID: r.st.ID, Kind: TxRemove, Targets: targets, Cascade: p.RemoveDeps}
	if err := r.prepareAndCommit(ctx, tx, fmt.Sprintf("Removing %d package(s)", len(targets))); err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed %s", strings.Join(tx.Names(), ", ")), nil
}

// upgrade runs in two phases over the outdated set: a download-only
// transaction, then a normal install of the same targets from the cache.
func (r *run) upgrade(ctx context.Context, p protocol.UpgradePayload) (string, error) {
	if err := r.enter(ctx, StateDbCheck, "Checking package database"); err != nil {
		return "", err
	}
	if _, err := r.checkLock(ctx); err != nil {
		return "", err
	}

	if err := r.enter(ctx, StateResolve, "Checking for updates"); err != nil {
		return "", err
	}
	sources := r.orderSources(p.EnabledRepos, "", p.Strategy)
	outdated, err := r.outdated(ctx, sources, p.Packages)
	if err != nil {
		return "", err
	}
	r.st.Targets = outdated
	if len(outdated) == 0 {
		return "System is up to date", nil
	}

	download := &Transaction{ID: r.st.ID, Kind: TxInstall, Targets: outdated, DownloadOnly: true}
	if err := r.prepareAndCommit(ctx, download, fmt.Sprintf("Downloading %d package(s)", len(outdated))); err != nil {
		return "", err
	}

	install := &Transaction{ID: r.st.ID, Kind: TxInstall, Targets: outdated}
	if err := r.prepareAndCommit(ctx, install, fmt.Sprintf("Installing %d package(s)", len(outdated))); err != nil {
		return "", err
	}
	return fmt.Sprintf("Upgraded %s", strings.Join(install.Names(), ", ")), nil
}

// outdated returns targets whose best source version is newer than the
// installed one. Named packages must be installed and available; with no
// names every installed package is checked and foreign ones are skipped.
func (r *run) outdated(ctx context.Context, sources, names []string) ([]Target, error) {
	explicit := len(names) > 0
	if !explicit {
		all, err := r.e.backend.InstalledNames(ctx)
		if err != nil {
			return nil, err
		}
		names = all
	}

	var out []Target
	var missing []string
	for _, name := range names {
		installed, ok, err := r.e.backend.Installed(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, name)
			continue
		}
		candidate, ok, err := r.first(ctx, sources, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			if explicit {
				missing = append(missing, name)
			}
			continue
		}
		if Vercmp(candidate.Version, installed) > 0 {
			r.logger.Debug().Str("package", name).Str("installed", installed).Str("candidate", candidate.Version).Msg("Update available")
			out = append(out, candidate)
		}
	}
	if len(missing) > 0 {
		return nil, notFound(missing)
	}
	return out, nil
}

func (r *run) sync(ctx context.Context, p protocol.SyncPayload) (string, error) {
	if err := r.enter(ctx, StateDbCheck, "Checking package database"); err != nil {
		return "", err
	}
	if _, err := r.checkLock(ctx); err != nil {
		return "", err
	}
	sources := r.orderSources(p.EnabledRepos, "", "")
	if err := r.enter(ctx, StateCommit, "Synchronizing package databases"); err != nil {
		return "", err
	}
	err := r.heal.Run(ctx, func(ctx context.Context) error {
		return r.e.backend.Sync(ctx, sources, r.listener)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Synchronized %d source(s)", len(sources)), nil
}

// installFiles confines every path before anything else happens: one bad
// path rejects the batch with no mutation, not even a stale lock removal.
func (r *run) installFiles(ctx context.Context, p protocol.InstallFilesPayload) (string, error) {
	files, err := guard.ConfinePaths(r.e.stagingDir, p.Paths)
	if err != nil {
		return "", err
	}

	if err := r.enter(ctx, StateDbCheck, "Checking package database"); err != nil {
		return "", err
	}
	if _, err := r.checkLock(ctx); err != nil {
		return "", err
	}

	targets := make([]Target, len(files))
	for i, f := range files {
		targets[i] = Target{Name: filepath.Base(f)}
	}
	r.st.Targets = targets

	tx := &Transaction{ID: r.st.ID, Kind: TxInstallFiles, Targets: targets, Files: files}
	if err := r.prepareAndCommit(ctx, tx, fmt.Sprintf("Installing %d local package(s)", len(files))); err != nil {
		return "", err
	}
	return fmt.Sprintf("Installed %d local package(s)", len(files)), nil
}

func (r *run) removeLock(ctx context.Context) (string, error) {
	if err := r.enter(ctx, StateDbCheck, "Checking package database lock"); err != nil {
		return "", err
	}
	removed, err := r.checkLock(ctx)
	if err != nil {
		return "", err
	}
	if !removed {
		return "Package database is not locked", nil
	}
	return "Removed stale package database lock", nil
}

func (r *run) prepareAndCommit(ctx context.Context, tx *Transaction, message string) error {
	if err := r.enter(ctx, StatePrepare, "Preparing transaction"); err != nil {
		return err
	}
	if err := r.e.backend.Prepare(ctx, tx, r.listener); err != nil {
		return err
	}
	if err := r.enter(ctx, StateCommit, message); err != nil {
		return err
	}
	r.logger.Info().Str("tx", tx.String()).Msg("Committing")
	return r.commit(ctx, tx)
}

func notFound(names []string) *classify.ClassifiedError {
	return classify.New(
		classify.KindNotFound,
		"Package not found",
		fmt.Sprintf("Not available from any enabled source: %s", strings.Join(names, ", ")),
	).WithRecovery("Synchronize the package databases or enable more sources.")
}

func pathString(path []State) string {
	parts := make([]string, len(path))
	for i, s := range path {
		parts[i] = string(s)
	}
	return strings.Join(parts, " -> ")
}
