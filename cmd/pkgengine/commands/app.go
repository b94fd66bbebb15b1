package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/alpm"
	"github.com/pkgengine/pkgengine/pkg/build"
	"github.com/pkgengine/pkgengine/pkg/client"
	"github.com/pkgengine/pkgengine/pkg/config"
	"github.com/pkgengine/pkgengine/pkg/guard"
	"github.com/pkgengine/pkgengine/pkg/hwtier"
	"github.com/pkgengine/pkgengine/pkg/index"
	"github.com/pkgengine/pkgengine/pkg/proc"
	"github.com/pkgengine/pkgengine/pkg/repo"
	"github.com/pkgengine/pkgengine/pkg/telemetry"
)

const osReleasePath = "/etc/os-release"

// app holds everything one command invocation needs.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
	metrics   *telemetry.Metrics
	tracer    *telemetry.Tracer
	runner    proc.Runner
	features  hwtier.Features
	persister *repo.Persister
	registry  *repo.Registry
	backend   *alpm.Backend
	out       *renderer
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}

	logger, closer, err := telemetry.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	tracer, err := telemetry.NewTracer(cfg.Tracing, "pkgengine", "")
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	a := &app{
		cfg:       cfg,
		logger:    logger,
		logCloser: closer,
		metrics:   telemetry.NewMetrics(cfg.Metrics),
		tracer:    tracer,
		runner:    proc.NewExec(logger),
		features:  hwtier.Detect(),
		out:       newRenderer(os.Stdout, noColor, jsonOutput),
	}

	settings, err := repo.LoadSettings(cfg.SettingsFile)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	discovered, err := repo.Discover(cfg.PacmanConf)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	strategy := repo.DefaultStrategy(osReleasePath)
	if cfg.Strategy != "" {
		strategy = repo.ParseStrategy(cfg.Strategy)
	}
	a.persister = repo.NewPersister(cfg.SettingsFile, logger)
	a.registry = repo.Load(discovered, settings, repo.Options{
		CPU:      a.features.Level(),
		Strategy: strategy,
		Saver:    a.persister,
		Logger:   logger,
	})
	a.backend = alpm.New(alpm.Options{Runner: a.runner, Logger: logger})

	logger.Debug().
		Str("cpu", a.features.Level().String()).
		Str("strategy", string(a.registry.Ranker().Strategy)).
		Int("sources", len(discovered)).
		Msg("Registry loaded")
	return a, nil
}

// close flushes persisted state and telemetry.
func (a *app) close(ctx context.Context) {
	if a.persister != nil {
		if err := a.persister.Close(); err != nil {
			a.logger.Error().Err(err).Msg("Failed to save settings")
		}
	}
	if err := a.metrics.Flush(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to write metrics")
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down tracer")
	}
	_ = a.logCloser.Close()
}

func (a *app) client() *client.Client {
	return client.New(client.Options{
		Runner: a.runner,
		Broker: a.cfg.Helper.Broker,
		Helper: a.cfg.Helper.Path,
		Logger: a.logger,
	})
}

func (a *app) planner() *client.Planner {
	return &client.Planner{Registry: a.registry, CPU: a.features.Level()}
}

func (a *app) openIndex(ctx context.Context) (*index.Index, error) {
	return index.Open(ctx, a.cfg.Index.Path)
}

func (a *app) syncer(ix *index.Index) *index.Syncer {
	return &index.Syncer{
		Index:       ix,
		Lister:      a.backend,
		TTL:         a.cfg.Index.TTL,
		Concurrency: a.cfg.Index.Concurrency,
		Logger:      a.logger,
	}
}

func (a *app) aur() *build.AURClient {
	c := build.NewAURClient(a.cfg.Build.AURURL)
	c.HTTP.Timeout = a.cfg.Build.Timeout
	return c
}

func (a *app) pipeline() *build.Pipeline {
	aur := a.aur()
	builder := build.NewBuilder(a.runner, a.logger)
	builder.Keyservers = a.cfg.Build.Keyservers
	builder.SyncDeps = a.cfg.Build.SyncDeps
	builder.Metrics = a.metrics
	builder.Output = a.out.buildLine

	return &build.Pipeline{
		Resolver: &build.Resolver{Index: aur, Satisfier: a.backend, Logger: a.logger},
		Fetcher:  &build.GitFetcher{Runner: a.runner, CloneURL: aur.CloneURL},
		Builder:  builder,
		Installer: &client.FileInstaller{
			Client: a.client(),
			OnLine: a.out.line,
		},
		WorkDir:    a.cfg.Build.WorkDir,
		StagingDir: guard.StagingDir,
		OnStep:     a.out.buildStep,
		Tracer:     a.tracer,
		Logger:     a.logger,
	}
}

// withApp wraps a command body with app setup and teardown.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(ctx)
	return fn(a)
}
