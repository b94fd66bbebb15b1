// Command pkgengine-helper runs one package operation with elevated
// privileges. It reads a single descriptor from the file named on the
// command line, or from stdin, and writes progress lines to stdout. Logs go
// to stderr.
//
// Operational failures are reported on stdout and exit 0. An unreadable
// descriptor or an internal panic is reported the same way and exits 1.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/pkgengine/pkgengine/pkg/alpm"
	"github.com/pkgengine/pkgengine/pkg/classify"
	"github.com/pkgengine/pkgengine/pkg/engine"
	"github.com/pkgengine/pkgengine/pkg/guard"
	"github.com/pkgengine/pkgengine/pkg/helper"
	"github.com/pkgengine/pkgengine/pkg/hwtier"
	"github.com/pkgengine/pkgengine/pkg/proc"
	"github.com/pkgengine/pkgengine/pkg/protocol"
	"github.com/pkgengine/pkgengine/pkg/repo"
	"github.com/pkgengine/pkgengine/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

const (
	serviceName   = "pkgengine-helper"
	metricsPath   = "/var/lib/pkgengine/metrics/helper.prom"
	osReleasePath = "/etc/os-release"
)

func main() {
	os.Exit(run())
}

func run() (code int) {
	emitter := protocol.NewEmitter(os.Stdout)

	// Last line of defence: anything that escapes Handle still ends with an
	// error line instead of a crash.
	defer func() {
		if r := recover(); r != nil {
			_ = emitter.Error(classify.New(classify.KindUnknown, "Internal error",
				fmt.Sprintf("The helper stopped unexpectedly: %v", r)))
			code = helper.ExitInternal
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code = helper.ExitOK
	cmd := newRootCommand(emitter, &code)
	cmd.SetArgs(os.Args[1:])
	if err := cmd.ExecuteContext(ctx); err != nil {
		// Usage errors happen before any descriptor is read.
		_ = emitter.Error(classify.FromError(err))
		return helper.ExitInternal
	}
	return code
}

func newRootCommand(emitter *protocol.Emitter, code *int) *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:           "pkgengine-helper [DESCRIPTOR_FILE]",
		Short:         "Privileged package operation helper",
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = execute(cmd.Context(), emitter, args, logLevel)
			return nil
		},
	}

	cmd.Flags().StringVar(&logLevel, "log-level", "info", "stderr log level (trace, debug, info, warn, error)")
	return cmd
}

func execute(ctx context.Context, emitter *protocol.Emitter, args []string, logLevel string) int {
	tcfg := telemetry.DefaultConfig(serviceName)
	tcfg.ServiceVersion = Version
	tcfg.Logging.Level = logLevel
	tcfg.Metrics = telemetry.MetricsConfig{Enabled: true, Namespace: "pkgengine_helper", TextfilePath: metricsPath}

	logger, closer, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		defer closer.Close()
	}

	metrics := telemetry.NewMetrics(tcfg.Metrics)
	defer func() {
		if err := metrics.Flush(); err != nil {
			logger.Warn().Err(err).Msg("Failed to write metrics")
		}
	}()
	tracer, err := telemetry.NewTracer(tcfg.Tracing, serviceName, Version)
	if err != nil {
		tracer = telemetry.NoopTracer()
	}
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	h, err := newHelper(ctx, emitter, metrics, tracer, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Helper setup failed")
		_ = emitter.Error(classify.Wrap(classify.KindUnknown, "Helper setup failed", err))
		return helper.ExitInternal
	}

	d, err := readDescriptor(args)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid descriptor")
		_ = h.Fail(err)
		return helper.ExitInternal
	}

	logger.Info().Str("command", string(d.Command())).Int("uid", os.Getuid()).Msg("Descriptor accepted")
	if err := h.Handle(ctx, d); err != nil {
		logger.Warn().Err(err).Msg("Operation failed")
		if errors.Is(err, helper.ErrPanic) {
			return helper.ExitInternal
		}
	}
	return helper.ExitOK
}

func newHelper(ctx context.Context, emitter *protocol.Emitter, metrics *telemetry.Metrics, tracer *telemetry.Tracer, logger zerolog.Logger) (*helper.Helper, error) {
	runner := proc.NewExec(logger)

	g, err := guard.New(ctx, guard.Options{Logger: logger})
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Options{
		Backend:    alpm.New(alpm.Options{Runner: runner, Policy: engine.AnswerPolicy{}, Logger: logger}),
		Lock:       alpm.NewDBLock(),
		Emitter:    emitter,
		StagingDir: g.StagingDir(),
		CPU:        hwtier.Detect().Level(),
		Strategy:   repo.DefaultStrategy(osReleasePath),
		Metrics:    metrics,
		Tracer:     tracer,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return helper.New(helper.Options{
		Engine:  eng,
		Guard:   g,
		Runner:  runner,
		Emitter: emitter,
		Metrics: metrics,
		Logger:  logger,
	})
}

func readDescriptor(args []string) (*protocol.Descriptor, error) {
	if len(args) == 0 || args[0] == "-" {
		return protocol.ReadDescriptor(os.Stdin)
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to open descriptor: %w", err)
	}
	defer f.Close()
	return protocol.ReadDescriptor(f)
}
