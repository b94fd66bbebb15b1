// Package helper runs one command descriptor inside the privileged helper
// process.
//
// Package transactions go to the engine. RunCommand, WriteFile and
// RemoveFile are checked by the guard and handled here. Whatever happens,
// exactly one terminal line (done or error) is written to the emitter.
package helper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/classify"
	"github.com/pkgengine/pkgengine/pkg/engine"
	"github.com/pkgengine/pkgengine/pkg/guard"
	"github.com/pkgengine/pkgengine/pkg/proc"
	"github.com/pkgengine/pkgengine/pkg/protocol"
	"github.com/pkgengine/pkgengine/pkg/repo"
	"github.com/pkgengine/pkgengine/pkg/telemetry"
)

// Exit codes of the helper process.
const (
	// ExitOK covers success and operational failures, which are reported
	// on stdout.
	ExitOK = 0
	// ExitInternal means the descriptor was unreadable or the helper panicked.
	ExitInternal = 1
)

// ErrPanic is the cause of the error reported for a recovered panic.
var ErrPanic = errors.New("helper panic")

// Executor runs package transactions.
type Executor interface {
	Execute(ctx context.Context, d *protocol.Descriptor) (*engine.TransactionState, error)
}

// Options configures a Helper.
type Options struct {
	Engine  Executor
	Guard   *guard.Guard
	Runner  proc.Runner
	Emitter *protocol.Emitter
	Metrics *telemetry.Metrics
	Logger  zerolog.Logger
}

// Helper dispatches descriptors.
type Helper struct {
	engine  Executor
	guard   *guard.Guard
	runner  proc.Runner
	emitter *protocol.Emitter
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// New creates a helper.
func New(opts Options) (*Helper, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Guard == nil {
		return nil, fmt.Errorf("guard is required")
	}
	if opts.Emitter == nil {
		return nil, fmt.Errorf("emitter is required")
	}
	if opts.Runner == nil {
		opts.Runner = proc.NewExec(opts.Logger)
	}
	return &Helper{
		engine:  opts.Engine,
		guard:   opts.Guard,
		runner:  opts.Runner,
		emitter: opts.Emitter,
		metrics: opts.Metrics,
		logger:  opts.Logger.With().Str("component", "helper").Logger(),
	}, nil
}

// Handle runs d to completion. The returned error has already been
// reported on the emitter.
func (h *Helper) Handle(ctx context.Context, d *protocol.Descriptor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Helper panicked")
			err = h.report(classify.New(classify.KindUnknown, "Internal error",
				fmt.Sprintf("The helper stopped unexpectedly: %v", r)).WithCause(ErrPanic))
		}
	}()

	switch p := d.Payload.(type) {
	case protocol.RunCommandPayload:
		return h.finish(h.runCommand(ctx, p))
	case protocol.WriteFilePayload:
		return h.finish(h.writeFile(ctx, p))
	case protocol.RemoveFilePayload:
		return h.finish(h.removeFile(ctx, p))
	default:
		// The engine emits its own terminal line.
		_, err := h.engine.Execute(ctx, d)
		return err
	}
}

// Fail reports an error that happened before a descriptor was available.
func (h *Helper) Fail(err error) error {
	return h.report(classify.FromError(err))
}

func (h *Helper) finish(message string, err error) error {
	if err != nil {
		return h.report(classify.FromError(err))
	}
	if emitErr := h.emitter.Done(message); emitErr != nil {
		h.logger.Error().Err(emitErr).Msg("Failed to emit done event")
	}
	return nil
}

func (h *Helper) report(ce *classify.ClassifiedError) error {
	h.metrics.RecordError(string(ce.Kind))
	if err := h.emitter.Error(ce); err != nil {
		h.logger.Error().Err(err).Msg("Failed to emit error event")
	}
	return ce
}

func (h *Helper) runCommand(ctx context.Context, p protocol.RunCommandPayload) (string, error) {
	program, err := h.guard.CheckCommand(ctx, p.Binary, p.Args)
	if err != nil {
		return "", err
	}

	h.logger.Info().Str("program", program).Strs("args", p.Args).Msg("Running command")
	_ = h.emitter.Status(0, fmt.Sprintf("Running %s", program))

	forward := func(line string) {
		if strings.TrimSpace(line) == "" {
			return
		}
		_ = h.emitter.Event(protocol.Event{EventType: protocol.EventLog, Message: line})
	}
	_, err = h.runner.Run(ctx, proc.Command{
		Name:   program,
		Args:   p.Args,
		Stdout: forward,
		Stderr: forward,
	})
	if err != nil {
		var ee *proc.ExecError
		if errors.As(err, &ee) && ee.Spawn {
			return "", classify.Wrap(classify.KindProcessSpawn, "Command could not be started", err)
		}
		return "", classify.Classify(err.Error()).WithCause(err)
	}
	return fmt.Sprintf("%s finished", program), nil
}

func (h *Helper) writeFile(ctx context.Context, p protocol.WriteFilePayload) (string, error) {
	target, err := h.guard.CheckFile(ctx, "write_file", p.Path)
	if err != nil {
		return "", err
	}
	if err := repo.WriteFileAtomic(target, []byte(p.Content), 0o644); err != nil {
		return "", err
	}
	h.logger.Info().Str("path", target).Int("bytes", len(p.Content)).Msg("File written")
	return fmt.Sprintf("Wrote %s", target), nil
}

func (h *Helper) removeFile(ctx context.Context, p protocol.RemoveFilePayload) (string, error) {
	target, err := h.guard.CheckFile(ctx, "remove_file", p.Path)
	if err != nil {
		return "", err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to remove %s: %w", target, err)
	}
	h.logger.Info().Str("path", target).Msg("File removed")
	return fmt.Sprintf("Removed %s", target), nil
}
