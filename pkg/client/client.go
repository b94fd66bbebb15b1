// Package client runs operations through the privileged helper. It builds
// descriptors from the local registry, launches the helper through the
// privilege broker and streams its output lines back to the caller.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/classify"
	"github.com/pkgengine/pkgengine/pkg/proc"
	"github.com/pkgengine/pkgengine/pkg/protocol"
)

const (
	// DefaultBroker elevates the helper.
	DefaultBroker = "/usr/bin/pkexec"
	// DefaultHelper is the installed helper binary.
	DefaultHelper = "/usr/lib/pkgengine/pkgengine-helper"
)

// pkexec exit codes for a dismissed or refused authorization.
const (
	exitAuthDismissed = 126
	exitNotAuthorized = 127
)

// gate admits one privileged operation per process at a time.
var gate = make(chan struct{}, 1)

func acquire(ctx context.Context) error {
	select {
	case gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func release() {
	<-gate
}

// Options configures a Client.
type Options struct {
	Runner proc.Runner
	// Broker is the privilege broker; empty runs the helper directly.
	Broker string
	Helper string
	Logger zerolog.Logger
}

// Client launches the helper.
type Client struct {
	runner proc.Runner
	broker string
	helper string
	logger zerolog.Logger
}

// New creates a client.
func New(opts Options) *Client {
	if opts.Runner == nil {
		opts.Runner = proc.NewExec(opts.Logger)
	}
	if opts.Helper == "" {
		opts.Helper = DefaultHelper
	}
	return &Client{
		runner: opts.Runner,
		broker: opts.Broker,
		helper: opts.Helper,
		logger: opts.Logger.With().Str("component", "client").Logger(),
	}
}

// Session is one running helper invocation.
type Session struct {
	lines chan *protocol.Line
	done  chan struct{}
	err   error
}

// Lines delivers every output line and is closed when the helper exits.
// It must be drained; the helper blocks while it is full.
func (s *Session) Lines() <-chan *protocol.Line {
	return s.lines
}

// Wait blocks until the helper exits and returns the operation outcome: nil
// on success, the reported ClassifiedError on failure.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

// Start launches the helper for d. Only one session runs per process;
// Start waits for the previous one to finish. Cancelling ctx kills the
// helper on a best-effort basis and performs no rollback.
func (c *Client) Start(ctx context.Context, d *protocol.Descriptor) (*Session, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := protocol.EncodeDescriptor(&buf, d); err != nil {
		return nil, err
	}
	if err := acquire(ctx); err != nil {
		return nil, err
	}

	name, args := c.helper, []string(nil)
	if c.broker != "" {
		name, args = c.broker, []string{c.helper}
	}

	s := &Session{
		lines: make(chan *protocol.Line, 64),
		done:  make(chan struct{}),
	}
	c.logger.Debug().Str("command", string(d.Command())).Msg("Starting helper")

	go func() {
		defer release()
		defer close(s.done)
		defer close(s.lines)

		var (
			mu       sync.Mutex
			terminal *protocol.Event
			stderr   []string
		)
		_, err := c.runner.Run(ctx, proc.Command{
			Name:  name,
			Args:  args,
			Stdin: &buf,
			Stdout: func(raw string) {
				if strings.TrimSpace(raw) == "" {
					return
				}
				line := protocol.ParseLine([]byte(raw))
				if ev := line.Event; ev != nil && (ev.EventType == protocol.EventDone || ev.EventType == protocol.EventError) {
					mu.Lock()
					terminal = ev
					mu.Unlock()
				}
				select {
				case s.lines <- line:
				case <-ctx.Done():
				}
			},
			Stderr: func(raw string) {
				c.logger.Debug().Str("stream", "helper").Msg(raw)
				mu.Lock()
				stderr = append(stderr, raw)
				mu.Unlock()
			},
		})

		mu.Lock()
		defer mu.Unlock()
		s.err = c.outcome(ctx, terminal, err, stderr)
	}()
	return s, nil
}

// Run starts d and calls fn for every output line until the helper exits.
func (c *Client) Run(ctx context.Context, d *protocol.Descriptor, fn func(*protocol.Line)) error {
	s, err := c.Start(ctx, d)
	if err != nil {
		return err
	}
	for line := range s.Lines() {
		if fn != nil {
			fn(line)
		}
	}
	return s.Wait()
}

func (c *Client) outcome(ctx context.Context, terminal *protocol.Event, runErr error, stderr []string) error {
	if terminal != nil {
		if terminal.EventType == protocol.EventDone {
			return nil
		}
		if terminal.Error != nil {
			return terminal.Error
		}
		return classify.Classify(strings.TrimPrefix(terminal.Message, protocol.ErrorPrefix))
	}

	if runErr == nil {
		return classify.New(classify.KindProcessSpawn, "Helper exited without a result",
			"The privileged helper finished without reporting success or failure.").
			WithRaw(strings.Join(stderr, "\n"))
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var ee *proc.ExecError
	if errors.As(runErr, &ee) {
		switch {
		case ee.Spawn:
			return classify.Wrap(classify.KindProcessSpawn, "Privileged helper could not be started", runErr)
		case c.broker != "" && ee.ExitCode == exitAuthDismissed:
			return classify.New(classify.KindProcessSpawn, "Authorization dismissed",
				"The authentication dialog was closed before the operation started.")
		case c.broker != "" && ee.ExitCode == exitNotAuthorized:
			return classify.New(classify.KindProcessSpawn, "Not authorized",
				"The system policy does not allow this operation.")
		}
	}
	return classify.Wrap(classify.KindProcessSpawn, "Privileged helper failed",
		fmt.Errorf("%w: %s", runErr, strings.Join(stderr, "\n")))
}

// FileInstaller installs staged build artifacts through the helper.
type FileInstaller struct {
	Client *Client
	OnLine func(*protocol.Line)
}

// InstallFiles sends one local-file install descriptor.
func (f *FileInstaller) InstallFiles(ctx context.Context, paths []string) error {
	d := protocol.NewDescriptor(protocol.InstallFilesPayload{Paths: append([]string(nil), paths...)})
	return f.Client.Run(ctx, d, f.OnLine)
}
