// Package proc runs local programs with both output streams read line by line
// on dedicated goroutines.
package proc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// killGrace is how long a cancelled process gets between SIGTERM and SIGKILL.
const killGrace = 2 * time.Second

// maxLine bounds a single output line.
const maxLine = 1024 * 1024

// Command describes one program invocation.
type Command struct {
	Name string
	Args []string
	// Env is appended to the current environment.
	Env   []string
	Dir   string
	Stdin io.Reader

	// Stdout and Stderr receive each output line as it is produced. They are
	// called from separate goroutines.
	Stdout func(line string)
	Stderr func(line string)
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner runs commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Result holds the outcome of a finished command.
type Result struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// ExecError describes a command that could not start or exited non-zero.
type ExecError struct {
	Op       string
	Command  string
	ExitCode int
	Stderr   string
	Err      error
	// Spawn is set when the program never started.
	Spawn bool
}

// Error returns the most useful text for classification: the error lines the
// program printed, or the underlying error.
func (e *ExecError) Error() string {
	if msg := ErrorLines(e.Stderr); msg != "" {
		return msg
	}
	if e.Stderr != "" {
		return strings.TrimSpace(e.Stderr)
	}
	if e.Spawn {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s exited with code %d: %v", e.Command, e.ExitCode, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// ExitCodeOf returns the exit code carried by err, or -1.
func ExitCodeOf(err error) int {
	var ee *ExecError
	if errors.As(err, &ee) && !ee.Spawn {
		return ee.ExitCode
	}
	return -1
}

// ErrorLines returns the lines of output starting with "error:" joined by
// newlines.
func ErrorLines(output string) string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(line), "error:") {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// Exec runs commands on the local host.
type Exec struct {
	Logger zerolog.Logger
}

// NewExec creates a local runner.
func NewExec(logger zerolog.Logger) *Exec {
	return &Exec{Logger: logger}
}

// Run starts cmd, streams both outputs and waits for it. On cancellation the
// process gets SIGTERM and, after a grace period, SIGKILL.
func (e *Exec) Run(ctx context.Context, c Command) (*Result, error) {
	startTime := time.Now()

	e.Logger.Debug().
		Str("command", c.String()).
		Msg("Executing command")

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	// The child leads its own process group so cancellation reaches anything
	// it spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	stdout := &lineWriter{fn: c.Stdout}
	stderr := &lineWriter{fn: c.Stderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, &ExecError{Op: "failed to start " + c.Name, Command: c.String(), Err: err, Spawn: true}
	}
	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	res := &Result{
		Stdout:     stdout.buf.String(),
		Stderr:     stderr.buf.String(),
		StartedAt:  startTime,
		FinishedAt: time.Now(),
	}
	res.Duration = res.FinishedAt.Sub(startTime)
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	e.Logger.Debug().
		Str("command", c.String()).
		Int("exit_code", res.ExitCode).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(waitErr).
		Msg("Command completed")

	if waitErr != nil {
		if ctx.Err() != nil {
			return res, &ExecError{Op: "cancelled", Command: c.String(), ExitCode: res.ExitCode, Err: ctx.Err()}
		}
		return res, &ExecError{
			Op:       "execute",
			Command:  c.String(),
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
			Err:      waitErr,
		}
	}
	return res, nil
}

// lineWriter splits a stream into lines. exec copies each stream on its
// own goroutine, so fn is never called concurrently for the same stream.
type lineWriter struct {
	fn      func(string)
	buf     strings.Builder
	partial []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > maxLine {
		w.emit(w.partial)
		w.partial = nil
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	if w.fn != nil {
		w.fn(strings.TrimRight(string(line), "\r"))
	}
}

// Output runs cmd and returns its stdout.
func Output(ctx context.Context, r Runner, name string, args ...string) (string, error) {
	res, err := r.Run(ctx, Command{Name: name, Args: args})
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) (*Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, cmd Command) (*Result, error) {
	return f(ctx, cmd)
}
