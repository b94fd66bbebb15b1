package proc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestExecStreamsBothOutputs(t *testing.T) {
	var (
		mu             sync.Mutex
		stdout, stderr []string
	)
	r := NewExec(zerolog.Nop())
	res, err := r.Run(context.Background(), Command{
		Name: "/bin/sh",
		Args: []string{"-c", `echo one; echo warn >&2; echo two; echo "x=$PKG_TEST"`},
		Env:  []string{"PKG_TEST=42"},
		Stdout: func(line string) {
			mu.Lock()
			stdout = append(stdout, line)
			mu.Unlock()
		},
		Stderr: func(line string) {
			mu.Lock()
			stderr = append(stderr, line)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.Join(stdout, ",") != "one,two,x=42" {
		t.Errorf("stdout lines = %v", stdout)
	}
	if len(stderr) != 1 || stderr[0] != "warn" {
		t.Errorf("stderr lines = %v", stderr)
	}
	if res.Stdout != "one\ntwo\nx=42\n" || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestExecNonZeroExit(t *testing.T) {
	r := NewExec(zerolog.Nop())
	_, err := r.Run(context.Background(), Command{
		Name: "/bin/sh",
		Args: []string{"-c", `echo "resolving dependencies..."; echo "error: target not found: nope" >&2; exit 1`},
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if got := ExitCodeOf(err); got != 1 {
		t.Errorf("exit code = %d", got)
	}
	if err.Error() != "error: target not found: nope" {
		t.Errorf("error text = %q", err.Error())
	}
}

func TestExecSpawnFailure(t *testing.T) {
	r := NewExec(zerolog.Nop())
	_, err := r.Run(context.Background(), Command{Name: "/nonexistent/pkgengine-tool"})
	var ee *ExecError
	if !errors.As(err, &ee) || !ee.Spawn {
		t.Fatalf("expected spawn error, got %v", err)
	}
	if ExitCodeOf(err) != -1 {
		t.Error("spawn failures carry no exit code")
	}
}

func TestExecCancellation(t *testing.T) {
	r := NewExec(zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, Command{Name: "/bin/sh", Args: []string{"-c", "sleep 30"}})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("process was not killed")
	}
}

func TestErrorLines(t *testing.T) {
	out := "warning: x\nerror: failed to commit transaction (conflicting files)\nfoo\nError: bar\n"
	want := "error: failed to commit transaction (conflicting files)\nError: bar"
	if got := ErrorLines(out); got != want {
		t.Errorf("ErrorLines = %q", got)
	}
}
