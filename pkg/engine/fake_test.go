package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/hwtier"
	"github.com/pkgengine/pkgengine/pkg/protocol"
	"github.com/pkgengine/pkgengine/pkg/repo"
)

type fakeBackend struct {
	mu sync.Mutex

	repos     map[string]map[string]string
	installed map[string]string

	commitErrs []error
	prepareErr error
	refreshErr error

	refreshes int
	syncs     [][]string
	prepared  []Transaction
	committed []Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		repos:     make(map[string]map[string]string),
		installed: make(map[string]string),
	}
}

func (f *fakeBackend) add(source, name, version string) *fakeBackend {
	if f.repos[source] == nil {
		f.repos[source] = make(map[string]string)
	}
	f.repos[source][name] = version
	return f
}

func (f *fakeBackend) Version(_ context.Context, source, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.repos[source][name]
	return v, ok, nil
}

func (f *fakeBackend) Installed(_ context.Context, name string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.installed[name]
	return v, ok, nil
}

func (f *fakeBackend) InstalledNames(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for n := range f.installed {
		names = append(names, n)
	}
	return names, nil
}

func (f *fakeBackend) Sync(_ context.Context, sources []string, _ Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, append([]string(nil), sources...))
	return nil
}

func (f *fakeBackend) Prepare(_ context.Context, tx *Transaction, _ Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prepared = append(f.prepared, *tx)
	return f.prepareErr
}

func (f *fakeBackend) Commit(_ context.Context, tx *Transaction, l Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, *tx)

	if len(f.commitErrs) > 0 {
		err := f.commitErrs[0]
		f.commitErrs = f.commitErrs[1:]
		if err != nil {
			return err
		}
	}

	phase := protocol.EventInstall
	switch {
	case tx.DownloadOnly:
		phase = protocol.EventDownload
	case tx.Kind == TxRemove:
		phase = protocol.EventRemove
	}
	for _, t := range tx.Targets {
		l.OnProgress(Progress{Phase: phase, Package: t.Name, Percent: 50})
		l.OnProgress(Progress{Phase: phase, Package: t.Name, Percent: 100})
		if tx.DownloadOnly {
			continue
		}
		switch tx.Kind {
		case TxInstall:
			f.installed[t.Name] = t.Version
		case TxRemove:
			delete(f.installed, t.Name)
		}
	}
	return nil
}

func (f *fakeBackend) RefreshKeys(context.Context, Listener) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshErr
}

type fakeLock struct {
	present bool
	alive   bool
	removed int
}

func (l *fakeLock) Present() (bool, error)                   { return l.present, nil }
func (l *fakeLock) HolderAlive(context.Context) (bool, error) { return l.alive, nil }
func (l *fakeLock) Remove() error {
	if !l.present {
		return errors.New("no lock")
	}
	l.present = false
	l.removed++
	return nil
}

type engineFixture struct {
	engine  *Engine
	backend *fakeBackend
	lock    *fakeLock
	out     *bytes.Buffer
}

func newFixture(t *testing.T, backend *fakeBackend, opts Options) *engineFixture {
	t.Helper()
	out := &bytes.Buffer{}
	lock := &fakeLock{}
	if l, ok := opts.Lock.(*fakeLock); ok {
		lock = l
	}
	opts.Backend = backend
	opts.Lock = lock
	opts.Emitter = protocol.NewEmitter(out)
	opts.Logger = zerolog.Nop()
	if opts.Strategy == "" {
		opts.Strategy = repo.PerformanceFirst
	}
	e, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &engineFixture{engine: e, backend: backend, lock: lock, out: out}
}

func (f *engineFixture) execute(t *testing.T, p protocol.Payload) (*TransactionState, error) {
	t.Helper()
	return f.engine.Execute(context.Background(), protocol.NewDescriptor(p))
}

func (f *engineFixture) lines(t *testing.T) []*protocol.Line {
	t.Helper()
	r := protocol.NewReader(bytes.NewReader(f.out.Bytes()))
	var lines []*protocol.Line
	for {
		l, err := r.Next()
		if errors.Is(err, io.EOF) {
			return lines
		}
		if err != nil {
			t.Fatal(err)
		}
		lines = append(lines, l)
	}
}

func (f *engineFixture) events(t *testing.T, kind protocol.EventType) []*protocol.Event {
	t.Helper()
	var out []*protocol.Event
	for _, l := range f.lines(t) {
		if l.Event != nil && l.Event.EventType == kind {
			out = append(out, l.Event)
		}
	}
	return out
}

var baselineCPU = Options{CPU: hwtier.Baseline}
