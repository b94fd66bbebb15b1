package repo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// Settings is the on-disk source and feature configuration.
type Settings struct {
	Strategy string          `json:"strategy,omitempty"`
	Sources  map[string]bool `json:"sources"`
	Features map[string]bool `json:"features,omitempty"`
}

// LoadSettings reads settings from path. A missing file yields empty settings.
func LoadSettings(path string) (Settings, error) {
	s := Settings{Sources: map[string]bool{}}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if s.Sources == nil {
		s.Sources = map[string]bool{}
	}
	return s, nil
}

// WriteFileAtomic replaces path with data via a temp file and rename, so
// readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return fmt.Errorf("failed to set mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// Persister writes settings asynchronously. Saves issued while a write is
// pending are coalesced; only the latest snapshot is written.
type Persister struct {
	path   string
	logger zerolog.Logger

	// writeMu serializes take-and-write so snapshots land in order.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending *Settings
	lastErr error

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewPersister starts a background writer for path.
func NewPersister(path string, logger zerolog.Logger) *Persister {
	p := &Persister{
		path:   path,
		logger: logger.With().Str("component", "settings-persister").Logger(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// Save schedules s to be written. It never blocks on disk I/O.
func (p *Persister) Save(s Settings) {
	p.mu.Lock()
	p.pending = &s
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Flush writes any pending snapshot synchronously.
func (p *Persister) Flush() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	s := p.pending
	p.pending = nil
	p.mu.Unlock()

	if s == nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.lastErr
	}

	err := p.write(*s)
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	return err
}

// Close flushes pending state and stops the writer.
func (p *Persister) Close() error {
	close(p.done)
	p.wg.Wait()
	return p.Flush()
}

func (p *Persister) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.wake:
			if err := p.Flush(); err != nil {
				p.logger.Error().Err(err).Str("path", p.path).Msg("Failed to persist settings")
			}
		case <-p.done:
			return
		}
	}
}

func (p *Persister) write(s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := WriteFileAtomic(p.path, data, 0o644); err != nil {
		return err
	}
	p.logger.Debug().Str("path", p.path).Int("sources", len(s.Sources)).Msg("Settings persisted")
	return nil
}
