package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the burst of events an editor or pacman produces
// when rewriting the file.
const watchDebounce = 250 * time.Millisecond

// Watch re-discovers confPath whenever it changes and merges the result into
// the registry. It blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, confPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: rename-over-write replaces the inode.
	if err := watcher.Add(filepath.Dir(confPath)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", confPath, err)
	}

	target := filepath.Clean(confPath)
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(watchDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			sources, err := Discover(confPath)
			if err != nil {
				r.logger.Warn().Err(err).Str("path", confPath).Msg("Failed to re-read repository configuration")
				continue
			}
			r.Refresh(sources)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn().Err(err).Msg("Repository watcher error")
		}
	}
}
