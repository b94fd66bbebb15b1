package index

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pkgengine/pkgengine/pkg/repo"
)

// DefaultTTL is how long a source listing stays fresh.
const DefaultTTL = 6 * time.Hour

// Lister produces the full package listing of one source.
type Lister interface {
	List(ctx context.Context, source string) ([]repo.PackageRecord, error)
}

// ListerFunc adapts a function to Lister.
type ListerFunc func(ctx context.Context, source string) ([]repo.PackageRecord, error)

// List calls f.
func (f ListerFunc) List(ctx context.Context, source string) ([]repo.PackageRecord, error) {
	return f(ctx, source)
}

// Syncer refreshes stale source listings.
type Syncer struct {
	Index       *Index
	Lister      Lister
	TTL         time.Duration
	Concurrency int
	Logger      zerolog.Logger
}

// Sweep refreshes every source in sources whose listing is stale, in
// parallel, and returns the refreshed names sorted. The source-build source
// has no listing and is skipped. force ignores the TTL.
func (s *Syncer) Sweep(ctx context.Context, sources []string, force bool) ([]string, error) {
	ttl := s.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	limit := s.Concurrency
	if limit <= 0 {
		limit = 4
	}

	var (
		mu        sync.Mutex
		refreshed []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, source := range sources {
		source := source
		if source == repo.SourceBuildName {
			continue
		}
		g.Go(func() error {
			if !force {
				stale, err := s.Index.Stale(gctx, source, ttl)
				if err != nil {
					return err
				}
				if !stale {
					return nil
				}
			}

			records, err := s.Lister.List(gctx, source)
			if err != nil {
				return fmt.Errorf("failed to list %s: %w", source, err)
			}
			if err := s.Index.Put(gctx, source, records); err != nil {
				return err
			}

			s.Logger.Debug().Str("source", source).Int("packages", len(records)).Msg("Source listing refreshed")
			mu.Lock()
			refreshed = append(refreshed, source)
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	sort.Strings(refreshed)
	return refreshed, err
}
