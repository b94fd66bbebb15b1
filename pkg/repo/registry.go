package repo

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/hwtier"
)

// SettingsSaver receives a settings snapshot after every registry mutation.
type SettingsSaver interface {
	Save(Settings)
}

// Registry is the owned set of package sources. Readers always get clones;
// writers hold the lock only for the mutation and the persistence trigger.
type Registry struct {
	mu sync.RWMutex

	// sources maps name to source.
	sources map[string]*Source

	// order is the registration order, used for stable snapshots.
	order []string

	ranker     Ranker
	features   map[string]bool
	classifier *Classifier
	saver      SettingsSaver
	logger     zerolog.Logger
}

// Options configures a Registry.
type Options struct {
	CPU        hwtier.Tier
	Strategy   Strategy
	Classifier *Classifier
	Saver      SettingsSaver
	Logger     zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier()
	}
	if opts.Strategy == "" {
		opts.Strategy = StabilityFirst
	}
	return &Registry{
		sources:    make(map[string]*Source),
		ranker:     Ranker{CPU: opts.CPU, Strategy: opts.Strategy},
		features:   make(map[string]bool),
		classifier: opts.Classifier,
		saver:      opts.Saver,
		logger:     opts.Logger.With().Str("component", "repo-registry").Logger(),
	}
}

// Load builds a registry from live discovery merged with persisted settings.
// Discovered sources default to enabled unless settings say otherwise; the
// source-build path is always registered.
func Load(discovered []Source, settings Settings, opts Options) *Registry {
	if settings.Strategy != "" {
		opts.Strategy = ParseStrategy(settings.Strategy)
	}
	r := NewRegistry(opts)
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, src := range discovered {
		r.putLocked(src, settings)
	}
	r.putLocked(Source{Name: SourceBuildName, Enabled: true}, settings)
	for k, v := range settings.Features {
		r.features[k] = v
	}
	return r
}

func (r *Registry) putLocked(src Source, settings Settings) {
	c := src.Clone()
	if c.Class == "" {
		c.Class = r.classifier.Classify(c.Name)
	}
	c.Enabled = true
	if enabled, ok := settings.Sources[c.Name]; ok {
		c.Enabled = enabled
	}
	if _, exists := r.sources[c.Name]; !exists {
		r.order = append(r.order, c.Name)
	}
	r.sources[c.Name] = &c
}

// Add registers or replaces a source and persists the change.
func (r *Registry) Add(src Source) {
	r.mu.Lock()
	c := src.Clone()
	if c.Class == "" {
		c.Class = r.classifier.Classify(c.Name)
	}
	if _, exists := r.sources[c.Name]; !exists {
		r.order = append(r.order, c.Name)
	}
	r.sources[c.Name] = &c
	snapshot := r.settingsLocked()
	r.mu.Unlock()

	r.save(snapshot)
}

// Refresh merges a fresh discovery into the registry. Known sources keep their
// enabled flag; unknown ones are added enabled; sources that vanished from the
// configuration are dropped, except the source-build path.
func (r *Registry) Refresh(discovered []Source) {
	r.mu.Lock()
	seen := map[string]bool{SourceBuildName: true}
	for _, src := range discovered {
		seen[src.Name] = true
		c := src.Clone()
		if c.Class == "" {
			c.Class = r.classifier.Classify(c.Name)
		}
		if old, ok := r.sources[c.Name]; ok {
			c.Enabled = old.Enabled
		} else {
			c.Enabled = true
			r.order = append(r.order, c.Name)
		}
		r.sources[c.Name] = &c
	}
	kept := r.order[:0]
	for _, name := range r.order {
		if seen[name] {
			kept = append(kept, name)
			continue
		}
		delete(r.sources, name)
	}
	r.order = kept
	snapshot := r.settingsLocked()
	r.mu.Unlock()

	r.logger.Info().Int("sources", len(snapshot.Sources)).Msg("Repository configuration refreshed")
	r.save(snapshot)
}

// Enable re-enables a soft-disabled source. Cached data is untouched.
func (r *Registry) Enable(name string) error {
	return r.setEnabled(name, true)
}

// Disable soft-disables a source. Cached data is retained so re-enabling
// needs no refetch.
func (r *Registry) Disable(name string) error {
	return r.setEnabled(name, false)
}

func (r *Registry) setEnabled(name string, enabled bool) error {
	r.mu.Lock()
	src, ok := r.sources[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown source: %s", name)
	}
	src.Enabled = enabled
	snapshot := r.settingsLocked()
	r.mu.Unlock()

	r.logger.Info().Str("source", name).Bool("enabled", enabled).Msg("Source toggled")
	r.save(snapshot)
	return nil
}

// Feature flags persisted with the source settings.
const (
	// FeatureSyncFirst refreshes the databases before every install.
	FeatureSyncFirst = "sync_first"
	// FeatureSearchAUR includes the source-build index in every search.
	FeatureSearchAUR = "search_aur"
)

// KnownFeatures lists the accepted feature flag names.
var KnownFeatures = []string{FeatureSearchAUR, FeatureSyncFirst}

// SetFeature toggles a named feature flag and persists it.
func (r *Registry) SetFeature(name string, on bool) error {
	if !slices.Contains(KnownFeatures, name) {
		return fmt.Errorf("unknown feature: %s", name)
	}
	r.mu.Lock()
	r.features[name] = on
	snapshot := r.settingsLocked()
	r.mu.Unlock()

	r.logger.Info().Str("feature", name).Bool("on", on).Msg("Feature toggled")
	r.save(snapshot)
	return nil
}

// Feature reports a feature flag; unset flags are false.
func (r *Registry) Feature(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.features[name]
}

// Get returns a copy of the named source.
func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	if !ok {
		return Source{}, false
	}
	return src.Clone(), true
}

// Sources returns a snapshot of every source in registration order.
func (r *Registry) Sources() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.sources[name].Clone())
	}
	return out
}

// Ordered returns every source sorted best first.
func (r *Registry) Ordered() []Source {
	return r.Ranker().Order(r.Sources())
}

// Enabled returns the enabled sources sorted best first.
func (r *Registry) Enabled() []Source {
	all := r.Sources()
	enabled := all[:0]
	for _, s := range all {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	return r.Ranker().Order(enabled)
}

// EnabledNames returns the names of the enabled sources, best first.
func (r *Registry) EnabledNames() []string {
	enabled := r.Enabled()
	names := make([]string, len(enabled))
	for i, s := range enabled {
		names[i] = s.Name
	}
	return names
}

// Ranker returns the ranker for the registry's tier and strategy.
func (r *Registry) Ranker() Ranker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ranker
}

// RankFunc returns a by-name rank lookup over a snapshot of the registry.
// Unknown sources rank last.
func (r *Registry) RankFunc() RankFunc {
	ranker := r.Ranker()
	ranks := make(map[string]int)
	for _, s := range r.Sources() {
		ranks[s.Name] = ranker.Rank(s)
	}
	return func(source string) int {
		if rank, ok := ranks[source]; ok {
			return rank
		}
		return int(^uint(0) >> 1)
	}
}

// Settings returns the persistable snapshot.
func (r *Registry) Settings() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settingsLocked()
}

func (r *Registry) settingsLocked() Settings {
	s := Settings{
		Strategy: string(r.ranker.Strategy),
		Sources:  make(map[string]bool, len(r.sources)),
		Features: make(map[string]bool, len(r.features)),
	}
	for name, src := range r.sources {
		s.Sources[name] = src.Enabled
	}
	for k, v := range r.features {
		s.Features[k] = v
	}
	return s
}

func (r *Registry) save(s Settings) {
	if r.saver != nil {
		r.saver.Save(s)
	}
}
