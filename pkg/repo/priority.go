package repo

import (
	"bufio"
	"os"
	"sort"
	"strings"

	"github.com/pkgengine/pkgengine/pkg/hwtier"
)

// Strategy is the distro-level ranking strategy.
type Strategy string

const (
	// StabilityFirst prefers official sources over optimized builds.
	StabilityFirst Strategy = "stability-first"
	// PerformanceFirst prefers the best hardware tier the CPU supports.
	PerformanceFirst Strategy = "performance-first"
)

// ParseStrategy returns the named strategy, defaulting to StabilityFirst.
func ParseStrategy(s string) Strategy {
	if Strategy(strings.ToLower(strings.TrimSpace(s))) == PerformanceFirst {
		return PerformanceFirst
	}
	return StabilityFirst
}

// Hardware-optimized distributions declare performance-first as their default.
var performanceDistros = map[string]bool{
	"cachyos": true,
}

// DefaultStrategy reads the host's os-release file and returns the declared
// default strategy. Missing or unreadable files yield StabilityFirst.
func DefaultStrategy(osReleasePath string) Strategy {
	f, err := os.Open(osReleasePath)
	if err != nil {
		return StabilityFirst
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok || (key != "ID" && key != "ID_LIKE") {
			continue
		}
		for _, id := range strings.Fields(strings.Trim(value, `"'`)) {
			if performanceDistros[strings.ToLower(id)] {
				return PerformanceFirst
			}
		}
	}
	return StabilityFirst
}

// Performance-first fallback ranks for untiered sources. The offset keeps every
// tiered winner ahead of every non-tiered source.
const (
	fallbackOffset          = 10
	rankFallbackBinary      = fallbackOffset
	rankFallbackOfficial    = fallbackOffset + 1
	rankFallbackOther       = fallbackOffset + 2
	rankFallbackSourceBuild = fallbackOffset + 3
)

// rankBaseline places the untiered distro repository below the deepest
// granted tier: a Zen 4 CPU running a v3 build.
const rankBaseline = int(hwtier.Znver4-hwtier.V3) + 1

// Rank returns the ordinal of source under strategy on a CPU at level cpu.
// Lower is better. Rank is a pure function of its arguments.
func Rank(source Source, cpu hwtier.Tier, strategy Strategy) int {
	if strategy == PerformanceFirst {
		return performanceRank(source, cpu)
	}
	return stabilityRank(source, cpu)
}

func stabilityRank(source Source, cpu hwtier.Tier) int {
	switch source.Class {
	case ClassOfficial:
		return 0
	case ClassCommunityDistro:
		return 1
	case ClassCommunityBinary:
		return 2
	case ClassTiered:
		if _, ok := hwtier.Grant(source.Name, cpu); ok {
			return 3
		}
		return 4
	case ClassSourceBuild:
		return 5
	default:
		return 4
	}
}

func performanceRank(source Source, cpu hwtier.Tier) int {
	switch source.Class {
	case ClassTiered:
		// Granted tiers rank by distance below the CPU's own tier.
		granted, ok := hwtier.Grant(source.Name, cpu)
		if !ok {
			return rankFallbackOther
		}
		return int(cpu - granted)
	case ClassCommunityDistro:
		return rankBaseline
	case ClassCommunityBinary:
		return rankFallbackBinary
	case ClassOfficial:
		return rankFallbackOfficial
	case ClassSourceBuild:
		return rankFallbackSourceBuild
	default:
		return rankFallbackOther
	}
}

// Ranker ranks sources for one (tier, strategy) pair.
type Ranker struct {
	CPU      hwtier.Tier
	Strategy Strategy
}

// Rank returns the ordinal of source.
func (r Ranker) Rank(source Source) int {
	return Rank(source, r.CPU, r.Strategy)
}

// Less is the strict total order over sources: rank, then name.
func (r Ranker) Less(a, b Source) bool {
	ra, rb := r.Rank(a), r.Rank(b)
	if ra != rb {
		return ra < rb
	}
	return a.Name < b.Name
}

// Order returns a sorted copy of sources, best first.
func (r Ranker) Order(sources []Source) []Source {
	out := make([]Source, len(sources))
	for i, s := range sources {
		out[i] = s.Clone()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return r.Less(out[i], out[j])
	})
	return out
}
