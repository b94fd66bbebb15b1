package repo

// RankFunc returns the rank of a source by name. Lower is better.
type RankFunc func(source string) int

// Merge deduplicates records naming the same package. For each name the
// best-ranked copy becomes the primary and every other copy is attached to
// its Alternatives, including the alternatives a demoted primary already had.
//
// Records are flattened and deduplicated by source before the primary is
// chosen, so merging a list with itself adds nothing and the primary does not
// depend on input order. Names keep their first-seen order.
func Merge(records []PackageRecord, rank RankFunc) []PackageRecord {
	type group struct {
		copies []PackageRecord
		seen   map[string]bool
	}

	groups := make(map[string]*group)
	var names []string

	add := func(g *group, r PackageRecord) {
		if g.seen[r.Source] {
			return
		}
		g.seen[r.Source] = true
		r.Alternatives = nil
		g.copies = append(g.copies, r)
	}

	for _, rec := range records {
		g, ok := groups[rec.Name]
		if !ok {
			g = &group{seen: make(map[string]bool)}
			groups[rec.Name] = g
			names = append(names, rec.Name)
		}
		c := rec.Clone()
		alts := c.Alternatives
		add(g, c)
		for _, alt := range alts {
			add(g, alt)
		}
	}

	out := make([]PackageRecord, 0, len(names))
	for _, name := range names {
		g := groups[name]
		best := 0
		for i := 1; i < len(g.copies); i++ {
			if better(g.copies[i], g.copies[best], rank) {
				best = i
			}
		}
		primary := g.copies[best]
		for i, c := range g.copies {
			if i != best {
				primary.Alternatives = append(primary.Alternatives, c)
			}
		}
		out = append(out, primary)
	}
	return out
}

func better(a, b PackageRecord, rank RankFunc) bool {
	ra, rb := rank(a.Source), rank(b.Source)
	if ra != rb {
		return ra < rb
	}
	return a.Source < b.Source
}
