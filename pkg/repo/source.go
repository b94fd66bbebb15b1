// Package repo implements the repository registry and the priority policy
// that decides which source's copy of a package wins.
package repo

import (
	"strings"

	"github.com/pkgengine/pkgengine/pkg/hwtier"
)

// Class is the priority class of a package source.
type Class string

const (
	// ClassOfficial is a base distro repository (core, extra, multilib).
	ClassOfficial Class = "official"
	// ClassCommunityDistro is the distro's own community-maintained repository.
	ClassCommunityDistro Class = "community_distro"
	// ClassTiered is a hardware-optimized repository (name suffix -v3, -v4, -znver4).
	ClassTiered Class = "tiered"
	// ClassCommunityBinary is a community binary repository of prebuilt user packages.
	ClassCommunityBinary Class = "community_binary"
	// ClassOther is any other configured repository.
	ClassOther Class = "other"
	// ClassSourceBuild is the virtual source-build path.
	ClassSourceBuild Class = "source_build"
)

// SourceBuildName is the name of the virtual source-build source.
const SourceBuildName = "aur"

// Source is a registered package source.
type Source struct {
	Name    string   `json:"name"`
	Servers []string `json:"servers,omitempty"`
	Class   Class    `json:"class"`
	Enabled bool     `json:"enabled"`
}

// Clone returns a deep copy of s.
func (s Source) Clone() Source {
	c := s
	if s.Servers != nil {
		c.Servers = append([]string(nil), s.Servers...)
	}
	return c
}

// PackageRecord is one source's copy of a package.
// Alternatives never contain a record ranked better than the parent.
type PackageRecord struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Source       string          `json:"source"`
	Description  string          `json:"description,omitempty"`
	Provides     []string        `json:"provides,omitempty"`
	Alternatives []PackageRecord `json:"alternatives,omitempty"`
}

// Clone returns a deep copy of r.
func (r PackageRecord) Clone() PackageRecord {
	c := r
	if r.Provides != nil {
		c.Provides = append([]string(nil), r.Provides...)
	}
	if r.Alternatives != nil {
		c.Alternatives = make([]PackageRecord, len(r.Alternatives))
		for i, alt := range r.Alternatives {
			c.Alternatives[i] = alt.Clone()
		}
	}
	return c
}

// Classifier assigns a Class to a repository name.
type Classifier struct {
	Official        map[string]bool
	CommunityDistro map[string]bool
	CommunityBinary map[string]bool
}

// DefaultClassifier knows the Arch base repositories and the common
// community repositories.
func DefaultClassifier() *Classifier {
	return &Classifier{
		Official: setOf("core", "extra", "multilib", "core-testing", "extra-testing", "multilib-testing"),
		CommunityDistro: setOf(
			"cachyos", "endeavouros", "manjaro-extra", "garuda",
		),
		CommunityBinary: setOf("chaotic-aur"),
	}
}

// Classify returns the class for a repository name.
func (c *Classifier) Classify(name string) Class {
	lower := strings.ToLower(name)
	switch {
	case lower == SourceBuildName:
		return ClassSourceBuild
	case c.Official[lower]:
		return ClassOfficial
	case c.CommunityBinary[lower]:
		return ClassCommunityBinary
	}
	if _, ok := hwtier.TierOfRepo(lower); ok {
		return ClassTiered
	}
	if c.CommunityDistro[lower] {
		return ClassCommunityDistro
	}
	return ClassOther
}

func setOf(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}
