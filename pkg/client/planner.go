package client

import (
	"github.com/pkgengine/pkgengine/pkg/hwtier"
	"github.com/pkgengine/pkgengine/pkg/protocol"
	"github.com/pkgengine/pkgengine/pkg/repo"
)

// Planner turns user intent into descriptors using the current registry
// snapshot: enabled sources in rank order, the ranking strategy and the
// detected hardware tier.
type Planner struct {
	Registry *repo.Registry
	CPU      hwtier.Tier
}

// EnabledRepos returns the enabled binary sources, best first.
func (p *Planner) EnabledRepos() []string {
	names := p.Registry.EnabledNames()
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != repo.SourceBuildName {
			out = append(out, n)
		}
	}
	return out
}

// SourceBuildEnabled reports whether the source-build path is enabled.
func (p *Planner) SourceBuildEnabled() bool {
	src, ok := p.Registry.Get(repo.SourceBuildName)
	return ok && src.Enabled
}

// Install plans an install.
func (p *Planner) Install(packages []string, syncFirst bool) *protocol.Descriptor {
	return protocol.NewDescriptor(protocol.InstallPayload{
		Packages:        packages,
		SyncFirst:       syncFirst,
		EnabledRepos:    p.EnabledRepos(),
		CPUOptimization: p.CPU.String(),
		Strategy:        string(p.Registry.Ranker().Strategy),
	})
}

// Uninstall plans a removal.
func (p *Planner) Uninstall(packages []string, removeDeps bool) *protocol.Descriptor {
	return protocol.NewDescriptor(protocol.UninstallPayload{Packages: packages, RemoveDeps: removeDeps})
}

// Upgrade plans an upgrade; no packages means everything installed.
func (p *Planner) Upgrade(packages []string) *protocol.Descriptor {
	return protocol.NewDescriptor(protocol.UpgradePayload{
		Packages:     packages,
		EnabledRepos: p.EnabledRepos(),
		Strategy:     string(p.Registry.Ranker().Strategy),
	})
}

// Sync plans a database refresh.
func (p *Planner) Sync() *protocol.Descriptor {
	return protocol.NewDescriptor(protocol.SyncPayload{EnabledRepos: p.EnabledRepos()})
}

// RemoveLock plans a stale lock removal.
func (p *Planner) RemoveLock() *protocol.Descriptor {
	return protocol.NewDescriptor(protocol.RemoveLockPayload{})
}
