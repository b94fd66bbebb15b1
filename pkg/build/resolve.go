package build

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/classify"
)

// Satisfier answers dependency questions against the local system.
type Satisfier interface {
	// Unsatisfied returns the deps no installed package satisfies.
	Unsatisfied(ctx context.Context, deps []string) ([]string, error)
	// SyncSatisfies reports whether an official binary source provides dep.
	SyncSatisfies(ctx context.Context, dep string) (bool, error)
}

// Step is one package to build, in build order.
type Step struct {
	Name        string `json:"name"`
	PackageBase string `json:"package_base"`
	Version     string `json:"version"`
}

// Resolver computes the build order of a source package and the source
// packages it needs.
type Resolver struct {
	Index     RemoteIndex
	Satisfier Satisfier
	Logger    zerolog.Logger
}

type frame struct {
	pkg  RemotePackage
	deps []string
	next int
}

// Resolve returns name and its unresolved source dependencies so that every
// package comes after all of its dependencies. Dependencies already
// installed or available from a binary source are skipped. A dependency
// cycle is cut at the first repeated name.
func (r *Resolver) Resolve(ctx context.Context, name string) ([]Step, error) {
	visited := map[string]bool{}
	var (
		order []Step
		stack []*frame
	)

	push := func(dep string) error {
		visited[dep] = true
		pkg, err := r.lookup(ctx, dep)
		if err != nil {
			return err
		}
		deps, err := r.needed(ctx, pkg)
		if err != nil {
			return err
		}
		stack = append(stack, &frame{pkg: pkg, deps: deps})
		return nil
	}

	if err := push(name); err != nil {
		return nil, err
	}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		top := stack[len(stack)-1]
		if top.next < len(top.deps) {
			dep := top.deps[top.next]
			top.next++
			if visited[dep] {
				continue
			}
			if err := push(dep); err != nil {
				return nil, fmt.Errorf("dependency of %s: %w", top.pkg.Name, err)
			}
			continue
		}
		stack = stack[:len(stack)-1]
		order = append(order, Step{Name: top.pkg.Name, PackageBase: top.pkg.PackageBase, Version: top.pkg.Version})
	}

	r.Logger.Debug().Str("package", name).Int("steps", len(order)).Msg("Resolved build order")
	return order, nil
}

func (r *Resolver) lookup(ctx context.Context, name string) (RemotePackage, error) {
	pkgs, err := r.Index.Info(ctx, name)
	if err != nil {
		return RemotePackage{}, fmt.Errorf("failed to look up %s: %w", name, err)
	}
	for _, p := range pkgs {
		if p.Name == name {
			if p.PackageBase == "" {
				p.PackageBase = p.Name
			}
			return p, nil
		}
	}
	return RemotePackage{}, classify.New(classify.KindNotFound, "Package not found",
		fmt.Sprintf("%s is not available from any enabled source.", name))
}

// needed returns the dependencies of pkg that must be built from source.
func (r *Resolver) needed(ctx context.Context, pkg RemotePackage) ([]string, error) {
	var deps []string
	seen := map[string]bool{}
	for _, d := range pkg.AllDepends() {
		name := StripConstraint(d)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		deps = append(deps, name)
	}
	if len(deps) == 0 {
		return nil, nil
	}

	missing, err := r.Satisfier.Unsatisfied(ctx, deps)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, dep := range missing {
		dep = StripConstraint(dep)
		ok, err := r.Satisfier.SyncSatisfies(ctx, dep)
		if err != nil {
			return nil, err
		}
		if ok {
			continue
		}
		out = append(out, dep)
	}
	return out, nil
}

// StripConstraint removes a version constraint such as ">=1.2" or "=3" from
// a dependency string.
func StripConstraint(dep string) string {
	dep = strings.TrimSpace(dep)
	if i := strings.IndexAny(dep, "<>="); i >= 0 {
		dep = dep[:i]
	}
	// Optional-dependency descriptions ("name: reason").
	if i := strings.Index(dep, ":"); i >= 0 {
		dep = dep[:i]
	}
	return strings.TrimSpace(dep)
}
