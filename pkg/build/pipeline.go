// Package build turns source packages into installable artifacts: it
// resolves the build order against the remote index, fetches and builds
// each package as an unprivileged user, and hands the artifacts to the
// privileged engine as a local-file install.
package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pkgengine/pkgengine/pkg/guard"
	"github.com/pkgengine/pkgengine/pkg/proc"
	"github.com/pkgengine/pkgengine/pkg/protocol"
	"github.com/pkgengine/pkgengine/pkg/telemetry"
)

// Fetcher makes the sources of a package base available in dir.
type Fetcher interface {
	Fetch(ctx context.Context, base, dir string) error
}

// Installer installs staged package files through the privileged engine.
type Installer interface {
	InstallFiles(ctx context.Context, paths []string) error
}

// GitFetcher clones or fast-forwards package repositories.
type GitFetcher struct {
	Runner   proc.Runner
	Git      string
	CloneURL func(base string) string
}

// Fetch clones base into dir, or pulls when dir is already a checkout.
func (f *GitFetcher) Fetch(ctx context.Context, base, dir string) error {
	git := f.Git
	if git == "" {
		git = "git"
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		if _, err := f.Runner.Run(ctx, proc.Command{Name: git, Args: []string{"-C", dir, "pull", "--ff-only"}}); err != nil {
			return fmt.Errorf("failed to update %s: %w", base, err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	if _, err := f.Runner.Run(ctx, proc.Command{Name: git, Args: []string{"clone", "--depth", "1", f.CloneURL(base), dir}}); err != nil {
		return fmt.Errorf("failed to clone %s: %w", base, err)
	}
	return nil
}

// Pipeline builds a source package and everything it needs.
type Pipeline struct {
	Resolver   *Resolver
	Fetcher    Fetcher
	Builder    *Builder
	Installer  Installer
	WorkDir    string
	StagingDir string
	// OnStep is called before each package is built.
	OnStep func(step Step, index, total int)
	Tracer *telemetry.Tracer
	Logger zerolog.Logger
}

// Result is the outcome of a pipeline run.
type Result struct {
	Steps     []Step   `json:"steps"`
	Artifacts []string `json:"artifacts"`
}

// Build resolves, builds and installs name. Each package is installed
// before the next is built, so later builds see their dependencies.
func (p *Pipeline) Build(ctx context.Context, name string) (*Result, error) {
	steps, err := p.Resolver.Resolve(ctx, name)
	if err != nil {
		return nil, err
	}
	staging := p.StagingDir
	if staging == "" {
		staging = guard.StagingDir
	}

	res := &Result{Steps: steps}
	built := map[string]bool{}
	for i, step := range steps {
		if built[step.PackageBase] {
			continue
		}
		built[step.PackageBase] = true
		if p.OnStep != nil {
			p.OnStep(step, i, len(steps))
		}

		staged, err := p.buildStep(ctx, step, staging)
		if err != nil {
			return res, err
		}
		if err := p.Installer.InstallFiles(ctx, staged); err != nil {
			return res, fmt.Errorf("failed to install %s: %w", step.Name, err)
		}
		res.Artifacts = append(res.Artifacts, staged...)
	}
	return res, nil
}

func (p *Pipeline) buildStep(ctx context.Context, step Step, staging string) (staged []string, err error) {
	ctx, span := p.Tracer.StartBuildSpan(ctx, step.Name)
	defer func() { telemetry.End(span, err) }()

	dir := filepath.Join(p.WorkDir, step.PackageBase)
	if err := p.Fetcher.Fetch(ctx, step.PackageBase, dir); err != nil {
		return nil, err
	}

	p.Logger.Info().Str("package", step.Name).Str("version", step.Version).Msg("Building package")
	artifacts, err := p.Builder.Build(ctx, dir, filepath.Join(p.WorkDir, ".out", step.PackageBase))
	if err != nil {
		return nil, err
	}

	for _, a := range artifacts {
		if strings.Contains(filepath.Base(a), "-debug-") {
			continue
		}
		dst, err := stage(a, staging)
		if err != nil {
			return nil, err
		}
		staged = append(staged, dst)
	}
	return staged, nil
}

// stage copies an artifact into the staging directory.
func stage(src, staging string) (string, error) {
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	dst := filepath.Join(staging, filepath.Base(src))

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open artifact: %w", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(staging, ".stage-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staged file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to copy artifact: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close staged file: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to stage artifact: %w", err)
	}
	return dst, nil
}

// InstallFilesDescriptor wraps staged artifacts in a local-file install
// descriptor for the engine.
func InstallFilesDescriptor(paths []string) *protocol.Descriptor {
	return protocol.NewDescriptor(protocol.InstallFilesPayload{Paths: append([]string(nil), paths...)})
}
