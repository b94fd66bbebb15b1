package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pkgengine/pkgengine/pkg/classify"
	"github.com/pkgengine/pkgengine/pkg/protocol"
	"github.com/pkgengine/pkgengine/pkg/repo"
	"github.com/pkgengine/pkgengine/pkg/telemetry"
)

// run sends d to the helper and renders its output.
func (a *app) run(ctx context.Context, d *protocol.Descriptor) error {
	a.logger.Debug().Str("command", string(d.Command())).Msg("Running privileged operation")
	timer := telemetry.NewTimer()
	if err := a.client().Run(ctx, d, a.out.line); err != nil {
		a.metrics.RecordTransaction(string(d.Command()), "error", timer.Duration())
		a.metrics.RecordError(string(classify.KindOf(err)))
		return err
	}
	a.metrics.RecordTransaction(string(d.Command()), "done", timer.Duration())
	return nil
}

func newInstallCommand() *cobra.Command {
	var (
		syncFirst bool
		noBuild   bool
	)

	cmd := &cobra.Command{
		Use:   "install PACKAGE...",
		Short: "Install packages from the best-ranked enabled source",
		Long: `Install packages. Each package comes from the best-ranked enabled source
that carries it. Packages no binary source carries are built from source when
the source-build path is enabled.`,
		Example: `  # Install from the best source
  pkgengine install htop

  # Refresh the databases first
  pkgengine install --sync-first firefox`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				binary, source, err := a.splitTargets(cmd.Context(), args, !noBuild)
				if err != nil {
					return err
				}

				if len(binary) > 0 {
					refresh := syncFirst || a.registry.Feature(repo.FeatureSyncFirst)
					if err := a.run(cmd.Context(), a.planner().Install(binary, refresh)); err != nil {
						return err
					}
				}
				for _, name := range source {
					res, err := a.pipeline().Build(cmd.Context(), name)
					if err != nil {
						return err
					}
					a.out.done(fmt.Sprintf("Built and installed %d package(s) for %s", len(res.Artifacts), name))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&syncFirst, "sync-first", false, "refresh package databases before installing (default from the sync_first feature)")
	cmd.Flags().BoolVar(&noBuild, "no-build", false, "never fall back to building from source")
	return cmd
}

// splitTargets separates names carried by an enabled binary source from
// names only the source-build path has. Names found nowhere stay binary so
// the engine reports them as not found.
func (a *app) splitTargets(ctx context.Context, names []string, allowBuild bool) (binary, source []string, err error) {
	planner := a.planner()
	if !allowBuild || !planner.SourceBuildEnabled() {
		return names, nil, nil
	}

	ix, err := a.openIndex(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer ix.Close()

	enabled := planner.EnabledRepos()
	if _, err := a.syncer(ix).Sweep(ctx, enabled, false); err != nil {
		a.logger.Warn().Err(err).Msg("Index refresh failed, using cached listings")
	}

	var candidates []string
	for _, name := range names {
		records, err := ix.Lookup(ctx, enabled, name)
		if err != nil {
			return nil, nil, err
		}
		if len(records) > 0 {
			binary = append(binary, name)
			continue
		}
		candidates = append(candidates, name)
	}
	if len(candidates) == 0 {
		return binary, nil, nil
	}

	remote, err := a.aur().Info(ctx, candidates...)
	if err != nil {
		return nil, nil, err
	}
	known := map[string]bool{}
	for _, p := range remote {
		known[p.Name] = true
	}
	for _, name := range candidates {
		if known[name] {
			source = append(source, name)
		} else {
			binary = append(binary, name)
		}
	}
	if len(source) > 0 {
		a.logger.Info().Str("packages", strings.Join(source, " ")).Msg("Building from source")
	}
	return binary, source, nil
}

func newUninstallCommand() *cobra.Command {
	var removeDeps bool

	cmd := &cobra.Command{
		Use:     "uninstall PACKAGE...",
		Aliases: []string{"remove"},
		Short:   "Remove installed packages",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				return a.run(cmd.Context(), a.planner().Uninstall(args, removeDeps))
			})
		},
	}

	cmd.Flags().BoolVarP(&removeDeps, "recursive", "s", false, "also remove dependencies no other package needs")
	return cmd
}

func newUpgradeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upgrade [PACKAGE...]",
		Short: "Upgrade outdated packages",
		Long: `Upgrade outdated packages from the enabled sources. Without arguments every
installed package is checked. Updates are downloaded first and installed only
when every download succeeded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				return a.run(cmd.Context(), a.planner().Upgrade(args))
			})
		},
	}
	return cmd
}

func newSyncCommand() *cobra.Command {
	var indexOnly bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Refresh package databases and the package index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				d := a.planner().Sync()
				if !indexOnly {
					if err := a.run(cmd.Context(), d); err != nil {
						return err
					}
				}

				ix, err := a.openIndex(cmd.Context())
				if err != nil {
					return err
				}
				defer ix.Close()

				refreshed, err := a.syncer(ix).Sweep(cmd.Context(), a.planner().EnabledRepos(), !indexOnly)
				if err != nil {
					return err
				}
				a.out.done(fmt.Sprintf("Index refreshed for %d source(s)", len(refreshed)))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&indexOnly, "index-only", false, "only refresh stale index listings, without privileges")
	return cmd
}

func newUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock",
		Short: "Remove a stale package database lock",
		Long: `Remove the package database lock left behind by a crashed package manager.
The lock is kept when a package manager is still running.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				return a.run(cmd.Context(), a.planner().RemoveLock())
			})
		},
	}
}
