package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newBuildCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "build PACKAGE",
		Short: "Build a package and its source dependencies, then install them",
		Long: `Resolve PACKAGE and every dependency that no enabled binary source provides,
build them in dependency order as the current user, and install each result
through the privileged helper before building the next.

Builds refuse to run as root. Missing signing keys reported by the build are
imported from the configured keyservers and the build is retried once.`,
		Example: `  # Show the build order only
  pkgengine build --dry-run yay

  # Build and install
  pkgengine build yay`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				if !a.planner().SourceBuildEnabled() {
					return fmt.Errorf("the source-build path is disabled; enable it with 'pkgengine repos enable aur'")
				}
				p := a.pipeline()

				if dryRun {
					steps, err := p.Resolver.Resolve(ctx, args[0])
					if err != nil {
						return err
					}
					if jsonOutput {
						a.out.writeJSON(steps)
						return nil
					}
					rows := make([][]string, len(steps))
					for i, s := range steps {
						rows[i] = []string{fmt.Sprint(i + 1), s.Name, s.Version, s.PackageBase}
					}
					a.out.table([]string{"#", "NAME", "VERSION", "BASE"}, rows)
					return nil
				}

				res, err := p.Build(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					a.out.writeJSON(res)
					return nil
				}
				a.out.done(fmt.Sprintf("Built and installed %s (%d package(s))", args[0], len(res.Artifacts)))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "resolve and print the build order without building")
	return cmd
}
