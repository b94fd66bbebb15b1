package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/pkgengine/pkgengine/pkg/repo"
)

func newSearchCommand() *cobra.Command {
	var (
		limit  int
		remote bool
	)

	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Search enabled sources",
		Long: `Search the package index of every enabled source. Copies of the same package
from several sources are merged; the best-ranked source is listed first and the
others are shown as alternatives. With --aur the source-build index is
searched as well when the source-build path is enabled.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				ix, err := a.openIndex(ctx)
				if err != nil {
					return err
				}
				defer ix.Close()

				planner := a.planner()
				enabled := planner.EnabledRepos()
				if _, err := a.syncer(ix).Sweep(ctx, enabled, false); err != nil {
					a.logger.Warn().Err(err).Msg("Index refresh failed, using cached listings")
				}

				records, err := ix.Search(ctx, enabled, args[0], 0)
				if err != nil {
					return err
				}

				withAUR := remote || a.registry.Feature(repo.FeatureSearchAUR)
				if withAUR && planner.SourceBuildEnabled() {
					found, err := a.aur().Search(ctx, args[0])
					if err != nil {
						a.logger.Warn().Err(err).Msg("Source-build search failed")
					}
					for _, p := range found {
						records = append(records, repo.PackageRecord{
							Name:        p.Name,
							Version:     p.Version,
							Source:      repo.SourceBuildName,
							Description: p.Description,
							Provides:    p.Provides,
						})
					}
				}

				merged := repo.Merge(records, a.registry.RankFunc())
				if limit > 0 && len(merged) > limit {
					merged = merged[:limit]
				}

				if jsonOutput {
					a.out.writeJSON(merged)
					return nil
				}
				rows := make([][]string, 0, len(merged))
				for _, r := range merged {
					var alts []string
					for _, alt := range r.Alternatives {
						alts = append(alts, alt.Source+"/"+alt.Version)
					}
					rows = append(rows, []string{r.Name, r.Version, r.Source, strings.Join(alts, ", ")})
				}
				a.out.table([]string{"NAME", "VERSION", "SOURCE", "ALTERNATIVES"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of results (0 for all)")
	cmd.Flags().BoolVar(&remote, "aur", false, "also search the source-build index")
	return cmd
}
