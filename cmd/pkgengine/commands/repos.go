package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pkgengine/pkgengine/pkg/repo"
)

func newReposCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "repos",
		Aliases: []string{"sources"},
		Short:   "List, enable and disable package sources",
		Long: `Package sources are discovered from the package manager configuration.
Disabling a source is soft: it stays configured and cached, but its packages
are no longer offered.`,
	}

	cmd.AddCommand(newReposListCommand())
	cmd.AddCommand(newReposToggleCommand("enable", true))
	cmd.AddCommand(newReposToggleCommand("disable", false))
	cmd.AddCommand(newReposFeatureCommand())
	cmd.AddCommand(newReposWatchCommand())
	return cmd
}

func newReposListCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sources in priority order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				ranker := a.registry.Ranker()
				sources := a.registry.Ordered()
				if !all {
					sources = a.registry.Enabled()
				}

				if jsonOutput {
					a.out.writeJSON(sources)
					return nil
				}
				rows := make([][]string, 0, len(sources))
				for _, s := range sources {
					rows = append(rows, []string{
						strconv.Itoa(ranker.Rank(s)),
						s.Name,
						string(s.Class),
						strconv.FormatBool(s.Enabled),
					})
				}
				a.out.printf("strategy: %s, cpu: %s\n", ranker.Strategy, a.features.Level())
				a.out.table([]string{"RANK", "NAME", "CLASS", "ENABLED"}, rows)
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include disabled sources")
	return cmd
}

func newReposToggleCommand(verb string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " NAME...",
		Short: fmt.Sprintf("%s package sources", map[bool]string{true: "Enable", false: "Disable"}[enable]),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				for _, name := range args {
					var err error
					if enable {
						err = a.registry.Enable(name)
					} else {
						err = a.registry.Disable(name)
					}
					if err != nil {
						return err
					}
					a.out.done(fmt.Sprintf("%s %sd", name, verb))
				}
				return nil
			})
		},
	}
}

func newReposFeatureCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "feature [NAME on|off]",
		Short: "Show or set persisted feature flags",
		Long: `Without arguments, list every feature flag. With a name and on or off,
set the flag and persist it with the source settings.

Features:
  sync_first   refresh package databases before every install
  search_aur   include the source-build index in every search`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 2 {
				return fmt.Errorf("expected no arguments or NAME on|off")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				if len(args) == 0 {
					flags := make(map[string]bool, len(repo.KnownFeatures))
					rows := make([][]string, 0, len(repo.KnownFeatures))
					for _, name := range repo.KnownFeatures {
						on := a.registry.Feature(name)
						flags[name] = on
						rows = append(rows, []string{name, strconv.FormatBool(on)})
					}
					if jsonOutput {
						a.out.writeJSON(flags)
						return nil
					}
					a.out.table([]string{"FEATURE", "ON"}, rows)
					return nil
				}

				on, err := parseSwitch(args[1])
				if err != nil {
					return err
				}
				if err := a.registry.SetFeature(args[0], on); err != nil {
					return err
				}
				a.out.done(fmt.Sprintf("%s set to %s", args[0], args[1]))
				return nil
			})
		},
	}
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func newReposWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Track package manager configuration changes until interrupted",
		Long: `Watch the package manager configuration and merge added or removed
sources into the saved settings as soon as the file changes. New sources are
enabled; known sources keep their enabled flag.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app) error {
				a.out.printf("Watching %s\n", a.cfg.PacmanConf)
				if err := a.registry.Watch(cmd.Context(), a.cfg.PacmanConf); err != nil {
					return err
				}
				a.out.done(fmt.Sprintf("%d source(s) registered", len(a.registry.Sources())))
				return nil
			})
		},
	}
}
