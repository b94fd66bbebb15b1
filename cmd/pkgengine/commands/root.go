package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
	noColor    bool
)

// Execute runs the root command. A failure is printed to stderr before it
// is returned.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		newRenderer(os.Stderr, noColor, jsonOutput).failed(err)
		return err
	}
	return nil
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pkgengine",
		Short: "Install, remove and upgrade packages across ranked sources",
		Long: `pkgengine manages packages from the official repositories, hardware-optimized
repository tiers, community repositories and source builds.

The best-ranked enabled source wins for every package. Package transactions
run in a privileged helper started through the system privilege broker; one
privileged operation runs at a time.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newUninstallCommand())
	rootCmd.AddCommand(newUpgradeCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newSearchCommand())
	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newUnlockCommand())
	rootCmd.AddCommand(newReposCommand())
	rootCmd.AddCommand(newConfigCommand())

	return rootCmd
}
