package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	verbose      bool
	outputFormat string
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "opsflow",
		Short: "opsflow - goal-driven cloud operations",
		Long: `opsflow turns a natural-language operations goal into a plan of cli, shell,
code and research tasks and runs it.

A session asks for any values the goal leaves open (names, locations, sizes),
suspends until they are supplied, then refines the goal, plans tasks that
never destroy resources, and executes them. Sessions are persisted, so a
suspended session can be resumed later from another process.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./opsflow.cue)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json or yaml")

	rootCmd.AddCommand(newStartCommand(version))
	rootCmd.AddCommand(newResumeCommand(version))
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newSessionsCommand())
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
