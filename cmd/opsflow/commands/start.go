package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/opsflow/pkg/engine"
)

func newStartCommand(version string) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "start <goal>",
		Short: "Start a session for an operations goal",
		Long: `Start a new session for a natural-language goal.

The goal is checked for values it leaves open. If any are missing the session
suspends and prints the fields to supply with "opsflow resume". Otherwise the
goal is refined, planned and executed in one run.

A session that failed may be started again with the same session ID and goal.`,
		Example: `  # Start a session with a generated ID
  opsflow start "create a resource group named rg-dev in eastus"

  # Start with a chosen session ID and print the outcome as JSON
  opsflow start --session dev-rg -o json "create a resource group"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutputFormat(); err != nil {
				return err
			}
			goal := strings.Join(args, " ")

			ctx := cmd.Context()
			a, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer closeApp(a)

			log.Debug().Str("session_id", sessionID).Msg("Starting session")

			out, err := a.sessionOperation(ctx, "start", sessionID, func(ctx context.Context) (*engine.Outcome, error) {
				return a.orchestrator.Start(ctx, goal, sessionID)
			})
			if err != nil {
				return fmt.Errorf("failed to start session: %w", err)
			}
			return printOutcome(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session ID (default: generated)")

	return cmd
}

func closeApp(a *app) {
	if err := a.Close(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Failed to release resources")
	}
}
