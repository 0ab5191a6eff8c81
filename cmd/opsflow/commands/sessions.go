package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/opsflow/pkg/engine"
	"github.com/openfroyo/opsflow/pkg/stores"
)

func newSessionsCommand() *cobra.Command {
	var (
		state string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		Example: `  # List the most recent sessions
  opsflow sessions

  # List sessions waiting for values
  opsflow sessions --state SUSPENDED_FOR_HUMAN`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutputFormat(); err != nil {
				return err
			}
			ctx := cmd.Context()

			filter := engine.SessionState(state)
			if state != "" {
				if err := filter.Validate(); err != nil {
					return err
				}
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListRecords(ctx, stores.ListOptions{State: filter, Limit: limit})
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}
			return printSessions(cmd.OutOrStdout(), list)
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only sessions in this state")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of sessions (0 for all)")

	return cmd
}
