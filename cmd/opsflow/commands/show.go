package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/opsflow/pkg/stores"
)

func newShowCommand() *cobra.Command {
	var (
		events bool
		level  string
	)

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a stored session",
		Long: `Show the execution record of a session: its state, the values supplied so
far, the task plan and every task and command outcome.

With --events the session's audit log is printed instead.`,
		Example: `  # Show a session as text
  opsflow show 3f2a...

  # Dump the full record as YAML
  opsflow show 3f2a... -o yaml

  # List error events only
  opsflow show 3f2a... --events --level error`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutputFormat(); err != nil {
				return err
			}
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			if events {
				list, err := store.ListEvents(ctx, stores.EventFilter{SessionID: args[0], Level: level})
				if err != nil {
					return fmt.Errorf("failed to list events: %w", err)
				}
				return printEvents(cmd.OutOrStdout(), list)
			}

			rec, err := store.GetRecord(ctx, args[0])
			if err != nil {
				return err
			}
			return printRecord(cmd.OutOrStdout(), rec)
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "print the session's events")
	cmd.Flags().StringVar(&level, "level", "", "only events of this level (info, warning, error)")

	return cmd
}
