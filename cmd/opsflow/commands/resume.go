package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/opsflow/pkg/engine"
)

func newResumeCommand(version string) *cobra.Command {
	var (
		answer string
		values map[string]string
	)

	cmd := &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Supply missing values and continue a suspended session",
		Long: `Resume a session suspended for missing values.

Values are given either as key=value pairs with --set, or as a single answer
with --answer. A comma-separated answer is matched to the requested fields in
order; an answer of key=value pairs is matched by key. Keys that were not
requested are ignored. If values are still missing the session suspends again.`,
		Example: `  # Answer positionally
  opsflow resume 3f2a... --answer "rg-dev, eastus"

  # Answer by key
  opsflow resume 3f2a... --set resource_group_name=rg-dev --set location=eastus`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateOutputFormat(); err != nil {
				return err
			}
			sessionID := args[0]
			if strings.TrimSpace(answer) == "" && len(values) == 0 {
				return fmt.Errorf("supply values with --answer or --set")
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, version)
			if err != nil {
				return err
			}
			defer closeApp(a)

			out, err := a.sessionOperation(ctx, "resume", sessionID, func(ctx context.Context) (*engine.Outcome, error) {
				if len(values) > 0 {
					return a.orchestrator.Resume(ctx, sessionID, values)
				}
				return a.orchestrator.ResumeWithAnswer(ctx, sessionID, answer)
			})
			if err != nil {
				return fmt.Errorf("failed to resume session: %w", err)
			}
			return printOutcome(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVarP(&answer, "answer", "a", "", "comma-separated answer to the suspension prompt")
	cmd.Flags().StringToStringVar(&values, "set", nil, "value for a requested field (key=value)")

	return cmd
}
