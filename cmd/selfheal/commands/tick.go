package commands

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

func newTickCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single control loop tick",
		Long: `Run one observe, reason, decide and act pass against the store.
Approved workflows execute inline, so the command returns once they have
finished. Useful without a running server, e.g. from cron.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				if _, err := a.engine.Loop.Recover(ctx); err != nil {
					return err
				}
				result, err := a.engine.Loop.Tick(ctx)
				if err != nil {
					return err
				}

				if jsonOutput() {
					return printJSON(result)
				}
				printFields([][2]interface{}{
					{"Clusters", result.Clusters},
					{"Issues", strings.Join(result.Issues, ", ")},
					{"Workflows", strings.Join(result.Workflows, ", ")},
					{"Executed", strings.Join(result.Executed, ", ")},
					{"Failures", result.Failures},
				})
				return nil
			})
		},
	}
}
