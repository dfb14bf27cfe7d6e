package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

func newPurgeCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every signal, issue, workflow and audit entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to purge without --yes")
			}
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				res, err := a.store.Purge(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(res)
				}
				printStatus("Deleted %d signals, %d issues, %d workflows and %d audit entries",
					res.Signals, res.Issues, res.Workflows, res.AuditLogs)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")

	return cmd
}
