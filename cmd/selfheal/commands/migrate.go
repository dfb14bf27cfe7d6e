package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// openApp migrates; nothing else to do.
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				if err := a.store.HealthCheck(ctx); err != nil {
					return err
				}
				printStatus("Database %s is up to date", a.cfg.Store.Path)
				return nil
			})
		},
	}
}
