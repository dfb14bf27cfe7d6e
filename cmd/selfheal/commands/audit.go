package commands

import (
	"context"
	"fmt"

	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/spf13/cobra"
)

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	cmd.AddCommand(newAuditListCommand())
	return cmd
}

func newAuditListCommand() *cobra.Command {
	var (
		eventType  string
		workflowID string
		issueID    string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List audit entries, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.AuditFilter{Limit: limit}
			if eventType != "" {
				et := models.AuditEventType(eventType)
				if !et.Valid() {
					return fmt.Errorf("unknown audit event type %q", eventType)
				}
				filter.EventType = &et
			}
			if workflowID != "" {
				filter.WorkflowID = &workflowID
			}
			if issueID != "" {
				filter.IssueID = &issueID
			}

			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				entries, err := a.store.ListAudit(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(entries)
				}

				t := newTable("Time", "Event", "Actor", "Action", "Description", "OK")
				for _, e := range entries {
					t.AppendRow([]interface{}{formatTime(e.Timestamp), e.EventType, e.Actor, e.Action, ellipsis(e.Description, 60), e.Success})
				}
				t.Render()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&eventType, "event-type", "", "filter by event type")
	cmd.Flags().StringVar(&workflowID, "workflow", "", "filter by workflow id")
	cmd.Flags().StringVar(&issueID, "issue", "", "filter by issue id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")

	return cmd
}
