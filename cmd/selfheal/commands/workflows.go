package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/selfheal/selfheal/pkg/engine"
	"github.com/selfheal/selfheal/pkg/models"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newWorkflowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflows",
		Aliases: []string{"wf"},
		Short:   "Review, approve and run remediation workflows",
		Long: `Workflows are drafted by the control loop for every detected issue.
High risk or low confidence workflows wait in pending_approval until enough
distinct users approve them; a single rejection sends them back to draft.`,
	}

	cmd.PersistentFlags().StringP("user", "u", os.Getenv("USER"), "acting user")
	_ = viper.BindPFlag("user", cmd.PersistentFlags().Lookup("user"))

	cmd.AddCommand(newWorkflowsListCommand())
	cmd.AddCommand(newWorkflowsShowCommand())
	cmd.AddCommand(newWorkflowsPendingCommand())
	cmd.AddCommand(newWorkflowsApproveCommand())
	cmd.AddCommand(newWorkflowsRejectCommand())
	cmd.AddCommand(newWorkflowsSubmitCommand())
	cmd.AddCommand(newWorkflowsPauseCommand())
	cmd.AddCommand(newWorkflowsResumeCommand())
	cmd.AddCommand(newWorkflowsRollbackCommand())
	cmd.AddCommand(newWorkflowsExecuteCommand())
	cmd.AddCommand(newWorkflowsStatsCommand())
	return cmd
}

// actor returns the acting user, which approval decisions require.
func actor() (string, error) {
	user := viper.GetString("user")
	if user == "" {
		return "", errors.New("acting user is required, set --user or SELFHEAL_USER")
	}
	return user, nil
}

func printWorkflows(workflows []*models.Workflow) error {
	if jsonOutput() {
		return printJSON(workflows)
	}
	t := newTable("ID", "Name", "Status", "Risk", "Approvals", "Steps", "Created")
	for _, wf := range workflows {
		approvals := "-"
		if wf.RequiresApproval {
			approvals = fmt.Sprintf("%d/%d", len(wf.Approvals), wf.ApprovalCountRequired)
		}
		t.AppendRow([]interface{}{wf.ID, ellipsis(wf.Name, 40), wf.Status, wf.OverallRisk, approvals, len(wf.Steps), formatTime(wf.CreatedAt)})
	}
	t.Render()
	return nil
}

func printWorkflow(wf *models.Workflow) error {
	if jsonOutput() {
		return printJSON(wf)
	}

	printFields([][2]interface{}{
		{"ID", wf.ID},
		{"Name", wf.Name},
		{"Issue", wf.IssueID},
		{"Status", wf.Status},
		{"Risk", wf.OverallRisk},
		{"Approvals", fmt.Sprintf("%d/%d", len(wf.Approvals), wf.ApprovalCountRequired)},
		{"Current step", wf.CurrentStep},
		{"Created", formatTime(wf.CreatedAt)},
		{"Completed", formatTimePtr(wf.CompletedAt)},
	})

	steps := newTable("#", "Name", "Action", "Risk", "Status", "Error")
	for _, s := range wf.Steps {
		steps.AppendRow([]interface{}{s.ID, s.Name, s.ActionType, s.RiskLevel, s.Status, strOr(s.Error, "")})
	}
	steps.Render()

	if len(wf.Approvals) > 0 || len(wf.Rejections) > 0 {
		decisions := newTable("Decision", "User", "Time", "Note")
		for _, ap := range wf.Approvals {
			decisions.AppendRow([]interface{}{"approved", ap.User, formatTime(ap.Timestamp), ap.Comment})
		}
		for _, rj := range wf.Rejections {
			decisions.AppendRow([]interface{}{"rejected", rj.User, formatTime(rj.Timestamp), rj.Reason})
		}
		decisions.Render()
	}
	return nil
}

func printApproval(state *engine.ApprovalState) error {
	if jsonOutput() {
		return printJSON(state)
	}
	printStatus("Workflow %s is %s (%d/%d approvals)", state.WorkflowID, state.Status, state.Approvals, state.Required)
	return nil
}

func printReport(report *engine.ExecutionReport) error {
	if jsonOutput() {
		return printJSON(report)
	}
	t := newTable("#", "Step", "Action", "Success")
	for _, r := range report.Results {
		t.AppendRow([]interface{}{r.StepID, r.Name, r.ActionType, r.Success})
	}
	t.Render()
	if report.Success {
		printStatus("Workflow %s %s in %s", report.WorkflowID, report.Status, report.Duration)
	} else {
		printStatus("Workflow %s %s: %s", report.WorkflowID, report.Status, report.Error)
	}
	return nil
}

// execute runs an approved workflow on the calling goroutine.
func execute(ctx context.Context, a *app, id string) error {
	report, ran, err := a.engine.Pool.Run(ctx, id)
	if err != nil {
		return err
	}
	if !ran {
		return fmt.Errorf("workflow %s is already executing", id)
	}
	return printReport(report)
}

func newWorkflowsListCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *models.WorkflowStatus
			if status != "" {
				s := models.WorkflowStatus(status)
				if !s.Valid() {
					return fmt.Errorf("unknown workflow status %q", status)
				}
				filter = &s
			}
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				workflows, err := a.engine.Workflows.List(ctx, filter, limit)
				if err != nil {
					return err
				}
				return printWorkflows(workflows)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of workflows")

	return cmd
}

func newWorkflowsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a workflow with its steps and decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				wf, err := a.engine.Workflows.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printWorkflow(wf)
			})
		},
	}
}

func newWorkflowsPendingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List workflows waiting for approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				workflows, err := a.engine.Decider.Pending(ctx)
				if err != nil {
					return err
				}
				return printWorkflows(workflows)
			})
		},
	}
}

func newWorkflowsApproveCommand() *cobra.Command {
	var (
		comment   string
		noExecute bool
	)

	cmd := &cobra.Command{
		Use:   "approve <workflow-id>",
		Short: "Approve a pending workflow",
		Long: `Record an approval. Once the required number of distinct users has
approved, the workflow is executed immediately unless --no-execute is set;
the server's control loop picks it up otherwise.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				state, err := a.engine.Decider.Approve(ctx, args[0], user, comment)
				if err != nil {
					return err
				}
				if err := printApproval(state); err != nil {
					return err
				}
				if !state.Approved || noExecute {
					return nil
				}
				return execute(ctx, a, state.WorkflowID)
			})
		},
	}

	cmd.Flags().StringVarP(&comment, "comment", "m", "", "approval comment")
	cmd.Flags().BoolVar(&noExecute, "no-execute", false, "do not execute once approved")

	return cmd
}

func newWorkflowsRejectCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <workflow-id>",
		Short: "Reject a workflow back to draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				state, err := a.engine.Decider.Reject(ctx, args[0], user, reason)
				if err != nil {
					return err
				}
				return printApproval(state)
			})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "", "rejection reason")

	return cmd
}

func newWorkflowsSubmitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <workflow-id>",
		Short: "Submit a draft workflow for a new approval round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				state, err := a.engine.Decider.Resubmit(ctx, args[0], user)
				if err != nil {
					return err
				}
				return printApproval(state)
			})
		},
	}
}

func newWorkflowsPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <workflow-id>",
		Short: "Pause a running workflow at its next step boundary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				wf, err := a.engine.Workflows.Pause(ctx, args[0], user)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(wf)
				}
				printStatus("Workflow %s is %s", wf.ID, wf.Status)
				return nil
			})
		},
	}
}

func newWorkflowsResumeCommand() *cobra.Command {
	var noExecute bool

	cmd := &cobra.Command{
		Use:   "resume <workflow-id>",
		Short: "Resume a paused workflow from its first unfinished step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				wf, err := a.engine.Workflows.Resume(ctx, args[0], user)
				if err != nil {
					return err
				}
				if noExecute {
					if jsonOutput() {
						return printJSON(wf)
					}
					printStatus("Workflow %s is %s", wf.ID, wf.Status)
					return nil
				}
				return execute(ctx, a, wf.ID)
			})
		},
	}

	cmd.Flags().BoolVar(&noExecute, "no-execute", false, "only mark the workflow approved")

	return cmd
}

func newWorkflowsRollbackCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "rollback <workflow-id>",
		Short: "Roll back a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				wf, err := a.engine.Executor.Rollback(ctx, args[0], reason, user)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(wf)
				}
				printStatus("Workflow %s is %s", wf.ID, wf.Status)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&reason, "reason", "r", "Manual rollback", "rollback reason")

	return cmd
}

func newWorkflowsExecuteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <workflow-id>",
		Short: "Execute an approved workflow now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				return execute(ctx, a, args[0])
			})
		},
	}
}

func newWorkflowsStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count workflows by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, true, func(ctx context.Context, a *app) error {
				stats, err := a.engine.Workflows.Stats(ctx)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(stats)
				}
				t := newTable("Status", "Count")
				for _, k := range sortedKeys(stats.ByStatus) {
					t.AppendRow([]interface{}{k, stats.ByStatus[k]})
				}
				t.AppendFooter([]interface{}{"total", stats.Total})
				t.Render()
				return nil
			})
		},
	}
}
