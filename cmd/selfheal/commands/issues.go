package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/selfheal/selfheal/pkg/models"
	"github.com/selfheal/selfheal/pkg/stores"
	"github.com/spf13/cobra"
)

func newIssuesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "Inspect detected issues",
	}
	cmd.AddCommand(newIssuesListCommand())
	cmd.AddCommand(newIssuesShowCommand())
	return cmd
}

func newIssuesListCommand() *cobra.Command {
	var (
		status   string
		category string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.IssueFilter{Limit: limit}
			if status != "" {
				s := models.IssueStatus(status)
				if !s.Valid() {
					return fmt.Errorf("unknown issue status %q", status)
				}
				filter.Status = &s
			}
			if category != "" {
				c := models.IssueCategory(category)
				if !c.Valid() {
					return fmt.Errorf("unknown issue category %q", category)
				}
				filter.Category = &c
			}

			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				issues, err := a.store.ListIssues(ctx, filter)
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(issues)
				}

				t := newTable("ID", "Category", "Title", "Confidence", "Impact", "Signals", "Status", "Workflow")
				for _, i := range issues {
					t.AppendRow([]interface{}{
						i.ID, i.Category, ellipsis(i.Title, 40), fmt.Sprintf("%.2f", i.Confidence),
						i.EstimatedImpact, len(i.SignalIDs), i.Status, strOr(i.WorkflowID, "-"),
					})
				}
				t.Render()
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&category, "category", "", "filter by category")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of issues")

	return cmd
}

func newIssuesShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <issue-id>",
		Short: "Show an issue with its reasoning chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, false, func(ctx context.Context, a *app) error {
				issue, err := a.store.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput() {
					return printJSON(issue)
				}

				printFields([][2]interface{}{
					{"ID", issue.ID},
					{"Title", issue.Title},
					{"Category", issue.Category},
					{"Status", issue.Status},
					{"Confidence", fmt.Sprintf("%.2f", issue.Confidence)},
					{"Impact", issue.EstimatedImpact},
					{"Subjects", strings.Join(issue.AffectedSubjects, ", ")},
					{"Signals", strings.Join(issue.SignalIDs, ", ")},
					{"Workflow", strOr(issue.WorkflowID, "-")},
					{"Created", formatTime(issue.CreatedAt)},
					{"Resolved", formatTimePtr(issue.ResolvedAt)},
				})
				fmt.Printf("\n%s\n\nRoot cause: %s\n\n", issue.Summary, issue.RootCause)

				t := newTable("#", "Observation", "Inference", "Confidence")
				for _, step := range issue.ReasoningChain {
					t.AppendRow([]interface{}{step.StepNumber, step.Observation, step.Inference, fmt.Sprintf("%.2f", step.Confidence)})
				}
				t.Render()
				return nil
			})
		},
	}
}
