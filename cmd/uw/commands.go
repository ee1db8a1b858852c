package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"underwriter/internal/domain"
	"underwriter/internal/repo"
	underwritersdk "underwriter/sdk/go"
)

func runsCmd() *cobra.Command {
	runs := &cobra.Command{
		Use:   "runs",
		Short: "Start and inspect workflow runs on a running server",
	}
	runs.AddCommand(runsStartCmd())
	runs.AddCommand(runsShowCmd())
	runs.AddCommand(runsListCmd())
	runs.AddCommand(runsResultsCmd())
	runs.AddCommand(runsDecisionCmd())
	runs.AddCommand(runsCancelCmd())
	return runs
}

func runsStartCmd() *cobra.Command {
	var req underwritersdk.StartRequest
	var input string
	var wait bool
	var poll time.Duration
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a workflow run",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(input)
			if err != nil {
				return err
			}
			req.InputData = data
			c := newClient()
			ctx := cmd.Context()
			started, err := c.StartWorkflow(ctx, req)
			if err != nil {
				return err
			}
			if !wait {
				if viper.GetBool("json") {
					return printJSON(started)
				}
				fmt.Printf("started %s (attempt %d)\n", started.RunID, started.Attempt)
				return nil
			}
			run, err := waitForRun(ctx, c, started.RunID, poll)
			if err != nil {
				return err
			}
			return printWorkflow(run)
		},
	}
	cmd.Flags().StringVar(&req.RunID, "run-id", "", "run identifier")
	cmd.Flags().StringVar(&req.SubjectID, "subject-id", "", "application subject id")
	cmd.Flags().StringVar(&req.CaseRef, "case-ref", "", "loan case reference")
	cmd.Flags().StringVar(&input, "input", "", "application data as JSON, or @file")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait until the run is completed or failed")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "poll interval with --wait")
	_ = cmd.MarkFlagRequired("run-id")
	_ = cmd.MarkFlagRequired("subject-id")
	_ = cmd.MarkFlagRequired("case-ref")
	return cmd
}

func runsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run_id>",
		Short: "Show a run's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := newClient().GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printWorkflow(run)
		},
	}
}

func runsListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := newClient().ListWorkflows(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(runs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Run", "Case", "Status", "Progress", "Stage", "Attempt", "Started"})
			for _, r := range runs {
				tw.AppendRow(table.Row{r.RunID, r.CaseRef, r.Status, fmt.Sprintf("%d%%", r.ProgressPercent), r.ActiveStage, r.Attempt, r.StartedAt})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max runs")
	return cmd
}

func runsResultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <run_id>",
		Short: "Show stage results in completion order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := newClient().Results(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(results)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Stage", "Recommendation", "Confidence", "Risks", "Tokens", "Time (ms)"})
			for _, r := range results {
				tw.AppendRow(table.Row{r.Stage, r.Recommendation, fmt.Sprintf("%.2f", r.ConfidenceScore), len(r.RiskFactors), r.TokensUsed, r.ProcessingTimeMS})
			}
			tw.Render()
			return nil
		},
	}
}

func runsDecisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decision <run_id>",
		Short: "Show the final decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newClient().Decision(cmd.Context(), args[0])
			if underwritersdk.IsCode(err, "not_decided") {
				return fmt.Errorf("run %s has no decision yet", args[0])
			}
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(d)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendRows([]table.Row{
				{"Decision", d.Decision},
				{"Risk score", d.RiskScore},
				{"Confidence", fmt.Sprintf("%.2f", d.Confidence)},
				{"Human review", d.RequiresHumanReview},
				{"Conditions", strings.Join(d.Conditions, "; ")},
				{"Summary", d.ExecutiveSummary},
				{"Decided at", d.DecidedAt},
			})
			tw.Render()
			if d.DecisionMemo != "" {
				fmt.Println()
				fmt.Println(d.DecisionMemo)
			}
			return nil
		},
	}
}

func runsCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run_id>",
		Short: "Cancel a running workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().CancelWorkflow(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("cancelling", args[0])
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	agents := &cobra.Command{
		Use:   "agents",
		Short: "Inspect the communication hub roster",
	}
	agents.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newClient().ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			return printAgents(list)
		},
	})
	agents.AddCommand(&cobra.Command{
		Use:   "find <capability>",
		Short: "Find online agents with a capability",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := newClient().FindAgents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printAgents(list)
		},
	})
	return agents
}

func auditCmd() *cobra.Command {
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit trail from the workspace database",
	}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printEvents(evts)
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.RunID, "run", "", "run id filter")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	audit.AddCommand(tail)
	return audit
}

// --- output ---

func printWorkflow(run underwritersdk.Workflow) error {
	if viper.GetBool("json") {
		return printJSON(run)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	rows := []table.Row{
		{"Run", run.RunID},
		{"Case", run.CaseRef},
		{"Subject", run.SubjectID},
		{"Status", run.Status},
		{"Progress", fmt.Sprintf("%d%%", run.ProgressPercent)},
		{"Active stage", run.ActiveStage},
		{"Completed", strings.Join(run.CompletedStages, ", ")},
		{"Attempt", run.Attempt},
		{"Started", run.StartedAt},
	}
	if run.CompletedAt != nil {
		rows = append(rows, table.Row{"Finished", *run.CompletedAt})
	}
	if run.Decision != nil {
		rows = append(rows, table.Row{"Decision", fmt.Sprintf("%s (risk %d)", run.Decision.Decision, run.Decision.RiskScore)})
	}
	if run.Error != "" {
		rows = append(rows, table.Row{"Error", run.Error})
	}
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func printAgents(list []underwritersdk.Agent) error {
	if viper.GetBool("json") {
		return printJSON(list)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "Capabilities", "Last seen"})
	for _, a := range list {
		tw.AppendRow(table.Row{a.ID, a.DisplayName, a.Status, strings.Join(a.Capabilities, ", "), a.LastSeen})
	}
	tw.Render()
	return nil
}

func printEvents(evts []domain.AuditEvent) error {
	if viper.GetBool("json") {
		return printJSON(evts)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Time", "Type", "Run", "Stage", "Description"})
	for _, e := range evts {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.RunID, e.Stage, e.Description})
	}
	tw.Render()
	return nil
}

// readInput accepts inline JSON or @path.
func readInput(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	data := []byte(raw)
	if strings.HasPrefix(raw, "@") {
		b, err := os.ReadFile(strings.TrimPrefix(raw, "@"))
		if err != nil {
			return nil, err
		}
		data = b
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return out, nil
}

func waitForRun(ctx context.Context, c *underwritersdk.Client, runID string, every time.Duration) (underwritersdk.Workflow, error) {
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		run, err := c.GetWorkflow(ctx, runID)
		if err != nil {
			return run, err
		}
		if run.Status == domain.StatusCompleted || run.Status == domain.StatusFailed {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}
