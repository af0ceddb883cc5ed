package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/dispatch/internal/persistence"
)

func newHistoryCmd(flags *rootFlags) *cobra.Command {
	var (
		state    string
		workflow string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "history [tasks|workflows|<execution-id>]",
		Short: "Show finished tasks and workflow runs",
		Long: `List terminal task and workflow runs recorded in the storage database, or
show every step of one execution.

Filter tasks with --state and workflow runs with --workflow.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			if !cfg.Storage.Enabled {
				return fmt.Errorf("storage is disabled")
			}
			if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No history yet. Run 'dispatch run' to start.")
				return nil
			}

			ctx := cmd.Context()
			store, err := persistence.NewSQLiteStore(ctx, cfg.Storage.Path)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer store.Close()

			what := "tasks"
			if len(args) == 1 {
				what = args[0]
			}

			var result any
			switch what {
			case "tasks":
				runs, err := store.ListTaskRuns(ctx, state)
				if err != nil {
					return err
				}
				if !asJSON {
					return printTaskRuns(cmd, runs)
				}
				result = runs
			case "workflows":
				runs, err := store.ListWorkflowRuns(ctx, workflow)
				if err != nil {
					return err
				}
				if !asJSON {
					return printWorkflowRuns(cmd, runs)
				}
				result = runs
			default:
				run, err := store.GetWorkflowRun(ctx, what)
				if err != nil {
					return err
				}
				if !asJSON {
					return printWorkflowRun(cmd, run)
				}
				result = run
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only tasks in this state (completed, failed, cancelled)")
	cmd.Flags().StringVar(&workflow, "workflow", "", "Only runs of this workflow")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func printTaskRuns(cmd *cobra.Command, runs []*persistence.TaskRun) error {
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No tasks recorded.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tAGENT\tATTEMPTS\tDURATION\tFINISHED\tTITLE")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.State, dash(r.AgentID), r.Attempts, r.Duration().Round(time.Millisecond),
			formatTime(r.FinishedAt), dash(r.Title))
	}
	return w.Flush()
}

func printWorkflowRuns(cmd *cobra.Command, runs []*persistence.WorkflowRun) error {
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No workflow runs recorded.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKFLOW\tSTATE\tTRIGGERED\tFINISHED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%s\t%s\n",
			r.ID, r.WorkflowID, r.State, r.Triggered, formatTime(r.FinishedAt), dash(r.Error))
	}
	return w.Flush()
}

func printWorkflowRun(cmd *cobra.Command, run *persistence.WorkflowRun) error {
	fmt.Fprintf(cmd.OutOrStdout(), "Execution %s (%s): %s\n\n", run.ID, run.WorkflowID, run.State)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATE\tAGENT\tATTEMPTS\tDETAIL")
	for _, s := range run.Steps {
		detail := s.Error
		if detail == "" {
			detail = s.SkipReason
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", s.StepID, s.State, dash(s.AgentID), s.Attempts, dash(detail))
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
