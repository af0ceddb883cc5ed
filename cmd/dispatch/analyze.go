package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/dispatch/internal/analysis"
	"github.com/aristath/dispatch/internal/orchestrator"
)

func newAnalyzeCmd(flags *rootFlags) *cobra.Command {
	var (
		title  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "analyze <description>",
		Short: "Analyze a task and rank the configured agents for it",
		Long: `Show the complexity, skills, domain and effort estimate derived from a
task description, followed by every configured agent ranked by fit.

Nothing is executed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			cfg.Storage.Enabled = false

			rt, err := orchestrator.New(context.Background(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()

			an, ranked := rt.Analyze(title, strings.Join(args, " "))
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Analysis analysis.TaskAnalysis      `json:"analysis"`
					Ranking  []analysis.AssignmentScore `json:"ranking"`
				}{an, ranked})
			}
			return printAnalysis(cmd, an, ranked)
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "Task title")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func printAnalysis(cmd *cobra.Command, an analysis.TaskAnalysis, ranked []analysis.AssignmentScore) error {
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Complexity:    %s (%.2f)\n", an.Complexity, an.ComplexityScore)
	fmt.Fprintf(out, "Domain:        %s\n", an.Domain)
	fmt.Fprintf(out, "Estimate:      %.1fh\n", an.EstimatedHours)
	fmt.Fprintf(out, "Collaboration: %v\n", an.NeedsCollaboration)
	fmt.Fprintf(out, "Confidence:    %.2f\n", an.Confidence)
	if len(an.Skills) > 0 {
		fmt.Fprintf(out, "Skills:        %s\n", strings.Join(an.SkillNames(), ", "))
	}
	fmt.Fprintln(out)

	if len(ranked) == 0 {
		fmt.Fprintln(out, "No available agents.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RANK\tAGENT\tSCORE\tSKILL FIT\tREASONING")
	for i, s := range ranked {
		fmt.Fprintf(w, "%d\t%s\t%.3f\t%.2f\t%s\n", i+1, s.AgentID, s.Total, s.SkillFit, s.Reasoning)
	}
	return w.Flush()
}
