package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/dispatch/internal/config"
	"github.com/aristath/dispatch/internal/orchestrator"
	"github.com/aristath/dispatch/internal/workflow"
)

func newExecCmd(flags *rootFlags) *cobra.Command {
	var (
		file    string
		vars    []string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec [workflow-id]",
		Short: "Execute one workflow and wait for it",
		Long: `Run a configured workflow, or one loaded from --file, to completion and
print each step's outcome.

Variables given with --var key=value are available to step templates as
{{.Context.key}}. The command exits non-zero when the execution fails.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (len(args) == 0) {
				return fmt.Errorf("give either a workflow id or --file")
			}
			initial, err := parseVars(vars)
			if err != nil {
				return err
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}

			var workflowID string
			if file != "" {
				def, err := config.LoadWorkflowFile(file)
				if err != nil {
					return err
				}
				def.Trigger = nil
				if cfg.Workflows == nil {
					cfg.Workflows = make(map[string]workflow.Definition)
				}
				cfg.Workflows[def.ID] = def
				workflowID = def.ID
			} else {
				workflowID = args[0]
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := orchestrator.New(ctx, cfg, orchestrator.WithLogger(logger.Root()))
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			if err := rt.Start(ctx); err != nil {
				return err
			}

			execID, err := rt.Workflows().Execute(workflowID, initial)
			if err != nil {
				return err
			}

			waitCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				waitCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			exec, err := rt.Workflows().Wait(waitCtx, execID)
			if err != nil {
				_ = rt.Workflows().Cancel(execID)
				return fmt.Errorf("waiting for %s: %w", execID, err)
			}

			printExecution(cmd, exec)
			if exec.State != workflow.ExecutionCompleted {
				return fmt.Errorf("workflow %s %s: %s", workflowID, exec.State, exec.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Workflow definition file (YAML)")
	cmd.Flags().StringArrayVar(&vars, "var", nil, "Initial context variable as key=value (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up waiting after this long (0 waits indefinitely)")
	return cmd
}

// parseVars turns key=value pairs into an initial workflow context.
func parseVars(pairs []string) (map[string]any, error) {
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q: want key=value", p)
		}
		vars[k] = v
	}
	return vars, nil
}

func printExecution(cmd *cobra.Command, exec workflow.Execution) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Execution %s (%s): %s\n", exec.ID, exec.WorkflowID, exec.State)
	for _, s := range exec.Steps {
		line := fmt.Sprintf("  %-10s %-12s", s.State, s.ID)
		switch {
		case s.AgentID != "":
			line += " " + s.AgentID
		case s.SkipReason != "":
			line += " (" + s.SkipReason + ")"
		}
		if d := s.Duration(); d > 0 {
			line += fmt.Sprintf(" %v", d.Round(time.Millisecond))
		}
		fmt.Fprintln(out, strings.TrimRight(line, " "))
		if s.Error != "" {
			fmt.Fprintf(out, "             error: %s\n", s.Error)
		}
	}

	if len(exec.Results) == 0 {
		return
	}
	ids := make([]string, 0, len(exec.Results))
	for id := range exec.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintln(out)
	for _, id := range ids {
		fmt.Fprintf(out, "[%s]\n%s\n\n", id, exec.Results[id])
	}
}
