package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/dispatch/internal/analysis"
	"github.com/aristath/dispatch/internal/orchestrator"
	"github.com/aristath/dispatch/internal/scheduler"
)

func newSubmitCmd(flags *rootFlags) *cobra.Command {
	var (
		title     string
		priority  string
		types     []string
		resources []string
		retries   int
		estimate  time.Duration
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit <description>",
		Short: "Submit one task and wait for its result",
		Long: `Queue a task with the scheduler, let it pick the best agent and print the
result once the task finishes.

Use --type to restrict the agent types that may take the task and
--resource to claim exclusive resources while it runs.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, err := analysis.ParsePriority(priority)
			if err != nil {
				return err
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Close() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			rt, err := orchestrator.New(ctx, cfg, orchestrator.WithLogger(logger.Root()))
			if err != nil {
				return err
			}
			defer func() { _ = rt.Close() }()
			if err := rt.Start(ctx); err != nil {
				return err
			}

			sub := scheduler.Submission{
				Title:             title,
				Description:       strings.Join(args, " "),
				Priority:          prio,
				AgentTypes:        types,
				Resources:         resources,
				EstimatedDuration: estimate,
			}
			if cmd.Flags().Changed("retries") {
				sub.MaxRetries = scheduler.Retries(retries)
			}
			id, err := rt.Scheduler().Submit(sub)
			if err != nil {
				return err
			}

			task, err := waitTask(ctx, rt.Scheduler(), id)
			if err != nil {
				rt.Scheduler().Cancel(id)
				return fmt.Errorf("waiting for task %s: %w", id, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Task %s %s on %s after %d attempt(s)\n", task.ID, task.State, task.AgentID, task.Attempts)
			if task.Result != "" {
				fmt.Fprintf(out, "\n%s\n", task.Result)
			}
			if task.State != scheduler.StateCompleted {
				return fmt.Errorf("task %s %s: %s", task.ID, task.State, task.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "Task title")
	cmd.Flags().StringVarP(&priority, "priority", "p", "medium", "Priority (low, medium, high, urgent)")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Acceptable agent types (repeatable)")
	cmd.Flags().StringSliceVar(&resources, "resource", nil, "Exclusive resource keys (repeatable)")
	cmd.Flags().IntVar(&retries, "retries", 0, "Maximum retries (default from config)")
	cmd.Flags().DurationVar(&estimate, "estimate", 0, "Expected duration, used for the attempt timeout")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits indefinitely)")
	return cmd
}

// waitTask polls until the task reaches a terminal state.
func waitTask(ctx context.Context, s *scheduler.Scheduler, id string) (scheduler.Task, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		task, err := s.TaskStatus(id)
		if err != nil {
			return scheduler.Task{}, err
		}
		if task.State.Terminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}
