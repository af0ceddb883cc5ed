package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/dispatch/internal/config"
	"github.com/aristath/dispatch/internal/orchestrator"
	"github.com/aristath/dispatch/internal/tui"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var (
		withTUI bool
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and workflow engine",
		Long: `Start the scheduler and workflow engine with the configured agents and
workflows, and keep running until interrupted.

Recurring workflows fire on their configured triggers. With --tui a live
dashboard shows task and step activity; logs then go to ~/.dispatch/logs
unless a log path is configured. With --watch, edits to the project config
are applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, flags, withTUI, watch)
		},
	}
	cmd.Flags().BoolVar(&withTUI, "tui", false, "Show the live dashboard")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Reload the project config on change")
	return cmd
}

func runRun(cmd *cobra.Command, flags *rootFlags, withTUI, watch bool) error {
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	if withTUI && cfg.Logging.Path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Logging.Path = filepath.Join(home, ".dispatch", "logs")
		}
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()
	log := logger.Component("cli")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := orchestrator.New(ctx, cfg, orchestrator.WithLogger(logger.Root()))
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			log.Warn().Err(err).Msg("closing runtime")
		}
	}()

	if watch {
		err := config.WatchProject(flags.globalConfig, flags.projectConfig, logger.Component("config"), func(next *config.Config) {
			if err := rt.ApplyConfig(next); err != nil {
				log.Warn().Err(err).Msg("config change not applied")
			}
		})
		if err != nil {
			log.Warn().Err(err).Str("path", flags.projectConfig).Msg("config watch disabled")
		}
	}

	if err := rt.Start(ctx); err != nil {
		return err
	}

	if !withTUI {
		log.Info().Msg("running; press Ctrl+C to stop")
		<-ctx.Done()
		log.Info().Msg("shutdown signal received, cleaning up")
		return rt.Stop()
	}

	p := tea.NewProgram(tui.New(rt.Bus()), tea.WithAltScreen())
	errChan := make(chan error, 1)
	go func() {
		_, err := p.Run()
		errChan <- err
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
	case <-ctx.Done():
		// Restore default signal handling so a second Ctrl+C forces exit.
		stop()
		p.Quit()

		select {
		case <-errChan:
		case <-time.After(10 * time.Second):
			log.Warn().Msg("dashboard shutdown timed out")
		}
	}
	return rt.Stop()
}
