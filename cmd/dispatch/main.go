package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/dispatch/internal/config"
	"github.com/aristath/dispatch/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	globalConfig  string
	projectConfig string
	logLevel      string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Multi-agent task orchestration engine",
		Long: `Dispatch analyses tasks, assigns them to the best-fitting agents and runs
multi-step workflows across them.

Agents, executors and workflows are configured in ~/.dispatch/config.yaml
and .dispatch/config.yaml. Environment variables prefixed with DISPATCH_
override both, for example DISPATCH_SCHEDULER_MODE=fifo.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	globalPath, err := config.GlobalPath()
	if err != nil {
		globalPath = ""
	}
	cmd.PersistentFlags().StringVar(&flags.globalConfig, "global-config", globalPath, "Global config file")
	cmd.PersistentFlags().StringVarP(&flags.projectConfig, "config", "c", config.ProjectPath(), "Project config file")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	cmd.AddCommand(
		newRunCmd(flags),
		newAnalyzeCmd(flags),
		newExecCmd(flags),
		newSubmitCmd(flags),
		newHistoryCmd(flags),
	)
	return cmd
}

// load reads configuration and applies flag overrides.
func (f *rootFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.globalConfig, f.projectConfig)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
