package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/dispatch/internal/analysis"
	"github.com/aristath/dispatch/internal/backend"
	"github.com/aristath/dispatch/internal/logging"
	"github.com/aristath/dispatch/internal/scheduler"
	"github.com/aristath/dispatch/internal/workflow"
)

// StorageConfig controls the SQLite reporting sink.
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"` // "~/" is expanded
}

// Config is the top-level configuration.
//
// Agents are a list and replace each other wholesale across layers; executors
// and workflows are maps and merge by key. Viper folds map keys to lower case,
// so workflow ids and executor types taken from keys are lower case too.
type Config struct {
	Scheduler scheduler.Config                 `mapstructure:"scheduler" yaml:"scheduler"`
	Workflow  workflow.Config                  `mapstructure:"workflow" yaml:"workflow"`
	Scoring   analysis.Weights                 `mapstructure:"scoring" yaml:"scoring"`
	Breaker   backend.BreakerConfig            `mapstructure:"breaker" yaml:"breaker"`
	Logging   logging.Config                   `mapstructure:"logging" yaml:"logging"`
	Storage   StorageConfig                    `mapstructure:"storage" yaml:"storage"`
	Agents    []scheduler.AgentConfig          `mapstructure:"agents" yaml:"agents"`
	Executors map[string]backend.CommandConfig `mapstructure:"executors" yaml:"executors"`
	Workflows map[string]workflow.Definition   `mapstructure:"workflows" yaml:"workflows"`
}

// Validate checks the settings that are not validated by the engines
// themselves at registration time.
func (c *Config) Validate() error {
	var errs []error
	if _, err := scheduler.ParseMode(c.Scheduler.Mode); err != nil {
		errs = append(errs, err)
	}
	if err := c.Scoring.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.Enabled && strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, errors.New("storage is enabled but has no path"))
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		switch {
		case a.ID == "":
			errs = append(errs, fmt.Errorf("agents[%d]: empty id", i))
		case seen[a.ID]:
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
		case a.Type == "":
			errs = append(errs, fmt.Errorf("agent %q: empty type", a.ID))
		}
		seen[a.ID] = true
	}
	for agentType, cmd := range c.Executors {
		if strings.TrimSpace(cmd.Command) == "" {
			errs = append(errs, fmt.Errorf("executor %q: empty command", agentType))
		}
	}
	return errors.Join(errs...)
}

// WorkflowDefinitions returns the configured workflows ordered by id. A
// definition without an id takes its map key.
func (c *Config) WorkflowDefinitions() []workflow.Definition {
	keys := make([]string, 0, len(c.Workflows))
	for k := range c.Workflows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	defs := make([]workflow.Definition, 0, len(keys))
	for _, k := range keys {
		def := c.Workflows[k]
		if def.ID == "" {
			def.ID = k
		}
		defs = append(defs, def)
	}
	return defs
}
