package config

import (
	"time"

	"github.com/aristath/dispatch/internal/analysis"
	"github.com/aristath/dispatch/internal/backend"
	"github.com/aristath/dispatch/internal/logging"
	"github.com/aristath/dispatch/internal/scheduler"
	"github.com/aristath/dispatch/internal/workflow"
)

// DefaultConfig returns the default configuration with built-in agents,
// executors and the standard implement, review, test workflow.
func DefaultConfig() *Config {
	claude := backend.CommandConfig{Command: "claude", Args: []string{"-p"}}
	return &Config{
		Scheduler: scheduler.DefaultConfig(),
		Workflow:  workflow.DefaultConfig(),
		Scoring:   analysis.DefaultWeights(),
		Breaker:   backend.DefaultBreakerConfig(),
		Logging:   logging.DefaultConfig(),
		Storage: StorageConfig{
			Enabled: true,
			Path:    "~/.dispatch/dispatch.db",
		},
		Agents: []scheduler.AgentConfig{
			{
				ID:          "coder-1",
				Type:        "coder",
				MaxCapacity: 2,
				Skills:      map[string]float64{"backend": 0.8, "frontend": 0.7, "api": 0.7, "database": 0.6},
			},
			{
				ID:          "reviewer-1",
				Type:        "reviewer",
				MaxCapacity: 2,
				Skills:      map[string]float64{"security": 0.7, "performance": 0.6, "documentation": 0.6},
			},
			{
				ID:          "tester-1",
				Type:        "tester",
				MaxCapacity: 2,
				Skills:      map[string]float64{"testing": 0.9},
			},
		},
		Executors: map[string]backend.CommandConfig{
			"coder":    claude,
			"reviewer": claude,
			"tester":   claude,
		},
		Workflows: map[string]workflow.Definition{
			"standard": {
				ID:   "standard",
				Name: "Implement, review and test",
				Steps: []workflow.StepDefinition{
					{
						ID:        "implement",
						AgentType: "coder",
						Template:  "Implement the following change:\n{{.Context.task}}",
					},
					{
						ID:        "review",
						AgentType: "reviewer",
						Template:  "Review this implementation of {{.Context.task}}:\n{{.Context.implement}}",
						DependsOn: []string{"implement"},
					},
					{
						ID:        "test",
						AgentType: "tester",
						Template:  "Write and run tests for {{.Context.task}}:\n{{.Context.implement}}",
						DependsOn: []string{"implement"},
						Retries:   1,
					},
				},
				Timeout: 2 * time.Hour,
			},
		},
	}
}
