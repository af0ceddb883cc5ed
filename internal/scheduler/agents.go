package scheduler

import (
	"fmt"
	"sort"
	"time"

	"github.com/aristath/dispatch/internal/analysis"
)

const (
	performanceAlpha     = 0.2
	failureSample        = 0.2
	noEstimateSample     = 1.2
	maxSpecializationFit = 0.3
)

// AgentConfig describes an agent at registration time.
type AgentConfig struct {
	ID                   string             `mapstructure:"id" yaml:"id"`
	Type                 string             `mapstructure:"type" yaml:"type"`
	MaxCapacity          int                `mapstructure:"max_capacity" yaml:"max_capacity"`
	Skills               map[string]float64 `mapstructure:"skills" yaml:"skills,omitempty"`
	SpecializationScores map[string]float64 `mapstructure:"specialization" yaml:"specialization,omitempty"`
}

// Agent is a point-in-time copy of an agent's record.
type Agent struct {
	ID                   string
	Type                 string
	MaxCapacity          int
	CurrentLoad          int
	AssignedTasks        []string
	Skills               map[string]float64
	SpecializationScores map[string]float64
	PerformanceScore     float64
	LastCompletion       time.Time
	Completed            int
	Failed               int
	BusyTime             time.Duration
	RegisteredAt         time.Time
}

// Utilization is CurrentLoad / MaxCapacity.
func (a Agent) Utilization() float64 {
	if a.MaxCapacity <= 0 {
		return 0
	}
	return float64(a.CurrentLoad) / float64(a.MaxCapacity)
}

type agentEntry struct {
	Agent
	assigned map[string]bool
}

func newAgentEntry(cfg AgentConfig, now time.Time) (*agentEntry, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidAgent)
	}
	if cfg.Type == "" {
		return nil, fmt.Errorf("%w: agent %s has no type", ErrInvalidAgent, cfg.ID)
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 1
	}
	return &agentEntry{
		Agent: Agent{
			ID:                   cfg.ID,
			Type:                 cfg.Type,
			MaxCapacity:          cfg.MaxCapacity,
			Skills:               copyScores(cfg.Skills),
			SpecializationScores: copyScores(cfg.SpecializationScores),
			PerformanceScore:     1.0,
			RegisteredAt:         now,
		},
		assigned: make(map[string]bool),
	}, nil
}

func (a *agentEntry) snapshot() Agent {
	s := a.Agent
	s.AssignedTasks = sortedKeys(a.assigned)
	s.Skills = copyScores(a.Skills)
	s.SpecializationScores = copyScores(a.SpecializationScores)
	return s
}

func (a *agentEntry) hasCapacity() bool {
	return a.CurrentLoad < a.MaxCapacity
}

func (a *agentEntry) assign(taskID string) {
	a.assigned[taskID] = true
	a.CurrentLoad = len(a.assigned)
}

func (a *agentEntry) release(taskID string) {
	delete(a.assigned, taskID)
	a.CurrentLoad = len(a.assigned)
}

// capability builds the scorer's view of this agent for one task.
func (a *agentEntry) capability(task analysis.TaskAnalysis) analysis.AgentCapability {
	bonus := maxSpecializationFit * a.SpecializationScores[task.Domain]
	if bonus < 0 {
		bonus = 0
	}
	if bonus > maxSpecializationFit {
		bonus = maxSpecializationFit
	}
	return analysis.AgentCapability{
		AgentID:             a.ID,
		AgentType:           a.Type,
		Skills:              a.Skills,
		WorkloadHours:       float64(a.CurrentLoad),
		MaxWorkload:         float64(a.MaxCapacity),
		CurrentLoad:         a.CurrentLoad,
		MaxCapacity:         a.MaxCapacity,
		PerformanceScore:    a.PerformanceScore,
		SpecializationBonus: bonus,
	}
}

// recordOutcome folds one finished attempt into the performance EMA.
func (a *agentEntry) recordOutcome(success bool, estimated, actual time.Duration, now time.Time) {
	sample := failureSample
	if success {
		a.Completed++
		sample = noEstimateSample
		if estimated > 0 && actual > 0 {
			sample = clampFloat(float64(estimated)/float64(actual), 0.5, 2)
		}
	} else {
		a.Failed++
	}
	a.PerformanceScore = clampFloat((1-performanceAlpha)*a.PerformanceScore+performanceAlpha*sample, 0, 2)
	a.BusyTime += actual
	a.LastCompletion = now
}

func copyScores(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	cp := make(map[string]float64, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
