package scheduler

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/dispatch/internal/analysis"
)

// State represents where a task is in its lifecycle.
type State int

const (
	StateQueued    State = iota // Waiting for dependencies, an agent, or a retry delay
	StateScheduled              // Assigned to an agent, not yet started
	StateExecuting              // Running on an agent
	StateRetrying               // Failed an attempt, waiting to be requeued
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateScheduled:
		return "scheduled"
	case StateExecuting:
		return "executing"
	case StateRetrying:
		return "retrying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Submission is a request to run a task.
type Submission struct {
	ID                string // Optional; a short uuid is generated when empty
	Title             string
	Description       string
	Priority          analysis.Priority
	Deadline          *time.Time
	Dependencies      []string // Task ids that must complete first
	AgentTypes        []string // Acceptable agent types; empty accepts any
	EstimatedDuration time.Duration
	MaxRetries        *int     // nil uses the configured default
	Resources         []string // Exclusive resource keys
}

// Retries is a helper for Submission.MaxRetries.
func Retries(n int) *int {
	return &n
}

// Task is a point-in-time copy of a task's record.
type Task struct {
	ID                string
	Title             string
	Description       string
	Priority          analysis.Priority
	Deadline          *time.Time
	Dependencies      []string // Dependencies still unmet
	AgentTypes        []string
	Resources         []string
	EstimatedDuration time.Duration
	MaxRetries        int
	Retries           int // Failed attempts that were retried
	Attempts          int // Execution attempts started
	State             State
	AgentID           string
	Analysis          analysis.TaskAnalysis
	Result            string
	Error             string
	SubmittedAt       time.Time
	StartedAt         time.Time
	FinishedAt        time.Time
}

// Duration returns how long the last attempt ran, or zero if it never started.
func (t Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// entry is the scheduler-owned mutable record behind a Task.
type entry struct {
	Task

	seq        uint64
	deps       map[string]bool
	readySince time.Time // first cycle the task was seen ready, reset on dispatch
	notBefore  time.Time
	index      int    // position in the queue heap, -1 when not queued
	gen        uint64 // bumped on every dispatch and requeue
	cancel     context.CancelFunc
	retryDelay *backoff.ExponentialBackOff
}

func (e *entry) snapshot() Task {
	t := e.Task
	t.Dependencies = sortedKeys(e.deps)
	t.AgentTypes = append([]string(nil), e.AgentTypes...)
	t.Resources = append([]string(nil), e.Resources...)
	t.Analysis.Skills = append([]analysis.SkillRequirement(nil), e.Analysis.Skills...)
	if e.Deadline != nil {
		d := *e.Deadline
		t.Deadline = &d
	}
	return t
}

func (e *entry) acceptsType(agentType string) bool {
	if len(e.AgentTypes) == 0 {
		return true
	}
	for _, t := range e.AgentTypes {
		if t == agentType {
			return true
		}
	}
	return false
}
