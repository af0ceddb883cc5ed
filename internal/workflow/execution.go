package workflow

import (
	"context"
	"time"
)

// ExecutionState is the lifecycle state of one workflow run.
type ExecutionState string

const (
	ExecutionPending   ExecutionState = "pending"
	ExecutionRunning   ExecutionState = "running"
	ExecutionPaused    ExecutionState = "paused"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionCancelled ExecutionState = "cancelled"
)

// Terminal reports whether the execution can no longer change.
func (s ExecutionState) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepState is the lifecycle state of one step within an execution.
type StepState string

const (
	StepWaiting   StepState = "waiting"
	StepReady     StepState = "ready"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// Terminal reports whether the step is done.
func (s StepState) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// StepRun is a copy of one step's progress.
type StepRun struct {
	ID          string
	Name        string
	AgentType   string
	AgentID     string
	State       StepState
	Description string // rendered template
	Attempts    int
	Output      string
	Error       string
	SkipReason  string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration returns how long the step ran.
func (s StepRun) Duration() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Execution is a point-in-time copy of a workflow run.
type Execution struct {
	ID          string
	WorkflowID  string
	State       ExecutionState
	Context     map[string]any    // initial variables plus step outputs
	Results     map[string]string // step id -> output
	Steps       []StepRun         // topological order
	FailedSteps []string
	Error       string
	Triggered   bool // started by a recurring trigger
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration returns wall-clock time from start to finish.
func (e Execution) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Step returns the named step's record.
func (e Execution) Step(id string) (StepRun, bool) {
	for _, s := range e.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return StepRun{}, false
}

// run is the engine-owned mutable record behind an Execution.
type run struct {
	Execution

	wf     *compiled
	steps  map[string]*stepRun
	seq    uint64
	ctx    context.Context // parent of every step attempt
	cancel context.CancelFunc
	done   chan struct{}
}

type stepRun struct {
	StepRun

	def    *StepDefinition
	cancel context.CancelFunc
	lease  Lease
}

func newRun(id string, wf *compiled, vars map[string]any, seq uint64, now time.Time) *run {
	r := &run{
		Execution: Execution{
			ID:         id,
			WorkflowID: wf.def.ID,
			State:      ExecutionPending,
			Context:    copyContext(vars),
			Results:    make(map[string]string),
			CreatedAt:  now,
		},
		wf:    wf,
		steps: make(map[string]*stepRun, len(wf.def.Steps)),
		seq:   seq,
		done:  make(chan struct{}),
	}
	if r.Context == nil {
		r.Context = make(map[string]any)
	}
	for _, id := range wf.graph.order {
		def := wf.steps[id]
		r.steps[id] = &stepRun{
			StepRun: StepRun{ID: id, Name: def.Name, AgentType: def.AgentType, State: StepWaiting},
			def:     def,
		}
	}
	return r
}

func (r *run) snapshot() Execution {
	e := r.Execution
	e.Context = copyContext(r.Context)
	e.Results = make(map[string]string, len(r.Results))
	for k, v := range r.Results {
		e.Results[k] = v
	}
	e.FailedSteps = append([]string(nil), r.FailedSteps...)
	e.Steps = make([]StepRun, 0, len(r.steps))
	for _, id := range r.wf.graph.order {
		e.Steps = append(e.Steps, r.steps[id].StepRun)
	}
	return e
}

// copyContext deep-copies nested maps and slices so snapshots never alias
// the live context.
func copyContext(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyContext(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	default:
		return v
	}
}
