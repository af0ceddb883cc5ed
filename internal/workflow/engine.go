// Package workflow runs DAGs of agent steps with conditions, parallel groups,
// per-step retries and recurring triggers.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/dispatch/internal/backend"
	"github.com/aristath/dispatch/internal/events"
)

// Config holds workflow engine tuning.
type Config struct {
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
	StepTimeout  time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"` // used when a step sets none
	RetryInitial time.Duration `mapstructure:"retry_initial" yaml:"retry_initial"`
	RetryMax     time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
	MaxRetained  int           `mapstructure:"max_retained" yaml:"max_retained"` // terminal executions kept for inspection
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     time.Second,
		StepTimeout:  30 * time.Minute,
		RetryInitial: time.Second,
		RetryMax:     30 * time.Second,
		MaxRetained:  100,
	}
}

// Reporter receives terminal executions. Calls happen off the driver loop.
type Reporter interface {
	ReportExecution(ctx context.Context, exec Execution) error
}

// Lease is an agent slot held by a running step.
type Lease interface {
	// Finish records the step outcome against the agent and frees the slot.
	Finish(err error, elapsed time.Duration)
	// Release frees the slot without recording an outcome.
	Release()
}

// AgentPicker chooses the agent that runs a step. ok=false leaves the step
// ready until a later cycle. The lease may be nil when the agent has no
// capacity to track; otherwise the engine ends it exactly once, when the step
// settles or is skipped.
type AgentPicker interface {
	PickAgent(holder, agentType, description string) (agentID string, lease Lease, ok bool)
}

// AgentPickerFunc adapts a function to AgentPicker.
type AgentPickerFunc func(holder, agentType, description string) (string, Lease, bool)

// PickAgent calls f.
func (f AgentPickerFunc) PickAgent(holder, agentType, description string) (string, Lease, bool) {
	return f(holder, agentType, description)
}

// byType addresses a step to its agent type directly.
var byType = AgentPickerFunc(func(_, agentType, _ string) (string, Lease, bool) {
	return agentType, nil, true
})

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithBus publishes execution and step events to bus.
func WithBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithReporter sets the terminal-state reporter.
func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithAgentPicker sets how steps are bound to agents.
func WithAgentPicker(p AgentPicker) Option {
	return func(e *Engine) { e.picker = p }
}

// WithClock overrides the wall clock used for triggers and bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns workflow definitions and their executions.
type Engine struct {
	cfg      Config
	executor backend.Executor
	logger   zerolog.Logger
	bus      *events.Bus
	reporter Reporter
	picker   AgentPicker
	now      func() time.Time

	mu        sync.Mutex
	workflows map[string]*compiled
	triggers  map[string]*triggerState
	runs      map[string]*run
	seq       uint64
	stats     counters
	baseCtx   context.Context

	doneMu sync.Mutex
	done   []stepCompletion

	cycleMu sync.Mutex
	trigger chan struct{}
	workers errgroup.Group
	reports sync.WaitGroup

	lifeMu  sync.Mutex
	running atomic.Bool
	stopRun context.CancelFunc
	stopped chan struct{}
}

// New creates an Engine that runs steps through executor.
func New(cfg Config, executor backend.Executor, opts ...Option) (*Engine, error) {
	if executor == nil {
		return nil, fmt.Errorf("workflow: nil executor")
	}

	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = def.MaxRetained
	}

	e := &Engine{
		cfg:       cfg,
		executor:  executor,
		logger:    zerolog.Nop(),
		picker:    byType,
		now:       time.Now,
		workflows: make(map[string]*compiled),
		triggers:  make(map[string]*triggerState),
		runs:      make(map[string]*run),
		baseCtx:   context.Background(),
		trigger:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RegisterWorkflow validates and stores a definition.
func (e *Engine) RegisterWorkflow(def Definition) error {
	wf, err := compile(def)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.workflows[wf.def.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkflow, wf.def.ID)
	}
	e.workflows[wf.def.ID] = wf
	if wf.def.Trigger != nil {
		e.triggers[wf.def.ID] = newTriggerState(wf.def.Trigger.Every, e.now())
	}
	e.logger.Info().Str("workflow", wf.def.ID).Int("steps", len(wf.def.Steps)).Msg("workflow registered")
	return nil
}

// UnregisterWorkflow removes a definition. Executions already created keep running.
func (e *Engine) UnregisterWorkflow(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.workflows[id]; !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	delete(e.workflows, id)
	delete(e.triggers, id)
	e.logger.Info().Str("workflow", id).Msg("workflow unregistered")
	return nil
}

// Workflow returns a copy of a registered definition.
func (e *Engine) Workflow(id string) (Definition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, ok := e.workflows[id]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	return cloneDefinition(wf.def), nil
}

// Workflows returns copies of every registered definition, ordered by id.
func (e *Engine) Workflows() []Definition {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Definition, 0, len(e.workflows))
	for _, wf := range e.workflows {
		out = append(out, cloneDefinition(wf.def))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Execute creates an execution of workflowID seeded with vars and returns
// its id. The driver loop advances it asynchronously.
func (e *Engine) Execute(workflowID string, vars map[string]any) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, ok := e.workflows[workflowID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	r := e.createRun(wf, vars, false)
	e.wake()
	return r.ID, nil
}

// Pause stops launching new steps. In-flight steps keep running.
func (e *Engine) Pause(execID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.lookupRun(execID)
	if err != nil {
		return err
	}
	if r.State != ExecutionRunning && r.State != ExecutionPending {
		return fmt.Errorf("%w: cannot pause %s execution", ErrInvalidTransition, r.State)
	}
	r.State = ExecutionPaused
	e.logger.Info().Str("execution", execID).Msg("execution paused")
	return nil
}

// Resume continues a paused execution.
func (e *Engine) Resume(execID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.lookupRun(execID)
	if err != nil {
		return err
	}
	if r.State != ExecutionPaused {
		return fmt.Errorf("%w: cannot resume %s execution", ErrInvalidTransition, r.State)
	}
	if r.StartedAt.IsZero() {
		r.State = ExecutionPending
	} else {
		r.State = ExecutionRunning
	}
	e.logger.Info().Str("execution", execID).Msg("execution resumed")
	e.wake()
	return nil
}

// Cancel stops an execution and signals its in-flight steps.
func (e *Engine) Cancel(execID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.lookupRun(execID)
	if err != nil {
		return err
	}
	if r.State.Terminal() {
		return fmt.Errorf("%w: execution already %s", ErrInvalidTransition, r.State)
	}
	e.finishRun(r, ExecutionCancelled, ErrExecutionCancelled)
	return nil
}

// ExecutionStatus returns a copy of one execution.
func (e *Engine) ExecutionStatus(execID string) (Execution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, err := e.lookupRun(execID)
	if err != nil {
		return Execution{}, err
	}
	return r.snapshot(), nil
}

// ListExecutions returns executions in creation order. An empty workflowID
// lists all of them.
func (e *Engine) ListExecutions(workflowID string) []Execution {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Execution
	for _, r := range e.sortedRuns() {
		if workflowID == "" || r.WorkflowID == workflowID {
			out = append(out, r.snapshot())
		}
	}
	return out
}

// Wait blocks until the execution is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, execID string) (Execution, error) {
	e.mu.Lock()
	r, err := e.lookupRun(execID)
	e.mu.Unlock()
	if err != nil {
		return Execution{}, err
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return Execution{}, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return r.snapshot(), nil
}

// Metrics returns aggregate workflow statistics.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()

	m := Metrics{
		Workflows:       len(e.workflows),
		Executions:      e.stats.created,
		Completed:       e.stats.completed,
		Failed:          e.stats.failed,
		Cancelled:       e.stats.cancelled,
		Triggered:       e.stats.triggered,
		MeanDuration:    e.stats.meanDuration(),
		StepsCompleted:  e.stats.stepsCompleted,
		StepsFailed:     e.stats.stepsFailed,
		StepsSkipped:    e.stats.stepsSkipped,
		StepRetries:     e.stats.stepRetries,
		StepSuccessRate: e.stats.stepSuccessRate(),
	}
	for _, r := range e.runs {
		switch r.State {
		case ExecutionPending:
			m.Pending++
		case ExecutionRunning:
			m.Running++
		case ExecutionPaused:
			m.Paused++
		}
	}
	m.Active = m.Pending + m.Running + m.Paused
	return m
}

// Start launches the driver loop. Step contexts derive from ctx.
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.running.Load() {
		return ErrRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.baseCtx = runCtx
	e.mu.Unlock()

	e.stopRun = cancel
	e.stopped = make(chan struct{})
	e.running.Store(true)

	go e.loop(runCtx, e.stopped)
	e.logger.Info().Dur("interval", e.cfg.Interval).Msg("workflow engine started")
	return nil
}

// Stop halts the loop and waits for in-flight steps. Interrupted steps
// return to waiting and run again after the next Start.
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if !e.running.Load() {
		return
	}

	e.stopRun()
	<-e.stopped
	e.workers.Wait()

	e.cycleMu.Lock()
	e.reconcile()
	e.cycleMu.Unlock()
	e.reports.Wait()

	e.mu.Lock()
	for _, r := range e.runs {
		if !r.State.Terminal() && r.cancel != nil {
			r.cancel()
			r.ctx, r.cancel = nil, nil
		}
	}
	e.baseCtx = context.Background()
	e.mu.Unlock()
	e.running.Store(false)
	e.logger.Info().Msg("workflow engine stopped")
}

// Trigger requests an immediate cycle.
func (e *Engine) Trigger() {
	e.wake()
}

func (e *Engine) wake() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.safeCycle()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.safeCycle()
		case <-e.trigger:
			e.safeCycle()
		}
	}
}

func (e *Engine) safeCycle() {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("workflow cycle panicked")
		}
	}()
	e.runCycle()
}

// createRun must be called with mu held.
func (e *Engine) createRun(wf *compiled, vars map[string]any, triggered bool) *run {
	e.seq++
	r := newRun(uuid.New().String()[:8], wf, vars, e.seq, e.now())
	r.Triggered = triggered
	e.runs[r.ID] = r
	e.stats.created++
	if triggered {
		e.stats.triggered++
	}
	e.logger.Debug().Str("execution", r.ID).Str("workflow", wf.def.ID).Bool("triggered", triggered).Msg("execution created")
	return r
}

func (e *Engine) lookupRun(execID string) (*run, error) {
	r, ok := e.runs[execID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, execID)
	}
	return r, nil
}

func (e *Engine) sortedRuns() []*run {
	out := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}
