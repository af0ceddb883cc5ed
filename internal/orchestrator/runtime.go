// Package orchestrator is the composition root: it builds the event bus,
// executors, scheduler, workflow engine and reporting store from
// configuration and runs them as one unit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/dispatch/internal/analysis"
	"github.com/aristath/dispatch/internal/backend"
	"github.com/aristath/dispatch/internal/config"
	"github.com/aristath/dispatch/internal/events"
	"github.com/aristath/dispatch/internal/persistence"
	"github.com/aristath/dispatch/internal/scheduler"
	"github.com/aristath/dispatch/internal/workflow"
)

// ErrRunning is returned by Start when the runtime is already running.
var ErrRunning = errors.New("runtime already running")

type options struct {
	logger    zerolog.Logger
	executor  backend.Executor
	executors map[string]backend.Executor
	store     persistence.Store
	hooks     *events.Hooks
}

// Option configures a Runtime.
type Option func(*options)

// WithLogger sets the root logger. Each engine gets a component child.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithExecutor replaces the configured command executors as the fallback for
// every agent type.
func WithExecutor(e backend.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithExecutorFor routes one agent type to e ahead of the fallback.
func WithExecutorFor(agentType string, e backend.Executor) Option {
	return func(o *options) { o.executors[agentType] = e }
}

// WithStore uses store instead of the one described by the storage config.
// The caller keeps ownership and closes it.
func WithStore(store persistence.Store) Option {
	return func(o *options) { o.store = store }
}

// WithHooks attaches hooks to the event bus while the runtime runs.
func WithHooks(h events.Hooks) Option {
	return func(o *options) { o.hooks = &h }
}

// Runtime owns every long-lived component.
type Runtime struct {
	logger    zerolog.Logger
	bus       *events.Bus
	analyzer  *analysis.Analyzer
	scorer    *analysis.Scorer
	guard     *backend.Guard
	procMgr   *backend.ProcessManager
	sched     *scheduler.Scheduler
	engine    *workflow.Engine
	store     persistence.Store
	ownsStore bool
	hooks     *events.Hooks

	mu      sync.Mutex
	running bool
	detach  func()
}

// New builds a Runtime from cfg. Configured agents and workflows are
// registered before it returns.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{logger: zerolog.Nop(), executors: make(map[string]backend.Executor)}
	for _, opt := range opts {
		opt(&o)
	}

	r := &Runtime{
		logger:   o.logger.With().Str("component", "runtime").Logger(),
		bus:      events.NewBus(),
		analyzer: &analysis.Analyzer{},
		scorer:   analysis.NewScorer(cfg.Scoring),
		procMgr:  backend.NewProcessManager(),
		hooks:    o.hooks,
	}

	fallback := o.executor
	if fallback == nil {
		fallback = backend.NewCommandExecutor(cfg.Executors, r.procMgr, component(o.logger, "backend"))
	}
	router := backend.NewRouter(fallback)
	for agentType, e := range o.executors {
		router.Handle(agentType, e)
	}
	r.guard = backend.NewGuard(router, cfg.Breaker, component(o.logger, "breaker"))

	r.store = o.store
	if r.store == nil && cfg.Storage.Enabled {
		store, err := persistence.NewSQLiteStore(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		r.store = store
		r.ownsStore = true
	}

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(component(o.logger, "scheduler")),
		scheduler.WithBus(r.bus),
		scheduler.WithScorer(r.scorer),
		scheduler.WithAnalyzer(r.analyzer),
		scheduler.WithAgentFilter(r.guard.Available),
	}
	engineOpts := []workflow.Option{
		workflow.WithLogger(component(o.logger, "workflow")),
		workflow.WithBus(r.bus),
		workflow.WithAgentPicker(workflow.AgentPickerFunc(r.pickAgent)),
	}
	if r.store != nil {
		schedOpts = append(schedOpts, scheduler.WithReporter(r.store))
		engineOpts = append(engineOpts, workflow.WithReporter(r.store))
	}

	var err error
	if r.sched, err = scheduler.New(cfg.Scheduler, r.guard, schedOpts...); err != nil {
		r.closeStore()
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}
	if r.engine, err = workflow.New(cfg.Workflow, r.guard, engineOpts...); err != nil {
		r.closeStore()
		return nil, fmt.Errorf("creating workflow engine: %w", err)
	}

	for _, a := range cfg.Agents {
		if err := r.sched.RegisterAgent(a); err != nil {
			r.closeStore()
			return nil, fmt.Errorf("registering agent %s: %w", a.ID, err)
		}
	}
	for _, def := range cfg.WorkflowDefinitions() {
		if err := r.engine.RegisterWorkflow(def); err != nil {
			r.closeStore()
			return nil, fmt.Errorf("registering workflow %s: %w", def.ID, err)
		}
	}
	return r, nil
}

func component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Scheduler returns the task scheduler.
func (r *Runtime) Scheduler() *scheduler.Scheduler { return r.sched }

// Workflows returns the workflow engine.
func (r *Runtime) Workflows() *workflow.Engine { return r.engine }

// Bus returns the event bus both engines publish to.
func (r *Runtime) Bus() *events.Bus { return r.bus }

// Store returns the reporting store, or nil when storage is disabled.
func (r *Runtime) Store() persistence.Store { return r.store }

// Guard returns the circuit-breaker guard in front of every executor.
func (r *Runtime) Guard() *backend.Guard { return r.guard }

// Analyze runs the task analyzer over text and ranks every registered agent
// for it.
func (r *Runtime) Analyze(title, description string) (analysis.TaskAnalysis, []analysis.AssignmentScore) {
	an := r.analyzer.Analyze(analysis.Input{Title: title, Description: description, CreatedAt: time.Now()})
	text := description
	if title != "" {
		text = title + "\n" + description
	}
	return an, r.sched.RankAgents(text, nil)
}

// pickAgent binds a workflow step to an agent. The best ranked agent of the
// type with spare capacity is reserved for the step, so steps and scheduler
// tasks share one capacity model. A type with no registered agents runs under
// the type name so the executor can still route it; a type whose agents are
// all busy or tripped waits.
func (r *Runtime) pickAgent(holder, agentType, description string) (string, workflow.Lease, bool) {
	if res, ok := r.sched.Reserve(holder, agentType, description); ok {
		return res.AgentID, res, true
	}
	for _, a := range r.sched.Agents() {
		if a.Type == agentType {
			return "", nil, false
		}
	}
	return agentType, nil, true
}

// ApplyConfig hot-applies the settings that can change while running.
// Currently that is the scheduler mode.
func (r *Runtime) ApplyConfig(cfg *config.Config) error {
	mode, err := scheduler.ParseMode(cfg.Scheduler.Mode)
	if err != nil {
		return err
	}
	if mode == r.sched.Mode() {
		return nil
	}
	if err := r.sched.SetMode(mode); err != nil {
		return err
	}
	r.logger.Info().Str("mode", string(mode)).Msg("scheduler mode changed")
	return nil
}

// Start attaches hooks and starts both engines.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrRunning
	}
	if r.hooks != nil {
		h := *r.hooks
		h.Logger = component(r.logger, "hooks")
		r.detach = h.Attach(r.bus)
	}
	if err := r.sched.Start(ctx); err != nil {
		r.detachHooks()
		return fmt.Errorf("starting scheduler: %w", err)
	}
	if err := r.engine.Start(ctx); err != nil {
		r.sched.Stop()
		r.detachHooks()
		return fmt.Errorf("starting workflow engine: %w", err)
	}
	r.running = true
	r.logger.Info().Int("agents", len(r.sched.Agents())).Int("workflows", len(r.engine.Workflows())).Msg("runtime started")
	return nil
}

// Stop stops both engines in parallel, kills any agent process that outlived
// its context and detaches hooks. Safe to call when not running.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}

	var g errgroup.Group
	g.Go(func() error {
		r.engine.Stop()
		return nil
	})
	g.Go(func() error {
		r.sched.Stop()
		return nil
	})
	_ = g.Wait()

	err := r.procMgr.KillAll()
	if err != nil {
		r.logger.Warn().Err(err).Msg("killing leftover agent processes")
	}
	r.detachHooks()
	r.running = false
	r.logger.Info().Msg("runtime stopped")
	return err
}

// Run starts the runtime and blocks until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Stop()
}

// Close stops the runtime, closes the event bus and closes the store if the
// runtime opened it.
func (r *Runtime) Close() error {
	err := r.Stop()
	r.bus.Close()
	if cerr := r.closeStore(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	return err
}

func (r *Runtime) detachHooks() {
	if r.detach != nil {
		r.detach()
		r.detach = nil
	}
}

func (r *Runtime) closeStore() error {
	if !r.ownsStore || r.store == nil {
		return nil
	}
	err := r.store.Close()
	r.ownsStore = false
	return err
}
