// Package scheduler queues tasks, assigns them to a bounded pool of agents and
// tracks their execution with retries.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/dispatch/internal/analysis"
	"github.com/aristath/dispatch/internal/backend"
	"github.com/aristath/dispatch/internal/events"
)

// Config holds scheduler tuning.
type Config struct {
	Interval      time.Duration `mapstructure:"interval" yaml:"interval"`
	Mode          string        `mapstructure:"mode" yaml:"mode"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	TimeoutFactor float64       `mapstructure:"timeout_factor" yaml:"timeout_factor"` // attempt timeout = estimate × factor
	RetryInitial  time.Duration `mapstructure:"retry_initial" yaml:"retry_initial"`
	RetryMax      time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
	MaxQueueWait  time.Duration `mapstructure:"max_queue_wait" yaml:"max_queue_wait"` // 0 disables
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      2 * time.Second,
		Mode:          string(ModePriority),
		MaxRetries:    3,
		TimeoutFactor: 2.0,
		RetryInitial:  500 * time.Millisecond,
		RetryMax:      30 * time.Second,
	}
}

// Reporter receives terminal task records. Calls happen off the driver loop.
type Reporter interface {
	ReportTask(ctx context.Context, t Task) error
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithBus publishes task and progress events to bus.
func WithBus(bus *events.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithReporter sets the terminal-state reporter.
func WithReporter(r Reporter) Option {
	return func(s *Scheduler) { s.reporter = r }
}

// WithScorer sets the scorer used by the smart mode.
func WithScorer(sc *analysis.Scorer) Option {
	return func(s *Scheduler) { s.scorer = sc }
}

// WithAnalyzer sets the analyzer applied to every submission.
func WithAnalyzer(a *analysis.Analyzer) Option {
	return func(s *Scheduler) { s.analyzer = a }
}

// WithClock overrides the wall clock used for queue bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithAgentFilter excludes agents for which ok returns false from assignment,
// e.g. agents whose circuit breaker is open.
func WithAgentFilter(ok func(agentID string) bool) Option {
	return func(s *Scheduler) { s.agentOK = ok }
}

// Scheduler owns the task queue and the agent registry. All state changes
// happen under mu, and cycles never overlap.
type Scheduler struct {
	cfg      Config
	executor backend.Executor
	logger   zerolog.Logger
	bus      *events.Bus
	reporter Reporter
	scorer   *analysis.Scorer
	analyzer *analysis.Analyzer
	now      func() time.Time
	agentOK  func(agentID string) bool

	mu         sync.Mutex
	mode       Mode
	tasks      map[string]*entry
	queue      taskQueue
	dependents map[string][]string
	agents     map[string]*agentEntry
	claims     *ResourceClaims
	seq        uint64
	stats      counters
	baseCtx    context.Context

	doneMu sync.Mutex
	done   []completion

	cycleMu sync.Mutex
	trigger chan struct{}
	workers errgroup.Group
	reports sync.WaitGroup

	lifeMu  sync.Mutex
	running atomic.Bool
	stopRun context.CancelFunc
	stopped chan struct{}
}

// New creates a Scheduler that runs work through executor.
func New(cfg Config, executor backend.Executor, opts ...Option) (*Scheduler, error) {
	if executor == nil {
		return nil, fmt.Errorf("scheduler: nil executor")
	}

	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.TimeoutFactor < 0 {
		cfg.TimeoutFactor = 0
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:        cfg,
		executor:   executor,
		logger:     zerolog.Nop(),
		now:        time.Now,
		agentOK:    func(string) bool { return true },
		mode:       mode,
		tasks:      make(map[string]*entry),
		dependents: make(map[string][]string),
		agents:     make(map[string]*agentEntry),
		claims:     NewResourceClaims(),
		baseCtx:    context.Background(),
		trigger:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.scorer == nil {
		s.scorer = analysis.NewScorer(analysis.DefaultWeights())
	}
	if s.analyzer == nil {
		s.analyzer = &analysis.Analyzer{Now: s.now}
	}
	return s, nil
}

// Submit validates and enqueues a task, returning its id.
func (s *Scheduler) Submit(sub Submission) (string, error) {
	if strings.TrimSpace(sub.Title) == "" && strings.TrimSpace(sub.Description) == "" {
		return "", fmt.Errorf("%w: title or description is required", ErrInvalidSubmission)
	}
	if sub.EstimatedDuration < 0 {
		return "", fmt.Errorf("%w: negative estimated duration", ErrInvalidSubmission)
	}
	if sub.MaxRetries != nil && *sub.MaxRetries < 0 {
		return "", fmt.Errorf("%w: negative max retries", ErrInvalidSubmission)
	}

	id := sub.ID
	if id == "" {
		id = uuid.New().String()[:8]
	}
	now := s.now()
	an := s.analyzer.Analyze(analysis.Input{
		Title:       sub.Title,
		Description: sub.Description,
		Priority:    sub.Priority,
		CreatedAt:   now,
		Deadline:    sub.Deadline,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateTask, id)
	}
	if len(sub.AgentTypes) > 0 && !s.hasAgentType(sub.AgentTypes) {
		return "", fmt.Errorf("%w: %s", ErrNoMatchingAgent, strings.Join(sub.AgentTypes, ", "))
	}

	deps := make(map[string]bool, len(sub.Dependencies))
	for _, depID := range sub.Dependencies {
		if depID == id {
			return "", fmt.Errorf("%w: task %s depends on itself", ErrInvalidSubmission, id)
		}
		dep, ok := s.tasks[depID]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownDependency, depID)
		}
		switch dep.State {
		case StateCompleted:
			continue
		case StateFailed, StateCancelled:
			return "", fmt.Errorf("%w: %s is %s", ErrDependencyFailed, depID, dep.State)
		}
		deps[depID] = true
	}

	maxRetries := s.cfg.MaxRetries
	if sub.MaxRetries != nil {
		maxRetries = *sub.MaxRetries
	}
	var deadline *time.Time
	if sub.Deadline != nil {
		d := *sub.Deadline
		deadline = &d
	}

	s.seq++
	e := &entry{
		Task: Task{
			ID:                id,
			Title:             sub.Title,
			Description:       sub.Description,
			Priority:          sub.Priority,
			Deadline:          deadline,
			AgentTypes:        append([]string(nil), sub.AgentTypes...),
			Resources:         append([]string(nil), sub.Resources...),
			EstimatedDuration: sub.EstimatedDuration,
			MaxRetries:        maxRetries,
			State:             StateQueued,
			Analysis:          an,
			SubmittedAt:       now,
		},
		seq:   s.seq,
		deps:  deps,
		index: -1,
	}
	s.tasks[id] = e
	for depID := range deps {
		s.dependents[depID] = append(s.dependents[depID], id)
	}
	s.queue.push(e)

	s.logger.Debug().
		Str("task", id).
		Str("priority", sub.Priority.String()).
		Str("complexity", string(an.Complexity)).
		Int("deps", len(deps)).
		Msg("task submitted")
	s.bus.Publish(events.TaskSubmittedEvent{ID: id, Title: sub.Title, Priority: sub.Priority.String(), Timestamp: now})
	s.wake()
	return id, nil
}

// Cancel cancels a queued or running task. It returns false if the task is
// unknown or already terminal. A running attempt is signalled through its
// context and its agent slot is released immediately.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[taskID]
	if !ok || e.State.Terminal() {
		return false
	}
	s.finish(e, StateCancelled, nil)
	s.wake()
	return true
}

// RegisterAgent adds an agent to the pool.
func (s *Scheduler) RegisterAgent(cfg AgentConfig) error {
	a, err := newAgentEntry(cfg, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[a.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAgent, a.ID)
	}
	s.agents[a.ID] = a
	s.logger.Info().Str("agent", a.ID).Str("type", a.Type).Int("capacity", a.MaxCapacity).Msg("agent registered")
	s.wake()
	return nil
}

// UnregisterAgent removes an agent. Tasks assigned to it are cancelled
// cooperatively and requeued without consuming a retry.
func (s *Scheduler) UnregisterAgent(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	delete(s.agents, agentID)

	for _, taskID := range sortedKeys(a.assigned) {
		e := s.tasks[taskID]
		if e == nil || e.State.Terminal() {
			continue
		}
		s.requeue(e)
		s.logger.Info().Str("task", taskID).Str("agent", agentID).Msg("task requeued after agent removal")
	}
	s.logger.Info().Str("agent", agentID).Msg("agent unregistered")
	s.wake()
	return nil
}

// SetMode switches the scheduling mode. Executing tasks are unaffected.
func (s *Scheduler) SetMode(m Mode) error {
	parsed, err := ParseMode(string(m))
	if err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.mode
	s.mode = parsed
	s.mu.Unlock()

	if prev != parsed {
		s.logger.Info().Str("from", string(prev)).Str("to", string(parsed)).Msg("scheduling mode changed")
	}
	return nil
}

// Mode returns the active scheduling mode.
func (s *Scheduler) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Status summarises task states and the agent roster.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Mode: s.mode, Running: s.running.Load()}
	for _, e := range s.tasks {
		switch e.State {
		case StateQueued:
			st.Queued++
		case StateScheduled:
			st.Scheduled++
		case StateExecuting:
			st.Executing++
		case StateRetrying:
			st.Retrying++
		case StateCompleted:
			st.Completed++
		case StateFailed:
			st.Failed++
		case StateCancelled:
			st.Cancelled++
		}
	}
	st.Agents = s.agentSnapshots()
	return st
}

// TaskStatus returns a copy of one task's record.
func (s *Scheduler) TaskStatus(taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.tasks[taskID]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return e.snapshot(), nil
}

// Tasks returns copies of every task in submission order.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]Task, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	return out
}

// AgentStatus returns a copy of one agent's record.
func (s *Scheduler) AgentStatus(agentID string) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return a.snapshot(), nil
}

// Agents returns copies of every registered agent, ordered by id.
func (s *Scheduler) Agents() []Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSnapshots()
}

// RankAgents analyses description and ranks the registered agents of the
// given types that have spare capacity and pass the agent filter. Nothing is
// assigned; the ranking is advisory.
func (s *Scheduler) RankAgents(description string, agentTypes []string) []analysis.AssignmentScore {
	an := s.analyzer.Analyze(analysis.Input{Description: description, CreatedAt: s.now()})

	s.mu.Lock()
	defer s.mu.Unlock()

	caps := make([]analysis.AgentCapability, 0, len(s.agents))
	for _, a := range s.sortedAgents() {
		if !s.agentOK(a.ID) {
			continue
		}
		caps = append(caps, a.capability(an))
	}
	return s.scorer.Rank(an, caps, agentTypes)
}

// Metrics returns current scheduler metrics.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.trim(s.now())
	m := Metrics{
		Mode:             s.mode,
		QueueDepth:       s.queue.Len(),
		Completed:        s.stats.completed,
		Failed:           s.stats.failed,
		Cancelled:        s.stats.cancelled,
		Retries:          s.stats.retries,
		SuccessRate:      s.stats.successRate(),
		ThroughputPerMin: float64(len(s.stats.recent)),
		MeanDuration:     s.stats.meanDuration(),
		AgentUtilization: make(map[string]float64, len(s.agents)),
		Cycles:           s.stats.cycles,
		CyclePanics:      s.stats.cyclePanics,
	}
	load, capacity := 0, 0
	for id, a := range s.agents {
		m.AgentUtilization[id] = a.Utilization()
		load += a.CurrentLoad
		capacity += a.MaxCapacity
	}
	if capacity > 0 {
		m.Utilization = float64(load) / float64(capacity)
	}
	for _, e := range s.tasks {
		if e.State == StateExecuting {
			m.Executing++
		}
	}
	return m
}

// Start launches the driver loop. Attempt contexts derive from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if s.running.Load() {
		return ErrRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.baseCtx = runCtx
	s.mu.Unlock()

	s.stopRun = cancel
	s.stopped = make(chan struct{})
	s.running.Store(true)

	go s.loop(runCtx, s.stopped)
	s.logger.Info().Str("mode", string(s.Mode())).Dur("interval", s.cfg.Interval).Msg("scheduler started")
	return nil
}

// Stop halts the loop, cancels in-flight attempts and waits for workers and
// reporters. Interrupted tasks go back to the queue.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()

	if !s.running.Load() {
		return
	}

	s.stopRun()
	<-s.stopped
	s.workers.Wait()

	s.cycleMu.Lock()
	s.reconcile()
	s.cycleMu.Unlock()
	s.reports.Wait()

	s.mu.Lock()
	s.baseCtx = context.Background()
	s.mu.Unlock()
	s.running.Store(false)
	s.logger.Info().Msg("scheduler stopped")
}

// Trigger requests an immediate cycle.
func (s *Scheduler) Trigger() {
	s.wake()
}

func (s *Scheduler) wake() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.safeCycle()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeCycle()
		case <-s.trigger:
			s.safeCycle()
		}
	}
}

// safeCycle runs one cycle, turning a panic into a log line.
func (s *Scheduler) safeCycle() {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.stats.cyclePanics++
			s.mu.Unlock()
			s.logger.Error().Interface("panic", r).Msg("scheduling cycle panicked")
		}
	}()
	s.runCycle()
}

func (s *Scheduler) hasAgentType(types []string) bool {
	for _, a := range s.agents {
		for _, t := range types {
			if a.Type == t {
				return true
			}
		}
	}
	return false
}

func (s *Scheduler) agentSnapshots() []Agent {
	out := make([]Agent, 0, len(s.agents))
	for _, a := range s.sortedAgents() {
		out = append(out, a.snapshot())
	}
	return out
}

func (s *Scheduler) sortedAgents() []*agentEntry {
	out := make([]*agentEntry, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
