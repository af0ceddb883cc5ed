package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/dispatch/internal/backend"
	"github.com/aristath/dispatch/internal/events"
)

const reportTimeout = 10 * time.Second

// dispatch carries everything a worker needs, copied out from under the lock.
type dispatch struct {
	taskID string
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	req    backend.Request
}

// completion is what a worker hands back to the driver loop.
type completion struct {
	taskID  string
	agentID string
	gen     uint64
	output  string
	err     error
	elapsed time.Duration
}

// runCycle performs one scheduling pass: pick ready tasks for free agents,
// dispatch them, reconcile finished attempts, refresh metrics.
func (s *Scheduler) runCycle() {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	for _, d := range s.schedule() {
		s.launch(d)
	}
	if s.reconcile() > 0 {
		// Freed slots and resolved dependencies are acted on without waiting a tick.
		s.wake()
	}
	s.refresh()
}

// schedule selects ready tasks and binds each to an agent.
func (s *Scheduler) schedule() []dispatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.stats.cycles++

	var free []*agentEntry
	slots := 0
	for _, a := range s.sortedAgents() {
		if a.hasCapacity() && s.agentOK(a.ID) {
			free = append(free, a)
			slots += a.MaxCapacity - a.CurrentLoad
		}
	}

	var ready, waiting []*entry
	for _, e := range s.queue.drain() {
		if e.State == StateRetrying && !now.Before(e.notBefore) {
			e.State = StateQueued
		}
		if e.State != StateQueued || len(e.deps) > 0 {
			waiting = append(waiting, e)
			continue
		}
		if e.readySince.IsZero() {
			e.readySince = now
		}
		if s.cfg.MaxQueueWait > 0 && now.Sub(e.readySince) > s.cfg.MaxQueueWait {
			s.finish(e, StateFailed, fmt.Errorf("%w (%s)", ErrQueueTimeout, s.cfg.MaxQueueWait))
			continue
		}
		ready = append(ready, e)
	}

	orderReady(s.mode, ready)

	var out []dispatch
	for _, e := range ready {
		if e.State.Terminal() {
			continue
		}
		if len(out) >= slots {
			waiting = append(waiting, e)
			continue
		}

		var candidates []*agentEntry
		for _, a := range free {
			if a.hasCapacity() && e.acceptsType(a.Type) {
				candidates = append(candidates, a)
			}
		}
		agent := chooseAgent(s.mode, s.scorer, e, candidates)
		if agent == nil || !s.claims.TryClaimAll(e.ID, e.Resources) {
			waiting = append(waiting, e)
			continue
		}

		agent.assign(e.ID)
		e.gen++
		e.State = StateScheduled
		e.AgentID = agent.ID
		e.readySince = time.Time{}
		ctx, cancel := s.attemptContext(e)
		e.cancel = cancel

		out = append(out, dispatch{
			taskID: e.ID,
			gen:    e.gen,
			ctx:    ctx,
			cancel: cancel,
			req: backend.Request{
				AgentID:     agent.ID,
				AgentType:   agent.Type,
				TaskID:      e.ID,
				Description: taskPrompt(e),
				Context: map[string]any{
					"title":      e.Title,
					"priority":   e.Priority.String(),
					"domain":     e.Analysis.Domain,
					"complexity": string(e.Analysis.Complexity),
					"attempt":    e.Attempts + 1,
				},
			},
		})
		s.logger.Debug().Str("task", e.ID).Str("agent", agent.ID).Str("mode", string(s.mode)).Msg("task scheduled")
	}

	for _, e := range waiting {
		if !e.State.Terminal() {
			s.queue.push(e)
		}
	}
	return out
}

// launch moves a scheduled task to executing and starts its worker.
func (s *Scheduler) launch(d dispatch) {
	s.mu.Lock()
	e, ok := s.tasks[d.taskID]
	if !ok || e.gen != d.gen || e.State != StateScheduled {
		// Cancelled or requeued between selection and launch.
		s.mu.Unlock()
		d.cancel()
		return
	}
	e.State = StateExecuting
	e.Attempts++
	e.StartedAt = s.now()
	e.FinishedAt = time.Time{}
	s.bus.Publish(events.TaskStartedEvent{ID: e.ID, AgentID: d.req.AgentID, Attempt: e.Attempts, Timestamp: e.StartedAt})
	s.mu.Unlock()

	s.workers.Go(func() error {
		s.work(d)
		return nil
	})
}

// work runs on its own goroutine and never touches scheduler state directly.
func (s *Scheduler) work(d dispatch) {
	start := time.Now()
	var out string
	var err error

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
			}
		}()
		out, err = s.executor.ExecuteWork(d.ctx, d.req)
	}()

	if err != nil && errors.Is(d.ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrTaskTimeout, err)
	}

	s.doneMu.Lock()
	s.done = append(s.done, completion{
		taskID:  d.taskID,
		agentID: d.req.AgentID,
		gen:     d.gen,
		output:  out,
		err:     err,
		elapsed: time.Since(start),
	})
	s.doneMu.Unlock()
	s.wake()
}

// reconcile applies finished attempts and returns how many it processed.
func (s *Scheduler) reconcile() int {
	s.doneMu.Lock()
	batch := s.done
	s.done = nil
	s.doneMu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, c := range batch {
		s.settle(c, now)
	}
	return len(batch)
}

func (s *Scheduler) settle(c completion, now time.Time) {
	e, ok := s.tasks[c.taskID]
	if !ok || e.gen != c.gen || e.State != StateExecuting {
		s.logger.Debug().Str("task", c.taskID).Msg("ignoring stale completion")
		return
	}

	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	s.claims.ReleaseAll(e.ID, e.Resources)
	if a := s.agents[c.agentID]; a != nil {
		a.release(e.ID)
		a.recordOutcome(c.err == nil, e.EstimatedDuration, c.elapsed, now)
	}
	e.FinishedAt = now

	if c.err == nil {
		e.State = StateCompleted
		e.Result = c.output
		e.Error = ""
		s.stats.recordCompletion(now, c.elapsed)
		for _, depID := range s.dependents[e.ID] {
			if dep := s.tasks[depID]; dep != nil {
				delete(dep.deps, e.ID)
			}
		}
		s.logger.Debug().Str("task", e.ID).Str("agent", c.agentID).Dur("took", c.elapsed).Msg("task completed")
		s.bus.Publish(events.TaskCompletedEvent{ID: e.ID, AgentID: c.agentID, Result: c.output, Duration: c.elapsed, Timestamp: now})
		s.report(e)
		return
	}

	if s.baseCtx.Err() != nil {
		// Shutdown interrupted the attempt; it is not the task's fault.
		s.requeue(e)
		return
	}

	if e.Retries < e.MaxRetries {
		e.Retries++
		s.stats.retries++
		delay := s.nextRetryDelay(e)
		e.State = StateRetrying
		e.Error = c.err.Error()
		e.AgentID = ""
		e.notBefore = now.Add(delay)
		e.readySince = time.Time{}
		s.queue.push(e)

		s.logger.Warn().Err(c.err).Str("task", e.ID).Int("retry", e.Retries).Dur("delay", delay).Msg("task attempt failed, retrying")
		s.bus.Publish(events.TaskRetryingEvent{ID: e.ID, AgentID: c.agentID, Attempt: e.Attempts, Delay: delay, Err: c.err.Error(), Timestamp: now})
		return
	}

	s.finish(e, StateFailed, c.err)
}

// finish moves e to a terminal state, frees what it holds and fails every
// task still waiting on it.
func (s *Scheduler) finish(e *entry, state State, err error) {
	now := s.now()
	agentID := e.AgentID

	e.State = state
	e.FinishedAt = now
	switch {
	case err != nil:
		e.Error = err.Error()
	case state == StateCancelled:
		e.Error = "cancelled"
	}

	s.queue.remove(e)
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if a := s.agents[agentID]; a != nil && a.assigned[e.ID] {
		a.release(e.ID)
	}
	s.claims.ReleaseAll(e.ID, e.Resources)

	switch state {
	case StateFailed:
		s.stats.failed++
		s.logger.Warn().Str("task", e.ID).Str("agent", agentID).Int("attempts", e.Attempts).Str("error", e.Error).Msg("task failed")
		s.bus.Publish(events.TaskFailedEvent{ID: e.ID, AgentID: agentID, Err: e.Error, Attempts: e.Attempts, Duration: e.Duration(), Timestamp: now})
	case StateCancelled:
		s.stats.cancelled++
		s.logger.Info().Str("task", e.ID).Msg("task cancelled")
		s.bus.Publish(events.TaskCancelledEvent{ID: e.ID, AgentID: agentID, Timestamp: now})
	}
	s.report(e)

	for _, depID := range s.dependents[e.ID] {
		dep := s.tasks[depID]
		if dep == nil || dep.State.Terminal() || !dep.deps[e.ID] {
			continue
		}
		s.finish(dep, StateFailed, fmt.Errorf("%w: %s was %s", ErrDependencyFailed, e.ID, state))
	}
}

// requeue returns an interrupted task to the queue without consuming a retry.
func (s *Scheduler) requeue(e *entry) {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if a := s.agents[e.AgentID]; a != nil {
		a.release(e.ID)
	}
	s.claims.ReleaseAll(e.ID, e.Resources)

	e.gen++
	e.State = StateQueued
	e.AgentID = ""
	e.StartedAt = time.Time{}
	e.readySince = time.Time{}
	s.queue.remove(e)
	s.queue.push(e)
}

// refresh publishes a progress snapshot.
func (s *Scheduler) refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.stats.trim(now)

	ev := events.SchedulerProgressEvent{
		Mode:      string(s.mode),
		Completed: s.stats.completed,
		Failed:    s.stats.failed,
		Cancelled: s.stats.cancelled,
		Agents:    len(s.agents),
		Timestamp: now,
	}
	for _, e := range s.tasks {
		switch e.State {
		case StateQueued, StateRetrying, StateScheduled:
			ev.Queued++
		case StateExecuting:
			ev.Executing++
		}
	}
	load, capacity := 0, 0
	for _, a := range s.agents {
		load += a.CurrentLoad
		capacity += a.MaxCapacity
	}
	if capacity > 0 {
		ev.Utilization = float64(load) / float64(capacity)
	}
	s.bus.Publish(ev)
}

// attemptContext bounds one attempt by the estimate-derived timeout and the deadline.
func (s *Scheduler) attemptContext(e *entry) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(s.baseCtx)
	cancels := []context.CancelFunc{cancel}

	if e.EstimatedDuration > 0 && s.cfg.TimeoutFactor > 0 {
		timeout := time.Duration(float64(e.EstimatedDuration) * s.cfg.TimeoutFactor)
		var c context.CancelFunc
		ctx, c = context.WithTimeout(ctx, timeout)
		cancels = append(cancels, c)
	}
	if e.Deadline != nil {
		var c context.CancelFunc
		ctx, c = context.WithDeadline(ctx, *e.Deadline)
		cancels = append(cancels, c)
	}

	return ctx, func() {
		for i := len(cancels) - 1; i >= 0; i-- {
			cancels[i]()
		}
	}
}

func (s *Scheduler) nextRetryDelay(e *entry) time.Duration {
	if e.retryDelay == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = s.cfg.RetryInitial
		b.MaxInterval = s.cfg.RetryMax
		b.MaxElapsedTime = 0
		b.Reset()
		e.retryDelay = b
	}
	d := e.retryDelay.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		d = s.cfg.RetryMax
	}
	return d
}

// report hands a terminal record to the reporter without blocking the caller.
func (s *Scheduler) report(e *entry) {
	if s.reporter == nil {
		return
	}
	t := e.snapshot()
	s.reports.Add(1)
	go func() {
		defer s.reports.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Str("task", t.ID).Msg("reporter panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := s.reporter.ReportTask(ctx, t); err != nil {
			s.logger.Warn().Err(err).Str("task", t.ID).Msg("failed to report task")
		}
	}()
}

func taskPrompt(e *entry) string {
	switch {
	case e.Title == "":
		return e.Description
	case e.Description == "":
		return e.Title
	default:
		return e.Title + "\n\n" + e.Description
	}
}
