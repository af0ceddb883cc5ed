package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aristath/dispatch/internal/backend"
	"github.com/aristath/dispatch/internal/events"
)

const reportTimeout = 10 * time.Second

// stepDispatch is everything a step worker needs, copied out from under the lock.
type stepDispatch struct {
	execID     string
	workflowID string
	stepID     string
	ctx        context.Context
	timeout    time.Duration
	retries    int
	req        backend.Request
}

// stepCompletion is what a step worker hands back to the driver loop.
type stepCompletion struct {
	execID   string
	stepID   string
	output   string
	err      error
	attempts int
	elapsed  time.Duration
}

// runCycle applies finished steps, fires due triggers and advances every
// active execution.
func (e *Engine) runCycle() {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.reconcile()

	e.mu.Lock()
	now := e.now()
	e.checkTriggers(now)
	var out []stepDispatch
	for _, r := range e.sortedRuns() {
		if !r.State.Terminal() {
			out = append(out, e.advance(r, now)...)
		}
	}
	e.prune()
	e.mu.Unlock()

	for _, d := range out {
		e.workers.Go(func() error {
			e.runStep(d)
			return nil
		})
	}
}

// advance moves one execution forward: skips, readiness and launches, in
// topological order so a skip unlocks its dependents within the same pass.
func (e *Engine) advance(r *run, now time.Time) []stepDispatch {
	if r.State == ExecutionPending {
		e.startRun(r, now)
	}
	if r.ctx == nil && !r.StartedAt.IsZero() {
		e.ensureContext(r)
	}
	if t := r.wf.def.Timeout; t > 0 && !r.StartedAt.IsZero() && now.Sub(r.StartedAt) > t {
		e.finishRun(r, ExecutionFailed, fmt.Errorf("%w after %s", ErrWorkflowTimeout, t))
		return nil
	}

	var out []stepDispatch
	for _, id := range r.wf.graph.order {
		st := r.steps[id]
		if st.State != StepWaiting && st.State != StepReady {
			continue
		}

		ready, skipReason := e.dependenciesMet(r, st)
		if skipReason != "" {
			e.skipStep(r, st, skipReason, now)
			continue
		}
		if !ready {
			continue
		}
		st.State = StepReady
		if r.State != ExecutionRunning {
			continue
		}

		if e.groupWon(r, st) {
			e.skipStep(r, st, fmt.Sprintf("group %s already satisfied", st.def.Group), now)
			continue
		}
		if c := st.def.Condition; c != nil && !c.Evaluate(r.Context) {
			e.skipStep(r, st, fmt.Sprintf("condition on %s not met", c.Variable), now)
			continue
		}

		desc, err := render(r.wf.templates[id], promptData{
			Context:     r.Context,
			ExecutionID: r.ID,
			WorkflowID:  r.WorkflowID,
			StepID:      id,
		})
		if err != nil {
			st.State = StepFailed
			st.Error = fmt.Sprintf("render template: %v", err)
			st.FinishedAt = now
			e.stats.stepsFailed++
			e.bus.Publish(events.StepFailedEvent{ExecutionID: r.ID, StepID: id, Err: st.Error, Timestamp: now})
			r.FailedSteps = append(r.FailedSteps, id)
			e.finishRun(r, ExecutionFailed, fmt.Errorf("step %s: %s", id, st.Error))
			return nil
		}

		agentID, lease, ok := e.picker.PickAgent(r.ID+"/"+id, st.def.AgentType, desc)
		if !ok {
			continue
		}
		out = append(out, e.launch(r, st, agentID, lease, desc, now))
	}

	if r.State == ExecutionRunning && e.allDone(r) {
		e.finishRun(r, ExecutionCompleted, nil)
	}
	return out
}

func (e *Engine) startRun(r *run, now time.Time) {
	r.State = ExecutionRunning
	r.StartedAt = now
	e.ensureContext(r)
	e.logger.Info().Str("execution", r.ID).Str("workflow", r.WorkflowID).Msg("execution started")
	e.bus.Publish(events.ExecutionStartedEvent{ExecutionID: r.ID, WorkflowID: r.WorkflowID, Timestamp: now})
}

// ensureContext creates the parent context for the run's step attempts.
func (e *Engine) ensureContext(r *run) {
	if t := r.wf.def.Timeout; t > 0 {
		r.ctx, r.cancel = context.WithDeadline(e.baseCtx, r.StartedAt.Add(t))
		return
	}
	r.ctx, r.cancel = context.WithCancel(e.baseCtx)
}

// dependenciesMet reports whether st may run. A non-empty skip reason means
// st can never run and should be skipped.
func (e *Engine) dependenciesMet(r *run, st *stepRun) (bool, string) {
	for _, depID := range st.def.DependsOn {
		dep := r.steps[depID]
		switch dep.State {
		case StepCompleted:
			continue
		case StepSkipped:
			if st.def.StrictDependencies {
				return false, fmt.Sprintf("dependency %s was skipped", depID)
			}
		case StepFailed:
			// A failed member of a won "first" group counts as skipped.
			if !e.groupWon(r, dep) {
				return false, ""
			}
			if st.def.StrictDependencies {
				return false, fmt.Sprintf("dependency %s failed", depID)
			}
		default:
			return false, ""
		}
	}
	return true, ""
}

// groupWon reports whether st belongs to a "first" group that already has a
// completed member.
func (e *Engine) groupWon(r *run, st *stepRun) bool {
	if r.wf.groupMode(st.def) != GroupFirst {
		return false
	}
	for _, other := range r.steps {
		if other != st && other.def.Group == st.def.Group && other.State == StepCompleted {
			return true
		}
	}
	return false
}

// groupAlive reports whether a sibling in st's "first" group may still complete.
func (e *Engine) groupAlive(r *run, st *stepRun) bool {
	if r.wf.groupMode(st.def) != GroupFirst {
		return false
	}
	for _, other := range r.steps {
		if other == st || other.def.Group != st.def.Group {
			continue
		}
		if other.State == StepCompleted || !other.State.Terminal() {
			return true
		}
	}
	return false
}

func (e *Engine) allDone(r *run) bool {
	for _, st := range r.steps {
		switch st.State {
		case StepCompleted, StepSkipped:
		case StepFailed:
			if !e.groupWon(r, st) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (e *Engine) skipStep(r *run, st *stepRun, reason string, now time.Time) {
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	e.releaseLease(st)
	st.State = StepSkipped
	st.SkipReason = reason
	st.FinishedAt = now
	e.stats.stepsSkipped++
	e.logger.Debug().Str("execution", r.ID).Str("step", st.ID).Str("reason", reason).Msg("step skipped")
	e.bus.Publish(events.StepSkippedEvent{ExecutionID: r.ID, StepID: st.ID, Reason: reason, Timestamp: now})
}

// launch marks st running and builds its dispatch.
func (e *Engine) launch(r *run, st *stepRun, agentID string, lease Lease, desc string, now time.Time) stepDispatch {
	ctx, cancel := context.WithCancel(r.ctx)
	st.cancel = cancel
	st.lease = lease
	st.State = StepRunning
	st.AgentID = agentID
	st.Description = desc
	st.StartedAt = now
	st.FinishedAt = time.Time{}
	st.Error = ""

	timeout := st.def.Timeout
	if timeout <= 0 {
		timeout = e.cfg.StepTimeout
	}

	e.logger.Debug().Str("execution", r.ID).Str("step", st.ID).Str("agent", agentID).Msg("step started")
	e.bus.Publish(events.StepStartedEvent{ExecutionID: r.ID, StepID: st.ID, AgentID: agentID, Timestamp: now})

	return stepDispatch{
		execID:     r.ID,
		workflowID: r.WorkflowID,
		stepID:     st.ID,
		ctx:        ctx,
		timeout:    timeout,
		retries:    st.def.Retries,
		req: backend.Request{
			AgentID:     agentID,
			AgentType:   st.def.AgentType,
			TaskID:      r.ID + "/" + st.ID,
			Description: desc,
			Context: map[string]any{
				"execution_id": r.ID,
				"workflow_id":  r.WorkflowID,
				"step_id":      st.ID,
				"variables":    copyContext(r.Context),
			},
		},
	}
}

// runStep runs on its own goroutine: every attempt plus the retry delays.
func (e *Engine) runStep(d stepDispatch) {
	start := time.Now()
	attempts := 0
	var output string

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.RetryInitial
	policy.MaxInterval = e.cfg.RetryMax
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.retries)), d.ctx)

	op := func() error {
		attempts++
		out, err := e.attempt(d)
		if err == nil {
			output = out
			return nil
		}
		if d.ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		e.logger.Warn().Err(err).Str("execution", d.execID).Str("step", d.stepID).Int("attempt", attempts).Dur("delay", delay).Msg("step attempt failed, retrying")
		e.bus.Publish(events.StepRetryingEvent{ExecutionID: d.execID, StepID: d.stepID, Attempt: attempts, Err: err.Error(), Timestamp: time.Now()})
	}
	err := backoff.RetryNotify(op, b, notify)

	e.doneMu.Lock()
	e.done = append(e.done, stepCompletion{
		execID:   d.execID,
		stepID:   d.stepID,
		output:   output,
		err:      err,
		attempts: attempts,
		elapsed:  time.Since(start),
	})
	e.doneMu.Unlock()
	e.wake()
}

// attempt performs one bounded call to the executor.
func (e *Engine) attempt(d stepDispatch) (out string, err error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step worker panicked: %v", r)
		}
	}()

	out, err = e.executor.ExecuteWork(ctx, d.req)
	if err != nil && d.ctx.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s: %w", ErrStepTimeout, d.timeout, err)
	}
	return out, err
}

// reconcile applies finished steps and returns how many it processed.
func (e *Engine) reconcile() int {
	e.doneMu.Lock()
	batch := e.done
	e.done = nil
	e.doneMu.Unlock()

	if len(batch) == 0 {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	for _, c := range batch {
		e.settle(c, now)
	}
	return len(batch)
}

func (e *Engine) settle(c stepCompletion, now time.Time) {
	r, ok := e.runs[c.execID]
	if !ok || r.State.Terminal() {
		return
	}
	st := r.steps[c.stepID]
	if st == nil || st.State != StepRunning {
		// Skipped by its group or the run while in flight.
		return
	}
	if st.cancel != nil {
		st.cancel()
		st.cancel = nil
	}
	st.Attempts += c.attempts
	e.stats.stepRetries += max(c.attempts-1, 0)

	if c.err == nil {
		e.endLease(st, nil, c.elapsed)
		st.State = StepCompleted
		st.Output = c.output
		st.FinishedAt = now
		r.Results[st.ID] = c.output
		r.Context[st.def.outputKey()] = c.output
		e.stats.stepsCompleted++
		e.logger.Debug().Str("execution", r.ID).Str("step", st.ID).Dur("took", c.elapsed).Msg("step completed")
		e.bus.Publish(events.StepCompletedEvent{ExecutionID: r.ID, StepID: st.ID, AgentID: st.AgentID, Duration: c.elapsed, Timestamp: now})

		if r.wf.groupMode(st.def) == GroupFirst {
			for _, id := range r.wf.graph.order {
				other := r.steps[id]
				if other != st && other.def.Group == st.def.Group && !other.State.Terminal() {
					e.skipStep(r, other, fmt.Sprintf("group %s won by %s", st.def.Group, st.ID), now)
				}
			}
		}
		return
	}

	if e.baseCtx.Err() != nil {
		// Shutdown interrupted the step; it runs again after restart.
		e.releaseLease(st)
		st.State = StepWaiting
		st.AgentID = ""
		st.StartedAt = time.Time{}
		return
	}
	e.endLease(st, c.err, c.elapsed)
	if r.ctx != nil && errors.Is(r.ctx.Err(), context.DeadlineExceeded) {
		e.finishRun(r, ExecutionFailed, fmt.Errorf("%w after %s", ErrWorkflowTimeout, r.wf.def.Timeout))
		return
	}

	st.State = StepFailed
	st.Error = c.err.Error()
	st.FinishedAt = now
	e.stats.stepsFailed++
	e.logger.Warn().Str("execution", r.ID).Str("step", st.ID).Int("attempts", st.Attempts).Str("error", st.Error).Msg("step failed")
	e.bus.Publish(events.StepFailedEvent{ExecutionID: r.ID, StepID: st.ID, AgentID: st.AgentID, Err: st.Error, Timestamp: now})

	if e.groupAlive(r, st) {
		return
	}
	if r.wf.groupMode(st.def) == GroupFirst {
		for _, id := range r.wf.graph.order {
			if other := r.steps[id]; other.def.Group == st.def.Group && other.State == StepFailed {
				r.FailedSteps = append(r.FailedSteps, id)
			}
		}
	} else {
		r.FailedSteps = append(r.FailedSteps, st.ID)
	}
	e.finishRun(r, ExecutionFailed, fmt.Errorf("step %s failed: %s", st.ID, st.Error))
}

// endLease records the step outcome on its agent and frees the slot.
func (e *Engine) endLease(st *stepRun, err error, elapsed time.Duration) {
	if st.lease == nil {
		return
	}
	st.lease.Finish(err, elapsed)
	st.lease = nil
}

// releaseLease frees the step's agent slot without recording an outcome.
func (e *Engine) releaseLease(st *stepRun) {
	if st.lease == nil {
		return
	}
	st.lease.Release()
	st.lease = nil
}

// finishRun moves r to a terminal state and stops its in-flight steps.
func (e *Engine) finishRun(r *run, state ExecutionState, err error) {
	now := e.now()
	r.State = state
	r.FinishedAt = now
	if r.StartedAt.IsZero() {
		r.StartedAt = now
	}
	if err != nil {
		r.Error = err.Error()
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	for _, id := range r.wf.graph.order {
		if st := r.steps[id]; st.State == StepRunning {
			e.skipStep(r, st, "execution "+string(state), now)
		}
	}

	e.stats.finished++
	e.stats.totalDuration += r.Duration()
	switch state {
	case ExecutionCompleted:
		e.stats.completed++
		e.logger.Info().Str("execution", r.ID).Str("workflow", r.WorkflowID).Dur("took", r.Duration()).Msg("execution completed")
	case ExecutionFailed:
		e.stats.failed++
		e.logger.Warn().Str("execution", r.ID).Str("workflow", r.WorkflowID).Strs("failed_steps", r.FailedSteps).Str("error", r.Error).Msg("execution failed")
	case ExecutionCancelled:
		e.stats.cancelled++
		e.logger.Info().Str("execution", r.ID).Str("workflow", r.WorkflowID).Msg("execution cancelled")
	}

	e.bus.Publish(events.ExecutionFinishedEvent{
		ExecutionID: r.ID,
		WorkflowID:  r.WorkflowID,
		State:       string(state),
		Err:         r.Error,
		FailedSteps: append([]string(nil), r.FailedSteps...),
		Duration:    r.Duration(),
		Timestamp:   now,
	})
	close(r.done)
	e.report(r)
}

// prune drops the oldest terminal executions beyond MaxRetained.
func (e *Engine) prune() {
	var terminal []*run
	for _, r := range e.runs {
		if r.State.Terminal() {
			terminal = append(terminal, r)
		}
	}
	excess := len(terminal) - e.cfg.MaxRetained
	if excess <= 0 {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		if !terminal[i].FinishedAt.Equal(terminal[j].FinishedAt) {
			return terminal[i].FinishedAt.Before(terminal[j].FinishedAt)
		}
		return terminal[i].seq < terminal[j].seq
	})
	for _, r := range terminal[:excess] {
		delete(e.runs, r.ID)
	}
}

// report hands a terminal execution to the reporter without blocking the caller.
func (e *Engine) report(r *run) {
	if e.reporter == nil {
		return
	}
	exec := r.snapshot()
	e.reports.Add(1)
	go func() {
		defer e.reports.Done()
		defer func() {
			if p := recover(); p != nil {
				e.logger.Error().Interface("panic", p).Str("execution", exec.ID).Msg("reporter panicked")
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()
		if err := e.reporter.ReportExecution(ctx, exec); err != nil {
			e.logger.Warn().Err(err).Str("execution", exec.ID).Msg("failed to report execution")
		}
	}()
}
