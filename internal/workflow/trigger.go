package workflow

import (
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// triggerState tracks when a recurring workflow is next due.
type triggerState struct {
	schedule cron.Schedule
	next     time.Time
}

// newTriggerState uses a constant-delay schedule, so intervals are rounded to
// whole seconds with a one second minimum.
func newTriggerState(every time.Duration, now time.Time) *triggerState {
	s := cron.Every(every)
	return &triggerState{schedule: s, next: s.Next(now)}
}

// checkTriggers starts every workflow whose trigger is due. A workflow that
// still has an active execution is skipped unless it allows overlap. Must be
// called with mu held.
func (e *Engine) checkTriggers(now time.Time) {
	if len(e.triggers) == 0 {
		return
	}

	ids := make([]string, 0, len(e.triggers))
	for id := range e.triggers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		ts := e.triggers[id]
		if now.Before(ts.next) {
			continue
		}
		ts.next = ts.schedule.Next(now)

		wf, ok := e.workflows[id]
		if !ok {
			continue
		}
		if !wf.def.Trigger.AllowOverlap && e.hasActiveRun(id) {
			e.logger.Debug().Str("workflow", id).Msg("trigger skipped, previous execution still active")
			continue
		}
		r := e.createRun(wf, wf.def.Trigger.Context, true)
		e.logger.Info().Str("workflow", id).Str("execution", r.ID).Time("next", ts.next).Msg("workflow triggered")
	}
}

// NextTrigger reports when workflowID is next due, if it has a trigger.
func (e *Engine) NextTrigger(workflowID string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts, ok := e.triggers[workflowID]
	if !ok {
		return time.Time{}, false
	}
	return ts.next, true
}

func (e *Engine) hasActiveRun(workflowID string) bool {
	for _, r := range e.runs {
		if r.WorkflowID == workflowID && !r.State.Terminal() {
			return true
		}
	}
	return false
}
