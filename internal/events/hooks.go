package events

import (
	"github.com/rs/zerolog"
)

// Hooks are optional callbacks for engine transitions. Callbacks run one at a
// time on the subscriber goroutine, in publish order. A slow hook delays later
// hooks but never an engine: the bus drops events for a full subscriber. A
// panicking hook is logged and delivery continues.
type Hooks struct {
	OnTaskStarted       func(taskID, agentID string)
	OnTaskCompleted     func(taskID, agentID string, seconds float64)
	OnTaskFailed        func(taskID, agentID, msg string)
	OnStepStarted       func(executionID, stepID, agentID string)
	OnStepCompleted     func(executionID, stepID, agentID string, seconds float64)
	OnStepFailed        func(executionID, stepID, agentID, msg string)
	OnStepSkipped       func(executionID, stepID, reason string)
	OnExecutionFinished func(executionID, workflowID, state string)

	// Logger receives recovered hook panics. Zero value discards them.
	Logger zerolog.Logger
}

// Attach subscribes the hooks to bus and returns a function that detaches them.
func (h Hooks) Attach(bus *Bus) (detach func()) {
	sub := bus.SubscribeAll(0)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range sub {
			h.dispatch(ev)
		}
	}()

	return func() {
		bus.Unsubscribe(sub)
		<-done
	}
}

func (h Hooks) dispatch(ev Event) {
	switch e := ev.(type) {
	case TaskStartedEvent:
		if h.OnTaskStarted != nil {
			h.run(ev, func() { h.OnTaskStarted(e.ID, e.AgentID) })
		}
	case TaskCompletedEvent:
		if h.OnTaskCompleted != nil {
			h.run(ev, func() { h.OnTaskCompleted(e.ID, e.AgentID, e.Duration.Seconds()) })
		}
	case TaskFailedEvent:
		if h.OnTaskFailed != nil {
			h.run(ev, func() { h.OnTaskFailed(e.ID, e.AgentID, e.Err) })
		}
	case StepStartedEvent:
		if h.OnStepStarted != nil {
			h.run(ev, func() { h.OnStepStarted(e.ExecutionID, e.StepID, e.AgentID) })
		}
	case StepCompletedEvent:
		if h.OnStepCompleted != nil {
			h.run(ev, func() { h.OnStepCompleted(e.ExecutionID, e.StepID, e.AgentID, e.Duration.Seconds()) })
		}
	case StepFailedEvent:
		if h.OnStepFailed != nil {
			h.run(ev, func() { h.OnStepFailed(e.ExecutionID, e.StepID, e.AgentID, e.Err) })
		}
	case StepSkippedEvent:
		if h.OnStepSkipped != nil {
			h.run(ev, func() { h.OnStepSkipped(e.ExecutionID, e.StepID, e.Reason) })
		}
	case ExecutionFinishedEvent:
		if h.OnExecutionFinished != nil {
			h.run(ev, func() { h.OnExecutionFinished(e.ExecutionID, e.WorkflowID, e.State) })
		}
	}
}

func (h Hooks) run(ev Event, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.Logger.Error().
				Str("event", ev.EventType()).
				Str("subject", ev.Subject()).
				Interface("panic", r).
				Msg("event hook panicked")
		}
	}()
	fn()
}
