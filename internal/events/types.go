package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Topic() string
	// Subject is the task id, or "<execution>/<step>" for step events.
	Subject() string
}

// Topics
const (
	TopicTask     = "task"
	TopicWorkflow = "workflow"
	TopicStep     = "step"
	TopicProgress = "progress"
)

// Event types
const (
	EventTypeTaskSubmitted     = "task.submitted"
	EventTypeTaskStarted       = "task.started"
	EventTypeTaskCompleted     = "task.completed"
	EventTypeTaskFailed        = "task.failed"
	EventTypeTaskRetrying      = "task.retrying"
	EventTypeTaskCancelled     = "task.cancelled"
	EventTypeExecutionStarted  = "workflow.started"
	EventTypeExecutionFinished = "workflow.finished"
	EventTypeStepStarted       = "step.started"
	EventTypeStepCompleted     = "step.completed"
	EventTypeStepFailed        = "step.failed"
	EventTypeStepSkipped       = "step.skipped"
	EventTypeStepRetrying      = "step.retrying"
	EventTypeSchedulerProgress = "scheduler.progress"
)

// TaskSubmittedEvent is published when a task is accepted into the queue.
type TaskSubmittedEvent struct {
	ID        string
	Title     string
	Priority  string
	Timestamp time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) Topic() string     { return TopicTask }
func (e TaskSubmittedEvent) Subject() string   { return e.ID }

// TaskStartedEvent is published when a task is dispatched to an agent.
type TaskStartedEvent struct {
	ID        string
	AgentID   string
	Attempt   int
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) Topic() string     { return TopicTask }
func (e TaskStartedEvent) Subject() string   { return e.ID }

// TaskCompletedEvent is published when a task completes successfully.
type TaskCompletedEvent struct {
	ID        string
	AgentID   string
	Result    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) Topic() string     { return TopicTask }
func (e TaskCompletedEvent) Subject() string   { return e.ID }

// TaskFailedEvent is published when a task fails terminally.
type TaskFailedEvent struct {
	ID        string
	AgentID   string
	Err       string
	Attempts  int
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) Topic() string     { return TopicTask }
func (e TaskFailedEvent) Subject() string   { return e.ID }

// TaskRetryingEvent is published when a failed attempt will be retried.
type TaskRetryingEvent struct {
	ID        string
	AgentID   string
	Attempt   int
	Delay     time.Duration
	Err       string
	Timestamp time.Time
}

func (e TaskRetryingEvent) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetryingEvent) Topic() string     { return TopicTask }
func (e TaskRetryingEvent) Subject() string   { return e.ID }

// TaskCancelledEvent is published when a task is cancelled.
type TaskCancelledEvent struct {
	ID        string
	AgentID   string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) Topic() string     { return TopicTask }
func (e TaskCancelledEvent) Subject() string   { return e.ID }

// ExecutionStartedEvent is published when a workflow execution begins.
type ExecutionStartedEvent struct {
	ExecutionID string
	WorkflowID  string
	Timestamp   time.Time
}

func (e ExecutionStartedEvent) EventType() string { return EventTypeExecutionStarted }
func (e ExecutionStartedEvent) Topic() string     { return TopicWorkflow }
func (e ExecutionStartedEvent) Subject() string   { return e.ExecutionID }

// ExecutionFinishedEvent is published when an execution reaches a terminal state.
type ExecutionFinishedEvent struct {
	ExecutionID string
	WorkflowID  string
	State       string
	Err         string
	FailedSteps []string
	Duration    time.Duration
	Timestamp   time.Time
}

func (e ExecutionFinishedEvent) EventType() string { return EventTypeExecutionFinished }
func (e ExecutionFinishedEvent) Topic() string     { return TopicWorkflow }
func (e ExecutionFinishedEvent) Subject() string   { return e.ExecutionID }

// StepStartedEvent is published when a step is launched.
type StepStartedEvent struct {
	ExecutionID string
	StepID      string
	AgentID     string
	Timestamp   time.Time
}

func (e StepStartedEvent) EventType() string { return EventTypeStepStarted }
func (e StepStartedEvent) Topic() string     { return TopicStep }
func (e StepStartedEvent) Subject() string   { return e.ExecutionID + "/" + e.StepID }

// StepCompletedEvent is published when a step succeeds.
type StepCompletedEvent struct {
	ExecutionID string
	StepID      string
	AgentID     string
	Duration    time.Duration
	Timestamp   time.Time
}

func (e StepCompletedEvent) EventType() string { return EventTypeStepCompleted }
func (e StepCompletedEvent) Topic() string     { return TopicStep }
func (e StepCompletedEvent) Subject() string   { return e.ExecutionID + "/" + e.StepID }

// StepFailedEvent is published when a step exhausts its retries.
type StepFailedEvent struct {
	ExecutionID string
	StepID      string
	AgentID     string
	Err         string
	Timestamp   time.Time
}

func (e StepFailedEvent) EventType() string { return EventTypeStepFailed }
func (e StepFailedEvent) Topic() string     { return TopicStep }
func (e StepFailedEvent) Subject() string   { return e.ExecutionID + "/" + e.StepID }

// StepSkippedEvent is published when a step is skipped without running.
type StepSkippedEvent struct {
	ExecutionID string
	StepID      string
	Reason      string
	Timestamp   time.Time
}

func (e StepSkippedEvent) EventType() string { return EventTypeStepSkipped }
func (e StepSkippedEvent) Topic() string     { return TopicStep }
func (e StepSkippedEvent) Subject() string   { return e.ExecutionID + "/" + e.StepID }

// StepRetryingEvent is published before a step attempt is retried.
type StepRetryingEvent struct {
	ExecutionID string
	StepID      string
	Attempt     int
	Err         string
	Timestamp   time.Time
}

func (e StepRetryingEvent) EventType() string { return EventTypeStepRetrying }
func (e StepRetryingEvent) Topic() string     { return TopicStep }
func (e StepRetryingEvent) Subject() string   { return e.ExecutionID + "/" + e.StepID }

// SchedulerProgressEvent is published at the end of every scheduling cycle.
type SchedulerProgressEvent struct {
	Mode        string
	Queued      int
	Executing   int
	Completed   int
	Failed      int
	Cancelled   int
	Agents      int
	Utilization float64
	Timestamp   time.Time
}

func (e SchedulerProgressEvent) EventType() string { return EventTypeSchedulerProgress }
func (e SchedulerProgressEvent) Topic() string     { return TopicProgress }
func (e SchedulerProgressEvent) Subject() string   { return "" }
