package scheduler

import "errors"

var (
	// Submission validation. These are returned synchronously and the task
	// never enters the queue.
	ErrInvalidSubmission = errors.New("invalid submission")
	ErrDuplicateTask     = errors.New("duplicate task id")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrNoMatchingAgent   = errors.New("no agent of the required type is registered")

	// Recorded on failed tasks.
	ErrDependencyFailed = errors.New("dependency failed")
	ErrQueueTimeout     = errors.New("queued longer than the maximum wait")
	ErrTaskTimeout      = errors.New("task timed out")
	ErrWorkerPanic      = errors.New("worker panicked")

	ErrTaskNotFound   = errors.New("task not found")
	ErrAgentNotFound  = errors.New("agent not found")
	ErrDuplicateAgent = errors.New("duplicate agent id")
	ErrInvalidAgent   = errors.New("invalid agent")
	ErrInvalidMode    = errors.New("invalid scheduling mode")
	ErrRunning        = errors.New("scheduler already running")
)
