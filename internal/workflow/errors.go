package workflow

import "errors"

var (
	ErrInvalidWorkflow    = errors.New("invalid workflow")
	ErrDuplicateWorkflow  = errors.New("workflow already registered")
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrInvalidTransition  = errors.New("invalid execution state transition")
	ErrStepTimeout        = errors.New("step timed out")
	ErrWorkflowTimeout    = errors.New("workflow timed out")
	ErrExecutionCancelled = errors.New("execution cancelled")
	ErrRunning            = errors.New("engine already running")
)
