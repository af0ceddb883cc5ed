package workflow

import "time"

// Metrics aggregates engine activity. Terminal counts are cumulative and
// survive pruning of retained executions.
type Metrics struct {
	Workflows       int
	Executions      int // created since start
	Active          int
	Pending         int
	Running         int
	Paused          int
	Completed       int
	Failed          int
	Cancelled       int
	Triggered       int
	MeanDuration    time.Duration
	StepsCompleted  int
	StepsFailed     int
	StepsSkipped    int
	StepRetries     int
	StepSuccessRate float64
}

type counters struct {
	created        int
	triggered      int
	completed      int
	failed         int
	cancelled      int
	totalDuration  time.Duration
	finished       int
	stepsCompleted int
	stepsFailed    int
	stepsSkipped   int
	stepRetries    int
}

func (c *counters) meanDuration() time.Duration {
	if c.finished == 0 {
		return 0
	}
	return c.totalDuration / time.Duration(c.finished)
}

func (c *counters) stepSuccessRate() float64 {
	total := c.stepsCompleted + c.stepsFailed
	if total == 0 {
		return 0
	}
	return float64(c.stepsCompleted) / float64(total)
}
