package scheduler

import (
	"time"
)

const throughputWindow = time.Minute

// Metrics summarises scheduler activity.
type Metrics struct {
	Mode             Mode
	QueueDepth       int
	Executing        int
	Completed        int
	Failed           int
	Cancelled        int
	Retries          int
	SuccessRate      float64 // completed / (completed + failed); 1 when nothing finished
	ThroughputPerMin float64 // completions in the trailing minute
	MeanDuration     time.Duration
	Utilization      float64 // total load / total capacity
	AgentUtilization map[string]float64
	Cycles           uint64
	CyclePanics      uint64
}

// Status is a summary of every task state plus the agent roster.
type Status struct {
	Mode      Mode
	Running   bool
	Queued    int
	Scheduled int
	Executing int
	Retrying  int
	Completed int
	Failed    int
	Cancelled int
	Agents    []Agent
}

// counters accumulates terminal outcomes between metric refreshes.
type counters struct {
	completed     int
	failed        int
	cancelled     int
	retries       int
	totalDuration time.Duration
	recent        []time.Time
	cycles        uint64
	cyclePanics   uint64
}

func (c *counters) recordCompletion(now time.Time, d time.Duration) {
	c.completed++
	c.totalDuration += d
	c.recent = append(c.recent, now)
}

// trim drops completions that fell out of the throughput window.
func (c *counters) trim(now time.Time) {
	cutoff := now.Add(-throughputWindow)
	i := 0
	for i < len(c.recent) && c.recent[i].Before(cutoff) {
		i++
	}
	c.recent = c.recent[i:]
}

func (c *counters) successRate() float64 {
	total := c.completed + c.failed
	if total == 0 {
		return 1
	}
	return float64(c.completed) / float64(total)
}

func (c *counters) meanDuration() time.Duration {
	if c.completed == 0 {
		return 0
	}
	return c.totalDuration / time.Duration(c.completed)
}
