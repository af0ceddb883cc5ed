package scheduler

import (
	"sync"
	"time"

	"github.com/aristath/dispatch/internal/analysis"
)

// Reservation is a capacity slot held on one agent by work that does not go
// through the task queue, such as a workflow step. The slot counts toward the
// agent's load until Finish or Release is called; only the first call has
// any effect.
type Reservation struct {
	AgentID string

	s      *Scheduler
	holder string
	once   sync.Once
}

// Reserve assigns holder to the best ranked agent of agentType that has spare
// capacity and passes the agent filter. ok is false when no such agent exists
// or holder already holds a slot.
func (s *Scheduler) Reserve(holder, agentType, description string) (*Reservation, bool) {
	an := s.analyzer.Analyze(analysis.Input{Description: description, CreatedAt: s.now()})

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[holder]; exists {
		return nil, false
	}
	caps := make([]analysis.AgentCapability, 0, len(s.agents))
	for _, a := range s.sortedAgents() {
		if a.assigned[holder] {
			return nil, false
		}
		if s.agentOK(a.ID) {
			caps = append(caps, a.capability(an))
		}
	}
	ranked := s.scorer.Rank(an, caps, []string{agentType})
	if len(ranked) == 0 {
		return nil, false
	}

	a := s.agents[ranked[0].AgentID]
	a.assign(holder)
	s.logger.Debug().Str("holder", holder).Str("agent", a.ID).Int("load", a.CurrentLoad).Msg("agent slot reserved")
	return &Reservation{AgentID: a.ID, s: s, holder: holder}, true
}

// Finish records the held work's outcome against the agent's performance and
// frees the slot. A nil err counts as a success.
func (r *Reservation) Finish(err error, elapsed time.Duration) {
	r.end(true, err == nil, elapsed)
}

// Release frees the slot without recording an outcome.
func (r *Reservation) Release() {
	r.end(false, false, 0)
}

func (r *Reservation) end(record, success bool, elapsed time.Duration) {
	r.once.Do(func() {
		s := r.s
		s.mu.Lock()
		// The agent may have been unregistered while the slot was held.
		if a, ok := s.agents[r.AgentID]; ok && a.assigned[r.holder] {
			a.release(r.holder)
			if record {
				a.recordOutcome(success, 0, elapsed, s.now())
			}
		}
		s.mu.Unlock()
		s.wake()
	})
}
