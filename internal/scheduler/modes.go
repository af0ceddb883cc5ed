package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/dispatch/internal/analysis"
)

// Mode is the policy deciding which ready task gets the next free agent.
type Mode string

const (
	ModeFIFO         Mode = "fifo"
	ModePriority     Mode = "priority"
	ModeLoadBalanced Mode = "loadBalanced"
	ModeDeadline     Mode = "deadline"
	ModeSmart        Mode = "smart"
)

// Modes lists every supported mode.
var Modes = []Mode{ModeFIFO, ModePriority, ModeLoadBalanced, ModeDeadline, ModeSmart}

// ParseMode parses a mode name, case-insensitively. "load_balanced" and
// "load-balanced" are accepted aliases.
func ParseMode(s string) (Mode, error) {
	norm := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(strings.TrimSpace(s)))
	for _, m := range Modes {
		if strings.ToLower(string(m)) == norm {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// orderReady sorts ready tasks in the order the mode dispatches them.
func orderReady(mode Mode, ready []*entry) {
	switch mode {
	case ModeFIFO:
		sort.SliceStable(ready, func(i, j int) bool {
			a, b := ready[i], ready[j]
			if !a.SubmittedAt.Equal(b.SubmittedAt) {
				return a.SubmittedAt.Before(b.SubmittedAt)
			}
			return a.seq < b.seq
		})
	case ModeDeadline:
		sort.SliceStable(ready, func(i, j int) bool {
			a, b := ready[i], ready[j]
			switch {
			case a.Deadline != nil && b.Deadline != nil:
				if !a.Deadline.Equal(*b.Deadline) {
					return a.Deadline.Before(*b.Deadline)
				}
			case a.Deadline != nil:
				return true
			case b.Deadline != nil:
				return false
			}
			return byPriority(a, b)
		})
	default:
		sort.SliceStable(ready, func(i, j int) bool {
			return byPriority(ready[i], ready[j])
		})
	}
}

// chooseAgent picks an agent for e from candidates, which are sorted by id and
// all have spare capacity and an acceptable type. Returns nil if none fits.
func chooseAgent(mode Mode, scorer *analysis.Scorer, e *entry, candidates []*agentEntry) *agentEntry {
	if len(candidates) == 0 {
		return nil
	}

	switch mode {
	case ModeLoadBalanced:
		best := candidates[0]
		for _, a := range candidates[1:] {
			if a.Utilization() < best.Utilization() {
				best = a
			}
		}
		return best

	case ModeSmart:
		caps := make([]analysis.AgentCapability, len(candidates))
		byID := make(map[string]*agentEntry, len(candidates))
		for i, a := range candidates {
			caps[i] = a.capability(e.Analysis)
			byID[a.ID] = a
		}
		ranked := scorer.Rank(e.Analysis, caps, e.AgentTypes)
		if len(ranked) == 0 {
			return nil
		}
		return byID[ranked[0].AgentID]

	default:
		return candidates[0]
	}
}
