package analysis

import (
	"fmt"
	"strings"
	"time"
)

// Priority is the declared urgency of a task.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityUrgent
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Weight returns the multiplier applied to assignment scores.
func (p Priority) Weight() float64 {
	switch p {
	case PriorityLow:
		return 0.5
	case PriorityHigh:
		return 1.5
	case PriorityUrgent:
		return 2.0
	default:
		return 1.0
	}
}

// ParsePriority parses a priority name. Empty input yields PriorityMedium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "medium", "normal":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "urgent", "critical":
		return PriorityUrgent, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

// ComplexityLevel buckets a complexity score.
type ComplexityLevel string

const (
	ComplexitySimple  ComplexityLevel = "simple"
	ComplexityMedium  ComplexityLevel = "medium"
	ComplexityComplex ComplexityLevel = "complex"
	ComplexityEpic    ComplexityLevel = "epic"
)

// LevelForScore maps a score in [0,1] onto a complexity bucket.
func LevelForScore(score float64) ComplexityLevel {
	switch {
	case score < 0.3:
		return ComplexitySimple
	case score < 0.6:
		return ComplexityMedium
	case score < 0.8:
		return ComplexityComplex
	default:
		return ComplexityEpic
	}
}

// SkillRequirement is one competency a task needs.
type SkillRequirement struct {
	Skill             string  `json:"skill"`
	Importance        float64 `json:"importance"`
	ProficiencyNeeded float64 `json:"proficiency_needed"`
}

// TaskAnalysis is the derived, immutable estimate of a task's shape.
type TaskAnalysis struct {
	Complexity         ComplexityLevel    `json:"complexity"`
	ComplexityScore    float64            `json:"complexity_score"`
	Skills             []SkillRequirement `json:"skills"`
	Domain             string             `json:"domain"`
	EstimatedHours     float64            `json:"estimated_hours"`
	NeedsCollaboration bool               `json:"needs_collaboration"`
	PriorityWeight     float64            `json:"priority_weight"`
	Urgency            float64            `json:"urgency"`
	Confidence         float64            `json:"confidence"`
}

// SkillNames returns the required skill names in importance order.
func (a TaskAnalysis) SkillNames() []string {
	names := make([]string, 0, len(a.Skills))
	for _, s := range a.Skills {
		names = append(names, s.Skill)
	}
	return names
}

// Input is the text and metadata a task is analysed from.
type Input struct {
	Title       string
	Description string
	Priority    Priority
	CreatedAt   time.Time
	Deadline    *time.Time
}

// AgentCapability is a point-in-time snapshot of an agent used for scoring.
type AgentCapability struct {
	AgentID             string
	AgentType           string
	Skills              map[string]float64 // skill -> proficiency in [0,1]
	WorkloadHours       float64
	MaxWorkload         float64
	CurrentLoad         int
	MaxCapacity         int
	PerformanceScore    float64 // [0,2], 1.0 nominal
	SpecializationBonus float64 // [0,0.3]
}

// Availability is 1 - workload/maxWorkload, clamped to [0,1].
func (c AgentCapability) Availability() float64 {
	if c.MaxWorkload <= 0 {
		return 0
	}
	return clamp01(1 - c.WorkloadHours/c.MaxWorkload)
}

// AssignmentScore ranks one agent for one task.
type AssignmentScore struct {
	AgentID   string  `json:"agent_id"`
	Total     float64 `json:"total"`
	SkillFit  float64 `json:"skill_fit"`
	Reasoning string  `json:"reasoning"`
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
