package analysis

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Weights are the relative contributions of each factor to an assignment score.
type Weights struct {
	Skill           float64 `mapstructure:"skill" yaml:"skill"`
	Availability    float64 `mapstructure:"availability" yaml:"availability"`
	Performance     float64 `mapstructure:"performance" yaml:"performance"`
	RawAvailability float64 `mapstructure:"raw_availability" yaml:"raw_availability"`
	Specialization  float64 `mapstructure:"specialization" yaml:"specialization"`
}

// DefaultWeights returns the stock heuristic weights. They are not tuned.
func DefaultWeights() Weights {
	return Weights{
		Skill:           0.40,
		Availability:    0.25,
		Performance:     0.20,
		RawAvailability: 0.10,
		Specialization:  0.05,
	}
}

// Validate rejects negative or all-zero weights.
func (w Weights) Validate() error {
	vals := []float64{w.Skill, w.Availability, w.Performance, w.RawAvailability, w.Specialization}
	sum := 0.0
	for _, v := range vals {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("scoring weights must be non-negative, got %+v", w)
		}
		sum += v
	}
	if sum == 0 {
		return errors.New("scoring weights must not all be zero")
	}
	return nil
}

// Scorer ranks agents for a task.
type Scorer struct {
	weights Weights
}

// NewScorer creates a Scorer. Invalid weights fall back to DefaultWeights.
func NewScorer(w Weights) *Scorer {
	if err := w.Validate(); err != nil {
		w = DefaultWeights()
	}
	return &Scorer{weights: w}
}

// Weights returns the weights in use.
func (s *Scorer) Weights() Weights {
	return s.weights
}

// Rank scores every eligible agent and returns them best first.
// Agents at or over capacity, and agents whose type is not in a non-empty
// requiredTypes, are excluded. An empty result means no agent qualifies.
func (s *Scorer) Rank(task TaskAnalysis, agents []AgentCapability, requiredTypes []string) []AssignmentScore {
	allowed := make(map[string]bool, len(requiredTypes))
	for _, t := range requiredTypes {
		allowed[t] = true
	}

	scores := make([]AssignmentScore, 0, len(agents))
	for _, agent := range agents {
		if agent.MaxCapacity <= 0 || agent.CurrentLoad >= agent.MaxCapacity {
			continue
		}
		if len(allowed) > 0 && !allowed[agent.AgentType] {
			continue
		}
		scores = append(scores, s.Score(task, agent))
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Total != scores[j].Total {
			return scores[i].Total > scores[j].Total
		}
		return scores[i].AgentID < scores[j].AgentID
	})
	return scores
}

// Score computes a single agent's assignment score without eligibility checks.
func (s *Scorer) Score(task TaskAnalysis, agent AgentCapability) AssignmentScore {
	w := s.weights

	skill := SkillMatch(task.Skills, agent.Skills)
	availability := agent.Availability()
	performance := math.Min(clamp(agent.PerformanceScore, 0, 2)/2, 1)
	raw := 0.0
	if agent.MaxCapacity > 0 {
		raw = clamp01(1 - float64(agent.CurrentLoad)/float64(agent.MaxCapacity))
	}
	special := clamp(agent.SpecializationBonus, 0, 0.3)

	base := w.Skill*skill +
		w.Availability*availability +
		w.Performance*performance +
		w.RawAvailability*raw +
		w.Specialization*special

	urgencyBoost := 1 + 0.1*math.Max(0, task.Urgency-1)
	priorityWeight := task.PriorityWeight
	if priorityWeight <= 0 {
		priorityWeight = 1
	}
	total := base * urgencyBoost * priorityWeight

	return AssignmentScore{
		AgentID:  agent.AgentID,
		Total:    total,
		SkillFit: skill,
		Reasoning: fmt.Sprintf(
			"skill=%.2f availability=%.2f performance=%.2f raw_availability=%.2f specialization=%.2f urgency=x%.2f priority=x%.2f",
			skill, availability, performance, raw, special, urgencyBoost, priorityWeight),
	}
}

// SkillMatch is the importance-weighted mean of min(1, proficiency/needed).
// A task with no skill requirements is a neutral 0.5.
func SkillMatch(required []SkillRequirement, proficiency map[string]float64) float64 {
	if len(required) == 0 {
		return 0.5
	}

	var weighted, weights float64
	for _, req := range required {
		imp := req.Importance
		if imp <= 0 {
			continue
		}
		fit := 1.0
		if req.ProficiencyNeeded > 0 {
			fit = math.Min(1, proficiency[req.Skill]/req.ProficiencyNeeded)
		} else if _, ok := proficiency[req.Skill]; !ok {
			fit = 0
		}
		weighted += imp * fit
		weights += imp
	}
	if weights == 0 {
		return 0.5
	}
	return weighted / weights
}
