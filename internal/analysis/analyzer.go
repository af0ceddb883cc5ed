// Package analysis estimates task complexity and required skills from free text,
// and ranks agents against those estimates.
package analysis

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
)

const (
	fallbackConfidence = 0.3
	minEffortHours     = 0.5
	maxEffortHours     = 40
)

// Analyzer turns task text into a TaskAnalysis. The zero value is usable.
type Analyzer struct {
	// Now is the clock used for age-based urgency. Defaults to time.Now.
	Now func() time.Time
}

// NewAnalyzer creates an Analyzer using the wall clock.
func NewAnalyzer() *Analyzer {
	return &Analyzer{Now: time.Now}
}

// Analyze estimates complexity, skills, domain, effort and urgency for a task.
// It never fails: text that matches nothing yields a low-confidence default.
func (a *Analyzer) Analyze(in Input) TaskAnalysis {
	text := strings.TrimSpace(in.Title + " " + in.Description)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return a.fallback(in)
	}

	present := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		present[tok] = true
	}

	indicatorSum, indicatorHits := matchIndicators(present)
	skills, techTokens := matchSkills(tokens, present)
	domain := matchDomain(present)

	if len(skills) == 0 && indicatorHits == 0 && domain == "general" {
		return a.fallback(in)
	}

	lengthFactor := math.Min(1, float64(len(text))/2000)
	density := float64(techTokens) / float64(len(tokens))
	indicator := clamp(indicatorSum/2, -0.5, 0.5)
	score := clamp01(0.35 + indicator + 0.15*lengthFactor + 0.2*density)
	level := LevelForScore(score)

	needed := math.Min(0.95, 0.4+0.5*score)
	skillClarity := fallbackConfidence
	if len(skills) == 0 {
		skills = []SkillRequirement{{Skill: "general", Importance: 0.5, ProficiencyNeeded: needed}}
	} else {
		for i := range skills {
			skills[i].ProficiencyNeeded = needed
		}
		skillClarity = topImportance(skills, 3)
	}

	analysis := TaskAnalysis{
		Complexity:      level,
		ComplexityScore: score,
		Skills:          skills,
		Domain:          domain,
		EstimatedHours:  estimateHours(level, len(skills), in.Description),
		PriorityWeight:  in.Priority.Weight(),
		Urgency:         a.urgency(in),
	}
	analysis.NeedsCollaboration = score > 0.8 || len(skills) > 5 || bucketCount(skills) > 2

	textAdequacy := math.Min(1, float64(len(tokens))/50)
	coverage := math.Min(1, float64(indicatorHits)/3)
	analysis.Confidence = clamp01((textAdequacy + skillClarity + coverage) / 3)

	return analysis
}

func (a *Analyzer) fallback(in Input) TaskAnalysis {
	return TaskAnalysis{
		Complexity:      ComplexityMedium,
		ComplexityScore: 0.5,
		Skills:          []SkillRequirement{{Skill: "general", Importance: 0.5, ProficiencyNeeded: 0.5}},
		Domain:          "general",
		EstimatedHours:  estimateHours(ComplexityMedium, 1, in.Description),
		PriorityWeight:  in.Priority.Weight(),
		Urgency:         a.urgency(in),
		Confidence:      fallbackConfidence,
	}
}

func (a *Analyzer) urgency(in Input) float64 {
	now := time.Now()
	if a != nil && a.Now != nil {
		now = a.Now()
	}

	u, ok := urgencyBase[in.Priority]
	if !ok {
		u = 1.0
	}
	if !in.CreatedAt.IsZero() {
		days := now.Sub(in.CreatedAt).Hours() / 24
		if days > 0 {
			u += math.Min(1.0, 0.1*days)
		}
	}
	if in.Deadline != nil {
		switch remaining := in.Deadline.Sub(now); {
		case remaining <= 0:
			u += 1.0
		case remaining < 24*time.Hour:
			u += 0.5
		}
	}
	return u
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
		return r != '-' && r != '+' && r != '#'
	})
}

// matchIndicators sums indicator weights in word order so the float result is stable.
func matchIndicators(present map[string]bool) (sum float64, hits int) {
	words := make([]string, 0, len(ComplexityIndicators))
	for word := range ComplexityIndicators {
		if present[word] {
			words = append(words, word)
		}
	}
	sort.Strings(words)
	for _, word := range words {
		sum += ComplexityIndicators[word]
		hits++
	}
	return sum, hits
}

// matchSkills returns skills ordered by importance and the count of tokens that
// hit any skill vocabulary.
func matchSkills(tokens []string, present map[string]bool) ([]SkillRequirement, int) {
	vocab := make(map[string]bool)
	var skills []SkillRequirement
	for skill, triggers := range SkillKeywords {
		vocab[skill] = true
		matched := 0
		for _, word := range triggers {
			vocab[word] = true
			if present[word] {
				matched++
			}
		}

		verbatim := present[skill]
		if matched == 0 && !verbatim {
			continue
		}
		if verbatim && !contains(triggers, skill) {
			matched++
		}

		importance := float64(matched) / float64(len(triggers))
		if verbatim {
			importance *= 1.5
		}
		skills = append(skills, SkillRequirement{Skill: skill, Importance: math.Min(1, importance)})
	}

	sort.Slice(skills, func(i, j int) bool {
		if skills[i].Importance != skills[j].Importance {
			return skills[i].Importance > skills[j].Importance
		}
		return skills[i].Skill < skills[j].Skill
	})

	tech := 0
	for _, tok := range tokens {
		if vocab[tok] {
			tech++
		}
	}
	return skills, tech
}

func matchDomain(present map[string]bool) string {
	best, bestCount := "general", 0
	domains := make([]string, 0, len(DomainKeywords))
	for d := range DomainKeywords {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	for _, d := range domains {
		count := 0
		for _, word := range DomainKeywords[d] {
			if present[word] {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = d, count
		}
	}
	return best
}

func estimateHours(level ComplexityLevel, skillCount int, description string) float64 {
	hours := BaseHours[level] * (1 + 0.1*float64(skillCount)) * (1 + 0.5*float64(len(description))/1000)
	return clamp(hours, minEffortHours, maxEffortHours)
}

func bucketCount(skills []SkillRequirement) int {
	buckets := make(map[string]bool)
	for _, s := range skills {
		if b, ok := SkillBuckets[s.Skill]; ok {
			buckets[b] = true
		}
	}
	return len(buckets)
}

func topImportance(skills []SkillRequirement, n int) float64 {
	if len(skills) < n {
		n = len(skills)
	}
	if n == 0 {
		return 0
	}
	total := 0.0
	for _, s := range skills[:n] {
		total += s.Importance
	}
	return total / float64(n)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
