package workflow

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// graph is the validated dependency structure of a workflow's steps.
type graph struct {
	order      []string            // topological order, ties in declaration order
	dependents map[string][]string // step id -> steps that depend on it
}

// buildGraph checks ids and dependencies and sorts the steps with
// gammazero/toposort. Cycles and unknown dependencies are errors.
func buildGraph(steps []StepDefinition) (*graph, error) {
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		if strings.TrimSpace(s.ID) == "" {
			return nil, fmt.Errorf("step with empty id")
		}
		if known[s.ID] {
			return nil, fmt.Errorf("duplicate step id %q", s.ID)
		}
		known[s.ID] = true
	}

	g := &graph{dependents: make(map[string][]string)}

	var edges []toposort.Edge
	for _, s := range steps {
		if len(s.DependsOn) == 0 {
			// nil source keeps dependency-free steps in the result
			edges = append(edges, toposort.Edge{nil, s.ID})
			continue
		}
		seen := make(map[string]bool, len(s.DependsOn))
		for _, depID := range s.DependsOn {
			if depID == s.ID {
				return nil, fmt.Errorf("dependency cycle: step %q depends on itself", s.ID)
			}
			if !known[depID] {
				return nil, fmt.Errorf("step %q depends on non-existent step %q", s.ID, depID)
			}
			if seen[depID] {
				continue
			}
			seen[depID] = true
			// Edge (depID, id) means depID must come first
			edges = append(edges, toposort.Edge{depID, s.ID})
			g.dependents[depID] = append(g.dependents[depID], s.ID)
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency cycle: %w", err)
	}

	for _, id := range sorted {
		if id != nil {
			g.order = append(g.order, id.(string))
		}
	}

	if len(g.order) != len(steps) {
		found := make(map[string]bool, len(g.order))
		for _, id := range g.order {
			found[id] = true
		}
		var missing []string
		for _, s := range steps {
			if !found[s.ID] {
				missing = append(missing, s.ID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d steps: %s", len(missing), strings.Join(missing, ", "))
	}
	return g, nil
}
