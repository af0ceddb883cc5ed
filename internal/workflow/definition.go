package workflow

import (
	"fmt"
	"strings"
	"text/template"
	"time"
)

// GroupMode controls how a parallel group completes.
type GroupMode string

const (
	GroupAll   GroupMode = "all"   // every member must finish
	GroupFirst GroupMode = "first" // the first member to complete wins, the rest are skipped
)

// Definition is a reusable DAG of steps.
type Definition struct {
	ID      string               `mapstructure:"id" yaml:"id"`
	Name    string               `mapstructure:"name" yaml:"name"`
	Steps   []StepDefinition     `mapstructure:"steps" yaml:"steps"`
	Groups  map[string]GroupMode `mapstructure:"groups" yaml:"groups,omitempty"`
	Trigger *Trigger             `mapstructure:"trigger" yaml:"trigger,omitempty"`
	Timeout time.Duration        `mapstructure:"timeout" yaml:"timeout,omitempty"` // 0 means no limit
}

// StepDefinition is one templated unit of work inside a Definition.
type StepDefinition struct {
	ID                 string        `mapstructure:"id" yaml:"id"`
	Name               string        `mapstructure:"name" yaml:"name,omitempty"`
	AgentType          string        `mapstructure:"agent_type" yaml:"agent_type"`
	Template           string        `mapstructure:"template" yaml:"template"`
	DependsOn          []string      `mapstructure:"depends_on" yaml:"depends_on,omitempty"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
	Retries            int           `mapstructure:"retries" yaml:"retries,omitempty"`
	Condition          *Condition    `mapstructure:"condition" yaml:"condition,omitempty"`
	OutputVar          string        `mapstructure:"output_var" yaml:"output_var,omitempty"` // defaults to the step id
	Group              string        `mapstructure:"group" yaml:"group,omitempty"`
	StrictDependencies bool          `mapstructure:"strict_dependencies" yaml:"strict_dependencies,omitempty"`
}

// Trigger runs a workflow on a fixed interval.
type Trigger struct {
	Every        time.Duration  `mapstructure:"every" yaml:"every"`
	Context      map[string]any `mapstructure:"context" yaml:"context,omitempty"`
	AllowOverlap bool           `mapstructure:"allow_overlap" yaml:"allow_overlap,omitempty"`
}

func (s StepDefinition) outputKey() string {
	if s.OutputVar != "" {
		return s.OutputVar
	}
	return s.ID
}

// compiled is a validated definition with parsed templates and its graph.
type compiled struct {
	def       Definition
	graph     *graph
	steps     map[string]*StepDefinition
	templates map[string]*template.Template
}

// compile validates def and prepares it for execution.
func compile(def Definition) (*compiled, error) {
	def = cloneDefinition(def)
	if strings.TrimSpace(def.ID) == "" {
		return nil, fmt.Errorf("%w: empty workflow id", ErrInvalidWorkflow)
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("%w: %s has no steps", ErrInvalidWorkflow, def.ID)
	}
	if def.Timeout < 0 {
		return nil, fmt.Errorf("%w: %s has a negative timeout", ErrInvalidWorkflow, def.ID)
	}
	if def.Trigger != nil && def.Trigger.Every <= 0 {
		return nil, fmt.Errorf("%w: %s trigger interval must be positive", ErrInvalidWorkflow, def.ID)
	}
	for name, mode := range def.Groups {
		if mode != GroupAll && mode != GroupFirst {
			return nil, fmt.Errorf("%w: group %s has unknown mode %q", ErrInvalidWorkflow, name, mode)
		}
	}

	g, err := buildGraph(def.Steps)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidWorkflow, def.ID, err)
	}

	c := &compiled{
		def:       def,
		graph:     g,
		steps:     make(map[string]*StepDefinition, len(def.Steps)),
		templates: make(map[string]*template.Template, len(def.Steps)),
	}
	outputs := make(map[string]string)
	for i := range def.Steps {
		s := &def.Steps[i]
		if strings.TrimSpace(s.AgentType) == "" {
			return nil, fmt.Errorf("%w: step %s has no agent type", ErrInvalidWorkflow, s.ID)
		}
		if s.Timeout < 0 || s.Retries < 0 {
			return nil, fmt.Errorf("%w: step %s has a negative timeout or retry budget", ErrInvalidWorkflow, s.ID)
		}
		if s.Group != "" {
			if _, ok := def.Groups[s.Group]; !ok {
				return nil, fmt.Errorf("%w: step %s names unknown group %s", ErrInvalidWorkflow, s.ID, s.Group)
			}
		}
		if other, dup := outputs[s.outputKey()]; dup {
			return nil, fmt.Errorf("%w: steps %s and %s both write %q", ErrInvalidWorkflow, other, s.ID, s.outputKey())
		}
		outputs[s.outputKey()] = s.ID
		if s.Condition != nil {
			if err := s.Condition.validate(); err != nil {
				return nil, fmt.Errorf("%w: step %s: %w", ErrInvalidWorkflow, s.ID, err)
			}
		}
		tmpl, err := parseTemplate(s.ID, s.Template)
		if err != nil {
			return nil, fmt.Errorf("%w: step %s: %w", ErrInvalidWorkflow, s.ID, err)
		}
		c.steps[s.ID] = s
		c.templates[s.ID] = tmpl
	}
	return c, nil
}

func (c *compiled) groupMode(s *StepDefinition) GroupMode {
	if s.Group == "" {
		return ""
	}
	if m := c.def.Groups[s.Group]; m != "" {
		return m
	}
	return GroupAll
}

func cloneDefinition(def Definition) Definition {
	out := def
	out.Steps = make([]StepDefinition, len(def.Steps))
	for i, s := range def.Steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		if s.Condition != nil {
			c := *s.Condition
			s.Condition = &c
		}
		out.Steps[i] = s
	}
	if def.Groups != nil {
		out.Groups = make(map[string]GroupMode, len(def.Groups))
		for k, v := range def.Groups {
			out.Groups[k] = v
		}
	}
	if def.Trigger != nil {
		t := *def.Trigger
		t.Context = copyContext(def.Trigger.Context)
		out.Trigger = &t
	}
	return out
}
