package workflow

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Operator names a Condition comparison.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
	OpContains    Operator = "contains"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpTruthy      Operator = "truthy"
)

// Condition guards a step. Variable is a dotted path into the execution
// context, e.g. "review.verdict". An empty operator means truthy.
type Condition struct {
	Variable string   `mapstructure:"variable" yaml:"variable"`
	Operator Operator `mapstructure:"operator" yaml:"operator,omitempty"`
	Value    any      `mapstructure:"value" yaml:"value,omitempty"`
}

func (c *Condition) validate() error {
	if strings.TrimSpace(c.Variable) == "" {
		return fmt.Errorf("condition has no variable")
	}
	switch c.Operator {
	case "", OpEquals, OpNotEquals, OpExists, OpNotExists, OpContains, OpGreaterThan, OpLessThan, OpTruthy:
		return nil
	default:
		return fmt.Errorf("unknown condition operator %q", c.Operator)
	}
}

// Evaluate reports whether the condition holds against vars.
func (c *Condition) Evaluate(vars map[string]any) bool {
	v, found := lookup(vars, c.Variable)

	switch c.Operator {
	case OpExists:
		return found && v != nil
	case OpNotExists:
		return !found || v == nil
	case OpEquals:
		return found && equal(v, c.Value)
	case OpNotEquals:
		return !found || !equal(v, c.Value)
	case OpContains:
		return found && contains(v, c.Value)
	case OpGreaterThan, OpLessThan:
		if !found {
			return false
		}
		a, okA := toFloat(v)
		b, okB := toFloat(c.Value)
		if !okA || !okB {
			return false
		}
		if c.Operator == OpGreaterThan {
			return a > b
		}
		return a < b
	default:
		return found && truthy(v)
	}
}

// lookup walks a dotted path through nested maps.
func lookup(vars map[string]any, path string) (any, bool) {
	var cur any = vars
	for _, part := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[part]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	return cur, true
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	return strings.TrimSpace(fmt.Sprint(a)) == strings.TrimSpace(fmt.Sprint(b))
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprint(needle))
	case []string:
		for _, s := range h {
			if equal(s, needle) {
				return true
			}
		}
		return false
	case []any:
		for _, item := range h {
			if equal(item, needle) {
				return true
			}
		}
		return false
	case map[string]any:
		_, ok := h[fmt.Sprint(needle)]
		return ok
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s != "" && s != "false" && s != "0" && s != "no"
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	}
	return true
}
