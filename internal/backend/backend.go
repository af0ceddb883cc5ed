// Package backend is the boundary between the engines and whatever actually
// performs an agent's work.
package backend

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoExecutor is returned when no executor is configured for an agent type.
var ErrNoExecutor = errors.New("no executor configured")

// Executor performs work on behalf of an agent. Implementations may be slow and
// must honour ctx cancellation; they are always called off the driver loops.
type Executor interface {
	ExecuteWork(ctx context.Context, req Request) (string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req Request) (string, error)

// ExecuteWork calls f.
func (f ExecutorFunc) ExecuteWork(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Router dispatches requests to a per-agent-type executor, falling back to a
// default when the type has no dedicated entry.
type Router struct {
	byType   map[string]Executor
	fallback Executor
}

// NewRouter creates a Router. fallback may be nil.
func NewRouter(fallback Executor) *Router {
	return &Router{
		byType:   make(map[string]Executor),
		fallback: fallback,
	}
}

// Handle registers the executor for an agent type.
func (r *Router) Handle(agentType string, e Executor) {
	r.byType[agentType] = e
}

// ExecuteWork routes req by req.AgentType.
func (r *Router) ExecuteWork(ctx context.Context, req Request) (string, error) {
	if e, ok := r.byType[req.AgentType]; ok {
		return e.ExecuteWork(ctx, req)
	}
	if r.fallback != nil {
		return r.fallback.ExecuteWork(ctx, req)
	}
	return "", fmt.Errorf("agent type %q: %w", req.AgentType, ErrNoExecutor)
}
