package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrAgentUnavailable is returned when an agent's circuit breaker is open.
var ErrAgentUnavailable = errors.New("agent unavailable")

// BreakerConfig configures the per-agent circuit breakers.
type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests" yaml:"max_requests"`
	Timeout             time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
}

// DefaultBreakerConfig returns the default breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Guard wraps an Executor with one circuit breaker per agent id, so a single
// misbehaving agent stops receiving work without affecting the others.
type Guard struct {
	next   Executor
	cfg    BreakerConfig
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewGuard creates a Guard around next.
func NewGuard(next Executor, cfg BreakerConfig, logger zerolog.Logger) *Guard {
	def := DefaultBreakerConfig()
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = def.ConsecutiveFailures
	}
	return &Guard{
		next:     next,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// ExecuteWork runs req through the breaker of req.AgentID.
func (g *Guard) ExecuteWork(ctx context.Context, req Request) (string, error) {
	cb := g.breaker(req.AgentID)
	result, err := cb.Execute(func() (interface{}, error) {
		return g.next.ExecuteWork(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", fmt.Errorf("agent %s: %w: %v", req.AgentID, ErrAgentUnavailable, err)
		}
		return "", err
	}
	return result.(string), nil
}

// State reports the breaker state for an agent. Agents never seen are closed.
func (g *Guard) State(agentID string) gobreaker.State {
	g.mu.Lock()
	cb, ok := g.breakers[agentID]
	g.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Available reports whether the agent's breaker currently admits requests.
func (g *Guard) Available(agentID string) bool {
	return g.State(agentID) != gobreaker.StateOpen
}

func (g *Guard) breaker(agentID string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[agentID]; ok {
		return cb
	}

	threshold := g.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: g.cfg.MaxRequests,
		Timeout:     g.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.logger.Warn().
				Str("agent", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
		IsSuccessful: func(err error) bool {
			// Cancellation and timeouts are the caller's doing, not the agent's.
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	g.breakers[agentID] = cb
	return cb
}
