// Package phasefn defines the phase-function contract consumed by the
// orchestrator, and the registry binding phase names to implementations.
package phasefn

import (
	"context"
	"fmt"
	"sync"

	"github.com/craftplan/craftplan/internal/domain/agentrun"
	"github.com/craftplan/craftplan/internal/port/progress"
)

// Input is everything a phase function receives. Context holds the
// semantic payloads of all previously completed phases keyed by phase
// name; usage bookkeeping never appears in it.
type Input struct {
	Run     *agentrun.Run
	Context agentrun.Context
	// Progress may be used for intermediate messages within a phase.
	Progress progress.Sink
	// IsCancelled lets a phase abort early at its own discretion. The
	// orchestrator only guarantees a check at phase boundaries.
	IsCancelled func() bool
}

// Runner executes one named phase. Implementations must be re-entrant:
// after a crash, a not-yet-completed phase is started fresh, so running
// the same phase twice for a run must be safe. A runner that observes
// cancellation should return an error wrapping agentrun.ErrCancelled.
type Runner interface {
	Run(ctx context.Context, in Input) (*agentrun.PhaseOutput, error)
}

// Func adapts a plain function to the Runner interface.
type Func func(ctx context.Context, in Input) (*agentrun.PhaseOutput, error)

// Run implements Runner.
func (f Func) Run(ctx context.Context, in Input) (*agentrun.PhaseOutput, error) {
	return f(ctx, in)
}

// Registry binds phase names to runners. It is an injected dependency of
// the orchestrator, not ambient process state.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register makes a runner available under the given phase name.
// Duplicate registration is a programming error.
func (r *Registry) Register(name string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runners[name]; exists {
		panic(fmt.Sprintf("phasefn: duplicate registration for %q", name))
	}
	r.runners[name] = runner
}

// Get returns the runner for a phase name.
func (r *Registry) Get(name string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[name]
	if !ok {
		return nil, fmt.Errorf("phasefn: no runner registered for phase %q", name)
	}
	return runner, nil
}

// Names returns all registered phase names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	return names
}
