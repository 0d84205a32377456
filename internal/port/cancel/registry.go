// Package cancel defines the cancellation registry port: a keyed flag
// store written by the cancel endpoint, polled by the orchestrator at
// phase boundaries, and cleared unconditionally at run termination.
package cancel

import (
	"context"
	"sync"
)

// Registry is the port interface for run cancellation flags.
//
// Implementations must tolerate concurrent Request/IsCancelled/Clear for
// the same run id. Cancellation is cooperative: setting the flag only
// guarantees the next phase boundary observes it.
type Registry interface {
	// Request marks the run as cancellation-requested.
	Request(ctx context.Context, runID string) error
	// IsCancelled reports whether cancellation was requested.
	IsCancelled(ctx context.Context, runID string) (bool, error)
	// Clear removes the flag. Must be called on every terminal path so a
	// stale flag cannot poison a later retry of the same run id.
	Clear(ctx context.Context, runID string) error
}

// MemoryRegistry is the process-local Registry used by default. Flags do
// not survive a restart; a restart therefore implicitly drops all
// outstanding cancellation requests.
type MemoryRegistry struct {
	mu    sync.RWMutex
	flags map[string]struct{}
}

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{flags: make(map[string]struct{})}
}

// Request marks the run as cancellation-requested.
func (r *MemoryRegistry) Request(_ context.Context, runID string) error {
	r.mu.Lock()
	r.flags[runID] = struct{}{}
	r.mu.Unlock()
	return nil
}

// IsCancelled reports whether cancellation was requested.
func (r *MemoryRegistry) IsCancelled(_ context.Context, runID string) (bool, error) {
	r.mu.RLock()
	_, ok := r.flags[runID]
	r.mu.RUnlock()
	return ok, nil
}

// Clear removes the flag for the run.
func (r *MemoryRegistry) Clear(_ context.Context, runID string) error {
	r.mu.Lock()
	delete(r.flags, runID)
	r.mu.Unlock()
	return nil
}
