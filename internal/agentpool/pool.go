// Package agentpool bounds the number of agent runs executing at once.
package agentpool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool limits concurrent run execution using a weighted semaphore. Every
// orchestration goroutine acquires a slot for its whole lifetime, so a
// burst of start requests queues instead of saturating the LLM proxy.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a Pool that allows at most limit concurrent runs.
func NewPool(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit))}
}

// Run acquires a slot, runs fn, and releases the slot. Blocks while all
// slots are busy; returns ctx.Err() if the context is cancelled while
// waiting. A nil pool runs fn directly.
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	if p == nil || p.sem == nil {
		return fn()
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
