// Package database defines the database store port (interface).
package database

import (
	"context"
	"time"

	"github.com/craftplan/craftplan/internal/domain/agentrun"
	"github.com/craftplan/craftplan/internal/domain/cost"
	"github.com/craftplan/craftplan/internal/domain/report"
)

// Store is the port interface for durable run and phase persistence.
//
// The orchestrator relies on one invariant from every implementation: a
// write that returns nil has been durably applied before the caller
// proceeds, so a progress event emitted after the write always describes
// state the store already reflects.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, r *agentrun.Run) error
	GetRun(ctx context.Context, id string) (*agentrun.Run, error)
	ListRunsByUser(ctx context.Context, userID string) ([]agentrun.Run, error)
	// SetRunPhase moves the run's current-phase pointer.
	SetRunPhase(ctx context.Context, runID, phase string) error
	// CompleteRun transitions the run to a terminal status, stamping the
	// matching terminal timestamp, clearing the phase pointer, and
	// recording the aggregate token/cost totals.
	CompleteRun(ctx context.Context, runID string, status agentrun.Status, errMsg string, usage cost.TokenUsage, costUSD float64) error
	// ResetRunForRetry puts a terminal run back into running state:
	// error message and cancellation timestamp are cleared and the
	// started-at timestamp is set if previously unset.
	ResetRunForRetry(ctx context.Context, runID string, at time.Time) error

	// Phases
	CreatePhases(ctx context.Context, runID string, names []string) error
	GetPhases(ctx context.Context, runID string) ([]agentrun.Phase, error)
	UpdatePhaseStatus(ctx context.Context, runID, name string, status agentrun.PhaseStatus, errMsg string) error
	// CompletePhase persists status, output and duration together: a
	// phase is observable as completed only with its output in place.
	CompletePhase(ctx context.Context, runID, name string, out *agentrun.PhaseOutput, durationMS int64) error
	// SkipPhases marks the named phases skipped in one sweep.
	SkipPhases(ctx context.Context, runID string, names []string) error
	// ResetPhases returns the named phases to pending, clearing any
	// error message, output and timing from a prior attempt.
	ResetPhases(ctx context.Context, runID string, names []string) error

	// Reports
	CreateReport(ctx context.Context, rep *report.Report) error
	GetReportByRun(ctx context.Context, runID string) (*report.Report, error)

	// Cost aggregates
	CostSummaryByUser(ctx context.Context, userID string) (*cost.UserSummary, error)
}
