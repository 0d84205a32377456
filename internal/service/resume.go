package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/craftplan/craftplan/internal/domain"
	"github.com/craftplan/craftplan/internal/domain/agentrun"
	"github.com/craftplan/craftplan/internal/domain/cost"
	"github.com/craftplan/craftplan/internal/port/database"
)

// ResumePlan is the prepared state for retrying a run: completed phases
// are kept as-is and their payloads pre-populate the context, everything
// else is reset to pending and re-executed from the first gap.
type ResumePlan struct {
	Execution
	// CompletedPhases lists the phases carried over unchanged, in plan
	// order, so a re-subscribing client can be shown the full timeline.
	CompletedPhases []agentrun.Phase
}

// PlanResume loads a run's persisted phase state and computes the retry
// attempt. Completed runs cannot be retried; a run stuck in running is
// accepted, since a crash or aborted attempt leaves that status behind
// with no live task. A run whose phases were never created, or whose
// phases are all completed, cannot be resumed.
func PlanResume(ctx context.Context, store database.Store, runID string) (*ResumePlan, error) {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == agentrun.StatusCompleted {
		return nil, fmt.Errorf("run %s already completed: %w", runID, domain.ErrConflict)
	}

	plan, err := agentrun.PlanByVersion(run.PlanVersion)
	if err != nil {
		return nil, err
	}

	phases, err := store.GetPhases(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("run %s has no recorded phases: %w", runID, domain.ErrConflict)
	}
	sort.Slice(phases, func(i, j int) bool { return phases[i].Position < phases[j].Position })

	byName := make(map[string]agentrun.Phase, len(phases))
	for _, p := range phases {
		byName[p.Name] = p
	}

	rctx := make(agentrun.Context)
	var usages []cost.TokenUsage
	var completed []agentrun.Phase
	start := len(plan)
	for i, name := range plan {
		p, ok := byName[name]
		if !ok || p.Status != agentrun.PhaseCompleted || p.Output == nil {
			start = i
			break
		}
		// Payload feeds the context; the usage record stays out of it
		// but still counts toward the run totals.
		rctx[name] = p.Output.Payload
		usages = append(usages, p.Output.Usage)
		completed = append(completed, p)
	}

	if start == len(plan) {
		return nil, fmt.Errorf("run %s has no phases left to execute: %w", runID, domain.ErrConflict)
	}

	if err := store.ResetPhases(ctx, runID, plan[start:]); err != nil {
		return nil, fmt.Errorf("reset phases: %w", err)
	}
	if err := store.ResetRunForRetry(ctx, runID, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("reset run: %w", err)
	}
	run.Status = agentrun.StatusRunning
	run.Error = ""
	run.CancelledAt = nil

	return &ResumePlan{
		Execution: Execution{
			Run:        run,
			Plan:       plan,
			Context:    rctx,
			StartIndex: start,
			PriorUsage: usages,
		},
		CompletedPhases: completed,
	}, nil
}
