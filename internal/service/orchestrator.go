package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cpotel "github.com/craftplan/craftplan/internal/adapter/otel"
	"github.com/craftplan/craftplan/internal/domain/agentrun"
	"github.com/craftplan/craftplan/internal/domain/cost"
	"github.com/craftplan/craftplan/internal/domain/report"
	"github.com/craftplan/craftplan/internal/port/cancel"
	"github.com/craftplan/craftplan/internal/port/database"
	"github.com/craftplan/craftplan/internal/port/phasefn"
	"github.com/craftplan/craftplan/internal/port/progress"
)

// Orchestrator drives a run's phase pipeline: it executes phases in plan
// order, persists every state transition before emitting the matching
// progress frame, checks for cancellation at each phase boundary, and
// settles the run into exactly one terminal status.
type Orchestrator struct {
	store     database.Store
	phases    *phasefn.Registry
	cancels   cancel.Registry
	metrics   *cpotel.Metrics
	rates     cost.Rates
	heartbeat time.Duration
}

// NewOrchestrator wires the execution engine. metrics may be nil when
// telemetry is disabled.
func NewOrchestrator(store database.Store, phases *phasefn.Registry, cancels cancel.Registry, metrics *cpotel.Metrics, rates cost.Rates, heartbeat time.Duration) *Orchestrator {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Orchestrator{
		store:     store,
		phases:    phases,
		cancels:   cancels,
		metrics:   metrics,
		rates:     rates,
		heartbeat: heartbeat,
	}
}

// Execution is a prepared attempt: a run, its plan, the context and
// usage carried over from any previously completed phases, and the index
// of the first phase still to do. Fresh runs start at index 0 with an
// empty context; retries are prepared by the resume planner.
type Execution struct {
	Run        *agentrun.Run
	Plan       []string
	Context    agentrun.Context
	StartIndex int
	PriorUsage []cost.TokenUsage
}

// Execute runs the pipeline attempt to a terminal state. Every frame it
// emits describes already-persisted state, a heartbeat frame is sent on
// an interval while phases are in flight, and the done frame is always
// the final frame regardless of outcome. The returned error reports
// infrastructure failure of the attempt itself (a store write that did
// not land); run-level outcomes, including phase failure and
// cancellation, are persisted and return nil.
func (o *Orchestrator) Execute(ctx context.Context, ex Execution, sink progress.Sink) error {
	run := ex.Run
	ctx, span := cpotel.StartRunSpan(ctx, run.ID, run.UserID, run.PlanVersion)
	defer span.End()

	started := time.Now()
	stopHeartbeat := o.startHeartbeat(ctx, sink)
	defer func() {
		stopHeartbeat()
		// The flag must not outlive the attempt: a stale request would
		// immediately cancel a later retry of the same run.
		clearCtx, cancelClear := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancelClear()
		if err := o.cancels.Clear(clearCtx, run.ID); err != nil {
			slog.Warn("failed to clear cancellation flag", "run_id", run.ID, "error", err)
		}
		_ = sink.Emit(context.WithoutCancel(ctx), progress.Done())
	}()

	rctx := ex.Context
	if rctx == nil {
		rctx = make(agentrun.Context)
	}
	usages := append([]cost.TokenUsage(nil), ex.PriorUsage...)
	total := len(ex.Plan)

	for i := ex.StartIndex; i < total; i++ {
		name := ex.Plan[i]

		if o.isCancelled(ctx, run.ID) {
			return o.finishCancelled(ctx, sink, run, ex.Plan[i:], usages, started)
		}

		if err := o.store.SetRunPhase(ctx, run.ID, name); err != nil {
			return o.storeFailure(ctx, sink, run.ID, name, err)
		}
		if err := o.store.UpdatePhaseStatus(ctx, run.ID, name, agentrun.PhaseRunning, ""); err != nil {
			return o.storeFailure(ctx, sink, run.ID, name, err)
		}
		_ = sink.Emit(ctx, progress.NewProgress(run.ID, name, string(agentrun.PhaseRunning),
			fmt.Sprintf("phase %s started", name), agentrun.Percent(i, total)))

		out, durMS, err := o.runPhase(ctx, run, name, rctx, sink)
		switch {
		case errors.Is(err, agentrun.ErrCancelled):
			return o.finishCancelled(ctx, sink, run, ex.Plan[i:], usages, started)
		case err != nil:
			return o.finishFailed(ctx, sink, run, name, usages, started, err)
		}

		if err := o.store.CompletePhase(ctx, run.ID, name, out, durMS); err != nil {
			return o.storeFailure(ctx, sink, run.ID, name, err)
		}
		// Only the semantic payload flows forward; usage is bookkeeping.
		rctx[name] = out.Payload
		usages = append(usages, out.Usage)
		_ = sink.Emit(ctx, progress.NewProgress(run.ID, name, string(agentrun.PhaseCompleted),
			fmt.Sprintf("phase %s completed", name), agentrun.Percent(i+1, total)))
	}

	return o.finishCompleted(ctx, sink, run, ex.Plan, rctx, usages, started)
}

// runPhase executes one phase function with its own span and timing.
func (o *Orchestrator) runPhase(ctx context.Context, run *agentrun.Run, name string, rctx agentrun.Context, sink progress.Sink) (*agentrun.PhaseOutput, int64, error) {
	ctx, span := cpotel.StartPhaseSpan(ctx, run.ID, name)
	defer span.End()

	runner, err := o.phases.Get(name)
	if err != nil {
		return nil, 0, err
	}

	begin := time.Now()
	out, err := runner.Run(ctx, phasefn.Input{
		Run:      run,
		Context:  rctx.Clone(),
		Progress: sink,
		IsCancelled: func() bool {
			return o.isCancelled(ctx, run.ID)
		},
	})
	durMS := time.Since(begin).Milliseconds()
	if err != nil {
		return nil, durMS, err
	}
	if out == nil {
		return nil, durMS, fmt.Errorf("phase %s returned no output", name)
	}
	return out, durMS, nil
}

// finishCompleted settles the success path: the report is created from
// the final phase payload, then the run is marked completed, then the
// terminal frame goes out.
func (o *Orchestrator) finishCompleted(ctx context.Context, sink progress.Sink, run *agentrun.Run, plan []string, rctx agentrun.Context, usages []cost.TokenUsage, started time.Time) error {
	summary := cost.Estimate(usages, o.rates)
	body := rctx[agentrun.FinalPhase(plan)]

	rep := &report.Report{
		ID:          uuid.NewString(),
		RunID:       run.ID,
		UserID:      run.UserID,
		Summary:     summaryText(body),
		Body:        body,
		TotalTokens: summary.TotalTokens,
		CostUSD:     summary.BillableUSD,
	}
	if err := o.store.CreateReport(ctx, rep); err != nil {
		return o.storeFailure(ctx, sink, run.ID, agentrun.FinalPhase(plan), err)
	}
	if err := o.store.CompleteRun(ctx, run.ID, agentrun.StatusCompleted, "", cost.Sum(usages), summary.BillableUSD); err != nil {
		return o.storeFailure(ctx, sink, run.ID, "", err)
	}

	_ = sink.Emit(ctx, progress.CompleteFrame{
		Type:      progress.TypeComplete,
		RunID:     run.ID,
		ReportID:  rep.ID,
		Summary:   rep.Summary,
		TotalCost: summary.BillableUSD,
		Report:    json.RawMessage(body),
		APICost: progress.APICost{
			TotalTokens:   summary.TotalTokens,
			EstimatedCost: summary.EstimatedUSD,
		},
	})
	o.recordOutcome(ctx, run, "completed", summary.BillableUSD, started)
	slog.Info("run completed", "run_id", run.ID, "tokens", summary.TotalTokens, "cost_usd", summary.BillableUSD)
	return nil
}

// finishCancelled sweeps the not-yet-completed phases (the current one
// included, if cancellation was observed mid-phase) to skipped and
// settles the run as cancelled. Cancellation is an outcome, not a fault.
func (o *Orchestrator) finishCancelled(ctx context.Context, sink progress.Sink, run *agentrun.Run, remaining []string, usages []cost.TokenUsage, started time.Time) error {
	summary := cost.Estimate(usages, o.rates)
	if err := o.store.SkipPhases(ctx, run.ID, remaining); err != nil {
		return o.storeFailure(ctx, sink, run.ID, "", err)
	}
	if err := o.store.CompleteRun(ctx, run.ID, agentrun.StatusCancelled, "", cost.Sum(usages), summary.BillableUSD); err != nil {
		return o.storeFailure(ctx, sink, run.ID, "", err)
	}
	_ = sink.Emit(ctx, progress.NewError(run.ID, "", "run cancelled by user", false))
	o.recordOutcome(ctx, run, "cancelled", summary.BillableUSD, started)
	slog.Info("run cancelled", "run_id", run.ID, "skipped_phases", len(remaining))
	return nil
}

// finishFailed settles a phase failure: the phase is marked error, the
// suffix stays pending, tokens consumed so far are still accounted, and
// the terminal frame flags the error recoverable so a client can retry.
func (o *Orchestrator) finishFailed(ctx context.Context, sink progress.Sink, run *agentrun.Run, phase string, usages []cost.TokenUsage, started time.Time, cause error) error {
	summary := cost.Estimate(usages, o.rates)
	msg := cause.Error()
	if err := o.store.UpdatePhaseStatus(ctx, run.ID, phase, agentrun.PhaseError, msg); err != nil {
		return o.storeFailure(ctx, sink, run.ID, phase, err)
	}
	if err := o.store.CompleteRun(ctx, run.ID, agentrun.StatusError, msg, cost.Sum(usages), summary.BillableUSD); err != nil {
		return o.storeFailure(ctx, sink, run.ID, phase, err)
	}
	_ = sink.Emit(ctx, progress.NewError(run.ID, phase, msg, true))
	o.recordOutcome(ctx, run, "error", summary.BillableUSD, started)
	slog.Error("run failed", "run_id", run.ID, "phase", phase, "error", cause)
	return nil
}

// storeFailure aborts the attempt when a persistence write does not
// land. Nothing further is written: the run keeps its last durably
// recorded state, and the client is told the failure is recoverable so
// it can retry once the store is healthy again.
func (o *Orchestrator) storeFailure(ctx context.Context, sink progress.Sink, runID, phase string, err error) error {
	_ = sink.Emit(ctx, progress.NewError(runID, phase, "failed to persist run state", true))
	slog.Error("store write failed, aborting attempt", "run_id", runID, "phase", phase, "error", err)
	return fmt.Errorf("persist run %s: %w", runID, err)
}

func (o *Orchestrator) isCancelled(ctx context.Context, runID string) bool {
	cancelled, err := o.cancels.IsCancelled(ctx, runID)
	if err != nil {
		// An unreachable registry must not halt the run.
		slog.Warn("cancellation check failed", "run_id", runID, "error", err)
		return false
	}
	return cancelled
}

// startHeartbeat emits keep-alive frames until the returned stop
// function is called.
func (o *Orchestrator) startHeartbeat(ctx context.Context, sink progress.Sink) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(o.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = sink.Emit(ctx, progress.Heartbeat())
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

func (o *Orchestrator) recordOutcome(ctx context.Context, run *agentrun.Run, outcome string, costUSD float64, started time.Time) {
	if o.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("plan.version", run.PlanVersion),
		attribute.String("outcome", outcome),
	)
	switch outcome {
	case "completed":
		o.metrics.RunsCompleted.Add(ctx, 1, attrs)
	case "cancelled":
		o.metrics.RunsCancelled.Add(ctx, 1, attrs)
	default:
		o.metrics.RunsFailed.Add(ctx, 1, attrs)
	}
	o.metrics.RunDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	o.metrics.RunCost.Record(ctx, costUSD, attrs)
}

// summaryText extracts the "summary" field from a final payload when the
// payload is a JSON object carrying one.
func summaryText(body json.RawMessage) string {
	var probe struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Summary
}
