package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	cpotel "github.com/craftplan/craftplan/internal/adapter/otel"
	"github.com/craftplan/craftplan/internal/domain"
	"github.com/craftplan/craftplan/internal/domain/agentrun"
	"github.com/craftplan/craftplan/internal/domain/report"
	"github.com/craftplan/craftplan/internal/port/cache"
	"github.com/craftplan/craftplan/internal/port/cancel"
	"github.com/craftplan/craftplan/internal/port/database"
	"github.com/craftplan/craftplan/internal/port/progress"

	"github.com/craftplan/craftplan/internal/agentpool"
)

// RunService owns the run lifecycle: creating runs, executing them
// through the orchestrator under the concurrency cap, retrying failed
// runs from persisted state, and serving read projections.
type RunService struct {
	store    database.Store
	orch     *Orchestrator
	cancels  cancel.Registry
	pool     *agentpool.Pool
	cache    cache.Cache
	observer progress.Sink
	metrics  *cpotel.Metrics

	planVersion string
	listTTL     time.Duration
	reportTTL   time.Duration
}

// NewRunService wires the run lifecycle service. observer, cache and
// metrics may be nil.
func NewRunService(store database.Store, orch *Orchestrator, cancels cancel.Registry, pool *agentpool.Pool, c cache.Cache, observer progress.Sink, metrics *cpotel.Metrics, planVersion string, listTTL, reportTTL time.Duration) *RunService {
	if planVersion == "" {
		planVersion = agentrun.DefaultPlanVersion
	}
	return &RunService{
		store:       store,
		orch:        orch,
		cancels:     cancels,
		pool:        pool,
		cache:       c,
		observer:    observer,
		metrics:     metrics,
		planVersion: planVersion,
		listTTL:     listTTL,
		reportTTL:   reportTTL,
	}
}

// Begin validates a start request and durably creates the run and its
// phase rows, all pending, before any execution starts. The plan version
// is stamped on the run so later retries replay the same phase set even
// if the configured default has moved on.
func (s *RunService) Begin(ctx context.Context, req *agentrun.StartRequest) (*Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	version := req.PlanVersion
	if version == "" {
		version = s.planVersion
	}
	plan, err := agentrun.PlanByVersion(version)
	if err != nil {
		return nil, err
	}

	userID := req.UserID
	if userID == "" {
		userID = "anon-" + uuid.NewString()
	}

	now := time.Now().UTC()
	run := &agentrun.Run{
		ID:          uuid.NewString(),
		UserID:      userID,
		Intake:      req.ToIntake(),
		PlanVersion: version,
		Status:      agentrun.StatusRunning,
		StartedAt:   &now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if err := s.store.CreatePhases(ctx, run.ID, plan); err != nil {
		return nil, fmt.Errorf("create phases: %w", err)
	}
	s.invalidateUser(ctx, userID)

	if s.metrics != nil {
		s.metrics.RunsStarted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("plan.version", version)))
	}
	slog.Info("run created", "run_id", run.ID, "user_id", userID, "plan_version", version, "phases", len(plan))

	return &Execution{Run: run, Plan: plan, Context: make(agentrun.Context), PriorUsage: nil}, nil
}

// Execute drives a prepared attempt to its terminal state, streaming
// frames to sink. The orchestration context is detached from the request
// context, so a client disconnect stops the stream but never the run.
// Blocks until the attempt settles; the concurrency cap queues attempts
// when all slots are busy.
func (s *RunService) Execute(ctx context.Context, ex *Execution, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Discard
	}
	if s.observer != nil {
		sink = progress.Multi(sink, s.observer)
	}
	execCtx := context.WithoutCancel(ctx)
	err := s.pool.Run(execCtx, func() error {
		return s.orch.Execute(execCtx, *ex, sink)
	})
	s.invalidateUser(execCtx, ex.Run.UserID)
	return err
}

// BeginRetry prepares a new attempt for any non-completed run,
// including runs left in running by a crashed process. Any stale
// cancellation flag from the previous attempt is dropped so it cannot
// cancel the retry at its first boundary.
func (s *RunService) BeginRetry(ctx context.Context, runID string) (*ResumePlan, error) {
	rp, err := PlanResume(ctx, s.store, runID)
	if err != nil {
		return nil, err
	}
	if err := s.cancels.Clear(ctx, runID); err != nil {
		slog.Warn("failed to clear stale cancellation flag", "run_id", runID, "error", err)
	}
	slog.Info("run retry prepared", "run_id", runID,
		"resume_from", rp.StartIndex, "carried_phases", len(rp.CompletedPhases))
	return rp, nil
}

// ExecuteResume replays the carried-over phases as synthetic frames so a
// re-subscribing client sees the full timeline, then executes the
// remaining suffix.
func (s *RunService) ExecuteResume(ctx context.Context, rp *ResumePlan, sink progress.Sink) error {
	if sink == nil {
		sink = progress.Discard
	}
	total := len(rp.Plan)
	for i, p := range rp.CompletedPhases {
		_ = sink.Emit(ctx, progress.NewProgress(rp.Run.ID, p.Name, string(agentrun.PhaseCompleted),
			fmt.Sprintf("phase %s completed", p.Name), agentrun.Percent(i+1, total)))
	}
	return s.Execute(ctx, &rp.Execution, sink)
}

// Cancel requests cooperative cancellation of a running run. The request
// only sets the flag; the orchestrator honours it at the next phase
// boundary. Terminal runs cannot be cancelled.
func (s *RunService) Cancel(ctx context.Context, runID string) error {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return fmt.Errorf("run %s already %s: %w", runID, run.Status, domain.ErrConflict)
	}
	if err := s.cancels.Request(ctx, runID); err != nil {
		return fmt.Errorf("request cancellation: %w", err)
	}
	slog.Info("cancellation requested", "run_id", runID)
	return nil
}

// Get returns a run with its phase rows.
func (s *RunService) Get(ctx context.Context, runID string) (*agentrun.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	phases, err := s.store.GetPhases(ctx, runID)
	if err != nil {
		return nil, err
	}
	run.Phases = phases
	return run, nil
}

// List returns a user's runs, newest first, via a short-lived cache.
func (s *RunService) List(ctx context.Context, userID string) ([]agentrun.Run, error) {
	key := "runs:user:" + userID
	if s.cache != nil {
		if data, ok, _ := s.cache.Get(ctx, key); ok {
			var runs []agentrun.Run
			if err := json.Unmarshal(data, &runs); err == nil {
				return runs, nil
			}
		}
	}
	runs, err := s.store.ListRunsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if data, err := json.Marshal(runs); err == nil {
			_ = s.cache.Set(ctx, key, data, s.listTTL)
		}
	}
	return runs, nil
}

// Report returns the persisted deliverable of a completed run. Reports
// are immutable once written, so the cache TTL can be generous.
func (s *RunService) Report(ctx context.Context, runID string) (*report.Report, error) {
	key := "report:run:" + runID
	if s.cache != nil {
		if data, ok, _ := s.cache.Get(ctx, key); ok {
			var rep report.Report
			if err := json.Unmarshal(data, &rep); err == nil {
				return &rep, nil
			}
		}
	}
	rep, err := s.store.GetReportByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if data, err := json.Marshal(rep); err == nil {
			_ = s.cache.Set(ctx, key, data, s.reportTTL)
		}
	}
	return rep, nil
}

func (s *RunService) invalidateUser(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Delete(ctx, "runs:user:"+userID)
	_ = s.cache.Delete(ctx, "costs:user:"+userID)
}
