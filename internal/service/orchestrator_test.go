package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/craftplan/craftplan/internal/domain/agentrun"
	"github.com/craftplan/craftplan/internal/domain/cost"
	"github.com/craftplan/craftplan/internal/port/cancel"
	"github.com/craftplan/craftplan/internal/port/phasefn"
	"github.com/craftplan/craftplan/internal/port/progress"
)

func staticRunner(payload string, usage cost.TokenUsage) phasefn.Runner {
	return phasefn.Func(func(_ context.Context, _ phasefn.Input) (*agentrun.PhaseOutput, error) {
		return &agentrun.PhaseOutput{
			Payload: json.RawMessage(payload),
			Usage:   usage,
		}, nil
	})
}

func failingRunner(msg string) phasefn.Runner {
	return phasefn.Func(func(_ context.Context, _ phasefn.Input) (*agentrun.PhaseOutput, error) {
		return nil, errors.New(msg)
	})
}

func seedRun(t *testing.T, store *mockStore, version string) (*agentrun.Run, []string) {
	t.Helper()
	plan, err := agentrun.PlanByVersion(version)
	if err != nil {
		t.Fatal(err)
	}
	run := &agentrun.Run{
		ID:          "run-1",
		UserID:      "user-1",
		Intake:      agentrun.Intake{Description: "garden shed"},
		PlanVersion: version,
		Status:      agentrun.StatusRunning,
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatal(err)
	}
	if err := store.CreatePhases(context.Background(), run.ID, plan); err != nil {
		t.Fatal(err)
	}
	return run, plan
}

func newTestOrchestrator(store *mockStore, phases *phasefn.Registry, cancels cancel.Registry) *Orchestrator {
	return NewOrchestrator(store, phases, cancels, nil, cost.DefaultRates(), time.Minute)
}

func TestOrchestratorHappyPath(t *testing.T) {
	ops := &opLog{}
	store := newMockStore(ops)
	run, plan := seedRun(t, store, agentrun.PlanV1)

	phases := phasefn.NewRegistry()
	phases.Register("research", staticRunner(`{"requirements":["wood"]}`, cost.TokenUsage{InputTokens: 100, OutputTokens: 40}))
	phases.Register("design", staticRunner(`{"approach":"lean-to"}`, cost.TokenUsage{InputTokens: 80, OutputTokens: 30}))
	phases.Register("sourcing", staticRunner(`{"materials":[]}`, cost.TokenUsage{InputTokens: 70, OutputTokens: 30}))
	phases.Register("report", staticRunner(`{"summary":"a lean-to shed plan","steps":[]}`, cost.TokenUsage{InputTokens: 50, OutputTokens: 30}))

	sink := &mockSink{ops: ops}
	orch := newTestOrchestrator(store, phases, cancel.NewMemoryRegistry())

	err := orch.Execute(context.Background(), Execution{Run: run, Plan: plan, Context: make(agentrun.Context)}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != agentrun.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.TokensIn != 300 || got.TokensOut != 130 {
		t.Fatalf("expected 300/130 tokens, got %d/%d", got.TokensIn, got.TokensOut)
	}

	rep, err := store.GetReportByRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("expected report: %v", err)
	}
	if rep.Summary != "a lean-to shed plan" {
		t.Fatalf("unexpected report summary %q", rep.Summary)
	}
	// 300*0.000003 + 130*0.000015 = 0.00285, billed at two decimals.
	if rep.CostUSD != 0.00 {
		t.Fatalf("expected billable 0.00, got %v", rep.CostUSD)
	}

	frames := sink.all()
	last := frames[len(frames)-1]
	if cf, ok := last.(progress.ControlFrame); !ok || cf.Type != progress.TypeDone {
		t.Fatalf("expected done as final frame, got %#v", last)
	}
	var complete *progress.CompleteFrame
	for _, f := range frames {
		if cf, ok := f.(progress.CompleteFrame); ok {
			complete = &cf
		}
	}
	if complete == nil {
		t.Fatal("expected a completion frame")
	}
	if complete.APICost.TotalTokens != 430 {
		t.Fatalf("expected 430 total tokens, got %d", complete.APICost.TotalTokens)
	}
	if complete.APICost.EstimatedCost != 0.0029 {
		t.Fatalf("expected estimate 0.0029, got %v", complete.APICost.EstimatedCost)
	}
}

func TestOrchestratorPersistsBeforeEmitting(t *testing.T) {
	ops := &opLog{}
	store := newMockStore(ops)
	run, plan := seedRun(t, store, agentrun.PlanV2)

	phases := phasefn.NewRegistry()
	phases.Register("analysis", staticRunner(`{"approach":"x"}`, cost.TokenUsage{}))
	phases.Register("report", staticRunner(`{"summary":"s"}`, cost.TokenUsage{}))

	sink := &mockSink{ops: ops}
	orch := newTestOrchestrator(store, phases, cancel.NewMemoryRegistry())
	if err := orch.Execute(context.Background(), Execution{Run: run, Plan: plan, Context: make(agentrun.Context)}, sink); err != nil {
		t.Fatal(err)
	}

	log := ops.all()
	// Every frame describing a phase transition must come after the
	// store write for that same transition.
	for _, pair := range [][2]string{
		{"UpdatePhaseStatus:analysis:running", "emit:agent_progress:analysis:running"},
		{"CompletePhase:analysis", "emit:agent_progress:analysis:completed"},
		{"UpdatePhaseStatus:report:running", "emit:agent_progress:report:running"},
		{"CompletePhase:report", "emit:agent_progress:report:completed"},
		{"CompleteRun:completed", "emit:agent_complete"},
	} {
		if indexOf(log, pair[0]) == -1 || indexOf(log, pair[1]) == -1 {
			t.Fatalf("missing op %q or %q in log %v", pair[0], pair[1], log)
		}
		if indexOf(log, pair[0]) > indexOf(log, pair[1]) {
			t.Fatalf("%q emitted before %q persisted: %v", pair[1], pair[0], log)
		}
	}
}

func indexOf(log []string, entry string) int {
	for i, e := range log {
		if e == entry {
			return i
		}
	}
	return -1
}

func TestOrchestratorPhaseFailureLeavesSuffixPending(t *testing.T) {
	store := newMockStore(nil)
	run, plan := seedRun(t, store, agentrun.PlanV1)

	phases := phasefn.NewRegistry()
	phases.Register("research", staticRunner(`{"ok":true}`, cost.TokenUsage{InputTokens: 10, OutputTokens: 5}))
	phases.Register("design", failingRunner("llm backend unavailable"))
	phases.Register("sourcing", staticRunner(`{}`, cost.TokenUsage{}))
	phases.Register("report", staticRunner(`{}`, cost.TokenUsage{}))

	sink := &mockSink{}
	orch := newTestOrchestrator(store, phases, cancel.NewMemoryRegistry())
	if err := orch.Execute(context.Background(), Execution{Run: run, Plan: plan, Context: make(agentrun.Context)}, sink); err != nil {
		t.Fatalf("phase failure should settle the run, got %v", err)
	}

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != agentrun.StatusError {
		t.Fatalf("expected error status, got %s", got.Status)
	}
	if !strings.Contains(got.Error, "llm backend unavailable") {
		t.Fatalf("expected failure message on run, got %q", got.Error)
	}
	// Tokens from the completed prefix still count.
	if got.TokensIn != 10 || got.TokensOut != 5 {
		t.Fatalf("expected 10/5 tokens, got %d/%d", got.TokensIn, got.TokensOut)
	}

	wantStatus := map[string]agentrun.PhaseStatus{
		"research": agentrun.PhaseCompleted,
		"design":   agentrun.PhaseError,
		"sourcing": agentrun.PhasePending,
		"report":   agentrun.PhasePending,
	}
	gotPhases, _ := store.GetPhases(context.Background(), run.ID)
	for _, p := range gotPhases {
		if p.Status != wantStatus[p.Name] {
			t.Fatalf("phase %s: expected %s, got %s", p.Name, wantStatus[p.Name], p.Status)
		}
	}

	frames := sink.all()
	var errFrame *progress.ErrorFrame
	for _, f := range frames {
		if ef, ok := f.(progress.ErrorFrame); ok {
			errFrame = &ef
		}
	}
	if errFrame == nil {
		t.Fatal("expected an error frame")
	}
	if !errFrame.Recoverable {
		t.Fatal("phase failure must be reported recoverable")
	}
	if errFrame.Phase != "design" {
		t.Fatalf("expected failing phase design, got %q", errFrame.Phase)
	}
	if cf, ok := frames[len(frames)-1].(progress.ControlFrame); !ok || cf.Type != progress.TypeDone {
		t.Fatal("done must be the final frame on the failure path")
	}
}

func TestOrchestratorCancellationSkipsRemaining(t *testing.T) {
	store := newMockStore(nil)
	run, plan := seedRun(t, store, agentrun.PlanV1)
	cancels := cancel.NewMemoryRegistry()

	phases := phasefn.NewRegistry()
	phases.Register("research", phasefn.Func(func(ctx context.Context, _ phasefn.Input) (*agentrun.PhaseOutput, error) {
		// Cancellation arrives while the first phase is running.
		if err := cancels.Request(ctx, run.ID); err != nil {
			t.Errorf("request cancel: %v", err)
		}
		return &agentrun.PhaseOutput{Payload: json.RawMessage(`{}`)}, nil
	}))
	phases.Register("design", staticRunner(`{}`, cost.TokenUsage{}))
	phases.Register("sourcing", staticRunner(`{}`, cost.TokenUsage{}))
	phases.Register("report", staticRunner(`{}`, cost.TokenUsage{}))

	sink := &mockSink{}
	orch := newTestOrchestrator(store, phases, cancels)
	if err := orch.Execute(context.Background(), Execution{Run: run, Plan: plan, Context: make(agentrun.Context)}, sink); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != agentrun.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.CancelledAt == nil {
		t.Fatal("expected cancellation timestamp")
	}

	gotPhases, _ := store.GetPhases(context.Background(), run.ID)
	skipped := 0
	for _, p := range gotPhases {
		if p.Status == agentrun.PhaseSkipped {
			skipped++
		}
	}
	if skipped != 3 {
		t.Fatalf("expected 3 skipped phases, got %d", skipped)
	}

	var errFrame *progress.ErrorFrame
	for _, f := range sink.all() {
		if ef, ok := f.(progress.ErrorFrame); ok {
			errFrame = &ef
		}
	}
	if errFrame == nil {
		t.Fatal("expected a terminal error frame")
	}
	if errFrame.Recoverable {
		t.Fatal("cancellation must be reported non-recoverable")
	}

	if cancelled, _ := cancels.IsCancelled(context.Background(), run.ID); cancelled {
		t.Fatal("cancellation flag must be cleared after the run settles")
	}
}

func TestOrchestratorMidPhaseCancellationViaPredicate(t *testing.T) {
	store := newMockStore(nil)
	run, plan := seedRun(t, store, agentrun.PlanV2)
	cancels := cancel.NewMemoryRegistry()

	phases := phasefn.NewRegistry()
	phases.Register("analysis", phasefn.Func(func(ctx context.Context, in phasefn.Input) (*agentrun.PhaseOutput, error) {
		if err := cancels.Request(ctx, run.ID); err != nil {
			t.Errorf("request cancel: %v", err)
		}
		if in.IsCancelled() {
			return nil, fmt.Errorf("aborted: %w", agentrun.ErrCancelled)
		}
		return &agentrun.PhaseOutput{Payload: json.RawMessage(`{}`)}, nil
	}))
	phases.Register("report", staticRunner(`{}`, cost.TokenUsage{}))

	sink := &mockSink{}
	orch := newTestOrchestrator(store, phases, cancels)
	if err := orch.Execute(context.Background(), Execution{Run: run, Plan: plan, Context: make(agentrun.Context)}, sink); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != agentrun.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	gotPhases, _ := store.GetPhases(context.Background(), run.ID)
	for _, p := range gotPhases {
		if p.Status != agentrun.PhaseSkipped {
			t.Fatalf("phase %s: expected skipped, got %s", p.Name, p.Status)
		}
	}
}

func TestOrchestratorStoreFailureAbortsAttempt(t *testing.T) {
	store := newMockStore(nil)
	store.failOn = "CompletePhase"
	run, plan := seedRun(t, store, agentrun.PlanV2)

	phases := phasefn.NewRegistry()
	phases.Register("analysis", staticRunner(`{}`, cost.TokenUsage{}))
	phases.Register("report", staticRunner(`{}`, cost.TokenUsage{}))

	sink := &mockSink{}
	orch := newTestOrchestrator(store, phases, cancel.NewMemoryRegistry())
	err := orch.Execute(context.Background(), Execution{Run: run, Plan: plan, Context: make(agentrun.Context)}, sink)
	if err == nil {
		t.Fatal("expected the attempt to abort on a store failure")
	}

	// Nothing terminal was written: the run keeps its last durable state.
	got, _ := store.GetRun(context.Background(), run.ID)
	if got.Status != agentrun.StatusRunning {
		t.Fatalf("expected run left running, got %s", got.Status)
	}

	frames := sink.all()
	var errFrame *progress.ErrorFrame
	for _, f := range frames {
		if ef, ok := f.(progress.ErrorFrame); ok {
			errFrame = &ef
		}
	}
	if errFrame == nil || !errFrame.Recoverable {
		t.Fatalf("expected a recoverable error frame, got %#v", errFrame)
	}
	if cf, ok := frames[len(frames)-1].(progress.ControlFrame); !ok || cf.Type != progress.TypeDone {
		t.Fatal("done must still be the final frame when the attempt aborts")
	}
}

func TestOrchestratorContextCarriesOnlyPayloads(t *testing.T) {
	store := newMockStore(nil)
	run, plan := seedRun(t, store, agentrun.PlanV2)

	var seen agentrun.Context
	phases := phasefn.NewRegistry()
	phases.Register("analysis", staticRunner(`{"approach":"modular"}`, cost.TokenUsage{InputTokens: 9, OutputTokens: 3}))
	phases.Register("report", phasefn.Func(func(_ context.Context, in phasefn.Input) (*agentrun.PhaseOutput, error) {
		seen = in.Context
		return &agentrun.PhaseOutput{Payload: json.RawMessage(`{"summary":"ok"}`)}, nil
	}))

	orch := newTestOrchestrator(store, phases, cancel.NewMemoryRegistry())
	if err := orch.Execute(context.Background(), Execution{Run: run, Plan: plan, Context: make(agentrun.Context)}, &mockSink{}); err != nil {
		t.Fatal(err)
	}

	payload, ok := seen["analysis"]
	if !ok {
		t.Fatal("expected analysis payload in downstream context")
	}
	if strings.Contains(string(payload), "tokens") || strings.Contains(string(payload), "usage") {
		t.Fatalf("usage bookkeeping leaked into context: %s", payload)
	}
}
