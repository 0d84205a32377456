package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/craftplan/craftplan/internal/domain"
	"github.com/craftplan/craftplan/internal/domain/agentrun"
	"github.com/craftplan/craftplan/internal/domain/cost"
	"github.com/craftplan/craftplan/internal/domain/report"
	"github.com/craftplan/craftplan/internal/port/progress"
)

// mockStore implements database.Store in memory and records an ordered
// operation log, so tests can assert that writes land before frames go
// out.
type mockStore struct {
	mu      sync.Mutex
	runs    map[string]*agentrun.Run
	phases  map[string][]agentrun.Phase
	reports map[string]*report.Report
	ops     *opLog
	failOn  string // operation name that should fail
}

func newMockStore(ops *opLog) *mockStore {
	return &mockStore{
		runs:    make(map[string]*agentrun.Run),
		phases:  make(map[string][]agentrun.Phase),
		reports: make(map[string]*report.Report),
		ops:     ops,
	}
}

// opLog is shared between the store and the sink so the interleaving of
// writes and emits is observable.
type opLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *opLog) add(entry string) {
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
}

func (l *opLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func (s *mockStore) record(op string) error {
	if s.ops != nil {
		s.ops.add(op)
	}
	if s.failOn != "" && strings.HasPrefix(op, s.failOn) {
		return fmt.Errorf("store unavailable during %s", op)
	}
	return nil
}

func (s *mockStore) CreateRun(_ context.Context, r *agentrun.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateRun"); err != nil {
		return err
	}
	cp := *r
	s.runs[r.ID] = &cp
	return nil
}

func (s *mockStore) GetRun(_ context.Context, id string) (*agentrun.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (s *mockStore) ListRunsByUser(_ context.Context, userID string) ([]agentrun.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []agentrun.Run
	for _, r := range s.runs {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *mockStore) SetRunPhase(_ context.Context, runID, phase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("SetRunPhase:" + phase); err != nil {
		return err
	}
	if r, ok := s.runs[runID]; ok {
		r.CurrentPhase = phase
	}
	return nil
}

func (s *mockStore) CompleteRun(_ context.Context, runID string, status agentrun.Status, errMsg string, usage cost.TokenUsage, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CompleteRun:" + string(status)); err != nil {
		return err
	}
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	now := time.Now()
	r.Status = status
	r.Error = errMsg
	r.CurrentPhase = ""
	r.TokensIn += usage.InputTokens
	r.TokensOut += usage.OutputTokens
	r.CostUSD = costUSD
	if status == agentrun.StatusCancelled {
		r.CancelledAt = &now
	} else {
		r.CompletedAt = &now
	}
	return nil
}

func (s *mockStore) ResetRunForRetry(_ context.Context, runID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ResetRunForRetry"); err != nil {
		return err
	}
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	r.Status = agentrun.StatusRunning
	r.Error = ""
	r.CompletedAt = nil
	r.CancelledAt = nil
	r.TokensIn = 0
	r.TokensOut = 0
	r.CostUSD = 0
	if r.StartedAt == nil {
		r.StartedAt = &at
	}
	return nil
}

func (s *mockStore) CreatePhases(_ context.Context, runID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreatePhases"); err != nil {
		return err
	}
	for i, name := range names {
		s.phases[runID] = append(s.phases[runID], agentrun.Phase{
			RunID:    runID,
			Name:     name,
			Position: i,
			Status:   agentrun.PhasePending,
		})
	}
	return nil
}

func (s *mockStore) GetPhases(_ context.Context, runID string) ([]agentrun.Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]agentrun.Phase(nil), s.phases[runID]...), nil
}

func (s *mockStore) UpdatePhaseStatus(_ context.Context, runID, name string, status agentrun.PhaseStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(fmt.Sprintf("UpdatePhaseStatus:%s:%s", name, status)); err != nil {
		return err
	}
	return s.mutatePhase(runID, name, func(p *agentrun.Phase) {
		p.Status = status
		p.Error = errMsg
	})
}

func (s *mockStore) CompletePhase(_ context.Context, runID, name string, out *agentrun.PhaseOutput, durationMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CompletePhase:" + name); err != nil {
		return err
	}
	return s.mutatePhase(runID, name, func(p *agentrun.Phase) {
		p.Status = agentrun.PhaseCompleted
		p.Output = out
		p.DurationMS = durationMS
	})
}

func (s *mockStore) SkipPhases(_ context.Context, runID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(fmt.Sprintf("SkipPhases:%d", len(names))); err != nil {
		return err
	}
	for _, name := range names {
		if err := s.mutatePhase(runID, name, func(p *agentrun.Phase) {
			p.Status = agentrun.PhaseSkipped
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *mockStore) ResetPhases(_ context.Context, runID string, names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(fmt.Sprintf("ResetPhases:%d", len(names))); err != nil {
		return err
	}
	for _, name := range names {
		if err := s.mutatePhase(runID, name, func(p *agentrun.Phase) {
			p.Status = agentrun.PhasePending
			p.Output = nil
			p.Error = ""
			p.DurationMS = 0
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *mockStore) mutatePhase(runID, name string, fn func(*agentrun.Phase)) error {
	phases := s.phases[runID]
	for i := range phases {
		if phases[i].Name == name {
			fn(&phases[i])
			return nil
		}
	}
	return fmt.Errorf("phase %s/%s: %w", runID, name, domain.ErrNotFound)
}

func (s *mockStore) CreateReport(_ context.Context, rep *report.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateReport"); err != nil {
		return err
	}
	cp := *rep
	s.reports[rep.RunID] = &cp
	return nil
}

func (s *mockStore) GetReportByRun(_ context.Context, runID string) (*report.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rep, ok := s.reports[runID]
	if !ok {
		return nil, fmt.Errorf("report for run %s: %w", runID, domain.ErrNotFound)
	}
	cp := *rep
	return &cp, nil
}

func (s *mockStore) CostSummaryByUser(_ context.Context, userID string) (*cost.UserSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := &cost.UserSummary{UserID: userID}
	for _, r := range s.runs {
		if r.UserID != userID {
			continue
		}
		sum.RunCount++
		sum.TokensIn += r.TokensIn
		sum.TokensOut += r.TokensOut
		sum.TotalCostUSD += r.CostUSD
	}
	return sum, nil
}

// mockSink records every frame in order and mirrors emits into the
// shared op log.
type mockSink struct {
	mu     sync.Mutex
	frames []any
	ops    *opLog
}

func (s *mockSink) Emit(_ context.Context, frame any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	if s.ops != nil {
		s.ops.add("emit:" + frameLabel(frame))
	}
	return nil
}

func (s *mockSink) all() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.frames...)
}

func frameLabel(frame any) string {
	switch f := frame.(type) {
	case progress.ProgressFrame:
		return fmt.Sprintf("%s:%s:%s", f.Type, f.Phase, f.PhaseStatus)
	case progress.CompleteFrame:
		return f.Type
	case progress.ErrorFrame:
		return f.Type
	case progress.ControlFrame:
		return f.Type
	default:
		return fmt.Sprintf("%T", frame)
	}
}
