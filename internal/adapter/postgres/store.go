package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/craftplan/craftplan/internal/domain"
	"github.com/craftplan/craftplan/internal/domain/agentrun"
	"github.com/craftplan/craftplan/internal/domain/cost"
	"github.com/craftplan/craftplan/internal/domain/report"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const runColumns = `id, user_id, description, location, budget, experience, plan_version,
	 status, current_phase, error, tokens_in, tokens_out, cost_usd,
	 started_at, completed_at, cancelled_at, created_at, updated_at`

// --- Runs ---

func (s *Store) CreateRun(ctx context.Context, r *agentrun.Run) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO agent_runs (id, user_id, description, location, budget, experience, plan_version, status, current_phase, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+runColumns,
		r.ID, r.UserID, r.Intake.Description, r.Intake.Location, r.Intake.Budget, r.Intake.Experience,
		r.PlanVersion, r.Status, nullable(r.CurrentPhase), r.StartedAt)

	created, err := scanRun(row)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	*r = created
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*agentrun.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id)

	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get run %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return &r, nil
}

func (s *Store) ListRunsByUser(ctx context.Context, userID string) ([]agentrun.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []agentrun.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) SetRunPhase(ctx context.Context, runID, phase string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runs SET current_phase = $2, updated_at = now() WHERE id = $1`,
		runID, phase)
	if err != nil {
		return fmt.Errorf("set run phase %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set run phase %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) CompleteRun(ctx context.Context, runID string, status agentrun.Status, errMsg string, usage cost.TokenUsage, costUSD float64) error {
	var completedAt, cancelledAt *time.Time
	now := time.Now().UTC()
	switch status {
	case agentrun.StatusCompleted:
		completedAt = &now
	case agentrun.StatusCancelled:
		cancelledAt = &now
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runs
		 SET status = $2, error = $3, current_phase = NULL,
		     tokens_in = tokens_in + $4, tokens_out = tokens_out + $5, cost_usd = $6,
		     completed_at = $7, cancelled_at = $8, updated_at = now()
		 WHERE id = $1`,
		runID, status, errMsg, usage.InputTokens, usage.OutputTokens, costUSD, completedAt, cancelledAt)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete run %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ResetRunForRetry(ctx context.Context, runID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_runs
		 SET status = $2, error = '', cancelled_at = NULL, completed_at = NULL,
		     tokens_in = 0, tokens_out = 0, cost_usd = 0,
		     started_at = COALESCE(started_at, $3), updated_at = now()
		 WHERE id = $1`,
		runID, agentrun.StatusRunning, at)
	if err != nil {
		return fmt.Errorf("reset run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("reset run %s: %w", runID, domain.ErrNotFound)
	}
	return nil
}

// --- Phases ---

func (s *Store) CreatePhases(ctx context.Context, runID string, names []string) error {
	batch := &pgx.Batch{}
	for i, name := range names {
		batch.Queue(
			`INSERT INTO run_phases (run_id, name, position, status) VALUES ($1, $2, $3, $4)`,
			runID, name, i, agentrun.PhasePending)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("create phases for run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) GetPhases(ctx context.Context, runID string) ([]agentrun.Phase, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, name, position, status, output, error, duration_ms, started_at, completed_at, created_at
		 FROM run_phases WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("get phases for run %s: %w", runID, err)
	}
	defer rows.Close()

	var phases []agentrun.Phase
	for rows.Next() {
		p, err := scanPhase(rows)
		if err != nil {
			return nil, err
		}
		phases = append(phases, p)
	}
	return phases, rows.Err()
}

func (s *Store) UpdatePhaseStatus(ctx context.Context, runID, name string, status agentrun.PhaseStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE run_phases
		 SET status = $3, error = $4,
		     started_at = CASE WHEN $3::text = 'running' THEN now() ELSE started_at END
		 WHERE run_id = $1 AND name = $2`,
		runID, name, status, errMsg)
	if err != nil {
		return fmt.Errorf("update phase %s/%s: %w", runID, name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update phase %s/%s: %w", runID, name, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) CompletePhase(ctx context.Context, runID, name string, out *agentrun.PhaseOutput, durationMS int64) error {
	outputJSON, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal phase output: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE run_phases
		 SET status = $3, output = $4, error = '', duration_ms = $5, completed_at = now()
		 WHERE run_id = $1 AND name = $2`,
		runID, name, agentrun.PhaseCompleted, outputJSON, durationMS)
	if err != nil {
		return fmt.Errorf("complete phase %s/%s: %w", runID, name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete phase %s/%s: %w", runID, name, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SkipPhases(ctx context.Context, runID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE run_phases SET status = $3 WHERE run_id = $1 AND name = ANY($2)`,
		runID, names, agentrun.PhaseSkipped)
	if err != nil {
		return fmt.Errorf("skip phases for run %s: %w", runID, err)
	}
	return nil
}

func (s *Store) ResetPhases(ctx context.Context, runID string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE run_phases
		 SET status = $3, output = NULL, error = '', duration_ms = 0, started_at = NULL, completed_at = NULL
		 WHERE run_id = $1 AND name = ANY($2)`,
		runID, names, agentrun.PhasePending)
	if err != nil {
		return fmt.Errorf("reset phases for run %s: %w", runID, err)
	}
	return nil
}

// --- Reports ---

func (s *Store) CreateReport(ctx context.Context, rep *report.Report) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO reports (run_id, user_id, summary, body, total_tokens, cost_usd)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id) DO UPDATE
		 SET summary = EXCLUDED.summary, body = EXCLUDED.body,
		     total_tokens = EXCLUDED.total_tokens, cost_usd = EXCLUDED.cost_usd
		 RETURNING id, run_id, user_id, summary, body, total_tokens, cost_usd, created_at`,
		rep.RunID, rep.UserID, rep.Summary, []byte(rep.Body), rep.TotalTokens, rep.CostUSD)

	created, err := scanReport(row)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	*rep = created
	return nil
}

func (s *Store) GetReportByRun(ctx context.Context, runID string) (*report.Report, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, run_id, user_id, summary, body, total_tokens, cost_usd, created_at
		 FROM reports WHERE run_id = $1`, runID)

	rep, err := scanReport(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get report for run %s: %w", runID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get report for run %s: %w", runID, err)
	}
	return &rep, nil
}

// --- Cost aggregates ---

func (s *Store) CostSummaryByUser(ctx context.Context, userID string) (*cost.UserSummary, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0), COALESCE(SUM(cost_usd), 0)
		 FROM agent_runs WHERE user_id = $1 AND status = $2`,
		userID, agentrun.StatusCompleted)

	summary := cost.UserSummary{UserID: userID}
	if err := row.Scan(&summary.RunCount, &summary.TokensIn, &summary.TokensOut, &summary.TotalCostUSD); err != nil {
		return nil, fmt.Errorf("cost summary for user %s: %w", userID, err)
	}
	return &summary, nil
}
