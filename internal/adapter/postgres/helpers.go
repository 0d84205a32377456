package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/craftplan/craftplan/internal/domain/agentrun"
	"github.com/craftplan/craftplan/internal/domain/report"
)

// --- Scanners ---

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (agentrun.Run, error) {
	var r agentrun.Run
	var currentPhase *string
	err := row.Scan(
		&r.ID, &r.UserID,
		&r.Intake.Description, &r.Intake.Location, &r.Intake.Budget, &r.Intake.Experience,
		&r.PlanVersion, &r.Status, &currentPhase, &r.Error,
		&r.TokensIn, &r.TokensOut, &r.CostUSD,
		&r.StartedAt, &r.CompletedAt, &r.CancelledAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	if currentPhase != nil {
		r.CurrentPhase = *currentPhase
	}
	return r, nil
}

func scanPhase(row scannable) (agentrun.Phase, error) {
	var p agentrun.Phase
	var outputJSON []byte
	err := row.Scan(
		&p.RunID, &p.Name, &p.Position, &p.Status, &outputJSON, &p.Error,
		&p.DurationMS, &p.StartedAt, &p.CompletedAt, &p.CreatedAt,
	)
	if err != nil {
		return p, err
	}
	if outputJSON != nil {
		var out agentrun.PhaseOutput
		if err := json.Unmarshal(outputJSON, &out); err != nil {
			return p, fmt.Errorf("unmarshal phase output: %w", err)
		}
		p.Output = &out
	}
	return p, nil
}

func scanReport(row scannable) (report.Report, error) {
	var rep report.Report
	var body []byte
	err := row.Scan(&rep.ID, &rep.RunID, &rep.UserID, &rep.Summary, &body, &rep.TotalTokens, &rep.CostUSD, &rep.CreatedAt)
	if err != nil {
		return rep, err
	}
	rep.Body = json.RawMessage(body)
	return rep, nil
}

// nullable maps an empty string to NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
