// Package report defines the persisted deliverable of a completed run.
package report

import (
	"encoding/json"
	"time"
)

// Report is the final artifact derived from a run's last phase output.
// It is written exactly once, on the success path, before the run is
// marked completed.
type Report struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	UserID      string          `json:"user_id"`
	Summary     string          `json:"summary,omitempty"`
	Body        json.RawMessage `json:"body"`
	TotalTokens int64           `json:"total_tokens"`
	CostUSD     float64         `json:"cost_usd"`
	CreatedAt   time.Time       `json:"created_at"`
}
