// Package agentrun defines the Run and Phase domain entities for the
// AI-assisted planning pipeline.
package agentrun

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/craftplan/craftplan/internal/domain"
)

// ErrCancelled is the distinguished cancellation signal. It is raised when a
// cancellation request is observed at a phase boundary (or by a phase
// function checking its own predicate) and is never treated as a fault.
var ErrCancelled = errors.New("run cancelled")

// Status represents the current state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// IsTerminal reports whether the status permits no further transitions
// short of an explicit retry.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// Intake is the immutable input snapshot captured when a run is submitted.
type Intake struct {
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
	Budget      string `json:"budget,omitempty"`
	Experience  string `json:"experience,omitempty"`
}

// Run represents one end-to-end execution of the phase pipeline.
// A retry reuses the same row: status is reset to running and execution
// continues from persisted phase state.
type Run struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Intake       Intake     `json:"intake"`
	PlanVersion  string     `json:"plan_version"`
	Status       Status     `json:"status"`
	CurrentPhase string     `json:"current_phase,omitempty"` // empty once terminal
	Error        string     `json:"error,omitempty"`
	TokensIn     int64      `json:"tokens_in"`
	TokensOut    int64      `json:"tokens_out"`
	CostUSD      float64    `json:"cost_usd"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`

	Phases []Phase `json:"phases,omitempty"`
}

// StartRequest holds the fields needed to start a new run.
type StartRequest struct {
	UserID      string `json:"user_id,omitempty"` // empty means anonymous
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
	Budget      string `json:"budget,omitempty"`
	Experience  string `json:"experience,omitempty"`
	PlanVersion string `json:"plan_version,omitempty"`
}

// Validate checks the request for domain correctness.
func (r *StartRequest) Validate() error {
	if strings.TrimSpace(r.Description) == "" {
		return fmt.Errorf("description is required: %w", domain.ErrValidation)
	}
	if r.PlanVersion != "" {
		if _, err := PlanByVersion(r.PlanVersion); err != nil {
			return err
		}
	}
	return nil
}

// Intake builds the immutable input snapshot from the request.
func (r *StartRequest) ToIntake() Intake {
	return Intake{
		Description: strings.TrimSpace(r.Description),
		Location:    strings.TrimSpace(r.Location),
		Budget:      strings.TrimSpace(r.Budget),
		Experience:  strings.TrimSpace(r.Experience),
	}
}
