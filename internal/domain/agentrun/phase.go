package agentrun

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/craftplan/craftplan/internal/domain"
	"github.com/craftplan/craftplan/internal/domain/cost"
)

// PhaseStatus represents the state of a single phase within a run.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseError     PhaseStatus = "error"
	PhaseSkipped   PhaseStatus = "skipped"
)

// PhaseOutput is the value produced by a phase function. The semantic
// payload is what flows into the next phase's context; the usage record is
// bookkeeping only and is stripped before the payload is reused.
type PhaseOutput struct {
	Payload json.RawMessage `json:"payload"`
	Usage   cost.TokenUsage `json:"usage"`
}

// Phase is one named, ordered unit of work within a run. Identity is the
// (run id, name) pair; Position fixes the order within the run's plan.
type Phase struct {
	RunID       string       `json:"run_id"`
	Name        string       `json:"name"`
	Position    int          `json:"position"`
	Status      PhaseStatus  `json:"status"`
	Output      *PhaseOutput `json:"output,omitempty"` // set only when completed
	Error       string       `json:"error,omitempty"`
	DurationMS  int64        `json:"duration_ms"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Context accumulates phase payloads keyed by phase name. Only semantic
// payloads enter the context, never the usage bookkeeping.
type Context map[string]json.RawMessage

// Clone returns a shallow copy so callers can mutate independently.
func (c Context) Clone() Context {
	out := make(Context, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Plan version identifiers. The phase set is stamped per run at creation,
// so runs started under an older scheme resume under that same scheme.
const (
	PlanV1 = "v1" // research, design, sourcing, report
	PlanV2 = "v2" // analysis, report
)

// DefaultPlanVersion is used when a start request does not pin a version.
const DefaultPlanVersion = PlanV2

var planPhases = map[string][]string{
	PlanV1: {"research", "design", "sourcing", "report"},
	PlanV2: {"analysis", "report"},
}

// PlanByVersion returns the ordered phase names for a plan version.
func PlanByVersion(version string) ([]string, error) {
	phases, ok := planPhases[version]
	if !ok {
		return nil, fmt.Errorf("unknown plan version %q: %w", version, domain.ErrValidation)
	}
	out := make([]string, len(phases))
	copy(out, phases)
	return out, nil
}

// FinalPhase returns the name of the last phase, whose output is the
// run's deliverable.
func FinalPhase(plan []string) string {
	if len(plan) == 0 {
		return ""
	}
	return plan[len(plan)-1]
}

// Percent maps a phase boundary to an overall 0-100 progress figure.
// completed is the number of phases finished so far.
func Percent(completed, total int) int {
	if total <= 0 {
		return 0
	}
	if completed >= total {
		return 100
	}
	return completed * 100 / total
}
