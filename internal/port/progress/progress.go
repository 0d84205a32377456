// Package progress defines the port for streaming run progress to a
// client, plus the wire-protocol frame types shared by all transports.
package progress

import "context"

// Sink consumes protocol frames for one watched run. Implementations
// must be safe for concurrent use: the heartbeat ticker and the
// orchestrator emit from different goroutines.
type Sink interface {
	Emit(ctx context.Context, frame any) error
}

// Frame type tags.
const (
	TypeProgress  = "agent_progress"
	TypeComplete  = "agent_complete"
	TypeError     = "agent_error"
	TypeHeartbeat = "heartbeat"
	TypeDone      = "done"
)

// ProgressFrame reports one phase transition. Synthetic frames replaying
// already-completed phases are emitted when a client re-subscribes on
// retry, so resumed streams show a full timeline.
type ProgressFrame struct {
	Type            string `json:"type"`
	RunID           string `json:"runId"`
	Phase           string `json:"phase"`
	PhaseStatus     string `json:"phaseStatus"`
	Message         string `json:"message,omitempty"`
	OverallProgress int    `json:"overallProgress"`
}

// APICost carries the token-derived cost estimate on the success frame.
type APICost struct {
	TotalTokens   int64   `json:"totalTokens"`
	EstimatedCost float64 `json:"estimatedCost"`
}

// CompleteFrame is the terminal frame on the success path.
type CompleteFrame struct {
	Type      string  `json:"type"`
	RunID     string  `json:"runId"`
	ReportID  string  `json:"reportId"`
	Summary   string  `json:"summary,omitempty"`
	TotalCost float64 `json:"totalCost"`
	Report    any     `json:"report"`
	APICost   APICost `json:"apiCost"`
}

// ErrorFrame is the terminal frame on failure or cancellation.
// Recoverable is false exactly when the termination was a cancellation.
type ErrorFrame struct {
	Type        string `json:"type"`
	RunID       string `json:"runId"`
	Phase       string `json:"phase,omitempty"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// ControlFrame carries no payload beyond its type tag (heartbeat, done).
type ControlFrame struct {
	Type string `json:"type"`
}

// NewProgress builds a phase-transition frame.
func NewProgress(runID, phase, status, message string, percent int) ProgressFrame {
	return ProgressFrame{
		Type:            TypeProgress,
		RunID:           runID,
		Phase:           phase,
		PhaseStatus:     status,
		Message:         message,
		OverallProgress: percent,
	}
}

// NewError builds a terminal error frame.
func NewError(runID, phase, message string, recoverable bool) ErrorFrame {
	return ErrorFrame{
		Type:        TypeError,
		RunID:       runID,
		Phase:       phase,
		Message:     message,
		Recoverable: recoverable,
	}
}

// Heartbeat builds the periodic keep-alive frame.
func Heartbeat() ControlFrame { return ControlFrame{Type: TypeHeartbeat} }

// Done builds the stream-terminating frame, always the final frame on
// every path.
func Done() ControlFrame { return ControlFrame{Type: TypeDone} }
