package http

import (
	"log/slog"
	"net/http"

	"github.com/craftplan/craftplan/internal/adapter/ndjson"
	"github.com/craftplan/craftplan/internal/adapter/ws"
	"github.com/craftplan/craftplan/internal/domain/agentrun"
	"github.com/craftplan/craftplan/internal/service"
)

const maxBodyBytes = 64 << 10

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	runs  *service.RunService
	costs *service.CostService
	hub   *ws.Hub
}

// NewHandlers creates the handler set.
func NewHandlers(runs *service.RunService, costs *service.CostService, hub *ws.Hub) *Handlers {
	return &Handlers{runs: runs, costs: costs, hub: hub}
}

// StartRun creates a run and streams its execution as NDJSON frames.
// Validation failures are reported as plain JSON errors before the
// stream starts; once frames are flowing, failures travel on the stream.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[agentrun.StartRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}

	ex, err := h.runs.Begin(r.Context(), &req)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}

	sink, err := ndjson.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if err := h.runs.Execute(r.Context(), ex, sink); err != nil {
		slog.Error("run attempt aborted", "run_id", ex.Run.ID, "error", err)
	}
}

// RetryRun resumes a terminal, non-completed run from its persisted
// phase state, replaying completed phases as synthetic frames before
// executing the remainder.
func (h *Handlers) RetryRun(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")

	rp, err := h.runs.BeginRetry(r.Context(), runID)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}

	sink, err := ndjson.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if err := h.runs.ExecuteResume(r.Context(), rp, sink); err != nil {
		slog.Error("run retry aborted", "run_id", runID, "error", err)
	}
}

// CancelRun requests cooperative cancellation. Returns 202: the flag is
// set, but the run only settles at its next phase boundary.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := urlParam(r, "id")

	if err := h.runs.Cancel(r.Context(), runID); err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "cancellation_requested",
	})
}

// ListRuns returns a user's runs.
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if !requireField(w, userID, "user_id") {
		return
	}

	runs, err := h.runs.List(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err, "runs not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GetRun returns one run with its phase rows.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunReport returns the persisted deliverable of a completed run.
func (h *Handlers) GetRunReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.runs.Report(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "report not found")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// CostSummary returns the per-user cost aggregate.
func (h *Handlers) CostSummary(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if !requireField(w, userID, "user_id") {
		return
	}

	sum, err := h.costs.SummaryByUser(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err, "cost summary not found")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// WebSocket upgrades an observer connection; every run frame is
// mirrored to all observers.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.HandleWS(w, r)
}
