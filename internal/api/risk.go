package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// EvaluateResponse is the response for POST /risk/evaluate: the engine
// result plus the recorded decision.
type EvaluateResponse struct {
	EvaluationID string `json:"evaluation_id"`
	Status       string `json:"status"`
	*risk.Result
	Metadata struct {
		TraceID string `json:"traceId"`
		EvalMs  int64  `json:"evalMs"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// EvaluateRisk handles POST /risk/evaluate synchronously.
func (h *Handler) EvaluateRisk(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req risk.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	evalStart := time.Now()
	result, err := h.deps.Risk.Evaluate(ctx, req)
	evalDuration := time.Since(evalStart)
	h.deps.Metrics.ObserveEngine("risk", evalDuration)
	if err != nil {
		writeError(w, r, err)
		return
	}

	evaluation, err := h.deps.Processor.Process(&decision.Input{
		Source:       domain.SourceSync,
		TraceID:      GetTraceID(ctx),
		Result:       result,
		StartTime:    start,
		EvalDuration: evalDuration,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.deps.Metrics.RiskEvaluation(domain.SourceSync, decision.ShouldAlert(evaluation))

	if h.deps.Repo != nil {
		if err := h.deps.Repo.SaveEvaluation(ctx, evaluation); err != nil {
			slogError(r, "failed to save evaluation", err)
		}
	}

	resp := EvaluateResponse{
		EvaluationID: evaluation.ID,
		Status:       evaluation.Status,
		Result:       result,
	}
	resp.Metadata.TraceID = evaluation.Metadata.TraceID
	resp.Metadata.EvalMs = evaluation.Metadata.EvalMs
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.deps.Version

	writeJSON(w, http.StatusOK, resp)
}

// SubmitRisk handles POST /risk/submit by queueing the request for the
// async worker.
func (h *Handler) SubmitRisk(w http.ResponseWriter, r *http.Request) {
	if h.deps.Bus == nil {
		writeUnavailable(w, "event bus")
		return
	}

	var req risk.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	msg := worker.RiskMessage{
		RequestID: uuid.New().String(),
		TraceID:   GetTraceID(r.Context()),
		Request:   req,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.deps.Bus.Publish(r.Context(), domain.TopicRiskRequested, payload); err != nil {
		slogError(r, "failed to publish risk request", err)
		writeUnavailable(w, "event bus")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"requestId": msg.RequestID,
		"status":    "queued",
		"topic":     domain.TopicRiskRequested,
	})
}

// GetEvaluation retrieves an evaluation by ID.
func (h *Handler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		writeUnavailable(w, "repository")
		return
	}
	eval, err := h.deps.Repo.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

// ListEvaluations handles GET /entities/{id}/evaluations?limit=.
func (h *Handler) ListEvaluations(w http.ResponseWriter, r *http.Request) {
	if h.deps.Repo == nil {
		writeUnavailable(w, "repository")
		return
	}
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, r, err)
		return
	}
	evals, err := h.deps.Repo.ListEvaluations(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if evals == nil {
		evals = []*domain.Evaluation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(evals),
		"items": evals,
	})
}
