package caseapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/invoiceshield/internal/review"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
)

type submitResponse struct {
	ID      string `json:"id"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func (a *API) handleSubmitCase(w http.ResponseWriter, r *http.Request) {
	var sub review.Submission
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	res, err := a.svc.Submit(r.Context(), &sub)
	if errors.Is(err, review.ErrNoBatch) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to submit case", "batch_id", sub.BatchID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.String("invoiceshield.case.id", res.ID),
		attribute.String("invoiceshield.batch.id", sub.BatchID),
	)

	status := http.StatusAccepted
	if res.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, status, submitResponse{ID: res.ID, Skipped: res.Skipped, Reason: res.Reason})
}

type evaluateRequest struct {
	Context signal.Context `json:"context"`
}

type evaluateResponse struct {
	Decision *decisionBody `json:"decision"`
}

type decisionBody struct {
	Escalate bool   `json:"escalate"`
	Message  string `json:"message"`
}

// handleEvaluate runs the gate against a caller supplied context. A context
// below threshold yields {"decision": null}.
func (a *API) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var resp evaluateResponse
	if d, ok := a.svc.Evaluate(req.Context); ok {
		resp.Decision = &decisionBody{Escalate: d.Escalate, Message: d.Message}
	}

	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Bool("invoiceshield.gate.escalate", resp.Decision != nil),
	)

	writeJSON(w, http.StatusOK, resp)
}
