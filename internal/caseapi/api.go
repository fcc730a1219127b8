// Package caseapi exposes invoice review cases and the confidence gate over
// HTTP.
package caseapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/invoiceshield/internal/gate"
	"github.com/linnemanlabs/invoiceshield/internal/pipeline"
	"github.com/linnemanlabs/invoiceshield/internal/review"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
)

// ReviewService defines the business operations caseapi needs.
type ReviewService interface {
	Submit(ctx context.Context, sub *review.Submission) (*review.SubmitResult, error)
	Get(ctx context.Context, id string) (*review.Case, bool, error)
	Evaluate(sc signal.Context) (gate.Decision, bool)
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    ReviewService
	desc   pipeline.Descriptor
}

// New creates a new API handler. desc is served as-is by the pipeline
// endpoint.
func New(logger log.Logger, svc ReviewService, desc pipeline.Descriptor) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("review service is required"))
	}
	return &API{
		logger: logger,
		svc:    svc,
		desc:   desc,
	}
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/cases", a.handleSubmitCase)
		r.Get("/cases/{id}", a.handleGetCase)
		r.Post("/gate/evaluate", a.handleEvaluate)
		r.Get("/pipeline", a.handlePipeline)
	})
}

func (a *API) handleGetCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("invoiceshield.case.id", id))

	c, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get case", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("invoiceshield.case.status", string(c.Status)))

	writeJSON(w, http.StatusOK, c)
}

func (a *API) handlePipeline(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.desc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
