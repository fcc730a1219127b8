package caseapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/gate"
	"github.com/linnemanlabs/invoiceshield/internal/pipeline"
	"github.com/linnemanlabs/invoiceshield/internal/review"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
)

type mockService struct {
	mu        sync.Mutex
	submitted []*review.Submission
	submitFn  func(*review.Submission) (*review.SubmitResult, error)
	cases     map[string]*review.Case
	getErr    error
	gate      *gate.Gate
	evaluated []signal.Context
}

func newMockService() *mockService {
	return &mockService{
		cases: make(map[string]*review.Case),
		gate:  gate.New(gate.DefaultThreshold),
	}
}

func (m *mockService) Submit(_ context.Context, sub *review.Submission) (*review.SubmitResult, error) {
	m.mu.Lock()
	m.submitted = append(m.submitted, sub)
	m.mu.Unlock()
	if m.submitFn != nil {
		return m.submitFn(sub)
	}
	if sub.BatchID == "" {
		return nil, review.ErrNoBatch
	}
	return &review.SubmitResult{ID: "case-1"}, nil
}

func (m *mockService) Get(_ context.Context, id string) (*review.Case, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	c, ok := m.cases[id]
	return c, ok, nil
}

func (m *mockService) Evaluate(sc signal.Context) (gate.Decision, bool) {
	m.mu.Lock()
	m.evaluated = append(m.evaluated, sc)
	m.mu.Unlock()
	return m.gate.Evaluate(sc)
}

func newTestRouter(t *testing.T, svc ReviewService) chi.Router {
	t.Helper()
	r := chi.NewRouter()
	New(nil, svc, pipeline.Default()).RegisterRoutes(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, newMockService(), pipeline.Default())
	if api.logger == nil {
		t.Fatal("New(nil, ...) left logger nil; expected Nop logger")
	}
}

func TestNew_WithLogger(t *testing.T) {
	t.Parallel()

	api := New(log.Nop(), newMockService(), pipeline.Default())
	if api.logger == nil {
		t.Fatal("New(logger, ...) left logger nil")
	}
}

func TestNew_NilService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New with nil service did not panic")
		}
	}()
	New(nil, nil, pipeline.Descriptor{})
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, newMockService())

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/v1/cases", http.StatusMethodNotAllowed},
		{http.MethodPut, "/api/v1/cases", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/v1/cases/123", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/api/v1/cases/123", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/gate/evaluate", http.StatusMethodNotAllowed},
		{http.MethodPost, "/api/v1/pipeline", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/v1/unknown", http.StatusNotFound},
		{http.MethodGet, "/api/v2/cases/123", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()

			rec := do(t, r, tt.method, tt.path, "")
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.want)
			}
		})
	}
}

// Submit

func TestSubmitCase_Accepted(t *testing.T) {
	t.Parallel()

	svc := newMockService()
	r := newTestRouter(t, svc)

	rec := do(t, r, http.MethodPost, "/api/v1/cases",
		`{"batch_id":"B-1","vendor":"Shell Co","signals":{"priority":2,"invoices":[{"id":"I-1","amount":"10.00"}]}}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	got := decode[submitResponse](t, rec)
	if got.ID != "case-1" || got.Skipped {
		t.Errorf("response = %+v", got)
	}

	if len(svc.submitted) != 1 {
		t.Fatalf("submitted %d, want 1", len(svc.submitted))
	}
	sub := svc.submitted[0]
	if sub.BatchID != "B-1" || sub.Vendor != "Shell Co" {
		t.Errorf("submission = %+v", sub)
	}
	if sub.Signals.FloatOr("priority", 0) != 2 {
		t.Errorf("priority signal = %v, want 2", sub.Signals["priority"])
	}
	if !sub.Signals.Has(signal.Invoices) {
		t.Error("inline invoices were not forwarded")
	}
}

func TestSubmitCase_Duplicate(t *testing.T) {
	t.Parallel()

	svc := newMockService()
	svc.submitFn = func(*review.Submission) (*review.SubmitResult, error) {
		return &review.SubmitResult{ID: "case-0", Skipped: true, Reason: "duplicate"}, nil
	}
	r := newTestRouter(t, svc)

	rec := do(t, r, http.MethodPost, "/api/v1/cases", `{"batch_id":"B-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[submitResponse](t, rec)
	want := submitResponse{ID: "case-0", Skipped: true, Reason: "duplicate"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestSubmitCase_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		submitErr error
		want      int
		wantMsg   string
	}{
		{"invalid JSON", `{bad`, nil, http.StatusBadRequest, "invalid payload"},
		{"missing batch", `{"vendor":"x"}`, nil, http.StatusBadRequest, review.ErrNoBatch.Error()},
		{"signals not an object", `{"batch_id":"B","signals":[1]}`, nil, http.StatusBadRequest, "invalid payload"},
		{"store failure", `{"batch_id":"B"}`, errors.New("db down"), http.StatusInternalServerError, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			svc := newMockService()
			if tt.submitErr != nil {
				svc.submitFn = func(*review.Submission) (*review.SubmitResult, error) {
					return nil, tt.submitErr
				}
			}
			rec := do(t, newTestRouter(t, svc), http.MethodPost, "/api/v1/cases", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			got := decode[map[string]string](t, rec)
			if got["error"] != tt.wantMsg {
				t.Errorf("error = %q, want %q", got["error"], tt.wantMsg)
			}
		})
	}
}

// Get

func TestGetCase(t *testing.T) {
	t.Parallel()

	svc := newMockService()
	svc.cases["case-1"] = &review.Case{
		ID:        "case-1",
		BatchID:   "B-1",
		Status:    review.StatusComplete,
		Score:     0.95,
		Escalated: true,
		Decision:  &gate.Decision{Escalate: true, Message: gate.ValidatedMessage},
		Risk:      "CRITICAL",
	}
	r := newTestRouter(t, svc)

	rec := do(t, r, http.MethodGet, "/api/v1/cases/case-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[map[string]any](t, rec)
	if got["status"] != "complete" || got["anomaly_score"] != 0.95 || got["risk"] != "CRITICAL" {
		t.Errorf("case = %v", got)
	}
	d, _ := got["decision"].(map[string]any)
	if d["escalate"] != true || d["message"] != "Validated" {
		t.Errorf("decision = %v", got["decision"])
	}
}

func TestGetCase_NotFound(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestRouter(t, newMockService()), http.MethodGet, "/api/v1/cases/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestGetCase_StoreError(t *testing.T) {
	t.Parallel()

	svc := newMockService()
	svc.getErr = errors.New("connection reset")
	rec := do(t, newTestRouter(t, svc), http.MethodGet, "/api/v1/cases/any", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection reset") {
		t.Error("internal error detail leaked to client")
	}
}

// Gate

func TestEvaluate(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, newMockService())

	tests := []struct {
		name string
		body string
		want string
	}{
		{"above threshold", `{"context":{"anomaly_score":0.9}}`, `{"decision":{"escalate":true,"message":"Validated"}}`},
		{"at threshold", `{"context":{"anomaly_score":0.75}}`, `{"decision":{"escalate":true,"message":"Validated"}}`},
		{"below threshold", `{"context":{"anomaly_score":0.74}}`, `{"decision":null}`},
		{"missing score", `{"context":{"vendor":"x"}}`, `{"decision":null}`},
		{"non numeric score", `{"context":{"anomaly_score":"high"}}`, `{"decision":null}`},
		{"no context", `{}`, `{"decision":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := do(t, r, http.MethodPost, "/api/v1/gate/evaluate", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.want {
				t.Errorf("body = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEvaluate_InvalidPayload(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestRouter(t, newMockService()), http.MethodPost, "/api/v1/gate/evaluate", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestEvaluate_ContextForwardedUnchanged(t *testing.T) {
	t.Parallel()

	svc := newMockService()
	do(t, newTestRouter(t, svc), http.MethodPost, "/api/v1/gate/evaluate", `{"context":{"anomaly_score":0.8,"case_id":"c"}}`)

	if len(svc.evaluated) != 1 {
		t.Fatalf("evaluated %d contexts, want 1", len(svc.evaluated))
	}
	sc := svc.evaluated[0]
	if len(sc) != 2 || sc.String(signal.CaseID) != "c" {
		t.Errorf("context = %v", sc)
	}
}

// Pipeline

func TestPipeline(t *testing.T) {
	t.Parallel()

	rec := do(t, newTestRouter(t, newMockService()), http.MethodGet, "/api/v1/pipeline", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[pipeline.Descriptor](t, rec)
	if diff := cmp.Diff(pipeline.Default(), got); diff != "" {
		t.Errorf("descriptor mismatch (-want +got):\n%s", diff)
	}
}
