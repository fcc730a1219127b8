package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/linnemanlabs/go-core/log"
)

func withChiRoute(ctx context.Context, pattern string) context.Context {
	rctx := chi.NewRouteContext()
	rctx.RoutePatterns = []string{pattern}
	return context.WithValue(ctx, chi.RouteCtxKey, rctx)
}

func TestScope_Composes(t *testing.T) {
	t.Parallel()

	ctx := WithHTTPMethod(context.Background(), "POST")
	ctx = WithStage(ctx, "case-1", "ingest")
	ctx = WithOperation(ctx, "pgstore.ListInvoices")

	want := QueryScope{Method: "POST", CaseID: "case-1", Stage: "ingest", Operation: "pgstore.ListInvoices"}
	if got := ScopeFromContext(ctx); got != want {
		t.Errorf("scope = %+v, want %+v", got, want)
	}

	// a later operation replaces the earlier one without touching the rest
	inner := WithOperation(ctx, "pgstore.Put")
	if got := ScopeFromContext(inner); got.Operation != "pgstore.Put" || got.Stage != "ingest" {
		t.Errorf("inner scope = %+v", got)
	}
	if got := ScopeFromContext(ctx); got.Operation != "pgstore.ListInvoices" {
		t.Errorf("outer scope changed: %+v", got)
	}
}

func TestScope_EmptyValuesKeepContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	if WithHTTPMethod(ctx, "") != ctx || WithStage(ctx, "", "") != ctx || WithOperation(ctx, "") != ctx {
		t.Error("empty values should return ctx unchanged")
	}
	if got := ScopeFromContext(ctx); got != (QueryScope{}) {
		t.Errorf("scope = %+v, want zero", got)
	}
}

func TestLabelsFor(t *testing.T) {
	t.Parallel()

	bg := context.Background()
	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want QueryLabels
	}{
		{
			"no scope",
			bg, nil,
			QueryLabels{Origin: OriginInternal, Method: "NONE", Route: "none", Operation: "unknown", Outcome: "ok"},
		},
		{
			"store call outside a case",
			WithOperation(bg, "pgstore.New"), nil,
			QueryLabels{Origin: OriginInternal, Method: "NONE", Route: "none", Operation: "pgstore.New", Outcome: "ok"},
		},
		{
			"pipeline stage",
			WithOperation(WithStage(bg, "case-1", "ingest"), "pgstore.ListInvoices"), nil,
			QueryLabels{Origin: OriginPipeline, Method: "NONE", Route: "ingest", Operation: "pgstore.ListInvoices", Outcome: "ok"},
		},
		{
			"api route",
			WithOperation(WithHTTPMethod(withChiRoute(bg, "/api/v1/cases/{id}"), "GET"), "pgstore.Get"), nil,
			QueryLabels{Origin: OriginHTTP, Method: "GET", Route: "/api/v1/cases/{id}", Operation: "pgstore.Get", Outcome: "ok"},
		},
		{
			"route wins over stage",
			WithStage(withChiRoute(bg, "/api/v1/cases"), "case-2", "ingest"), nil,
			QueryLabels{Origin: OriginHTTP, Method: "NONE", Route: "/api/v1/cases", Operation: "unknown", Outcome: "ok"},
		},
		{
			"error outcome",
			WithStage(bg, "case-3", "ingest"), errors.New("timeout"),
			QueryLabels{Origin: OriginPipeline, Method: "NONE", Route: "ingest", Operation: "unknown", Outcome: "error"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := labelsFor(tt.ctx, tt.err); got != tt.want {
				t.Errorf("labelsFor = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// Not parallel: it installs the global query observer.
func TestSetQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, _ QueryLabels, _ time.Duration) {
		called = true
	}))
	got := getQueryObserver()
	if got == nil {
		t.Fatal("expected non-nil observer after Set")
	}
	got.ObserveQuery(context.Background(), QueryLabels{}, time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if got := getQueryObserver(); got != nil {
		t.Errorf("expected nil observer after Set(nil), got %v", got)
	}
}

func TestNewPool_BadURL(t *testing.T) {
	t.Parallel()

	if _, err := NewPool(context.Background(), "postgres://%zz", PoolConfig{}); err == nil {
		t.Fatal("expected parse error")
	}
}

// recordingTracer is an inner pgx.QueryTracer that records calls.
type recordingTracer struct {
	starts, ends int
}

func (r *recordingTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	r.starts++
	return ctx
}

func (r *recordingTracer) TraceQueryEnd(_ context.Context, _ *pgx.Conn, _ pgx.TraceQueryEndData) {
	r.ends++
}

// Not parallel: it installs the global query observer.
func TestLoggingTracer_ObservesQuery(t *testing.T) {
	defer SetQueryObserver(nil)

	var got []QueryLabels
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, l QueryLabels, _ time.Duration) {
		got = append(got, l)
	}))

	inner := &recordingTracer{}
	tr := wrapQueryTracer(inner)

	ctx := log.WithContext(context.Background(), log.Nop())
	ctx = WithOperation(WithStage(ctx, "case-1", "ingest"), "pgstore.ListInvoices")

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT broken"})
	time.Sleep(time.Millisecond)
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: &pgconn.PgError{Code: "42601", Message: "syntax error"}})

	if inner.starts != 2 || inner.ends != 2 {
		t.Errorf("inner tracer calls = %d/%d, want 2/2", inner.starts, inner.ends)
	}
	want := []QueryLabels{
		{Origin: OriginPipeline, Method: "NONE", Route: "ingest", Operation: "pgstore.ListInvoices", Outcome: "ok"},
		{Origin: OriginPipeline, Method: "NONE", Route: "ingest", Operation: "pgstore.ListInvoices", Outcome: "error"},
	}
	if len(got) != len(want) {
		t.Fatalf("observed = %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("observed[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestLoggingTracer_TagsSpanWithScope(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "query")
	ctx = WithOperation(WithStage(ctx, "case-9", "ingest"), "pgstore.ListPayments")
	wrapQueryTracer(nil).TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	attrs := map[attribute.Key]string{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value.AsString()
	}
	want := map[attribute.Key]string{
		"db.caller":             "pgstore.ListPayments",
		"invoiceshield.case.id": "case-9",
		"invoiceshield.stage":   "ingest",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attribute %s = %q, want %q", k, attrs[k], v)
		}
	}
}

// Not parallel: a concurrently installed observer would see this query.
func TestWrapQueryTracer_NilInner(t *testing.T) {
	tr := wrapQueryTracer(nil)
	ctx := log.WithContext(context.Background(), log.Nop())
	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{})
}
