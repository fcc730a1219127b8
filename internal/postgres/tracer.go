package postgres

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// Query origins.
const (
	OriginHTTP     = "http"
	OriginPipeline = "pipeline"
	OriginInternal = "internal"
)

var queryObserver atomic.Pointer[queryObserverHolder]

type scopeKey struct{}

type queryStartKey struct{}

type queryObserverHolder struct{ QueryObserver }

// QueryScope says on whose behalf a query runs. It travels in the context
// and is read by the tracer when the query ends.
type QueryScope struct {
	Method    string // HTTP method, set by the API middleware
	CaseID    string // review case, set per pipeline stage
	Stage     string // pipeline stage
	Operation string // store method issuing the query
}

// QueryLabels are the metric dimensions of one query. Route is the chi
// route pattern for API queries and the stage name for pipeline queries.
type QueryLabels struct {
	Origin    string
	Method    string
	Route     string
	Operation string
	Outcome   string
}

// QueryObserver receives per-query metrics (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, l QueryLabels, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, l QueryLabels, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, l QueryLabels, dur time.Duration) {
	f(ctx, l, dur)
}

// SetQueryObserver sets the global query observer (typically a Prometheus histogram).
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// ScopeFromContext returns the query scope stored in ctx.
func ScopeFromContext(ctx context.Context) QueryScope {
	s, _ := ctx.Value(scopeKey{}).(QueryScope)
	return s
}

func withScope(ctx context.Context, set func(*QueryScope)) context.Context {
	s := ScopeFromContext(ctx)
	set(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

// WithHTTPMethod stores the HTTP method in the context for query metrics labelling.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return withScope(ctx, func(s *QueryScope) { s.Method = method })
}

// WithStage marks queries issued while a pipeline stage of a review case runs.
func WithStage(ctx context.Context, caseID, stage string) context.Context {
	if caseID == "" && stage == "" {
		return ctx
	}
	return withScope(ctx, func(s *QueryScope) {
		s.CaseID = caseID
		s.Stage = stage
	})
}

// WithOperation names the store method issuing the next queries.
func WithOperation(ctx context.Context, op string) context.Context {
	if op == "" {
		return ctx
	}
	return withScope(ctx, func(s *QueryScope) { s.Operation = op })
}

// labelsFor derives metric labels from ctx. A chi route wins over a
// pipeline stage, which wins over neither.
func labelsFor(ctx context.Context, err error) QueryLabels {
	s := ScopeFromContext(ctx)
	l := QueryLabels{
		Origin:    OriginInternal,
		Method:    "NONE",
		Route:     "none",
		Operation: s.Operation,
		Outcome:   "ok",
	}
	if l.Operation == "" {
		l.Operation = "unknown"
	}
	if err != nil {
		l.Outcome = "error"
	}

	if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
		l.Origin = OriginHTTP
		l.Route = rc.RoutePattern()
		if s.Method != "" {
			l.Method = s.Method
		}
		return l
	}
	if s.Stage != "" {
		l.Origin = OriginPipeline
		l.Route = s.Stage
	}
	return l
}

// loggingTracer wraps another pgx.QueryTracer (e.g. otelpgx), tags its span
// with the query scope and logs every query.
type loggingTracer struct {
	inner pgx.QueryTracer
}

// wrapQueryTracer wraps an inner tracer with structured logging.
func wrapQueryTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	start := time.Now()

	// Let inner tracer (otelpgx) create its span first.
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, queryStartKey{}, start)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		s := ScopeFromContext(ctx)
		attrs := make([]attribute.KeyValue, 0, 3)
		if s.Operation != "" {
			attrs = append(attrs, attribute.String("db.caller", s.Operation))
		}
		if s.CaseID != "" {
			attrs = append(attrs, attribute.String("invoiceshield.case.id", s.CaseID))
		}
		if s.Stage != "" {
			attrs = append(attrs, attribute.String("invoiceshield.stage", s.Stage))
		}
		span.SetAttributes(attrs...)
	}
	return ctx
}

func (t loggingTracer) TraceQueryEnd(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	// Always call inner tracer first so spans are finished correctly.
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	var dur time.Duration
	if start, ok := ctx.Value(queryStartKey{}).(time.Time); ok {
		dur = time.Since(start)
	}

	l := labelsFor(ctx, data.Err)
	if obs := getQueryObserver(); obs != nil && dur > 0 {
		obs.ObserveQuery(ctx, l, dur)
	}

	fields := []any{
		"db.origin", l.Origin,
		"db.route", l.Route,
		"db.caller", l.Operation,
		"db.duration", dur.Seconds(),
	}
	if s := ScopeFromContext(ctx); s.CaseID != "" {
		fields = append(fields, "case_id", s.CaseID)
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}
