// Package pgstore provides a PostgreSQL implementation of review.Store. The
// same database holds the invoice and payment ledger, so Store also serves as
// the pipeline's invoice source.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/invoiceshield/internal/gate"
	"github.com/linnemanlabs/invoiceshield/internal/postgres"
	"github.com/linnemanlabs/invoiceshield/internal/review"
)

var tracer = otel.Tracer("github.com/linnemanlabs/invoiceshield/internal/review/pgstore")

//go:embed schema.sql
var schema string

const (
	uniqueViolation      = "23505"
	activeFingerprintIdx = "review_cases_active_fingerprint_idx"
)

// Store persists review cases and the invoice ledger in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ review.Store = (*Store)(nil)

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(postgres.WithOperation(ctx, "pgstore.New"), schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, operation string) (context.Context, trace.Span) {
	ctx = postgres.WithOperation(ctx, name)
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", operation),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const caseColumns = `id, fingerprint, batch_id, vendor, status, invoice_count, anomaly_score,
	anomaly_signals, iterations, escalated, decision, risk, report, report_path, notified,
	stages, agents, tokens_used, tool_calls, error, created_at, completed_at, duration_s`

// Get retrieves a case by ID.
func (s *Store) Get(ctx context.Context, id string) (*review.Case, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	c, err := scanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM review_cases WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return c, c != nil, nil
}

// GetByFingerprint retrieves the most recent case for a batch fingerprint.
func (s *Store) GetByFingerprint(ctx context.Context, fingerprint string) (*review.Case, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetByFingerprint", "SELECT")
	defer span.End()

	query := `SELECT ` + caseColumns + ` FROM review_cases WHERE fingerprint = $1 ORDER BY created_at DESC LIMIT 1`
	c, err := scanCase(s.pool.QueryRow(ctx, query, fingerprint))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return c, c != nil, nil
}

// Put inserts or updates a case.
func (s *Store) Put(ctx context.Context, c *review.Case) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()

	signalsJSON, err := json.Marshal(nonNil(c.Signals))
	if err != nil {
		return fail(span, fmt.Errorf("marshal signals: %w", err))
	}
	stagesJSON, err := json.Marshal(nonNil(c.Stages))
	if err != nil {
		return fail(span, fmt.Errorf("marshal stages: %w", err))
	}
	agentsJSON, err := json.Marshal(nonNil(c.Agents))
	if err != nil {
		return fail(span, fmt.Errorf("marshal agents: %w", err))
	}
	var decisionJSON []byte
	if c.Decision != nil {
		if decisionJSON, err = json.Marshal(c.Decision); err != nil {
			return fail(span, fmt.Errorf("marshal decision: %w", err))
		}
	}
	var completedAt *time.Time
	if !c.CompletedAt.IsZero() {
		completedAt = &c.CompletedAt
	}

	query := `INSERT INTO review_cases (` + caseColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
	ON CONFLICT (id) DO UPDATE SET
		fingerprint     = EXCLUDED.fingerprint,
		batch_id        = EXCLUDED.batch_id,
		vendor          = EXCLUDED.vendor,
		status          = EXCLUDED.status,
		invoice_count   = EXCLUDED.invoice_count,
		anomaly_score   = EXCLUDED.anomaly_score,
		anomaly_signals = EXCLUDED.anomaly_signals,
		iterations      = EXCLUDED.iterations,
		escalated       = EXCLUDED.escalated,
		decision        = EXCLUDED.decision,
		risk            = EXCLUDED.risk,
		report          = EXCLUDED.report,
		report_path     = EXCLUDED.report_path,
		notified        = EXCLUDED.notified,
		stages          = EXCLUDED.stages,
		agents          = EXCLUDED.agents,
		tokens_used     = EXCLUDED.tokens_used,
		tool_calls      = EXCLUDED.tool_calls,
		error           = EXCLUDED.error,
		completed_at    = EXCLUDED.completed_at,
		duration_s      = EXCLUDED.duration_s`

	_, err = s.pool.Exec(ctx, query,
		c.ID, c.Fingerprint, c.BatchID, c.Vendor, string(c.Status), c.InvoiceCount, c.Score,
		signalsJSON, c.Iterations, c.Escalated, decisionJSON, c.Risk, c.Report, c.ReportPath, c.Notified,
		stagesJSON, agentsJSON, c.TokensUsed, c.ToolCalls, c.Error, c.CreatedAt, completedAt, c.Duration,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == activeFingerprintIdx {
			return fail(span, fmt.Errorf("case %s for batch %s: %w", c.ID, c.Fingerprint, review.ErrActiveCase))
		}
		return fail(span, fmt.Errorf("upsert case: %w", err))
	}
	return nil
}

// scanCase scans a single row into a review.Case. Returns (nil, nil) when no
// row is found.
func scanCase(row pgx.Row) (*review.Case, error) {
	var (
		c            review.Case
		status       string
		signalsJSON  []byte
		decisionJSON []byte
		stagesJSON   []byte
		agentsJSON   []byte
		completedAt  *time.Time
	)

	err := row.Scan(
		&c.ID, &c.Fingerprint, &c.BatchID, &c.Vendor, &status, &c.InvoiceCount, &c.Score,
		&signalsJSON, &c.Iterations, &c.Escalated, &decisionJSON, &c.Risk, &c.Report, &c.ReportPath, &c.Notified,
		&stagesJSON, &agentsJSON, &c.TokensUsed, &c.ToolCalls, &c.Error, &c.CreatedAt, &completedAt, &c.Duration,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	c.Status = review.Status(status)
	if completedAt != nil {
		c.CompletedAt = *completedAt
	}
	if err := json.Unmarshal(signalsJSON, &c.Signals); err != nil {
		return nil, fmt.Errorf("unmarshal signals: %w", err)
	}
	if err := json.Unmarshal(stagesJSON, &c.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	if err := json.Unmarshal(agentsJSON, &c.Agents); err != nil {
		return nil, fmt.Errorf("unmarshal agents: %w", err)
	}
	if len(decisionJSON) > 0 {
		var d gate.Decision
		if err := json.Unmarshal(decisionJSON, &d); err != nil {
			return nil, fmt.Errorf("unmarshal decision: %w", err)
		}
		c.Decision = &d
	}
	return &c, nil
}

// nonNil keeps empty JSON columns as [] instead of null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
