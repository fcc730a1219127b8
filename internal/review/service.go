package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/agent"
	"github.com/linnemanlabs/invoiceshield/internal/gate"
	"github.com/linnemanlabs/invoiceshield/internal/invoice"
	"github.com/linnemanlabs/invoiceshield/internal/pipeline"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
	"github.com/linnemanlabs/invoiceshield/internal/stages"
)

// ErrNoBatch is returned by Submit when the submission has no batch ID.
var ErrNoBatch = errors.New("batch_id is required")

// Pipeline runs the review stages over a case context.
type Pipeline interface {
	Run(ctx context.Context, sc signal.Context) (*pipeline.Trace, error)
}

// SubmitResult is the outcome of submitting a batch for review.
type SubmitResult struct {
	ID      string
	Skipped bool
	Reason  string
}

// Service is the business boundary for review operations.
type Service struct {
	store    Store
	pipeline Pipeline
	gate     *gate.Gate
	logger   log.Logger
	metrics  *Metrics
	now      func() time.Time
	wg       sync.WaitGroup

	// submitMu serializes the dedup lookup with the insert of a new case.
	submitMu sync.Mutex
}

// NewService creates a new review service. metrics may be nil.
func NewService(store Store, p Pipeline, g *gate.Gate, logger log.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if g == nil {
		g = gate.New(gate.DefaultThreshold)
	}
	return &Service{
		store:    store,
		pipeline: p,
		gate:     g,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Submit accepts a batch for review, handling dedup and lifecycle. The
// pipeline runs asynchronously; poll Get for the outcome.
func (s *Service) Submit(ctx context.Context, sub *Submission) (*SubmitResult, error) {
	if sub.BatchID == "" {
		s.countSubmit("invalid")
		return nil, ErrNoBatch
	}

	c, dup, err := s.createCase(ctx, sub)
	if err != nil {
		s.countSubmit("error")
		return nil, err
	}
	if dup != nil {
		s.countSubmit("duplicate")
		return &SubmitResult{ID: dup.ID, Skipped: true, Reason: "duplicate"}, nil
	}
	s.countSubmit("accepted")

	sc := sub.Signals.Clone()
	sc[signal.CaseID] = c.ID
	sc[signal.BatchID] = sub.BatchID

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runCase(context.WithoutCancel(ctx), c, sc)
	}()

	return &SubmitResult{ID: c.ID}, nil
}

// createCase stores a new pending case for the batch, or returns the active
// case that already holds it, possibly one written by another replica.
func (s *Service) createCase(ctx context.Context, sub *Submission) (c, dup *Case, err error) {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if existing, ok, err := s.store.GetByFingerprint(ctx, sub.BatchID); err != nil {
		return nil, nil, err
	} else if ok && existing.Status.Active() {
		return nil, existing, nil
	}

	c = &Case{
		ID:          ulid.Make().String(),
		Fingerprint: sub.BatchID,
		BatchID:     sub.BatchID,
		Vendor:      sub.Vendor,
		Status:      StatusPending,
		CreatedAt:   s.now(),
	}
	err = s.store.Put(ctx, c)
	if errors.Is(err, ErrActiveCase) {
		existing, ok, lerr := s.store.GetByFingerprint(ctx, sub.BatchID)
		if lerr != nil {
			return nil, nil, lerr
		}
		if !ok {
			return nil, nil, err
		}
		return nil, existing, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return c, nil, nil
}

// Get retrieves a case by ID.
func (s *Service) Get(ctx context.Context, id string) (*Case, bool, error) {
	return s.store.Get(ctx, id)
}

// Evaluate runs the confidence gate against a supplied context without
// starting a case.
func (s *Service) Evaluate(sc signal.Context) (gate.Decision, bool) {
	d, ok := s.gate.Evaluate(sc)
	if s.metrics != nil {
		s.metrics.observeGate("api", sc.FloatOr(signal.AnomalyScore, 0), ok)
	}
	return d, ok
}

// Wait blocks until in-flight cases finish or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runCase owns c; Submit hands over the case it created and keeps no
// reference to it.
func (s *Service) runCase(ctx context.Context, c *Case, sc signal.Context) {
	L := s.logger.With("case_id", c.ID, "batch_id", c.BatchID)

	start := s.now()
	c.Status = StatusInProgress
	if err := s.store.Put(ctx, c); err != nil {
		L.Error(ctx, err, "failed to update status to in_progress")
		s.failCase(ctx, L, c, start, fmt.Errorf("start review: %w", err))
		return
	}

	tr, runErr := s.pipeline.Run(log.WithContext(ctx, L), sc)

	applyOutcome(c, tr, sc)
	c.Status = StatusComplete
	if runErr != nil {
		c.Status = StatusFailed
		c.Error = runErr.Error()
		L.Error(ctx, runErr, "review pipeline failed")
	}
	c.CompletedAt = s.now()
	c.Duration = c.CompletedAt.Sub(start).Seconds()

	if err := s.store.Put(ctx, c); err != nil {
		L.Error(ctx, err, "failed to persist case")
	}
	if s.metrics != nil {
		s.metrics.observeCase(c)
	}

	L.Info(ctx, "review complete",
		"status", c.Status,
		"anomaly_score", c.Score,
		"escalated", c.Escalated,
		"risk", c.Risk,
		"duration", c.Duration,
		"tokens", c.TokensUsed,
	)
}

// failCase records a case that could not be run so that the batch is not
// left active.
func (s *Service) failCase(ctx context.Context, L log.Logger, c *Case, start time.Time, cause error) {
	c.Status = StatusFailed
	c.Error = cause.Error()
	c.CompletedAt = s.now()
	c.Duration = c.CompletedAt.Sub(start).Seconds()
	if err := s.store.Put(ctx, c); err != nil {
		L.Error(ctx, err, "failed to mark case failed")
	}
	if s.metrics != nil {
		s.metrics.observeCase(c)
	}
}

// applyOutcome copies the pipeline trace and final context into c.
func applyOutcome(c *Case, tr *pipeline.Trace, sc signal.Context) {
	if tr != nil {
		c.Stages = tr.Stages
		c.Escalated = tr.Escalated
		c.Decision = tr.Decision
	}

	c.Score = sc.FloatOr(signal.AnomalyScore, 0)
	c.Iterations = int(sc.FloatOr(signal.AnomalyIterations, 0))
	c.Risk = sc.String(stages.Risk)
	if c.Risk == "" && sc.Has(signal.AnomalyScore) {
		c.Risk = string(invoice.RiskFromScore(c.Score))
	}
	c.Report = sc.String(signal.Report)
	c.ReportPath = sc.String(signal.ReportPath)
	c.Notified, _ = sc[signal.Notified].(bool)

	switch v := sc[signal.AnomalySignals].(type) {
	case []string:
		c.Signals = v
	case []any:
		for _, x := range v {
			if str, ok := x.(string); ok {
				c.Signals = append(c.Signals, str)
			}
		}
	}

	if invs, err := invoice.InvoicesFrom(sc[signal.Invoices]); err == nil {
		c.InvoiceCount = len(invs)
	}

	runs, _ := sc[stages.AgentRuns].([]*agent.RunResult)
	for _, rr := range runs {
		c.Agents = append(c.Agents, AgentUsage{
			Agent:     rr.Agent,
			Status:    string(rr.Status),
			Model:     rr.Model,
			Duration:  rr.Duration,
			TokensIn:  rr.InputTokensUsed,
			TokensOut: rr.OutputTokensUsed,
			ToolCalls: rr.ToolCalls,
			ToolsUsed: rr.ToolsUsed,
		})
		c.TokensUsed += rr.InputTokensUsed + rr.OutputTokensUsed
		c.ToolCalls += rr.ToolCalls
	}
}

func (s *Service) countSubmit(result string) {
	if s.metrics != nil {
		s.metrics.SubmitsTotal.WithLabelValues(result).Inc()
	}
}
