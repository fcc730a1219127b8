package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/invoiceshield/internal/invoice"
	"github.com/linnemanlabs/invoiceshield/internal/pipeline"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

type notifyStage struct {
	name     string
	notifier tools.Notifier
	now      func() time.Time
}

func (s *notifyStage) Name() string { return s.name }

func (s *notifyStage) Run(ctx context.Context, sc signal.Context) error {
	e, err := escalationFrom(sc, s.now())
	if err != nil {
		return err
	}
	if err := s.notifier.Notify(ctx, e); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	sc[signal.Notified] = true
	return nil
}

// escalationFrom assembles the reviewer notification for the case in sc.
func escalationFrom(sc signal.Context, now time.Time) (*tools.Escalation, error) {
	invs, err := loadInvoices(sc)
	if err != nil {
		return nil, err
	}

	score := sc.FloatOr(signal.AnomalyScore, 0)
	risk := sc.String(Risk)
	if risk == "" {
		risk = string(invoice.RiskFromScore(score))
	}

	e := &tools.Escalation{
		CaseID:       sc.String(signal.CaseID),
		BatchID:      sc.String(signal.BatchID),
		Score:        score,
		Risk:         risk,
		Signals:      stringsFrom(sc[signal.AnomalySignals]),
		InvoiceCount: len(invs),
		ReportPath:   sc.String(signal.ReportPath),
		At:           now.UTC(),
	}
	if d, ok := pipeline.Escalated(sc); ok {
		e.Message = d.Message
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("anomaly score %.2f", score)
	}

	totals := make(map[string]decimal.Decimal)
	for _, inv := range invs {
		totals[inv.Currency] = totals[inv.Currency].Add(inv.Amount)
	}
	parts := make([]string, 0, len(totals))
	for _, cur := range sortedKeys(totals) {
		parts = append(parts, totals[cur].StringFixed(2)+" "+cur)
	}
	e.Total = strings.Join(parts, ", ")
	e.Summary = summaryLine(e)
	return e, nil
}

func summaryLine(e *tools.Escalation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s risk: %d invoice(s)", e.Risk, e.InvoiceCount)
	if e.Total != "" {
		fmt.Fprintf(&b, " totalling %s", e.Total)
	}
	if len(e.Signals) > 0 {
		fmt.Fprintf(&b, "; signals: %s", strings.Join(e.Signals, ", "))
	}
	return b.String()
}
