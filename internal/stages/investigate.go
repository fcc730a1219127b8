package stages

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/invoice"
	"github.com/linnemanlabs/invoiceshield/internal/pipeline"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

// Risk is the context key holding the case risk rating.
const Risk = "risk"

// investigateStage writes the case report and stores it through the sink.
type investigateStage struct {
	name   string
	sink   tools.ReportSink
	now    func() time.Time
	logger log.Logger
}

func (s *investigateStage) Name() string { return s.name }

func (s *investigateStage) Run(ctx context.Context, sc signal.Context) error {
	r, err := buildReport(sc, s.now())
	if err != nil {
		return err
	}
	md := r.Markdown()
	sc[signal.Report] = md
	sc[Risk] = string(r.Risk)

	if s.sink == nil {
		s.logger.Warn(ctx, "no report sink configured, report kept in case only")
		return nil
	}

	name := r.CaseID
	if name == "" {
		name = "batch-" + r.BatchID
	}
	loc, err := s.sink.Save(ctx, name, []byte(md))
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	sc[signal.ReportPath] = loc
	s.logger.Info(ctx, "report saved", "location", loc, "risk", r.Risk)
	return nil
}

// Report is the investigation summary of one case.
type Report struct {
	CaseID         string
	BatchID        string
	GeneratedAt    time.Time
	Score          float64
	Risk           invoice.Risk
	Decision       string
	Iterations     int
	Signals        []string
	Invoices       []invoice.Invoice
	Totals         map[string]decimal.Decimal
	Reconciliation *invoice.Reconciliation
	Findings       Findings
	Rejected       int
}

func buildReport(sc signal.Context, now time.Time) (*Report, error) {
	invs, err := loadInvoices(sc)
	if err != nil {
		return nil, err
	}
	f, err := FindingsFrom(sc[signal.Research])
	if err != nil {
		return nil, err
	}

	score := sc.FloatOr(signal.AnomalyScore, 0)
	r := &Report{
		CaseID:      sc.String(signal.CaseID),
		BatchID:     sc.String(signal.BatchID),
		GeneratedAt: now.UTC(),
		Score:       score,
		Risk:        invoice.RiskFromScore(score),
		Iterations:  int(sc.FloatOr(signal.AnomalyIterations, 0)),
		Signals:     stringsFrom(sc[signal.AnomalySignals]),
		Invoices:    invs,
		Totals:      make(map[string]decimal.Decimal),
		Findings:    f,
	}
	if d, ok := pipeline.Escalated(sc); ok {
		r.Decision = d.Message
	}
	for _, inv := range invs {
		r.Totals[inv.Currency] = r.Totals[inv.Currency].Add(inv.Amount)
	}
	if rec, ok, err := ReconciliationFrom(sc[signal.Reconciliation]); err != nil {
		return nil, err
	} else if ok {
		r.Reconciliation = &rec
	}
	if rej, ok := sc[signal.Rejected].([]invoice.Rejection); ok {
		r.Rejected = len(rej)
	}
	return r, nil
}

// Markdown renders the report with Summary, Evidence, Risk Rating and
// Recommended Actions sections.
func (r *Report) Markdown() string {
	var b strings.Builder

	title := r.CaseID
	if title == "" {
		title = "batch " + r.BatchID
	}
	fmt.Fprintf(&b, "# Invoice review: %s\n\n", title)

	b.WriteString("## Summary\n\n")
	fmt.Fprintf(&b, "- Batch: %s\n", orDash(r.BatchID))
	fmt.Fprintf(&b, "- Generated: %s\n", r.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Invoices reviewed: %d\n", len(r.Invoices))
	for _, cur := range sortedKeys(r.Totals) {
		fmt.Fprintf(&b, "- Total %s: %s\n", cur, r.Totals[cur].StringFixed(2))
	}
	fmt.Fprintf(&b, "- Anomaly score: %.3f", r.Score)
	if r.Iterations > 0 {
		fmt.Fprintf(&b, " (after %d iteration(s))", r.Iterations)
	}
	b.WriteString("\n")
	if r.Decision != "" {
		fmt.Fprintf(&b, "- Gate decision: %s\n", r.Decision)
	}
	if r.Rejected > 0 {
		fmt.Fprintf(&b, "- Records rejected during ingestion: %d\n", r.Rejected)
	}

	b.WriteString("\n## Evidence\n\n")
	if len(r.Signals) == 0 {
		b.WriteString("No anomaly signals were raised.\n")
	} else {
		b.WriteString("Anomaly signals:\n\n")
		for _, s := range r.Signals {
			fmt.Fprintf(&b, "- %s\n", s)
		}
	}
	if len(r.Findings.Flagged) > 0 {
		b.WriteString("\nWatchlist hits:\n\n")
		for _, v := range sortedKeys(r.Findings.Flagged) {
			fmt.Fprintf(&b, "- %s: %s\n", v, r.Findings.Flagged[v])
		}
	}
	if r.Reconciliation != nil {
		counts := r.Reconciliation.Counts()
		fmt.Fprintf(&b, "\nReconciliation: %d matched, %d partial, %d unmatched",
			counts[invoice.StatusMatched], counts[invoice.StatusPartial], counts[invoice.StatusUnmatched])
		if n := len(r.Reconciliation.UnmatchedPayments); n > 0 {
			fmt.Fprintf(&b, ", %d payment(s) without invoice", n)
		}
		b.WriteString("\n\n")
		b.WriteString("| Invoice | Payment | Status | Confidence | Evidence |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, m := range r.Reconciliation.Matches {
			if m.Status == invoice.StatusMatched {
				continue
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %.2f | %s |\n",
				m.InvoiceID, orDash(m.PaymentID), m.Status, m.Confidence, escapeCell(m.Evidence))
		}
	}
	if len(r.Findings.Articles) > 0 {
		b.WriteString("\nRelated reports:\n\n")
		for _, a := range r.Findings.Articles {
			fmt.Fprintf(&b, "- [%s](%s)\n", a.Title, a.URL)
		}
	}

	b.WriteString("\n## Risk Rating\n\n")
	fmt.Fprintf(&b, "**%s** (score %.3f)\n", r.Risk, r.Score)

	b.WriteString("\n## Recommended Actions\n\n")
	for _, a := range recommendedActions(r) {
		fmt.Fprintf(&b, "- %s\n", a)
	}
	return b.String()
}

// recommendedActions maps raised signals to reviewer actions.
func recommendedActions(r *Report) []string {
	actions := map[string]string{
		"watchlist_hit":            "Hold payments to watchlisted vendors pending compliance review.",
		"duplicate_invoice_number": "Check duplicate invoice numbers with the vendor before paying either copy.",
		"bank_account_change":      "Verify changed bank details through a known vendor contact, not the invoice.",
		"amount_outlier":           "Confirm outlier amounts against the purchase order and delivery records.",
		"partial_payment":          "Reconcile partial payments with the vendor statement.",
		"unmatched_payment":        "Trace unmatched invoices and payments in the bank ledger.",
		"round_amount":             "Request itemized support for round-amount invoices.",
		"missing_po":               "Obtain purchase orders for invoices submitted without one.",
		"weekend_issued":           "Review weekend-issued invoices for unusual submission channels.",
	}

	var out []string
	for _, s := range r.Signals {
		if a, ok := actions[s]; ok {
			out = append(out, a)
		}
	}
	switch r.Risk {
	case invoice.RiskCritical, invoice.RiskHigh:
		out = append(out, "Freeze pending payments in this batch until the review is closed.")
	case invoice.RiskLow:
		if len(out) == 0 {
			out = append(out, "No action required beyond routine approval.")
		}
	}
	if len(out) == 0 {
		out = append(out, "Route to a finance reviewer for manual confirmation.")
	}
	return out
}

func stringsFrom(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, x := range s {
			if str, ok := x.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func escapeCell(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "|", `\|`), "\n", " ")
}
