package stages

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/invoiceshield/internal/invoice"
	"github.com/linnemanlabs/invoiceshield/internal/signal"
	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

// enrichLookback is how far before the earliest invoice bank payments are fetched.
const enrichLookback = 30 * 24 * time.Hour

// normalizeStage loads the batch, pulls bank payments for its vendors and
// writes canonical invoices and payments. Records already present in the
// context are used as-is instead of loading from the source.
type normalizeStage struct {
	name   string
	source tools.InvoiceSource
	bank   tools.PaymentLookup
	limit  int
	logger log.Logger
}

func (s *normalizeStage) Name() string { return s.name }

func (s *normalizeStage) Run(ctx context.Context, sc signal.Context) error {
	batchID := sc.String(signal.BatchID)

	invs, err := loadInvoices(sc)
	if err != nil {
		return err
	}
	pays, err := loadPayments(sc)
	if err != nil {
		return err
	}

	if !sc.Has(signal.Invoices) {
		if s.source == nil || batchID == "" {
			return fmt.Errorf("no invoices supplied and no source to load batch %q from", batchID)
		}
		if invs, err = s.source.ListInvoices(ctx, batchID); err != nil {
			return fmt.Errorf("load invoices: %w", err)
		}
	}
	if !sc.Has(signal.Payments) && s.source != nil && batchID != "" {
		if pays, err = s.source.ListPayments(ctx, batchID); err != nil {
			return fmt.Errorf("load payments: %w", err)
		}
	}

	if s.bank != nil {
		extra, err := s.enrich(ctx, invs)
		if err != nil {
			return err
		}
		pays = mergePayments(pays, extra)
	}

	b, rejected := invoice.Normalize(invs, pays)
	sc[signal.Invoices] = b.Invoices
	sc[signal.Payments] = b.Payments
	if len(rejected) > 0 {
		sc[signal.Rejected] = rejected
		s.logger.Warn(ctx, "records rejected during normalization", "batch_id", batchID, "rejected", len(rejected))
	}

	s.logger.Info(ctx, "batch ingested",
		"batch_id", batchID,
		"invoices", len(b.Invoices),
		"payments", len(b.Payments),
		"vendors", len(b.Vendors()),
	)
	return nil
}

// enrich fetches bank payments for every vendor in invs, at most s.limit at a time.
func (s *normalizeStage) enrich(ctx context.Context, invs []invoice.Invoice) ([]invoice.Payment, error) {
	vendors := invoice.Batch{Invoices: invs}.Vendors()
	if len(vendors) == 0 {
		return nil, nil
	}

	var since time.Time
	for _, inv := range invs {
		if !inv.IssuedAt.IsZero() && (since.IsZero() || inv.IssuedAt.Before(since)) {
			since = inv.IssuedAt
		}
	}
	if !since.IsZero() {
		since = since.Add(-enrichLookback)
	}

	results := make([][]invoice.Payment, len(vendors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit)
	for i, vendor := range vendors {
		g.Go(func() error {
			pays, err := s.bank.PaymentsForVendor(gctx, vendor, since)
			if err != nil {
				return fmt.Errorf("bank payments for vendor %s: %w", vendor, err)
			}
			results[i] = pays
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []invoice.Payment
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// mergePayments appends extra payments whose IDs are not already in base.
func mergePayments(base, extra []invoice.Payment) []invoice.Payment {
	seen := make(map[string]bool, len(base))
	for _, p := range base {
		seen[p.ID] = true
	}
	for _, p := range extra {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		base = append(base, p)
	}
	return base
}
