package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/linnemanlabs/invoiceshield/internal/invoice"
	"github.com/linnemanlabs/invoiceshield/internal/tools"
)

var _ tools.InvoiceSource = (*Store)(nil)

// ListInvoices returns the invoices of a batch ordered by issue date.
func (s *Store) ListInvoices(ctx context.Context, batchID string) ([]invoice.Invoice, error) {
	ctx, span := startSpan(ctx, "pgstore.ListInvoices", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, number, vendor_id, vendor_name, amount::text, currency,
		        issued_at, due_at, po_number, bank_account
		 FROM invoices WHERE batch_id = $1 ORDER BY issued_at NULLS LAST, id`,
		batchID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query invoices: %w", err))
	}
	defer rows.Close()

	var out []invoice.Invoice
	for rows.Next() {
		var (
			inv             invoice.Invoice
			amount          string
			issuedAt, dueAt *time.Time
		)
		if err := rows.Scan(&inv.ID, &inv.BatchID, &inv.Number, &inv.VendorID, &inv.VendorName, &amount,
			&inv.Currency, &issuedAt, &dueAt, &inv.PONumber, &inv.BankAccount); err != nil {
			return nil, fail(span, fmt.Errorf("scan invoice: %w", err))
		}
		if inv.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fail(span, fmt.Errorf("invoice %s amount: %w", inv.ID, err))
		}
		if issuedAt != nil {
			inv.IssuedAt = *issuedAt
		}
		if dueAt != nil {
			inv.DueAt = *dueAt
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate invoices: %w", err))
	}
	if len(out) == 0 {
		return nil, fail(span, fmt.Errorf("batch %q has no invoices", batchID))
	}
	return out, nil
}

// ListPayments returns the payments recorded against a batch.
func (s *Store) ListPayments(ctx context.Context, batchID string) ([]invoice.Payment, error) {
	ctx, span := startSpan(ctx, "pgstore.ListPayments", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT id, batch_id, invoice_ref, vendor_id, amount::text, currency, paid_at, reference
		 FROM payments WHERE batch_id = $1 ORDER BY paid_at NULLS LAST, id`,
		batchID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query payments: %w", err))
	}
	defer rows.Close()

	var out []invoice.Payment
	for rows.Next() {
		var (
			p      invoice.Payment
			amount string
			paidAt *time.Time
		)
		if err := rows.Scan(&p.ID, &p.BatchID, &p.InvoiceRef, &p.VendorID, &amount, &p.Currency, &paidAt, &p.Reference); err != nil {
			return nil, fail(span, fmt.Errorf("scan payment: %w", err))
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fail(span, fmt.Errorf("payment %s amount: %w", p.ID, err))
		}
		if paidAt != nil {
			p.PaidAt = *paidAt
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate payments: %w", err))
	}
	return out, nil
}

// PutBatch upserts the invoices and payments of a batch in one transaction.
func (s *Store) PutBatch(ctx context.Context, batchID string, invs []invoice.Invoice, pays []invoice.Payment) error {
	ctx, span := startSpan(ctx, "pgstore.PutBatch", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	batch := &pgx.Batch{}
	for _, inv := range invs {
		batch.Queue(`INSERT INTO invoices (id, batch_id, number, vendor_id, vendor_name, amount, currency,
			issued_at, due_at, po_number, bank_account)
			VALUES ($1,$2,$3,$4,$5,$6::numeric,$7,$8,$9,$10,$11)
			ON CONFLICT (id) DO UPDATE SET
				batch_id = EXCLUDED.batch_id, number = EXCLUDED.number, vendor_id = EXCLUDED.vendor_id,
				vendor_name = EXCLUDED.vendor_name, amount = EXCLUDED.amount, currency = EXCLUDED.currency,
				issued_at = EXCLUDED.issued_at, due_at = EXCLUDED.due_at, po_number = EXCLUDED.po_number,
				bank_account = EXCLUDED.bank_account`,
			inv.ID, batchID, inv.Number, inv.VendorID, inv.VendorName, inv.Amount.String(), inv.Currency,
			optTime(inv.IssuedAt), optTime(inv.DueAt), inv.PONumber, inv.BankAccount,
		)
	}
	for _, p := range pays {
		batch.Queue(`INSERT INTO payments (id, batch_id, invoice_ref, vendor_id, amount, currency, paid_at, reference)
			VALUES ($1,$2,$3,$4,$5::numeric,$6,$7,$8)
			ON CONFLICT (id) DO UPDATE SET
				batch_id = EXCLUDED.batch_id, invoice_ref = EXCLUDED.invoice_ref, vendor_id = EXCLUDED.vendor_id,
				amount = EXCLUDED.amount, currency = EXCLUDED.currency, paid_at = EXCLUDED.paid_at,
				reference = EXCLUDED.reference`,
			p.ID, batchID, p.InvoiceRef, p.VendorID, p.Amount.String(), p.Currency, optTime(p.PaidAt), p.Reference,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fail(span, fmt.Errorf("write batch %s: %w", batchID, err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	span.SetAttributes(
		attribute.Int("invoiceshield.batch.invoices", len(invs)),
		attribute.Int("invoiceshield.batch.payments", len(pays)),
	)
	return nil
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
