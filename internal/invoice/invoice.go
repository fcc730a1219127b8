// Package invoice holds the canonical invoice and payment records and the
// deterministic checks run over them: normalization, reconciliation and
// heuristic anomaly scoring.
package invoice

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Invoice is a canonical invoice record.
type Invoice struct {
	ID          string          `json:"id"`
	BatchID     string          `json:"batch_id,omitempty"`
	Number      string          `json:"number"`
	VendorID    string          `json:"vendor_id"`
	VendorName  string          `json:"vendor_name,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	IssuedAt    time.Time       `json:"issued_at"`
	DueAt       time.Time       `json:"due_at,omitzero"`
	PONumber    string          `json:"po_number,omitempty"`
	BankAccount string          `json:"bank_account,omitempty"`
}

// Payment is a canonical bank payment record.
type Payment struct {
	ID         string          `json:"id"`
	BatchID    string          `json:"batch_id,omitempty"`
	InvoiceRef string          `json:"invoice_ref,omitempty"`
	VendorID   string          `json:"vendor_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	PaidAt     time.Time       `json:"paid_at"`
	Reference  string          `json:"reference,omitempty"`
}

// Batch is a normalized set of invoices and payments reviewed together.
type Batch struct {
	Invoices []Invoice `json:"invoices"`
	Payments []Payment `json:"payments"`
}

// Vendors returns the distinct vendor IDs in invoice order.
func (b Batch) Vendors() []string {
	seen := make(map[string]bool, len(b.Invoices))
	var out []string
	for _, inv := range b.Invoices {
		if seen[inv.VendorID] {
			continue
		}
		seen[inv.VendorID] = true
		out = append(out, inv.VendorID)
	}
	return out
}

// Total returns the sum of invoice amounts.
func (b Batch) Total() decimal.Decimal {
	total := decimal.Zero
	for _, inv := range b.Invoices {
		total = total.Add(inv.Amount)
	}
	return total
}

// InvoicesFrom converts a context value into invoices. It accepts a typed
// slice as written by the ingest stage, or any JSON-shaped value as supplied
// through the API.
func InvoicesFrom(v any) ([]Invoice, error) {
	if v == nil {
		return nil, nil
	}
	if invs, ok := v.([]Invoice); ok {
		return invs, nil
	}
	var out []Invoice
	if err := remarshal(v, &out); err != nil {
		return nil, fmt.Errorf("decode invoices: %w", err)
	}
	return out, nil
}

// PaymentsFrom is InvoicesFrom for payments.
func PaymentsFrom(v any) ([]Payment, error) {
	if v == nil {
		return nil, nil
	}
	if pays, ok := v.([]Payment); ok {
		return pays, nil
	}
	var out []Payment
	if err := remarshal(v, &out); err != nil {
		return nil, fmt.Errorf("decode payments: %w", err)
	}
	return out, nil
}

func remarshal(in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
