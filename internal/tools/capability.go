// Package tools defines the capabilities review stages and agents depend on
// (invoice source, bank payments, vendor watchlist, report storage,
// notifications, web search), their concrete clients, and the adapters that
// expose them to agents as callable tools.
package tools

import (
	"context"
	"time"

	"github.com/linnemanlabs/invoiceshield/internal/invoice"
)

// InvoiceSource loads the raw invoices and payments of a batch.
type InvoiceSource interface {
	ListInvoices(ctx context.Context, batchID string) ([]invoice.Invoice, error)
	ListPayments(ctx context.Context, batchID string) ([]invoice.Payment, error)
}

// PaymentLookup queries the bank for payments made to a vendor.
type PaymentLookup interface {
	PaymentsForVendor(ctx context.Context, vendorID string, since time.Time) ([]invoice.Payment, error)
}

// WatchlistHit is a vendor match against a risk list.
type WatchlistHit struct {
	VendorID string `json:"vendor_id" yaml:"vendor_id"`
	Name     string `json:"name" yaml:"name"`
	List     string `json:"list" yaml:"list"`
	Reason   string `json:"reason" yaml:"reason"`
}

// VendorWatchlist checks vendors against risk lists.
type VendorWatchlist interface {
	Lookup(ctx context.Context, vendorID, vendorName string) ([]WatchlistHit, error)
}

// ReportSink stores a rendered case report and returns where it went.
type ReportSink interface {
	Save(ctx context.Context, name string, markdown []byte) (location string, err error)
}

// Escalation is what gets sent to reviewers once a case escalates.
type Escalation struct {
	CaseID       string    `json:"case_id"`
	BatchID      string    `json:"batch_id"`
	Score        float64   `json:"anomaly_score"`
	Risk         string    `json:"risk"`
	Message      string    `json:"message"`
	Signals      []string  `json:"signals,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	InvoiceCount int       `json:"invoice_count"`
	Total        string    `json:"total,omitempty"`
	ReportPath   string    `json:"report_path,omitempty"`
	At           time.Time `json:"at"`
}

// Notifier delivers escalations to reviewers.
type Notifier interface {
	Notify(ctx context.Context, e *Escalation) error
}

// SearchResult is a single web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
}

// WebSearch runs web searches for fraud-pattern research.
type WebSearch interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}
