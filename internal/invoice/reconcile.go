package invoice

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// MatchStatus classifies how well an invoice is covered by a payment.
type MatchStatus string

const (
	StatusMatched   MatchStatus = "matched"
	StatusPartial   MatchStatus = "partial"
	StatusUnmatched MatchStatus = "unmatched"
)

const (
	// fuzzyAmountTolerance is the relative amount difference a fuzzy match tolerates.
	fuzzyAmountTolerance = 0.01
	// fuzzyWindow bounds the distance between issue date and payment date.
	fuzzyWindow = 30 * 24 * time.Hour
)

// Match links one invoice to at most one payment.
type Match struct {
	InvoiceID  string      `json:"invoice_id"`
	PaymentID  string      `json:"payment_id,omitempty"`
	Status     MatchStatus `json:"status"`
	Confidence float64     `json:"match_confidence"`
	Evidence   string      `json:"evidence"`
}

// Reconciliation is the outcome of matching a batch of invoices to payments.
type Reconciliation struct {
	Matches           []Match  `json:"matches"`
	UnmatchedPayments []string `json:"unmatched_payments,omitempty"`
}

// ByInvoice returns the match for invoiceID.
func (r Reconciliation) ByInvoice(invoiceID string) (Match, bool) {
	for _, m := range r.Matches {
		if m.InvoiceID == invoiceID {
			return m, true
		}
	}
	return Match{}, false
}

// Counts returns the number of matches per status.
func (r Reconciliation) Counts() map[MatchStatus]int {
	out := make(map[MatchStatus]int, 3)
	for _, m := range r.Matches {
		out[m.Status]++
	}
	return out
}

// Reconcile matches invoices to payments. Each payment is consumed by at most
// one invoice; invoices are processed in order and take their best candidate.
func Reconcile(invs []Invoice, pays []Payment) Reconciliation {
	used := make([]bool, len(pays))
	out := Reconciliation{Matches: make([]Match, 0, len(invs))}

	for _, inv := range invs {
		best := Match{
			InvoiceID: inv.ID,
			Status:    StatusUnmatched,
			Evidence:  "no payment found for invoice",
		}
		bestIdx := -1

		for i, p := range pays {
			if used[i] {
				continue
			}
			m, ok := compare(inv, p)
			if !ok {
				continue
			}
			if m.Confidence > best.Confidence {
				best = m
				bestIdx = i
			}
		}

		if bestIdx >= 0 {
			used[bestIdx] = true
		}
		out.Matches = append(out.Matches, best)
	}

	for i, p := range pays {
		if !used[i] {
			out.UnmatchedPayments = append(out.UnmatchedPayments, p.ID)
		}
	}
	return out
}

// compare scores a single invoice/payment pair.
func compare(inv Invoice, p Payment) (Match, bool) {
	if inv.Currency != p.Currency {
		return Match{}, false
	}

	m := Match{InvoiceID: inv.ID, PaymentID: p.ID}
	ref := CanonicalRef(p.InvoiceRef)
	refMatches := ref != "" && (ref == CanonicalRef(inv.Number) || ref == CanonicalRef(inv.ID))

	if refMatches {
		if inv.Amount.Equal(p.Amount) {
			m.Status = StatusMatched
			m.Confidence = 1.0
			m.Evidence = fmt.Sprintf("exact match on reference %s and amount %s %s", p.InvoiceRef, p.Amount, p.Currency)
			return m, true
		}
		m.Status = StatusPartial
		m.Confidence = round3(0.6 * amountRatio(inv.Amount, p.Amount))
		m.Evidence = fmt.Sprintf("reference %s matches but paid %s of %s %s",
			p.InvoiceRef, p.Amount, inv.Amount, inv.Currency)
		return m, true
	}

	if inv.VendorID == "" || inv.VendorID != p.VendorID {
		return Match{}, false
	}

	delta := relativeDelta(inv.Amount, p.Amount)
	if delta > fuzzyAmountTolerance {
		return Match{}, false
	}

	var gap time.Duration
	if !inv.IssuedAt.IsZero() && !p.PaidAt.IsZero() {
		gap = p.PaidAt.Sub(inv.IssuedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > fuzzyWindow {
			return Match{}, false
		}
	}

	conf := 0.9 - 0.2*(delta/fuzzyAmountTolerance) - 0.2*(gap.Hours()/fuzzyWindow.Hours())
	m.Status = StatusMatched
	m.Confidence = round3(math.Max(conf, 0.5))
	m.Evidence = fmt.Sprintf("fuzzy match on vendor %s: amount delta %.2f%%, %d days apart",
		inv.VendorID, delta*100, int(gap.Hours()/24))
	return m, true
}

func amountRatio(a, b decimal.Decimal) float64 {
	x, y := a.InexactFloat64(), b.InexactFloat64()
	hi, lo := math.Max(x, y), math.Min(x, y)
	if hi <= 0 {
		return 0
	}
	return lo / hi
}

func relativeDelta(invoiced, paid decimal.Decimal) float64 {
	if invoiced.IsZero() {
		if paid.IsZero() {
			return 0
		}
		return math.Inf(1)
	}
	return invoiced.Sub(paid).Abs().Div(invoiced).InexactFloat64()
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
