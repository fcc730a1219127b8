package invoice

import (
	"fmt"
	"strings"
	"unicode"
)

// Rejection records a record dropped during normalization.
type Rejection struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// Normalize sanitizes raw records into canonical form. Records that cannot be
// normalized are returned as rejections rather than failing the batch;
// duplicate IDs keep the first occurrence.
func Normalize(invs []Invoice, pays []Payment) (Batch, []Rejection) {
	var (
		b        Batch
		rejected []Rejection
	)

	seen := make(map[string]bool, len(invs))
	for _, raw := range invs {
		inv, err := NormalizeInvoice(raw)
		if err != nil {
			rejected = append(rejected, Rejection{ID: raw.ID, Kind: "invoice", Reason: err.Error()})
			continue
		}
		if seen[inv.ID] {
			rejected = append(rejected, Rejection{ID: inv.ID, Kind: "invoice", Reason: "duplicate id"})
			continue
		}
		seen[inv.ID] = true
		b.Invoices = append(b.Invoices, inv)
	}

	seen = make(map[string]bool, len(pays))
	for _, raw := range pays {
		p, err := NormalizePayment(raw)
		if err != nil {
			rejected = append(rejected, Rejection{ID: raw.ID, Kind: "payment", Reason: err.Error()})
			continue
		}
		if seen[p.ID] {
			rejected = append(rejected, Rejection{ID: p.ID, Kind: "payment", Reason: "duplicate id"})
			continue
		}
		seen[p.ID] = true
		b.Payments = append(b.Payments, p)
	}

	return b, rejected
}

// NormalizeInvoice returns a canonical copy of inv.
func NormalizeInvoice(inv Invoice) (Invoice, error) {
	inv.ID = strings.TrimSpace(inv.ID)
	inv.VendorID = strings.TrimSpace(inv.VendorID)
	inv.VendorName = strings.Join(strings.Fields(inv.VendorName), " ")
	inv.Number = strings.TrimSpace(inv.Number)
	inv.PONumber = strings.TrimSpace(inv.PONumber)
	inv.BankAccount = CanonicalRef(inv.BankAccount)
	inv.Currency = strings.ToUpper(strings.TrimSpace(inv.Currency))

	switch {
	case inv.ID == "":
		return Invoice{}, fmt.Errorf("missing id")
	case inv.VendorID == "":
		return Invoice{}, fmt.Errorf("missing vendor_id")
	case inv.Number == "":
		return Invoice{}, fmt.Errorf("missing number")
	case !validCurrency(inv.Currency):
		return Invoice{}, fmt.Errorf("invalid currency %q", inv.Currency)
	case inv.Amount.IsNegative():
		return Invoice{}, fmt.Errorf("negative amount %s", inv.Amount)
	}

	inv.Amount = inv.Amount.Round(2)
	if !inv.IssuedAt.IsZero() {
		inv.IssuedAt = inv.IssuedAt.UTC()
	}
	if !inv.DueAt.IsZero() {
		inv.DueAt = inv.DueAt.UTC()
	}
	return inv, nil
}

// NormalizePayment returns a canonical copy of p.
func NormalizePayment(p Payment) (Payment, error) {
	p.ID = strings.TrimSpace(p.ID)
	p.VendorID = strings.TrimSpace(p.VendorID)
	p.InvoiceRef = strings.TrimSpace(p.InvoiceRef)
	p.Reference = strings.TrimSpace(p.Reference)
	p.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))

	switch {
	case p.ID == "":
		return Payment{}, fmt.Errorf("missing id")
	case !validCurrency(p.Currency):
		return Payment{}, fmt.Errorf("invalid currency %q", p.Currency)
	case p.Amount.IsNegative():
		return Payment{}, fmt.Errorf("negative amount %s", p.Amount)
	}

	p.Amount = p.Amount.Round(2)
	if !p.PaidAt.IsZero() {
		p.PaidAt = p.PaidAt.UTC()
	}
	return p, nil
}

// CanonicalRef upper-cases s and drops everything but letters and digits, so
// "inv-0042 " and "INV0042" compare equal.
func CanonicalRef(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(unicode.ToUpper(r))
		}
	}
	return sb.String()
}

func validCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
