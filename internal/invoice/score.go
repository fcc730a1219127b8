package invoice

import (
	"math"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Scoring depths. Each iteration of the anomaly loop looks one level deeper.
const (
	// DepthRecord checks each invoice on its own plus research findings.
	DepthRecord = 1
	// DepthBatch adds cross-invoice checks within the batch.
	DepthBatch = 2
	// DepthPayments adds payment evidence from reconciliation.
	DepthPayments = 3
)

// Signal weights, added per invoice and capped at 1.0.
const (
	weightWatchlist     = 0.40
	weightDuplicate     = 0.35
	weightBankChange    = 0.30
	weightOutlier       = 0.25
	weightPartialPaid   = 0.20
	weightUnmatched     = 0.15
	weightRoundAmount   = 0.10
	weightMissingPO     = 0.10
	weightWeekendIssued = 0.05
)

var roundAmountFloor = decimal.NewFromInt(1000)

// ScoreInput is everything the heuristic scorer looks at.
type ScoreInput struct {
	Invoices []Invoice
	Payments []Payment
	// Flagged maps vendor ID to the reason it was flagged by research.
	Flagged map[string]string
}

// Assessment is a scored batch.
type Assessment struct {
	Score   float64  `json:"anomaly_score"`
	Signals []string `json:"anomaly_signals"`
	// Worst is the ID of the highest scoring invoice.
	Worst string `json:"worst_invoice,omitempty"`
	Depth int    `json:"depth"`
}

// Score rates how anomalous the batch looks at the given depth. The batch
// score is the score of its worst invoice.
func Score(in ScoreInput, depth int) Assessment {
	depth = min(max(depth, DepthRecord), DepthPayments)
	out := Assessment{Depth: depth}

	var (
		dupes    map[string]int
		accounts map[string]map[string]bool
		means    map[string]decimal.Decimal
		recon    Reconciliation
	)
	if depth >= DepthBatch {
		dupes, accounts, means = batchStats(in.Invoices)
	}
	if depth >= DepthPayments {
		recon = Reconcile(in.Invoices, in.Payments)
	}

	signalSet := make(map[string]bool)
	for _, inv := range in.Invoices {
		score := 0.0
		hit := func(name string, w float64) {
			score += w
			signalSet[name] = true
		}

		if _, ok := in.Flagged[inv.VendorID]; ok {
			hit("watchlist_hit", weightWatchlist)
		}
		if inv.Amount.GreaterThanOrEqual(roundAmountFloor) && inv.Amount.Mod(roundAmountFloor).IsZero() {
			hit("round_amount", weightRoundAmount)
		}
		if inv.PONumber == "" {
			hit("missing_po", weightMissingPO)
		}
		if isWeekend(inv.IssuedAt) {
			hit("weekend_issued", weightWeekendIssued)
		}

		if depth >= DepthBatch {
			if dupes[dupKey(inv)] > 1 {
				hit("duplicate_invoice_number", weightDuplicate)
			}
			if len(accounts[inv.VendorID]) > 1 {
				hit("bank_account_change", weightBankChange)
			}
			if mean, ok := means[inv.ID]; ok && inv.Amount.GreaterThan(mean.Mul(decimal.NewFromInt(3))) {
				hit("amount_outlier", weightOutlier)
			}
		}

		if depth >= DepthPayments {
			if m, ok := recon.ByInvoice(inv.ID); ok {
				switch m.Status {
				case StatusPartial:
					hit("partial_payment", weightPartialPaid)
				case StatusUnmatched:
					hit("unmatched_payment", weightUnmatched)
				}
			}
		}

		score = math.Min(score, 1.0)
		if score > out.Score || out.Worst == "" {
			out.Score = score
			out.Worst = inv.ID
		}
	}

	out.Score = math.Round(out.Score*1000) / 1000
	out.Signals = make([]string, 0, len(signalSet))
	for s := range signalSet {
		out.Signals = append(out.Signals, s)
	}
	slices.Sort(out.Signals)
	return out
}

// batchStats returns duplicate counts by vendor+number, distinct bank accounts
// per vendor and, per invoice, the mean amount of the vendor's other invoices
// (only when the vendor has at least two others).
func batchStats(invs []Invoice) (map[string]int, map[string]map[string]bool, map[string]decimal.Decimal) {
	dupes := make(map[string]int, len(invs))
	accounts := make(map[string]map[string]bool)
	byVendor := make(map[string][]Invoice)

	for _, inv := range invs {
		dupes[dupKey(inv)]++
		if inv.BankAccount != "" {
			if accounts[inv.VendorID] == nil {
				accounts[inv.VendorID] = make(map[string]bool)
			}
			accounts[inv.VendorID][inv.BankAccount] = true
		}
		byVendor[inv.VendorID] = append(byVendor[inv.VendorID], inv)
	}

	means := make(map[string]decimal.Decimal)
	for _, group := range byVendor {
		if len(group) < 3 {
			continue
		}
		total := decimal.Zero
		for _, inv := range group {
			total = total.Add(inv.Amount)
		}
		others := decimal.NewFromInt(int64(len(group) - 1))
		for _, inv := range group {
			means[inv.ID] = total.Sub(inv.Amount).Div(others)
		}
	}
	return dupes, accounts, means
}

func dupKey(inv Invoice) string {
	return inv.VendorID + "/" + CanonicalRef(inv.Number)
}

func isWeekend(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	d := t.Weekday()
	return d == time.Saturday || d == time.Sunday
}

// Risk is a coarse rating derived from an anomaly score.
type Risk string

const (
	RiskLow      Risk = "LOW"
	RiskMedium   Risk = "MEDIUM"
	RiskHigh     Risk = "HIGH"
	RiskCritical Risk = "CRITICAL"
)

// RiskFromScore maps a score in [0,1] to a Risk.
func RiskFromScore(score float64) Risk {
	switch {
	case score >= 0.8:
		return RiskCritical
	case score >= 0.6:
		return RiskHigh
	case score >= 0.35:
		return RiskMedium
	default:
		return RiskLow
	}
}
