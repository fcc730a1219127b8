package invoice

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func cleanInvoice(id string) Invoice {
	return Invoice{ID: id, Number: "N-" + id, VendorID: "v1", Amount: amt("123.45"), Currency: "USD", IssuedAt: monday, PONumber: "PO-1"}
}

func TestScore_CleanBatch(t *testing.T) {
	t.Parallel()

	in := ScoreInput{
		Invoices: []Invoice{cleanInvoice("a")},
		Payments: []Payment{{ID: "p", InvoiceRef: "N-a", Amount: amt("123.45"), Currency: "USD"}},
	}

	for depth := DepthRecord; depth <= DepthPayments; depth++ {
		got := Score(in, depth)
		if got.Score != 0 {
			t.Errorf("depth %d: score = %v, want 0 (signals %v)", depth, got.Score, got.Signals)
		}
		if got.Depth != depth {
			t.Errorf("depth = %d, want %d", got.Depth, depth)
		}
	}
}

func TestScore_RecordSignals(t *testing.T) {
	t.Parallel()

	inv := cleanInvoice("a")
	inv.Amount = amt("5000")
	inv.PONumber = ""
	inv.IssuedAt = monday.AddDate(0, 0, -1) // sunday

	got := Score(ScoreInput{
		Invoices: []Invoice{inv},
		Flagged:  map[string]string{"v1": "sanctions list"},
	}, DepthRecord)

	want := []string{"missing_po", "round_amount", "watchlist_hit", "weekend_issued"}
	if diff := cmp.Diff(want, got.Signals); diff != "" {
		t.Errorf("signals mismatch (-want +got):\n%s", diff)
	}
	if got.Score != 0.65 {
		t.Errorf("score = %v, want 0.65", got.Score)
	}
	if got.Worst != "a" {
		t.Errorf("worst = %q, want a", got.Worst)
	}
}

func TestScore_DeeperIterationsRaiseScore(t *testing.T) {
	t.Parallel()

	dup1 := cleanInvoice("a")
	dup2 := cleanInvoice("b")
	dup2.Number = dup1.Number
	dup1.BankAccount = "ACC1"
	dup2.BankAccount = "ACC2"

	in := ScoreInput{Invoices: []Invoice{dup1, dup2}}

	record := Score(in, DepthRecord)
	batch := Score(in, DepthBatch)
	payments := Score(in, DepthPayments)

	if record.Score != 0 {
		t.Errorf("record score = %v, want 0", record.Score)
	}
	if batch.Score != 0.65 {
		t.Errorf("batch score = %v, want 0.65", batch.Score)
	}
	if payments.Score != 0.8 {
		t.Errorf("payments score = %v, want 0.8", payments.Score)
	}
	if !slices.Contains(payments.Signals, "unmatched_payment") {
		t.Errorf("signals = %v, want unmatched_payment", payments.Signals)
	}
}

func TestScore_OutlierNeedsHistory(t *testing.T) {
	t.Parallel()

	small := func(id string) Invoice { inv := cleanInvoice(id); inv.Amount = amt("100"); return inv }
	big := cleanInvoice("big")
	big.Amount = amt("950")

	got := Score(ScoreInput{Invoices: []Invoice{small("a"), small("b"), big}}, DepthBatch)
	if !slices.Contains(got.Signals, "amount_outlier") {
		t.Errorf("signals = %v, want amount_outlier", got.Signals)
	}
	if got.Worst != "big" {
		t.Errorf("worst = %q, want big", got.Worst)
	}

	got = Score(ScoreInput{Invoices: []Invoice{small("a"), big}}, DepthBatch)
	if slices.Contains(got.Signals, "amount_outlier") {
		t.Error("outlier flagged without enough vendor history")
	}
}

func TestScore_CappedAtOne(t *testing.T) {
	t.Parallel()

	a := cleanInvoice("a")
	b := cleanInvoice("b")
	for _, inv := range []*Invoice{&a, &b} {
		inv.Number = "SAME"
		inv.Amount = amt("2000")
		inv.PONumber = ""
	}
	a.BankAccount, b.BankAccount = "X", "Y"

	got := Score(ScoreInput{Invoices: []Invoice{a, b}, Flagged: map[string]string{"v1": "x"}}, DepthPayments)
	if got.Score != 1.0 {
		t.Errorf("score = %v, want 1.0", got.Score)
	}
}

func TestScore_DepthClamped(t *testing.T) {
	t.Parallel()

	in := ScoreInput{Invoices: []Invoice{cleanInvoice("a")}}
	if got := Score(in, 0).Depth; got != DepthRecord {
		t.Errorf("depth 0 clamped to %d, want %d", got, DepthRecord)
	}
	if got := Score(in, 99).Depth; got != DepthPayments {
		t.Errorf("depth 99 clamped to %d, want %d", got, DepthPayments)
	}
	if got := Score(ScoreInput{}, DepthRecord); got.Score != 0 || len(got.Signals) != 0 {
		t.Errorf("empty batch = %+v, want zero score", got)
	}
}

func TestRiskFromScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score float64
		want  Risk
	}{
		{0, RiskLow},
		{0.34, RiskLow},
		{0.35, RiskMedium},
		{0.6, RiskHigh},
		{0.79, RiskHigh},
		{0.8, RiskCritical},
		{1, RiskCritical},
	}
	for _, tt := range tests {
		if got := RiskFromScore(tt.score); got != tt.want {
			t.Errorf("RiskFromScore(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}
