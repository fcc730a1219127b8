package pgstore_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/linnemanlabs/invoiceshield/internal/gate"
	"github.com/linnemanlabs/invoiceshield/internal/invoice"
	"github.com/linnemanlabs/invoiceshield/internal/pipeline"
	"github.com/linnemanlabs/invoiceshield/internal/postgres"
	"github.com/linnemanlabs/invoiceshield/internal/review"
	"github.com/linnemanlabs/invoiceshield/internal/review/pgstore"
)

func openStore(t *testing.T) *pgstore.Store {
	t.Helper()
	dsn := os.Getenv("INVOICESHIELD_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("INVOICESHIELD_TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolConfig{})
	if err != nil {
		t.Fatalf("postgres.NewPool: %v", err)
	}
	t.Cleanup(pool.Close)

	s, err := pgstore.New(ctx, pool)
	if err != nil {
		t.Fatalf("pgstore.New: %v", err)
	}
	return s
}

// uniq keeps rows from separate runs against the same database apart.
func uniq(prefix string) string {
	return prefix + "-" + strings.ToLower(ulid.Make().String())
}

func assertEqual[T comparable](t *testing.T, field string, want, got T) {
	t.Helper()
	if want != got {
		t.Errorf("%s = %v, want %v", field, got, want)
	}
}

func TestPutAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	d := gate.Decision{Escalate: true, Message: gate.ValidatedMessage}
	c := &review.Case{
		ID:           uniq("case"),
		Fingerprint:  uniq("B"),
		Vendor:       "Shell Co",
		Status:       review.StatusComplete,
		InvoiceCount: 2,
		Score:        0.95,
		Signals:      []string{"duplicate_invoice_number", "watchlist_hit"},
		Iterations:   2,
		Escalated:    true,
		Decision:     &d,
		Risk:         "CRITICAL",
		Report:       "# Invoice review",
		ReportPath:   "/var/reports/case.md",
		Notified:     true,
		Stages:       []pipeline.StageRun{{Name: "ingest", Kind: "normalize", Status: pipeline.StageOK, Duration: 0.2}},
		Agents:       []review.AgentUsage{{Agent: "research", Status: "complete", TokensIn: 10, TokensOut: 5}},
		TokensUsed:   15,
		CreatedAt:    now,
		CompletedAt:  now.Add(time.Second),
		Duration:     1.0,
	}
	c.BatchID = c.Fingerprint

	if err := s.Put(ctx, c); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get returned ok=false, want true")
	}

	if diff := cmp.Diff(c, got); diff != "" {
		t.Errorf("case mismatch (-want +got):\n%s", diff)
	}
}

func TestGetMissing(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.Get(context.Background(), "nonexistent-id")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("Get returned ok=true for nonexistent ID")
	}
}

func TestGetByFingerprintLatest(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	fp := uniq("B")
	now := time.Now().Truncate(time.Microsecond).UTC()
	older := &review.Case{ID: uniq("older"), Fingerprint: fp, BatchID: fp, Status: review.StatusComplete, CreatedAt: now.Add(-time.Hour)}
	newer := &review.Case{ID: uniq("newer"), Fingerprint: fp, BatchID: fp, Status: review.StatusPending, CreatedAt: now}

	if err := s.Put(ctx, older); err != nil {
		t.Fatalf("Put older: %v", err)
	}
	if err := s.Put(ctx, newer); err != nil {
		t.Fatalf("Put newer: %v", err)
	}

	got, ok, err := s.GetByFingerprint(ctx, fp)
	if err != nil || !ok {
		t.Fatalf("GetByFingerprint = %v, %v", ok, err)
	}
	assertEqual(t, "ID", newer.ID, got.ID)
	if got.Decision != nil {
		t.Errorf("Decision = %+v, want nil", got.Decision)
	}

	if _, ok, _ := s.GetByFingerprint(ctx, uniq("none")); ok {
		t.Error("GetByFingerprint returned ok=true for nonexistent fingerprint")
	}
}

func TestUpsert(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Microsecond).UTC()
	c := &review.Case{ID: uniq("upsert"), Fingerprint: uniq("B"), Status: review.StatusPending, CreatedAt: now}
	if err := s.Put(ctx, c); err != nil {
		t.Fatalf("Put initial: %v", err)
	}

	c.Status = review.StatusFailed
	c.Error = `stage "ingest": bank timeout`
	c.CompletedAt = now.Add(time.Minute)
	c.Duration = 60
	if err := s.Put(ctx, c); err != nil {
		t.Fatalf("Put update: %v", err)
	}

	got, _, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get after upsert: %v", err)
	}
	assertEqual(t, "Status", review.StatusFailed, got.Status)
	assertEqual(t, "Error", c.Error, got.Error)
	assertEqual(t, "Duration", 60.0, got.Duration)
	if !got.CompletedAt.Equal(c.CompletedAt) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, c.CompletedAt)
	}
}

func TestPut_OneActiveCasePerFingerprint(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	fp := uniq("B")
	now := time.Now().Truncate(time.Microsecond).UTC()
	first := &review.Case{ID: uniq("first"), Fingerprint: fp, BatchID: fp, Status: review.StatusPending, CreatedAt: now}
	if err := s.Put(ctx, first); err != nil {
		t.Fatalf("Put first: %v", err)
	}

	second := &review.Case{ID: uniq("second"), Fingerprint: fp, BatchID: fp, Status: review.StatusPending, CreatedAt: now}
	if err := s.Put(ctx, second); !errors.Is(err, review.ErrActiveCase) {
		t.Fatalf("Put second while first active: err = %v, want ErrActiveCase", err)
	}

	first.Status = review.StatusComplete
	if err := s.Put(ctx, first); err != nil {
		t.Fatalf("complete first: %v", err)
	}
	if err := s.Put(ctx, second); err != nil {
		t.Errorf("Put second after first finished: %v", err)
	}
}

func TestBatchRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	batchID := uniq("B")
	issued := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	invs := []invoice.Invoice{
		{ID: uniq("I"), Number: "INV-100", VendorID: "V-9", VendorName: "Shell Co", Amount: decimal.RequireFromString("5000"), Currency: "USD", IssuedAt: issued},
		{ID: uniq("I"), Number: "INV-101", VendorID: "V-9", Amount: decimal.RequireFromString("12.34"), Currency: "USD", IssuedAt: issued.Add(time.Hour), PONumber: "PO-7"},
	}
	pays := []invoice.Payment{
		{ID: uniq("P"), InvoiceRef: "INV-100", VendorID: "V-9", Amount: decimal.RequireFromString("5000"), Currency: "USD", PaidAt: issued.Add(48 * time.Hour)},
	}

	if err := s.PutBatch(ctx, batchID, invs, pays); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}

	gotInvs, err := s.ListInvoices(ctx, batchID)
	if err != nil {
		t.Fatalf("ListInvoices: %v", err)
	}
	if len(gotInvs) != 2 {
		t.Fatalf("invoices = %d, want 2", len(gotInvs))
	}
	assertEqual(t, "Number", "INV-100", gotInvs[0].Number)
	assertEqual(t, "BatchID", batchID, gotInvs[0].BatchID)
	if !gotInvs[1].Amount.Equal(decimal.RequireFromString("12.34")) {
		t.Errorf("Amount = %s, want 12.34", gotInvs[1].Amount)
	}
	if !gotInvs[0].IssuedAt.Equal(issued) || !gotInvs[0].DueAt.IsZero() {
		t.Errorf("dates = %v / %v", gotInvs[0].IssuedAt, gotInvs[0].DueAt)
	}

	gotPays, err := s.ListPayments(ctx, batchID)
	if err != nil {
		t.Fatalf("ListPayments: %v", err)
	}
	if len(gotPays) != 1 || gotPays[0].InvoiceRef != "INV-100" {
		t.Errorf("payments = %+v", gotPays)
	}
}

func TestListInvoices_UnknownBatch(t *testing.T) {
	s := openStore(t)

	if _, err := s.ListInvoices(context.Background(), uniq("missing")); err == nil {
		t.Error("expected error for a batch without invoices")
	}
}
