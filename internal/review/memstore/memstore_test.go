package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/invoiceshield/internal/review"
)

func TestStore_PutAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	c := &review.Case{ID: "c-1", Fingerprint: "B-1", BatchID: "B-1", Status: review.StatusPending}
	if err := s.Put(ctx, c); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "c-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected case to be found")
	}
	if got.ID != "c-1" || got.Fingerprint != "B-1" {
		t.Errorf("got = %+v", got)
	}
}

func TestStore_GetMissing(t *testing.T) {
	t.Parallel()

	s := New()
	_, ok, err := s.Get(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing ID")
	}
}

func TestStore_GetByFingerprint(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.Put(ctx, &review.Case{ID: "c-2", Fingerprint: "B-abc", Status: review.StatusPending}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.GetByFingerprint(ctx, "B-abc")
	if err != nil {
		t.Fatalf("GetByFingerprint: %v", err)
	}
	if !ok {
		t.Fatal("expected case to be found by fingerprint")
	}
	if got.ID != "c-2" {
		t.Errorf("ID = %q, want %q", got.ID, "c-2")
	}

	if _, ok, _ := s.GetByFingerprint(ctx, "nonexistent"); ok {
		t.Error("expected ok=false for missing fingerprint")
	}
}

func TestStore_GetByFingerprintLatest(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	now := time.Now()
	_ = s.Put(ctx, &review.Case{ID: "newer", Fingerprint: "B-5", Status: review.StatusPending, CreatedAt: now})
	// a late update of an older case must not steal the index
	_ = s.Put(ctx, &review.Case{ID: "older", Fingerprint: "B-5", Status: review.StatusComplete, CreatedAt: now.Add(-time.Hour)})

	got, _, _ := s.GetByFingerprint(ctx, "B-5")
	if got.ID != "newer" {
		t.Errorf("ID = %q, want newer", got.ID)
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.Put(ctx, &review.Case{ID: "c-3", Fingerprint: "B-3", Status: review.StatusPending})
	_ = s.Put(ctx, &review.Case{ID: "c-3", Fingerprint: "B-3", Status: review.StatusComplete, Risk: "LOW"})

	got, ok, err := s.Get(ctx, "c-3")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if got.Status != review.StatusComplete || got.Risk != "LOW" {
		t.Errorf("got = %+v", got)
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	c := &review.Case{ID: "c-4", Fingerprint: "B-4", Status: review.StatusPending}
	_ = s.Put(ctx, c)
	c.Status = review.StatusFailed

	got, _, _ := s.Get(ctx, "c-4")
	if got.Status != review.StatusPending {
		t.Errorf("stored case changed through caller pointer: %q", got.Status)
	}
	got.Status = review.StatusComplete
	again, _, _ := s.Get(ctx, "c-4")
	if again.Status != review.StatusPending {
		t.Errorf("stored case changed through returned pointer: %q", again.Status)
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	const n = 100

	var wg sync.WaitGroup
	wg.Add(n * 2)

	for i := range n {
		id := fmt.Sprintf("id-%d", i)
		fp := fmt.Sprintf("B-%d", i%10)

		go func() {
			defer wg.Done()
			_ = s.Put(ctx, &review.Case{ID: id, Fingerprint: fp, Status: review.StatusPending})
		}()

		go func() {
			defer wg.Done()
			_, _, _ = s.Get(ctx, id)
			_, _, _ = s.GetByFingerprint(ctx, fp)
		}()
	}

	wg.Wait()
}

func TestStore_OneActiveCasePerFingerprint(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.Put(ctx, &review.Case{ID: "a", Fingerprint: "B-6", Status: review.StatusPending}); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := s.Put(ctx, &review.Case{ID: "a", Fingerprint: "B-6", Status: review.StatusInProgress}); err != nil {
		t.Fatalf("update a: %v", err)
	}

	err := s.Put(ctx, &review.Case{ID: "b", Fingerprint: "B-6", Status: review.StatusPending})
	if !errors.Is(err, review.ErrActiveCase) {
		t.Fatalf("Put b while a active: err = %v, want ErrActiveCase", err)
	}
	if _, ok, _ := s.Get(ctx, "b"); ok {
		t.Error("rejected case was stored")
	}

	if err := s.Put(ctx, &review.Case{ID: "a", Fingerprint: "B-6", Status: review.StatusComplete}); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if err := s.Put(ctx, &review.Case{ID: "b", Fingerprint: "B-6", Status: review.StatusPending}); err != nil {
		t.Errorf("Put b after a finished: %v", err)
	}
}
