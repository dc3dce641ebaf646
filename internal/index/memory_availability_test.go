package index

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestMemoryAvailabilitySet_Idempotent(t *testing.T) {
	s := NewMemoryAvailabilitySet()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.MarkUnavailable(ctx, "T1:OP1"); err != nil {
			t.Fatalf("MarkUnavailable: %v", err)
		}
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d after double mark, want 1", s.Len())
	}
	if ok, _ := s.IsUnavailable(ctx, "T1:OP1"); !ok {
		t.Error("IsUnavailable = false, want true")
	}

	for i := 0; i < 2; i++ {
		if err := s.MarkAvailable(ctx, "T1:OP1"); err != nil {
			t.Fatalf("MarkAvailable: %v", err)
		}
	}
	if ok, _ := s.IsUnavailable(ctx, "T1:OP1"); ok {
		t.Error("IsUnavailable after MarkAvailable = true, want false")
	}
}

func TestMemoryAvailabilitySet_KeepsFirstScore(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryAvailabilitySet(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_ = s.MarkUnavailable(ctx, "T1:OP1")
	first := s.scores["T1:OP1"]
	now = now.Add(time.Hour)
	_ = s.MarkUnavailable(ctx, "T1:OP1")

	if s.scores["T1:OP1"] != first {
		t.Errorf("score changed on re-mark: %d → %d", first, s.scores["T1:OP1"])
	}
}

func TestMemoryAvailabilitySet_Batches(t *testing.T) {
	s := NewMemoryAvailabilitySet()
	ctx := context.Background()

	if err := s.MarkUnavailableBatch(ctx, []string{"b:OP", "a:OP", "c:OP"}); err != nil {
		t.Fatalf("MarkUnavailableBatch: %v", err)
	}
	if err := s.MarkAvailableBatch(ctx, []string{"b:OP", "missing:OP"}); err != nil {
		t.Fatalf("MarkAvailableBatch: %v", err)
	}

	got, err := s.Unavailable(ctx, []string{"a:OP", "b:OP", "c:OP", "d:OP"})
	if err != nil {
		t.Fatalf("Unavailable: %v", err)
	}
	want := map[string]bool{"a:OP": true, "b:OP": false, "c:OP": true, "d:OP": false}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("Unavailable[%s] = %v, want %v", k, got[k], v)
		}
	}
	if !slices.IsSorted(s.keys) {
		t.Errorf("keys not sorted: %v", s.keys)
	}
}

func TestMemoryAvailabilitySet_ScanPages(t *testing.T) {
	s := NewMemoryAvailabilitySet()
	ctx := context.Background()

	var keys []string
	for i := 0; i < 25; i++ {
		keys = append(keys, fmt.Sprintf("T%02d:OP", i))
	}
	_ = s.MarkUnavailableBatch(ctx, keys)

	var (
		seen   []string
		cursor string
		pages  int
	)
	for {
		page, next, err := s.Scan(ctx, cursor, 10)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		pages++
		seen = append(seen, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if !slices.Equal(seen, keys) {
		t.Errorf("Scan returned %v, want %v", seen, keys)
	}
}

func TestMemoryAvailabilitySet_ScanEmpty(t *testing.T) {
	s := NewMemoryAvailabilitySet()
	keys, next, err := s.Scan(context.Background(), "", 10)
	if err != nil || len(keys) != 0 || next != "" {
		t.Errorf("Scan(empty) = %v, %q, %v", keys, next, err)
	}
}

// A scan racing with inserts and deletes terminates and still returns every
// key that was present for its whole duration.
func TestMemoryAvailabilitySet_ScanUnderConcurrentMutation(t *testing.T) {
	s := NewMemoryAvailabilitySet()
	ctx := context.Background()

	stable := make([]string, 10_000)
	for i := range stable {
		stable[i] = fmt.Sprintf("T%05d:OP1", i)
	}
	if err := s.MarkUnavailableBatch(ctx, stable); err != nil {
		t.Fatalf("seed: %v", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			churn := fmt.Sprintf("T%05d:OP2", i%20_000)
			_ = s.MarkUnavailable(ctx, churn)
			if i%3 == 0 {
				_ = s.MarkAvailable(ctx, churn)
			}
		}
	}()

	members, err := scanMembers(ctx, s, 100)
	close(stop)
	wg.Wait()
	if err != nil {
		t.Fatalf("ScanAll: %v", err)
	}

	for _, k := range stable {
		if _, ok := members[k]; !ok {
			t.Fatalf("stable key %s missing from scan", k)
		}
	}
}

func TestScanAll_Cancelled(t *testing.T) {
	s := NewMemoryAvailabilitySet()
	_ = s.MarkUnavailable(context.Background(), "T1:OP1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := ScanAll(ctx, s, 10, func([]string) error {
		called = true
		return nil
	})
	if err != context.Canceled {
		t.Errorf("ScanAll(cancelled) = %v, want context.Canceled", err)
	}
	if called {
		t.Error("ScanAll handed a page to fn after cancellation")
	}
}

func TestScanAll_StopsOnCallbackError(t *testing.T) {
	s := NewMemoryAvailabilitySet()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		_ = s.MarkUnavailable(ctx, fmt.Sprintf("T%02d:OP1", i))
	}

	stop := errors.New("stop")
	pages := 0
	err := ScanAll(ctx, s, 10, func([]string) error {
		pages++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("ScanAll = %v, want the callback error", err)
	}
	if pages != 1 {
		t.Errorf("fn called %d times, want 1", pages)
	}
}

// scanMembers collects a full ScanAll walk into a set.
func scanMembers(ctx context.Context, s AvailabilitySet, count int) (map[string]struct{}, error) {
	members := make(map[string]struct{})
	err := ScanAll(ctx, s, count, func(keys []string) error {
		for _, k := range keys {
			members[k] = struct{}{}
		}
		return nil
	})
	return members, err
}
