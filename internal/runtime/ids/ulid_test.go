package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := 0; i < total; i++ {
		ids[i] = CreateULID()
	}

	for i := 0; i < total; i++ {
		if len(ids[i]) != 26 {
			t.Fatalf("expected ULID length 26, got %d", len(ids[i]))
		}
		if _, err := ulid.Parse(ids[i]); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
	}

	for i := 1; i < total; i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("expected ULIDs to be strictly increasing, %s >= %s", ids[i-1], ids[i])
		}
	}
}

func TestCreateULIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := CreateULID()
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate ULID generated: %s", id)
				}
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("expected %d unique ULIDs, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 45, int(250*time.Millisecond), time.UTC)
	id := CreateULIDAt(at)

	got, ok := Timestamp(id)
	if !ok {
		t.Fatalf("expected %s to parse as ULID", id)
	}
	if !got.Equal(at) {
		t.Fatalf("expected timestamp %v, got %v", at, got)
	}
}

func TestTimestampRejectsForeignIDs(t *testing.T) {
	for _, id := range []string{"", "ID:broker-1:1:1:1", "not-a-ulid-at-all-0000000000"} {
		if _, ok := Timestamp(id); ok {
			t.Fatalf("expected %q to be rejected", id)
		}
	}
}
