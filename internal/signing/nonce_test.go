package signing

import (
	"sync"
	"testing"
	"time"
)

func TestNextUsesWallClock(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	src := newNonceSourceAt(func() time.Time { return now })

	if got := src.Next(); got != 1_700_000_000_000 {
		t.Fatalf("Next() = %d, want 1700000000000", got)
	}
	now = now.Add(5 * time.Millisecond)
	if got := src.Next(); got != 1_700_000_000_005 {
		t.Fatalf("Next() = %d, want 1700000000005", got)
	}
}

func TestNextStrictlyIncreasesOnFrozenClock(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	src := newNonceSourceAt(func() time.Time { return now })

	prev := src.Next()
	for i := 0; i < 100; i++ {
		n := src.Next()
		if n <= prev {
			t.Fatalf("Next() = %d after %d, not strictly increasing", n, prev)
		}
		prev = n
	}
}

func TestNextSurvivesClockRegression(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	src := newNonceSourceAt(func() time.Time { return now })

	first := src.Next()
	now = now.Add(-time.Minute)
	second := src.Next()
	if second != first+1 {
		t.Fatalf("Next() after clock regression = %d, want %d", second, first+1)
	}
}

func TestNextConcurrentUniqueness(t *testing.T) {
	src := NewNonceSource()

	const workers = 8
	const perWorker = 500

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, src.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, n := range local {
				if _, dup := seen[n]; dup {
					t.Errorf("duplicate nonce %d", n)
				}
				seen[n] = struct{}{}
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("got %d unique nonces, want %d", len(seen), workers*perWorker)
	}
}
