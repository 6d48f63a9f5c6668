package snowflake

import (
	"sync"
	"testing"
	"time"
)

func TestNew_ValidatesWorkerID(t *testing.T) {
	if _, err := New(-1); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
	if _, err := New(1024); err != ErrInvalidWorkerID {
		t.Fatalf("expected ErrInvalidWorkerID, got %v", err)
	}
	if _, err := New(0); err != nil {
		t.Fatalf("worker 0 must be valid: %v", err)
	}
	if _, err := New(1023); err != nil {
		t.Fatalf("worker 1023 must be valid: %v", err)
	}
}

func TestGenerate_UniqueAndMonotonic(t *testing.T) {
	g, err := New(3)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var prev int64
	seen := make(map[int64]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := g.NextID()
		if id <= prev {
			t.Fatalf("ids must be strictly increasing: %d after %d", id, prev)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id: %d", id)
		}
		seen[id] = struct{}{}
		prev = id
	}
}

func TestGenerate_ConcurrentUnique(t *testing.T) {
	g, _ := New(5)

	const workers = 8
	const perWorker = 1000

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				local = append(local, g.NextID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate id: %d", id)
					return
				}
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()
}

func TestParseRoundTrip(t *testing.T) {
	g, _ := New(42)
	before := time.Now().UnixMilli()
	id := g.NextID()
	after := time.Now().UnixMilli()

	ts, workerID, _ := Parse(id)
	if workerID != 42 {
		t.Fatalf("expected worker 42, got %d", workerID)
	}
	if ts < before || ts > after {
		t.Fatalf("timestamp %d outside [%d, %d]", ts, before, after)
	}
	if got := Time(id).UnixMilli(); got != ts {
		t.Fatalf("Time mismatch: %d vs %d", got, ts)
	}
}
