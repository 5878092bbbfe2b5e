package reconciliation

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRegistry_TryAcquireOnce(t *testing.T) {
	r := NewRegistry()

	if !r.TryAcquire("esc_a") {
		t.Fatal("first acquire should succeed")
	}
	if r.TryAcquire("esc_a") {
		t.Fatal("second acquire should fail while in flight")
	}
	if !r.Contains("esc_a") || r.Len() != 1 {
		t.Fatalf("expected esc_a in flight, len=%d", r.Len())
	}

	if !r.Release("esc_a") {
		t.Fatal("release should report the id was present")
	}
	if r.Release("esc_a") {
		t.Fatal("second release should report absence")
	}
	if !r.TryAcquire("esc_a") {
		t.Fatal("acquire after release should succeed")
	}
}

func TestRegistry_ConcurrentAcquire(t *testing.T) {
	r := NewRegistry()
	var wins atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.TryAcquire("esc_same") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestRegistry_SnapshotOldestFirst(t *testing.T) {
	r := NewRegistry()
	r.TryAcquire("esc_first")
	time.Sleep(2 * time.Millisecond)
	r.TryAcquire("esc_second")

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap[0].EscrowID != "esc_first" || snap[1].EscrowID != "esc_second" {
		t.Fatalf("unexpected order: %+v", snap)
	}
}
