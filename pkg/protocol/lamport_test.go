package protocol

import (
	"sync"
	"testing"
)

func TestClockTickAndObserve(t *testing.T) {
	var c Clock
	if got := c.Tick(); got != 1 {
		t.Fatalf("tick = %d", got)
	}
	if got := c.Observe(10); got != 11 {
		t.Fatalf("observe(10) = %d", got)
	}
	// Older timestamps still advance the clock.
	if got := c.Observe(3); got != 12 {
		t.Fatalf("observe(3) = %d", got)
	}
	if c.Now() != 12 {
		t.Fatalf("now = %d", c.Now())
	}
}

func TestClockConcurrentTicksAreUnique(t *testing.T) {
	var c Clock
	const n = 64
	seen := make(chan uint64, n*10)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				seen <- c.Tick()
			}
		}()
	}
	wg.Wait()
	close(seen)
	uniq := map[uint64]bool{}
	for v := range seen {
		if uniq[v] {
			t.Fatalf("duplicate tick %d", v)
		}
		uniq[v] = true
	}
}
