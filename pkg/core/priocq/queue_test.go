package priocq

import (
	"context"
	"testing"
	"time"
)

func TestStrictPriorityBetweenClasses(t *testing.T) {
	q := New()
	q.Enqueue(Item{Dest: "a", Bytes: []byte("bulk"), Class: L2Bulk})
	q.Enqueue(Item{Dest: "a", Bytes: []byte("rt"), Class: L1Realtime})
	q.Enqueue(Item{Dest: "a", Bytes: []byte("ctl"), Class: L0Control})

	ctx := context.Background()
	for _, want := range []string{"ctl", "rt", "bulk"} {
		it, ok := q.Dequeue(ctx)
		if !ok || string(it.Bytes) != want {
			t.Fatalf("got %q ok=%v, want %q", it.Bytes, ok, want)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d", q.Len())
	}
}

func TestRoundRobinAcrossDestinations(t *testing.T) {
	q := New()
	for i := 0; i < 3; i++ {
		q.Enqueue(Item{Dest: "a", Bytes: make([]byte, 100), Class: L1Realtime})
	}
	q.Enqueue(Item{Dest: "b", Bytes: make([]byte, 100), Class: L1Realtime})

	ctx := context.Background()
	var order []string
	for i := 0; i < 4; i++ {
		it, _ := q.Dequeue(ctx)
		order = append(order, it.Dest)
	}
	seenB := false
	for _, d := range order[:3] {
		if d == "b" {
			seenB = true
		}
	}
	if !seenB {
		t.Fatalf("destination b starved: %v", order)
	}
}

func TestOversizedItemEventuallyDequeued(t *testing.T) {
	q := New()
	q.Enqueue(Item{Dest: "a", Bytes: make([]byte, 10_000), Class: L0Control})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := q.Dequeue(ctx); !ok {
		t.Fatalf("large item was never dequeued")
	}
}

func TestDequeueStopsOnContext(t *testing.T) {
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool)
	go func() {
		_, ok := q.Dequeue(ctx)
		done <- ok
	}()
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("expected no item")
		}
	case <-time.After(time.Second):
		t.Fatalf("Dequeue did not return after cancel")
	}
}

func TestDropDestination(t *testing.T) {
	q := New()
	q.Enqueue(Item{Dest: "a", Bytes: []byte("1")})
	q.Enqueue(Item{Dest: "a", Bytes: []byte("2"), Class: L2Bulk})
	q.Enqueue(Item{Dest: "b", Bytes: []byte("3")})

	if got := q.Drop("a"); len(got) != 2 {
		t.Fatalf("dropped %d items", len(got))
	}
	it, ok := q.Dequeue(context.Background())
	if !ok || it.Dest != "b" {
		t.Fatalf("got %+v", it)
	}
}

func TestTokenBucket(t *testing.T) {
	b := NewTokenBucket(1000, 1000)
	now := time.Unix(0, 0)
	b.now = func() time.Time { return now }
	b.last = now

	if ok, _ := b.Allow(800); !ok {
		t.Fatalf("expected initial burst to pass")
	}
	ok, wait := b.Allow(800)
	if ok || wait != 600*time.Millisecond {
		t.Fatalf("ok=%v wait=%v", ok, wait)
	}
	now = now.Add(600 * time.Millisecond)
	if ok, _ := b.Allow(800); !ok {
		t.Fatalf("expected refill after wait")
	}
}

func TestAcquireHoldsOneItemPerDestination(t *testing.T) {
	q := New()
	q.Enqueue(Item{Dest: "slow", Bytes: []byte("s1"), Class: L0Control})
	q.Enqueue(Item{Dest: "slow", Bytes: []byte("s2"), Class: L0Control})
	q.Enqueue(Item{Dest: "fast", Bytes: []byte("f1"), Class: L2Bulk})

	ctx := context.Background()
	first, ok := q.Acquire(ctx)
	if !ok || string(first.Bytes) != "s1" {
		t.Fatalf("first = %q ok=%v", first.Bytes, ok)
	}
	// slow is in flight, so its control item waits behind fast's bulk one
	second, ok := q.Acquire(ctx)
	if !ok || string(second.Bytes) != "f1" {
		t.Fatalf("second = %q ok=%v", second.Bytes, ok)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if it, ok := q.Acquire(short); ok {
		t.Fatalf("acquired %q while its destination was in flight", it.Bytes)
	}

	done := make(chan Item, 1)
	go func() {
		it, _ := q.Acquire(ctx)
		done <- it
	}()
	q.Release("slow")
	select {
	case it := <-done:
		if string(it.Bytes) != "s2" {
			t.Fatalf("after release got %q", it.Bytes)
		}
	case <-time.After(time.Second):
		t.Fatalf("release did not wake a waiting consumer")
	}
}
