package priocq

import (
	"context"
	"sync"
	"time"
)

// Class is a priority class: L0 control > L1 realtime > L2 bulk
type Class int

const (
	L0Control Class = iota
	L1Realtime
	L2Bulk
	numClasses
)

func (c Class) String() string {
	switch c {
	case L0Control:
		return "control"
	case L1Realtime:
		return "realtime"
	case L2Bulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// Item is one queued frame. Done, when set, receives exactly one result
// from whoever consumes the item.
type Item struct {
	Ctx     context.Context
	Bytes   []byte
	Dest    string // peer id
	Size    int
	Class   Class
	Arrived time.Time
	Done    chan error
}

// Finish reports the outcome of an item to its submitter.
func (it Item) Finish(err error) {
	if it.Done != nil {
		it.Done <- err
	}
}

// flow is the DRR queue of one destination.
type flow struct {
	q       []Item
	deficit int
	quantum int
}

type level struct {
	mu    sync.Mutex
	flows map[string]*flow
	order []string // round robin order
	idx   int
}

// MultiLevelQueue: strict priority between levels, DRR across destinations
// within a level.
type MultiLevelQueue struct {
	lvls   [numClasses]*level
	notify chan struct{}

	// destinations with an item handed out by Acquire and not yet released
	busyMu sync.Mutex
	busy   map[string]struct{}
}

func New() *MultiLevelQueue {
	mlq := &MultiLevelQueue{notify: make(chan struct{}, 1), busy: make(map[string]struct{})}
	for i := 0; i < int(numClasses); i++ {
		mlq.lvls[i] = &level{flows: make(map[string]*flow)}
	}
	return mlq
}

func clampClass(c Class) Class {
	if c < L0Control || c >= numClasses {
		return L1Realtime
	}
	return c
}

// Enqueue appends an item to its class/destination flow.
func (q *MultiLevelQueue) Enqueue(it Item) {
	it.Class = clampClass(it.Class)
	if it.Size == 0 {
		it.Size = len(it.Bytes)
	}
	lvl := q.lvls[it.Class]
	lvl.mu.Lock()
	f := lvl.flows[it.Dest]
	if f == nil {
		f = &flow{quantum: chooseQuantum(it.Class)}
		lvl.flows[it.Dest] = f
		lvl.order = append(lvl.order, it.Dest)
	}
	f.q = append(f.q, it)
	lvl.mu.Unlock()
	q.signal()
}

func (q *MultiLevelQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func chooseQuantum(c Class) int {
	switch c {
	case L0Control:
		return 2048 // small packets, quick turn
	case L1Realtime:
		return 8192
	case L2Bulk:
		return 65536
	default:
		return 4096
	}
}

// Dequeue blocks until an item is available or ctx is done.
func (q *MultiLevelQueue) Dequeue(ctx context.Context) (Item, bool) {
	for {
		if it, ok := q.tryPop(nil); ok {
			// more may be pending; let another waiter look
			q.signal()
			return it, true
		}
		select {
		case <-ctx.Done():
			return Item{}, false
		case <-q.notify:
		}
	}
}

// Acquire is Dequeue restricted to destinations with nothing in flight.
// The returned item's destination stays in flight until Release, so one
// slow destination holds at most one consumer.
func (q *MultiLevelQueue) Acquire(ctx context.Context) (Item, bool) {
	for {
		q.busyMu.Lock()
		it, ok := q.tryPop(func(dest string) bool {
			_, b := q.busy[dest]
			return b
		})
		if ok {
			q.busy[it.Dest] = struct{}{}
		}
		q.busyMu.Unlock()
		if ok {
			q.signal()
			return it, true
		}
		select {
		case <-ctx.Done():
			return Item{}, false
		case <-q.notify:
		}
	}
}

// Release ends the in-flight period Acquire started for dest.
func (q *MultiLevelQueue) Release(dest string) {
	q.busyMu.Lock()
	delete(q.busy, dest)
	q.busyMu.Unlock()
	q.signal()
}

// Len returns the number of queued items across all classes.
func (q *MultiLevelQueue) Len() int {
	n := 0
	for _, lvl := range q.lvls {
		lvl.mu.Lock()
		for _, f := range lvl.flows {
			n += len(f.q)
		}
		lvl.mu.Unlock()
	}
	return n
}

// Drop removes every queued item for dest and returns them.
func (q *MultiLevelQueue) Drop(dest string) []Item {
	var out []Item
	for _, lvl := range q.lvls {
		lvl.mu.Lock()
		if f := lvl.flows[dest]; f != nil {
			out = append(out, f.q...)
			lvl.removeFlow(dest)
		}
		lvl.mu.Unlock()
	}
	return out
}

// removeFlow deletes an emptied flow; caller holds lvl.mu.
func (lvl *level) removeFlow(dest string) {
	delete(lvl.flows, dest)
	for i, k := range lvl.order {
		if k == dest {
			lvl.order = append(lvl.order[:i], lvl.order[i+1:]...)
			if lvl.idx > i {
				lvl.idx--
			}
			break
		}
	}
	if len(lvl.order) == 0 {
		lvl.idx = 0
	} else {
		lvl.idx %= len(lvl.order)
	}
}

// tryPop takes the next item by priority and DRR order. Flows whose
// destination skip reports are left untouched.
func (q *MultiLevelQueue) tryPop(skip func(dest string) bool) (Item, bool) {
	for li := 0; li < int(numClasses); li++ {
		lvl := q.lvls[li]
		lvl.mu.Lock()
		if it, ok := lvl.pop(skip); ok {
			lvl.mu.Unlock()
			return it, true
		}
		lvl.mu.Unlock()
	}
	return Item{}, false
}

// pop runs DRR rounds until a head item fits its flow's deficit. Every round
// adds a quantum to each backlogged flow, so this terminates whenever any
// eligible flow is non-empty.
func (lvl *level) pop(skip func(dest string) bool) (Item, bool) {
	for {
		n := len(lvl.order)
		if n == 0 {
			return Item{}, false
		}
		backlogged := false
		for i := 0; i < n; i++ {
			j := (lvl.idx + i) % n
			k := lvl.order[j]
			f := lvl.flows[k]
			if len(f.q) == 0 || (skip != nil && skip(k)) {
				continue
			}
			backlogged = true
			sz := f.q[0].Size
			if sz > f.deficit {
				f.deficit += f.quantum
				continue
			}
			it := f.q[0]
			f.q[0] = Item{}
			f.q = f.q[1:]
			f.deficit -= sz
			if len(f.q) == 0 {
				lvl.idx = j
				lvl.removeFlow(k)
			} else {
				lvl.idx = (j + 1) % len(lvl.order)
			}
			return it, true
		}
		if !backlogged {
			return Item{}, false
		}
	}
}
