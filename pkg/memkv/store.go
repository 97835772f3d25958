package memkv

import (
	"container/heap"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Options struct {
	Shards int              // number of shards (default 256)
	Now    func() time.Time // clock used for TTL checks (default time.Now)
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Store struct {
	opts    Options
	shards  []shard
	expq    expQueue
	wake    chan struct{}
	closeCh chan struct{}
	once    sync.Once
	wg      sync.WaitGroup

	mKeys    atomic.Uint64
	mSets    atomic.Uint64
	mGets    atomic.Uint64
	mHits    atomic.Uint64
	mMisses  atomic.Uint64
	mDels    atomic.Uint64
	mExpired atomic.Uint64
	mUpdates atomic.Uint64
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*entry
}

type entry struct {
	val      []byte
	expireAt int64 // unix nano; 0 = no expiry
}

func (e *entry) expired(now int64) bool { return e.expireAt != 0 && e.expireAt <= now }

func New(opts Options) *Store {
	opts = opts.withDefaults()
	s := &Store{
		opts:    opts,
		shards:  make([]shard, opts.Shards),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*entry)
	}
	s.wg.Add(1)
	go s.expirer()
	return s
}

// Close stops the background expirer. Safe to call more than once.
func (s *Store) Close() {
	s.once.Do(func() { close(s.closeCh) })
	s.wg.Wait()
}

func (s *Store) now() int64 { return s.opts.Now().UnixNano() }

func (s *Store) shardFor(key string) *shard {
	// FNV-1a 64
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &s.shards[int(h%uint64(len(s.shards)))]
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// removeLocked drops an expired entry; caller holds the shard lock.
func (s *Store) removeLocked(sh *shard, key string) {
	delete(sh.m, key)
	s.mExpired.Add(1)
	s.mKeys.Add(^uint64(0))
}

// Set stores val (copied). Returns true if the key was created.
func (s *Store) Set(key string, val []byte, ttl time.Duration) bool {
	expAt := s.deadline(ttl)
	sh := s.shardFor(key)
	sh.mu.Lock()
	prev, existed := sh.m[key]
	if existed && prev.expired(s.now()) {
		s.removeLocked(sh, key)
		existed = false
	}
	sh.m[key] = &entry{val: clone(val), expireAt: expAt}
	sh.mu.Unlock()
	if !existed {
		s.mKeys.Add(1)
	}
	s.mSets.Add(1)
	if expAt != 0 {
		s.enqueueExpire(key, expAt)
	}
	return !existed
}

func (s *Store) deadline(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.opts.Now().Add(ttl).UnixNano()
}

// Get returns a copy of the value.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mGets.Add(1)
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	if ok && !e.expired(s.now()) {
		out := clone(e.val)
		sh.mu.RUnlock()
		s.mHits.Add(1)
		return out, true
	}
	sh.mu.RUnlock()
	if ok {
		sh.mu.Lock()
		if e2, ok2 := sh.m[key]; ok2 && e2.expired(s.now()) {
			s.removeLocked(sh, key)
		}
		sh.mu.Unlock()
	}
	s.mMisses.Add(1)
	return nil, false
}

// Update applies fn to a live value under the shard lock. The TTL is kept.
// Returning nil from fn leaves the value untouched. Reports whether the key
// was live.
func (s *Store) Update(key string, fn func(old []byte) []byte) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok {
		return false
	}
	if e.expired(s.now()) {
		s.removeLocked(sh, key)
		return false
	}
	if nv := fn(clone(e.val)); nv != nil {
		e.val = clone(nv)
		s.mUpdates.Add(1)
	}
	return true
}

// Upsert applies fn to the current value (nil, false when absent or expired)
// and stores the result without expiry. Returning nil from fn aborts.
func (s *Store) Upsert(key string, fn func(old []byte, exists bool) []byte) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if ok && e.expired(s.now()) {
		s.removeLocked(sh, key)
		ok = false
	}
	var old []byte
	if ok {
		old = clone(e.val)
	}
	nv := fn(old, ok)
	if nv == nil {
		return false
	}
	if ok {
		e.val = clone(nv)
		e.expireAt = 0
		s.mUpdates.Add(1)
		return true
	}
	sh.m[key] = &entry{val: clone(nv)}
	s.mKeys.Add(1)
	s.mSets.Add(1)
	return true
}

func (s *Store) Delete(key string) bool {
	sh := s.shardFor(key)
	sh.mu.Lock()
	_, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
	if ok {
		s.mDels.Add(1)
		s.mKeys.Add(^uint64(0))
	}
	return ok
}

// Expire sets a TTL on a live key. ttl <= 0 deletes it.
func (s *Store) Expire(key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return s.Delete(key)
	}
	exp := s.deadline(ttl)
	sh := s.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if ok && e.expired(s.now()) {
		s.removeLocked(sh, key)
		ok = false
	}
	if ok {
		e.expireAt = exp
	}
	sh.mu.Unlock()
	if ok {
		s.enqueueExpire(key, exp)
	}
	return ok
}

// TTL returns the remaining lifetime; 0 with ok=true means no expiry.
func (s *Store) TTL(key string) (time.Duration, bool) {
	sh := s.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	var exp int64
	if ok {
		exp = e.expireAt
	}
	sh.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if exp == 0 {
		return 0, true
	}
	now := s.now()
	if exp <= now {
		return 0, false
	}
	return time.Duration(exp - now), true
}

// Range calls fn with a copy of every live value whose key has prefix.
// Iteration stops when fn returns false. Order is unspecified.
func (s *Store) Range(prefix string, fn func(key string, val []byte) bool) {
	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		type kv struct {
			k string
			v []byte
		}
		var batch []kv
		sh.mu.RLock()
		for k, e := range sh.m {
			if strings.HasPrefix(k, prefix) && !e.expired(now) {
				batch = append(batch, kv{k, clone(e.val)})
			}
		}
		sh.mu.RUnlock()
		for _, it := range batch {
			if !fn(it.k, it.v) {
				return
			}
		}
	}
}

// Stats is a snapshot of store counters.
type Stats struct {
	Keys    uint64
	Sets    uint64
	Gets    uint64
	Hits    uint64
	Misses  uint64
	Dels    uint64
	Expired uint64
	Updates uint64
}

func (s *Store) Metrics() Stats {
	return Stats{
		Keys:    s.mKeys.Load(),
		Sets:    s.mSets.Load(),
		Gets:    s.mGets.Load(),
		Hits:    s.mHits.Load(),
		Misses:  s.mMisses.Load(),
		Dels:    s.mDels.Load(),
		Expired: s.mExpired.Load(),
		Updates: s.mUpdates.Load(),
	}
}

// expiry queue

type expItem struct {
	when int64
	key  string
}

type expHeap []expItem

func (h expHeap) Len() int           { return len(h) }
func (h expHeap) Less(i, j int) bool { return h[i].when < h[j].when }
func (h expHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expHeap) Push(x any)        { *h = append(*h, x.(expItem)) }
func (h *expHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

type expQueue struct {
	mu sync.Mutex
	h  expHeap
}

func (s *Store) enqueueExpire(key string, when int64) {
	s.expq.mu.Lock()
	heap.Push(&s.expq.h, expItem{when: when, key: key})
	s.expq.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) expirer() {
	defer s.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait := time.Hour
		now := s.now()
		s.expq.mu.Lock()
		for s.expq.h.Len() > 0 && s.expq.h[0].when <= now {
			it := heap.Pop(&s.expq.h).(expItem)
			s.expq.mu.Unlock()
			s.expireKey(it.key, now)
			s.expq.mu.Lock()
		}
		if s.expq.h.Len() > 0 {
			wait = time.Duration(s.expq.h[0].when - now)
		}
		s.expq.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-s.closeCh:
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// expireKey removes key if its current deadline has passed; a later Set or
// Upsert may have replaced the entry.
func (s *Store) expireKey(key string, now int64) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	if e, ok := sh.m[key]; ok && e.expired(now) {
		s.removeLocked(sh, key)
	}
	sh.mu.Unlock()
}
