package priocq

import (
	"sync"
	"time"
)

// TokenBucket is a simple token bucket for per-destination shaping.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int64
	tokens   int64
	rate     int64 // tokens per second
	last     time.Time
	now      func() time.Time
}

func NewTokenBucket(ratePerSec, capacity int64) *TokenBucket {
	if capacity <= 0 {
		capacity = ratePerSec
	}
	return &TokenBucket{capacity: capacity, tokens: capacity, rate: ratePerSec, now: time.Now, last: time.Now()}
}

// Allow tries to consume n tokens; if not enough, returns duration to wait.
// Requests larger than the capacity are admitted once the bucket is full.
func (b *TokenBucket) Allow(n int64) (ok bool, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rate <= 0 {
		return true, 0
	}
	now := b.now()
	if dt := now.Sub(b.last); dt > 0 {
		if add := (b.rate * dt.Nanoseconds()) / int64(time.Second); add > 0 {
			b.tokens = min(b.capacity, b.tokens+add)
			b.last = now
		}
	}
	need := min(n, b.capacity)
	if b.tokens >= need {
		b.tokens -= need
		return true, 0
	}
	return false, time.Duration(((need - b.tokens) * int64(time.Second)) / b.rate)
}
