// Package pipeline is the egress path of a node: frames are queued by
// priority class and destination, shaped per destination and written to the
// link by a small worker pool.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"jammesh/pkg/core/priocq"
)

var ErrClosed = errors.New("pipeline: closed")

// Link writes one encoded frame to a directly connected peer.
type Link interface {
	SendFrame(ctx context.Context, peerID string, frame []byte) error
}

// ExchangeRecorder receives per-peer traffic counters.
type ExchangeRecorder interface {
	RecordExchange(peerID string, in, out uint64)
}

type Options struct {
	Workers    int
	RatePerSec int64 // per-destination bytes/s, 0 disables shaping
	Burst      int64
	Stats      ExchangeRecorder
	Logger     *zap.Logger
}

// Pipeline wires classification → multi-level queue → egress workers.
type Pipeline struct {
	q    *priocq.MultiLevelQueue
	link Link
	opts Options
	log  *zap.Logger

	shMu   sync.Mutex
	shaper map[string]*priocq.TokenBucket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(link Link, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		q:      priocq.New(),
		link:   link,
		opts:   opts,
		log:    opts.Logger,
		shaper: make(map[string]*priocq.TokenBucket),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Close stops the workers and fails everything still queued.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
	for {
		it, ok := p.q.Dequeue(closedCtx)
		if !ok {
			return
		}
		it.Finish(ErrClosed)
	}
}

var closedCtx = func() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}()

// Submit queues frame for dest and waits for the egress attempt. The wait
// ends early when ctx is done; the queued item is then skipped by the
// worker.
func (p *Pipeline) Submit(ctx context.Context, dest string, class priocq.Class, frame []byte) error {
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	done := make(chan error, 1)
	p.q.Enqueue(priocq.Item{
		Ctx:     ctx,
		Bytes:   frame,
		Dest:    dest,
		Class:   class,
		Arrived: time.Now(),
		Done:    done,
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrClosed
	}
}

// Drop fails every frame queued for dest, e.g. after the peer was evicted.
func (p *Pipeline) Drop(dest string, reason error) int {
	items := p.q.Drop(dest)
	for _, it := range items {
		it.Finish(reason)
	}
	p.shMu.Lock()
	delete(p.shaper, dest)
	p.shMu.Unlock()
	return len(items)
}

func (p *Pipeline) bucket(dest string) *priocq.TokenBucket {
	if p.opts.RatePerSec <= 0 {
		return nil
	}
	p.shMu.Lock()
	defer p.shMu.Unlock()
	tb := p.shaper[dest]
	if tb == nil {
		tb = priocq.NewTokenBucket(p.opts.RatePerSec, p.opts.Burst)
		p.shaper[dest] = tb
	}
	return tb
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		it, ok := p.q.Acquire(p.ctx)
		if !ok {
			return
		}
		it.Finish(p.send(it))
		p.q.Release(it.Dest)
	}
}

// send makes one egress attempt. A destination is served by one worker at a
// time, so a peer that stops reading holds a single worker until the
// item's context ends.
func (p *Pipeline) send(it priocq.Item) error {
	ctx := it.Ctx
	if ctx == nil {
		ctx = p.ctx
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if tb := p.bucket(it.Dest); tb != nil {
		if ok, wait := tb.Allow(int64(it.Size)); !ok {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	err := p.link.SendFrame(ctx, it.Dest, it.Bytes)
	if err != nil {
		p.log.Debug("egress send failed", zap.String("dest", it.Dest), zap.Stringer("class", it.Class), zap.Error(err))
	} else if p.opts.Stats != nil {
		p.opts.Stats.RecordExchange(it.Dest, 0, 1)
	}
	return err
}
