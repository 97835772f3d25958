package paramsync

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"go.uber.org/zap"

	"jammesh/pkg/protocol"
	"jammesh/pkg/router"
)

// Sender is the part of the router the engine talks through.
type Sender interface {
	LocalID() string
	NewEnvelope(typ protocol.Type, to string, payload any) (*protocol.Envelope, error)
	DecodePayload(env *protocol.Envelope, v any) error
	Send(ctx context.Context, env *protocol.Envelope, target string) <-chan router.Result
}

type Options struct {
	Bounds map[string]Bounds // nil selects DefaultBounds
	Logger *zap.Logger
}

type entry struct {
	mu  sync.Mutex
	rec Record
	set bool

	// notifying is taken before mu is released and held while subscribers
	// run, so changes of one key are seen in the order they were applied.
	notifying sync.Mutex
}

// Engine owns one register per key. Writes to different keys never share a
// lock.
type Engine struct {
	local  string
	out    Sender
	bounds map[string]Bounds
	log    *zap.Logger

	mu      sync.RWMutex
	entries map[Key]*entry

	subMu   sync.RWMutex
	subs    map[int]func(Change)
	nextSub int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(out Sender, opts Options) *Engine {
	if opts.Bounds == nil {
		opts.Bounds = DefaultBounds
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		local:   out.LocalID(),
		out:     out,
		bounds:  opts.Bounds,
		log:     opts.Logger,
		entries: make(map[Key]*entry),
		subs:    make(map[int]func(Change)),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close cancels in-flight broadcasts and waits for them.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// Subscribe registers fn for visible value changes. fn runs on the
// goroutine that applied the change and must not block or write the key it
// is told about. Changes of one key arrive in the order they were applied.
func (e *Engine) Subscribe(fn func(Change)) func() {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

func (e *Engine) notify(c Change) {
	e.subMu.RLock()
	fns := make([]func(Change), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.subMu.RUnlock()
	for _, fn := range fns {
		fn(c)
	}
}

func (e *Engine) entry(k Key) *entry {
	e.mu.RLock()
	en := e.entries[k]
	e.mu.RUnlock()
	if en != nil {
		return en
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if en = e.entries[k]; en == nil {
		en = &entry{}
		e.entries[k] = en
	}
	return en
}

func (e *Engine) normalize(param string, v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%s=%v: %w", param, v, ErrInvalidValue)
	}
	if b, ok := e.bounds[param]; ok {
		return b.Clamp(v), nil
	}
	return v, nil
}

// apply installs rec if it wins against the stored register and notifies
// subscribers if the visible value moved. It reports whether rec won.
func (e *Engine) apply(rec Record) bool {
	en := e.entry(rec.Key)
	en.mu.Lock()
	if en.set && !en.rec.beats(rec.TS, rec.Writer) {
		en.mu.Unlock()
		return false
	}
	prev, had := en.rec, en.set
	en.rec, en.set = rec, true
	visible := !had || prev.Tombstone != rec.Tombstone || (!rec.Tombstone && prev.Value != rec.Value)
	if !visible {
		en.mu.Unlock()
		return true
	}
	en.notifying.Lock()
	en.mu.Unlock()
	defer en.notifying.Unlock()
	e.notify(Change{
		Key:     rec.Key,
		Value:   rec.Value,
		Writer:  rec.Writer,
		TS:      rec.TS,
		Removed: rec.Tombstone,
		Local:   rec.Writer == e.local,
	})
	return true
}

// Write sets key to value locally and broadcasts it. Values of known
// parameters are clamped to their bounds. The returned record has
// PendingAck set until every live peer has been attempted.
func (e *Engine) Write(ctx context.Context, key Key, value float64) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if !key.valid() {
		return Record{}, fmt.Errorf("write %q: %w", key, ErrInvalidKey)
	}
	v, err := e.normalize(key.Param, value)
	if err != nil {
		return Record{}, err
	}
	return e.write(Record{Key: key, Value: v})
}

// RemoveTrack tombstones every parameter of a track. The tombstones are
// ordinary last-writer-wins writes, so a later write revives a parameter.
func (e *Engine) RemoveTrack(ctx context.Context, trackID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range e.Snapshot() {
		if rec.Key.TrackID != trackID || rec.Tombstone {
			continue
		}
		if _, err := e.write(Record{Key: rec.Key, Tombstone: true}); err != nil {
			return n, err
		}
		n++
	}
	e.log.Info("track removed", zap.String("track", trackID), zap.Int("params", n))
	return n, nil
}

func (e *Engine) write(rec Record) (Record, error) {
	// timestamp and writer travel in the envelope header
	env, err := e.out.NewEnvelope(protocol.TypeParameterWrite, "", protocol.ParameterWritePayload{
		Key:       protocol.ParamKey{TrackID: rec.Key.TrackID, Param: rec.Key.Param},
		Value:     rec.Value,
		Tombstone: rec.Tombstone,
	})
	if err != nil {
		return Record{}, err
	}
	rec.TS = env.TS
	rec.Writer = e.local
	rec.PendingAck = true

	if !e.apply(rec) {
		// a concurrent local write with a later stamp got there first
		cur, _ := e.Get(rec.Key)
		return cur, nil
	}

	results := e.out.Send(e.ctx, env, "")
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		failed := 0
		for res := range results {
			if res.Err != nil {
				failed++
				e.log.Debug("parameter write not delivered", zap.Stringer("key", rec.Key), zap.String("peer", res.Target), zap.Error(res.Err))
			}
		}
		e.ack(rec.Key, rec.TS)
		if failed > 0 {
			e.log.Warn("parameter write partially delivered", zap.Stringer("key", rec.Key), zap.Int("failed", failed))
		}
	}()
	return rec, nil
}

func (e *Engine) ack(k Key, ts uint64) {
	en := e.entry(k)
	en.mu.Lock()
	if en.rec.TS == ts && en.rec.Writer == e.local {
		en.rec.PendingAck = false
	}
	en.mu.Unlock()
}

// HandleEnvelope applies a parameter-write received from the mesh. Stale
// and duplicate writes are discarded without notification.
func (e *Engine) HandleEnvelope(env *protocol.Envelope) {
	if env.Type != protocol.TypeParameterWrite {
		return
	}
	var p protocol.ParameterWritePayload
	if err := e.out.DecodePayload(env, &p); err != nil {
		e.log.Debug("drop parameter write", zap.String("from", env.From), zap.Error(err))
		return
	}
	rec := Record{
		Key:       Key{TrackID: p.Key.TrackID, Param: p.Key.Param},
		Value:     p.Value,
		Writer:    p.Writer,
		TS:        p.TS,
		Tombstone: p.Tombstone,
	}
	if rec.Writer == "" {
		rec.Writer = env.From
	}
	if rec.TS == 0 {
		rec.TS = env.TS
	}
	if !rec.Key.valid() {
		e.log.Debug("drop parameter write", zap.String("from", env.From), zap.Error(ErrInvalidKey))
		return
	}
	if !rec.Tombstone {
		v, err := e.normalize(rec.Key.Param, rec.Value)
		if err != nil {
			e.log.Debug("drop parameter write", zap.String("from", env.From), zap.Error(err))
			return
		}
		rec.Value = v
	}

	if !e.apply(rec) {
		e.log.Debug("stale parameter write", zap.Stringer("key", rec.Key), zap.String("writer", rec.Writer), zap.Uint64("ts", rec.TS))
	}
}

// Replay sends every register, tombstones included, to peer with its
// original writer and timestamp so a late joiner converges.
func (e *Engine) Replay(ctx context.Context, peer string) (int, error) {
	recs := e.Snapshot()
	chans := make([]<-chan router.Result, 0, len(recs))
	for _, rec := range recs {
		env, err := e.out.NewEnvelope(protocol.TypeParameterWrite, peer, protocol.ParameterWritePayload{
			Key:       protocol.ParamKey{TrackID: rec.Key.TrackID, Param: rec.Key.Param},
			Value:     rec.Value,
			TS:        rec.TS,
			Writer:    rec.Writer,
			Tombstone: rec.Tombstone,
		})
		if err != nil {
			return 0, err
		}
		chans = append(chans, e.out.Send(ctx, env, peer))
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for _, ch := range chans {
			for res := range ch {
				if res.Err != nil {
					e.log.Debug("replay not delivered", zap.String("peer", peer), zap.Error(res.Err))
				}
			}
		}
	}()
	if len(recs) > 0 {
		e.log.Info("replayed parameters", zap.String("peer", peer), zap.Int("records", len(recs)))
	}
	return len(recs), nil
}

// Get returns the register for key, including tombstones.
func (e *Engine) Get(k Key) (Record, bool) {
	e.mu.RLock()
	en := e.entries[k]
	e.mu.RUnlock()
	if en == nil {
		return Record{}, false
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	return en.rec, en.set
}

// Value returns the visible value of key; removed parameters have none.
func (e *Engine) Value(k Key) (float64, bool) {
	rec, ok := e.Get(k)
	if !ok || rec.Tombstone {
		return 0, false
	}
	return rec.Value, true
}

// Snapshot returns every register sorted by track and parameter.
func (e *Engine) Snapshot() []Record {
	e.mu.RLock()
	ens := make([]*entry, 0, len(e.entries))
	for _, en := range e.entries {
		ens = append(ens, en)
	}
	e.mu.RUnlock()

	out := make([]Record, 0, len(ens))
	for _, en := range ens {
		en.mu.Lock()
		if en.set {
			out = append(out, en.rec)
		}
		en.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.TrackID != out[j].Key.TrackID {
			return out[i].Key.TrackID < out[j].Key.TrackID
		}
		return out[i].Key.Param < out[j].Key.Param
	})
	return out
}
