package peers

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"jammesh/pkg/memkv"
)

const (
	DefaultLatencyWeight = 0.2
	DefaultTombstoneTTL  = 5 * time.Minute
)

// Options configures a Registry. Zero values select defaults.
type Options struct {
	KV            *memkv.Store
	LatencyWeight float64 // EWMA weight of the newest RTT sample
	// TombstoneTTL is how long evicted peers stay listed. Negative drops
	// them at eviction.
	TombstoneTTL time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

// Registry owns the set of known peers. Each peer is one JSON document in
// memkv under "peer:<id>"; mutations go through the store's per-key
// read-modify-write so different peers never serialize on a shared lock,
// and listing is a prefix scan.
type Registry struct {
	kv    *memkv.Store
	ownKV bool
	alpha float64
	ttl   time.Duration
	now   func() time.Time
	log   *zap.Logger

	subMu   sync.RWMutex
	subs    map[int]func(Event)
	nextSub int
}

func New(opts Options) *Registry {
	r := &Registry{
		kv:    opts.KV,
		alpha: opts.LatencyWeight,
		ttl:   opts.TombstoneTTL,
		now:   opts.Now,
		log:   opts.Logger,
		subs:  make(map[int]func(Event)),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.kv == nil {
		r.kv = memkv.New(memkv.Options{Shards: 16, Now: r.now})
		r.ownKV = true
	}
	if r.alpha <= 0 || r.alpha > 1 {
		r.alpha = DefaultLatencyWeight
	}
	if r.ttl == 0 {
		r.ttl = DefaultTombstoneTTL
	}
	if r.log == nil {
		r.log = zap.L()
	}
	return r
}

// Close releases the backing store if the registry created it.
func (r *Registry) Close() {
	if r.ownKV {
		r.kv.Close()
	}
}

func keyPeer(id string) string { return "peer:" + id }

// Subscribe registers fn for every committed change. fn runs on the
// goroutine that made the change and must not block. The returned func
// unsubscribes.
func (r *Registry) Subscribe(fn func(Event)) func() {
	r.subMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.subMu.Unlock()
	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Registry) emit(ev Event) {
	r.subMu.RLock()
	fns := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// AddPeer registers or refreshes a peer. Re-adding keeps latency history;
// re-adding an evicted peer revives it as connected.
func (r *Registry) AddPeer(id string, meta Meta) (Peer, error) {
	if id == "" {
		return Peer{}, ErrInvalidID
	}
	var (
		out  Peer
		prev State
	)
	now := r.now()
	r.kv.Upsert(keyPeer(id), func(old []byte, exists bool) []byte {
		var p Peer
		if exists {
			_ = json.Unmarshal(old, &p)
			prev = p.State
		}
		p.ID = id
		if meta.Name != "" {
			p.Name = meta.Name
		}
		if meta.Addr != "" {
			p.Addr = meta.Addr
		}
		if meta.Labels != nil {
			p.Labels = meta.Labels
		}
		if !exists || p.State == StateEvicted {
			p.State = StateConnected
			p.JoinedAt = now
			p.LastSeen = now
		}
		out = p
		b, _ := json.Marshal(p)
		return b
	})

	switch {
	case prev == 0:
		r.log.Info("peer added", zap.String("peer", id), zap.String("addr", out.Addr))
		r.emit(Event{Kind: EventAdded, Peer: out})
	case prev == StateEvicted:
		r.log.Info("peer revived", zap.String("peer", id))
		r.emit(Event{Kind: EventAdded, Peer: out, Prev: prev})
	default:
		r.log.Debug("peer refreshed", zap.String("peer", id))
	}
	return out, nil
}

// update runs fn on the stored peer. fn returns false to leave it unchanged.
func (r *Registry) update(id string, fn func(p *Peer) bool) (Peer, State, error) {
	var (
		out  Peer
		prev State
		err  error
	)
	found := r.kv.Update(keyPeer(id), func(old []byte) []byte {
		var p Peer
		if e := json.Unmarshal(old, &p); e != nil {
			err = e
			return nil
		}
		prev = p.State
		out = p
		if !fn(&p) {
			return nil
		}
		out = p
		b, _ := json.Marshal(p)
		return b
	})
	if !found {
		return Peer{}, 0, ErrNotFound
	}
	return out, prev, err
}

// MarkSeen records a successful round trip. rtt <= 0 refreshes LastSeen
// without a latency sample. A suspected peer becomes connected again.
func (r *Registry) MarkSeen(id string, rtt time.Duration) error {
	now := r.now()
	p, prev, err := r.update(id, func(p *Peer) bool {
		if p.State == StateEvicted {
			return false
		}
		p.LastSeen = now
		if rtt > 0 {
			if p.RTTSamples == 0 {
				p.RTT = rtt
			} else {
				p.RTT = time.Duration(r.alpha*float64(rtt) + (1-r.alpha)*float64(p.RTT))
			}
			p.RTTSamples++
		}
		p.State = StateConnected
		return true
	})
	if err != nil {
		return err
	}
	if prev == StateEvicted {
		return ErrEvicted
	}
	if prev == StateSuspected {
		r.log.Info("peer recovered", zap.String("peer", id), zap.Duration("rtt", p.RTT))
		r.emit(Event{Kind: EventStateChanged, Peer: p, Prev: prev})
	}
	return nil
}

// MarkSuspected moves a connected peer to suspected.
func (r *Registry) MarkSuspected(id string) error {
	p, prev, err := r.update(id, func(p *Peer) bool {
		if p.State != StateConnected {
			return false
		}
		p.State = StateSuspected
		return true
	})
	if err != nil {
		return err
	}
	switch prev {
	case StateEvicted:
		return ErrEvicted
	case StateConnected:
		r.log.Warn("peer suspected", zap.String("peer", id), zap.Time("last_seen", p.LastSeen))
		r.emit(Event{Kind: EventStateChanged, Peer: p, Prev: prev})
	}
	return nil
}

// RemovePeer evicts a peer. The record is kept as a tombstone for the
// configured TTL so late messages can still be attributed; with a negative
// TTL it is deleted at once. Evicting twice is a no-op.
func (r *Registry) RemovePeer(id string) error {
	p, prev, err := r.update(id, func(p *Peer) bool {
		if p.State == StateEvicted {
			return false
		}
		p.State = StateEvicted
		p.Neighbors = nil
		return true
	})
	if err != nil {
		return err
	}
	if prev == StateEvicted {
		return nil
	}
	r.kv.Expire(keyPeer(id), r.ttl)
	for _, other := range r.ids() {
		if other == id {
			continue
		}
		_, _, _ = r.update(other, func(o *Peer) bool {
			out := o.Neighbors[:0]
			for _, n := range o.Neighbors {
				if n != id {
					out = append(out, n)
				}
			}
			changed := len(out) != len(o.Neighbors)
			o.Neighbors = out
			return changed
		})
	}
	r.log.Info("peer evicted", zap.String("peer", id), zap.Stringer("prev", prev))
	r.emit(Event{Kind: EventEvicted, Peer: p, Prev: prev})
	return nil
}

// SetNeighbors replaces the direct adjacency advertised by id.
func (r *Registry) SetNeighbors(id string, neighbors []string) error {
	sorted := append([]string(nil), neighbors...)
	sort.Strings(sorted)
	changed := false
	p, prev, err := r.update(id, func(p *Peer) bool {
		if p.State == StateEvicted || equalStrings(p.Neighbors, sorted) {
			return false
		}
		p.Neighbors = sorted
		changed = true
		return true
	})
	if err != nil {
		return err
	}
	if prev == StateEvicted {
		return ErrEvicted
	}
	if changed {
		r.emit(Event{Kind: EventNeighborsChanged, Peer: p, Prev: prev})
	}
	return nil
}

// RecordExchange bumps message counters.
func (r *Registry) RecordExchange(id string, in, out uint64) {
	_, _, _ = r.update(id, func(p *Peer) bool {
		p.MsgsIn += in
		p.MsgsOut += out
		return true
	})
}

// Get returns a snapshot of the peer, including evicted tombstones.
func (r *Registry) Get(id string) (Peer, error) {
	b, ok := r.kv.Get(keyPeer(id))
	if !ok {
		return Peer{}, ErrNotFound
	}
	return r.decode(id, b)
}

func (r *Registry) decode(id string, b []byte) (Peer, error) {
	var p Peer
	if err := json.Unmarshal(b, &p); err != nil {
		return Peer{}, err
	}
	if p.State == StateEvicted {
		if left, ok := r.kv.TTL(keyPeer(id)); ok && left > 0 {
			p.PurgeAt = r.now().Add(left)
		}
	}
	return p, nil
}

func (r *Registry) ids() []string {
	prefix := keyPeer("")
	var out []string
	r.kv.Range(prefix, func(key string, _ []byte) bool {
		out = append(out, strings.TrimPrefix(key, prefix))
		return true
	})
	sort.Strings(out)
	return out
}

// List returns every known peer sorted by id.
func (r *Registry) List() []Peer {
	prefix := keyPeer("")
	var out []Peer
	r.kv.Range(prefix, func(key string, val []byte) bool {
		if p, err := r.decode(strings.TrimPrefix(key, prefix), val); err == nil {
			out = append(out, p)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListConnected returns peers in the connected state sorted by id.
func (r *Registry) ListConnected() []Peer {
	all := r.List()
	out := all[:0]
	for _, p := range all {
		if p.State == StateConnected {
			out = append(out, p)
		}
	}
	return out
}

// ListLive returns connected and suspected peers.
func (r *Registry) ListLive() []Peer {
	all := r.List()
	out := all[:0]
	for _, p := range all {
		if p.Live() {
			out = append(out, p)
		}
	}
	return out
}

// Stats aggregates counters over live peers.
func (r *Registry) Stats() NetworkStats {
	var (
		st      NetworkStats
		sum     time.Duration
		samples int
	)
	for _, p := range r.ListLive() {
		switch p.State {
		case StateConnected:
			st.Connected++
		case StateSuspected:
			st.Suspected++
		}
		if p.RTTSamples > 0 {
			sum += p.RTT
			samples++
		}
		st.MsgsIn += p.MsgsIn
		st.MsgsOut += p.MsgsOut
	}
	if samples > 0 {
		st.AvgLatency = sum / time.Duration(samples)
	}
	return st
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
