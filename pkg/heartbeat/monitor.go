// Package heartbeat probes peers on a fixed interval and drives their
// liveness state in the peer registry.
package heartbeat

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"jammesh/pkg/peers"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultSuspectAfter = 2
	DefaultEvictAfter   = 3
)

// Prober sends one heartbeat carrying nonce to a peer. It must not block on
// delivery; the reply arrives through Monitor.HandleAck.
type Prober interface {
	Probe(ctx context.Context, peerID string, nonce uint64) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, peerID string, nonce uint64) error

func (f ProberFunc) Probe(ctx context.Context, peerID string, nonce uint64) error {
	return f(ctx, peerID, nonce)
}

type Options struct {
	Interval     time.Duration
	Timeout      time.Duration // per-probe deadline; default 2*Interval
	SuspectAfter int           // consecutive misses before suspected
	EvictAfter   int           // consecutive misses before eviction
	Now          func() time.Time
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * o.Interval
	}
	if o.SuspectAfter <= 0 {
		o.SuspectAfter = DefaultSuspectAfter
	}
	if o.EvictAfter <= o.SuspectAfter {
		o.EvictAfter = o.SuspectAfter + 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	return o
}

type probe struct {
	sent     time.Time
	deadline time.Time
}

type peerState struct {
	probes map[uint64]probe
	misses int
}

// Monitor owns the probe bookkeeping. Registry state changes are made
// outside its lock.
type Monitor struct {
	reg    *peers.Registry
	prober Prober
	opts   Options
	log    *zap.Logger
	nonce  atomic.Uint64

	mu    sync.Mutex
	state map[string]*peerState
	unsub func()
}

func New(reg *peers.Registry, prober Prober, opts Options) *Monitor {
	opts = opts.withDefaults()
	m := &Monitor{
		reg:    reg,
		prober: prober,
		opts:   opts,
		log:    opts.Logger,
		state:  make(map[string]*peerState),
	}
	m.unsub = reg.Subscribe(m.onPeerEvent)
	return m
}

// Close detaches the monitor from the registry.
func (m *Monitor) Close() { m.unsub() }

func (m *Monitor) onPeerEvent(ev peers.Event) {
	switch ev.Kind {
	case peers.EventEvicted, peers.EventAdded:
		m.mu.Lock()
		delete(m.state, ev.Peer.ID)
		m.mu.Unlock()
	}
}

// Run probes every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.opts.Interval)
	defer t.Stop()
	m.log.Info("heartbeat started", zap.Duration("interval", m.opts.Interval), zap.Duration("timeout", m.opts.Timeout))
	m.Tick(ctx, m.opts.Now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Tick(ctx, m.opts.Now())
		}
	}
}

// Tick expires overdue probes, applies suspicion and eviction, then probes
// every live peer once.
func (m *Monitor) Tick(ctx context.Context, now time.Time) {
	var suspect, evict []string

	m.mu.Lock()
	for id, st := range m.state {
		for nonce, p := range st.probes {
			if !p.deadline.After(now) {
				delete(st.probes, nonce)
				st.misses++
			}
		}
		switch {
		case st.misses >= m.opts.EvictAfter:
			evict = append(evict, id)
		case st.misses >= m.opts.SuspectAfter:
			suspect = append(suspect, id)
		}
	}
	for _, id := range evict {
		delete(m.state, id)
	}
	m.mu.Unlock()

	sort.Strings(suspect)
	sort.Strings(evict)
	for _, id := range suspect {
		if err := m.reg.MarkSuspected(id); err != nil {
			m.log.Debug("mark suspected", zap.String("peer", id), zap.Error(err))
		}
	}
	for _, id := range evict {
		m.log.Warn("peer missed heartbeats, evicting", zap.String("peer", id), zap.Int("misses", m.opts.EvictAfter))
		if err := m.reg.RemovePeer(id); err != nil {
			m.log.Debug("remove peer", zap.String("peer", id), zap.Error(err))
		}
	}

	for _, p := range m.reg.ListLive() {
		nonce := m.nonce.Add(1)
		m.mu.Lock()
		st := m.state[p.ID]
		if st == nil {
			st = &peerState{probes: make(map[uint64]probe)}
			m.state[p.ID] = st
		}
		st.probes[nonce] = probe{sent: now, deadline: now.Add(m.opts.Timeout)}
		m.mu.Unlock()

		if err := m.prober.Probe(ctx, p.ID, nonce); err != nil {
			m.log.Debug("heartbeat probe", zap.String("peer", p.ID), zap.Error(err))
		}
	}
}

// HandleAck processes a heartbeat-ack. An ack supersedes every older
// outstanding probe and resets the miss counter; acks for probes that
// already expired refresh liveness without an RTT sample.
func (m *Monitor) HandleAck(peerID string, nonce uint64) {
	now := m.opts.Now()
	var rtt time.Duration

	m.mu.Lock()
	st := m.state[peerID]
	if st == nil {
		m.mu.Unlock()
		return
	}
	if p, ok := st.probes[nonce]; ok {
		rtt = now.Sub(p.sent)
		for n, other := range st.probes {
			if !other.sent.After(p.sent) {
				delete(st.probes, n)
			}
		}
	}
	st.misses = 0
	m.mu.Unlock()

	if rtt <= 0 {
		rtt = 0
	}
	if err := m.reg.MarkSeen(peerID, rtt); err != nil {
		m.log.Debug("heartbeat ack", zap.String("peer", peerID), zap.Error(err))
	}
}

// Outstanding returns the number of unanswered probes for a peer.
func (m *Monitor) Outstanding(peerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.state[peerID]; st != nil {
		return len(st.probes)
	}
	return 0
}

// Misses returns the current consecutive miss count for a peer.
func (m *Monitor) Misses(peerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st := m.state[peerID]; st != nil {
		return st.misses
	}
	return 0
}
