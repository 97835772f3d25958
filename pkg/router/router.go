// Package router delivers envelopes between peers: directly when a peer is
// connected, through relays when it is not, with retry, duplicate
// suppression and per-sender ordering on the receive side.
package router

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"jammesh/pkg/core/priocq"
	"jammesh/pkg/peers"
	"jammesh/pkg/protocol"
	"jammesh/pkg/protocol/codec"
)

const (
	DefaultHopBudget     = 3
	DefaultRetryBase     = 200 * time.Millisecond
	DefaultRetryFactor   = 2.0
	DefaultRetryAttempts = 3
	DefaultReorderDepth  = 8
	DefaultReorderFlush  = 250 * time.Millisecond
	DefaultSendTimeout   = 2 * time.Second
	DefaultInboxSize     = 1024

	minDedupCapacity   = 64
	maxRelayCandidates = 3
)

// Egress hands encoded frames to directly connected peers.
type Egress interface {
	Submit(ctx context.Context, dest string, class priocq.Class, frame []byte) error
	Drop(dest string, reason error) int
}

type Options struct {
	LocalID       string
	HopBudget     int
	RetryBase     time.Duration
	RetryFactor   float64
	RetryAttempts int
	ReorderDepth  int
	ReorderFlush  time.Duration
	SendTimeout   time.Duration // per attempt
	InboxSize     int
	Format        protocol.Format
	Codecs        *codec.Registry
	Logger        *zap.Logger
	Tracer        trace.Tracer
}

func (o Options) withDefaults() Options {
	if o.HopBudget <= 0 {
		o.HopBudget = DefaultHopBudget
	}
	if o.RetryBase <= 0 {
		o.RetryBase = DefaultRetryBase
	}
	if o.RetryFactor < 1 {
		o.RetryFactor = DefaultRetryFactor
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.ReorderDepth <= 0 {
		o.ReorderDepth = DefaultReorderDepth
	}
	if o.ReorderFlush <= 0 {
		o.ReorderFlush = DefaultReorderFlush
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.InboxSize <= 0 {
		o.InboxSize = DefaultInboxSize
	}
	if o.Format == protocol.FormatUnknown {
		o.Format = protocol.FormatCBOR
	}
	if o.Codecs == nil {
		o.Codecs = codec.NewRegistry()
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("jammesh/router")
	}
	return o
}

// Handler receives every unique, non-relay envelope addressed to this node
// (or broadcast). It runs on the dispatch goroutine and must not block.
type Handler func(env *protocol.Envelope)

// Result is the outcome of delivering one envelope to one target. Err is a
// *DeliveryFailure when set.
type Result struct {
	Target   string
	Route    RoutingEntry
	Attempts int
	Err      error
}

// Stats are receive-side counters.
type Stats struct {
	Accepted   uint64
	Duplicates uint64
	Dropped    uint64
	Forwarded  uint64
}

type inbound struct {
	link  string
	frame []byte
	flush string
	gen   uint64
}

type peerScope struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

type Router struct {
	local  string
	opts   Options
	reg    *peers.Registry
	clock  *protocol.Clock
	egress Egress
	log    *zap.Logger
	tracer trace.Tracer

	tableMu   sync.RWMutex
	table     map[string]RoutingEntry
	livePeers atomic.Int64

	seqMu sync.Mutex
	seq   map[string]uint32

	scopeMu sync.Mutex
	scopes  map[string]*peerScope

	hMu      sync.RWMutex
	handler  Handler
	failures []func(*DeliveryFailure)

	// receive state, owned by the dispatch goroutine
	inbox chan inbound
	seen  *recentSet
	order map[string]*reorderBuffer

	resetMu sync.Mutex
	resets  map[string]struct{}

	accepted, duplicates, dropped, forwarded atomic.Uint64

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
	unsub  func()
}

func New(reg *peers.Registry, clock *protocol.Clock, egress Egress, opts Options) *Router {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancelCause(context.Background())
	r := &Router{
		local:  opts.LocalID,
		opts:   opts,
		reg:    reg,
		clock:  clock,
		egress: egress,
		log:    opts.Logger,
		tracer: opts.Tracer,
		seq:    make(map[string]uint32),
		scopes: make(map[string]*peerScope),
		inbox:  make(chan inbound, opts.InboxSize),
		seen:   newRecentSet(),
		order:  make(map[string]*reorderBuffer),
		resets: make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	r.Rebuild()
	r.unsub = reg.Subscribe(r.onPeerEvent)
	r.wg.Add(1)
	go r.dispatchLoop()
	return r
}

// Close stops the dispatch goroutine and cancels every outstanding send.
func (r *Router) Close() {
	r.unsub()
	r.cancel(ErrClosed)
	r.wg.Wait()
}

// OnReceive installs the inbound handler.
func (r *Router) OnReceive(h Handler) {
	r.hMu.Lock()
	r.handler = h
	r.hMu.Unlock()
}

// OnDeliveryFailure registers an observer for every failed delivery,
// including relays this node could not forward.
func (r *Router) OnDeliveryFailure(fn func(*DeliveryFailure)) {
	r.hMu.Lock()
	r.failures = append(r.failures, fn)
	r.hMu.Unlock()
}

func (r *Router) notifyFailure(f *DeliveryFailure) {
	r.hMu.RLock()
	fns := append([]func(*DeliveryFailure){}, r.failures...)
	r.hMu.RUnlock()
	for _, fn := range fns {
		fn(f)
	}
}

// NewEnvelope stamps a fresh envelope from this node with the next Lamport
// timestamp and encodes payload with the configured format.
func (r *Router) NewEnvelope(typ protocol.Type, to string, payload any) (*protocol.Envelope, error) {
	env := &protocol.Envelope{Version: protocol.Version, Type: typ, From: r.local, To: to, TS: r.clock.Tick()}
	if payload != nil {
		if err := env.SetPayload(r.opts.Codecs, r.opts.Format, payload); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// DecodePayload decodes env's payload with the router's codecs.
func (r *Router) DecodePayload(env *protocol.Envelope, v any) error {
	return env.DecodePayload(r.opts.Codecs, v)
}

// LocalID returns this node's peer id.
func (r *Router) LocalID() string { return r.local }

// ---- routing table ----

func (r *Router) onPeerEvent(ev peers.Event) {
	if ev.Kind == peers.EventEvicted {
		r.evict(ev.Peer.ID)
	}
	if ev.Kind == peers.EventAdded && ev.Prev == peers.StateEvicted {
		r.resetMu.Lock()
		r.resets[ev.Peer.ID] = struct{}{}
		r.resetMu.Unlock()
	}
	r.Rebuild()
}

// Rebuild recomputes the routing table from the registry.
func (r *Router) Rebuild() {
	snapshot := r.reg.List()
	t := buildTable(r.local, snapshot)
	live := 0
	for _, p := range snapshot {
		if p.Live() {
			live++
		}
	}
	r.tableMu.Lock()
	r.table = t
	r.tableMu.Unlock()
	r.livePeers.Store(int64(live))
}

// Route returns the current entry for peer; unknown peers are unreachable.
func (r *Router) Route(peer string) RoutingEntry {
	r.tableMu.RLock()
	e, ok := r.table[peer]
	r.tableMu.RUnlock()
	if !ok {
		return RoutingEntry{Peer: peer}
	}
	return e
}

// Table returns a snapshot of all routing entries sorted by peer.
func (r *Router) Table() []RoutingEntry {
	r.tableMu.RLock()
	out := make([]RoutingEntry, 0, len(r.table))
	for _, e := range r.table {
		out = append(out, e)
	}
	r.tableMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

func (r *Router) evict(id string) {
	r.scopeMu.Lock()
	if s := r.scopes[id]; s != nil {
		s.cancel(ErrPeerUnreachable)
		delete(r.scopes, id)
	}
	r.scopeMu.Unlock()
	if n := r.egress.Drop(id, ErrPeerUnreachable); n > 0 {
		r.log.Debug("dropped queued frames for evicted peer", zap.String("peer", id), zap.Int("frames", n))
	}
	r.seqMu.Lock()
	delete(r.seq, id)
	r.seqMu.Unlock()
	r.resetMu.Lock()
	r.resets[id] = struct{}{}
	r.resetMu.Unlock()
}

// scoped derives a context that is also cancelled when target is evicted.
func (r *Router) scoped(ctx context.Context, target string) (context.Context, func()) {
	r.scopeMu.Lock()
	s := r.scopes[target]
	if s == nil {
		sctx, cancel := context.WithCancelCause(r.ctx)
		s = &peerScope{ctx: sctx, cancel: cancel}
		r.scopes[target] = s
	}
	r.scopeMu.Unlock()

	c, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(s.ctx, func() { cancel(context.Cause(s.ctx)) })
	return c, func() {
		stop()
		cancel(nil)
	}
}

func cause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if c := context.Cause(ctx); c != nil {
		return c
	}
	return ctx.Err()
}

func (r *Router) nextSeq(peer string) uint32 {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	n := r.seq[peer] + 1
	if n == 0 {
		n = 1
	}
	r.seq[peer] = n
	return n
}

// encodeFor encodes env for a link to peer with that link's next sequence.
func (r *Router) encodeFor(env *protocol.Envelope, peer string) ([]byte, error) {
	return protocol.Encode(env.WithLink(r.nextSeq(peer), 0))
}

func classify(t protocol.Type) priocq.Class {
	switch t {
	case protocol.TypeParameterWrite:
		return priocq.L1Realtime
	case protocol.TypeRelay:
		return priocq.L2Bulk
	default:
		return priocq.L0Control
	}
}

// ---- send path ----

// Send delivers env to target, or to every live peer when target is empty.
// Live means connected or suspected: a suspected peer still gets broadcasts
// until it is evicted, and a failed delivery to it is reported in its
// Result. It returns immediately; the channel yields one Result per target
// and is then closed.
func (r *Router) Send(ctx context.Context, env *protocol.Envelope, target string) <-chan Result {
	var targets []string
	if target == "" {
		for _, p := range r.reg.ListLive() {
			targets = append(targets, p.ID)
		}
	} else {
		targets = []string{target}
	}
	out := make(chan Result, len(targets))
	if r.ctx.Err() != nil {
		for _, t := range targets {
			out <- Result{Target: t, Err: &DeliveryFailure{Target: t, Type: env.Type, ID: env.ID(), Err: ErrClosed}}
		}
		close(out)
		return out
	}
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t string) {
			defer wg.Done()
			out <- r.deliver(ctx, env, t)
		}(t)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Broadcast is Send with no explicit target.
func (r *Router) Broadcast(ctx context.Context, env *protocol.Envelope) <-chan Result {
	return r.Send(ctx, env, "")
}

func (r *Router) deliver(ctx context.Context, env *protocol.Envelope, target string) Result {
	ctx, span := r.tracer.Start(ctx, "router.deliver",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("mesh.target", target),
			attribute.String("mesh.type", env.Type.String()),
			attribute.Int64("mesh.ts", int64(env.TS)),
		))
	defer span.End()

	res := r.deliverTo(ctx, env, target)
	span.SetAttributes(attribute.String("mesh.route", res.Route.String()), attribute.Int("mesh.attempts", res.Attempts))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "delivery failed")
		var f *DeliveryFailure
		if errors.As(res.Err, &f) {
			r.notifyFailure(f)
		}
		r.log.Debug("delivery failed", zap.String("peer", target), zap.Stringer("type", env.Type), zap.Error(res.Err))
	}
	return res
}

func (r *Router) deliverTo(ctx context.Context, env *protocol.Envelope, target string) Result {
	entry := r.Route(target)
	fail := func(attempts int, err error) Result {
		return Result{Target: target, Route: entry, Attempts: attempts, Err: &DeliveryFailure{
			Target: target, Type: env.Type, ID: env.ID(), Attempts: attempts, Err: err,
		}}
	}
	if target == r.local || entry.Strategy == StrategyUnreachable {
		return fail(0, ErrPeerUnreachable)
	}

	sctx, release := r.scoped(ctx, target)
	defer release()

	frame, err := r.encodeFor(env, target)
	if err != nil {
		return fail(0, err)
	}

	attempts := 0
	var directErr error
	if entry.Strategy == StrategyDirect {
		n, err := r.sendDirect(sctx, target, classify(env.Type), frame, r.opts.RetryAttempts)
		attempts = n
		if err == nil {
			return Result{Target: target, Route: entry, Attempts: n}
		}
		if c := cause(sctx); c != nil {
			return fail(attempts, c)
		}
		directErr = ErrRetriesExhausted
		r.log.Debug("direct delivery exhausted, relaying", zap.String("peer", target), zap.Int("attempts", n), zap.Error(err))
	}

	via, err := r.relayThrough(sctx, target, r.local, r.opts.HopBudget-1, frame, target)
	attempts++
	if err == nil {
		return Result{Target: target, Route: RoutingEntry{Peer: target, Strategy: StrategyRelay, Via: via}, Attempts: attempts}
	}
	if c := cause(sctx); c != nil {
		return fail(attempts, c)
	}
	return fail(attempts, errors.Join(directErr, err))
}

// sendDirect writes frame to a directly connected peer, retrying with
// exponential backoff. It returns the number of attempts made.
func (r *Router) sendDirect(ctx context.Context, target string, class priocq.Class, frame []byte, attempts int) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.opts.RetryBase
	b.Multiplier = r.opts.RetryFactor
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(float64(r.opts.RetryBase) * pow(r.opts.RetryFactor, attempts))
	b.Reset()

	n := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		n++
		f := frame
		if n > 1 {
			f = protocol.WithFrameFlag(frame, protocol.FlagRetry)
		}
		actx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
		err := r.egress.Submit(actx, target, class, f)
		cancel()
		if err != nil && ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)))
	return n, err
}

func pow(f float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= f
	}
	return out
}

// relayCandidates orders connected peers for relaying to target: the table's
// relay hop first, then peers advertising target as a neighbour, then any
// connected peer, each group by latency.
func (r *Router) relayCandidates(target string, exclude ...string) []string {
	skip := map[string]bool{target: true, r.local: true}
	for _, id := range exclude {
		skip[id] = true
	}
	var out []string
	add := func(id string) {
		if id != "" && !skip[id] && len(out) < maxRelayCandidates {
			skip[id] = true
			out = append(out, id)
		}
	}
	if e := r.Route(target); e.Strategy == StrategyRelay {
		add(e.Via)
	}
	connected := r.reg.ListConnected()
	for _, p := range byLatency(connected, func(p peers.Peer) bool { return p.HasNeighbor(target) }) {
		add(p.ID)
	}
	for _, p := range byLatency(connected, func(peers.Peer) bool { return true }) {
		add(p.ID)
	}
	return out
}

// relayThrough wraps inner in a relay envelope and hands it to the first
// candidate that accepts it. budget is the number of further relay hops the
// receiver may add.
func (r *Router) relayThrough(ctx context.Context, target, origin string, budget int, inner []byte, exclude ...string) (string, error) {
	if budget < 0 {
		return "", ErrHopBudgetExhausted
	}
	cands := r.relayCandidates(target, exclude...)
	if len(cands) == 0 {
		return "", ErrNoRelay
	}
	payload := protocol.RelayPayload{Target: target, Origin: origin, Budget: budget, Frame: inner}
	var lastErr error
	for _, via := range cands {
		env, err := r.NewEnvelope(protocol.TypeRelay, via, payload)
		if err != nil {
			return "", err
		}
		frame, err := r.encodeFor(env, via)
		if err != nil {
			return "", err
		}
		actx, cancel := context.WithTimeout(ctx, r.opts.SendTimeout)
		err = r.egress.Submit(actx, via, classify(protocol.TypeRelay), frame)
		cancel()
		if err == nil {
			r.log.Debug("relayed", zap.String("target", target), zap.String("via", via), zap.Int("budget", budget))
			return via, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", errors.Join(ErrNoRelay, lastErr)
}

// ---- receive path ----

// HandleFrame queues one encoded frame received from the directly connected
// peer link. It blocks only while the inbox is full.
func (r *Router) HandleFrame(link string, frame []byte) {
	r.post(inbound{link: link, frame: frame})
}

func (r *Router) post(m inbound) {
	select {
	case r.inbox <- m:
	case <-r.ctx.Done():
	}
}

func (r *Router) dispatchLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case m := <-r.inbox:
			r.applyResets()
			if m.flush != "" {
				r.flushSender(m.flush, m.gen)
				continue
			}
			r.processFrame(m.link, m.frame, false)
		}
	}
}

func (r *Router) applyResets() {
	r.resetMu.Lock()
	if len(r.resets) == 0 {
		r.resetMu.Unlock()
		return
	}
	ids := r.resets
	r.resets = make(map[string]struct{})
	r.resetMu.Unlock()
	for id := range ids {
		delete(r.order, id)
	}
}

func (r *Router) processFrame(link string, frame []byte, relayed bool) {
	env, err := protocol.Decode(frame)
	if err != nil {
		r.dropped.Add(1)
		r.log.Debug("drop frame", zap.String("link", link), zap.Error(err))
		return
	}
	if env.From == r.local {
		r.dropped.Add(1)
		return
	}
	if relayed {
		env.Flags |= protocol.FlagRelayed
	}
	r.clock.Observe(env.TS)
	if link != "" {
		r.reg.RecordExchange(link, 1, 0)
	}

	buf := r.order[env.From]
	if buf == nil {
		buf = newReorderBuffer(r.opts.ReorderDepth)
		r.order[env.From] = buf
	}
	for _, e := range buf.push(env) {
		r.accept(e)
	}
	r.armFlush(env.From, buf)
}

func (r *Router) armFlush(from string, buf *reorderBuffer) {
	if buf.buffered() == 0 || buf.timerArmed {
		return
	}
	buf.timerArmed = true
	buf.timerGen++
	gen := buf.timerGen
	time.AfterFunc(r.opts.ReorderFlush, func() { r.post(inbound{flush: from, gen: gen}) })
}

func (r *Router) flushSender(from string, gen uint64) {
	buf := r.order[from]
	if buf == nil || buf.timerGen != gen {
		return
	}
	buf.timerArmed = false
	for _, e := range buf.flush() {
		r.accept(e)
	}
}

func (r *Router) dedupCapacity() int {
	return max(minDedupCapacity, r.opts.HopBudget*int(r.livePeers.Load()))
}

func (r *Router) accept(env *protocol.Envelope) {
	if !r.seen.add(env.ID(), r.dedupCapacity()) {
		r.duplicates.Add(1)
		return
	}
	if env.To != "" && env.To != r.local {
		r.dropped.Add(1)
		r.log.Debug("drop misaddressed envelope", zap.String("to", env.To), zap.String("from", env.From))
		return
	}
	if env.Type == protocol.TypeRelay {
		r.handleRelay(env)
		return
	}
	r.accepted.Add(1)
	r.hMu.RLock()
	h := r.handler
	r.hMu.RUnlock()
	if h != nil {
		h(env)
	}
}

func (r *Router) handleRelay(env *protocol.Envelope) {
	var p protocol.RelayPayload
	if err := r.DecodePayload(env, &p); err != nil {
		r.dropped.Add(1)
		r.log.Debug("drop relay", zap.String("from", env.From), zap.Error(err))
		return
	}
	if p.Target == r.local {
		r.processFrame("", p.Frame, true)
		return
	}
	r.forwarded.Add(1)
	go r.forward(env, p)
}

// forward moves a relayed frame one step closer to its target.
func (r *Router) forward(env *protocol.Envelope, p protocol.RelayPayload) {
	ctx, cancel := context.WithTimeout(r.ctx, time.Duration(r.opts.RetryAttempts+maxRelayCandidates)*r.opts.SendTimeout)
	defer cancel()
	fail := func(err error) {
		f := &DeliveryFailure{Target: p.Target, Type: protocol.TypeRelay, ID: env.ID(), Err: err}
		r.log.Info("relay dropped", zap.String("target", p.Target), zap.String("origin", p.Origin), zap.Error(err))
		r.notifyFailure(f)
	}

	entry := r.Route(p.Target)
	if entry.Strategy == StrategyUnreachable {
		fail(ErrPeerUnreachable)
		return
	}
	if entry.Strategy == StrategyDirect {
		if _, err := r.sendDirect(ctx, p.Target, classify(protocol.TypeRelay), p.Frame, r.opts.RetryAttempts); err == nil {
			return
		}
	}
	if p.Budget <= 0 {
		fail(ErrHopBudgetExhausted)
		return
	}
	if _, err := r.relayThrough(ctx, p.Target, p.Origin, p.Budget-1, p.Frame, env.From, p.Origin); err != nil {
		fail(err)
	}
}

// Stats returns receive-side counters.
func (r *Router) Stats() Stats {
	return Stats{
		Accepted:   r.accepted.Load(),
		Duplicates: r.duplicates.Load(),
		Dropped:    r.dropped.Load(),
		Forwarded:  r.forwarded.Load(),
	}
}
