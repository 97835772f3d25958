// Package mesh assembles a collaboration node: peer registry, heartbeat
// monitor, router, egress pipeline, links, sessions and parameter sync, and
// exposes them to the audio engine and UI.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"jammesh/pkg/config"
	"jammesh/pkg/core/netstack"
	"jammesh/pkg/heartbeat"
	"jammesh/pkg/memkv"
	"jammesh/pkg/paramsync"
	"jammesh/pkg/peers"
	"jammesh/pkg/pipeline"
	"jammesh/pkg/protocol"
	"jammesh/pkg/rendezvous"
	"jammesh/pkg/router"
	"jammesh/pkg/session"
	"jammesh/pkg/transport"
	"jammesh/pkg/transport/mem"
)

var ErrNodeClosed = errors.New("mesh: node closed")

type Options struct {
	Config *config.Config
	// Link carries frames to directly connected peers. Nil runs the
	// configured transports through netstack.
	Link   pipeline.Link
	MemHub *mem.Hub
	Logger *zap.Logger
}

// Node is one participant in the mesh. Construct with New, start with Run.
type Node struct {
	id  string
	cfg *config.Config
	log *zap.Logger

	clock    *protocol.Clock
	kv       *memkv.Store
	reg      *peers.Registry
	pipe     *pipeline.Pipeline
	stack    *netstack.Stack
	router   *router.Router
	monitor  *heartbeat.Monitor
	sessions *session.Manager
	params   *paramsync.Engine
	static   *rendezvous.Static

	ctx       context.Context
	cancel    context.CancelFunc
	unsubs    []func()
	closeOnce sync.Once
}

func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("mesh: nil config")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("mesh: empty node id")
	}
	format, err := protocol.ParseFormat(cfg.PayloadFormat)
	if err != nil {
		return nil, err
	}
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:     cfg.NodeID,
		cfg:    cfg,
		log:    log,
		clock:  &protocol.Clock{},
		kv:     memkv.New(memkv.Options{Shards: 16}),
		static: rendezvous.NewStatic(cfg.Peers, log.Named("rendezvous")),
		ctx:    ctx,
		cancel: cancel,
	}
	n.reg = peers.New(peers.Options{
		KV:            n.kv,
		LatencyWeight: cfg.Registry.LatencyWeight,
		TombstoneTTL:  cfg.Registry.TombstoneTTL(),
		Logger:        log.Named("peers"),
	})

	link := opts.Link
	if link == nil {
		n.stack = netstack.New(transport.NewManager(transport.PeerID(n.id)), n, n, netstack.Options{
			LocalID: n.id,
			Backoff: netstack.Backoff{
				Initial: cfg.Net.BackoffInitial(),
				Max:     cfg.Net.BackoffMax(),
				Jitter:  cfg.Net.DialBackoffJitter,
			},
			HelloTimeout: cfg.Net.HelloTimeout(),
			MemHub:       opts.MemHub,
			Logger:       log.Named("netstack"),
		})
		link = n.stack
	}
	n.pipe = pipeline.New(link, pipeline.Options{
		Workers:    cfg.Router.Workers,
		RatePerSec: cfg.Router.RatePerSec,
		Burst:      cfg.Router.Burst,
		Stats:      n.reg,
		Logger:     log.Named("pipeline"),
	})
	n.router = router.New(n.reg, n.clock, n.pipe, router.Options{
		LocalID:       n.id,
		HopBudget:     cfg.Router.HopBudget,
		RetryBase:     cfg.Router.RetryBase(),
		RetryFactor:   cfg.Router.RetryFactor,
		RetryAttempts: cfg.Router.RetryAttempts,
		ReorderDepth:  cfg.Router.ReorderDepth,
		ReorderFlush:  cfg.Router.ReorderFlush(),
		SendTimeout:   cfg.Router.SendTimeout(),
		Format:        format,
		Logger:        log.Named("router"),
	})
	n.monitor = heartbeat.New(n.reg, heartbeat.ProberFunc(n.probe), heartbeat.Options{
		Interval:     cfg.Heartbeat.Interval(),
		Timeout:      cfg.Heartbeat.Timeout(),
		SuspectAfter: cfg.Heartbeat.SuspectAfter,
		EvictAfter:   cfg.Heartbeat.EvictAfter,
		Logger:       log.Named("heartbeat"),
	})
	n.sessions = session.New(n.reg, n.router, session.Options{
		KV:     n.kv,
		Logger: log.Named("session"),
	})
	n.params = paramsync.New(n.router, paramsync.Options{Logger: log.Named("params")})

	n.router.OnReceive(n.dispatch)
	n.router.OnDeliveryFailure(func(f *router.DeliveryFailure) {
		n.log.Debug("delivery failed", zap.String("peer", f.Target), zap.Stringer("type", f.Type), zap.Error(f.Err))
	})
	n.unsubs = append(n.unsubs, n.sessions.Subscribe(n.onSessionEvent))
	if n.stack != nil {
		n.unsubs = append(n.unsubs, n.reg.Subscribe(n.onPeerEvent))
	}
	return n, nil
}

// Run starts links, heartbeats and the static rendezvous source and blocks
// until ctx is done or a task fails. The node is closed on return.
func (n *Node) Run(ctx context.Context) error {
	defer n.Close()
	g, gctx := errgroup.WithContext(ctx)
	if n.stack != nil {
		if err := n.stack.Start(gctx, n.cfg.Transports); err != nil {
			return fmt.Errorf("start links: %w", err)
		}
	}
	g.Go(func() error { return n.static.Run(gctx, n) })
	g.Go(func() error { return n.monitor.Run(gctx) })
	n.log.Info("node running", zap.String("name", n.cfg.DisplayName))
	return g.Wait()
}

// Close stops every component. It is safe to call more than once.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.cancel()
		for _, u := range n.unsubs {
			u()
		}
		n.monitor.Close()
		n.sessions.Close()
		n.params.Close()
		n.router.Close()
		n.pipe.Close()
		if n.stack != nil {
			n.stack.Close()
		}
		n.reg.Close()
		n.kv.Close()
		n.log.Info("node stopped")
	})
}

func (n *Node) ID() string { return n.id }

// ---- inbound ----

// HandleFrame accepts a frame from a directly connected peer.
func (n *Node) HandleFrame(link string, frame []byte) {
	n.router.HandleFrame(link, frame)
}

// dispatch runs on the router's dispatch goroutine.
func (n *Node) dispatch(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		n.answerHeartbeat(env)
	case protocol.TypeHeartbeatAck:
		var p protocol.HeartbeatPayload
		if err := n.router.DecodePayload(env, &p); err != nil {
			n.log.Debug("drop heartbeat-ack", zap.String("from", env.From), zap.Error(err))
			return
		}
		n.monitor.HandleAck(env.From, p.Nonce)
		if err := n.reg.SetNeighbors(env.From, p.Neighbors); err != nil {
			n.log.Debug("neighbors", zap.String("peer", env.From), zap.Error(err))
		}
	case protocol.TypeJoin, protocol.TypeLeave, protocol.TypeSessionStart, protocol.TypeSessionEnd:
		n.sessions.HandleEnvelope(env)
	case protocol.TypeParameterWrite:
		n.params.HandleEnvelope(env)
	default:
		n.log.Debug("unhandled envelope", zap.Stringer("type", env.Type), zap.String("from", env.From))
	}
}

func (n *Node) answerHeartbeat(env *protocol.Envelope) {
	var p protocol.HeartbeatPayload
	if err := n.router.DecodePayload(env, &p); err != nil {
		n.log.Debug("drop heartbeat", zap.String("from", env.From), zap.Error(err))
		return
	}
	connected := n.reg.ListConnected()
	neighbors := make([]string, 0, len(connected))
	for _, peer := range connected {
		neighbors = append(neighbors, peer.ID)
	}
	ack, err := n.router.NewEnvelope(protocol.TypeHeartbeatAck, env.From, protocol.HeartbeatPayload{Nonce: p.Nonce, Neighbors: neighbors})
	if err != nil {
		n.log.Warn("build heartbeat-ack", zap.Error(err))
		return
	}
	n.router.Send(n.ctx, ack, env.From)
}

// probe sends one heartbeat; the result channel is buffered and may be
// dropped.
func (n *Node) probe(ctx context.Context, peerID string, nonce uint64) error {
	env, err := n.router.NewEnvelope(protocol.TypeHeartbeat, peerID, protocol.HeartbeatPayload{Nonce: nonce})
	if err != nil {
		return err
	}
	n.router.Send(ctx, env, peerID)
	return nil
}

func (n *Node) onSessionEvent(ev session.Event) {
	if ev.Kind != session.EventMemberJoined || ev.Peer == "" {
		return
	}
	if _, err := n.params.Replay(n.ctx, ev.Peer); err != nil {
		n.log.Warn("replay parameters", zap.String("peer", ev.Peer), zap.Error(err))
	}
}

// ---- rendezvous.Sink ----

// PeerJoined registers a peer announced by the rendezvous service and dials
// it when an address is known.
func (n *Node) PeerJoined(id string, meta rendezvous.Meta) {
	if id == "" || id == n.id {
		return
	}
	if _, err := n.reg.AddPeer(id, peers.Meta{Name: meta.Name, Addr: meta.Addr}); err != nil {
		n.log.Warn("add peer", zap.String("peer", id), zap.Error(err))
		return
	}
	if n.stack != nil && meta.Addr != "" {
		if err := n.stack.Connect(meta.Addr, id); err != nil {
			n.log.Warn("connect peer", zap.String("peer", id), zap.String("addr", meta.Addr), zap.Error(err))
		}
	}
}

// PeerLeft evicts a peer that left the room and drops its link.
func (n *Node) PeerLeft(id string) {
	if err := n.reg.RemovePeer(id); err != nil && !errors.Is(err, peers.ErrNotFound) {
		n.log.Warn("remove peer", zap.String("peer", id), zap.Error(err))
	}
	if n.stack != nil {
		n.stack.Forget(id)
	}
}

// onPeerEvent drops the link of an evicted peer and stops redialing it, so
// a stalled connection can not hold egress workers. The rendezvous has to
// announce the peer again to reconnect.
func (n *Node) onPeerEvent(ev peers.Event) {
	if ev.Kind == peers.EventEvicted {
		n.stack.Forget(ev.Peer.ID)
	}
}

// ---- netstack.LinkEvents ----

// LinkUp refreshes the liveness of a peer the rendezvous already announced.
// Links never add peers by themselves.
func (n *Node) LinkUp(peerID, addr string) {
	err := n.reg.MarkSeen(peerID, 0)
	switch {
	case err == nil:
	case errors.Is(err, peers.ErrNotFound):
		n.log.Info("link from unannounced peer", zap.String("peer", peerID), zap.String("addr", addr))
	default:
		n.log.Debug("link up", zap.String("peer", peerID), zap.Error(err))
	}
}

func (n *Node) LinkDown(peerID string) {
	n.log.Debug("link down, waiting for heartbeat verdict", zap.String("peer", peerID))
}

// ---- application facade ----

// Write sets a track parameter locally and replicates it.
func (n *Node) Write(ctx context.Context, trackID, param string, value float64) (paramsync.Record, error) {
	if n.ctx.Err() != nil {
		return paramsync.Record{}, ErrNodeClosed
	}
	return n.params.Write(ctx, paramsync.Key{TrackID: trackID, Param: param}, value)
}

// RemoveTrack tombstones every parameter of a track.
func (n *Node) RemoveTrack(ctx context.Context, trackID string) (int, error) {
	if n.ctx.Err() != nil {
		return 0, ErrNodeClosed
	}
	return n.params.RemoveTrack(ctx, trackID)
}

// Value returns the current value of a track parameter.
func (n *Node) Value(trackID, param string) (float64, bool) {
	return n.params.Value(paramsync.Key{TrackID: trackID, Param: param})
}

func (n *Node) Parameters() []paramsync.Record { return n.params.Snapshot() }

// OnParameterChange registers fn for visible parameter changes, local and
// remote. fn must not block.
func (n *Node) OnParameterChange(fn func(paramsync.Change)) func() {
	return n.params.Subscribe(fn)
}

// Peers lists every known peer, evicted ones included.
func (n *Node) Peers() []peers.Peer { return n.reg.List() }

func (n *Node) NetworkStats() peers.NetworkStats { return n.reg.Stats() }

func (n *Node) Routes() []router.RoutingEntry { return n.router.Table() }

func (n *Node) Sessions() []session.Session { return n.sessions.List() }

func (n *Node) Session(id string) (session.Session, error) { return n.sessions.Get(id) }

func (n *Node) OnSessionEvent(fn func(session.Event)) func() { return n.sessions.Subscribe(fn) }

// CreateSession starts a session with this node as initiator.
func (n *Node) CreateSession(ctx context.Context) (session.Session, error) {
	return n.sessions.CreateSession(ctx, n.id)
}

func (n *Node) JoinSession(ctx context.Context, id string) (session.Session, error) {
	return n.sessions.JoinSession(ctx, id)
}

func (n *Node) EndSession(ctx context.Context, id string) error {
	return n.sessions.EndSession(ctx, id)
}

func (n *Node) LeaveSession(ctx context.Context, id string) error {
	return n.sessions.LeaveSession(ctx, id)
}

// Links lists peers with a live transport link. It is empty when the node
// runs on an injected link.
func (n *Node) Links() []string {
	if n.stack == nil {
		return nil
	}
	return n.stack.Links()
}

// Status is a point-in-time summary for the CLI.
type Status struct {
	ID       string
	Clock    uint64
	Peers    peers.NetworkStats
	Router   router.Stats
	Store    memkv.Stats
	Sessions int
	Links    int
	At       time.Time
}

func (n *Node) Status() Status {
	return Status{
		ID:       n.id,
		Clock:    n.clock.Now(),
		Peers:    n.reg.Stats(),
		Router:   n.router.Stats(),
		Store:    n.kv.Metrics(),
		Sessions: len(n.sessions.List()),
		Links:    len(n.Links()),
		At:       time.Now(),
	}
}
