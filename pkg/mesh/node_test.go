package mesh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"jammesh/pkg/config"
	"jammesh/pkg/paramsync"
	"jammesh/pkg/peers"
	"jammesh/pkg/protocol"
	"jammesh/pkg/rendezvous"
	"jammesh/pkg/router"
	"jammesh/pkg/session"
	"jammesh/pkg/transport/mem"
)

var errLinkDown = errors.New("link down")

// network connects nodes in process. Frames can be held back and released
// in a batch, and a node can be cut off entirely.
type network struct {
	mu    sync.Mutex
	nodes map[string]*Node
	cut   map[string]bool
	held  bool
	queue []heldFrame
}

type heldFrame struct {
	from, to string
	frame    []byte
}

func newNetwork() *network {
	return &network{nodes: make(map[string]*Node), cut: make(map[string]bool)}
}

type endpoint struct {
	nw   *network
	from string
}

func (e endpoint) SendFrame(_ context.Context, peerID string, frame []byte) error {
	nw := e.nw
	nw.mu.Lock()
	if nw.cut[e.from] || nw.cut[peerID] {
		nw.mu.Unlock()
		return errLinkDown
	}
	dst, ok := nw.nodes[peerID]
	if !ok {
		nw.mu.Unlock()
		return errLinkDown
	}
	cp := append([]byte(nil), frame...)
	if nw.held {
		nw.queue = append(nw.queue, heldFrame{from: e.from, to: peerID, frame: cp})
		nw.mu.Unlock()
		return nil
	}
	nw.mu.Unlock()
	dst.HandleFrame(e.from, cp)
	return nil
}

func (nw *network) hold() {
	nw.mu.Lock()
	nw.held = true
	nw.mu.Unlock()
}

func (nw *network) release() {
	nw.mu.Lock()
	q := nw.queue
	nw.queue, nw.held = nil, false
	nodes := nw.nodes
	nw.mu.Unlock()
	for _, f := range q {
		nodes[f.to].HandleFrame(f.from, f.frame)
	}
}

func (nw *network) isolate(id string) {
	nw.mu.Lock()
	nw.cut[id] = true
	nw.mu.Unlock()
}

func testConfig(id string, others ...string) *config.Config {
	cfg := config.Default()
	cfg.NodeID = id
	cfg.Transports = nil
	for _, o := range others {
		cfg.Peers = append(cfg.Peers, config.PeerConfig{ID: o, Name: o})
	}
	return cfg
}

func (nw *network) add(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(Options{Config: cfg, Link: endpoint{nw: nw, from: cfg.NodeID}, Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(n.Close)
	nw.mu.Lock()
	nw.nodes[cfg.NodeID] = n
	nw.mu.Unlock()
	return n
}

func record(n *Node, track, param string) (paramsync.Record, bool) {
	for _, r := range n.Parameters() {
		if r.Key.TrackID == track && r.Key.Param == param {
			return r, true
		}
	}
	return paramsync.Record{}, false
}

func peerState(n *Node, id string) peers.State {
	for _, p := range n.Peers() {
		if p.ID == id {
			return p.State
		}
	}
	return 0
}

func TestConcurrentWritesConvergeOnGreatestWriter(t *testing.T) {
	nw := newNetwork()
	ids := []string{"a", "b", "c"}
	nodes := make(map[string]*Node)
	for _, id := range ids {
		var others []string
		for _, o := range ids {
			if o != id {
				others = append(others, o)
			}
		}
		nodes[id] = nw.add(t, testConfig(id, others...))
	}
	for id, n := range nodes {
		for _, o := range ids {
			if o != id {
				n.PeerJoined(o, rendezvous.Meta{Name: o})
			}
		}
	}

	ctx := context.Background()
	nw.hold()
	ra, err := nodes["a"].Write(ctx, "track-1", "volume", 0.5)
	require.NoError(t, err)
	rb, err := nodes["b"].Write(ctx, "track-1", "volume", 0.3)
	require.NoError(t, err)
	rc, err := nodes["c"].Write(ctx, "track-1", "volume", 0.8)
	require.NoError(t, err)
	assert.Equal(t, ra.TS, rb.TS)
	assert.Equal(t, rb.TS, rc.TS)
	nw.release()

	for _, id := range ids {
		n := nodes[id]
		require.Eventually(t, func() bool {
			r, ok := record(n, "track-1", "volume")
			return ok && r.Writer == "c"
		}, 2*time.Second, 10*time.Millisecond, "node %s", id)
		v, ok := n.Value("track-1", "volume")
		require.True(t, ok)
		assert.Equal(t, 0.8, v)
	}
}

func TestSilentPeerIsEvictedAndLeavesSession(t *testing.T) {
	nw := newNetwork()
	fast := func(cfg *config.Config) *config.Config {
		cfg.Heartbeat = config.HeartbeatConfig{IntervalMS: 50, TimeoutMS: 100, SuspectAfter: 1, EvictAfter: 3}
		cfg.Router.RetryBaseMS = 10
		cfg.Router.SendTimeoutMS = 200
		return cfg
	}
	a := nw.add(t, fast(testConfig("a", "b", "c")))
	b := nw.add(t, fast(testConfig("b", "a", "c")))
	c := nw.add(t, fast(testConfig("c", "a", "b")))

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, n := range []*Node{a, b, c} {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			_ = n.Run(ctx)
		}(n)
	}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	for _, n := range []*Node{a, b, c} {
		require.Eventually(t, func() bool { return len(n.Peers()) == 2 }, 2*time.Second, 10*time.Millisecond)
	}

	s, err := a.CreateSession(ctx)
	require.NoError(t, err)
	for _, n := range []*Node{b, c} {
		require.Eventually(t, func() bool {
			_, err := n.Session(s.ID)
			return err == nil
		}, 2*time.Second, 10*time.Millisecond)
		_, err := n.JoinSession(ctx, s.ID)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		got, err := a.Session(s.ID)
		return err == nil && got.HasMember("b") && got.HasMember("c")
	}, 2*time.Second, 10*time.Millisecond)

	nw.isolate("b")

	for _, n := range []*Node{a, c} {
		require.Eventually(t, func() bool { return peerState(n, "b") == peers.StateEvicted }, 5*time.Second, 20*time.Millisecond)
		assert.NotEqual(t, peers.StateEvicted, peerState(n, otherThan(n, "b")))
	}
	require.Eventually(t, func() bool {
		got, err := a.Session(s.ID)
		return err == nil && !got.HasMember("b")
	}, 2*time.Second, 10*time.Millisecond)
	got, err := a.Session(s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateActive, got.State)
	assert.True(t, got.HasMember("c"))
}

func otherThan(n *Node, gone string) string {
	for _, id := range []string{"a", "b", "c"} {
		if id != n.ID() && id != gone {
			return id
		}
	}
	return ""
}

// Every router peers with every other one and with a target none of them
// can reach, so relays could circle forever. The hop budget must end them.
func TestRelaysAroundACycleStopAtTheHopBudget(t *testing.T) {
	const budget = 3
	nw := newNetwork()
	ids := []string{"a", "b", "c", "d", "e"}
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		cfg := testConfig(id)
		cfg.Router.HopBudget = budget
		cfg.Router.RetryBaseMS = 1
		cfg.Router.SendTimeoutMS = 100
		nodes = append(nodes, nw.add(t, cfg))
	}
	for _, n := range nodes {
		for _, o := range append(ids, "target") {
			n.PeerJoined(o, rendezvous.Meta{})
		}
	}
	nw.isolate("target")

	forwarded := func() uint64 {
		var sum uint64
		for _, n := range nodes {
			sum += n.Status().Router.Forwarded
		}
		return sum
	}

	a := nodes[0]
	env, err := a.router.NewEnvelope(protocol.TypeParameterWrite, "target", protocol.ParameterWritePayload{
		Key:   protocol.ParamKey{TrackID: "t1", Param: "volume"},
		Value: 0.5,
	})
	require.NoError(t, err)
	res := <-a.router.Send(context.Background(), env, "target")
	require.NoError(t, res.Err)
	assert.Equal(t, router.StrategyRelay, res.Route.Strategy)

	require.Eventually(t, func() bool { return forwarded() == budget }, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return forwarded() > budget }, 500*time.Millisecond, 10*time.Millisecond)
	for _, n := range nodes {
		_, ok := record(n, "t1", "volume")
		assert.False(t, ok, "node %s", n.ID())
	}
}

func TestEvictionDropsTheLinkForGood(t *testing.T) {
	hub := mem.NewHub()
	start := func(cfg *config.Config) *Node {
		n, err := New(Options{Config: cfg, MemHub: hub, Logger: zap.NewNop()})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = n.Run(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
		return n
	}
	bcfg := testConfig("b")
	bcfg.Transports = []config.TransportConfig{{Kind: "mem", Listen: []string{"studio-b"}}}
	b := start(bcfg)
	acfg := testConfig("a")
	acfg.Net.DialBackoffInitialMS = 20
	a := start(acfg)

	b.PeerJoined("a", rendezvous.Meta{})
	a.PeerJoined("b", rendezvous.Meta{Addr: "mem://studio-b"})
	require.Eventually(t, func() bool { return len(a.Links()) == 1 && len(b.Links()) == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.reg.RemovePeer("b"))
	require.Eventually(t, func() bool { return len(a.Links()) == 0 && len(b.Links()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(a.Links()) > 0 }, 300*time.Millisecond, 10*time.Millisecond)
}

func TestPeerLeftRemovesPeer(t *testing.T) {
	nw := newNetwork()
	a := nw.add(t, testConfig("a"))
	a.PeerJoined("b", rendezvous.Meta{Name: "Bob"})
	a.PeerJoined("a", rendezvous.Meta{})
	require.Len(t, a.Peers(), 1)
	assert.Equal(t, "Bob", a.Peers()[0].Name)

	a.PeerLeft("b")
	assert.Equal(t, peers.StateEvicted, peerState(a, "b"))
	assert.Empty(t, a.Links())
}

func TestClosedNodeRejectsWrites(t *testing.T) {
	nw := newNetwork()
	a := nw.add(t, testConfig("a"))
	a.Close()
	a.Close()
	_, err := a.Write(context.Background(), "t", "volume", 0.5)
	assert.ErrorIs(t, err, ErrNodeClosed)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	cfg := testConfig("a")
	cfg.PayloadFormat = "xml"
	_, err = New(Options{Config: cfg, Link: endpoint{nw: newNetwork(), from: "a"}})
	assert.Error(t, err)
}
