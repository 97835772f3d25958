// Package netstack owns the node's links: it listens and dials on the
// configured transports, names every new link with a hello frame, feeds
// received frames to the router and writes egress frames to the right
// session.
package netstack

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"jammesh/pkg/config"
	"jammesh/pkg/transport"
	"jammesh/pkg/transport/mem"
	tquic "jammesh/pkg/transport/quic"
	ttcp "jammesh/pkg/transport/tcp"
)

var (
	ErrNoLink   = errors.New("netstack: no link to peer")
	ErrStopped  = errors.New("netstack: stopped")
	ErrSelfLink = errors.New("netstack: link to self")
)

// ErrUnknownKind is returned for transport kinds this build does not carry.
type ErrUnknownKind string

func (e ErrUnknownKind) Error() string { return "unknown transport kind: " + string(e) }

// Inbound receives every frame after the link hello.
type Inbound interface {
	HandleFrame(link string, frame []byte)
}

// LinkEvents is told when a named link becomes canonical for a peer and
// when it goes away.
type LinkEvents interface {
	LinkUp(peerID, addr string)
	LinkDown(peerID string)
}

type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64 // randomization factor, 0..1
}

type Options struct {
	LocalID      string
	Backoff      Backoff
	HelloTimeout time.Duration
	MemHub       *mem.Hub // nil selects mem.DefaultHub
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Backoff.Initial <= 0 {
		o.Backoff.Initial = 500 * time.Millisecond
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 30 * time.Second
	}
	if o.Backoff.Jitter < 0 || o.Backoff.Jitter > 1 {
		o.Backoff.Jitter = 0.2
	}
	if o.HelloTimeout <= 0 {
		o.HelloTimeout = 5 * time.Second
	}
	if o.MemHub == nil {
		o.MemHub = mem.DefaultHub
	}
	if o.Logger == nil {
		o.Logger = zap.L()
	}
	return o
}

// Stack runs listeners, dial loops and per-link read loops. It implements
// pipeline.Link.
type Stack struct {
	local  string
	mgr    *transport.Manager
	in     Inbound
	events LinkEvents
	opts   Options
	log    *zap.Logger
	tempN  atomic.Uint64

	mu         sync.Mutex
	transports map[transport.Kind]transport.Transport
	listeners  []transport.Listener
	dialing    map[string]*dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(mgr *transport.Manager, in Inbound, events LinkEvents, opts Options) *Stack {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Stack{
		local:      opts.LocalID,
		mgr:        mgr,
		in:         in,
		events:     events,
		opts:       opts,
		log:        opts.Logger,
		transports: make(map[transport.Kind]transport.Transport),
		dialing:    make(map[string]*dialer),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start listens and dials per configuration. Kinds that fail to start are
// logged and skipped, matching how a node keeps running with a subset of
// its links.
func (s *Stack) Start(ctx context.Context, cfg []config.TransportConfig) error {
	for _, tc := range cfg {
		tr, err := s.transport(transport.ParseKind(tc.Kind))
		if err != nil {
			s.log.Warn("transport kind not available", zap.String("kind", tc.Kind), zap.Error(err))
			continue
		}
		for _, addr := range tc.Listen {
			if _, err := s.Listen(ctx, tr, addr); err != nil {
				s.log.Error("listen failed", zap.String("kind", tr.Kind().String()), zap.String("addr", addr), zap.Error(err))
			}
		}
		for _, d := range tc.Dial {
			s.Dial(tr, d.Address, d.PeerID)
		}
	}
	return nil
}

// NewByKind constructs a transport. Mem transports attach to hub.
func NewByKind(kind transport.Kind, hub *mem.Hub) (transport.Transport, error) {
	switch kind {
	case transport.KindTCP:
		return ttcp.New(), nil
	case transport.KindQUIC:
		return tquic.New()
	case transport.KindMem:
		return mem.NewOn(hub), nil
	default:
		return nil, ErrUnknownKind(kind.String())
	}
}

func (s *Stack) transport(kind transport.Kind) (transport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr := s.transports[kind]; tr != nil {
		return tr, nil
	}
	tr, err := NewByKind(kind, s.opts.MemHub)
	if err != nil {
		return nil, err
	}
	s.transports[kind] = tr
	return tr, nil
}

// ParseEndpoint splits "kind://address". A bare address is taken as tcp.
func ParseEndpoint(endpoint string) (transport.Kind, string, error) {
	scheme, addr, ok := strings.Cut(endpoint, "://")
	if !ok {
		return transport.KindTCP, endpoint, nil
	}
	kind := transport.ParseKind(strings.ToLower(scheme))
	if kind == transport.KindUnknown {
		return kind, "", ErrUnknownKind(scheme)
	}
	if addr == "" {
		return kind, "", fmt.Errorf("netstack: empty address in %q", endpoint)
	}
	return kind, addr, nil
}

// Connect dials endpoint ("tcp://host:port", "quic://host:port",
// "mem://name") in the background unless a dial loop for it already runs
// or a link to peerID is up.
func (s *Stack) Connect(endpoint, peerID string) error {
	if peerID != "" && s.mgr.GetSession(transport.PeerID(peerID)) != nil {
		return nil
	}
	kind, addr, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	tr, err := s.transport(kind)
	if err != nil {
		return err
	}
	s.Dial(tr, addr, peerID)
	return nil
}

// Listen starts an accept loop on addr and returns the bound address.
func (s *Stack) Listen(ctx context.Context, tr transport.Transport, addr string) (net.Addr, error) {
	if s.ctx.Err() != nil {
		return nil, ErrStopped
	}
	l, err := tr.Listen(s.ctx, addr)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	s.log.Info("listening", zap.String("kind", tr.Kind().String()), zap.String("addr", l.Addr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, l)
	}()
	return l.Addr(), nil
}

// SendFrame writes one frame on the canonical link to peerID.
func (s *Stack) SendFrame(ctx context.Context, peerID string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sess := s.mgr.GetSession(transport.PeerID(peerID))
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNoLink, peerID)
	}
	st, err := sess.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", peerID, err)
	}
	return st.SendBytes(ctx, frame)
}

// Links returns the peers with a canonical link.
func (s *Stack) Links() []string {
	ids := s.mgr.ListPeers()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !id.IsTemp() {
			out = append(out, string(id))
		}
	}
	return out
}

// Disconnect closes the link to peerID. A dial loop for it reconnects;
// use Forget to stop it.
func (s *Stack) Disconnect(peerID string) {
	if sess := s.mgr.GetSession(transport.PeerID(peerID)); sess != nil {
		_ = sess.Close()
	}
}

// Close stops listeners and dial loops, closes every link and waits for the
// read loops.
func (s *Stack) Close() {
	s.cancel()
	s.mu.Lock()
	ls := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for i := len(ls) - 1; i >= 0; i-- {
		_ = ls[i].Close()
	}
	s.mgr.CloseAll()
	s.wg.Wait()
}
