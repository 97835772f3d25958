// Package mem is an in-process transport over net.Pipe. Transports created
// from the same Hub can reach each other by listener name.
package mem

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"jammesh/pkg/transport"
)

var (
	ErrAddrInUse    = errors.New("mem: listener already exists")
	ErrNoListener   = errors.New("mem: no such listener")
	ErrListenClosed = errors.New("mem: listener closed")
)

// Hub is a namespace of listeners.
type Hub struct {
	mu        sync.Mutex
	listeners map[string]*listener
}

func NewHub() *Hub { return &Hub{listeners: make(map[string]*listener)} }

// DefaultHub is shared by transports built with New.
var DefaultHub = NewHub()

type Transport struct {
	hub *Hub
}

// New returns a transport on DefaultHub.
func New() *Transport { return &Transport{hub: DefaultHub} }

// NewOn returns a transport on hub.
func NewOn(hub *Hub) *Transport { return &Transport{hub: hub} }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	if _, ok := t.hub.listeners[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, name)
	}
	l := &listener{hub: t.hub, name: name, newCh: make(chan transport.Session), closeCh: make(chan struct{})}
	t.hub.listeners[name] = l
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string, peer transport.PeerInfo) (transport.Session, error) {
	t.hub.mu.Lock()
	l := t.hub.listeners[name]
	t.hub.mu.Unlock()
	if l == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoListener, name)
	}
	c1, c2 := net.Pipe()
	srv := transport.NewConnSession(transport.KindMem, c1, transport.PeerInfo{
		ID:   transport.TempPeerID(transport.KindMem, memAddr(name)),
		Addr: name,
	})
	peer.Addr = name
	peer.Outbound = true
	cli := transport.NewConnSession(transport.KindMem, c2, peer)
	select {
	case l.newCh <- srv:
		return cli, nil
	case <-l.closeCh:
	case <-ctx.Done():
	}
	_ = srv.Close()
	_ = cli.Close()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, ErrListenClosed
}

type listener struct {
	hub     *Hub
	name    string
	newCh   chan transport.Session
	closeCh chan struct{}
	once    sync.Once
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, ErrListenClosed
	case s := <-l.newCh:
		return s, nil
	}
}

func (l *listener) Close() error {
	l.once.Do(func() {
		l.hub.mu.Lock()
		if l.hub.listeners[l.name] == l {
			delete(l.hub.listeners, l.name)
		}
		l.hub.mu.Unlock()
		close(l.closeCh)
	})
	return nil
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }
