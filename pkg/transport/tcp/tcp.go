// Package tcp carries mesh frames over plain TCP connections.
package tcp

import (
	"context"
	"net"
	"sync"

	"jammesh/pkg/transport"
)

type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	tl := &listener{l: l}
	go func() {
		<-ctx.Done()
		_ = tl.Close()
	}()
	return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	peer.Addr = address
	peer.Outbound = true
	return transport.NewConnSession(transport.KindTCP, c, peer), nil
}

type listener struct {
	l    net.Listener
	once sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := l.l.Accept()
		ch <- result{c, err}
	}()
	select {
	case <-ctx.Done():
		_ = l.Close()
		if r := <-ch; r.c != nil {
			_ = r.c.Close()
		}
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		raddr := r.c.RemoteAddr()
		return transport.NewConnSession(transport.KindTCP, r.c, transport.PeerInfo{
			ID:   transport.TempPeerID(transport.KindTCP, raddr),
			Addr: raddr.String(),
		}), nil
	}
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() { err = l.l.Close() })
	return err
}
