package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnSession adapts a stream-oriented net.Conn to a Session with a single
// frame stream.
type ConnSession struct {
	kind Kind
	c    net.Conn
	fc   *FrameConn

	mu            sync.Mutex
	peer          PeerInfo
	establishedAt time.Time
	lastSeen      atomic.Int64
	closeOnce     sync.Once
}

func NewConnSession(kind Kind, c net.Conn, peer PeerInfo) *ConnSession {
	return &ConnSession{kind: kind, c: c, fc: NewFrameConn(c), peer: peer, establishedAt: time.Now()}
}

func (s *ConnSession) Peer() PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *ConnSession) SetPeer(pi PeerInfo) {
	s.mu.Lock()
	s.peer = pi
	s.mu.Unlock()
}

func (s *ConnSession) TransportKind() Kind  { return s.kind }
func (s *ConnSession) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *ConnSession) RemoteAddr() net.Addr { return s.c.RemoteAddr() }

func (s *ConnSession) OpenStream(context.Context) (Stream, error)   { return s, nil }
func (s *ConnSession) AcceptStream(context.Context) (Stream, error) { return s, nil }

func (s *ConnSession) Quality() Quality {
	q := Quality{EstablishedAt: s.establishedAt}
	if ns := s.lastSeen.Load(); ns > 0 {
		q.LastSeen = time.Unix(0, ns)
	}
	return q
}

func (s *ConnSession) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.c.Close() })
	return err
}

// SendBytes writes one frame, giving up when ctx ends. A write that fails
// part way closes the session.
func (s *ConnSession) SendBytes(ctx context.Context, b []byte) error {
	if err := s.fc.WriteFrame(ctx, b); err != nil {
		if errors.Is(err, ErrStreamBroken) {
			_ = s.Close()
		}
		return err
	}
	s.lastSeen.Store(time.Now().UnixNano())
	return nil
}

func (s *ConnSession) RecvBytes() ([]byte, error) {
	b, err := s.fc.ReadFrame()
	if err != nil {
		return nil, err
	}
	s.lastSeen.Store(time.Now().UnixNano())
	return b, nil
}
