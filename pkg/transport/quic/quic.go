// Package quic carries mesh frames over a single bidirectional QUIC stream
// per connection. Certificates are ephemeral and unverified; peers name
// themselves in the link hello.
package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"math/big"
	"net"
	"sync"
	"sync/atomic"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"jammesh/pkg/transport"
)

const alpn = "jammesh"

type Transport struct {
	serverTLS *tls.Config
	clientTLS *tls.Config
	conf      *quicgo.Config
}

func New() (*Transport, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	return &Transport{
		serverTLS: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpn},
			MinVersion:   tls.VersionTLS13,
		},
		clientTLS: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{alpn},
			MinVersion:         tls.VersionTLS13,
		},
		conf: &quicgo.Config{
			KeepAlivePeriod: 5 * time.Second,
			MaxIdleTimeout:  30 * time.Second,
		},
	}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
	l, err := quicgo.ListenAddr(address, t.serverTLS, t.conf)
	if err != nil {
		return nil, err
	}
	ql := &listener{l: l}
	go func() {
		<-ctx.Done()
		_ = ql.Close()
	}()
	return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string, peer transport.PeerInfo) (transport.Session, error) {
	c, err := quicgo.DialAddr(ctx, address, t.clientTLS, t.conf)
	if err != nil {
		return nil, err
	}
	peer.Addr = address
	peer.Outbound = true
	return newSession(c, peer), nil
}

type listener struct {
	l    *quicgo.Listener
	once sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
	c, err := l.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	raddr := c.RemoteAddr()
	return newSession(c, transport.PeerInfo{
		ID:   transport.TempPeerID(transport.KindQUIC, raddr),
		Addr: raddr.String(),
	}), nil
}

func (l *listener) Close() error {
	var err error
	l.once.Do(func() { err = l.l.Close() })
	return err
}

type session struct {
	c             *quicgo.Conn
	establishedAt time.Time
	lastSeen      atomic.Int64

	mu   sync.Mutex
	peer transport.PeerInfo

	smu  sync.Mutex
	ctrl *stream
}

func newSession(c *quicgo.Conn, peer transport.PeerInfo) *session {
	return &session{c: c, peer: peer, establishedAt: time.Now()}
}

func (s *session) Peer() transport.PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *session) SetPeer(pi transport.PeerInfo) {
	s.mu.Lock()
	s.peer = pi
	s.mu.Unlock()
}

func (s *session) TransportKind() transport.Kind { return transport.KindQUIC }
func (s *session) LocalAddr() net.Addr          { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr         { return s.c.RemoteAddr() }

// OpenStream returns the control stream. The dialer opens it; the accepting
// side waits for it.
func (s *session) OpenStream(ctx context.Context) (transport.Stream, error) {
	s.smu.Lock()
	defer s.smu.Unlock()
	if s.ctrl != nil {
		return s.ctrl, nil
	}
	var (
		qs  *quicgo.Stream
		err error
	)
	if s.Peer().Outbound {
		qs, err = s.c.OpenStreamSync(ctx)
	} else {
		qs, err = s.c.AcceptStream(ctx)
	}
	if err != nil {
		return nil, err
	}
	s.ctrl = &stream{qs: qs, fc: transport.NewFrameConn(qs), parent: s}
	return s.ctrl, nil
}

func (s *session) AcceptStream(ctx context.Context) (transport.Stream, error) {
	return s.OpenStream(ctx)
}

func (s *session) Quality() transport.Quality {
	q := transport.Quality{EstablishedAt: s.establishedAt}
	if ns := s.lastSeen.Load(); ns > 0 {
		q.LastSeen = time.Unix(0, ns)
	}
	return q
}

func (s *session) Close() error { return s.c.CloseWithError(0, "") }

type stream struct {
	qs     *quicgo.Stream
	fc     *transport.FrameConn
	parent *session
}

func (st *stream) SendBytes(ctx context.Context, b []byte) error {
	if err := st.fc.WriteFrame(ctx, b); err != nil {
		if errors.Is(err, transport.ErrStreamBroken) {
			_ = st.parent.Close()
		}
		return err
	}
	st.parent.lastSeen.Store(time.Now().UnixNano())
	return nil
}

func (st *stream) RecvBytes() ([]byte, error) {
	b, err := st.fc.ReadFrame()
	if err != nil {
		return nil, err
	}
	st.parent.lastSeen.Store(time.Now().UnixNano())
	return b, nil
}

func (st *stream) Close() error { return st.qs.Close() }

func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
