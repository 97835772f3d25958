// Package transport defines the link layer the mesh runs on: sessions to
// peers carrying length-prefixed frames, and a manager that keeps one
// canonical session per peer.
package transport

import (
	"context"
	"net"
	"time"
)

// Kind identifies the link type for session ranking.
type Kind int

const (
	KindUnknown Kind = iota
	KindQUIC
	KindTCP
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindQUIC:
		return "quic"
	case KindTCP:
		return "tcp"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) Kind {
	switch s {
	case "quic":
		return KindQUIC
	case "tcp":
		return KindTCP
	case "mem":
		return KindMem
	default:
		return KindUnknown
	}
}

// PeerID is the mesh node id of the remote end, or a temporary id until the
// link hello names it.
type PeerID string

type PeerInfo struct {
	ID       PeerID
	Addr     string // transport-dependent address string
	Outbound bool   // this node dialed the session
}

// Quality is used by the manager to rank duplicate sessions.
type Quality struct {
	RTT           time.Duration
	EstablishedAt time.Time
	LastSeen      time.Time
}

// Stream carries whole frames. Exactly one reader and one writer goroutine
// are expected.
type Stream interface {
	SendBytes(ctx context.Context, b []byte) error
	RecvBytes() ([]byte, error)
	Close() error
}

// Session is a connection to one peer. Transports without multiplexing
// return the same stream from OpenStream and AcceptStream.
type Session interface {
	Peer() PeerInfo
	SetPeer(PeerInfo)
	TransportKind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// OpenStream returns the session's frame stream, opening it if needed.
	OpenStream(ctx context.Context) (Stream, error)
	// AcceptStream waits for the stream the remote end opened.
	AcceptStream(ctx context.Context) (Stream, error)

	Quality() Quality
	Close() error
}

// Listener accepts inbound sessions.
type Listener interface {
	// Accept blocks until an inbound session is available or ctx is done.
	Accept(ctx context.Context) (Session, error)
	Addr() net.Addr
	Close() error
}

// Transport dials and listens for one link kind.
type Transport interface {
	Kind() Kind
	Listen(ctx context.Context, address string) (Listener, error)
	Dial(ctx context.Context, address string, peer PeerInfo) (Session, error)
}
