// Package rendezvous is the boundary to the service that tells a node which
// peers are in the room.
package rendezvous

import (
	"context"

	"go.uber.org/zap"

	"jammesh/pkg/config"
)

// Meta is what the rendezvous service knows about a peer.
type Meta struct {
	Name string
	Addr string // link endpoint, e.g. tcp://10.0.0.2:7700; may be empty
}

// Sink consumes membership events.
type Sink interface {
	PeerJoined(id string, meta Meta)
	PeerLeft(id string)
}

// Event is one membership change. Left distinguishes leave from join.
type Event struct {
	ID   string
	Meta Meta
	Left bool
}

// Pump forwards events to sink until ctx is done or events is closed.
func Pump(ctx context.Context, events <-chan Event, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Left {
				sink.PeerLeft(ev.ID)
			} else {
				sink.PeerJoined(ev.ID, ev.Meta)
			}
		}
	}
}

// Static announces a fixed set of peers once.
type Static struct {
	peers []config.PeerConfig
	log   *zap.Logger
}

func NewStatic(peers []config.PeerConfig, log *zap.Logger) *Static {
	if log == nil {
		log = zap.L()
	}
	return &Static{peers: peers, log: log}
}

// Run announces every configured peer and returns.
func (s *Static) Run(_ context.Context, sink Sink) error {
	for _, p := range s.peers {
		s.log.Debug("static peer", zap.String("peer", p.ID), zap.String("addr", p.Addr))
		sink.PeerJoined(p.ID, Meta{Name: p.Name, Addr: p.Addr})
	}
	return nil
}
