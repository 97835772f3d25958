package peers

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound  = errors.New("peers: not found")
	ErrEvicted   = errors.New("peers: evicted")
	ErrInvalidID = errors.New("peers: empty peer id")
)

// State is the liveness state of a remote peer.
type State uint8

const (
	StateConnected State = iota + 1
	StateSuspected
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateSuspected:
		return "suspected"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "connected":
		*s = StateConnected
	case "suspected":
		*s = StateSuspected
	case "evicted":
		*s = StateEvicted
	default:
		return fmt.Errorf("peers: unknown state %q", b)
	}
	return nil
}

// Meta is what the rendezvous service knows about a peer.
type Meta struct {
	Name   string
	Addr   string
	Labels map[string]string
}

// Peer is the registry view of one remote participant. Values returned by
// the registry are snapshots.
type Peer struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Addr       string            `json:"addr,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	State      State             `json:"state"`
	JoinedAt   time.Time         `json:"joined_at"`
	LastSeen   time.Time         `json:"last_seen"`
	RTT        time.Duration     `json:"rtt"` // EWMA
	RTTSamples int               `json:"rtt_samples"`
	Neighbors  []string          `json:"neighbors,omitempty"`
	MsgsIn     uint64            `json:"msgs_in"`
	MsgsOut    uint64            `json:"msgs_out"`

	// PurgeAt is when an evicted peer's tombstone expires.
	PurgeAt time.Time `json:"-"`
}

// Live reports whether the peer has not been evicted.
func (p Peer) Live() bool { return p.State == StateConnected || p.State == StateSuspected }

// HasNeighbor reports whether p advertised a direct link to id.
func (p Peer) HasNeighbor(id string) bool {
	for _, n := range p.Neighbors {
		if n == id {
			return true
		}
	}
	return false
}

// EventKind describes a registry change.
type EventKind uint8

const (
	EventAdded EventKind = iota + 1
	EventStateChanged
	EventEvicted
	EventNeighborsChanged
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventStateChanged:
		return "state-changed"
	case EventEvicted:
		return "evicted"
	case EventNeighborsChanged:
		return "neighbors-changed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after a change is committed.
type Event struct {
	Kind EventKind
	Peer Peer
	Prev State // zero for EventAdded of a new peer
}

// NetworkStats summarizes the registry for status displays.
type NetworkStats struct {
	Connected  int
	Suspected  int
	AvgLatency time.Duration
	MsgsIn     uint64
	MsgsOut    uint64
}
