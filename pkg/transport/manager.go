package transport

import (
	"context"
	"sort"
	"sync"
	"time"
)

// replaceGrace is how long a replaced session stays open so frames already
// queued on it can drain.
const replaceGrace = 500 * time.Millisecond

// Manager keeps at most one canonical Session per peer and settles
// concurrent inbound and outbound links to the same peer.
type Manager struct {
	local PeerID

	mu    sync.RWMutex
	peers map[PeerID]Session
}

// NewManager returns a manager for the node local. The local id breaks ties
// between an inbound and an outbound link so both ends keep the same one.
func NewManager(local PeerID) *Manager {
	return &Manager{local: local, peers: make(map[PeerID]Session)}
}

// AddSession registers s under its current peer id. It returns false, and
// closes s, when an existing session is preferred.
func (m *Manager) AddSession(ctx context.Context, s Session) bool {
	pid := s.Peer().ID
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.peers[pid]
	if cur == nil {
		m.peers[pid] = s
		return true
	}
	if cur == s {
		return true
	}
	if m.better(s, cur) {
		m.peers[pid] = s
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(replaceGrace):
			}
			_ = cur.Close()
		}()
		return true
	}
	_ = s.Close()
	return false
}

// GetSession returns the canonical session for a peer, or nil.
func (m *Manager) GetSession(id PeerID) Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers[id]
}

// Remove clears the mapping for id if s is still its canonical session and
// reports whether it was.
func (m *Manager) Remove(id PeerID, s Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers[id] != s {
		return false
	}
	delete(m.peers, id)
	return true
}

// CloseAll closes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := m.peers
	m.peers = make(map[PeerID]Session)
	m.mu.Unlock()
	for _, s := range all {
		_ = s.Close()
	}
}

// ListPeers returns peer ids with a canonical session, sorted.
func (m *Manager) ListPeers() []PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RebindPeer moves the session registered under oldID to newID once the
// hello names the remote node. If newID already has a session the ranking
// decides which stays; the loser is closed. It reports whether the moved
// session is now canonical for newID.
func (m *Manager) RebindPeer(oldID, newID PeerID) bool {
	if newID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	moving := m.peers[oldID]
	if moving == nil {
		return false
	}
	if oldID == newID {
		return true
	}
	delete(m.peers, oldID)
	pi := moving.Peer()
	pi.ID = newID
	moving.SetPeer(pi)

	cur := m.peers[newID]
	if cur == nil {
		m.peers[newID] = moving
		return true
	}
	if m.better(moving, cur) {
		m.peers[newID] = moving
		go func() { _ = cur.Close() }()
		return true
	}
	go func() { _ = moving.Close() }()
	return false
}

// Preference order across kinds; higher is better.
func baseRank(k Kind) int {
	switch k {
	case KindMem:
		return 120
	case KindQUIC:
		return 100
	case KindTCP:
		return 90
	default:
		return 0
	}
}

// better decides whether a should replace b as canonical for the same peer.
func (m *Manager) better(a, b Session) bool {
	ra, rb := baseRank(a.TransportKind()), baseRank(b.TransportKind())
	if ra != rb {
		return ra > rb
	}
	pa, pb := a.Peer(), b.Peer()
	if pa.Outbound != pb.Outbound {
		// the link dialed by the smaller id survives on both ends
		return pa.Outbound == (m.local < pa.ID)
	}
	qa, qb := a.Quality(), b.Quality()
	if qa.RTT != qb.RTT && qa.RTT > 0 && qb.RTT > 0 {
		return qa.RTT < qb.RTT
	}
	return qa.EstablishedAt.After(qb.EstablishedAt)
}
