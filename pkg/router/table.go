package router

import (
	"container/heap"
	"sort"
	"time"

	"jammesh/pkg/peers"
)

// Strategy is how a peer is currently reached.
type Strategy uint8

const (
	StrategyUnreachable Strategy = iota
	StrategyDirect
	StrategyRelay
)

// RoutingEntry is the derived route to one peer.
type RoutingEntry struct {
	Peer     string
	Strategy Strategy
	Via      string // set for StrategyRelay
}

func (e RoutingEntry) String() string {
	switch e.Strategy {
	case StrategyDirect:
		return "direct"
	case StrategyRelay:
		return "relay-via:" + e.Via
	default:
		return "unreachable"
	}
}

// buildTable derives routes from a registry snapshot. Connected peers are
// direct. A suspected peer is relayed through the first hop of the cheapest
// path over advertised adjacency; without one it is relayed blindly through
// the lowest-latency connected peer, and with no connected peer at all it is
// still tried directly.
func buildTable(local string, snapshot []peers.Peer) map[string]RoutingEntry {
	table := make(map[string]RoutingEntry, len(snapshot))
	g := buildGraph(local, snapshot)
	connected := byLatency(snapshot, func(p peers.Peer) bool { return p.State == peers.StateConnected })
	for _, p := range snapshot {
		e := RoutingEntry{Peer: p.ID}
		switch p.State {
		case peers.StateConnected:
			e.Strategy = StrategyDirect
		case peers.StateSuspected:
			e.Strategy = StrategyRelay
			if path := g.shortestPath(local, p.ID); len(path) >= 3 {
				e.Via = path[1]
			} else if len(connected) > 0 {
				e.Via = connected[0].ID
			} else {
				e.Strategy = StrategyDirect
			}
		}
		table[p.ID] = e
	}
	return table
}

// byLatency filters snapshot and sorts by RTT; peers without samples last.
func byLatency(snapshot []peers.Peer, keep func(peers.Peer) bool) []peers.Peer {
	var out []peers.Peer
	for _, p := range snapshot {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return latencyKey(out[i]) < latencyKey(out[j]) })
	return out
}

func latencyKey(p peers.Peer) time.Duration {
	if p.RTTSamples == 0 {
		return time.Hour
	}
	return p.RTT
}

// ---- Graph + Dijkstra ----

type graph struct {
	adj map[string]map[string]float64 // from -> (to -> weight)
}

const remoteEdgeCost = 100.0

func buildGraph(local string, snapshot []peers.Peer) graph {
	g := graph{adj: make(map[string]map[string]float64)}
	add := func(from, to string, w float64) {
		if g.adj[from] == nil {
			g.adj[from] = make(map[string]float64)
		}
		g.adj[from][to] = w
	}
	live := make(map[string]bool, len(snapshot))
	for _, p := range snapshot {
		live[p.ID] = p.Live()
	}
	for _, p := range snapshot {
		if p.State != peers.StateConnected {
			continue
		}
		// local edges use measured latency, remote ones a flat heuristic
		add(local, p.ID, 1+float64(latencyKey(p))/float64(time.Millisecond))
		for _, n := range p.Neighbors {
			if n != local && n != p.ID && live[n] {
				add(p.ID, n, remoteEdgeCost)
			}
		}
	}
	return g
}

func (g graph) shortestPath(src, dst string) []string {
	dist := map[string]float64{src: 0}
	prev := map[string]string{}
	pq := &nodePQ{}
	heap.Push(pq, nodeItem{id: src, prio: 0})
	visited := map[string]bool{}

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(nodeItem)
		if visited[cur.id] {
			continue
		}
		visited[cur.id] = true
		if cur.id == dst {
			break
		}
		for nb, w := range g.adj[cur.id] {
			nd := dist[cur.id] + w
			if old, ok := dist[nb]; !ok || nd < old {
				dist[nb] = nd
				prev[nb] = cur.id
				heap.Push(pq, nodeItem{id: nb, prio: nd})
			}
		}
	}
	if !visited[dst] {
		return nil
	}
	var path []string
	for at := dst; ; at = prev[at] {
		path = append([]string{at}, path...)
		if at == src {
			return path
		}
	}
}

type nodeItem struct {
	id   string
	prio float64
}

type nodePQ []nodeItem

func (p nodePQ) Len() int            { return len(p) }
func (p nodePQ) Less(i, j int) bool  { return p[i].prio < p[j].prio }
func (p nodePQ) Swap(i, j int)       { p[i], p[j] = p[j], p[i] }
func (p *nodePQ) Push(x interface{}) { *p = append(*p, x.(nodeItem)) }
func (p *nodePQ) Pop() interface{} {
	old := *p
	n := len(old)
	it := old[n-1]
	*p = old[:n-1]
	return it
}
