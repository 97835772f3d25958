package router

import (
	"sort"

	"jammesh/pkg/protocol"
)

// reorderBuffer restores per-link send order for one sender. Frames ahead of
// the expected sequence wait until the gap fills, the window overflows or the
// flush timer fires; frames behind it (retransmissions, restarts) pass
// straight through and are left to duplicate suppression.
type reorderBuffer struct {
	next    uint32
	depth   int
	pending map[uint32]*protocol.Envelope

	timerGen   uint64
	timerArmed bool
}

func newReorderBuffer(depth int) *reorderBuffer {
	return &reorderBuffer{next: 1, depth: depth, pending: make(map[uint32]*protocol.Envelope)}
}

// push returns the envelopes that are ready, in order.
func (b *reorderBuffer) push(env *protocol.Envelope) []*protocol.Envelope {
	seq := env.Seq
	switch {
	case seq == 0 || seq < b.next:
		return []*protocol.Envelope{env}
	case seq == b.next:
		b.next++
		return b.drain([]*protocol.Envelope{env})
	}
	if _, dup := b.pending[seq]; dup {
		return nil
	}
	b.pending[seq] = env
	if len(b.pending) > b.depth {
		return b.flush()
	}
	return nil
}

func (b *reorderBuffer) drain(out []*protocol.Envelope) []*protocol.Envelope {
	for {
		env, ok := b.pending[b.next]
		if !ok {
			return out
		}
		delete(b.pending, b.next)
		out = append(out, env)
		b.next++
	}
}

// flush gives up on missing frames and releases everything buffered.
func (b *reorderBuffer) flush() []*protocol.Envelope {
	if len(b.pending) == 0 {
		return nil
	}
	seqs := make([]uint32, 0, len(b.pending))
	for s := range b.pending {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	out := make([]*protocol.Envelope, 0, len(seqs))
	for _, s := range seqs {
		out = append(out, b.pending[s])
		delete(b.pending, s)
	}
	b.next = seqs[len(seqs)-1] + 1
	return out
}

func (b *reorderBuffer) buffered() int { return len(b.pending) }
