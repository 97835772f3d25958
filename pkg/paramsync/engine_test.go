package paramsync

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"jammesh/pkg/protocol"
	"jammesh/pkg/protocol/codec"
	"jammesh/pkg/router"
)

type fakeSender struct {
	local   string
	clock   *protocol.Clock
	codecs  *codec.Registry
	release chan struct{}

	mu   sync.Mutex
	sent []*protocol.Envelope
}

func newFakeSender(local string) *fakeSender {
	release := make(chan struct{})
	close(release)
	return &fakeSender{local: local, clock: &protocol.Clock{}, codecs: codec.NewRegistry(), release: release}
}

func (s *fakeSender) LocalID() string { return s.local }

func (s *fakeSender) NewEnvelope(typ protocol.Type, to string, payload any) (*protocol.Envelope, error) {
	env := &protocol.Envelope{Type: typ, From: s.local, To: to, TS: s.clock.Tick()}
	return env, env.SetPayload(s.codecs, protocol.FormatCBOR, payload)
}

func (s *fakeSender) DecodePayload(env *protocol.Envelope, v any) error {
	return env.DecodePayload(s.codecs, v)
}

func (s *fakeSender) Send(_ context.Context, env *protocol.Envelope, target string) <-chan router.Result {
	s.mu.Lock()
	s.sent = append(s.sent, env)
	release := s.release
	s.mu.Unlock()
	ch := make(chan router.Result, 1)
	go func() {
		<-release
		ch <- router.Result{Target: target}
		close(ch)
	}()
	return ch
}

func (s *fakeSender) envelopes() []*protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Envelope(nil), s.sent...)
}

type node struct {
	e       *Engine
	out     *fakeSender
	mu      sync.Mutex
	changes []Change
}

func newNode(t *testing.T, id string) *node {
	t.Helper()
	n := &node{out: newFakeSender(id)}
	n.e = New(n.out, Options{Logger: zap.NewNop()})
	n.e.Subscribe(func(c Change) {
		n.mu.Lock()
		n.changes = append(n.changes, c)
		n.mu.Unlock()
	})
	t.Cleanup(n.e.Close)
	return n
}

func (n *node) seen() []Change {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Change(nil), n.changes...)
}

// receive models the router: observe the stamp, then hand the envelope over.
func (n *node) receive(env *protocol.Envelope) {
	n.out.clock.Observe(env.TS)
	n.e.HandleEnvelope(env)
}

func writeEnv(t *testing.T, from string, ts uint64, key Key, value float64) *protocol.Envelope {
	t.Helper()
	return writeEnvAs(t, protocol.FormatJSON, from, ts, key, value)
}

func writeEnvAs(t *testing.T, format protocol.Format, from string, ts uint64, key Key, value float64) *protocol.Envelope {
	t.Helper()
	env := &protocol.Envelope{Type: protocol.TypeParameterWrite, From: from, TS: ts}
	require.NoError(t, env.SetPayload(codec.NewRegistry(), format, protocol.ParameterWritePayload{
		Key:   protocol.ParamKey{TrackID: key.TrackID, Param: key.Param},
		Value: value,
	}))
	return env
}

var volume = Key{TrackID: "t1", Param: "volume"}

func TestWriteIsOptimisticAndClearsPendingAck(t *testing.T) {
	n := newNode(t, "a")
	n.out.release = make(chan struct{})

	rec, err := n.e.Write(context.Background(), volume, 0.5)
	require.NoError(t, err)
	assert.True(t, rec.PendingAck)
	assert.Equal(t, "a", rec.Writer)
	assert.Equal(t, uint64(1), rec.TS)

	v, ok := n.e.Value(volume)
	require.True(t, ok)
	assert.Equal(t, 0.5, v)
	require.Len(t, n.seen(), 1)
	assert.True(t, n.seen()[0].Local)

	sent := n.out.envelopes()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Broadcast())

	close(n.out.release)
	require.Eventually(t, func() bool {
		r, _ := n.e.Get(volume)
		return !r.PendingAck
	}, time.Second, time.Millisecond)
}

func TestWriteValidation(t *testing.T) {
	n := newNode(t, "a")
	_, err := n.e.Write(context.Background(), volume, math.NaN())
	assert.ErrorIs(t, err, ErrInvalidValue)
	_, err = n.e.Write(context.Background(), Key{Param: "volume"}, 1)
	assert.ErrorIs(t, err, ErrInvalidKey)

	rec, err := n.e.Write(context.Background(), volume, 3)
	require.NoError(t, err)
	assert.Equal(t, 1.0, rec.Value)
	rec, err = n.e.Write(context.Background(), Key{TrackID: "t1", Param: "filterFrequency"}, 5)
	require.NoError(t, err)
	assert.Equal(t, 20.0, rec.Value)
	rec, err = n.e.Write(context.Background(), Key{TrackID: "t1", Param: "custom"}, 1234)
	require.NoError(t, err)
	assert.Equal(t, 1234.0, rec.Value)
}

func TestLastWriterWins(t *testing.T) {
	tests := []struct {
		name   string
		writes []*protocol.Envelope
		want   float64
		writer string
	}{
		{
			name:   "later timestamp wins",
			writes: []*protocol.Envelope{writeEnv(t, "b", 5, volume, 0.2), writeEnv(t, "a", 4, volume, 0.9)},
			want:   0.2, writer: "b",
		},
		{
			name:   "tie broken by writer id",
			writes: []*protocol.Envelope{writeEnv(t, "c", 7, volume, 0.8), writeEnv(t, "b", 7, volume, 0.3)},
			want:   0.8, writer: "c",
		},
		{
			name:   "tie broken by writer id in any order",
			writes: []*protocol.Envelope{writeEnv(t, "b", 7, volume, 0.3), writeEnv(t, "c", 7, volume, 0.8)},
			want:   0.8, writer: "c",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n := newNode(t, "z")
			for _, env := range tc.writes {
				n.receive(env)
			}
			rec, ok := n.e.Get(volume)
			require.True(t, ok)
			assert.Equal(t, tc.want, rec.Value)
			assert.Equal(t, tc.writer, rec.Writer)
			assert.False(t, rec.PendingAck)
		})
	}
}

func TestDuplicateAndStaleWritesDoNotNotify(t *testing.T) {
	n := newNode(t, "z")
	env := writeEnv(t, "b", 3, volume, 0.4)
	n.receive(env)
	n.receive(env)
	n.receive(writeEnv(t, "a", 2, volume, 0.1))
	assert.Len(t, n.seen(), 1)

	// a newer write with the same value is accepted but invisible
	n.receive(writeEnv(t, "b", 9, volume, 0.4))
	assert.Len(t, n.seen(), 1)
	rec, _ := n.e.Get(volume)
	assert.Equal(t, uint64(9), rec.TS)
}

func TestRemoteValuesAreClampedAndNonFiniteDropped(t *testing.T) {
	n := newNode(t, "z")
	n.receive(writeEnv(t, "b", 1, volume, 7))
	v, _ := n.e.Value(volume)
	assert.Equal(t, 1.0, v)
	require.Len(t, n.seen(), 1)

	// JSON can not carry these; CBOR can
	pan := Key{TrackID: "t1", Param: "pan"}
	for i, bad := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		n.receive(writeEnvAs(t, protocol.FormatCBOR, "b", uint64(2+i), pan, bad))
		n.receive(writeEnvAs(t, protocol.FormatCBOR, "b", uint64(5+i), volume, bad))
	}
	_, ok := n.e.Get(pan)
	assert.False(t, ok)
	v, _ = n.e.Value(volume)
	assert.Equal(t, 1.0, v)
	assert.Len(t, n.seen(), 1)
}

// Concurrent writers race on one key; every subscriber must see that key's
// changes in the order the register accepted them, ending on the winner.
func TestChangesOfOneKeyArriveInApplyOrder(t *testing.T) {
	n := newNode(t, "z")
	var (
		mu     sync.Mutex
		stamps []uint64
	)
	n.e.Subscribe(func(c Change) {
		mu.Lock()
		stamps = append(stamps, c.TS)
		mu.Unlock()
		// widen the window between apply and delivery
		time.Sleep(time.Microsecond)
	})

	batches := make([][]*protocol.Envelope, 8)
	for w := range batches {
		for i := 0; i < 50; i++ {
			ts := uint64(i*8 + w + 1)
			batches[w] = append(batches[w], writeEnvAs(t, protocol.FormatCBOR, fmt.Sprintf("w%d", w), ts, volume, float64(ts)/1000))
		}
	}
	var wg sync.WaitGroup
	for _, batch := range batches {
		wg.Add(1)
		go func(batch []*protocol.Envelope) {
			defer wg.Done()
			for _, env := range batch {
				n.e.HandleEnvelope(env)
			}
		}(batch)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, stamps)
	for i := 1; i < len(stamps); i++ {
		require.Greater(t, stamps[i], stamps[i-1], "change %d arrived out of order", i)
	}
	rec, _ := n.e.Get(volume)
	assert.Equal(t, rec.TS, stamps[len(stamps)-1])
}

// Three nodes write the same key at the same Lamport time; every node must
// settle on the write of the greatest writer id no matter the arrival order.
func TestConcurrentWritesConverge(t *testing.T) {
	a, b, c := newNode(t, "A"), newNode(t, "B"), newNode(t, "C")
	nodes := []*node{a, b, c}
	values := map[*node]float64{a: 0.5, b: 0.3, c: 0.8}
	for _, n := range nodes {
		_, err := n.e.Write(context.Background(), volume, values[n])
		require.NoError(t, err)
	}
	for _, src := range nodes {
		for _, dst := range nodes {
			if src == dst {
				continue
			}
			for _, env := range src.out.envelopes() {
				dst.receive(env)
			}
		}
	}
	for _, n := range nodes {
		rec, ok := n.e.Get(volume)
		require.True(t, ok)
		assert.Equal(t, 0.8, rec.Value, n.out.local)
		assert.Equal(t, "C", rec.Writer, n.out.local)
	}
}

func TestLocalWriteAfterObservingBeatsRemote(t *testing.T) {
	n := newNode(t, "a")
	n.receive(writeEnv(t, "b", 40, volume, 0.2))
	rec, err := n.e.Write(context.Background(), volume, 0.6)
	require.NoError(t, err)
	assert.Greater(t, rec.TS, uint64(40))
	v, _ := n.e.Value(volume)
	assert.Equal(t, 0.6, v)
}

func TestRemoveTrackTombstonesAndRevives(t *testing.T) {
	n := newNode(t, "a")
	other := Key{TrackID: "t2", Param: "volume"}
	for _, k := range []Key{volume, {TrackID: "t1", Param: "pan"}, other} {
		_, err := n.e.Write(context.Background(), k, 0.5)
		require.NoError(t, err)
	}
	removed, err := n.e.RemoveTrack(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := n.e.Value(volume)
	assert.False(t, ok)
	_, ok = n.e.Value(other)
	assert.True(t, ok)
	last := n.seen()[len(n.seen())-1]
	assert.True(t, last.Removed)

	// tombstones replicate as ordinary writes
	peer := newNode(t, "b")
	for _, env := range n.out.envelopes() {
		peer.receive(env)
	}
	_, ok = peer.e.Value(volume)
	assert.False(t, ok)

	_, err = n.e.Write(context.Background(), volume, 0.7)
	require.NoError(t, err)
	v, ok := n.e.Value(volume)
	require.True(t, ok)
	assert.Equal(t, 0.7, v)
}

func TestReplayKeepsOriginalStamps(t *testing.T) {
	n := newNode(t, "a")
	n.receive(writeEnv(t, "b", 10, volume, 0.25))
	_, err := n.e.Write(context.Background(), Key{TrackID: "t1", Param: "pan"}, -0.5)
	require.NoError(t, err)
	before := len(n.out.envelopes())

	count, err := n.e.Replay(context.Background(), "late")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	replayed := n.out.envelopes()[before:]
	require.Len(t, replayed, 2)

	late := newNode(t, "late")
	for _, env := range replayed {
		assert.Equal(t, "late", env.To)
		late.receive(env)
	}
	assert.Equal(t, n.e.Snapshot()[0].Value, late.e.Snapshot()[0].Value)
	rec, ok := late.e.Get(volume)
	require.True(t, ok)
	assert.Equal(t, "b", rec.Writer)
	assert.Equal(t, uint64(10), rec.TS)
}

func TestWritesToDifferentKeysRunConcurrently(t *testing.T) {
	n := newNode(t, "a")
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := n.e.Write(context.Background(), Key{TrackID: fmt.Sprintf("t%d", i%4), Param: "volume"}, float64(i)/16)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	assert.Len(t, n.e.Snapshot(), 4)
}
