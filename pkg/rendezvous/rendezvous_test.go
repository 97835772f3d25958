package rendezvous

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"jammesh/pkg/config"
)

type recordingSink struct {
	joined []string
	metas  []Meta
	left   []string
}

func (s *recordingSink) PeerJoined(id string, meta Meta) {
	s.joined = append(s.joined, id)
	s.metas = append(s.metas, meta)
}

func (s *recordingSink) PeerLeft(id string) { s.left = append(s.left, id) }

func TestStaticAnnouncesConfiguredPeers(t *testing.T) {
	sink := &recordingSink{}
	st := NewStatic([]config.PeerConfig{
		{ID: "bob", Name: "Bob", Addr: "tcp://10.0.0.2:7700"},
		{ID: "carol"},
	}, zap.NewNop())
	require.NoError(t, st.Run(context.Background(), sink))
	assert.Equal(t, []string{"bob", "carol"}, sink.joined)
	assert.Equal(t, Meta{Name: "Bob", Addr: "tcp://10.0.0.2:7700"}, sink.metas[0])
	assert.Empty(t, sink.left)
}

func TestPumpForwardsUntilClosed(t *testing.T) {
	sink := &recordingSink{}
	events := make(chan Event, 3)
	events <- Event{ID: "bob"}
	events <- Event{ID: "carol"}
	events <- Event{ID: "bob", Left: true}
	close(events)
	require.NoError(t, Pump(context.Background(), events, sink))
	assert.Equal(t, []string{"bob", "carol"}, sink.joined)
	assert.Equal(t, []string{"bob"}, sink.left)
}
