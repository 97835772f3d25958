package quic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jammesh/pkg/transport"
)

func TestLoopbackFrames(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr, err := New()
	require.NoError(t, err)
	l, err := tr.Listen(ctx, "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan transport.Session, 1)
	go func() {
		s, err := l.Accept(ctx)
		if err == nil {
			accepted <- s
		}
	}()
	cli, err := tr.Dial(ctx, l.Addr().String(), transport.PeerInfo{})
	require.NoError(t, err)
	defer cli.Close()
	assert.True(t, cli.Peer().Outbound)

	// the accepting side only sees the stream once the dialer writes on it
	cs, err := cli.OpenStream(ctx)
	require.NoError(t, err)
	require.NoError(t, cs.SendBytes(ctx, []byte("one")))
	require.NoError(t, cs.SendBytes(ctx, []byte("two")))

	var srv transport.Session
	select {
	case srv = <-accepted:
	case <-ctx.Done():
		t.Fatal("no inbound session")
	}
	defer srv.Close()
	assert.Equal(t, transport.KindQUIC, srv.TransportKind())
	assert.True(t, srv.Peer().ID.IsTemp())

	ss, err := srv.AcceptStream(ctx)
	require.NoError(t, err)
	for _, want := range []string{"one", "two"} {
		got, err := ss.RecvBytes()
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
	again, err := srv.OpenStream(ctx)
	require.NoError(t, err)
	assert.Same(t, ss, again)
}
