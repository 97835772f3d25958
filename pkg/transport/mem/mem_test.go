package mem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jammesh/pkg/transport"
)

func TestDialAndExchangeFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	tr := NewOn(hub)

	l, err := tr.Listen(ctx, "studio")
	require.NoError(t, err)
	_, err = tr.Listen(ctx, "studio")
	assert.ErrorIs(t, err, ErrAddrInUse)

	accepted := make(chan transport.Session, 1)
	go func() {
		s, err := l.Accept(ctx)
		if err == nil {
			accepted <- s
		}
	}()
	cli, err := tr.Dial(ctx, "studio", transport.PeerInfo{ID: "b"})
	require.NoError(t, err)
	assert.True(t, cli.Peer().Outbound)
	srv := <-accepted
	assert.True(t, srv.Peer().ID.IsTemp())

	cs, err := cli.OpenStream(ctx)
	require.NoError(t, err)
	ss, err := srv.AcceptStream(ctx)
	require.NoError(t, err)

	go func() { _ = cs.SendBytes(ctx, []byte("ping")) }()
	got, err := ss.RecvBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)

	go func() { _ = ss.SendBytes(ctx, []byte("pong")) }()
	got, err = cs.RecvBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), got)

	require.NoError(t, cli.Close())
	_, err = ss.RecvBytes()
	assert.Error(t, err)
}

func TestDialUnknownListener(t *testing.T) {
	_, err := NewOn(NewHub()).Dial(context.Background(), "nowhere", transport.PeerInfo{})
	assert.ErrorIs(t, err, ErrNoListener)
}

func TestListenerClosesWithContext(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	l, err := NewOn(hub).Listen(ctx, "x")
	require.NoError(t, err)
	cancel()
	_, err = l.Accept(context.Background())
	assert.ErrorIs(t, err, ErrListenClosed)
	// the name is free again
	l2, err := NewOn(hub).Listen(context.Background(), "x")
	require.NoError(t, err)
	_ = l2.Close()
}
