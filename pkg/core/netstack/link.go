package netstack

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"jammesh/pkg/protocol"
	"jammesh/pkg/transport"
)

var (
	ErrBadHello   = errors.New("netstack: bad link hello")
	errSuperseded = errors.New("netstack: link superseded")
)

// helloFrame names this node on a new link: an unsequenced heartbeat with a
// zero timestamp. It is consumed here and never reaches the router.
func (s *Stack) helloFrame() ([]byte, error) {
	return protocol.Encode(&protocol.Envelope{Type: protocol.TypeHeartbeat, From: s.local, Format: protocol.FormatJSON})
}

func parseHello(frame []byte) (string, error) {
	env, err := protocol.Decode(frame)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadHello, err)
	}
	if env.Type != protocol.TypeHeartbeat || env.TS != 0 || env.Seq != 0 {
		return "", fmt.Errorf("%w: got %s ts=%d", ErrBadHello, env.Type, env.TS)
	}
	return env.From, nil
}

// serve exchanges hellos on sess, binds it to the remote node id and pumps
// received frames into the router until the link drops. It returns the
// remote id once known.
func (s *Stack) serve(ctx context.Context, sess transport.Session) (string, error) {
	defer sess.Close()

	pi := sess.Peer()
	tmp := transport.PeerID(fmt.Sprintf("%s#%d", transport.TempPeerID(sess.TransportKind(), sess.RemoteAddr()), s.tempN.Add(1)))
	pi.ID = tmp
	sess.SetPeer(pi)
	s.mgr.AddSession(ctx, sess)

	id, st, err := s.handshake(ctx, sess, pi.Outbound)
	if err != nil {
		s.mgr.Remove(tmp, sess)
		return id, err
	}
	if !s.mgr.RebindPeer(tmp, transport.PeerID(id)) {
		return id, errSuperseded
	}
	log := s.log.With(zap.String("peer", id), zap.String("kind", sess.TransportKind().String()))
	log.Info("link up", zap.String("addr", pi.Addr), zap.Bool("outbound", pi.Outbound))
	s.events.LinkUp(id, pi.Addr)

	for {
		frame, rerr := st.RecvBytes()
		if rerr != nil {
			err = rerr
			break
		}
		s.in.HandleFrame(id, frame)
	}
	if s.mgr.Remove(transport.PeerID(id), sess) {
		log.Info("link down", zap.Error(err))
		s.events.LinkDown(id)
	}
	if ctx.Err() != nil {
		return id, nil
	}
	return id, err
}

func (s *Stack) handshake(ctx context.Context, sess transport.Session, outbound bool) (string, transport.Stream, error) {
	// closing the session unblocks every step below
	timer := time.AfterFunc(s.opts.HelloTimeout, func() { _ = sess.Close() })
	defer timer.Stop()

	openCtx, cancel := context.WithTimeout(ctx, s.opts.HelloTimeout)
	defer cancel()
	var (
		st  transport.Stream
		err error
	)
	if outbound {
		st, err = sess.OpenStream(openCtx)
	} else {
		st, err = sess.AcceptStream(openCtx)
	}
	if err != nil {
		return "", nil, fmt.Errorf("open link stream: %w", err)
	}

	hello, err := s.helloFrame()
	if err != nil {
		return "", nil, err
	}
	sent := make(chan error, 1)
	go func() { sent <- st.SendBytes(openCtx, hello) }()

	first, err := st.RecvBytes()
	if err != nil {
		return "", nil, fmt.Errorf("read hello: %w", err)
	}
	id, err := parseHello(first)
	if err != nil {
		return "", nil, err
	}
	if id == s.local {
		return id, nil, ErrSelfLink
	}
	if err := <-sent; err != nil {
		return id, nil, fmt.Errorf("send hello: %w", err)
	}
	return id, st, nil
}
