package netstack

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"jammesh/pkg/transport"
)

// dialer is one running dial loop. peer is empty until the first link
// ends; sess is the link being served, bound to the peer after the hello.
type dialer struct {
	peer   string
	sess   transport.Session
	cancel context.CancelFunc
}

func (d *dialer) serves(peerID string) bool {
	return d.peer == peerID || (d.sess != nil && string(d.sess.Peer().ID) == peerID)
}

// Dial keeps a link to address up until the stack closes or Forget names
// its peer: it dials with exponential backoff, serves the link, and dials
// again when it drops. peerID may be empty; it is learned from the first
// hello.
func (s *Stack) Dial(tr transport.Transport, address, peerID string) {
	key := tr.Kind().String() + "://" + address
	s.mu.Lock()
	if _, ok := s.dialing[key]; ok || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	d := &dialer{peer: peerID, cancel: cancel}
	s.dialing[key] = d
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			if s.dialing[key] == d {
				delete(s.dialing, key)
			}
			s.mu.Unlock()
		}()
		s.dialLoop(ctx, d, tr, address)
	}()
}

// Forget stops redialing peerID and closes its link. A later Connect
// starts over.
func (s *Stack) Forget(peerID string) {
	s.mu.Lock()
	for key, d := range s.dialing {
		if d.serves(peerID) {
			d.cancel()
			delete(s.dialing, key)
		}
	}
	s.mu.Unlock()
	s.Disconnect(peerID)
}

func (s *Stack) dialLoop(ctx context.Context, d *dialer, tr transport.Transport, address string) {
	s.mu.Lock()
	known := d.peer
	s.mu.Unlock()
	log := s.log.With(zap.String("kind", tr.Kind().String()), zap.String("addr", address))
	for ctx.Err() == nil {
		if known != "" && s.mgr.GetSession(transport.PeerID(known)) != nil {
			// the peer's own dial won
			if !sleep(ctx, s.opts.Backoff.Initial) {
				return
			}
			continue
		}
		sess, err := s.dialOnce(ctx, tr, address, known, log)
		if err != nil {
			return
		}
		log.Info("dialed")
		s.mu.Lock()
		d.sess = sess
		s.mu.Unlock()
		stop := context.AfterFunc(ctx, func() { _ = sess.Close() })
		id, err := s.serve(ctx, sess)
		stop()
		s.mu.Lock()
		d.sess = nil
		if id != "" {
			known = id
			d.peer = id
		}
		s.mu.Unlock()
		if errors.Is(err, ErrSelfLink) {
			log.Warn("endpoint is this node, not redialing")
			return
		}
		if err != nil {
			log.Debug("outbound link ended", zap.String("peer", id), zap.Error(err))
		}
		if !sleep(ctx, s.opts.Backoff.Initial) {
			return
		}
	}
}

// dialOnce returns a connected session, retrying until ctx ends.
func (s *Stack) dialOnce(ctx context.Context, tr transport.Transport, address, peerID string, log *zap.Logger) (transport.Session, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.opts.Backoff.Initial
	bo.MaxInterval = s.opts.Backoff.Max
	bo.RandomizationFactor = s.opts.Backoff.Jitter

	op := func() (transport.Session, error) {
		dctx, cancel := context.WithTimeout(ctx, s.opts.HelloTimeout)
		defer cancel()
		return tr.Dial(dctx, address, transport.PeerInfo{ID: transport.PeerID(peerID)})
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("dial failed", zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
