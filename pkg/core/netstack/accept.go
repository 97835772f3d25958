package netstack

import (
	"context"

	"go.uber.org/zap"

	"jammesh/pkg/transport"
)

func (s *Stack) acceptLoop(ctx context.Context, l transport.Listener) {
	for {
		sess, err := l.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && ctx.Err() == nil {
				s.log.Warn("accept failed", zap.String("addr", l.Addr().String()), zap.Error(err))
			}
			return
		}
		s.log.Debug("inbound session", zap.String("kind", sess.TransportKind().String()), zap.Stringer("raddr", sess.RemoteAddr()))
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.serve(s.ctx, sess); err != nil {
				s.log.Debug("inbound link ended", zap.Stringer("raddr", sess.RemoteAddr()), zap.Error(err))
			}
		}()
	}
}
