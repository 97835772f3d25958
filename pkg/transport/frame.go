package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// MaxFrameSize bounds a single frame on any stream.
const MaxFrameSize = 1 << 24

var (
	ErrFrameTooLarge = errors.New("transport: frame too large")
	ErrClosed        = errors.New("transport: closed")
	// ErrStreamBroken wraps a failed or interrupted write. The stream may
	// hold a partial frame and must be closed.
	ErrStreamBroken = errors.New("transport: stream broken")
)

// writeDeadliner is implemented by net.Conn and QUIC streams.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

var aLongTimeAgo = time.Unix(1, 0)

// FrameConn frames an io.ReadWriter with a u32 little-endian length prefix.
// Writes are serialized; reads must come from one goroutine.
type FrameConn struct {
	wsem chan struct{}
	wd   writeDeadliner // nil when writes cannot be interrupted
	br   *bufio.Reader
	bw   *bufio.Writer
}

func NewFrameConn(rw io.ReadWriter) *FrameConn {
	f := &FrameConn{wsem: make(chan struct{}, 1), br: bufio.NewReader(rw), bw: bufio.NewWriter(rw)}
	f.wd, _ = rw.(writeDeadliner)
	return f
}

// WriteFrame writes one frame. It gives up when ctx ends, both while
// queued behind another writer and while blocked on a peer that stopped
// reading.
func (f *FrameConn) WriteFrame(ctx context.Context, b []byte) error {
	if len(b) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(b))
	}
	select {
	case f.wsem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-f.wsem }()
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.wd != nil {
		fired := make(chan struct{})
		stop := context.AfterFunc(ctx, func() {
			_ = f.wd.SetWriteDeadline(aLongTimeAgo)
			close(fired)
		})
		defer func() {
			if !stop() {
				<-fired
				_ = f.wd.SetWriteDeadline(time.Time{})
			}
		}()
	}
	if err := f.write(b); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			err = cerr
		}
		return fmt.Errorf("%w: %w", ErrStreamBroken, err)
	}
	return nil
}

func (f *FrameConn) write(b []byte) error {
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := f.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := f.bw.Write(b); err != nil {
		return err
	}
	return f.bw.Flush()
}

func (f *FrameConn) ReadFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(f.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
