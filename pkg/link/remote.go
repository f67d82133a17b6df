package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/arbor/pkg/packet"
)

// StreamErrorClosed is the QUIC stream error code used when a link is
// closed locally.
const StreamErrorClosed = quic.StreamErrorCode(0xC)

// Conn is the byte stream under a [Remote] link. Both quic.Stream and
// net.Conn satisfy it.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Remote is a [Link] over a byte stream.
type Remote struct {
	conn    Conn
	maxSize int

	sendLk sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	closeErr  error
}

var _ Link = (*Remote)(nil)

// NewRemote wraps conn. A maxFrame of zero selects [DefaultMaxFrameSize].
func NewRemote(conn Conn, maxFrame int) *Remote {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Remote{
		conn:    conn,
		maxSize: maxFrame,
		done:    make(chan struct{}),
	}
}

func (r *Remote) Send(ctx context.Context, p *packet.Packet) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}

	buf, err := packet.Marshal(p)
	if err != nil {
		return err
	}

	r.sendLk.Lock()
	defer r.sendLk.Unlock()

	deadline, _ := ctx.Deadline()
	if err := r.conn.SetWriteDeadline(deadline); err != nil {
		return r.fail(err)
	}
	if err := WriteFrame(r.conn, buf, r.maxSize); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		if errors.Is(err, os.ErrDeadlineExceeded) && ctx.Err() != nil {
			return ctx.Err()
		}
		return r.fail(err)
	}
	return nil
}

func (r *Remote) Recv(ctx context.Context) (*packet.Packet, error) {
	deadline, _ := ctx.Deadline()
	if err := r.conn.SetReadDeadline(deadline); err != nil {
		return nil, r.fail(err)
	}

	// Cancellation without deadline unblocks the read by moving the
	// deadline to now.
	stop := context.AfterFunc(ctx, func() {
		_ = r.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf, err := ReadFrame(r.conn, r.maxSize)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, r.fail(err)
	}

	p, err := packet.Unmarshal(buf)
	if err != nil {
		// the stream is still aligned on frame boundaries, only this
		// packet is lost.
		return nil, err
	}
	return p, nil
}

func (r *Remote) Done() <-chan struct{} {
	return r.done
}

// fail closes the link after a transport error and returns it wrapped.
func (r *Remote) fail(err error) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	_ = r.Close()
	return fmt.Errorf("%w: %w", ErrClosed, err)
}

func (r *Remote) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		if qs, ok := r.conn.(interface {
			CancelRead(quic.StreamErrorCode)
		}); ok {
			qs.CancelRead(StreamErrorClosed)
		}
		r.closeErr = r.conn.Close()
	})
	return r.closeErr
}
