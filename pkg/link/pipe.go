package link

import (
	"context"
	"sync"

	"github.com/raskyld/arbor/pkg/packet"
)

// pipeState is shared by both ends of a pipe: closing one end closes
// the other, like a broken connection would.
type pipeState struct {
	lk     sync.Mutex
	closed bool
	done   chan struct{}
}

func (s *pipeState) close() {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Local is one end of an in-process pipe.
type Local struct {
	state *pipeState
	in    <-chan *packet.Packet
	out   chan<- *packet.Packet
}

var _ Link = (*Local)(nil)

// Pipe returns two connected ends. Each direction buffers up to buffer
// packets. Packets are copied on send so both ends never share memory.
func Pipe(buffer int) (*Local, *Local) {
	state := &pipeState{done: make(chan struct{})}
	ab := make(chan *packet.Packet, buffer)
	ba := make(chan *packet.Packet, buffer)
	return &Local{state: state, in: ba, out: ab},
		&Local{state: state, in: ab, out: ba}
}

func (l *Local) Send(ctx context.Context, p *packet.Packet) error {
	select {
	case <-l.state.done:
		return ErrClosed
	default:
	}

	select {
	case l.out <- p.Clone():
		return nil
	case <-l.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Local) Recv(ctx context.Context) (*packet.Packet, error) {
	select {
	case p := <-l.in:
		return p, nil
	case <-l.state.done:
		// drain what was sent before the close.
		select {
		case p := <-l.in:
			return p, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Local) Done() <-chan struct{} {
	return l.state.done
}

func (l *Local) Close() error {
	l.state.close()
	return nil
}
