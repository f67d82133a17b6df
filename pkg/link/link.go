// Package link carries packets between a node and one of its tree
// neighbours.
//
// [Remote] frames encoded packets over any ordered byte stream, a QUIC
// stream in production. [Pipe] connects two nodes living in the same
// process.
package link

import (
	"context"
	"errors"

	"github.com/raskyld/arbor/pkg/packet"
)

var (
	ErrClosed        = errors.New("link: closed")
	ErrFrameTooLarge = errors.New("link: frame too large")
)

// Link is a bidirectional, ordered packet channel. Send may be called
// concurrently, Recv must be called by a single goroutine.
type Link interface {
	Send(ctx context.Context, p *packet.Packet) error
	Recv(ctx context.Context) (*packet.Packet, error)

	// Done is closed once the link is no longer usable.
	Done() <-chan struct{}
	Close() error
}
