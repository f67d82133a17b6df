package arbor

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/arbor/pkg/packet"
	"github.com/raskyld/arbor/pkg/topology"
	"golang.org/x/sync/errgroup"
)

// Shutdown tears the tree down from the local node: every descendant is
// asked to shut down. A node acknowledges to its parent as soon as it
// stops taking part in the tree, then forwards the request to its own
// children. Acknowledgements are awaited until ctx expires.
func (n *Network) Shutdown(ctx context.Context) error {
	return n.shutdown(ctx, false)
}

func (n *Network) onShutdown(p *peer) error {
	if p.child {
		return fmt.Errorf("%w: shutdown must come from the parent", ErrProtocolViolation)
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.trCfg.DialTimeout)
		defer cancel()
		if err := n.shutdown(ctx, true); err != nil {
			n.logger.Warn("shutdown was not clean", LabelError.L(err))
		}
	}()
	return nil
}

func (n *Network) shutdown(ctx context.Context, ackParent bool) error {
	start := time.Now()

	n.lk.Lock()
	if n.closing {
		n.lk.Unlock()
		select {
		case <-n.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	n.closing = true
	parent := n.parent
	children := slices.Collect(maps.Values(n.children))
	n.lk.Unlock()

	n.logger.Info("shutting down", "children", len(children))

	var result *multierror.Error
	if ackParent && parent != nil {
		if err := parent.link.Send(ctx, packet.New(controlStreamID, packet.TagShutdownAck)); err != nil {
			result = multierror.Append(result, fmt.Errorf("ack parent: %w", err))
		}
	}

	errs := make([]error, len(children))
	var g errgroup.Group
	for i, c := range children {
		g.Go(func() error {
			if err := c.link.Send(ctx, packet.New(controlStreamID, packet.TagShutdown)); err != nil {
				errs[i] = fmt.Errorf("child %d: %w", c.rank, err)
				return nil
			}
			select {
			case <-c.acked:
			case <-c.link.Done():
			case <-ctx.Done():
				errs[i] = fmt.Errorf("child %d did not acknowledge: %w", c.rank, ctx.Err())
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := n.teardown(); err != nil {
		result = multierror.Append(result, err)
	}
	n.logger.Info("shut down", LabelDuration.L(time.Since(start)))
	return result.ErrorOrNil()
}

// teardown releases every resource of the node. It must run once.
func (n *Network) teardown() error {
	n.cancel()

	n.lk.Lock()
	n.closing = true
	parent := n.parent
	n.parent = nil
	children := n.children
	n.children = make(map[topology.Rank]*peer)
	streams := n.streams
	n.streams = make(map[uint32]*Stream)
	n.incoming = nil
	close(n.changed)
	n.changed = make(chan struct{})
	n.lk.Unlock()

	if parent != nil {
		_ = parent.link.Close()
	}
	for _, c := range children {
		_ = c.link.Close()
	}
	for _, s := range streams {
		s.close()
	}

	var result *multierror.Error
	if n.ml != nil {
		// memberlist owns the transport when it runs on top of it.
		if err := n.ml.Leave(n.cfg.trCfg.GracePeriod); err != nil {
			result = multierror.Append(result, fmt.Errorf("leave gossip: %w", err))
		}
		if err := n.ml.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	} else if n.tr != nil {
		if err := n.tr.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	n.wg.Wait()
	close(n.done)
	return result.ErrorOrNil()
}
