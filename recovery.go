package arbor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/raskyld/arbor/pkg/link"
	"github.com/raskyld/arbor/pkg/packet"
	"github.com/raskyld/arbor/pkg/topology"
)

// childFailed removes a child whose link broke. Its own children run
// their recovery independently.
func (n *Network) childFailed(rank topology.Rank) {
	n.logger.Warn("lost a child", LabelPeerRank.L(rank))
	n.msink.IncrCounterWithLabels(MetricArborChildFailureCount, 1.0, n.cfg.metricLabels)
	n.forget(rank)

	if n.IsFrontEnd() {
		n.broadcastEvents([]topology.Event{{
			Type:   topology.EventRemoveRank,
			Parent: n.local,
			Child:  rank,
			Port:   topology.UnknownPort,
		}})
		return
	}
	if err := n.sendParent(n.ctx, failurePacket(rank)); err != nil {
		n.logger.Debug("could not report failure", LabelPeerRank.L(rank), LabelError.L(err))
	}
}

func (n *Network) forget(rank topology.Rank) {
	if err := n.graph.RemoveNode(rank); err != nil && !errors.Is(err, topology.ErrNodeNotFound) {
		n.logger.Warn("failed to remove node", LabelPeerRank.L(rank), LabelError.L(err))
	}
	n.lk.Lock()
	count := len(n.children)
	n.lk.Unlock()
	n.msink.SetGaugeWithLabels(MetricArborChildCount, float32(count), n.cfg.metricLabels)
	n.refreshPeers()
}

func (n *Network) onFailureReport(p *peer, pkt *packet.Packet) error {
	if err := fromChild(p, pkt); err != nil {
		return err
	}
	failed, err := parseFailure(pkt)
	if err != nil {
		return err
	}
	n.forget(failed)

	if n.IsFrontEnd() {
		n.broadcastEvents([]topology.Event{{
			Type:   topology.EventRemoveRank,
			Parent: p.rank,
			Child:  failed,
			Port:   topology.UnknownPort,
		}})
		return nil
	}
	return n.sendParent(n.ctx, failurePacket(failed))
}

// parentFailed finds a new parent for the local node. Recoveries are
// serialized.
func (n *Network) parentFailed(failed topology.Rank) {
	n.recoveryLk.Lock()
	defer n.recoveryLk.Unlock()
	if n.isClosing() {
		return
	}

	logger := n.logger.With(LabelPeerRank.L(failed), LabelStrategy.L(n.cfg.strategy.String()))
	mLabels := append(slices.Clip(n.cfg.metricLabels), LabelStrategy.M(n.cfg.strategy.String()))
	if !n.cfg.recovery {
		logger.Error("lost parent and recovery is disabled")
		n.cfg.fatal(fmt.Errorf("%w: lost parent %d", ErrRecoveryDisabled, failed))
		return
	}

	logger.Warn("lost parent, looking for a new one")
	start := time.Now()
	adopter, err := n.recoverFrom(failed)
	elapsed := time.Since(start)
	if err != nil {
		if n.isClosing() {
			return
		}
		n.msink.IncrCounterWithLabels(MetricArborRecoveryErrorCount, 1.0, mLabels)
		logger.Error("recovery failed", LabelError.L(err), LabelDuration.L(elapsed))
		n.cfg.fatal(err)
		return
	}

	n.msink.IncrCounterWithLabels(MetricArborRecoveryCount, 1.0, mLabels)
	n.msink.AddSampleWithLabels(MetricArborRecoveryDuration, float32(elapsed.Milliseconds()), mLabels)
	logger.Info("recovered from parent failure",
		"adopter", adopter,
		LabelDuration.L(elapsed),
	)
}

func (n *Network) recoverFrom(failed topology.Rank) (topology.Rank, error) {
	if err := n.graph.RemoveNode(failed); err != nil && !errors.Is(err, topology.ErrNodeNotFound) {
		return topology.UnknownRank, err
	}
	n.refreshPeers()

	adoption, err := n.graph.FindNewParent(n.local, n.cfg.strategy)
	if err != nil {
		return topology.UnknownRank, fmt.Errorf("%w: %w", ErrRecoveryExhausted, err)
	}
	if n.dialer == nil {
		return topology.UnknownRank, ErrNoDialer
	}
	subtree, err := n.graph.LocalSubtreeString(n.local)
	if err != nil {
		return topology.UnknownRank, err
	}

	var errs *multierror.Error
	for _, c := range adoption.Candidates {
		l, err := n.adopt(c, failed, subtree)
		if err != nil {
			n.logger.Warn("potential parent refused us", "candidate", c, LabelError.L(err))
			errs = multierror.Append(errs, err)
			if n.isClosing() {
				return topology.UnknownRank, ErrNetworkClosed
			}
			continue
		}
		if err := n.adopted(failed, c.Rank, l); err != nil {
			return topology.UnknownRank, err
		}
		return c.Rank, nil
	}
	return topology.UnknownRank, fmt.Errorf("%w: %w", ErrRecoveryExhausted, errs.ErrorOrNil())
}

// adopt asks a candidate to become our parent.
func (n *Network) adopt(c topology.Candidate, failed topology.Rank, subtree string) (l link.Link, err error) {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.trCfg.DialTimeout)
	defer cancel()

	l, err = n.dialer.Dial(ctx, c.Host, c.Port)
	if err != nil {
		return nil, fmt.Errorf("%w: %d: %w", ErrAdopterUnreachable, c.Rank, err)
	}
	defer func() {
		if err != nil {
			_ = l.Close()
		}
	}()

	if err := l.Send(ctx, newParentPacket(n.local, failed, subtree)); err != nil {
		return nil, fmt.Errorf("%w: %d: %w", ErrAdopterUnreachable, c.Rank, err)
	}
	ack, err := l.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %d: %w", ErrAdopterUnreachable, c.Rank, err)
	}
	if ack.Tag != packet.TagTopologyAck {
		return nil, fmt.Errorf("%w: %d answered %s", ErrProtocolViolation, c.Rank, ack.Tag)
	}
	if _, err := parseString(ack); err != nil {
		return nil, err
	}
	return l, nil
}

// adopted finishes a recovery: the new parent learns the streams we
// carry and every node is told about the new edge.
func (n *Network) adopted(failed, adopter topology.Rank, l link.Link) error {
	if err := n.graph.Reparent(n.local, failed, adopter); err != nil {
		_ = l.Close()
		return err
	}
	parent := n.attach(adopter, l, false)
	if parent == nil {
		return ErrNetworkClosed
	}

	n.lk.Lock()
	streams := make([]*Stream, 0, len(n.streams))
	for _, s := range n.streams {
		if s.app {
			streams = append(streams, s)
		}
	}
	children := make([]*peer, 0, len(n.children))
	for _, c := range n.children {
		children = append(children, c)
	}
	n.lk.Unlock()
	slices.SortFunc(streams, func(a, b *Stream) int { return int(a.id) - int(b.id) })

	var errs []error
	for _, s := range streams {
		errs = append(errs, n.sendParent(n.ctx, s.spec.packet()))
		if state := s.up.ExtractState(s.id); state != nil {
			errs = append(errs, n.sendParent(n.ctx, state))
		}
	}

	report := recoveryPacket(n.local, failed, adopter)
	errs = append(errs, n.sendParent(n.ctx, report))
	for _, c := range children {
		errs = append(errs, n.sendTo(n.ctx, c, report.Clone()))
	}

	n.refreshPeers()
	if err := errors.Join(errs...); err != nil {
		n.logger.Warn("recovery announcement incomplete", LabelError.L(err))
	}
	return nil
}

func (n *Network) adoptOrphan(ctx context.Context, l link.Link, report *packet.Packet) error {
	orphan, failed, subtree, err := parseNewParent(report)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	logger := n.logger.With("orphan", orphan, "failed", failed)
	if n.IsBackEnd() {
		return fmt.Errorf("%w: %w", ErrHandshake, topology.ErrBackEndParent)
	}

	err = n.graph.Reparent(orphan, failed, n.local)
	if errors.Is(err, topology.ErrNodeNotFound) {
		_, err = n.graph.AddSubGraph(n.local, subtree)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if node, ok := n.graph.Node(orphan); !ok || node.Parent != n.local {
		return fmt.Errorf("%w: %w: %d not adopted", ErrHandshake, ErrProtocolViolation, orphan)
	}

	if err := l.Send(ctx, stringPacket(packet.TagTopologyAck, n.graph.Serialize())); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if n.attach(orphan, l, true) == nil {
		return ErrNetworkClosed
	}
	logger.Info("adopted an orphan")
	n.refreshPeers()
	return nil
}

// onRecoveryReport applies a recovery which happened below us, or above
// us when it comes from the parent.
func (n *Network) onRecoveryReport(p *peer, pkt *packet.Packet) error {
	orphan, failed, adopter, err := parseRecovery(pkt)
	if err != nil {
		return err
	}
	if err := n.graph.Reparent(orphan, failed, adopter); err != nil {
		n.logger.Warn("could not apply recovery",
			"orphan", orphan,
			LabelPeerRank.L(adopter),
			LabelError.L(err),
		)
	}
	n.refreshPeers()

	if !p.child {
		return n.sendChildren(n.ctx, pkt)
	}
	if n.IsFrontEnd() {
		n.broadcastEvents([]topology.Event{
			{
				Type:   topology.EventRemoveRank,
				Parent: topology.UnknownRank,
				Child:  failed,
				Port:   topology.UnknownPort,
			},
			{
				Type:   topology.EventChangeParent,
				Parent: adopter,
				Child:  orphan,
				Port:   topology.UnknownPort,
			},
		})
		return nil
	}
	return n.sendParent(n.ctx, pkt)
}

// sendChildren sends a control packet to every child.
func (n *Network) sendChildren(ctx context.Context, pkt *packet.Packet) error {
	n.lk.Lock()
	children := make([]*peer, 0, len(n.children))
	for _, c := range n.children {
		children = append(children, c)
	}
	n.lk.Unlock()

	var errs []error
	for _, c := range children {
		errs = append(errs, n.sendTo(ctx, c, pkt.Clone()))
	}
	return errors.Join(errs...)
}

func rankString(r topology.Rank) string {
	return strconv.FormatUint(uint64(r), 10)
}
