package arbor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/arbor/pkg/filter"
	"github.com/raskyld/arbor/pkg/link"
	"github.com/raskyld/arbor/pkg/packet"
	"github.com/raskyld/arbor/pkg/topology"
)

// Dialer establishes links toward other nodes of the tree.
type Dialer interface {
	Dial(ctx context.Context, host string, port topology.Port) (link.Link, error)
}

// peer is a tree neighbour reachable through a link.
type peer struct {
	rank  topology.Rank
	link  link.Link
	child bool

	ackOnce sync.Once
	acked   chan struct{}
}

func newPeer(rank topology.Rank, l link.Link, child bool) *peer {
	return &peer{
		rank:  rank,
		link:  l,
		child: child,
		acked: make(chan struct{}),
	}
}

func (p *peer) ack() {
	p.ackOnce.Do(func() { close(p.acked) })
}

// Network is the local view of the tree overlay. The same type is used
// by the front-end, internal nodes and back-ends: the role of the node
// follows from its position in the topology.
type Network struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	local   topology.Rank
	graph   *topology.Graph
	filters *filter.Registry
	dialer  Dialer

	tr *Transport
	ml *memberlist.Memberlist

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lk         sync.Mutex
	parent     *peer
	children   map[topology.Rank]*peer
	streams    map[uint32]*Stream
	incoming   []*Stream
	changed    chan struct{}
	nextStream uint32
	closing    bool

	// recoveryLk serializes recoveries from parent failures.
	recoveryLk sync.Mutex
	done       chan struct{}
}

// New creates the local node of rank local. The topology is the
// serialized tree, every node must be given the same one. Back-ends
// joining an existing tree may give a topology made of themselves only,
// they learn the whole tree when they attach to their parent.
func New(topo string, local topology.Rank, opts ...Option) (n *Network, err error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	n = &Network{
		cfg:        cfg,
		local:      local,
		children:   make(map[topology.Rank]*peer),
		streams:    make(map[uint32]*Stream),
		changed:    make(chan struct{}),
		nextStream: firstUserStreamID,
		done:       make(chan struct{}),
	}

	// Logging implementations.
	if cfg.logHandler != nil {
		n.logger = slog.New(cfg.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With(LabelRank.L(local))

	// Metrics implementations.
	if cfg.msink == nil {
		n.msink = metrics.Default()
		n.cfg.trCfg.MetricSink = n.msink
	} else {
		n.msink = cfg.msink
	}
	n.cfg.metricLabels = append(slices.Clip(cfg.metricLabels), LabelRank.M(rankString(local)))

	if cfg.fatal == nil {
		n.cfg.fatal = exitOnFatal(n.logger)
	}

	var gopts []topology.GraphOption
	if cfg.rand != nil {
		gopts = append(gopts, topology.WithRand(cfg.rand))
	}
	n.graph, err = topology.Parse(topo, gopts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if err := n.graph.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if _, ok := n.graph.Node(local); !ok {
		return nil, fmt.Errorf("%w: %w: local rank %d", ErrInvalidCfg, topology.ErrNodeNotFound, local)
	}

	n.filters = filter.NewRegistry()
	err = n.filters.RegisterTopology(filter.TopologyBinding{
		Graph:  n.graph,
		IsRoot: n.IsFrontEnd,
		OnError: func(err error) {
			n.logger.Warn("topology update partially applied", LabelError.L(err))
		},
	})
	if err != nil {
		return nil, err
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			n.teardown()
		}
	}()

	topoStream, err := newStream(n, streamSpec{
		id:   topologyStreamID,
		up:   filter.IDTopologyUpdate,
		sync: filter.SyncDontWait,
		down: filter.IDTopologyUpdateDown,
	})
	if err != nil {
		return nil, err
	}
	n.streams[topologyStreamID] = topoStream

	n.dialer = cfg.dialer
	if cfg.trCfg.TlsConfig != nil {
		n.tr, err = NewTransport(&n.cfg.trCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		if n.dialer == nil {
			n.dialer = n.tr
		}
		n.wg.Add(1)
		go n.acceptLinks()
	}

	if cfg.gossip {
		if err = n.startGossip(); err != nil {
			return nil, err
		}
	}

	n.refreshPeers()
	n.logger.Debug("node created", "topology", n.graph.Serialize())
	return n, nil
}

func (n *Network) Rank() topology.Rank {
	return n.local
}

// Topology returns the graph maintained by the node. It reflects every
// update received so far.
func (n *Network) Topology() *topology.Graph {
	return n.graph
}

// IsFrontEnd reports whether the local node is the root of the tree.
func (n *Network) IsFrontEnd() bool {
	return n.graph.Root() == n.local
}

func (n *Network) IsBackEnd() bool {
	self, ok := n.graph.Node(n.local)
	return ok && self.BackEnd
}

// Done is closed once the node is shut down.
func (n *Network) Done() <-chan struct{} {
	return n.done
}

// RegisterFilter makes a user transformation available to streams. Use
// the same name on every node and refer to it with NewStreamByName.
func (n *Network) RegisterFilter(name string, fn filter.TransformFunc, state filter.StateFunc) (filter.ID, error) {
	return n.filters.Register(filter.Definition{
		Name:      name,
		Transform: fn,
		State:     state,
	})
}

func (n *Network) isClosing() bool {
	n.lk.Lock()
	defer n.lk.Unlock()
	return n.closing
}

// Connect dials the parent recorded in the topology and attaches to it.
// It is a no-op on the front-end.
func (n *Network) Connect(ctx context.Context) error {
	self, ok := n.graph.Node(n.local)
	if !ok {
		return fmt.Errorf("%w: %d", topology.ErrNodeNotFound, n.local)
	}
	if self.Parent == topology.UnknownRank {
		return nil
	}
	if n.dialer == nil {
		return ErrNoDialer
	}
	parent, ok := n.graph.Node(self.Parent)
	if !ok {
		return fmt.Errorf("%w: parent %d", topology.ErrNodeNotFound, self.Parent)
	}

	l, err := n.dialer.Dial(ctx, parent.Host, parent.Port)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrHandshake, parent, err)
	}
	return n.AttachParent(ctx, l)
}

// AttachParent attaches the node below the peer at the other end of l.
// The local subtree is reported to the parent which answers with the
// topology of the tree.
func (n *Network) AttachParent(ctx context.Context, l link.Link) (err error) {
	defer func() {
		if err != nil {
			_ = l.Close()
		}
	}()

	self, ok := n.graph.Node(n.local)
	if !ok {
		return fmt.Errorf("%w: %d", topology.ErrNodeNotFound, n.local)
	}
	subtree, err := n.graph.LocalSubtreeString(n.local)
	if err != nil {
		return err
	}

	if err := l.Send(ctx, helloPacket(n.local, self.Host, self.Port)); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := l.Send(ctx, stringPacket(packet.TagTopologyReport, subtree)); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	ack, err := l.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if ack.Tag != packet.TagTopologyAck {
		return fmt.Errorf("%w: %w: got %s", ErrHandshake, ErrProtocolViolation, ack.Tag)
	}
	topo, err := parseString(ack)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := n.graph.Reset(topo); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	self, ok = n.graph.Node(n.local)
	if !ok || self.Parent == topology.UnknownRank {
		return fmt.Errorf("%w: %w: parent did not adopt us", ErrHandshake, ErrProtocolViolation)
	}
	if n.attach(self.Parent, l, false) == nil {
		return ErrNetworkClosed
	}
	n.logger.Info("attached to parent", LabelPeerRank.L(self.Parent))
	n.refreshPeers()
	return nil
}

// Accept serves a link opened by another node: either a child joining
// the tree or an orphan asking us to adopt it.
func (n *Network) Accept(ctx context.Context, l link.Link) (err error) {
	defer func() {
		if err != nil {
			_ = l.Close()
		}
	}()

	first, err := l.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if n.isClosing() {
		return ErrNetworkClosed
	}

	switch first.Tag {
	case packet.TagNewChildConnection:
		return n.acceptChild(ctx, l, first)
	case packet.TagNewParentReport:
		return n.adoptOrphan(ctx, l, first)
	}
	return fmt.Errorf("%w: %w: got %s", ErrHandshake, ErrProtocolViolation, first.Tag)
}

func (n *Network) acceptChild(ctx context.Context, l link.Link, hello *packet.Packet) error {
	rank, host, _, err := parseHello(hello)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	report, err := l.Recv(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if report.Tag != packet.TagTopologyReport {
		return fmt.Errorf("%w: %w: got %s", ErrHandshake, ErrProtocolViolation, report.Tag)
	}
	subtree, err := parseString(report)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	events, err := n.graph.AddSubGraph(n.local, subtree)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if child, ok := n.graph.Node(rank); !ok || child.Parent != n.local {
		return fmt.Errorf("%w: %w: %d is not the root of its report", ErrHandshake, ErrProtocolViolation, rank)
	}

	if err := l.Send(ctx, stringPacket(packet.TagTopologyAck, n.graph.Serialize())); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if n.attach(rank, l, true) == nil {
		return ErrNetworkClosed
	}
	n.logger.Info("child attached", LabelPeerRank.L(rank), LabelPeerName.L(host))
	n.refreshPeers()
	n.propagateEvents(events)
	return nil
}

// attach registers the link and starts serving it. A link previously
// attached for the same neighbour is closed. It returns nil once the
// network is shutting down.
func (n *Network) attach(rank topology.Rank, l link.Link, child bool) *peer {
	p := newPeer(rank, l, child)

	n.lk.Lock()
	if n.closing {
		n.lk.Unlock()
		_ = l.Close()
		return nil
	}
	var old *peer
	if child {
		old = n.children[rank]
		n.children[rank] = p
	} else {
		old = n.parent
		n.parent = p
	}
	count := len(n.children)
	n.wg.Add(1)
	n.lk.Unlock()

	if old != nil {
		_ = old.link.Close()
	}
	n.msink.SetGaugeWithLabels(MetricArborChildCount, float32(count), n.cfg.metricLabels)
	go n.serve(p)
	return p
}

func (n *Network) serve(p *peer) {
	defer n.wg.Done()
	logger := n.logger.With(LabelPeerRank.L(p.rank))
	mLabels := append(slices.Clip(n.cfg.metricLabels), LabelPeerRank.M(rankString(p.rank)))

	for {
		pkt, err := p.link.Recv(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			select {
			case <-p.link.Done():
				logger.Warn("link broken", LabelError.L(err))
				n.lost(p)
				return
			default:
			}
			n.msink.IncrCounterWithLabels(MetricArborPacketDropCount, 1.0,
				append(mLabels, LabelError.M("undecodable")))
			logger.Warn("dropping undecodable packet", LabelError.L(err))
			continue
		}

		n.msink.IncrCounterWithLabels(MetricArborPacketInCount, 1.0, mLabels)
		n.dispatch(p, pkt)
	}
}

// lost handles the end of a link which was not closed by us.
func (n *Network) lost(p *peer) {
	n.lk.Lock()
	current := false
	if p.child {
		if n.children[p.rank] == p {
			delete(n.children, p.rank)
			current = true
		}
	} else if n.parent == p {
		n.parent = nil
		current = true
	}
	closing := n.closing
	n.lk.Unlock()

	if !current || closing {
		return
	}
	if p.child {
		n.childFailed(p.rank)
		return
	}
	go n.parentFailed(p.rank)
}

// dropPeer closes the link toward rank, if rank is a tree neighbour.
func (n *Network) dropPeer(rank topology.Rank) {
	n.lk.Lock()
	var l link.Link
	if n.parent != nil && n.parent.rank == rank {
		l = n.parent.link
	} else if c, ok := n.children[rank]; ok {
		l = c.link
	}
	n.lk.Unlock()
	if l != nil {
		_ = l.Close()
	}
}

func (n *Network) dispatch(p *peer, pkt *packet.Packet) {
	if p.child {
		pkt.Source = uint32(p.rank)
	}

	var err error
	switch pkt.Tag {
	case packet.TagNewStream, packet.TagNewStreamNamed:
		err = n.onNewStream(p, pkt)
	case packet.TagDeleteStream:
		err = n.onDeleteStream(p, pkt)
	case packet.TagSetFilterParamsUpstreamSync,
		packet.TagSetFilterParamsUpstreamTransient,
		packet.TagSetFilterParamsDownstream:
		err = n.onFilterParams(p, pkt)
	case packet.TagFailureReport:
		err = n.onFailureReport(p, pkt)
	case packet.TagRecoveryReport:
		err = n.onRecoveryReport(p, pkt)
	case packet.TagShutdown:
		err = n.onShutdown(p)
	case packet.TagShutdownAck:
		p.ack()
	case packet.TagEnablePerfData, packet.TagDisablePerfData, packet.TagPrintPerfData:
		err = n.onPerfControl(p, pkt)
	case packet.TagCollectPerfData:
		err = n.onCollectPerfData(p, pkt)
	case packet.TagCollectPerfDataReply:
		err = n.onPerfReply(p, pkt)
	case packet.TagNewChildConnection, packet.TagNewParentReport,
		packet.TagTopologyReport, packet.TagTopologyAck:
		err = fmt.Errorf("%w: %s outside of a handshake", ErrProtocolViolation, pkt.Tag)
	default:
		err = n.onData(p, pkt)
	}

	if err != nil {
		n.logger.Warn("failed to handle packet",
			LabelPeerRank.L(p.rank),
			"packet", pkt,
			LabelError.L(err),
		)
	}
}

func fromParent(p *peer, pkt *packet.Packet) error {
	if p.child {
		return fmt.Errorf("%w: %s must come from the parent", ErrProtocolViolation, pkt.Tag)
	}
	return nil
}

func fromChild(p *peer, pkt *packet.Packet) error {
	if !p.child {
		return fmt.Errorf("%w: %s must come from a child", ErrProtocolViolation, pkt.Tag)
	}
	return nil
}

func (n *Network) onData(p *peer, pkt *packet.Packet) error {
	switch {
	case pkt.Tag == packet.TagTopologyUpdate:
		if pkt.StreamID != topologyStreamID {
			return fmt.Errorf("%w: topology update on stream %d", ErrProtocolViolation, pkt.StreamID)
		}
	case pkt.Tag < packet.FirstApplicationTag:
		return fmt.Errorf("%w: unexpected tag %s", ErrProtocolViolation, pkt.Tag)
	}

	s, ok := n.Stream(pkt.StreamID)
	if !ok {
		n.msink.IncrCounterWithLabels(MetricArborPacketDropCount, 1.0,
			append(slices.Clip(n.cfg.metricLabels), LabelError.M("unknown_stream")))
		return fmt.Errorf("%w: %d", ErrUnknownStream, pkt.StreamID)
	}

	if p.child {
		n.upstream(s, pkt)
	} else {
		n.downstream(s, pkt)
	}
	if s.id == topologyStreamID {
		n.refreshPeers()
	}
	return nil
}

// upstream runs packets received from children, or produced locally,
// through the upstream side of the stream.
func (n *Network) upstream(s *Stream, pkts ...*packet.Packet) {
	out, reverse, err := s.Push(filter.Upstream, pkts)
	n.afterUpstream(s, out, reverse, err)
}

func (n *Network) afterUpstream(s *Stream, out, reverse []*packet.Packet, err error) {
	if err != nil {
		n.filterFailed(s, s.up, err)
	}
	if len(out) > 0 {
		if n.IsFrontEnd() {
			s.deliver(out)
		} else {
			for _, p := range out {
				if err := n.sendParent(n.ctx, p); err != nil {
					s.logger.Debug("dropping upstream packet", LabelError.L(err))
				}
			}
		}
	}
	if len(reverse) > 0 {
		n.forward(n.ctx, s, reverse...)
	}
}

func (n *Network) downstream(s *Stream, pkts ...*packet.Packet) {
	out, reverse, err := s.Push(filter.Downstream, pkts)
	if err != nil {
		n.filterFailed(s, s.down, err)
	}
	if s.hasMember(n.local) {
		s.deliver(out)
	}
	n.forward(n.ctx, s, out...)
	for _, p := range reverse {
		if err := n.sendParent(n.ctx, p); err != nil {
			s.logger.Debug("dropping reversed packet", LabelError.L(err))
		}
	}
}

func (n *Network) filterFailed(s *Stream, inst *filter.Instance, err error) {
	n.msink.IncrCounterWithLabels(MetricArborFilterErrorCount, 1.0,
		append(slices.Clip(s.perf.labels), LabelFilter.M(inst.Name())))
	s.logger.Error("filter failed", LabelFilter.L(inst.Name()), LabelError.L(err))
}

// send emits application data produced locally.
func (n *Network) send(ctx context.Context, s *Stream, p *packet.Packet) error {
	if n.isClosing() {
		return ErrNetworkClosed
	}
	if !n.IsFrontEnd() {
		return n.sendParent(ctx, p)
	}

	out, reverse, err := s.Push(filter.Downstream, []*packet.Packet{p})
	if err != nil {
		return err
	}
	s.deliver(reverse)
	return n.forward(ctx, s, out...)
}

func (n *Network) sendParent(ctx context.Context, p *packet.Packet) error {
	n.lk.Lock()
	parent := n.parent
	n.lk.Unlock()
	if parent == nil {
		return ErrNoParent
	}
	p.Source = uint32(n.local)
	return n.sendTo(ctx, parent, p)
}

func (n *Network) sendTo(ctx context.Context, to *peer, p *packet.Packet) error {
	mLabels := append(slices.Clip(n.cfg.metricLabels), LabelPeerRank.M(rankString(to.rank)))
	if err := to.link.Send(ctx, p); err != nil {
		n.msink.IncrCounterWithLabels(MetricArborPacketOutError, 1.0, mLabels)
		return fmt.Errorf("to %d: %w", to.rank, err)
	}
	n.msink.IncrCounterWithLabels(MetricArborPacketOutCount, 1.0, mLabels)
	return nil
}

// forward sends packets to the children carrying the stream.
func (n *Network) forward(ctx context.Context, s *Stream, pkts ...*packet.Packet) error {
	if len(pkts) == 0 {
		return nil
	}
	peers := s.Peers()

	n.lk.Lock()
	links := make([]*peer, 0, len(peers))
	for _, r := range peers {
		if c, ok := n.children[r]; ok {
			links = append(links, c)
		}
	}
	n.lk.Unlock()

	var errs []error
	for _, c := range links {
		for _, p := range pkts {
			if err := n.sendTo(ctx, c, p); err != nil {
				errs = append(errs, err)
				break
			}
		}
	}
	return errors.Join(errs...)
}

// sendPeers sends a packet to the children carrying the stream.
func (n *Network) sendPeers(ctx context.Context, s *Stream, p *packet.Packet) error {
	return n.forward(ctx, s, p)
}

// propagateEvents makes topology changes observed locally known to the
// whole tree: they travel up to the front-end which sends them back down.
func (n *Network) propagateEvents(events []topology.Event) {
	if len(events) == 0 {
		return
	}
	s, ok := n.Stream(topologyStreamID)
	if !ok {
		return
	}
	n.upstream(s, topology.EventsToPacket(topologyStreamID, events))
}

// broadcastEvents sends topology events to every descendant. Only the
// front-end does it.
func (n *Network) broadcastEvents(events []topology.Event) {
	s, ok := n.Stream(topologyStreamID)
	if !ok || len(events) == 0 {
		return
	}
	if err := n.forward(n.ctx, s, topology.EventsToPacket(topologyStreamID, events)); err != nil {
		n.logger.Debug("topology broadcast incomplete", LabelError.L(err))
	}
}

// peersFor returns the children leading to at least one member.
func (n *Network) peersFor(s *Stream) []topology.Rank {
	if s.id == topologyStreamID {
		return n.graph.Children(n.local)
	}
	set := make(map[topology.Rank]struct{})
	for _, m := range s.members {
		if out, ok := n.graph.Outlet(n.local, m); ok {
			set[out] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// refreshPeers recomputes the peers of every stream after a topology
// change. Waves completed by the change are released.
func (n *Network) refreshPeers() {
	n.lk.Lock()
	streams := slices.Collect(maps.Values(n.streams))
	n.lk.Unlock()

	for _, s := range streams {
		s.setPeers(n.peersFor(s))
	}
}

// streamNodes returns the nodes carrying the stream: its members and
// every ascendant of them.
func (n *Network) streamNodes(s *Stream) map[topology.Rank]struct{} {
	nodes := map[topology.Rank]struct{}{n.local: {}}
	for _, m := range s.members {
		node, ok := n.graph.Node(m)
		if !ok {
			continue
		}
		nodes[m] = struct{}{}
		for _, a := range node.Ascendants {
			nodes[a] = struct{}{}
		}
	}
	return nodes
}

// NewStream opens a stream toward the given back-ends. Only the
// front-end can open streams.
func (n *Network) NewStream(ctx context.Context, members []topology.Rank, up filter.ID, sync filter.SyncPolicy, down filter.ID) (*Stream, error) {
	return n.openStream(ctx, streamSpec{
		members: members,
		up:      up,
		sync:    sync,
		down:    down,
	})
}

// NewStreamByName is like NewStream but filters are referred to by name
// and resolved by every node against its own registry.
func (n *Network) NewStreamByName(ctx context.Context, members []topology.Rank, up, sync, down string) (*Stream, error) {
	return n.openStream(ctx, streamSpec{
		members:  members,
		upName:   up,
		syncName: sync,
		downName: down,
		named:    true,
	})
}

func (n *Network) openStream(ctx context.Context, spec streamSpec) (*Stream, error) {
	if !n.IsFrontEnd() {
		return nil, ErrNotFrontEnd
	}
	if len(spec.members) == 0 {
		return nil, fmt.Errorf("%w: no member", ErrInvalidMembers)
	}
	for _, m := range spec.members {
		node, ok := n.graph.Node(m)
		if !ok || !node.BackEnd {
			return nil, fmt.Errorf("%w: %d", ErrInvalidMembers, m)
		}
	}

	n.lk.Lock()
	if n.closing {
		n.lk.Unlock()
		return nil, ErrNetworkClosed
	}
	spec.id = n.nextStream
	n.nextStream++
	n.lk.Unlock()

	s, err := newStream(n, spec)
	if err != nil {
		return nil, err
	}
	if err := n.addStream(s); err != nil {
		return nil, err
	}
	s.logger.Info("stream opened", "stream", s)
	if err := n.sendPeers(ctx, s, spec.packet()); err != nil {
		return s, err
	}
	return s, nil
}

func (n *Network) addStream(s *Stream) error {
	n.lk.Lock()
	if n.closing {
		n.lk.Unlock()
		return ErrNetworkClosed
	}
	old := n.streams[s.id]
	n.streams[s.id] = s
	if s.app && s.hasMember(n.local) {
		n.incoming = append(n.incoming, s)
	}
	count := len(n.streams)
	close(n.changed)
	n.changed = make(chan struct{})
	n.lk.Unlock()

	if old != nil {
		old.close()
	}
	n.msink.SetGaugeWithLabels(MetricArborStreamCount, float32(count), n.cfg.metricLabels)
	s.setPeers(n.peersFor(s))
	return nil
}

func (n *Network) removeStream(id uint32) {
	n.lk.Lock()
	s, ok := n.streams[id]
	if ok {
		delete(n.streams, id)
		n.incoming = slices.DeleteFunc(n.incoming, func(in *Stream) bool { return in == s })
		close(n.changed)
		n.changed = make(chan struct{})
	}
	count := len(n.streams)
	n.lk.Unlock()

	if ok {
		s.close()
		n.msink.SetGaugeWithLabels(MetricArborStreamCount, float32(count), n.cfg.metricLabels)
	}
}

// Stream returns the stream with the given id, if known locally.
func (n *Network) Stream(id uint32) (*Stream, bool) {
	n.lk.Lock()
	defer n.lk.Unlock()
	s, ok := n.streams[id]
	return s, ok
}

// WaitStream blocks until the stream is known locally.
func (n *Network) WaitStream(ctx context.Context, id uint32) (*Stream, error) {
	for {
		n.lk.Lock()
		s, ok := n.streams[id]
		changed := n.changed
		closing := n.closing
		n.lk.Unlock()
		if ok {
			return s, nil
		}
		if closing {
			return nil, ErrNetworkClosed
		}

		select {
		case <-changed:
		case <-n.done:
			return nil, ErrNetworkClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// AcceptStream returns, in creation order, the streams the local node
// is a member of.
func (n *Network) AcceptStream(ctx context.Context) (*Stream, error) {
	for {
		n.lk.Lock()
		if len(n.incoming) > 0 {
			s := n.incoming[0]
			n.incoming = n.incoming[1:]
			n.lk.Unlock()
			return s, nil
		}
		changed := n.changed
		closing := n.closing
		n.lk.Unlock()
		if closing {
			return nil, ErrNetworkClosed
		}

		select {
		case <-changed:
		case <-n.done:
			return nil, ErrNetworkClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// onNewStream creates a stream announced by the parent. Announcements
// coming from a child are re-homed streams of an adopted orphan: they
// travel up until a node already carrying the stream.
func (n *Network) onNewStream(p *peer, pkt *packet.Packet) error {
	spec, err := parseStreamSpec(pkt)
	if err != nil {
		return err
	}
	if spec.id < firstUserStreamID {
		return fmt.Errorf("%w: stream id %d is reserved", ErrProtocolViolation, spec.id)
	}
	if p.child {
		if _, known := n.Stream(spec.id); known {
			return nil
		}
	}

	s, err := newStream(n, spec)
	if err != nil {
		return err
	}
	if err := n.addStream(s); err != nil {
		return err
	}
	if p.child {
		s.logger.Debug("stream re-homed", "stream", s)
		return n.sendParent(n.ctx, pkt)
	}
	s.logger.Debug("stream announced", "stream", s)
	return n.sendPeers(n.ctx, s, pkt)
}

func (n *Network) onDeleteStream(p *peer, pkt *packet.Packet) error {
	if err := fromParent(p, pkt); err != nil {
		return err
	}
	s, ok := n.Stream(pkt.StreamID)
	if !ok || !s.app {
		return fmt.Errorf("%w: %d", ErrUnknownStream, pkt.StreamID)
	}
	err := n.sendPeers(n.ctx, s, pkt)
	n.removeStream(s.id)
	return err
}

func (n *Network) onFilterParams(p *peer, pkt *packet.Packet) error {
	if err := fromParent(p, pkt); err != nil {
		return err
	}
	s, ok := n.Stream(pkt.StreamID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownStream, pkt.StreamID)
	}
	role, _ := roleOf(pkt.Tag)
	err := s.setParams(role, pkt)
	return errors.Join(err, n.sendPeers(n.ctx, s, pkt))
}

func (n *Network) onPerfControl(p *peer, pkt *packet.Packet) error {
	if err := fromParent(p, pkt); err != nil {
		return err
	}
	s, ok := n.Stream(pkt.StreamID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownStream, pkt.StreamID)
	}
	m, c, err := parsePerf(pkt)
	if err != nil {
		return err
	}
	s.applyPerf(pkt.Tag, m, c)
	return n.sendPeers(n.ctx, s, pkt)
}

func (n *Network) onCollectPerfData(p *peer, pkt *packet.Packet) error {
	if err := fromParent(p, pkt); err != nil {
		return err
	}
	s, ok := n.Stream(pkt.StreamID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownStream, pkt.StreamID)
	}
	m, c, err := parsePerf(pkt)
	if err != nil {
		return err
	}
	fwdErr := n.sendPeers(n.ctx, s, pkt)
	reply := perfReplyPacket(s.id, n.local, m, c, s.perf.collect(m, c))
	return errors.Join(fwdErr, n.sendParent(n.ctx, reply))
}

func (n *Network) onPerfReply(p *peer, pkt *packet.Packet) error {
	if err := fromChild(p, pkt); err != nil {
		return err
	}
	s, ok := n.Stream(pkt.StreamID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownStream, pkt.StreamID)
	}
	if !n.IsFrontEnd() {
		return n.sendParent(n.ctx, pkt)
	}
	r, err := parsePerfReply(pkt)
	if err != nil {
		return err
	}
	s.collected(r)
	return nil
}

func (n *Network) acceptLinks() {
	defer n.wg.Done()
	for {
		select {
		case l := <-n.tr.Links():
			go func() {
				ctx, cancel := context.WithTimeout(n.ctx, n.cfg.trCfg.DialTimeout)
				defer cancel()
				if err := n.Accept(ctx, l); err != nil {
					n.logger.Warn("refused inbound link", LabelError.L(err))
				}
			}()
		case <-n.ctx.Done():
			return
		}
	}
}
