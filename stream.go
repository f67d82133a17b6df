package arbor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/raskyld/arbor/pkg/filter"
	"github.com/raskyld/arbor/pkg/packet"
	"github.com/raskyld/arbor/pkg/topology"
)

type StreamState uint8

const (
	// StreamOpen streams are known to the node but carried no data yet.
	StreamOpen StreamState = iota
	StreamActive
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "open"
	case StreamActive:
		return "active"
	case StreamClosed:
		return "closed"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// FilterRole selects which filter of a stream parameters are set on.
type FilterRole uint8

const (
	RoleUpstream FilterRole = iota
	RoleSync
	RoleDownstream
)

func (r FilterRole) tag() packet.Tag {
	switch r {
	case RoleSync:
		return packet.TagSetFilterParamsUpstreamSync
	case RoleDownstream:
		return packet.TagSetFilterParamsDownstream
	}
	return packet.TagSetFilterParamsUpstreamTransient
}

func roleOf(tag packet.Tag) (FilterRole, bool) {
	switch tag {
	case packet.TagSetFilterParamsUpstreamTransient:
		return RoleUpstream, true
	case packet.TagSetFilterParamsUpstreamSync:
		return RoleSync, true
	case packet.TagSetFilterParamsDownstream:
		return RoleDownstream, true
	}
	return 0, false
}

// Stream is a logical channel between the front-end and a set of
// back-ends. Upstream packets are synchronized then reduced by the
// upstream filter on every internal node, downstream packets go through
// the downstream filter on their way to the members.
type Stream struct {
	net     *Network
	id      uint32
	spec    streamSpec
	members []topology.Rank
	app     bool
	logger  *slog.Logger

	sync *filter.Synchronizer
	up   *filter.Instance
	down *filter.Instance
	perf *perfData

	lk     sync.Mutex
	state  StreamState
	peers  []topology.Rank
	depth  int
	slot   []*packet.Packet
	signal chan struct{}
	closed chan struct{}

	// replies receives perf data replies while a collection runs.
	replies chan perfReply
}

func newStream(n *Network, spec streamSpec) (*Stream, error) {
	if err := spec.resolve(n.filters); err != nil {
		return nil, err
	}
	up, err := n.filters.Instantiate(spec.up)
	if err != nil {
		return nil, err
	}
	down, err := n.filters.Instantiate(spec.down)
	if err != nil {
		return nil, err
	}

	members := slices.Clone(spec.members)
	slices.Sort(members)
	s := &Stream{
		net:     n,
		id:      spec.id,
		spec:    spec,
		members: slices.Compact(members),
		app:     spec.id >= firstUserStreamID,
		logger:  n.logger.With(LabelStreamID.L(spec.id)),
		up:      up,
		down:    down,
		perf: newPerfData(n.msink, append(slices.Clip(n.cfg.metricLabels),
			LabelStreamID.M(strconv.FormatUint(uint64(spec.id), 10)))),
		depth:  n.cfg.bufferDepth,
		signal: make(chan struct{}),
		closed: make(chan struct{}),
	}

	s.sync, err = filter.NewSynchronizer(spec.sync, n.cfg.syncTimeout, s.expired)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stream) ID() uint32 {
	return s.id
}

// Members returns the ranks of the back-ends of the stream.
func (s *Stream) Members() []topology.Rank {
	return slices.Clone(s.members)
}

func (s *Stream) State() StreamState {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.state
}

// Peers returns the children the local node expects upstream packets
// from.
func (s *Stream) Peers() []topology.Rank {
	s.lk.Lock()
	defer s.lk.Unlock()
	return slices.Clone(s.peers)
}

func (s *Stream) hasMember(rank topology.Rank) bool {
	_, found := slices.BinarySearch(s.members, rank)
	return found
}

func (s *Stream) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(s.id)),
		slog.Int("members", len(s.members)),
		slog.String("up", s.up.Name()),
		slog.String("sync", s.sync.Policy().String()),
		slog.String("down", s.down.Name()),
		slog.String("state", s.State().String()),
	)
}

// Push runs packets through the filters of the direction. Upstream,
// packets are first synchronized and each released wave is transformed.
// The stream stays usable when a transformation fails.
func (s *Stream) Push(dir filter.Direction, pkts []*packet.Packet) (out, reverse []*packet.Packet, err error) {
	if s.State() == StreamClosed {
		return nil, nil, fmt.Errorf("%w: %d", ErrStreamClosed, s.id)
	}
	s.activate()

	if dir == filter.Downstream {
		return s.transform(dir, s.down, pkts)
	}

	var errs []error
	for _, wave := range s.sync.Place(pkts) {
		o, r, err := s.transform(dir, s.up, wave)
		if err != nil {
			errs = append(errs, err)
		}
		out = append(out, o...)
		reverse = append(reverse, r...)
	}
	return out, reverse, errors.Join(errs...)
}

func (s *Stream) transform(dir filter.Direction, inst *filter.Instance, pkts []*packet.Packet) ([]*packet.Packet, []*packet.Packet, error) {
	info, err := s.net.graph.LocalInfo(s.net.local)
	if err != nil {
		info = topology.LocalInfo{Rank: s.net.local}
	}

	s.perf.record(PerfPackets, PerfFilterIn, float64(len(pkts)))
	start := time.Now()
	out, reverse, err := inst.Run(dir, pkts, info)
	s.perf.record(PerfFilterElapsed, PerfFilterOut, float64(time.Since(start).Microseconds())/1000)
	s.perf.record(PerfPackets, PerfFilterOut, float64(len(out)))

	for _, p := range out {
		p.StreamID = s.id
	}
	for _, p := range reverse {
		p.StreamID = s.id
	}
	return out, reverse, err
}

// release transforms waves completed outside of Push and hands the
// result to the network.
func (s *Stream) release(waves [][]*packet.Packet) {
	for _, wave := range waves {
		out, reverse, err := s.transform(filter.Upstream, s.up, wave)
		s.net.afterUpstream(s, out, reverse, err)
	}
}

func (s *Stream) expired(wave []*packet.Packet) {
	if s.State() == StreamClosed {
		return
	}
	s.release([][]*packet.Packet{wave})
}

func (s *Stream) setPeers(peers []topology.Rank) {
	s.lk.Lock()
	if s.state == StreamClosed {
		s.lk.Unlock()
		return
	}
	s.peers = peers
	s.lk.Unlock()

	ranks := make([]uint32, len(peers))
	for i, p := range peers {
		ranks[i] = uint32(p)
	}
	s.release(s.sync.SetPeers(ranks))
}

func (s *Stream) setParams(role FilterRole, p *packet.Packet) error {
	switch role {
	case RoleUpstream:
		s.up.SetParams(p)
	case RoleDownstream:
		s.down.SetParams(p)
	case RoleSync:
		return s.sync.SetParams(p)
	}
	return nil
}

func (s *Stream) activate() {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.state == StreamOpen {
		s.state = StreamActive
	}
}

// deliver hands packets to the application. When the buffer is full
// the oldest packets are overwritten.
func (s *Stream) deliver(pkts []*packet.Packet) {
	if !s.app || len(pkts) == 0 {
		return
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.state == StreamClosed {
		return
	}
	s.state = StreamActive
	s.slot = append(s.slot, pkts...)
	if s.depth > 0 && len(s.slot) > s.depth {
		dropped := len(s.slot) - s.depth
		s.slot = slices.Delete(s.slot, 0, dropped)
		s.net.msink.IncrCounterWithLabels(MetricArborPacketDropCount, float32(dropped),
			append(slices.Clip(s.net.cfg.metricLabels), LabelError.M("overwritten")))
	}
	close(s.signal)
	s.signal = make(chan struct{})
}

// Recv returns the next packet delivered to the application: reduced
// upstream data on the front-end, downstream data on back-ends.
func (s *Stream) Recv(ctx context.Context) (*packet.Packet, error) {
	for {
		s.lk.Lock()
		if len(s.slot) > 0 {
			p := s.slot[0]
			s.slot = s.slot[1:]
			s.lk.Unlock()
			s.perf.record(PerfPackets, PerfRecv, 1)
			return p, nil
		}
		if s.state == StreamClosed {
			s.lk.Unlock()
			return nil, fmt.Errorf("%w: %d", ErrStreamClosed, s.id)
		}
		signal := s.signal
		s.lk.Unlock()

		select {
		case <-signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Send emits application data on the stream. The front-end multicasts
// it to the members, back-ends send it toward the front-end.
func (s *Stream) Send(ctx context.Context, tag packet.Tag, elems ...packet.Element) error {
	if tag < packet.FirstApplicationTag {
		return fmt.Errorf("%w: %s", ErrReservedTag, tag)
	}
	if s.State() == StreamClosed {
		return fmt.Errorf("%w: %d", ErrStreamClosed, s.id)
	}
	s.activate()

	p := packet.New(s.id, tag, elems...)
	s.perf.record(PerfPackets, PerfSend, 1)
	if s.perf.active(PerfBytes, PerfSend) {
		if buf, err := packet.Marshal(p); err == nil {
			s.perf.record(PerfBytes, PerfSend, float64(len(buf)))
		}
	}
	return s.net.send(ctx, s, p)
}

// SetFilterParameters sets the parameters of one of the filters of the
// stream on every node carrying it. Only the front-end can do it.
func (s *Stream) SetFilterParameters(ctx context.Context, role FilterRole, elems ...packet.Element) error {
	if !s.net.IsFrontEnd() {
		return ErrNotFrontEnd
	}
	p := packet.New(s.id, role.tag(), elems...)
	if err := s.setParams(role, p); err != nil {
		return err
	}
	return s.net.sendPeers(ctx, s, p)
}

// Close deletes the stream. On the front-end, the deletion is
// propagated to every node carrying the stream.
func (s *Stream) Close() error {
	if s.net.IsFrontEnd() && s.app {
		if err := s.net.sendPeers(context.Background(), s, packet.New(s.id, packet.TagDeleteStream)); err != nil {
			s.logger.Warn("failed to propagate stream deletion", LabelError.L(err))
		}
	}
	s.net.removeStream(s.id)
	return nil
}

func (s *Stream) close() {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.state == StreamClosed {
		return
	}
	s.state = StreamClosed
	s.sync.Stop()
	close(s.signal)
	s.signal = make(chan struct{})
	close(s.closed)
}

// Done is closed when the stream is closed.
func (s *Stream) Done() <-chan struct{} {
	return s.closed
}

// EnablePerfData starts recording the metric in the given context on
// every node of the stream.
func (s *Stream) EnablePerfData(ctx context.Context, m PerfMetric, c PerfContext) error {
	return s.perfControl(ctx, packet.TagEnablePerfData, m, c)
}

func (s *Stream) DisablePerfData(ctx context.Context, m PerfMetric, c PerfContext) error {
	return s.perfControl(ctx, packet.TagDisablePerfData, m, c)
}

// PrintPerfData makes every node of the stream log what it recorded.
func (s *Stream) PrintPerfData(ctx context.Context, m PerfMetric, c PerfContext) error {
	return s.perfControl(ctx, packet.TagPrintPerfData, m, c)
}

func (s *Stream) perfControl(ctx context.Context, tag packet.Tag, m PerfMetric, c PerfContext) error {
	if err := validPerf(m, c); err != nil {
		return err
	}
	if !s.net.IsFrontEnd() {
		return ErrNotFrontEnd
	}
	s.applyPerf(tag, m, c)
	return s.net.sendPeers(ctx, s, perfPacket(s.id, tag, m, c))
}

func (s *Stream) applyPerf(tag packet.Tag, m PerfMetric, c PerfContext) {
	switch tag {
	case packet.TagEnablePerfData:
		s.perf.enable(m, c, true)
	case packet.TagDisablePerfData:
		s.perf.enable(m, c, false)
	case packet.TagPrintPerfData:
		s.perf.print(s.logger, m, c)
	}
}

// CollectPerfData gathers, from every node carrying the stream, the
// samples recorded since the last collection. It returns what it got
// so far if ctx expires before every node answered.
func (s *Stream) CollectPerfData(ctx context.Context, m PerfMetric, c PerfContext) (map[topology.Rank][]float64, error) {
	if err := validPerf(m, c); err != nil {
		return nil, err
	}
	if !s.net.IsFrontEnd() {
		return nil, ErrNotFrontEnd
	}

	expected := s.net.streamNodes(s)
	replies := make(chan perfReply, len(expected))
	s.lk.Lock()
	if s.replies != nil {
		s.lk.Unlock()
		return nil, fmt.Errorf("%w: a collection is already running", ErrProtocolViolation)
	}
	s.replies = replies
	s.lk.Unlock()
	defer func() {
		s.lk.Lock()
		s.replies = nil
		s.lk.Unlock()
	}()

	result := map[topology.Rank][]float64{
		s.net.local: s.perf.collect(m, c),
	}
	if err := s.net.sendPeers(ctx, s, perfPacket(s.id, packet.TagCollectPerfData, m, c)); err != nil {
		return result, err
	}

	for len(result) < len(expected) {
		select {
		case r := <-replies:
			if r.metric == m && r.ctx == c {
				result[r.rank] = r.values
			}
		case <-ctx.Done():
			return result, fmt.Errorf("%d of %d nodes answered: %w", len(result), len(expected), ctx.Err())
		}
	}
	return result, nil
}

func (s *Stream) collected(r perfReply) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.replies == nil {
		return
	}
	select {
	case s.replies <- r:
	default:
	}
}
