package arbor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/arbor/pkg/filter"
	"github.com/raskyld/arbor/pkg/link"
	"github.com/raskyld/arbor/pkg/packet"
	"github.com/raskyld/arbor/pkg/topology"
	"github.com/stretchr/testify/require"
)

const (
	// front-end, two internal nodes and four back-ends.
	testTopology = "[fe:07000:0:1" +
		"[i1:07001:1:1[b3:07003:3:0][b4:07004:4:0]]" +
		"[i2:07002:2:1[b5:07005:5:0][b6:07006:6:0]]]"

	testTimeout = 5 * time.Second
	testTick    = 20 * time.Millisecond
)

// testTree runs a whole tree in the test process, nodes reach each other
// through in-memory pipes.
type testTree struct {
	t     *testing.T
	nodes map[topology.Rank]*Network
	order []topology.Rank

	lk    sync.Mutex
	hosts map[string]*Network

	fatal chan error
	msink *metrics.InmemSink
}

func (tt *testTree) Dial(_ context.Context, host string, port topology.Port) (link.Link, error) {
	tt.lk.Lock()
	target, ok := tt.hosts[net.JoinHostPort(host, strconv.Itoa(int(port)))]
	tt.lk.Unlock()
	if !ok {
		return nil, fmt.Errorf("no node on %s:%d", host, port)
	}
	select {
	case <-target.Done():
		return nil, fmt.Errorf("node on %s:%d is down", host, port)
	default:
	}

	local, remote := link.Pipe(128)
	go func() {
		if err := target.Accept(context.Background(), remote); err != nil {
			tt.t.Logf("node %d refused a link: %s", target.Rank(), err)
		}
	}()
	return local, nil
}

func newTestTree(t *testing.T, topo string, opts ...Option) *testTree {
	t.Helper()
	graph, err := topology.Parse(topo)
	require.NoError(t, err)

	tt := &testTree{
		t:     t,
		nodes: make(map[topology.Rank]*Network),
		hosts: make(map[string]*Network),
		fatal: make(chan error, 16),
		msink: metrics.NewInmemSink(time.Second, time.Minute),
	}

	queue := []topology.Rank{graph.Root()}
	for len(queue) > 0 {
		rank := queue[0]
		queue = append(queue[1:], graph.Children(rank)...)
		tt.order = append(tt.order, rank)

		nodeOpts := append([]Option{
			WithLog(testHandler(fmt.Sprintf("rank%d", rank))),
			WithMetricSink(tt.msink),
			WithDialer(tt),
			WithDialTimeout(time.Second),
			WithRandSource(rand.NewPCG(uint64(rank), 42)),
			WithFatalHandler(func(err error) { tt.fatal <- err }),
		}, opts...)
		n, err := New(topo, rank, nodeOpts...)
		require.NoError(t, err)

		node, _ := graph.Node(rank)
		tt.nodes[rank] = n
		tt.hosts[net.JoinHostPort(node.Host, strconv.Itoa(int(node.Port)))] = n
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		for _, rank := range tt.order {
			_ = tt.nodes[rank].Shutdown(ctx)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	for _, rank := range tt.order[1:] {
		require.NoError(t, tt.nodes[rank].Connect(ctx), "rank %d", rank)
	}
	for _, rank := range tt.order {
		tt.requireAttached(rank, len(graph.Children(rank)))
	}
	return tt
}

func attachedChildren(n *Network) int {
	n.lk.Lock()
	defer n.lk.Unlock()
	return len(n.children)
}

func (tt *testTree) requireAttached(rank topology.Rank, count int) {
	tt.t.Helper()
	require.Eventually(tt.t, func() bool {
		return attachedChildren(tt.nodes[rank]) == count
	}, testTimeout, testTick, "rank %d should have %d children", rank, count)
}

func (tt *testTree) fe() *Network {
	return tt.nodes[tt.order[0]]
}

// crash drops a node without notifying anyone.
func (tt *testTree) crash(rank topology.Rank) {
	require.NoError(tt.t, tt.nodes[rank].teardown())
}

func (tt *testTree) requireNoFatal() {
	tt.t.Helper()
	select {
	case err := <-tt.fatal:
		tt.t.Fatalf("unexpected fatal error: %s", err)
	default:
	}
}

// answer makes back-ends reply to every multicast with value(rank).
func (tt *testTree) answer(ctx context.Context, id uint32, value func(topology.Rank) int32, ranks ...topology.Rank) {
	for _, rank := range ranks {
		n := tt.nodes[rank]
		go func() {
			s, err := n.WaitStream(ctx, id)
			if err != nil {
				return
			}
			for {
				p, err := s.Recv(ctx)
				if err != nil {
					return
				}
				if err := s.Send(ctx, p.Tag+1, packet.Int32(value(rank))); err != nil {
					tt.t.Logf("rank %d failed to answer: %s", rank, err)
				}
			}
		}()
	}
}

func byRank(r topology.Rank) int32 { return int32(r) }

func round(t *testing.T, ctx context.Context, s *Stream) int64 {
	t.Helper()
	require.NoError(t, s.Send(ctx, packet.FirstApplicationTag, packet.Int32(0)))
	p, err := s.Recv(ctx)
	require.NoError(t, err)
	v, err := p.At(0).Int()
	require.NoError(t, err)
	return v
}

func TestNew(t *testing.T) {
	t.Run("invalid topology", func(t *testing.T) {
		_, err := New("[fe:07000:0", 0)
		require.ErrorIs(t, err, ErrInvalidCfg)
	})

	t.Run("rank not in topology", func(t *testing.T) {
		_, err := New(testTopology, 42)
		require.ErrorIs(t, err, ErrInvalidCfg)
		require.ErrorIs(t, err, topology.ErrNodeNotFound)
	})

	t.Run("invalid option", func(t *testing.T) {
		_, err := New(testTopology, 0, WithStreamBufferDepth(-1))
		require.ErrorIs(t, err, ErrInvalidCfg)

		_, err = New(testTopology, 0, WithTlsConfig(nil))
		require.ErrorIs(t, err, ErrNoTLSConfig)
	})

	t.Run("roles", func(t *testing.T) {
		fe, err := New(testTopology, 0, WithLog(testHandler("rank0")))
		require.NoError(t, err)
		defer fe.Shutdown(context.Background())
		require.True(t, fe.IsFrontEnd())
		require.False(t, fe.IsBackEnd())
		require.NoError(t, fe.Connect(context.Background()), "front-end has no parent to reach")

		be, err := New(testTopology, 3, WithLog(testHandler("rank3")))
		require.NoError(t, err)
		defer be.Shutdown(context.Background())
		require.False(t, be.IsFrontEnd())
		require.True(t, be.IsBackEnd())
		require.ErrorIs(t, be.Connect(context.Background()), ErrNoDialer)
	})
}

func TestStreams(t *testing.T) {
	tt := newTestTree(t, testTopology)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	fe := tt.fe()
	backEnds := []topology.Rank{3, 4, 5, 6}

	t.Run("only the front-end opens streams", func(t *testing.T) {
		_, err := tt.nodes[1].NewStream(ctx, backEnds, filter.IDSum, filter.SyncWaitForAll, filter.IDNull)
		require.ErrorIs(t, err, ErrNotFrontEnd)
	})

	t.Run("members must be back-ends", func(t *testing.T) {
		_, err := fe.NewStream(ctx, []topology.Rank{1, 3}, filter.IDSum, filter.SyncWaitForAll, filter.IDNull)
		require.ErrorIs(t, err, ErrInvalidMembers)

		_, err = fe.NewStream(ctx, nil, filter.IDSum, filter.SyncWaitForAll, filter.IDNull)
		require.ErrorIs(t, err, ErrInvalidMembers)
	})

	t.Run("sum every back-end", func(t *testing.T) {
		s, err := fe.NewStream(ctx, backEnds, filter.IDSum, filter.SyncWaitForAll, filter.IDNull)
		require.NoError(t, err)
		defer s.Close()
		tt.answer(ctx, s.ID(), byRank, backEnds...)

		for range 3 {
			require.Equal(t, int64(3+4+5+6), round(t, ctx, s))
		}
		require.Equal(t, StreamActive, s.State())
		require.Equal(t, []topology.Rank{1, 2}, s.Peers())
	})

	t.Run("subset of back-ends", func(t *testing.T) {
		s, err := fe.NewStream(ctx, []topology.Rank{4, 6}, filter.IDMax, filter.SyncWaitForAll, filter.IDNull)
		require.NoError(t, err)
		defer s.Close()
		tt.answer(ctx, s.ID(), byRank, 4, 6)

		require.Equal(t, int64(6), round(t, ctx, s))

		inner, ok := tt.nodes[1].Stream(s.ID())
		require.True(t, ok)
		require.Equal(t, []topology.Rank{4}, inner.Peers())
		_, ok = tt.nodes[3].Stream(s.ID())
		require.False(t, ok, "rank 3 does not carry the stream")
	})

	t.Run("stream by name", func(t *testing.T) {
		for _, rank := range tt.order {
			_, err := tt.nodes[rank].RegisterFilter("double_sum", func(in filter.Input) (filter.Output, error) {
				var total int64
				for _, p := range in.Packets {
					v, err := p.At(0).Int()
					if err != nil {
						return filter.Output{}, err
					}
					total += v
				}
				if in.Info.Rank == 0 {
					total *= 2
				}
				out := packet.New(0, in.Packets[0].Tag, packet.Int64(total))
				return filter.Output{Packets: []*packet.Packet{out}}, nil
			}, nil)
			require.NoError(t, err)
		}

		s, err := fe.NewStreamByName(ctx, backEnds, "double_sum", "wait_for_all", "null")
		require.NoError(t, err)
		defer s.Close()
		tt.answer(ctx, s.ID(), func(topology.Rank) int32 { return 1 }, backEnds...)
		require.Equal(t, int64(8), round(t, ctx, s))
	})

	t.Run("unknown filter name", func(t *testing.T) {
		_, err := fe.NewStreamByName(ctx, backEnds, "nope", "wait_for_all", "null")
		require.ErrorIs(t, err, filter.ErrUnknownFilter)
	})

	t.Run("application tags only", func(t *testing.T) {
		s, err := fe.NewStream(ctx, backEnds, filter.IDSum, filter.SyncDontWait, filter.IDNull)
		require.NoError(t, err)
		defer s.Close()
		require.ErrorIs(t, s.Send(ctx, packet.TagShutdown), ErrReservedTag)
	})

	t.Run("back-ends accept their streams", func(t *testing.T) {
		s, err := fe.NewStream(ctx, []topology.Rank{5}, filter.IDSum, filter.SyncDontWait, filter.IDNull)
		require.NoError(t, err)

		var got *Stream
		for got == nil || got.ID() != s.ID() {
			got, err = tt.nodes[5].AcceptStream(ctx)
			require.NoError(t, err)
		}
		require.Equal(t, []topology.Rank{5}, got.Members())

		require.NoError(t, s.Close())
		select {
		case <-got.Done():
		case <-ctx.Done():
			t.Fatal("stream deletion was not propagated")
		}
		_, err = got.Recv(ctx)
		require.ErrorIs(t, err, ErrStreamClosed)
	})

	tt.requireNoFatal()
}

func TestFilterParameters(t *testing.T) {
	tt := newTestTree(t, testTopology)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	s, err := tt.fe().NewStream(ctx, []topology.Rank{3, 4, 5, 6}, filter.IDSum, filter.SyncTimeout, filter.IDNull)
	require.NoError(t, err)
	require.NoError(t, s.SetFilterParameters(ctx, RoleSync, packet.Int32(50)))

	// only rank 3 answers, waves are released by the deadline.
	tt.answer(ctx, s.ID(), byRank, 3)
	require.Equal(t, int64(3), round(t, ctx, s))

	inner, err := tt.nodes[3].WaitStream(ctx, s.ID())
	require.NoError(t, err)
	require.ErrorIs(t, inner.SetFilterParameters(ctx, RoleSync, packet.Int32(10)), ErrNotFrontEnd)
}

func TestChildFailure(t *testing.T) {
	tt := newTestTree(t, testTopology)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	s, err := tt.fe().NewStream(ctx, []topology.Rank{3, 4, 5, 6}, filter.IDSum, filter.SyncWaitForAll, filter.IDNull)
	require.NoError(t, err)
	tt.answer(ctx, s.ID(), byRank, 3, 4, 5, 6)
	require.Equal(t, int64(18), round(t, ctx, s))

	tt.crash(6)
	for _, rank := range []topology.Rank{0, 1, 2} {
		require.Eventually(t, func() bool {
			_, ok := tt.nodes[rank].Topology().Node(6)
			return !ok
		}, testTimeout, testTick, "rank %d should forget rank 6", rank)
	}

	require.Equal(t, int64(3+4+5), round(t, ctx, s))
	tt.requireNoFatal()
}

func TestParentFailure(t *testing.T) {
	for _, strategy := range []topology.Strategy{topology.StrategyWRS, topology.StrategyRandom, topology.StrategySortedRR} {
		t.Run(strategy.String(), func(t *testing.T) {
			tt := newTestTree(t, testTopology, WithRecoveryStrategy(strategy))
			ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
			defer cancel()

			s, err := tt.fe().NewStream(ctx, []topology.Rank{3, 4, 5, 6}, filter.IDSum, filter.SyncWaitForAll, filter.IDNull)
			require.NoError(t, err)
			tt.answer(ctx, s.ID(), byRank, 3, 4, 5, 6)
			require.Equal(t, int64(18), round(t, ctx, s))

			tt.crash(1)
			for _, orphan := range []topology.Rank{3, 4} {
				require.Eventually(t, func() bool {
					self, ok := tt.nodes[orphan].Topology().Node(orphan)
					if !ok || self.Parent == 1 || self.Parent == topology.UnknownRank {
						return false
					}
					seen, ok := tt.fe().Topology().Node(orphan)
					if !ok || seen.Parent != self.Parent {
						return false
					}
					adopter, ok := tt.nodes[self.Parent].Stream(s.ID())
					if !ok || !slices.Contains(adopter.Peers(), orphan) {
						return false
					}
					outlet, ok := tt.fe().Topology().Outlet(0, orphan)
					return ok && slices.Contains(s.Peers(), outlet)
				}, testTimeout, testTick, "rank %d should be adopted", orphan)
			}

			_, ok := tt.fe().Topology().Node(1)
			require.False(t, ok)
			require.NoError(t, tt.fe().Topology().Validate())
			require.Equal(t, int64(18), round(t, ctx, s))
			tt.requireNoFatal()
		})
	}
}

func TestRecoveryFailures(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		tt := newTestTree(t, testTopology, WithRecovery(false))
		tt.crash(1)

		select {
		case err := <-tt.fatal:
			require.ErrorIs(t, err, ErrRecoveryDisabled)
			require.True(t, IsFatal(err))
		case <-time.After(testTimeout):
			t.Fatal("fatal handler was not invoked")
		}
	})

	t.Run("front-end lost", func(t *testing.T) {
		tt := newTestTree(t, "[fe:07000:0:1[i1:07001:1:1[b2:07002:2:0]]]")
		tt.crash(0)

		select {
		case err := <-tt.fatal:
			require.ErrorIs(t, err, ErrRecoveryExhausted)
		case <-time.After(testTimeout):
			t.Fatal("fatal handler was not invoked")
		}
	})
}

func TestShutdown(t *testing.T) {
	tt := newTestTree(t, testTopology)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	require.NoError(t, tt.fe().Shutdown(ctx))
	for _, rank := range tt.order {
		select {
		case <-tt.nodes[rank].Done():
		case <-ctx.Done():
			t.Fatalf("rank %d is still running", rank)
		}
	}
	tt.requireNoFatal()

	_, err := tt.fe().NewStream(ctx, []topology.Rank{3}, filter.IDSum, filter.SyncDontWait, filter.IDNull)
	require.ErrorIs(t, err, ErrNetworkClosed)
	_, err = tt.nodes[3].AcceptStream(ctx)
	require.ErrorIs(t, err, ErrNetworkClosed)
	require.NoError(t, tt.fe().Shutdown(ctx), "shutdown is idempotent")
}

func TestShutdownHungGrandchild(t *testing.T) {
	tt := newTestTree(t, "[fe:07000:0:1[i1:07001:1:1[b2:07002:2:0]]]",
		WithDialTimeout(10*time.Second))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	// b3 joins i1 but never answers the shutdown request.
	local, remote := link.Pipe(16)
	require.NoError(t, local.Send(ctx, helloPacket(3, "b3", 7003)))
	require.NoError(t, local.Send(ctx, stringPacket(packet.TagTopologyReport, "[b3:07003:3:0]")))
	require.NoError(t, tt.nodes[1].Accept(ctx, remote))
	ack, err := local.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, packet.TagTopologyAck, ack.Tag)
	tt.requireAttached(1, 2)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 2*time.Second)
	defer shutdownCancel()
	start := time.Now()
	require.NoError(t, tt.fe().Shutdown(shutdownCtx))
	require.Less(t, time.Since(start), time.Second,
		"the front-end must not wait for its grandchildren")

	for {
		p, err := local.Recv(ctx)
		require.NoError(t, err)
		if p.Tag == packet.TagShutdown {
			break
		}
	}
	select {
	case <-tt.nodes[1].Done():
		t.Fatal("rank 1 should still wait for rank 3")
	default:
	}

	require.NoError(t, local.Close())
	require.Eventually(t, func() bool {
		select {
		case <-tt.nodes[1].Done():
			return true
		default:
			return false
		}
	}, testTimeout, testTick)
	tt.requireNoFatal()
}

func TestPerfData(t *testing.T) {
	tt := newTestTree(t, testTopology)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	backEnds := []topology.Rank{3, 4, 5, 6}
	s, err := tt.fe().NewStream(ctx, backEnds, filter.IDSum, filter.SyncWaitForAll, filter.IDNull)
	require.NoError(t, err)
	require.ErrorIs(t, s.EnablePerfData(ctx, lastPerfMetric, PerfSend), ErrProtocolViolation)
	require.NoError(t, s.EnablePerfData(ctx, PerfPackets, PerfSend))
	tt.answer(ctx, s.ID(), byRank, backEnds...)
	require.Equal(t, int64(18), round(t, ctx, s))
	require.NoError(t, s.PrintPerfData(ctx, PerfPackets, PerfSend))

	got, err := s.CollectPerfData(ctx, PerfPackets, PerfSend)
	require.NoError(t, err)
	require.Len(t, got, 7, "every node carrying the stream answers")
	require.Equal(t, []float64{1}, got[0])
	require.Empty(t, got[1])
	for _, rank := range backEnds {
		require.Equal(t, []float64{1}, got[rank], "rank %d", rank)
	}

	got, err = s.CollectPerfData(ctx, PerfPackets, PerfSend)
	require.NoError(t, err)
	require.Empty(t, got[3], "collection clears samples")

	require.NoError(t, s.DisablePerfData(ctx, PerfPackets, PerfSend))
	require.Equal(t, int64(18), round(t, ctx, s))
	got, err = s.CollectPerfData(ctx, PerfPackets, PerfSend)
	require.NoError(t, err)
	require.Empty(t, got[3])
}

func TestGossipLeave(t *testing.T) {
	tt := newTestTree(t, testTopology, WithRecovery(false))
	g := &gossip{logger: tt.nodes[2].logger, net: tt.nodes[2]}

	g.NotifyLeave(&memberlist.Node{Name: "not-a-rank"})
	g.NotifyLeave(&memberlist.Node{Name: "3"})
	tt.requireAttached(2, 2)

	g.NotifyLeave(&memberlist.Node{Name: "6"})
	tt.requireAttached(2, 1)
	require.Eventually(t, func() bool {
		_, ok := tt.fe().Topology().Node(6)
		return !ok
	}, testTimeout, testTick)
}

func TestHandshake(t *testing.T) {
	tt := newTestTree(t, testTopology)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	t.Run("first packet must be a hello", func(t *testing.T) {
		local, remote := link.Pipe(4)
		require.NoError(t, local.Send(ctx, packet.New(0, packet.FirstApplicationTag)))
		err := tt.nodes[1].Accept(ctx, remote)
		require.ErrorIs(t, err, ErrHandshake)
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("back-ends cannot adopt", func(t *testing.T) {
		local, remote := link.Pipe(4)
		require.NoError(t, local.Send(ctx, newParentPacket(5, 2, "[b5:07005:5:0]")))
		err := tt.nodes[3].Accept(ctx, remote)
		require.ErrorIs(t, err, topology.ErrBackEndParent)
	})

	t.Run("new back-end joins", func(t *testing.T) {
		joiner, err := New("[b7:07007:7:0]", 7, WithLog(testHandler("rank7")))
		require.NoError(t, err)
		defer joiner.Shutdown(context.Background())

		local, remote := link.Pipe(16)
		accepted := make(chan error, 1)
		go func() { accepted <- tt.nodes[2].Accept(ctx, remote) }()
		require.NoError(t, joiner.AttachParent(ctx, local))
		require.NoError(t, <-accepted)

		self, ok := joiner.Topology().Node(7)
		require.True(t, ok)
		require.Equal(t, topology.Rank(2), self.Parent)
		require.False(t, joiner.IsFrontEnd())
		require.Eventually(t, func() bool {
			node, ok := tt.fe().Topology().Node(7)
			return ok && node.Parent == 2
		}, testTimeout, testTick, "front-end should learn about rank 7")
		require.Eventually(t, func() bool {
			_, ok := tt.nodes[1].Topology().Node(7)
			return ok
		}, testTimeout, testTick, "topology updates reach every node")
	})
}

func TestIsFatal(t *testing.T) {
	require.True(t, IsFatal(fmt.Errorf("wrapped: %w", ErrRecoveryExhausted)))
	require.True(t, IsFatal(topology.ErrCycle))
	require.False(t, IsFatal(ErrNoParent))
	require.False(t, IsFatal(errors.New("random")))
}
