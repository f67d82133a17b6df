package arbor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/arbor/pkg/filter"
	"github.com/raskyld/arbor/pkg/packet"
	"github.com/raskyld/arbor/pkg/topology"
	"github.com/stretchr/testify/require"
)

// an internal node with three back-ends below it.
const fanInTopology = "[fe:07000:0:1" +
	"[i1:07001:1:1[b2:07002:2:0][b3:07003:3:0][b4:07004:4:0]]]"

// countingFilter records the batch size of every invocation.
type countingFilter struct {
	lk    sync.Mutex
	sizes []int
}

func (cf *countingFilter) transform(in filter.Input) (filter.Output, error) {
	cf.lk.Lock()
	cf.sizes = append(cf.sizes, len(in.Packets))
	cf.lk.Unlock()
	return filter.Output{Packets: in.Packets[:1], State: in.State}, nil
}

func (cf *countingFilter) calls() []int {
	cf.lk.Lock()
	defer cf.lk.Unlock()
	return append([]int(nil), cf.sizes...)
}

func newStandalone(t *testing.T, topo string, rank topology.Rank, opts ...Option) *Network {
	t.Helper()
	n, err := New(topo, rank, append([]Option{WithLog(testHandler("standalone"))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Shutdown(context.Background()) })
	return n
}

func addTestStream(t *testing.T, n *Network, spec streamSpec) *Stream {
	t.Helper()
	s, err := newStream(n, spec)
	require.NoError(t, err)
	require.NoError(t, n.addStream(s))
	return s
}

func contribution(s *Stream, from topology.Rank, v int32) []*packet.Packet {
	p := packet.New(s.ID(), packet.FirstApplicationTag, packet.Int32(v))
	p.Source = uint32(from)
	return []*packet.Packet{p}
}

func TestStreamPushWaitForAll(t *testing.T) {
	n := newStandalone(t, fanInTopology, 1)
	counter := &countingFilter{}
	id, err := n.RegisterFilter("counting", counter.transform, nil)
	require.NoError(t, err)

	s := addTestStream(t, n, streamSpec{
		id:      firstUserStreamID,
		members: []topology.Rank{2, 3, 4},
		up:      id,
		sync:    filter.SyncWaitForAll,
		down:    filter.IDNull,
	})
	require.Equal(t, []topology.Rank{2, 3, 4}, s.Peers())

	out, _, err := s.Push(filter.Upstream, contribution(s, 2, 1))
	require.NoError(t, err)
	require.Empty(t, out)
	require.Empty(t, counter.calls(), "one contribution out of three")

	out, _, err = s.Push(filter.Upstream, contribution(s, 3, 1))
	require.NoError(t, err)
	require.Empty(t, out)
	require.Empty(t, counter.calls(), "two contributions out of three")

	out, _, err = s.Push(filter.Upstream, contribution(s, 4, 1))
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, []int{3}, counter.calls(), "a single invocation with the whole wave")
	require.Equal(t, s.ID(), out[0].StreamID)

	t.Run("a second contribution of a peer opens the next wave", func(t *testing.T) {
		for _, from := range []topology.Rank{2, 2, 3} {
			out, _, err := s.Push(filter.Upstream, contribution(s, from, 1))
			require.NoError(t, err)
			require.Empty(t, out)
		}
		require.Equal(t, []int{3}, counter.calls())

		out, _, err := s.Push(filter.Upstream, contribution(s, 4, 1))
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.Equal(t, []int{3, 3}, counter.calls())
	})
}

func filterErrorLabels(sink *metrics.InmemSink) []string {
	var out []string
	name := strings.Join(MetricArborFilterErrorCount, ".")
	for _, interval := range sink.Data() {
		for _, c := range interval.Counters {
			if c.Name != name {
				continue
			}
			for _, l := range c.Labels {
				if l.Name == string(LabelFilter) {
					out = append(out, l.Value)
				}
			}
		}
	}
	return out
}

func TestFilterFailureLabels(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	n := newStandalone(t, fanInTopology, 1, WithMetricSink(sink))

	failing := func(filter.Input) (filter.Output, error) {
		return filter.Output{}, errors.New("boom")
	}
	upID, err := n.RegisterFilter("failing_up", failing, nil)
	require.NoError(t, err)
	downID, err := n.RegisterFilter("failing_down", failing, nil)
	require.NoError(t, err)

	s := addTestStream(t, n, streamSpec{
		id:      firstUserStreamID,
		members: []topology.Rank{2, 3, 4},
		up:      upID,
		sync:    filter.SyncDontWait,
		down:    downID,
	})

	n.downstream(s, packet.New(s.ID(), packet.FirstApplicationTag, packet.Int32(1)))
	require.Equal(t, []string{"failing_down"}, filterErrorLabels(sink))

	n.upstream(s, contribution(s, 2, 1)...)
	require.ElementsMatch(t, []string{"failing_down", "failing_up"}, filterErrorLabels(sink))
	require.Equal(t, StreamActive, s.State(), "failures keep the stream open")
}
