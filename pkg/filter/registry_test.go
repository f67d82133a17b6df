package filter

import (
	"errors"
	"testing"

	"github.com/raskyld/arbor/pkg/packet"
	"github.com/raskyld/arbor/pkg/topology"
	"github.com/stretchr/testify/require"
)

// counter is a stateful filter counting the packets it has seen.
func counter(in Input) (Output, error) {
	seen, _ := in.State.(int)
	seen += len(in.Packets)
	out := packet.New(1, packet.FirstApplicationTag, packet.Int64(int64(seen)))
	return Output{Packets: []*packet.Packet{out}, State: seen}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	id, ok := r.ByName("sum")
	require.True(t, ok)
	require.Equal(t, IDSum, id)

	t.Run("register user filter", func(t *testing.T) {
		id, err := r.Register(Definition{
			Name:      "counter",
			Transform: counter,
			State: func(state any, streamID uint32) *packet.Packet {
				return packet.New(streamID, packet.FirstApplicationTag, packet.Int64(int64(state.(int))))
			},
		})
		require.NoError(t, err)
		require.GreaterOrEqual(t, id, FirstUserID)

		_, err = r.Register(Definition{Name: "counter", Transform: counter})
		require.ErrorIs(t, err, ErrFilterConflict)
	})

	t.Run("conflicting id", func(t *testing.T) {
		err := r.RegisterAs(IDSum, Definition{Name: "other", Transform: null})
		require.ErrorIs(t, err, ErrFilterConflict)
	})

	t.Run("unknown filter", func(t *testing.T) {
		_, err := r.Instantiate(ID(999))
		require.ErrorIs(t, err, ErrUnknownFilter)
	})

	t.Run("registries are independent", func(t *testing.T) {
		_, ok := NewRegistry().ByName("counter")
		require.False(t, ok)
	})
}

func TestInstanceState(t *testing.T) {
	r := NewRegistry()
	id, err := r.Register(Definition{
		Name:      "counter",
		Transform: counter,
		State: func(state any, streamID uint32) *packet.Packet {
			return packet.New(streamID, packet.FirstApplicationTag, packet.Int64(int64(state.(int))))
		},
	})
	require.NoError(t, err)

	inst, err := r.Instantiate(id)
	require.NoError(t, err)
	require.Nil(t, inst.ExtractState(3), "no state before first run")

	for i := 0; i < 3; i++ {
		_, _, err := inst.Run(Upstream, []*packet.Packet{pkt(), pkt()}, topology.LocalInfo{})
		require.NoError(t, err)
	}
	state := inst.ExtractState(3)
	require.NotNil(t, state)
	require.Equal(t, []packet.Element{packet.Int64(6)}, state.Elements)

	other, err := r.Instantiate(id)
	require.NoError(t, err)
	out, _, err := other.Run(Upstream, []*packet.Packet{pkt()}, topology.LocalInfo{})
	require.NoError(t, err)
	require.Equal(t, []packet.Element{packet.Int64(1)}, out[0].Elements, "instances do not share state")
}

func TestInstanceParamsAndErrors(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry()
	id, err := r.Register(Definition{
		Name: "params",
		Transform: func(in Input) (Output, error) {
			if in.Params == nil {
				return Output{}, boom
			}
			return Output{Packets: []*packet.Packet{in.Params}, State: in.State}, nil
		},
	})
	require.NoError(t, err)

	inst, err := r.Instantiate(id)
	require.NoError(t, err)
	_, _, err = inst.Run(Downstream, nil, topology.LocalInfo{})
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, ErrFilterFailed)

	params := pkt(packet.Int32(4))
	inst.SetParams(params)
	require.Same(t, params, inst.Params())
	out, _, err := inst.Run(Downstream, nil, topology.LocalInfo{})
	require.NoError(t, err)
	require.Same(t, params, out[0])
}

func TestTopologyFilters(t *testing.T) {
	newNode := func(root bool) (*Registry, *topology.Graph) {
		g, err := topology.Parse("[fe:00000:0:1[cp:00000:1:1[be:00000:2:0]]]")
		require.NoError(t, err)
		r := NewRegistry()
		require.NoError(t, r.RegisterTopology(TopologyBinding{
			Graph:  g,
			IsRoot: func() bool { return root },
		}))
		return r, g
	}
	events := []topology.Event{
		{Type: topology.EventAddBackEnd, Parent: 1, Child: 3, Host: "be3", Port: 3},
	}

	t.Run("internal forwards upstream", func(t *testing.T) {
		r, g := newNode(false)
		inst, err := r.Instantiate(IDTopologyUpdate)
		require.NoError(t, err)
		out, rev, err := inst.Run(Upstream, []*packet.Packet{topology.EventsToPacket(1, events)}, topology.LocalInfo{})
		require.NoError(t, err)
		require.Len(t, out, 1)
		require.Empty(t, rev)
		require.Equal(t, []topology.Rank{2, 3}, g.Children(1))
	})

	t.Run("root reflects downstream", func(t *testing.T) {
		r, g := newNode(true)
		inst, err := r.Instantiate(IDTopologyUpdate)
		require.NoError(t, err)
		more := []topology.Event{{Type: topology.EventRemoveRank, Child: 2}}
		out, rev, err := inst.Run(Upstream, []*packet.Packet{
			topology.EventsToPacket(1, events),
			topology.EventsToPacket(1, more),
		}, topology.LocalInfo{})
		require.NoError(t, err)
		require.Empty(t, out)
		require.Len(t, rev, 1)

		merged, err := topology.EventsFromPacket(rev[0])
		require.NoError(t, err)
		require.Equal(t, append(events, more...), merged)
		require.Equal(t, []topology.Rank{3}, g.Children(1))
	})

	t.Run("downstream applies and forwards", func(t *testing.T) {
		r, g := newNode(false)
		inst, err := r.Instantiate(IDTopologyUpdateDown)
		require.NoError(t, err)
		in := []*packet.Packet{topology.EventsToPacket(1, events)}
		out, _, err := inst.Run(Downstream, in, topology.LocalInfo{})
		require.NoError(t, err)
		require.Equal(t, in, out)
		require.True(t, g.InTopology("be3", 3, 3))
	})
}
