package topology

import (
	"testing"

	"github.com/raskyld/arbor/pkg/packet"
	"github.com/stretchr/testify/require"
)

func TestApplyIsIdempotent(t *testing.T) {
	events := []Event{
		{Type: EventAddInternal, Parent: 0, Child: 5, Host: "cp5", Port: 5000},
		{Type: EventAddBackEnd, Parent: 5, Child: 6, Host: "be6", Port: 6000},
		{Type: EventRemoveRank, Child: 1},
		{Type: EventChangeParent, Parent: 5, Child: 2},
		{Type: EventChangeParent, Parent: 0, Child: 3},
		{Type: EventChangePort, Child: 4, Port: 4444},
		{Type: EventChangePort, Child: 6, Port: UnknownPort},
	}

	g := exampleGraph(t)
	require.NoError(t, g.Apply(events))
	once := g.Serialize()
	require.Equal(t,
		"[host0:00000:0:1[host3:00000:3:0][host4:04444:4:0][cp5:05000:5:1[host2:00000:2:0][be6:06000:6:0]]]",
		once,
	)

	require.NoError(t, g.Apply(events))
	require.Equal(t, once, g.Serialize())
	require.NoError(t, g.Validate())
}

func TestApplyErrors(t *testing.T) {
	g := exampleGraph(t)
	err := g.Apply([]Event{
		{Type: EventAddBackEnd, Parent: 42, Child: 9},
		{Type: EventAddBackEnd, Parent: 0, Child: 10, Host: "ok"},
		{Type: EventType(99), Child: 3},
	})
	require.ErrorIs(t, err, ErrNodeNotFound)
	require.ErrorIs(t, err, ErrMalformed)

	_, ok := g.Node(10)
	require.True(t, ok, "replay continues after an error")
}

func TestEventsPacket(t *testing.T) {
	events := []Event{
		{Type: EventAddBackEnd, Parent: 0, Child: 6, Host: "be6", Port: 6000},
		{Type: EventRemoveRank, Parent: UnknownRank, Child: 1},
	}
	p := EventsToPacket(1, events)
	require.Equal(t, packet.TagTopologyUpdate, p.Tag)

	buf, err := packet.Marshal(p)
	require.NoError(t, err)
	decoded, err := packet.Unmarshal(buf)
	require.NoError(t, err)

	got, err := EventsFromPacket(decoded)
	require.NoError(t, err)
	require.Equal(t, events, got)

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := EventsFromPacket(packet.New(1, packet.TagTopologyUpdate, packet.Int32(1)))
		require.ErrorIs(t, err, packet.ErrShape)
	})

	t.Run("length mismatch", func(t *testing.T) {
		bad := EventsToPacket(1, events)
		bad.Elements[3] = packet.Array([]string{"only-one"})
		_, err := EventsFromPacket(bad)
		require.ErrorIs(t, err, packet.ErrShape)
	})
}
