package topology

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/raskyld/arbor/pkg/packet"
)

// EventType is the kind of change carried by a topology update.
type EventType int32

const (
	EventAddBackEnd EventType = iota + 1
	EventAddInternal
	EventRemoveRank
	EventChangeParent
	EventChangePort
)

func (t EventType) String() string {
	switch t {
	case EventAddBackEnd:
		return "add-backend"
	case EventAddInternal:
		return "add-internal"
	case EventRemoveRank:
		return "remove-rank"
	case EventChangeParent:
		return "change-parent"
	case EventChangePort:
		return "change-port"
	}
	return fmt.Sprintf("unknown(%d)", int32(t))
}

// Event is one change of the tree. Events are replayed on every node of
// the tree so applying one twice must leave the graph unchanged.
type Event struct {
	Type   EventType
	Parent Rank
	Child  Rank
	Host   string
	Port   Port
}

func (e Event) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", e.Type.String()),
		slog.Uint64("parent", uint64(e.Parent)),
		slog.Uint64("child", uint64(e.Child)),
		slog.String("host", e.Host),
		slog.Uint64("port", uint64(e.Port)),
	)
}

// Apply replays events in order. Adding an existing rank, removing an
// absent one or changing an absent node is a no-op. Errors do not stop
// the replay, they are all returned joined.
func (g *Graph) Apply(events []Event) error {
	g.lk.Lock()
	defer g.lk.Unlock()

	var errs []error
	for _, ev := range events {
		if err := g.applyLocked(ev); err != nil {
			errs = append(errs, fmt.Errorf("%s %d: %w", ev.Type, ev.Child, err))
		}
	}
	return errors.Join(errs...)
}

func (g *Graph) applyLocked(ev Event) error {
	_, childKnown := g.nodes[ev.Child]
	switch ev.Type {
	case EventAddBackEnd, EventAddInternal:
		if childKnown {
			return nil
		}
		if ev.Parent == UnknownRank {
			_, err := g.insertLocked(ev.Host, ev.Port, ev.Child, ev.Type == EventAddBackEnd)
			return err
		}
		return g.addLocked(ev.Parent, ev.Host, ev.Port, ev.Child, ev.Type == EventAddBackEnd)
	case EventRemoveRank:
		if !childKnown {
			return nil
		}
		return g.removeLocked(ev.Child)
	case EventChangeParent:
		if !childKnown {
			return nil
		}
		return g.setParentLocked(ev.Child, ev.Parent)
	case EventChangePort:
		if !childKnown || ev.Port == UnknownPort {
			return nil
		}
		g.nodes[ev.Child].port = ev.Port
		return nil
	}
	return fmt.Errorf("%w: unknown event type %d", ErrMalformed, int32(ev.Type))
}

// EventsToPacket encodes events as five parallel arrays: types, parents,
// children, hosts and ports.
func EventsToPacket(streamID uint32, events []Event) *packet.Packet {
	types := make([]int32, len(events))
	parents := make([]uint32, len(events))
	children := make([]uint32, len(events))
	hosts := make([]string, len(events))
	ports := make([]uint16, len(events))
	for i, ev := range events {
		types[i] = int32(ev.Type)
		parents[i] = uint32(ev.Parent)
		children[i] = uint32(ev.Child)
		hosts[i] = ev.Host
		ports[i] = uint16(ev.Port)
	}
	return packet.New(streamID, packet.TagTopologyUpdate,
		packet.Array(types),
		packet.Array(parents),
		packet.Array(children),
		packet.Array(hosts),
		packet.Array(ports),
	)
}

// EventsFromPacket decodes a packet built by [EventsToPacket].
func EventsFromPacket(p *packet.Packet) ([]Event, error) {
	err := p.Expect(
		packet.TypeInt32Array,
		packet.TypeUint32Array,
		packet.TypeUint32Array,
		packet.TypeStringArray,
		packet.TypeUint16Array,
	)
	if err != nil {
		return nil, err
	}
	types, _ := packet.AsArray[int32](p.Elements[0])
	parents, _ := packet.AsArray[uint32](p.Elements[1])
	children, _ := packet.AsArray[uint32](p.Elements[2])
	hosts, _ := packet.AsArray[string](p.Elements[3])
	ports, _ := packet.AsArray[uint16](p.Elements[4])

	n := len(types)
	if len(parents) != n || len(children) != n || len(hosts) != n || len(ports) != n {
		return nil, fmt.Errorf("%w: event arrays have different lengths", packet.ErrShape)
	}
	events := make([]Event, n)
	for i := range events {
		events[i] = Event{
			Type:   EventType(types[i]),
			Parent: Rank(parents[i]),
			Child:  Rank(children[i]),
			Host:   hosts[i],
			Port:   Port(ports[i]),
		}
	}
	return events, nil
}
