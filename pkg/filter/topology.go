package filter

import (
	"github.com/raskyld/arbor/pkg/packet"
	"github.com/raskyld/arbor/pkg/topology"
)

// TopologyBinding connects the topology filters to the graph of a node.
type TopologyBinding struct {
	Graph *topology.Graph

	// IsRoot reports whether the local node is the root of the tree.
	IsRoot func() bool

	// OnError is called when applying events fails, may be nil.
	OnError func(error)
}

// RegisterTopology installs the topology update filters. Upstream, the
// events of every child are merged, applied locally and forwarded to
// the parent; the root sends them back down instead. Downstream, events
// are applied and forwarded unchanged.
func (r *Registry) RegisterTopology(b TopologyBinding) error {
	if err := r.RegisterAs(IDTopologyUpdate, Definition{
		Name:      "topology_update",
		Transform: b.upstream,
	}); err != nil {
		return err
	}
	return r.RegisterAs(IDTopologyUpdateDown, Definition{
		Name:      "topology_update_down",
		Transform: b.downstream,
	})
}

func (b TopologyBinding) apply(events []topology.Event) {
	if err := b.Graph.Apply(events); err != nil && b.OnError != nil {
		b.OnError(err)
	}
}

func (b TopologyBinding) upstream(in Input) (Output, error) {
	var merged []topology.Event
	for _, p := range in.Packets {
		events, err := topology.EventsFromPacket(p)
		if err != nil {
			return Output{}, err
		}
		merged = append(merged, events...)
	}
	if len(merged) == 0 {
		return Output{State: in.State}, nil
	}

	b.apply(merged)
	out := topology.EventsToPacket(in.Packets[0].StreamID, merged)
	if b.IsRoot != nil && b.IsRoot() {
		return Output{Reverse: []*packet.Packet{out}, State: in.State}, nil
	}
	return Output{Packets: []*packet.Packet{out}, State: in.State}, nil
}

func (b TopologyBinding) downstream(in Input) (Output, error) {
	for _, p := range in.Packets {
		events, err := topology.EventsFromPacket(p)
		if err != nil {
			return Output{}, err
		}
		b.apply(events)
	}
	return Output{Packets: in.Packets, State: in.State}, nil
}
