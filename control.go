package arbor

import (
	"fmt"

	"github.com/raskyld/arbor/pkg/filter"
	"github.com/raskyld/arbor/pkg/packet"
	"github.com/raskyld/arbor/pkg/topology"
)

const (
	// controlStreamID carries packets addressed to the network itself.
	controlStreamID uint32 = 0
	// topologyStreamID propagates topology update events.
	topologyStreamID uint32 = 1
	// firstUserStreamID is the first id handed out by NewStream.
	firstUserStreamID uint32 = 2
)

func helloPacket(rank topology.Rank, host string, port topology.Port) *packet.Packet {
	return packet.New(controlStreamID, packet.TagNewChildConnection,
		packet.Uint32(uint32(rank)),
		packet.String(host),
		packet.Uint16(uint16(port)),
	)
}

func parseHello(p *packet.Packet) (rank topology.Rank, host string, port topology.Port, err error) {
	if err = p.Expect(packet.TypeUint32, packet.TypeString, packet.TypeUint16); err != nil {
		return
	}
	r, _ := p.At(0).Uint()
	host, _ = p.At(1).Str()
	pt, _ := p.At(2).Uint()
	return topology.Rank(r), host, topology.Port(pt), nil
}

// stringPacket is the shape of topology reports and acks.
func stringPacket(tag packet.Tag, s string) *packet.Packet {
	return packet.New(controlStreamID, tag, packet.String(s))
}

func parseString(p *packet.Packet) (string, error) {
	if err := p.Expect(packet.TypeString); err != nil {
		return "", err
	}
	return p.At(0).Str()
}

func newParentPacket(orphan, failed topology.Rank, subtree string) *packet.Packet {
	return packet.New(controlStreamID, packet.TagNewParentReport,
		packet.Uint32(uint32(orphan)),
		packet.Uint32(uint32(failed)),
		packet.String(subtree),
	)
}

func parseNewParent(p *packet.Packet) (orphan, failed topology.Rank, subtree string, err error) {
	if err = p.Expect(packet.TypeUint32, packet.TypeUint32, packet.TypeString); err != nil {
		return
	}
	o, _ := p.At(0).Uint()
	f, _ := p.At(1).Uint()
	subtree, _ = p.At(2).Str()
	return topology.Rank(o), topology.Rank(f), subtree, nil
}

func recoveryPacket(orphan, failed, adopter topology.Rank) *packet.Packet {
	return packet.New(controlStreamID, packet.TagRecoveryReport,
		packet.Uint32(uint32(orphan)),
		packet.Uint32(uint32(failed)),
		packet.Uint32(uint32(adopter)),
	)
}

func parseRecovery(p *packet.Packet) (orphan, failed, adopter topology.Rank, err error) {
	if err = p.Expect(packet.TypeUint32, packet.TypeUint32, packet.TypeUint32); err != nil {
		return
	}
	o, _ := p.At(0).Uint()
	f, _ := p.At(1).Uint()
	a, _ := p.At(2).Uint()
	return topology.Rank(o), topology.Rank(f), topology.Rank(a), nil
}

func failurePacket(failed topology.Rank) *packet.Packet {
	return packet.New(controlStreamID, packet.TagFailureReport, packet.Uint32(uint32(failed)))
}

func parseFailure(p *packet.Packet) (topology.Rank, error) {
	if err := p.Expect(packet.TypeUint32); err != nil {
		return topology.UnknownRank, err
	}
	r, _ := p.At(0).Uint()
	return topology.Rank(r), nil
}

// streamSpec describes a stream as announced to the tree. Filters are
// either given by id or by name, names are resolved by each node.
type streamSpec struct {
	id      uint32
	members []topology.Rank

	up, down         filter.ID
	sync             filter.SyncPolicy
	upName, downName string
	syncName         string
	named            bool
}

func (spec streamSpec) packet() *packet.Packet {
	members := make([]uint32, len(spec.members))
	for i, m := range spec.members {
		members[i] = uint32(m)
	}
	if spec.named {
		return packet.New(controlStreamID, packet.TagNewStreamNamed,
			packet.Uint32(spec.id),
			packet.Array(members),
			packet.String(spec.upName),
			packet.String(spec.syncName),
			packet.String(spec.downName),
		)
	}
	return packet.New(controlStreamID, packet.TagNewStream,
		packet.Uint32(spec.id),
		packet.Array(members),
		packet.Uint16(uint16(spec.up)),
		packet.Uint8(uint8(spec.sync)),
		packet.Uint16(uint16(spec.down)),
	)
}

func parseStreamSpec(p *packet.Packet) (streamSpec, error) {
	var spec streamSpec
	switch p.Tag {
	case packet.TagNewStream:
		if err := p.Expect(packet.TypeUint32, packet.TypeUint32Array, packet.TypeUint16, packet.TypeUint8, packet.TypeUint16); err != nil {
			return spec, err
		}
		up, _ := p.At(2).Uint()
		sync, _ := p.At(3).Uint()
		down, _ := p.At(4).Uint()
		spec.up, spec.sync, spec.down = filter.ID(up), filter.SyncPolicy(sync), filter.ID(down)
	case packet.TagNewStreamNamed:
		if err := p.Expect(packet.TypeUint32, packet.TypeUint32Array, packet.TypeString, packet.TypeString, packet.TypeString); err != nil {
			return spec, err
		}
		spec.named = true
		spec.upName, _ = p.At(2).Str()
		spec.syncName, _ = p.At(3).Str()
		spec.downName, _ = p.At(4).Str()
	default:
		return spec, fmt.Errorf("%w: %s does not announce a stream", ErrProtocolViolation, p.Tag)
	}

	id, _ := p.At(0).Uint()
	spec.id = uint32(id)
	members, _ := packet.AsArray[uint32](p.At(1))
	spec.members = make([]topology.Rank, len(members))
	for i, m := range members {
		spec.members[i] = topology.Rank(m)
	}
	return spec, nil
}

// resolve turns filter names into the ids of the local registry.
func (spec *streamSpec) resolve(reg *filter.Registry) error {
	if !spec.named {
		return nil
	}
	var ok bool
	if spec.up, ok = reg.ByName(spec.upName); !ok {
		return fmt.Errorf("%w: %q", filter.ErrUnknownFilter, spec.upName)
	}
	if spec.down, ok = reg.ByName(spec.downName); !ok {
		return fmt.Errorf("%w: %q", filter.ErrUnknownFilter, spec.downName)
	}
	sync, err := filter.ParseSyncPolicy(spec.syncName)
	if err != nil {
		return err
	}
	spec.sync = sync
	return nil
}
