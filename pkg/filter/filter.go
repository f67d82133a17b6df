// Package filter implements the transformations and synchronization
// policies applied to packets as they cross a node of the tree.
//
// A transform is a pure function: it receives the state left by its
// previous invocation and returns the new one along with its outputs.
// The [Instance] wrapping it owns that state for the lifetime of a
// stream.
package filter

import (
	"errors"

	"github.com/raskyld/arbor/pkg/packet"
	"github.com/raskyld/arbor/pkg/topology"
)

var (
	ErrUnknownFilter  = errors.New("filter: unknown filter")
	ErrFilterConflict = errors.New("filter: a filter with this name or id already exists")
	ErrFilterFailed   = errors.New("filter: transformation failed")
	ErrUnknownSync    = errors.New("filter: unknown synchronization policy")
)

// Direction of a packet relative to the root of the tree.
type Direction uint8

const (
	Upstream Direction = iota
	Downstream
)

func (d Direction) String() string {
	if d == Downstream {
		return "downstream"
	}
	return "upstream"
}

// ID identifies a filter within a [Registry]. Built-in filters have the
// same id on every node.
type ID uint16

const (
	IDNull ID = iota
	IDSum
	IDAvg
	IDMin
	IDMax
	IDArrayConcat
	IDIntEqClass
	IDTopologyUpdate
	IDTopologyUpdateDown

	// FirstUserID is the first id handed out to registered filters.
	FirstUserID ID = 64
)

// Input of a transformation.
type Input struct {
	Direction Direction
	Packets   []*packet.Packet

	// State returned by the previous invocation, nil the first time.
	State any

	// Params is the last parameters packet set on the filter, may be nil.
	Params *packet.Packet

	Info topology.LocalInfo
}

// Output of a transformation. Packets continue in the direction of
// the input, Reverse packets are sent back the way they came from.
type Output struct {
	Packets []*packet.Packet
	Reverse []*packet.Packet
	State   any
}

// TransformFunc is the body of a filter.
type TransformFunc func(in Input) (Output, error)

// StateFunc extracts the state of a filter as a packet so it can be
// handed to a new parent after a failure. It may return nil.
type StateFunc func(state any, streamID uint32) *packet.Packet

// Definition describes a filter.
type Definition struct {
	Name      string
	Transform TransformFunc
	State     StateFunc
}
