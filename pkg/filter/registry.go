package filter

import (
	"fmt"
	"sync"

	"github.com/raskyld/arbor/pkg/packet"
	"github.com/raskyld/arbor/pkg/topology"
)

// Registry holds the filters known by a node. Each network owns its
// registry so filters registered by one never leak into another.
type Registry struct {
	lk     sync.RWMutex
	byID   map[ID]Definition
	byName map[string]ID
	next   ID
}

// NewRegistry returns a registry holding the built-in transformations.
func NewRegistry() *Registry {
	r := &Registry{
		byID:   make(map[ID]Definition),
		byName: make(map[string]ID),
		next:   FirstUserID,
	}
	for id, def := range builtins() {
		if err := r.RegisterAs(id, def); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a filter and returns its id.
func (r *Registry) Register(def Definition) (ID, error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if _, exists := r.byName[def.Name]; exists {
		return 0, fmt.Errorf("%w: %q", ErrFilterConflict, def.Name)
	}
	for {
		if _, taken := r.byID[r.next]; !taken {
			break
		}
		r.next++
	}
	id := r.next
	r.next++
	r.byID[id] = def
	r.byName[def.Name] = id
	return id, nil
}

// RegisterAs adds a filter under a well-known id.
func (r *Registry) RegisterAs(id ID, def Definition) error {
	if def.Transform == nil {
		return fmt.Errorf("%w: %q has no transform", ErrUnknownFilter, def.Name)
	}
	r.lk.Lock()
	defer r.lk.Unlock()
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("%w: id %d", ErrFilterConflict, id)
	}
	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("%w: %q", ErrFilterConflict, def.Name)
	}
	r.byID[id] = def
	r.byName[def.Name] = id
	return nil
}

func (r *Registry) Lookup(id ID) (Definition, bool) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	def, ok := r.byID[id]
	return def, ok
}

func (r *Registry) ByName(name string) (ID, bool) {
	r.lk.RLock()
	defer r.lk.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

// Instantiate returns a fresh instance of the filter, with no state.
func (r *Registry) Instantiate(id ID) (*Instance, error) {
	def, ok := r.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: id %d", ErrUnknownFilter, id)
	}
	return &Instance{id: id, def: def}, nil
}

// Instance is a filter bound to a stream. Its state is created lazily
// by the first invocation and dropped with the instance.
type Instance struct {
	lk     sync.Mutex
	id     ID
	def    Definition
	state  any
	params *packet.Packet
}

func (i *Instance) ID() ID {
	return i.id
}

func (i *Instance) Name() string {
	return i.def.Name
}

// SetParams replaces the parameters handed to subsequent invocations.
func (i *Instance) SetParams(p *packet.Packet) {
	i.lk.Lock()
	defer i.lk.Unlock()
	i.params = p
}

func (i *Instance) Params() *packet.Packet {
	i.lk.Lock()
	defer i.lk.Unlock()
	return i.params
}

// Run invokes the transformation. Invocations on one instance never
// overlap.
func (i *Instance) Run(dir Direction, pkts []*packet.Packet, info topology.LocalInfo) (out, reverse []*packet.Packet, err error) {
	i.lk.Lock()
	defer i.lk.Unlock()

	res, err := i.def.Transform(Input{
		Direction: dir,
		Packets:   pkts,
		State:     i.state,
		Params:    i.params,
		Info:      info,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrFilterFailed, i.def.Name, err)
	}
	i.state = res.State
	return res.Packets, res.Reverse, nil
}

// ExtractState returns the filter state as a packet, nil if the filter
// does not support it or has no state yet.
func (i *Instance) ExtractState(streamID uint32) *packet.Packet {
	i.lk.Lock()
	defer i.lk.Unlock()
	if i.def.State == nil || i.state == nil {
		return nil
	}
	return i.def.State(i.state, streamID)
}
