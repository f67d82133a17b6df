// Package topology maintains the logical tree of an arbor overlay.
//
// A [Graph] owns every [Node] of the tree, indexed by [Rank]. Parent,
// children and ascendants are stored as ranks, never as pointers, so the
// graph can be copied, serialized and repaired without dangling
// references. All operations on a graph are serialized by a single lock.
package topology

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"slices"
)

var (
	ErrDuplicateRank = errors.New("topology: rank already exists")
	ErrNodeNotFound  = errors.New("topology: node not found")
	ErrMalformed     = errors.New("topology: malformed serialized topology")
	ErrCycle         = errors.New("topology: cycle detected")
	ErrDisconnected  = errors.New("topology: graph is disconnected")
	ErrNoAdopters    = errors.New("topology: no node can adopt the orphan")
	ErrBackEndParent = errors.New("topology: back-ends cannot have children")
)

// Rank uniquely identifies a node in the tree.
type Rank uint32

// Port is the data port a node listens on.
type Port uint16

const (
	UnknownRank Rank = math.MaxUint32
	UnknownPort Port = math.MaxUint16
)

type rankSet map[Rank]struct{}

func (s rankSet) has(r Rank) bool {
	_, ok := s[r]
	return ok
}

func (s rankSet) sorted() []Rank {
	return slices.Sorted(maps.Keys(s))
}

// node is the graph internal representation.
type node struct {
	rank    Rank
	host    string
	port    Port
	backend bool
	failed  bool

	parent Rank
	// formerParent is the failed parent of an orphan.
	formerParent Rank

	children   rankSet
	ascendants rankSet

	// scratch values, only meaningful during one recovery computation.
	height int
}

func newNode(host string, port Port, rank Rank, backend bool) *node {
	return &node{
		rank:         rank,
		host:         host,
		port:         port,
		backend:      backend,
		parent:       UnknownRank,
		formerParent: UnknownRank,
		children:     make(rankSet),
		ascendants:   make(rankSet),
	}
}

func (n *node) snapshot() Node {
	return Node{
		Rank:         n.rank,
		Host:         n.host,
		Port:         n.port,
		BackEnd:      n.backend,
		Failed:       n.failed,
		Parent:       n.parent,
		FormerParent: n.formerParent,
		Children:     n.children.sorted(),
		Ascendants:   n.ascendants.sorted(),
	}
}

// Node is a read-only snapshot of a tree node.
type Node struct {
	Rank    Rank
	Host    string
	Port    Port
	BackEnd bool
	Failed  bool

	// Parent is [UnknownRank] for the root and for orphans.
	Parent Rank

	// FormerParent is the failed parent of an orphan, [UnknownRank]
	// otherwise.
	FormerParent Rank

	Children   []Rank
	Ascendants []Rank
}

// Orphan reports whether the node lost its parent and awaits adoption.
func (n Node) Orphan() bool {
	return n.Parent == UnknownRank && n.FormerParent != UnknownRank
}

func (n Node) String() string {
	return fmt.Sprintf("%s:%d:%d", n.Host, n.Port, n.Rank)
}

func (n Node) LogValue() slog.Value {
	kind := "internal"
	if n.BackEnd {
		kind = "backend"
	}
	return slog.GroupValue(
		slog.Uint64("rank", uint64(n.Rank)),
		slog.String("host", n.Host),
		slog.Uint64("port", uint64(n.Port)),
		slog.String("kind", kind),
	)
}
