package topology

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// Graph is the tree of an arbor overlay.
type Graph struct {
	lk sync.Mutex

	nodes map[Rank]*node
	root  Rank

	backends  rankSet
	internals rankSet
	orphans   rankSet

	// hosts indexes ranks by "host/rank" so nodes sharing a host can be
	// found with a prefix walk.
	hosts *iradix.Tree

	rng *rand.Rand
}

// GraphOption configures a [Graph].
type GraphOption func(*Graph)

// WithRand sets the source of randomness used by the recovery
// strategies. Tests use it to get deterministic adoptions.
func WithRand(src rand.Source) GraphOption {
	return func(g *Graph) {
		if src != nil {
			g.rng = rand.New(src)
		}
	}
}

// New returns an empty graph.
func New(opts ...GraphOption) *Graph {
	seed := uint64(time.Now().UnixNano())
	g := &Graph{
		rng: rand.New(rand.NewPCG(seed, seed>>17|1)),
	}
	g.resetLocked()
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Graph) resetLocked() {
	g.nodes = make(map[Rank]*node)
	g.root = UnknownRank
	g.backends = make(rankSet)
	g.internals = make(rankSet)
	g.orphans = make(rankSet)
	g.hosts = iradix.New()
}

func hostKey(host string, rank Rank) []byte {
	return []byte(fmt.Sprintf("%s/%010d", host, rank))
}

// InsertNode adds a parentless node. When the graph has no root, the
// node becomes the root unless another parentless node competes for it.
func (g *Graph) InsertNode(host string, port Port, rank Rank, backend bool) error {
	g.lk.Lock()
	defer g.lk.Unlock()
	_, err := g.insertLocked(host, port, rank, backend)
	return err
}

func (g *Graph) insertLocked(host string, port Port, rank Rank, backend bool) (*node, error) {
	if rank == UnknownRank {
		return nil, fmt.Errorf("%w: rank %d is reserved", ErrMalformed, rank)
	}
	if _, exists := g.nodes[rank]; exists {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateRank, rank)
	}

	n := newNode(host, port, rank, backend)
	g.nodes[rank] = n
	if backend {
		g.backends[rank] = struct{}{}
	} else {
		g.internals[rank] = struct{}{}
	}
	g.hosts, _, _ = g.hosts.Insert(hostKey(host, rank), rank)

	if g.root == UnknownRank {
		g.electRootLocked()
	}
	return n, nil
}

// SetParent attaches child below parent, detaching it from its previous
// parent. Ascendants of the whole moved subtree are recomputed.
func (g *Graph) SetParent(child, parent Rank) error {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.setParentLocked(child, parent)
}

func (g *Graph) setParentLocked(child, parent Rank) error {
	c, ok := g.nodes[child]
	if !ok {
		return fmt.Errorf("%w: child %d", ErrNodeNotFound, child)
	}
	p, ok := g.nodes[parent]
	if !ok {
		return fmt.Errorf("%w: parent %d", ErrNodeNotFound, parent)
	}
	if child == parent || p.ascendants.has(child) {
		return fmt.Errorf("%w: %d cannot be a child of %d", ErrCycle, child, parent)
	}
	if c.parent == parent {
		return nil
	}
	if p.backend {
		// a back-end given a child becomes internal.
		p.backend = false
		delete(g.backends, parent)
		g.internals[parent] = struct{}{}
	}

	if old, ok := g.nodes[c.parent]; ok {
		delete(old.children, child)
	}
	c.parent = parent
	c.formerParent = UnknownRank
	p.children[child] = struct{}{}
	delete(g.orphans, child)
	if g.root == child {
		g.root = UnknownRank
		g.electRootLocked()
	}

	g.refreshAscendantsLocked(child)
	return nil
}

// electRootLocked picks the single parentless, non orphan node as root.
func (g *Graph) electRootLocked() {
	candidate := UnknownRank
	for rank, n := range g.nodes {
		if n.parent != UnknownRank || g.orphans.has(rank) {
			continue
		}
		if candidate != UnknownRank {
			return
		}
		candidate = rank
	}
	g.root = candidate
}

// refreshAscendantsLocked recomputes ascendants of rank and of all its
// descendants from their parent.
func (g *Graph) refreshAscendantsLocked(rank Rank) {
	queue := []Rank{rank}
	for len(queue) > 0 {
		n := g.nodes[queue[0]]
		queue = queue[1:]
		if n == nil {
			continue
		}

		asc := make(rankSet)
		if p, ok := g.nodes[n.parent]; ok {
			for a := range p.ascendants {
				asc[a] = struct{}{}
			}
			asc[p.rank] = struct{}{}
		}
		n.ascendants = asc

		for c := range n.children {
			queue = append(queue, c)
		}
	}
}

// AddNode inserts a node and attaches it below parent.
func (g *Graph) AddNode(parent Rank, host string, port Port, rank Rank, backend bool) error {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.addLocked(parent, host, port, rank, backend)
}

func (g *Graph) addLocked(parent Rank, host string, port Port, rank Rank, backend bool) error {
	if _, ok := g.nodes[parent]; !ok {
		return fmt.Errorf("%w: parent %d", ErrNodeNotFound, parent)
	}
	if _, err := g.insertLocked(host, port, rank, backend); err != nil {
		return err
	}
	if err := g.setParentLocked(rank, parent); err != nil {
		g.evictLocked(rank)
		return err
	}
	return nil
}

// RemoveNode marks a node failed and evicts it from the graph. Its
// children become orphans: they keep their ascendants and remember the
// removed rank as their former parent until adopted.
func (g *Graph) RemoveNode(rank Rank) error {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.removeLocked(rank)
}

func (g *Graph) removeLocked(rank Rank) error {
	n, ok := g.nodes[rank]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, rank)
	}
	n.failed = true

	if p, ok := g.nodes[n.parent]; ok {
		delete(p.children, rank)
	}
	for c := range n.children {
		child, ok := g.nodes[c]
		if !ok {
			continue
		}
		child.parent = UnknownRank
		child.formerParent = rank
		g.orphans[c] = struct{}{}
	}
	g.evictLocked(rank)
	return nil
}

func (g *Graph) evictLocked(rank Rank) {
	n, ok := g.nodes[rank]
	if !ok {
		return
	}
	if p, ok := g.nodes[n.parent]; ok {
		delete(p.children, rank)
	}
	delete(g.nodes, rank)
	delete(g.backends, rank)
	delete(g.internals, rank)
	delete(g.orphans, rank)
	g.hosts, _, _ = g.hosts.Delete(hostKey(n.host, rank))
	if g.root == rank {
		g.root = UnknownRank
	}
}

// Reparent moves orphan below newParent and makes sure failed is no
// longer part of the graph, in a single critical section.
func (g *Graph) Reparent(orphan, failed, newParent Rank) error {
	g.lk.Lock()
	defer g.lk.Unlock()
	if failed != UnknownRank {
		if _, ok := g.nodes[failed]; ok {
			if err := g.removeLocked(failed); err != nil {
				return err
			}
		}
	}
	return g.setParentLocked(orphan, newParent)
}

// SetPort records the data port of a node. [UnknownPort] is ignored.
func (g *Graph) SetPort(rank Rank, port Port) error {
	g.lk.Lock()
	defer g.lk.Unlock()
	n, ok := g.nodes[rank]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNodeNotFound, rank)
	}
	if port != UnknownPort {
		n.port = port
	}
	return nil
}

// Node returns a snapshot of the node with the given rank.
func (g *Graph) Node(rank Rank) (Node, bool) {
	g.lk.Lock()
	defer g.lk.Unlock()
	n, ok := g.nodes[rank]
	if !ok {
		return Node{}, false
	}
	return n.snapshot(), true
}

// Root returns the rank of the root, [UnknownRank] for an empty graph.
func (g *Graph) Root() Rank {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.root
}

func (g *Graph) Len() int {
	g.lk.Lock()
	defer g.lk.Unlock()
	return len(g.nodes)
}

func (g *Graph) BackEnds() []Rank {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.backends.sorted()
}

func (g *Graph) Internals() []Rank {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.internals.sorted()
}

func (g *Graph) Orphans() []Rank {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.orphans.sorted()
}

func (g *Graph) Children(rank Rank) []Rank {
	g.lk.Lock()
	defer g.lk.Unlock()
	n, ok := g.nodes[rank]
	if !ok {
		return nil
	}
	return n.children.sorted()
}

// Descendants returns every node below rank, in breadth-first order.
func (g *Graph) Descendants(rank Rank) []Rank {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.descendantsLocked(rank)
}

func (g *Graph) descendantsLocked(rank Rank) []Rank {
	n, ok := g.nodes[rank]
	if !ok {
		return nil
	}
	var out []Rank
	queue := n.children.sorted()
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		out = append(out, r)
		if c, ok := g.nodes[r]; ok {
			queue = append(queue, c.children.sorted()...)
		}
	}
	return out
}

// Failed reports whether rank is no longer a live member of the tree.
func (g *Graph) Failed(rank Rank) bool {
	g.lk.Lock()
	defer g.lk.Unlock()
	n, ok := g.nodes[rank]
	return !ok || n.failed
}

// InTopology reports whether a node with this exact identity exists.
func (g *Graph) InTopology(host string, port Port, rank Rank) bool {
	g.lk.Lock()
	defer g.lk.Unlock()
	n, ok := g.nodes[rank]
	return ok && n.host == host && n.port == port
}

// NodesOnHost returns the ranks of the nodes located on host.
func (g *Graph) NodesOnHost(host string) []Rank {
	g.lk.Lock()
	defer g.lk.Unlock()
	var out []Rank
	g.hosts.Root().WalkPrefix([]byte(host+"/"), func(_ []byte, v interface{}) bool {
		out = append(out, v.(Rank))
		return false
	})
	return out
}

// Outlet returns the child of local whose subtree contains target.
func (g *Graph) Outlet(local, target Rank) (Rank, bool) {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.outletLocked(local, target)
}

func (g *Graph) outletLocked(local, target Rank) (Rank, bool) {
	t, ok := g.nodes[target]
	if !ok || local == target {
		return UnknownRank, false
	}
	if t.parent == local {
		return target, true
	}
	if !t.ascendants.has(local) {
		return UnknownRank, false
	}
	for a := range t.ascendants {
		if an, ok := g.nodes[a]; ok && an.parent == local {
			return a, true
		}
	}
	return UnknownRank, false
}

// heightLocked computes the subtree height of every node reachable from
// rank, storing it in the node scratch area.
func (g *Graph) heightLocked(rank Rank) int {
	n, ok := g.nodes[rank]
	if !ok {
		return 0
	}
	h := 0
	for c := range n.children {
		if ch := g.heightLocked(c) + 1; ch > h {
			h = ch
		}
	}
	n.height = h
	return h
}

// Stats summarizes the shape of the tree.
type Stats struct {
	Nodes        int
	Depth        int
	MinFanout    int
	MaxFanout    int
	AvgFanout    float64
	StddevFanout float64
}

func (g *Graph) Stats() Stats {
	g.lk.Lock()
	defer g.lk.Unlock()
	return g.statsLocked()
}

// statsLocked computes fan-out statistics over internal nodes.
func (g *Graph) statsLocked() Stats {
	s := Stats{Nodes: len(g.nodes)}
	if g.root != UnknownRank {
		s.Depth = g.heightLocked(g.root)
	}
	if len(g.internals) == 0 {
		return s
	}

	s.MinFanout = math.MaxInt
	edges := 0
	for r := range g.internals {
		f := len(g.nodes[r].children)
		edges += f
		s.MinFanout = min(s.MinFanout, f)
		s.MaxFanout = max(s.MaxFanout, f)
	}
	s.AvgFanout = float64(edges) / float64(len(g.internals))

	var variance float64
	for r := range g.internals {
		d := float64(len(g.nodes[r].children)) - s.AvgFanout
		variance += d * d
	}
	s.StddevFanout = math.Sqrt(variance / float64(len(g.internals)))
	return s
}

// LocalInfo is the read-only view of the tree handed to filters.
type LocalInfo struct {
	Rank            Rank
	Children        int
	Siblings        int
	Descendants     int
	LeafDescendants int
	RootDistance    int
	MaxLeafDistance int
}

func (g *Graph) LocalInfo(rank Rank) (LocalInfo, error) {
	g.lk.Lock()
	defer g.lk.Unlock()
	n, ok := g.nodes[rank]
	if !ok {
		return LocalInfo{}, fmt.Errorf("%w: %d", ErrNodeNotFound, rank)
	}

	info := LocalInfo{
		Rank:            rank,
		Children:        len(n.children),
		RootDistance:    len(n.ascendants),
		MaxLeafDistance: g.heightLocked(rank),
	}
	if p, ok := g.nodes[n.parent]; ok {
		info.Siblings = len(p.children) - 1
	}
	for _, d := range g.descendantsLocked(rank) {
		info.Descendants++
		if dn := g.nodes[d]; dn != nil && len(dn.children) == 0 {
			info.LeafDescendants++
		}
	}
	return info, nil
}

// ranksLocked returns every rank in ascending order.
func (g *Graph) ranksLocked() []Rank {
	out := make([]Rank, 0, len(g.nodes))
	for r := range g.nodes {
		out = append(out, r)
	}
	slices.Sort(out)
	return out
}
