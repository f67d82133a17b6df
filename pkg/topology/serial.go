package topology

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Serialize encodes the tree reachable from the root as
// "[host:port:rank:kind children...]", ports being zero padded to five
// digits and kind being 1 for internal nodes and 0 for back-ends. An
// empty graph serializes to the empty string.
func (g *Graph) Serialize() string {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.root == UnknownRank {
		return ""
	}
	var sb strings.Builder
	g.serializeLocked(&sb, g.root)
	return sb.String()
}

// LocalSubtreeString serializes the subtree rooted at rank.
func (g *Graph) LocalSubtreeString(rank Rank) (string, error) {
	g.lk.Lock()
	defer g.lk.Unlock()
	if _, ok := g.nodes[rank]; !ok {
		return "", fmt.Errorf("%w: %d", ErrNodeNotFound, rank)
	}
	var sb strings.Builder
	g.serializeLocked(&sb, rank)
	return sb.String(), nil
}

func (g *Graph) serializeLocked(sb *strings.Builder, rank Rank) {
	n := g.nodes[rank]
	kind := 1
	if n.backend {
		kind = 0
	}
	fmt.Fprintf(sb, "[%s:%05d:%d:%d", n.host, n.port, n.rank, kind)
	for _, c := range n.children.sorted() {
		g.serializeLocked(sb, c)
	}
	sb.WriteByte(']')
}

// parsedNode is one node read from a serialized topology, in pre-order.
type parsedNode struct {
	parent  Rank
	host    string
	port    Port
	rank    Rank
	backend bool
}

type parser struct {
	in  string
	pos int
	out []parsedNode
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: at offset %d: %s", ErrMalformed, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) skipSpaces() {
	for p.pos < len(p.in) && strings.ContainsRune(" \t\r\n", rune(p.in[p.pos])) {
		p.pos++
	}
}

func (p *parser) expect(c byte) error {
	if p.pos >= len(p.in) || p.in[p.pos] != c {
		return p.errorf("expected %q", c)
	}
	p.pos++
	return nil
}

// field reads up to the next ':' and consumes it.
func (p *parser) field() (string, error) {
	end := strings.IndexByte(p.in[p.pos:], ':')
	if end < 0 {
		return "", p.errorf("missing ':'")
	}
	v := p.in[p.pos : p.pos+end]
	if strings.ContainsAny(v, "[] \t\r\n") {
		return "", p.errorf("invalid field %q", v)
	}
	p.pos += end + 1
	return v, nil
}

func (p *parser) node(parent Rank) error {
	if err := p.expect('['); err != nil {
		return err
	}
	host, err := p.field()
	if err != nil {
		return err
	}
	if host == "" {
		return p.errorf("empty host")
	}
	rawPort, err := p.field()
	if err != nil {
		return err
	}
	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil {
		return p.errorf("invalid port %q", rawPort)
	}
	rawRank, err := p.field()
	if err != nil {
		return err
	}
	rank, err := strconv.ParseUint(rawRank, 10, 32)
	if err != nil || Rank(rank) == UnknownRank {
		return p.errorf("invalid rank %q", rawRank)
	}
	if p.pos >= len(p.in) {
		return p.errorf("missing kind")
	}
	kind := p.in[p.pos]
	p.pos++

	p.out = append(p.out, parsedNode{
		parent:  parent,
		host:    host,
		port:    Port(port),
		rank:    Rank(rank),
		backend: kind == '0',
	})

	switch kind {
	case '0':
		return p.expect(']')
	case '1':
		for {
			p.skipSpaces()
			if p.pos >= len(p.in) {
				return p.errorf("unterminated node %d", rank)
			}
			if p.in[p.pos] == ']' {
				p.pos++
				return nil
			}
			if err := p.node(Rank(rank)); err != nil {
				return err
			}
		}
	default:
		return p.errorf("invalid kind %q", kind)
	}
}

func parse(in string) ([]parsedNode, error) {
	p := &parser{in: strings.TrimSpace(in)}
	if p.in == "" {
		return nil, nil
	}
	if err := p.node(UnknownRank); err != nil {
		return nil, err
	}
	p.skipSpaces()
	if p.pos != len(p.in) {
		return nil, p.errorf("trailing data")
	}
	return p.out, nil
}

// Parse builds a graph from its serialized form. No partial graph is
// returned on error.
func Parse(in string, opts ...GraphOption) (*Graph, error) {
	g := New(opts...)
	if err := g.Reset(in); err != nil {
		return nil, err
	}
	return g, nil
}

// Reset replaces the content of g with the serialized topology. On error
// g is left untouched.
func (g *Graph) Reset(in string) error {
	nodes, err := parse(in)
	if err != nil {
		return err
	}

	fresh := New()
	for _, pn := range nodes {
		var err error
		if pn.parent == UnknownRank {
			_, err = fresh.insertLocked(pn.host, pn.port, pn.rank, pn.backend)
		} else {
			err = fresh.addLocked(pn.parent, pn.host, pn.port, pn.rank, pn.backend)
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	}

	g.lk.Lock()
	defer g.lk.Unlock()
	g.nodes = fresh.nodes
	g.root = fresh.root
	g.backends = fresh.backends
	g.internals = fresh.internals
	g.orphans = fresh.orphans
	g.hosts = fresh.hosts
	return nil
}

// AddSubGraph grafts a serialized subtree below parent. Nodes already
// present are moved instead of duplicated. It returns the update events
// describing the graft so they can be propagated to other nodes.
func (g *Graph) AddSubGraph(parent Rank, subtree string) ([]Event, error) {
	nodes, err := parse(subtree)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(nodes))
	for _, pn := range nodes {
		ev := Event{
			Type:   EventAddInternal,
			Parent: pn.parent,
			Child:  pn.rank,
			Host:   pn.host,
			Port:   pn.port,
		}
		if pn.backend {
			ev.Type = EventAddBackEnd
		}
		if ev.Parent == UnknownRank {
			ev.Parent = parent
		}
		events = append(events, ev)
	}

	g.lk.Lock()
	defer g.lk.Unlock()
	if _, ok := g.nodes[parent]; !ok {
		return nil, fmt.Errorf("%w: parent %d", ErrNodeNotFound, parent)
	}
	for _, ev := range events {
		if _, exists := g.nodes[ev.Child]; exists {
			if err := g.setParentLocked(ev.Child, ev.Parent); err != nil {
				return nil, err
			}
			continue
		}
		if err := g.addLocked(ev.Parent, ev.Host, ev.Port, ev.Child, ev.Type == EventAddBackEnd); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// Validate checks g is a single tree: every node reaches the root
// through its parents and the root reaches every node.
func (g *Graph) Validate() error {
	g.lk.Lock()
	defer g.lk.Unlock()
	if len(g.nodes) == 0 {
		return nil
	}

	var errs []error
	for _, r := range g.ranksLocked() {
		n := g.nodes[r]
		if n.ascendants.has(r) {
			errs = append(errs, fmt.Errorf("%w: %d is its own ascendant", ErrCycle, r))
			continue
		}
		steps := 0
		for cur := n.parent; cur != UnknownRank; steps++ {
			if cur == r || steps > len(g.nodes) {
				errs = append(errs, fmt.Errorf("%w: through %d", ErrCycle, r))
				break
			}
			p, ok := g.nodes[cur]
			if !ok {
				break
			}
			cur = p.parent
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if g.root == UnknownRank {
		return fmt.Errorf("%w: no root", ErrDisconnected)
	}
	seen := make(rankSet, len(g.nodes))
	queue := []Rank{g.root}
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		if seen.has(r) {
			return fmt.Errorf("%w: %d reached twice", ErrCycle, r)
		}
		seen[r] = struct{}{}
		if n, ok := g.nodes[r]; ok {
			queue = append(queue, n.children.sorted()...)
		}
	}
	if len(seen) != len(g.nodes) {
		return fmt.Errorf("%w: %d of %d nodes reachable from root", ErrDisconnected, len(seen), len(g.nodes))
	}
	return nil
}
