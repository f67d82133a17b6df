package topology

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
)

// Strategy selects how an orphan chooses its new parent.
type Strategy uint8

const (
	// StrategyWRS performs a weighted random selection where the weight
	// of each candidate is its adoption score.
	StrategyWRS Strategy = iota
	// StrategyRandom picks uniformly among candidates.
	StrategyRandom
	// StrategySortedRR spreads the siblings of a failed node over the
	// best scored candidates in round-robin.
	StrategySortedRR
)

func (s Strategy) String() string {
	switch s {
	case StrategyWRS:
		return "wrs"
	case StrategyRandom:
		return "random"
	case StrategySortedRR:
		return "sorted-rr"
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// ParseStrategy is the inverse of [Strategy.String].
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "wrs", "":
		return StrategyWRS, nil
	case "random":
		return StrategyRandom, nil
	case "sorted-rr", "sorted_rr", "rr":
		return StrategySortedRR, nil
	}
	return 0, fmt.Errorf("topology: unknown recovery strategy %q", s)
}

const (
	weightFanout    = 1.0
	weightDepth     = 1.0
	weightProximity = 0.5

	// keys closer than this are considered equal and ordered by rank.
	tieEpsilon = 1e-6
	// minScore keeps WRS keys defined for candidates scoring zero.
	minScore = 1e-6
)

// Candidate is a node able to adopt an orphan.
type Candidate struct {
	Rank  Rank
	Host  string
	Port  Port
	Score float64
	Key   float64
}

func (c Candidate) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("rank", uint64(c.Rank)),
		slog.String("host", c.Host),
		slog.Uint64("port", uint64(c.Port)),
		slog.Float64("score", c.Score),
		slog.Float64("key", c.Key),
	)
}

// Adoption is the outcome of [Graph.FindNewParent]. Candidates are in
// the order they must be tried: the first one is the chosen parent and
// the next ones are used, without rescoring, when connecting fails.
type Adoption struct {
	Orphan     Rank
	Strategy   Strategy
	Candidates []Candidate
}

// Best returns the chosen parent.
func (a *Adoption) Best() Candidate {
	return a.Candidates[0]
}

// FindNewParent selects a new parent for orphan. The orphan's parent
// may still be present in the graph or may have been removed already.
// Scoring runs in a single critical section.
func (g *Graph) FindNewParent(orphan Rank, strategy Strategy) (*Adoption, error) {
	g.lk.Lock()
	defer g.lk.Unlock()

	o, ok := g.nodes[orphan]
	if !ok {
		return nil, fmt.Errorf("%w: orphan %d", ErrNodeNotFound, orphan)
	}

	adopters := g.potentialAdoptersLocked(o)
	if len(adopters) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNoAdopters, orphan)
	}

	stats := g.statsLocked()
	orphanHeight := g.heightLocked(orphan)

	cands := make([]Candidate, len(adopters))
	for i, a := range adopters {
		cands[i] = Candidate{
			Rank:  a.rank,
			Host:  a.host,
			Port:  a.port,
			Score: g.adoptionScoreLocked(o, a, stats, orphanHeight),
		}
	}

	switch strategy {
	case StrategyRandom:
		for i := range cands {
			cands[i].Key = g.rng.Float64()
		}
		slices.SortStableFunc(cands, byKey)
	case StrategySortedRR:
		slices.SortStableFunc(cands, byScore)
		idx := g.siblingIndexLocked(o)
		cands = append(cands[idx%len(cands):], cands[:idx%len(cands)]...)
	default:
		for i := range cands {
			cands[i].Key = math.Pow(g.rng.Float64(), 1/cands[i].Score)
		}
		slices.SortStableFunc(cands, byKey)
	}

	return &Adoption{
		Orphan:     orphan,
		Strategy:   strategy,
		Candidates: cands,
	}, nil
}

func byKey(a, b Candidate) int {
	if math.Abs(a.Key-b.Key) < tieEpsilon {
		return cmp.Compare(b.Rank, a.Rank)
	}
	return cmp.Compare(b.Key, a.Key)
}

func byScore(a, b Candidate) int {
	if math.Abs(a.Score-b.Score) < tieEpsilon {
		return cmp.Compare(b.Rank, a.Rank)
	}
	return cmp.Compare(b.Score, a.Score)
}

// potentialAdoptersLocked walks the tree from the root. Back-ends and the
// orphan's parent, failed or not, are excluded along with everything
// below them.
func (g *Graph) potentialAdoptersLocked(o *node) []*node {
	var out []*node
	var walk func(Rank)
	walk = func(r Rank) {
		n, ok := g.nodes[r]
		if !ok || n.backend || n.failed {
			return
		}
		if r == o.rank || r == o.parent || r == o.formerParent {
			return
		}
		out = append(out, n)
		for _, c := range n.children.sorted() {
			walk(c)
		}
	}
	if g.root != UnknownRank {
		walk(g.root)
	}
	return out
}

// adoptionScoreLocked expects heights to be fresh. Each component is
// clamped to [0, 1]. On trees of depth one or less, the depth and
// proximity components cannot discriminate and score 1.
func (g *Graph) adoptionScoreLocked(o, c *node, stats Stats, orphanHeight int) float64 {
	fanout := 1.0
	if stats.MaxFanout != stats.MinFanout {
		fanout = float64(stats.MaxFanout-len(c.children)) /
			float64(stats.MaxFanout-stats.MinFanout)
	}

	depth := stats.Depth
	depthScore := 1.0
	if depth > 1 {
		increase := max(0, orphanHeight+1-c.height)
		depthScore = float64(depth-1-increase) / float64(depth-1)
	}

	proximityScore := 1.0
	if 2*depth-3 > 0 {
		proximity, ok := g.proximityLocked(o, c)
		if !ok {
			proximityScore = 0
		} else {
			proximityScore = float64(2*depth-1-proximity) / float64(2*depth-3)
		}
	}

	score := weightFanout*clamp01(fanout) +
		weightDepth*clamp01(depthScore) +
		weightProximity*clamp01(proximityScore)
	return max(score, minScore)
}

func clamp01(v float64) float64 {
	return min(1, max(0, v))
}

// proximityLocked is the path length between c and o through their
// closest common ascendant, false if they share none.
func (g *Graph) proximityLocked(o, c *node) (int, bool) {
	dist := 0
	for cur := c; cur != nil; dist++ {
		if o.ascendants.has(cur.rank) {
			return dist + len(o.ascendants) - len(cur.ascendants), true
		}
		cur = g.nodes[cur.parent]
	}
	return 0, false
}

// siblingIndexLocked is the position of o among the children of its
// parent, or among the orphans of its failed parent, sorted by rank.
func (g *Graph) siblingIndexLocked(o *node) int {
	var siblings []Rank
	if p, ok := g.nodes[o.parent]; ok {
		siblings = p.children.sorted()
	} else {
		for r := range g.orphans {
			if n := g.nodes[r]; n != nil && n.formerParent == o.formerParent {
				siblings = append(siblings, r)
			}
		}
		slices.Sort(siblings)
	}
	idx, found := slices.BinarySearch(siblings, o.rank)
	if !found {
		return 0
	}
	return idx
}
