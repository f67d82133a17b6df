package topology

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

// recoveryGraph is a two level tree with fan-outs {2, 2, 3}:
//
//	0 -> 1 -> {3, 4}
//	0 -> 2 -> {5, 6, 7}
func recoveryGraph(t *testing.T, seed uint64) *Graph {
	t.Helper()
	g, err := Parse(
		"[fe:00000:0:1[cp1:00000:1:1[be3:00000:3:0][be4:00000:4:0]]"+
			"[cp2:00000:2:1[be5:00000:5:0][be6:00000:6:0][be7:00000:7:0]]]",
		WithRand(rand.NewPCG(seed, seed+1)),
	)
	require.NoError(t, err)
	return g
}

func TestAdoptionScores(t *testing.T) {
	g := recoveryGraph(t, 1)
	adoption, err := g.FindNewParent(3, StrategySortedRR)
	require.NoError(t, err)

	scores := map[Rank]float64{}
	for _, c := range adoption.Candidates {
		scores[c.Rank] = c.Score
	}
	// root: fanout 1, no depth increase, proximity 2 (grand-parent).
	// cp2: busiest node, no depth increase, proximity 3.
	require.Equal(t, map[Rank]float64{0: 2.5, 2: 1.0}, scores)
}

func TestFindNewParent(t *testing.T) {
	for _, strategy := range []Strategy{StrategyWRS, StrategyRandom, StrategySortedRR} {
		t.Run(strategy.String(), func(t *testing.T) {
			for seed := uint64(0); seed < 50; seed++ {
				g := recoveryGraph(t, seed)
				for _, orphan := range []Rank{3, 4} {
					adoption, err := g.FindNewParent(orphan, strategy)
					require.NoError(t, err)
					require.Len(t, adoption.Candidates, 2)
					for _, c := range adoption.Candidates {
						require.NotEqual(t, Rank(1), c.Rank, "failed parent must be pruned")
						n, ok := g.Node(c.Rank)
						require.True(t, ok)
						require.False(t, n.BackEnd)
					}
				}
			}
		})
	}
}

func TestFindNewParentAfterRemoval(t *testing.T) {
	g := recoveryGraph(t, 7)
	require.NoError(t, g.RemoveNode(1))

	for _, orphan := range g.Orphans() {
		adoption, err := g.FindNewParent(orphan, StrategyWRS)
		require.NoError(t, err)
		best := adoption.Best()
		require.Contains(t, []Rank{0, 2}, best.Rank)
		require.NoError(t, g.Reparent(orphan, 1, best.Rank))
	}

	require.Empty(t, g.Orphans())
	require.NoError(t, g.Validate())
	require.ElementsMatch(t, []Rank{3, 4, 5, 6, 7}, g.BackEnds())
	checkInvariants(t, g)
}

func TestSortedRoundRobin(t *testing.T) {
	g := recoveryGraph(t, 3)

	first, err := g.FindNewParent(3, StrategySortedRR)
	require.NoError(t, err)
	require.Equal(t, Rank(0), first.Best().Rank)

	second, err := g.FindNewParent(4, StrategySortedRR)
	require.NoError(t, err)
	require.Equal(t, Rank(2), second.Best().Rank)
	require.Equal(t, []Rank{2, 0}, ranksOf(second.Candidates))

	t.Run("after removal", func(t *testing.T) {
		require.NoError(t, g.RemoveNode(1))
		again, err := g.FindNewParent(4, StrategySortedRR)
		require.NoError(t, err)
		require.Equal(t, Rank(2), again.Best().Rank)
	})
}

func TestWeightedRandomSelectionFavoursHighScores(t *testing.T) {
	wins := map[Rank]int{}
	for seed := uint64(0); seed < 400; seed++ {
		g := recoveryGraph(t, seed)
		adoption, err := g.FindNewParent(3, StrategyWRS)
		require.NoError(t, err)
		wins[adoption.Best().Rank]++
	}
	require.Greater(t, wins[0], wins[2])
	require.NotZero(t, wins[2], "lower scores must still be picked sometimes")
}

func TestNoAdopters(t *testing.T) {
	g, err := Parse("[fe:00000:0:1[cp:00000:1:1[be:00000:2:0]]]")
	require.NoError(t, err)

	_, err = g.FindNewParent(1, StrategyWRS)
	require.ErrorIs(t, err, ErrNoAdopters)

	_, err = g.FindNewParent(42, StrategyWRS)
	require.ErrorIs(t, err, ErrNodeNotFound)
}

func TestDegenerateDepth(t *testing.T) {
	g, err := Parse("[fe:00000:0:1[cp:00000:1:1][be:00000:2:0]]")
	require.NoError(t, err)
	require.NoError(t, g.RemoveNode(0))
	require.NoError(t, g.InsertNode("fe2", 0, 9, false))
	require.NoError(t, g.AddNode(9, "cp3", 0, 3, false))

	adoption, err := g.FindNewParent(2, StrategyWRS)
	require.NoError(t, err)
	for _, c := range adoption.Candidates {
		require.Greater(t, c.Score, 0.0)
		require.LessOrEqual(t, c.Score, 2.5)
		require.GreaterOrEqual(t, c.Key, 0.0)
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range []Strategy{StrategyWRS, StrategyRandom, StrategySortedRR} {
		got, err := ParseStrategy(s.String())
		require.NoError(t, err)
		require.Equal(t, s, got)
	}
	_, err := ParseStrategy("nope")
	require.Error(t, err)
}

func ranksOf(cands []Candidate) []Rank {
	out := make([]Rank, len(cands))
	for i, c := range cands {
		out[i] = c.Rank
	}
	return out
}
