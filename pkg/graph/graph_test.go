package graph_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrt/meshrt/internal/transport/local"
	"github.com/meshrt/meshrt/pkg/comm"
	"github.com/meshrt/meshrt/pkg/graph"
	"github.com/meshrt/meshrt/pkg/types"
)

// buildRing builds, on each of size ranks, a Graph with one owned
// node keyed by its own rank and two ghost nodes for its ring
// neighbours, then finalizes it. Node keys are int64(rank).
func buildRing(t *testing.T, size int) []*graph.Graph[int64] {
	t.Helper()
	ts := local.NewGroup(size)
	reg := types.NewRegistry()

	results := make([]*graph.Graph[int64], size)
	errs := make([]error, size)

	var wg sync.WaitGroup
	wg.Add(size)
	for i, tr := range ts {
		i, tr := i, tr
		go func() {
			defer wg.Done()
			ctx := context.Background()
			c := comm.New(tr)
			g := graph.New[int64](c, reg)

			me := int64(tr.Rank())
			next := int64((tr.Rank() + 1) % size)
			prev := int64((tr.Rank() - 1 + size) % size)

			require.NoError(t, g.AddLocalNode(me))
			require.NoError(t, g.AddGhostNode(next))
			require.NoError(t, g.AddGhostNode(prev))
			require.NoError(t, g.AddEdge(me, next))
			require.NoError(t, g.AddEdge(me, prev))

			errs[i] = g.Finalize(ctx)
			results[i] = g
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	return results
}

func TestGraph_Finalize_Ring(t *testing.T) {
	const size = 4
	graphs := buildRing(t, size)

	for r, g := range graphs {
		assert.True(t, g.IsFinalized())
		assert.Equal(t, []int64{int64(r)}, g.LocalNodes())

		gid, err := g.GlobalID(int64(r))
		require.NoError(t, err)
		assert.Equal(t, int64(r), gid)

		ghosts := g.GhostNodes()
		assert.Len(t, ghosts, 2)

		next := int64((r + 1) % size)
		prev := int64((r - 1 + size) % size)
		assert.ElementsMatch(t, []int64{next, prev}, ghosts)

		nextOwner, err := g.OwnerRank(next)
		require.NoError(t, err)
		assert.Equal(t, (r+1)%size, nextOwner)

		prevOwner, err := g.OwnerRank(prev)
		require.NoError(t, err)
		assert.Equal(t, (r-1+size)%size, prevOwner)
	}
}

func TestGraph_Finalize_NeighbourRanks(t *testing.T) {
	const size = 4
	graphs := buildRing(t, size)

	for r, g := range graphs {
		next := (r + 1) % size
		prev := (r - 1 + size) % size
		assert.ElementsMatch(t, []int{next, prev}, g.RecvNeighbours())
		// In a ring every rank both sends to and receives from the
		// same two neighbours.
		assert.ElementsMatch(t, []int{next, prev}, g.SendNeighbours())
	}
}

func TestGraph_LocalAdjacency(t *testing.T) {
	graphs := buildRing(t, 3)
	g := graphs[0]

	csr, err := g.LocalAdjacency()
	require.NoError(t, err)
	assert.Equal(t, 3, csr.NodeCount()) // self + 2 ghosts
	assert.Equal(t, 2, csr.EdgeCount())
}

// TestGraph_BuildTwoSidedPattern_Ring covers spec.md §8's "Exchange
// correctness" property: feed A[i] = GID(i) for every local and ghost
// cell, and after one Exchange round every cell (local and ghost)
// must still read back its own GID.
func TestGraph_BuildTwoSidedPattern_Ring(t *testing.T) {
	const size = 4
	ts := local.NewGroup(size)
	reg := types.NewRegistry()

	afters := make([][]float64, size)
	befores := make([][]float64, size)
	errs := make([]error, size)

	var wg sync.WaitGroup
	wg.Add(size)
	for i, tr := range ts {
		i, tr := i, tr
		go func() {
			defer wg.Done()
			ctx := context.Background()
			c := comm.New(tr)
			g := graph.New[int64](c, reg)

			me := int64(tr.Rank())
			next := int64((tr.Rank() + 1) % size)
			prev := int64((tr.Rank() - 1 + size) % size)

			require.NoError(t, g.AddLocalNode(me))
			require.NoError(t, g.AddGhostNode(next))
			require.NoError(t, g.AddGhostNode(prev))
			require.NoError(t, g.AddEdge(me, next))
			require.NoError(t, g.AddEdge(me, prev))
			require.NoError(t, g.Finalize(ctx))

			pat, err := graph.BuildTwoSidedPattern[int64, float64](g, reg)
			if err != nil {
				errs[i] = err
				return
			}

			localToExchange, err := g.LocalToExchange()
			if err != nil {
				errs[i] = err
				return
			}
			before := make([]float64, len(localToExchange))
			for j, gid := range localToExchange {
				before[j] = float64(gid)
			}
			befores[i] = before

			after := make([]float64, len(before))
			copy(after, before[:len(g.LocalNodes())])
			if err := pat.Exchange(ctx, before, after); err != nil {
				errs[i] = err
				return
			}
			require.NoError(t, pat.Close(ctx))
			afters[i] = after
		}()
	}
	wg.Wait()

	for r := range afters {
		require.NoError(t, errs[r])
		// Local cells (index 0) are untouched by Exchange; ghost cells
		// must come back holding exactly their own GID.
		assert.Equal(t, befores[r][0], afters[r][0])
		for j := 1; j < len(afters[r]); j++ {
			assert.Equal(t, befores[r][j], afters[r][j])
		}
	}
}

// TestGraph_Finalize_LinearChain pins spec.md §8 scenario 1: a 3-rank
// linear graph over nodes 0..8, ranks owning {0,1,2}/{3,4,5}/{6,7,8}.
func TestGraph_Finalize_LinearChain(t *testing.T) {
	const size = 3
	ts := local.NewGroup(size)
	reg := types.NewRegistry()

	graphs := make([]*graph.Graph[int64], size)
	errs := make([]error, size)

	var wg sync.WaitGroup
	wg.Add(size)
	for i, tr := range ts {
		i, tr := i, tr
		go func() {
			defer wg.Done()
			ctx := context.Background()
			c := comm.New(tr)
			g := graph.New[int64](c, reg)

			base := int64(tr.Rank() * 3)
			for n := base; n < base+3; n++ {
				require.NoError(t, g.AddLocalNode(n))
			}
			for n := base; n < base+2; n++ {
				require.NoError(t, g.AddEdge(n, n+1))
			}
			if base > 0 {
				require.NoError(t, g.AddGhostNode(base-1))
				require.NoError(t, g.AddEdge(base, base-1))
			}
			if base+3 < 9 {
				require.NoError(t, g.AddGhostNode(base + 3))
				require.NoError(t, g.AddEdge(base+2, base+3))
			}

			errs[i] = g.Finalize(ctx)
			graphs[i] = g
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.ElementsMatch(t, []int64{0, 1, 2}, graphs[0].LocalNodes())
	assert.ElementsMatch(t, []int64{3}, graphs[0].GhostNodes())
	assert.ElementsMatch(t, []int{1}, graphs[0].RecvNeighbours())
	assert.ElementsMatch(t, []int64{2}, graphs[0].SendKeys(1))

	assert.ElementsMatch(t, []int64{3, 4, 5}, graphs[1].LocalNodes())
	assert.ElementsMatch(t, []int64{2, 6}, graphs[1].GhostNodes())
	assert.ElementsMatch(t, []int{0, 2}, graphs[1].RecvNeighbours())
	assert.ElementsMatch(t, []int64{3}, graphs[1].SendKeys(0))
	assert.ElementsMatch(t, []int64{5}, graphs[1].SendKeys(2))

	assert.ElementsMatch(t, []int64{6, 7, 8}, graphs[2].LocalNodes())
	assert.ElementsMatch(t, []int64{5}, graphs[2].GhostNodes())
	assert.ElementsMatch(t, []int{1}, graphs[2].RecvNeighbours())
	assert.ElementsMatch(t, []int64{6}, graphs[2].SendKeys(1))
}

// TestGraph_Finalize_Star pins spec.md §8 scenario 2: a 4-rank star
// where rank 0 owns the hub and ranks 1-3 each own one leaf, ghosting
// the hub.
func TestGraph_Finalize_Star(t *testing.T) {
	const size = 4
	ts := local.NewGroup(size)
	reg := types.NewRegistry()

	const hub = int64(0)

	graphs := make([]*graph.Graph[int64], size)
	errs := make([]error, size)

	var wg sync.WaitGroup
	wg.Add(size)
	for i, tr := range ts {
		i, tr := i, tr
		go func() {
			defer wg.Done()
			ctx := context.Background()
			c := comm.New(tr)
			g := graph.New[int64](c, reg)

			if tr.Rank() == 0 {
				require.NoError(t, g.AddLocalNode(hub))
			} else {
				leaf := int64(tr.Rank())
				require.NoError(t, g.AddLocalNode(leaf))
				require.NoError(t, g.AddGhostNode(hub))
				require.NoError(t, g.AddEdge(leaf, hub))
			}

			errs[i] = g.Finalize(ctx)
			graphs[i] = g
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	hubGraph := graphs[0]
	assert.ElementsMatch(t, []int{1, 2, 3}, hubGraph.SendNeighbours())
	hubGID, err := hubGraph.GlobalID(hub)
	require.NoError(t, err)
	for _, r := range []int{1, 2, 3} {
		assert.Equal(t, []int64{hub}, hubGraph.SendKeys(r))
	}

	for r := 1; r < size; r++ {
		assert.ElementsMatch(t, []int{0}, graphs[r].RecvNeighbours())
		gid, err := graphs[r].GlobalID(hub)
		require.NoError(t, err)
		assert.Equal(t, hubGID, gid)
	}
}

func TestGraph_BuildSerialAdjacencyList_Ring(t *testing.T) {
	const size = 4
	graphs := buildRing(t, size)

	for r, g := range graphs {
		ctx := context.Background()
		csr, err := g.BuildSerialAdjacencyList(ctx)
		require.NoError(t, err)

		if r != 0 {
			assert.Nil(t, csr)
			continue
		}

		require.NotNil(t, csr)
		assert.Equal(t, size, csr.NodeCount())
		for n := int64(0); n < int64(size); n++ {
			next := (n + 1) % size
			prev := (n - 1 + size) % size
			assert.True(t, csr.ExistsEdge(n, next))
			assert.True(t, csr.ExistsEdge(n, prev))
		}
	}
}

func TestGraph_AddAfterFinalize(t *testing.T) {
	graphs := buildRing(t, 3)
	g := graphs[0]

	err := g.AddLocalNode(99)
	require.Error(t, err)

	err = g.AddEdge(0, 1)
	require.Error(t, err)
}
