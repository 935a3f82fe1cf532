package collectives_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrt/meshrt/pkg/collectives"
	"github.com/meshrt/meshrt/pkg/types"

	"github.com/meshrt/meshrt/internal/transport/local"
)

func runRanks(t *testing.T, size int, fn func(t *testing.T, rank int, c *collectives.Collective)) {
	t.Helper()
	ts := local.NewGroup(size)
	reg := types.NewRegistry()
	var wg sync.WaitGroup
	wg.Add(size)
	for _, tr := range ts {
		tr := tr
		go func() {
			defer wg.Done()
			fn(t, tr.Rank(), collectives.New(tr, reg))
		}()
	}
	wg.Wait()
}

func TestBroadcast(t *testing.T) {
	runRanks(t, 4, func(t *testing.T, rank int, c *collectives.Collective) {
		ctx := context.Background()
		var in []int64
		if rank == 0 {
			in = []int64{10, 20, 30}
		}
		got, err := collectives.Broadcast(ctx, c, 0, in)
		require.NoError(t, err)
		assert.Equal(t, []int64{10, 20, 30}, got)
	})
}

func TestBroadcastUnknownSize(t *testing.T) {
	runRanks(t, 3, func(t *testing.T, rank int, c *collectives.Collective) {
		ctx := context.Background()
		var in []int64
		if rank == 0 {
			in = []int64{1, 2, 3, 4, 5}
		}
		got, err := collectives.BroadcastUnknownSize(ctx, c, 0, in)
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, got)
	})
}

func TestGather(t *testing.T) {
	const size = 3
	runRanks(t, size, func(t *testing.T, rank int, c *collectives.Collective) {
		ctx := context.Background()
		mine := []int64{int64(rank)}
		got, err := collectives.Gather(ctx, c, 0, mine)
		require.NoError(t, err)
		if rank == 0 {
			assert.Equal(t, []int64{0, 1, 2}, got)
		} else {
			assert.Nil(t, got)
		}
	})
}

func TestAllGather(t *testing.T) {
	const size = 4
	runRanks(t, size, func(t *testing.T, rank int, c *collectives.Collective) {
		ctx := context.Background()
		mine := []int64{int64(rank) * 10}
		got, err := collectives.AllGather(ctx, c, mine)
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 10, 20, 30}, got)
	})
}

func TestScatter(t *testing.T) {
	const size = 4
	runRanks(t, size, func(t *testing.T, rank int, c *collectives.Collective) {
		ctx := context.Background()
		var in []int64
		if rank == 0 {
			in = []int64{0, 1, 2, 3}
		}
		got, err := collectives.Scatter(ctx, c, 0, in)
		require.NoError(t, err)
		assert.Equal(t, []int64{int64(rank)}, got)
	})
}

func TestScatterVarying(t *testing.T) {
	const size = 3
	counts := []int{1, 2, 3}
	runRanks(t, size, func(t *testing.T, rank int, c *collectives.Collective) {
		ctx := context.Background()
		var in []int64
		if rank == 0 {
			in = []int64{0, 1, 1, 2, 2, 2}
		}
		got, err := collectives.ScatterVarying(ctx, c, 0, in, counts)
		require.NoError(t, err)
		assert.Len(t, got, counts[rank])
		for _, v := range got {
			assert.Equal(t, int64(rank), v)
		}
	})
}

func TestAllToAll(t *testing.T) {
	const size = 3
	runRanks(t, size, func(t *testing.T, rank int, c *collectives.Collective) {
		ctx := context.Background()
		send := make([]int64, size)
		for r := range send {
			send[r] = int64(rank*10 + r)
		}
		got, err := collectives.AllToAll(ctx, c, send)
		require.NoError(t, err)
		want := make([]int64, size)
		for r := range want {
			want[r] = int64(r*10 + rank)
		}
		assert.Equal(t, want, got)
	})
}

func TestAllToAllVarying(t *testing.T) {
	const size = 3
	runRanks(t, size, func(t *testing.T, rank int, c *collectives.Collective) {
		ctx := context.Background()
		sendCounts := make([]int, size)
		var send []int64
		for r := 0; r < size; r++ {
			n := rank + 1
			sendCounts[r] = n
			for i := 0; i < n; i++ {
				send = append(send, int64(rank*100+r))
			}
		}
		got, recvCounts, err := collectives.AllToAllVarying(ctx, c, send, sendCounts)
		require.NoError(t, err)
		for r := 0; r < size; r++ {
			assert.Equal(t, r+1, recvCounts[r])
		}
		assert.Len(t, got, sumInts(recvCounts))
	})
}

func sumInts(vs []int) int {
	s := 0
	for _, v := range vs {
		s += v
	}
	return s
}

func TestAllToAllDisplacedRejectsNonCumulativeDispls(t *testing.T) {
	const size = 2
	runRanks(t, size, func(t *testing.T, rank int, c *collectives.Collective) {
		ctx := context.Background()
		sendCounts := []int{1, 1}
		// Correct cumulative displacements would be [0, 1]; this skips
		// ahead to [0, 2], which should be rejected before anything is
		// sent.
		badDispls := []int{0, 2}
		recvCounts := []int{1, 1}
		recvDispls := []int{0, 1}
		_, err := collectives.AllToAllDisplaced(ctx, c, []int64{int64(rank), int64(rank)}, sendCounts, badDispls, recvCounts, recvDispls)
		assert.Error(t, err)
	})
}

func TestReduceAndAllReduce(t *testing.T) {
	const size = 4
	runRanks(t, size, func(t *testing.T, rank int, c *collectives.Collective) {
		ctx := context.Background()
		vals := []int64{int64(rank + 1)}

		reduced, err := collectives.Reduce(ctx, c, 0, vals, collectives.SumOp[int64]())
		require.NoError(t, err)
		if rank == 0 {
			assert.Equal(t, []int64{10}, reduced) // 1+2+3+4
		} else {
			assert.Nil(t, reduced)
		}

		allReduced, err := collectives.AllReduce(ctx, c, vals, collectives.SumOp[int64]())
		require.NoError(t, err)
		assert.Equal(t, []int64{10}, allReduced)
	})
}

// TestProcessTaggedScatter covers spec.md's scenario §8#4 (process-
// tagged scatter/all-to-all). Letters stand in for arbitrary payload
// elements, mapped to their position in the alphabet (a=1 .. k=11) so
// the test can ride the registry's existing int64 descriptor.
func TestProcessTaggedScatter(t *testing.T) {
	const size = 3
	// root: [i,b,c] tagged [2,2,1]
	vals := []int64{9, 2, 3}
	dests := []int{2, 2, 1}
	runRanks(t, size, func(t *testing.T, rank int, c *collectives.Collective) {
		ctx := context.Background()
		var in []int64
		var tags []int
		if rank == 0 {
			in, tags = vals, dests
		}
		got, err := collectives.ScatterProcessTagged(ctx, c, 0, 700, in, tags)
		require.NoError(t, err)
		switch rank {
		case 0:
			assert.Nil(t, got)
		case 1:
			assert.Equal(t, []int64{3}, got) // c
		case 2:
			assert.Equal(t, []int64{9, 2}, got) // i,b, order preserved
		}
	})
}

// TestAllToAllProcessTagged pins spec.md's scenario §8#4 exactly: every
// rank supplies its own tagged payload (not just root), and the result
// on each rank is grouped by ascending sender rank with each sender's
// relative order preserved.
func TestAllToAllProcessTagged(t *testing.T) {
	const size = 3
	letter := map[rune]int64{
		'a': 1, 'b': 2, 'c': 3, 'e': 5, 'f': 6,
		'g': 7, 'h': 8, 'i': 9, 'j': 10, 'k': 11,
	}
	sends := [][]int64{
		{letter['i'], letter['b'], letter['c']},
		{letter['e'], letter['f'], letter['g'], letter['h'], letter['a']},
		{letter['j'], letter['k']},
	}
	dests := [][]int{
		{2, 2, 1},
		{2, 0, 1, 0, 2},
		{0, 0},
	}
	want := map[int][]int64{
		0: {letter['f'], letter['h'], letter['j'], letter['k']},
		1: {letter['c'], letter['g']},
		2: {letter['i'], letter['b'], letter['e'], letter['a']},
	}
	runRanks(t, size, func(t *testing.T, rank int, c *collectives.Collective) {
		ctx := context.Background()
		got, err := collectives.AllToAllProcessTagged(ctx, c, 800, sends[rank], dests[rank])
		require.NoError(t, err)
		assert.Equal(t, want[rank], got)
	})
}

func TestAllToAllTagged(t *testing.T) {
	const size = 3
	runRanks(t, size, func(t *testing.T, rank int, c *collectives.Collective) {
		ctx := context.Background()
		send := make([][]int64, size)
		for r := range send {
			send[r] = []int64{int64(rank*100 + r)}
		}
		got, err := collectives.AllToAllTagged(ctx, c, 500, send)
		require.NoError(t, err)
		for r := 0; r < size; r++ {
			assert.Equal(t, []int64{int64(r*100 + rank)}, got[r])
		}
	})
}
