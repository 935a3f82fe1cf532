package exchange_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrt/meshrt/internal/transport/local"
	"github.com/meshrt/meshrt/pkg/exchange"
	"github.com/meshrt/meshrt/pkg/types"
)

// ringRouting builds the routing a Pattern needs for a ring topology:
// rank r's LocalIndex 0 holds its own cell (ExchangeID == its own
// rank, standing in for a GID), LocalIndex 1 its "next" ghost,
// LocalIndex 2 (when distinct from "next") its "prev" ghost. Each
// neighbour sends this rank's own ExchangeID back and receives its
// own.
func ringRouting(rank, size int) (localToExchange []int64, sendIDs, recvIDs map[int][]int64) {
	next := (rank + 1) % size
	prev := (rank - 1 + size) % size
	sendIDs = map[int][]int64{}
	recvIDs = map[int][]int64{}

	localToExchange = []int64{int64(rank), int64(next)}
	sendIDs[next] = []int64{int64(rank)}
	recvIDs[next] = []int64{int64(next)}
	if prev == next {
		return
	}
	localToExchange = append(localToExchange, int64(prev))
	sendIDs[prev] = []int64{int64(rank)}
	recvIDs[prev] = []int64{int64(prev)}
	return
}

func TestTwoSided_RingExchange(t *testing.T) {
	const size = 4
	ts := local.NewGroup(size)
	reg := types.NewRegistry()

	var wg sync.WaitGroup
	wg.Add(size)
	for _, tr := range ts {
		tr := tr
		go func() {
			defer wg.Done()
			ctx := context.Background()
			localToExchange, sendIDs, recvIDs := ringRouting(tr.Rank(), size)
			pat, err := exchange.NewTwoSided[float64](tr, reg, localToExchange, sendIDs, recvIDs)
			require.NoError(t, err)

			src := make([]float64, len(localToExchange))
			src[0] = float64(tr.Rank())

			dst := make([]float64, len(src))
			require.NoError(t, pat.Exchange(ctx, src, dst))
			require.NoError(t, pat.Close(ctx))

			next := (tr.Rank() + 1) % size
			prev := (tr.Rank() - 1 + size) % size
			assert.Equal(t, float64(next), dst[1])
			assert.Equal(t, float64(prev), dst[2])
		}()
	}
	wg.Wait()
}

func TestOneSided_RingExchange(t *testing.T) {
	const size = 3
	ts := local.NewGroup(size)
	reg := types.NewRegistry()

	var wg sync.WaitGroup
	wg.Add(size)
	for _, tr := range ts {
		tr := tr
		go func() {
			defer wg.Done()
			ctx := context.Background()
			localToExchange, sendIDs, recvIDs := ringRouting(tr.Rank(), size)
			pat, err := exchange.NewOneSided[float64](ctx, tr, reg, localToExchange, sendIDs, recvIDs)
			require.NoError(t, err)

			src := make([]float64, len(localToExchange))
			src[0] = float64(tr.Rank()) * 100

			dst := make([]float64, len(src))
			require.NoError(t, pat.Exchange(ctx, src, dst))
			require.NoError(t, pat.Close(ctx))

			next := (tr.Rank() + 1) % size
			prev := (tr.Rank() - 1 + size) % size
			assert.Equal(t, float64(next)*100, dst[1])
			assert.Equal(t, float64(prev)*100, dst[2])
		}()
	}
	wg.Wait()
}

// TestTwoSided_ExchangeCorrectness covers spec.md §8's "Exchange
// correctness" property directly against the Pattern API: feed
// A[i] = ExchangeID(i) for every local and ghost cell, and after one
// Start/Stop cycle A[i] must still equal ExchangeID(i) for every cell
// — local cells because Exchange never touches them, ghost cells
// because that's exactly what the neighbour who owns them sent back.
func TestTwoSided_ExchangeCorrectness(t *testing.T) {
	const size = 5
	ts := local.NewGroup(size)
	reg := types.NewRegistry()

	var wg sync.WaitGroup
	wg.Add(size)
	for _, tr := range ts {
		tr := tr
		go func() {
			defer wg.Done()
			ctx := context.Background()
			localToExchange, sendIDs, recvIDs := ringRouting(tr.Rank(), size)
			pat, err := exchange.NewTwoSided[int64](tr, reg, localToExchange, sendIDs, recvIDs)
			require.NoError(t, err)
			defer pat.Close(ctx)

			a := append([]int64(nil), localToExchange...)
			out := make([]int64, len(a))
			out[0] = a[0] // the one local cell; Exchange writes only ghost cells
			require.NoError(t, pat.Exchange(ctx, a, out))

			for i, id := range localToExchange {
				assert.Equal(t, id, out[i])
			}
		}()
	}
	wg.Wait()
}

func TestNewTwoSided_DuplicateExchangeID(t *testing.T) {
	ts := local.NewGroup(2)
	reg := types.NewRegistry()
	_, err := exchange.NewTwoSided[float64](ts[0], reg, []int64{5, 5}, map[int][]int64{}, map[int][]int64{})
	require.Error(t, err)
}

func TestTwoSided_Pack_IndexOutOfRange(t *testing.T) {
	ts := local.NewGroup(2)
	reg := types.NewRegistry()
	// rank 0 sends ExchangeID 99, which does not appear anywhere in its
	// own localToExchange — Pack must report IndexOutOfRange rather
	// than panic.
	pat, err := exchange.NewTwoSided[float64](ts[0], reg, []int64{0}, map[int][]int64{1: {99}}, map[int][]int64{})
	require.NoError(t, err)
	err = pat.Pack([]float64{1})
	require.Error(t, err)
}
