package partition_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrt/meshrt/pkg/partition"
)

func TestMetis_BalancedAcrossParts(t *testing.T) {
	const nParts = 4
	graphs := buildIsolated(t, []int{3, 3, 2, 2})

	assigned := make([][]int64, len(graphs))
	errs := make([]error, len(graphs))

	var wg sync.WaitGroup
	wg.Add(len(graphs))
	for i, g := range graphs {
		i, g := i, g
		go func() {
			defer wg.Done()
			ctx := context.Background()
			var p partition.Metis[int64]
			if err := p.Initialise(ctx, g, nParts, partition.DefaultConfig()); err != nil {
				errs[i] = err
				return
			}
			if err := p.Partition(ctx); err != nil {
				errs[i] = err
				return
			}
			mine, err := p.AssignRankNodes(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			assigned[i] = mine
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	total := 0
	for _, a := range assigned {
		total += len(a)
	}
	assert.Equal(t, 10, total)

	// Every rank should have received something from the root's
	// serial bisection over a disconnected (no-edge) graph of 10
	// isolated vertices split into 4 parts: 3/3/2/2.
	counts := make([]int, len(assigned))
	for i, a := range assigned {
		counts[i] = len(a)
	}
	assert.ElementsMatch(t, []int{3, 3, 2, 2}, counts)
}

func TestMetis_UnderSizedCommunicator(t *testing.T) {
	graphs := buildIsolated(t, []int{1, 1})
	var p partition.Metis[int64]
	err := p.Initialise(context.Background(), graphs[0], 5, partition.DefaultConfig())
	require.Error(t, err)
}
