package collectives

import "github.com/meshrt/meshrt/pkg/errors"

// groupByDestination implements the stable bucketing step shared by
// every process-tagged collective in this package: vals[i] is
// labelled with destRanks[i], and the primitive must, without
// reordering two elements that share a destination, produce one
// contiguous run per destination rank (ascending) plus that run's
// length. Iterating vals in caller order and appending to a per-rank
// bucket preserves each destination's relative order by construction.
func groupByDestination[T any](n int, vals []T, destRanks []int) ([]T, []int, error) {
	if len(vals) != len(destRanks) {
		return nil, nil, errors.Wrap(errors.CodeSizeMismatch, "process-tagged collective: vals/destRanks length mismatch", nil)
	}
	buckets := make([][]T, n)
	for i, v := range vals {
		r := destRanks[i]
		if r < 0 || r >= n {
			return nil, nil, errors.ErrIndexOutOfRng
		}
		buckets[r] = append(buckets[r], v)
	}
	counts := make([]int, n)
	var out []T
	for r := 0; r < n; r++ {
		counts[r] = len(buckets[r])
		out = append(out, buckets[r]...)
	}
	return out, counts, nil
}
