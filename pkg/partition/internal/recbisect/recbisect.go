// Package recbisect implements a small recursive greedy edge-cut graph
// bisection. It stands in for the real METIS / ParMETIS libraries
// behind partition.Metis and partition.Parmetis: no Go binding for
// either exists in the retrieval pack or the wider ecosystem, and the
// algorithm itself is compact enough (CSR arithmetic plus a greedy
// frontier growth) that pulling in a general-purpose graph library for
// it would be overkill. Per-candidate gain scoring fans out across
// pkg/parallel's worker pool once a growth step has enough remaining
// candidates to make that worthwhile.
package recbisect

import (
	"context"
	"sort"

	"github.com/meshrt/meshrt/pkg/parallel"
)

// parallelGainThreshold is the minimum number of remaining candidates
// before bestCandidate bothers spreading gain computation across a
// worker pool; below it the per-task dispatch overhead dwarfs the work.
const parallelGainThreshold = 256

// Bisect assigns every vertex in [0, xadj length - 1) to one of
// nParts parts, minimizing edge cut via repeated greedy bisection:
// split nParts in half, grow one side of the split from a seed vertex
// by always adding whichever remaining candidate has the most edges
// back into the growing side, until that side's vertex weight reaches
// its share of the total, then recurse into each side with its own
// half of the part range.
//
// weights is a per-vertex weight array the same length as the vertex
// count; pass nil for unit weight. The returned slice has one entry
// per vertex, each in [0, nParts).
func Bisect(xadj []int, adjncy []int, weights []float64, nParts int) []int {
	n := len(xadj) - 1
	if n < 0 {
		n = 0
	}
	part := make([]int, n)
	if nParts <= 1 || n == 0 {
		return part
	}

	w := weights
	if w == nil {
		w = make([]float64, n)
		for i := range w {
			w[i] = 1
		}
	}

	all := make([]int, n)
	for i := range all {
		all[i] = i
	}
	assign(all, xadj, adjncy, w, 0, nParts, part)
	return part
}

func assign(vertices []int, xadj, adjncy []int, weights []float64, partBase, nParts int, part []int) {
	if nParts <= 1 {
		for _, v := range vertices {
			part[v] = partBase
		}
		return
	}
	if len(vertices) == 0 {
		return
	}

	left := (nParts + 1) / 2
	right := nParts - left

	total := sumWeight(vertices, weights)
	target := total * float64(left) / float64(nParts)

	leftSet, rightSet := growBisect(vertices, xadj, adjncy, weights, target)

	assign(leftSet, xadj, adjncy, weights, partBase, left, part)
	assign(rightSet, xadj, adjncy, weights, partBase+left, right, part)
}

func sumWeight(vertices []int, weights []float64) float64 {
	var sum float64
	for _, v := range vertices {
		sum += weights[v]
	}
	return sum
}

// growBisect splits vertices into two sets by growing the first set
// outward from a seed: at each step, the remaining candidate with the
// most edges into the growing set joins it (ties broken by lowest
// vertex id, for determinism), until the growing set's weight reaches
// target or every candidate reachable from it has been absorbed. Any
// vertices left unreached (the induced subgraph is disconnected) are
// appended to whichever set is still under its share, lowest id first.
func growBisect(vertices []int, xadj, adjncy []int, weights []float64, target float64) (left, right []int) {
	inLeft := make(map[int]bool, len(vertices))
	remaining := make(map[int]bool, len(vertices))
	for _, v := range vertices {
		remaining[v] = true
	}

	seed := lowestID(vertices)
	inLeft[seed] = true
	delete(remaining, seed)
	leftWeight := weights[seed]

	for leftWeight < target && len(remaining) > 0 {
		next, gain := bestCandidate(inLeft, remaining, xadj, adjncy)
		if gain < 0 {
			// No candidate adjacent to the current set; pick the
			// lowest-id remaining vertex to keep growth deterministic
			// across disconnected components.
			next = lowestRemaining(remaining)
		}
		inLeft[next] = true
		delete(remaining, next)
		leftWeight += weights[next]
	}

	for _, v := range vertices {
		if inLeft[v] {
			left = append(left, v)
		} else {
			right = append(right, v)
		}
	}
	sort.Ints(left)
	sort.Ints(right)
	return left, right
}

// bestCandidate returns the remaining vertex with the most edges into
// inLeft, and that edge count. Returns gain -1 if no remaining vertex
// has any edge into inLeft.
func bestCandidate(inLeft, remaining map[int]bool, xadj, adjncy []int) (int, int) {
	ids := make([]int, 0, len(remaining))
	for v := range remaining {
		ids = append(ids, v)
	}
	sort.Ints(ids)

	gainOf := func(v int) int {
		gain := 0
		for _, nb := range adjncy[xadj[v]:xadj[v+1]] {
			if inLeft[nb] {
				gain++
			}
		}
		return gain
	}

	var gains map[int]int
	if len(ids) >= parallelGainThreshold {
		// Every vertex's gain only reads inLeft/xadj/adjncy, so this
		// round's candidates can be scored concurrently; the result is
		// reduced back to a deterministic scan below.
		gains = parallel.ParallelAggregate(
			context.Background(),
			ids,
			parallel.DefaultPoolConfig(),
			func(v int) (int, int) { return v, gainOf(v) },
			func(existing, new int) int { return new },
		)
	}

	best, bestGain := -1, 0
	for _, v := range ids {
		gain := 0
		if gains != nil {
			gain = gains[v]
		} else {
			gain = gainOf(v)
		}
		if gain > bestGain {
			bestGain = gain
			best = v
		}
	}
	if best == -1 {
		return -1, -1
	}
	return best, bestGain
}

func lowestID(vertices []int) int {
	min := vertices[0]
	for _, v := range vertices[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

func lowestRemaining(remaining map[int]bool) int {
	min := -1
	for v := range remaining {
		if min == -1 || v < min {
			min = v
		}
	}
	return min
}
