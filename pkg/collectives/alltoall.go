package collectives

import (
	"context"

	"github.com/meshrt/meshrt/pkg/errors"
	"github.com/meshrt/meshrt/pkg/types"
)

// AllToAll sends sendVals, split into c.size() equal chunks, to every
// rank (chunk r to rank r) and returns the concatenation, in rank
// order, of what every rank sent to the caller. len(sendVals) must be
// a multiple of c.size().
func AllToAll[T any](ctx context.Context, c *Collective, sendVals []T) ([]T, error) {
	n := c.size()
	if len(sendVals)%n != 0 {
		return nil, errors.Wrap(errors.CodeSizeMismatch, "all-to-all payload not evenly divisible by group size", nil)
	}
	chunk := len(sendVals) / n
	sendCounts := make([]int, n)
	for r := range sendCounts {
		sendCounts[r] = chunk
	}
	out, _, err := AllToAllVarying(ctx, c, sendVals, sendCounts)
	return out, err
}

// AllToAllVarying is AllToAll where each rank may send a different
// number of elements to each destination. sendCounts[r] is how many
// elements (drawn, in order, from sendVals) go to rank r. It returns
// the concatenated received payload along with how many elements came
// from each rank, learned via an AllToAll exchange of the counts
// themselves.
func AllToAllVarying[T any](ctx context.Context, c *Collective, sendVals []T, sendCounts []int) ([]T, []int, error) {
	return allToAllVaryingTagged(ctx, c, tagAllToAllLen, tagAllToAll, sendVals, sendCounts)
}

func allToAllVaryingTagged[T any](ctx context.Context, c *Collective, lenTag, dataTag int, sendVals []T, sendCounts []int) ([]T, []int, error) {
	recvCounts, err := exchangeCountsTagged(ctx, c, lenTag, sendCounts)
	if err != nil {
		return nil, nil, err
	}

	sendDispls := prefixSum(sendCounts)
	recvDispls := prefixSum(recvCounts)

	out, err := allToAllDisplacedTagged(ctx, c, dataTag, sendVals, sendCounts, sendDispls, recvCounts, recvDispls)
	if err != nil {
		return nil, nil, err
	}
	return out, recvCounts, nil
}

// AllToAllDisplaced is the fully general form: every displacement and
// count, in both directions, is supplied by the caller (typically
// because it was already computed once, by an exchange pattern's
// routing step, and reused across many calls). Per spec §4.3, it
// verifies that consecutive displacements equal cumulative counts on
// both sides before moving any data.
func AllToAllDisplaced[T any](ctx context.Context, c *Collective, sendVals []T, sendCounts, sendDispls, recvCounts, recvDispls []int) ([]T, error) {
	if err := checkCumulativeDispls(sendCounts, sendDispls); err != nil {
		return nil, err
	}
	if err := checkCumulativeDispls(recvCounts, recvDispls); err != nil {
		return nil, err
	}
	return allToAllDisplacedTagged(ctx, c, tagAllToAll, sendVals, sendCounts, sendDispls, recvCounts, recvDispls)
}

// checkCumulativeDispls verifies that displs is the prefix-sum of
// counts: displs[0] == 0 and displs[i] == displs[i-1] + counts[i-1]
// for every later i, as spec §4.3 requires of the explicit-
// displacement all-to-all form.
func checkCumulativeDispls(counts, displs []int) error {
	if len(counts) != len(displs) {
		return errors.Wrap(errors.CodeSizeMismatch, "all-to-all: counts/displacements length mismatch", nil)
	}
	sum := 0
	for i, d := range displs {
		if d != sum {
			return errors.Wrap(errors.CodeSizeMismatch, "all-to-all: displacements are not cumulative counts", nil)
		}
		sum += counts[i]
	}
	return nil
}

func allToAllDisplacedTagged[T any](ctx context.Context, c *Collective, tag int, sendVals []T, sendCounts, sendDispls, recvCounts, recvDispls []int) ([]T, error) {
	n := c.size()
	me := c.rank()
	total := 0
	for _, cnt := range recvCounts {
		total += cnt
	}
	out := make([]T, total)

	// Post sends for everyone but self first (eager local transports
	// complete these immediately; a networked transport would pipeline
	// them), then receive, so no rank blocks waiting on a send that a
	// peer hasn't gotten to yet.
	for r := 0; r < n; r++ {
		if r == me || sendCounts[r] == 0 {
			continue
		}
		chunk := sendVals[sendDispls[r] : sendDispls[r]+sendCounts[r]]
		buf, err := types.Pack(c.reg, chunk)
		if err != nil {
			return nil, err
		}
		if err := c.sendBytes(ctx, r, tag, buf); err != nil {
			return nil, err
		}
	}

	if sendCounts[me] > 0 {
		copy(out[recvDispls[me]:recvDispls[me]+recvCounts[me]], sendVals[sendDispls[me]:sendDispls[me]+sendCounts[me]])
	}

	for r := 0; r < n; r++ {
		if r == me || recvCounts[r] == 0 {
			continue
		}
		buf, err := c.recvBytes(ctx, r, tag)
		if err != nil {
			return nil, err
		}
		part, err := types.Unpack[T](c.reg, buf)
		if err != nil {
			return nil, err
		}
		copy(out[recvDispls[r]:recvDispls[r]+recvCounts[r]], part)
	}

	return out, nil
}

// AllToAllTagged addresses an all-to-all under a caller-chosen tag
// instead of the package's fixed tag, with each rank's per-destination
// slice already grouped by the caller — this is the form the
// distributed graph's ghost-routing handshake and the partitioner's
// redistribution step build on, since both already hold their payload
// grouped by destination rank before they ever call down into this
// package.
func AllToAllTagged[T any](ctx context.Context, c *Collective, tag int, sendVals [][]T) ([][]T, error) {
	n := c.size()
	me := c.rank()
	out := make([][]T, n)

	for r := 0; r < n; r++ {
		if r == me {
			out[r] = append([]T(nil), sendVals[r]...)
			continue
		}
		buf, err := types.Pack(c.reg, sendVals[r])
		if err != nil {
			return nil, err
		}
		if err := c.sendLen(ctx, r, tag, len(sendVals[r])); err != nil {
			return nil, err
		}
		if err := c.sendBytes(ctx, r, tag+1, buf); err != nil {
			return nil, err
		}
	}

	for r := 0; r < n; r++ {
		if r == me {
			continue
		}
		if _, err := c.recvLen(ctx, r, tag); err != nil {
			return nil, err
		}
		buf, err := c.recvBytes(ctx, r, tag+1)
		if err != nil {
			return nil, err
		}
		part, err := types.Unpack[T](c.reg, buf)
		if err != nil {
			return nil, err
		}
		out[r] = part
	}

	return out, nil
}

// AllToAllProcessTagged is the process-tagged all-to-all (spec §4.3,
// scenario §8#4): every rank supplies its own (element,
// destinationRank) pairs in any order. The primitive stably groups
// pairs by destination, preserving this rank's relative order within
// each destination, then runs a variable all-to-all of the grouped
// payload. The result on every rank is the concatenation, in
// ascending sender-rank order, of what each sender tagged for it, with
// each sender's own contribution kept in the order that sender listed
// it — the stability rule spec.md states for this collective.
func AllToAllProcessTagged[T any](ctx context.Context, c *Collective, tag int, vals []T, destRanks []int) ([]T, error) {
	n := c.size()
	grouped, counts, err := groupByDestination(n, vals, destRanks)
	if err != nil {
		return nil, err
	}
	out, _, err := allToAllVaryingTagged(ctx, c, tag, tag+1, grouped, counts)
	return out, err
}

// exchangeCountsTagged all-to-alls a single int per destination under
// the given tag — the lightweight core every variable-size collective
// in this package needs in order to let the receiver pre-size its
// buffer.
func exchangeCountsTagged(ctx context.Context, c *Collective, tag int, sendCounts []int) ([]int, error) {
	n := c.size()
	me := c.rank()
	recvCounts := make([]int, n)

	for r := 0; r < n; r++ {
		if r == me {
			continue
		}
		if err := c.sendLen(ctx, r, tag, sendCounts[r]); err != nil {
			return nil, err
		}
	}
	recvCounts[me] = sendCounts[me]
	for r := 0; r < n; r++ {
		if r == me {
			continue
		}
		cnt, err := c.recvLen(ctx, r, tag)
		if err != nil {
			return nil, err
		}
		recvCounts[r] = cnt
	}
	return recvCounts, nil
}

func prefixSum(counts []int) []int {
	displs := make([]int, len(counts))
	sum := 0
	for i, cnt := range counts {
		displs[i] = sum
		sum += cnt
	}
	return displs
}
