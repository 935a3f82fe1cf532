package collectives

import (
	"context"

	"github.com/meshrt/meshrt/pkg/errors"
	"github.com/meshrt/meshrt/pkg/types"
)

// Scatter splits vals, supplied only at root, into c.size() equal
// chunks and delivers chunk r to rank r. len(vals) must be a multiple
// of c.size().
func Scatter[T any](ctx context.Context, c *Collective, root int, vals []T) ([]T, error) {
	n := c.size()
	if c.rank() == root && len(vals)%n != 0 {
		return nil, errors.Wrap(errors.CodeSizeMismatch, "scatter payload not evenly divisible by group size", nil)
	}

	counts := make([]int, n)
	if c.rank() == root {
		chunk := len(vals) / n
		for r := range counts {
			counts[r] = chunk
		}
	}
	return scatterVaryingTagged(ctx, c, tagScatterLen, tagScatter, root, vals, counts)
}

// ScatterVarying is Scatter for the case where each rank receives a
// different, root-specified number of elements. counts is only read
// at root and must have length c.size().
func ScatterVarying[T any](ctx context.Context, c *Collective, root int, vals []T, counts []int) ([]T, error) {
	return scatterVaryingTagged(ctx, c, tagScatterLen, tagScatter, root, vals, counts)
}

func scatterVaryingTagged[T any](ctx context.Context, c *Collective, lenTag, dataTag, root int, vals []T, counts []int) ([]T, error) {
	if c.rank() == root {
		offset := 0
		var mine []T
		for r := 0; r < c.size(); r++ {
			chunk := vals[offset : offset+counts[r]]
			offset += counts[r]
			if r == root {
				mine = append([]T(nil), chunk...)
				continue
			}
			buf, err := types.Pack(c.reg, chunk)
			if err != nil {
				return nil, err
			}
			if err := c.sendLen(ctx, r, lenTag, counts[r]); err != nil {
				return nil, err
			}
			if err := c.sendBytes(ctx, r, dataTag, buf); err != nil {
				return nil, err
			}
		}
		return mine, nil
	}

	if _, err := c.recvLen(ctx, root, lenTag); err != nil {
		return nil, err
	}
	buf, err := c.recvBytes(ctx, root, dataTag)
	if err != nil {
		return nil, err
	}
	return types.Unpack[T](c.reg, buf)
}

// ScatterTagged is ScatterVarying addressed with an explicit tag
// instead of the package's fixed scatter tag, so a caller can run
// several scatter operations over the same communicator concurrently
// (one per independent exchange) without them matching each other's
// messages.
func ScatterTagged[T any](ctx context.Context, c *Collective, root, tag int, vals []T, counts []int) ([]T, error) {
	return scatterVaryingTagged(ctx, c, tag, tag+1, root, vals, counts)
}

// ScatterProcessTagged is the process-tagged scatter (spec §4.3):
// root supplies (element, destinationRank) pairs in any order. The
// primitive stably groups pairs by destination, preserving root's
// relative order within each destination, then scatters the grouped
// payload with per-destination counts derived from the grouping. The
// result on rank r is exactly the elements root tagged for r, in the
// order root listed them. Non-root ranks pass vals and destRanks as
// nil.
func ScatterProcessTagged[T any](ctx context.Context, c *Collective, root, tag int, vals []T, destRanks []int) ([]T, error) {
	n := c.size()
	var grouped []T
	counts := make([]int, n)
	if c.rank() == root {
		var err error
		grouped, counts, err = groupByDestination(n, vals, destRanks)
		if err != nil {
			return nil, err
		}
	}
	return scatterVaryingTagged(ctx, c, tag, tag+1, root, grouped, counts)
}
