package collectives

import (
	"context"

	"github.com/meshrt/meshrt/pkg/types"
)

// Gather collects each rank's vals (all the same fixed length) at
// root, concatenated in rank order. Non-root ranks get a nil result.
func Gather[T any](ctx context.Context, c *Collective, root int, vals []T) ([]T, error) {
	return gather(ctx, c, root, vals, false)
}

// GatherVarying is Gather for the case where each rank may contribute
// a different number of elements; root learns each rank's count
// before receiving its payload.
func GatherVarying[T any](ctx context.Context, c *Collective, root int, vals []T) ([]T, error) {
	return gather(ctx, c, root, vals, true)
}

func gather[T any](ctx context.Context, c *Collective, root int, vals []T, varying bool) ([]T, error) {
	if c.rank() != root {
		buf, err := types.Pack(c.reg, vals)
		if err != nil {
			return nil, err
		}
		if varying {
			if err := c.sendLen(ctx, root, tagGatherLen, len(vals)); err != nil {
				return nil, err
			}
		}
		if err := c.sendBytes(ctx, root, tagGather, buf); err != nil {
			return nil, err
		}
		return nil, nil
	}

	var out []T
	for r := 0; r < c.size(); r++ {
		if r == root {
			out = append(out, vals...)
			continue
		}
		if varying {
			if _, err := c.recvLen(ctx, r, tagGatherLen); err != nil {
				return nil, err
			}
		}
		buf, err := c.recvBytes(ctx, r, tagGather)
		if err != nil {
			return nil, err
		}
		part, err := types.Unpack[T](c.reg, buf)
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}

// AllGather is Gather followed by a Broadcast of the concatenated
// result: every rank ends up with every rank's contribution, in rank
// order.
func AllGather[T any](ctx context.Context, c *Collective, vals []T) ([]T, error) {
	const root = 0
	gathered, err := Gather(ctx, c, root, vals)
	if err != nil {
		return nil, err
	}
	return BroadcastUnknownSize(ctx, c, root, gathered)
}

// AllGatherVarying is AllGather for per-rank-varying contribution sizes.
func AllGatherVarying[T any](ctx context.Context, c *Collective, vals []T) ([]T, error) {
	const root = 0
	gathered, err := GatherVarying(ctx, c, root, vals)
	if err != nil {
		return nil, err
	}
	return BroadcastUnknownSize(ctx, c, root, gathered)
}
