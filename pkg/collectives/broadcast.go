package collectives

import (
	"context"

	"github.com/meshrt/meshrt/pkg/types"
)

// Broadcast sends vals from root to every other rank, each of which
// receives back a copy of the same slice. The root's own vals are
// returned unchanged. Every rank must know len(vals) in advance (the
// fixed-size variant); use BroadcastUnknownSize when only the root
// knows how many elements are coming.
func Broadcast[T any](ctx context.Context, c *Collective, root int, vals []T) ([]T, error) {
	if c.rank() == root {
		buf, err := types.Pack(c.reg, vals)
		if err != nil {
			return nil, err
		}
		for r := 0; r < c.size(); r++ {
			if r == root {
				continue
			}
			if err := c.sendBytes(ctx, r, tagBroadcast, buf); err != nil {
				return nil, err
			}
		}
		return vals, nil
	}

	buf, err := c.recvBytes(ctx, root, tagBroadcast)
	if err != nil {
		return nil, err
	}
	return types.Unpack[T](c.reg, buf)
}

// BroadcastUnknownSize is Broadcast for the case where non-root ranks
// do not know in advance how many elements root will send: the
// element count travels ahead of the payload.
func BroadcastUnknownSize[T any](ctx context.Context, c *Collective, root int, vals []T) ([]T, error) {
	if c.rank() == root {
		buf, err := types.Pack(c.reg, vals)
		if err != nil {
			return nil, err
		}
		for r := 0; r < c.size(); r++ {
			if r == root {
				continue
			}
			if err := c.sendLen(ctx, r, tagBroadcastLen, len(vals)); err != nil {
				return nil, err
			}
			if err := c.sendBytes(ctx, r, tagBroadcast, buf); err != nil {
				return nil, err
			}
		}
		return vals, nil
	}

	if _, err := c.recvLen(ctx, root, tagBroadcastLen); err != nil {
		return nil, err
	}
	buf, err := c.recvBytes(ctx, root, tagBroadcast)
	if err != nil {
		return nil, err
	}
	return types.Unpack[T](c.reg, buf)
}
