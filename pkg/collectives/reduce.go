package collectives

import (
	"context"

	"github.com/meshrt/meshrt/pkg/errors"
	"github.com/meshrt/meshrt/pkg/types"
)

// Op combines two elementwise values into one. It must be associative
// and commutative for the result to be rank-order-independent, the
// same requirement a message-passing library places on its built-in
// reduction operators.
type Op[T any] func(a, b T) T

// SumOp builds an Op that adds numeric values.
func SumOp[T int | int32 | int64 | float32 | float64]() Op[T] {
	return func(a, b T) T { return a + b }
}

// ProductOp builds an Op that multiplies numeric values.
func ProductOp[T int | int32 | int64 | float32 | float64]() Op[T] {
	return func(a, b T) T { return a * b }
}

// MinOp builds an Op that keeps the smaller value.
func MinOp[T int | int32 | int64 | float32 | float64]() Op[T] {
	return func(a, b T) T {
		if a < b {
			return a
		}
		return b
	}
}

// MaxOp builds an Op that keeps the larger value.
func MaxOp[T int | int32 | int64 | float32 | float64]() Op[T] {
	return func(a, b T) T {
		if a > b {
			return a
		}
		return b
	}
}

// Reduce elementwise-combines every rank's vals (all the same length)
// using op and returns the result at root only; non-root ranks get a
// nil result.
func Reduce[T any](ctx context.Context, c *Collective, root int, vals []T, op Op[T]) ([]T, error) {
	if c.rank() != root {
		buf, err := types.Pack(c.reg, vals)
		if err != nil {
			return nil, err
		}
		if err := c.sendBytes(ctx, root, tagReduce, buf); err != nil {
			return nil, err
		}
		return nil, nil
	}

	acc := append([]T(nil), vals...)
	for r := 0; r < c.size(); r++ {
		if r == root {
			continue
		}
		buf, err := c.recvBytes(ctx, r, tagReduce)
		if err != nil {
			return nil, err
		}
		part, err := types.Unpack[T](c.reg, buf)
		if err != nil {
			return nil, err
		}
		if len(part) != len(acc) {
			return nil, errors.Wrap(errors.CodeSizeMismatch, "reduce operand length mismatch", nil)
		}
		for i := range acc {
			acc[i] = op(acc[i], part[i])
		}
	}
	return acc, nil
}

// AllReduce is Reduce followed by a broadcast of the result: every
// rank ends up holding the combined value.
func AllReduce[T any](ctx context.Context, c *Collective, vals []T, op Op[T]) ([]T, error) {
	const root = 0
	reduced, err := Reduce(ctx, c, root, vals, op)
	if err != nil {
		return nil, err
	}
	return Broadcast(ctx, c, root, reduced)
}
