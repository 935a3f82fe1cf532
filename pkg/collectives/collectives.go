// Package collectives implements every collective communication
// pattern the runtime offers — barrier, broadcast, gather/allgather,
// scatter, all-to-all, and reduce/allreduce — purely in terms of
// comm.Transport's point-to-point Send/Recv/Barrier primitives. No
// transport back end needs to know about collectives; they are a
// layer above, the same way a message-passing library's collective
// operations are themselves implementable (if less efficiently) from
// send/recv alone.
package collectives

import (
	"context"

	"github.com/meshrt/meshrt/pkg/comm"
	"github.com/meshrt/meshrt/pkg/errors"
	"github.com/meshrt/meshrt/pkg/types"
)

// Fixed tags, one per collective family. Two ranks taking part in the
// same logical collective call, in the same program order, always
// agree on which tag that call uses — exactly the assumption a real
// message-passing library makes about collective operations being
// issued in matching order across the whole group. Two independent
// collectives that might otherwise race should run on independently
// Dup'd communicators.
const (
	tagBroadcast = iota + 1
	tagBroadcastLen
	tagGather
	tagGatherLen
	tagScatter
	tagScatterLen
	tagAllToAll
	tagAllToAllLen
	tagReduce
)

// Collective bundles the pieces every collective operation needs: the
// transport to move bytes, and the type registry to turn a Go slice
// into those bytes and back.
type Collective struct {
	t   comm.Transport
	reg *types.Registry
}

// New builds a Collective bound to t, using reg to encode/decode
// elements. Build one per communicator the collectives run over; it
// holds no per-call state of its own.
func New(t comm.Transport, reg *types.Registry) *Collective {
	return &Collective{t: t, reg: reg}
}

func (c *Collective) rank() int { return c.t.Rank() }
func (c *Collective) size() int { return c.t.Size() }

func (c *Collective) sendBytes(ctx context.Context, dest, tag int, data []byte) error {
	if err := c.t.Send(ctx, dest, tag, data); err != nil {
		return errors.Wrap(errors.CodeTransportError, "collective send failed", err)
	}
	return nil
}

func (c *Collective) recvBytes(ctx context.Context, src, tag int) ([]byte, error) {
	data, err := c.t.Recv(ctx, src, tag)
	if err != nil {
		return nil, errors.Wrap(errors.CodeTransportError, "collective recv failed", err)
	}
	return data, nil
}

// sendLen/recvLen carry an element count ahead of a variable-size
// payload, for the "unknown size" variants where the receiver cannot
// pre-allocate without being told how much is coming.
func (c *Collective) sendLen(ctx context.Context, dest, tag, n int) error {
	return c.sendBytes(ctx, dest, tag, encodeInt(n))
}

func (c *Collective) recvLen(ctx context.Context, src, tag int) (int, error) {
	data, err := c.recvBytes(ctx, src, tag)
	if err != nil {
		return 0, err
	}
	return decodeInt(data), nil
}

func encodeInt(v int) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeInt(b []byte) int {
	var v int
	for i := 0; i < 8 && i < len(b); i++ {
		v |= int(b[i]) << (8 * i)
	}
	return v
}

// Barrier blocks the calling rank until every rank in the group has
// called Barrier.
func (c *Collective) Barrier(ctx context.Context) error {
	if err := c.t.Barrier(ctx); err != nil {
		return errors.Wrap(errors.CodeTransportError, "barrier failed", err)
	}
	return nil
}
