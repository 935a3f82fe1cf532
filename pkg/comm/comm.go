// Package comm wraps a process group behind a small transport contract.
//
// Everything above this package — collectives, the distributed graph,
// exchange patterns, the partitioner facade — is written against
// Transport and never against a concrete wire protocol. Two back-ends
// ship with this module: an in-process, goroutine-per-rank transport
// (internal/transport/local) used by every test and by the CLI demo,
// and a networked gRPC transport (internal/transport/grpcmesh) for
// running ranks as separate processes.
package comm

import "context"

// Request is a handle to a non-blocking send or receive. Wait blocks
// until the operation completes. For a request returned by ISend the
// returned slice is nil. For a request returned by IRecv it is the
// received payload.
type Request interface {
	Wait(ctx context.Context) ([]byte, error)
}

// Window is a one-sided memory window shared by every rank bound to
// the communicator it was created on. A window's lifecycle is
// Start (open an access/exposure epoch), any number of Put calls,
// Complete (close the epoch — this is the point at which every
// outstanding Put is guaranteed visible), then Local to read the
// window's own contents.
type Window interface {
	// Put writes data into the target rank's window at byte offset displ.
	Put(ctx context.Context, targetRank, displ int, data []byte) error

	// Start opens an access/exposure epoch. Puts are only permitted
	// between Start and Complete.
	Start(ctx context.Context) error

	// Complete closes the epoch. It blocks until every put issued by
	// any rank against this window during the epoch has landed.
	Complete(ctx context.Context) error

	// Local returns this rank's window contents. Only meaningful after
	// Complete has returned.
	Local() []byte

	Close(ctx context.Context) error
}

// Transport is the message-passing contract the runtime consumes. It
// is deliberately minimal: everything in package collectives and
// package exchange is built from these primitives plus Barrier, the
// same way spec'd higher-level MPI operations are built from
// point-to-point send/recv and collective primitives in a real
// message-passing library.
type Transport interface {
	Rank() int
	Size() int

	// Send blocks until data has been handed to the transport for
	// delivery to dest under the given tag.
	Send(ctx context.Context, dest, tag int, data []byte) error

	// Recv blocks until a message tagged tag arrives from src, and
	// returns its payload. Messages from a given (src, tag) pair are
	// delivered in the order Send was called.
	Recv(ctx context.Context, src, tag int) ([]byte, error)

	// ISend initiates a send and returns immediately.
	ISend(ctx context.Context, dest, tag int, data []byte) (Request, error)

	// IRecv posts a receive and returns immediately; Wait on the
	// returned Request blocks until the matching message has arrived.
	IRecv(ctx context.Context, src, tag int) (Request, error)

	// Barrier blocks the calling rank until every rank in the group
	// has entered.
	Barrier(ctx context.Context) error

	// NewWindow collectively creates a one-sided window of the given
	// size (in bytes) on every rank. Every rank must call NewWindow
	// with the same size in the same program order.
	NewWindow(ctx context.Context, size int) (Window, error)

	// Dup collectively creates a new logical group over the same
	// underlying fabric, with its own tag namespace so messages never
	// collide with an unrelated subsystem sharing the parent group.
	// Every rank must call Dup in the same program order as every
	// other rank — it is itself a collective operation.
	Dup(ctx context.Context) (Transport, error)

	Close() error
}

// Communicator wraps a process group: size, rank, root rank, and the
// underlying transport handle. A default-constructed Communicator is
// not valid; use New to wrap a concrete Transport.
type Communicator struct {
	t Transport
}

// New wraps a Transport in a Communicator.
func New(t Transport) *Communicator {
	return &Communicator{t: t}
}

// Rank returns this process's rank within the group.
func (c *Communicator) Rank() int { return c.t.Rank() }

// Size returns the number of ranks in the group.
func (c *Communicator) Size() int { return c.t.Size() }

// RootRank is the rank that acts as sink/source for single-root
// collectives. Fixed at 0.
func (c *Communicator) RootRank() int { return 0 }

// IsRoot reports whether the calling rank is the root rank.
func (c *Communicator) IsRoot() bool { return c.Rank() == c.RootRank() }

// Transport returns the underlying transport handle.
func (c *Communicator) Transport() Transport { return c.t }

// Dup duplicates the logical group handle: the returned Communicator
// shares the parent's ranks and underlying fabric but has an
// independent tag namespace, so two subsystems built on
// independently-Dup'd communicators never collide even if both
// happen to choose the same tag integers. This is the default and
// recommended way to share one Communicator across independent
// components (a DistributedGraph and an unrelated ExchangePattern,
// say). Must be called collectively, in the same program order, by
// every rank in the group.
func (c *Communicator) Dup(ctx context.Context) (*Communicator, error) {
	dt, err := c.t.Dup(ctx)
	if err != nil {
		return nil, err
	}
	return &Communicator{t: dt}, nil
}

// Clone returns a Communicator that aliases the same transport handle
// and tag namespace as c. Unlike Dup, this is not collective and
// allocates nothing new — use it only when the caller intentionally
// wants to share one subsystem's tag space with another.
func (c *Communicator) Clone() *Communicator {
	return &Communicator{t: c.t}
}

// Close releases the underlying transport handle.
func (c *Communicator) Close() error { return c.t.Close() }
