// Package exchange implements ghost-node data exchange: the
// recurring operation of pulling every neighbour rank's current
// values for the nodes this rank ghosts, and pushing this rank's own
// node values out to whichever ranks ghost them.
//
// A Pattern is built once, from a finalized graph's ghost routing, and
// reused every round: it holds a dense localToExchange mapping
// (LocalIndex -> ExchangeID, i.e. GlobalID) and its inverse
// exchangeToLocal, plus, for every neighbour, the ordered list of
// ExchangeIDs occupying that neighbour's slice of the flat send/recv
// buffer (sAdj/rAdj). Pack/Unpack translate between a caller's
// cell-indexed array (one value per LocalIndex, local cells followed
// by ghost cells) and that flat buffer; Start/Stop drive the
// underlying transfer around them. Two concrete transfer strategies
// ship, sharing this routing and pack/unpack machinery: a two-sided
// form built on ISend/IRecv, and a one-sided form built on a
// comm.Window, mirroring the two exchange-pattern implementations the
// distributed graph's original message-passing design offered.
package exchange

import (
	"context"
	"sort"

	"github.com/meshrt/meshrt/pkg/comm"
	"github.com/meshrt/meshrt/pkg/errors"
	"github.com/meshrt/meshrt/pkg/types"
)

// Route describes, for one neighbour rank, how many elements this
// rank exchanges with it.
type Route struct {
	Rank  int
	Count int
}

// Routing is the result of buildRouting: the ordered neighbour lists
// and per-neighbour element counts every exchange variant needs, the
// derived offsets into a flat send/recv buffer, and the flat
// ExchangeID adjacency (sAdj/rAdj) spec.md §4.6 assigns those buffers.
type Routing struct {
	Send       []Route
	Recv       []Route
	sendOffset map[int]int
	recvOffset map[int]int
	sendTotal  int
	recvTotal  int

	// sAdj[i] is the ExchangeID occupying position i of the flat send
	// buffer; rAdj is the symmetric list for the flat recv buffer. Both
	// are grouped by neighbour rank (ascending), in the order each
	// neighbour's own routing produced them.
	sAdj []int64
	rAdj []int64
}

// buildRouting sorts send/recv neighbours by rank (stable, ascending)
// and computes each neighbour's offset into a flat send/recv buffer —
// the same shape every displaced all-to-all in package collectives
// consumes — from the per-neighbour ExchangeID lists a finalized
// graph already knows.
func buildRouting(sendExchangeIDs, recvExchangeIDs map[int][]int64) *Routing {
	r := &Routing{
		sendOffset: make(map[int]int),
		recvOffset: make(map[int]int),
	}
	for _, rank := range sortedIDKeys(sendExchangeIDs) {
		ids := sendExchangeIDs[rank]
		r.Send = append(r.Send, Route{Rank: rank, Count: len(ids)})
		r.sendOffset[rank] = r.sendTotal
		r.sendTotal += len(ids)
		r.sAdj = append(r.sAdj, ids...)
	}
	for _, rank := range sortedIDKeys(recvExchangeIDs) {
		ids := recvExchangeIDs[rank]
		r.Recv = append(r.Recv, Route{Rank: rank, Count: len(ids)})
		r.recvOffset[rank] = r.recvTotal
		r.recvTotal += len(ids)
		r.rAdj = append(r.rAdj, ids...)
	}
	return r
}

func sortedIDKeys(m map[int][]int64) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// buildExchangeToLocal inverts a dense LocalIndex -> ExchangeID array.
// Every ExchangeID a finalized graph produces is, by construction,
// unique (it is that cell's GlobalID), so a collision here means the
// caller built localToExchange from something other than a finalized
// graph's routing.
func buildExchangeToLocal(localToExchange []int64) (map[int64]int, error) {
	m := make(map[int64]int, len(localToExchange))
	for i, id := range localToExchange {
		if _, dup := m[id]; dup {
			return nil, errors.ErrDuplicateExchangeID
		}
		m[id] = i
	}
	return m, nil
}

// packFlat builds the flat send buffer: for each position i in adj,
// it reads src[exchangeToLocal[adj[i]]].
func packFlat[T any](exchangeToLocal map[int64]int, adj []int64, src []T) ([]T, error) {
	out := make([]T, len(adj))
	for i, id := range adj {
		li, ok := exchangeToLocal[id]
		if !ok || li < 0 || li >= len(src) {
			return nil, errors.ErrIndexOutOfRng
		}
		out[i] = src[li]
	}
	return out, nil
}

// unpackFlat scatters a flat recv buffer back into dst: for each
// position i in adj, it writes dst[exchangeToLocal[adj[i]]] = buf[i].
func unpackFlat[T any](exchangeToLocal map[int64]int, adj []int64, buf, dst []T) error {
	for i, id := range adj {
		li, ok := exchangeToLocal[id]
		if !ok || li < 0 || li >= len(dst) {
			return errors.ErrIndexOutOfRng
		}
		dst[li] = buf[i]
	}
	return nil
}

// Pattern is spec.md §4.6's exchange contract: Pack/Unpack move a
// caller's cell-indexed array (one T per LocalIndex) to and from the
// pattern's internal flat send/recv buffers; Start initiates a
// transfer and returns immediately, Stop blocks until it completes and
// unpacks the result. Exchange is the common Start-then-Stop case.
// Callers must not mutate srcArray/dstArray between Start and Stop.
type Pattern[T any] interface {
	// Pack copies srcArray (indexed by LocalIndex) into the pattern's
	// flat send buffer. IndexOutOfRange if an ExchangeID in the send
	// routing has no corresponding entry in srcArray.
	Pack(srcArray []T) error

	// Unpack copies the pattern's flat recv buffer into dstArray
	// (indexed by LocalIndex). IndexOutOfRange if an ExchangeID in the
	// recv routing has no corresponding entry in dstArray.
	Unpack(dstArray []T) error

	// Start packs srcArray and initiates the non-blocking transfer.
	Start(ctx context.Context, srcArray []T) error

	// Stop blocks until the transfer Start initiated has completed,
	// then unpacks the result into dstArray.
	Stop(ctx context.Context, dstArray []T) error

	// Exchange is Start immediately followed by Stop.
	Exchange(ctx context.Context, srcArray, dstArray []T) error

	Close(ctx context.Context) error
}

// tags reserved for exchange traffic; exchanges should run on a
// Dup'd communicator so these never collide with an unrelated
// subsystem's use of the same integers.
const (
	tagTwoSided     = 9002
	tagWindowOffset = 9003
)

type twoSided[T any] struct {
	t               comm.Transport
	reg             *types.Registry
	rte             *Routing
	exchangeToLocal map[int64]int

	sendBuf  []T
	recvBuf  []T
	recvReqs []twoSidedRecv
}

type twoSidedRecv struct {
	rank int
	req  comm.Request
}

// NewTwoSided builds an exchange.Pattern that moves data with
// non-blocking point-to-point sends and receives. localToExchange is
// the dense LocalIndex -> ExchangeID array (local cells followed by
// ghost cells); sendExchangeIDs/recvExchangeIDs give, per neighbour
// rank, the ExchangeIDs that neighbour's slice of the flat send/recv
// buffer carries, in the order the graph's routing assigned them.
func NewTwoSided[T any](t comm.Transport, reg *types.Registry, localToExchange []int64, sendExchangeIDs, recvExchangeIDs map[int][]int64) (Pattern[T], error) {
	exchangeToLocal, err := buildExchangeToLocal(localToExchange)
	if err != nil {
		return nil, err
	}
	return &twoSided[T]{
		t:               t,
		reg:             reg,
		rte:             buildRouting(sendExchangeIDs, recvExchangeIDs),
		exchangeToLocal: exchangeToLocal,
	}, nil
}

func (p *twoSided[T]) Pack(srcArray []T) error {
	buf, err := packFlat(p.exchangeToLocal, p.rte.sAdj, srcArray)
	if err != nil {
		return err
	}
	p.sendBuf = buf
	return nil
}

func (p *twoSided[T]) Unpack(dstArray []T) error {
	return unpackFlat(p.exchangeToLocal, p.rte.rAdj, p.recvBuf, dstArray)
}

func (p *twoSided[T]) Start(ctx context.Context, srcArray []T) error {
	if err := p.Pack(srcArray); err != nil {
		return err
	}

	p.recvReqs = p.recvReqs[:0]
	for _, route := range p.rte.Recv {
		req, err := p.t.IRecv(ctx, route.Rank, tagTwoSided)
		if err != nil {
			return errors.Wrap(errors.CodeTransportError, "exchange irecv failed", err)
		}
		p.recvReqs = append(p.recvReqs, twoSidedRecv{rank: route.Rank, req: req})
	}

	for _, route := range p.rte.Send {
		off := p.rte.sendOffset[route.Rank]
		payload := p.sendBuf[off : off+route.Count]
		buf, err := types.Pack(p.reg, payload)
		if err != nil {
			return err
		}
		if _, err := p.t.ISend(ctx, route.Rank, tagTwoSided, buf); err != nil {
			return errors.Wrap(errors.CodeTransportError, "exchange isend failed", err)
		}
	}
	return nil
}

func (p *twoSided[T]) Stop(ctx context.Context, dstArray []T) error {
	recvBuf := make([]T, p.rte.recvTotal)
	for _, inf := range p.recvReqs {
		buf, err := inf.req.Wait(ctx)
		if err != nil {
			return errors.Wrap(errors.CodeTransportError, "exchange wait failed", err)
		}
		vals, err := types.Unpack[T](p.reg, buf)
		if err != nil {
			return err
		}
		off := p.rte.recvOffset[inf.rank]
		copy(recvBuf[off:off+len(vals)], vals)
	}
	p.recvBuf = recvBuf
	return p.Unpack(dstArray)
}

func (p *twoSided[T]) Exchange(ctx context.Context, srcArray, dstArray []T) error {
	if err := p.Start(ctx, srcArray); err != nil {
		return err
	}
	return p.Stop(ctx, dstArray)
}

func (p *twoSided[T]) Close(ctx context.Context) error { return nil }

type oneSided[T any] struct {
	t               comm.Transport
	reg             *types.Registry
	rte             *Routing
	win             comm.Window
	elemSize        int
	exchangeToLocal map[int64]int

	// putOffset[dest] is the element offset this rank must Put its
	// contribution to dest at, inside dest's window — dest's own
	// choice, learned once at construction time, since dest is the
	// only one who knows how it ordered ITS recv routing.
	putOffset map[int]int

	sendBuf []T
}

// NewOneSided builds an exchange.Pattern that moves data through a
// shared comm.Window: every rank Puts its contribution into its
// neighbours' windows during Start/Stop, then reads its own window
// contents directly. Must be called collectively by every rank
// sharing the communicator, in the same program order, since window
// creation is itself collective. localToExchange/sendExchangeIDs/
// recvExchangeIDs mean the same thing they do for NewTwoSided.
//
// Window offsets are assigned by each rank for its own recv routing
// (ascending by source rank) and handed out to the corresponding
// sources with one point-to-point message each, since a sender has no
// other way to learn how its destination laid out its window.
func NewOneSided[T any](ctx context.Context, t comm.Transport, reg *types.Registry, localToExchange []int64, sendExchangeIDs, recvExchangeIDs map[int][]int64) (Pattern[T], error) {
	exchangeToLocal, err := buildExchangeToLocal(localToExchange)
	if err != nil {
		return nil, err
	}
	rte := buildRouting(sendExchangeIDs, recvExchangeIDs)
	elemSize, err := types.ElementSize[T](reg)
	if err != nil {
		return nil, err
	}
	win, err := t.NewWindow(ctx, rte.recvTotal*elemSize)
	if err != nil {
		return nil, errors.Wrap(errors.CodeTransportError, "failed to create exchange window", err)
	}

	for _, route := range rte.Recv {
		off := rte.recvOffset[route.Rank]
		if err := t.Send(ctx, route.Rank, tagWindowOffset, encodeInt(off)); err != nil {
			return nil, errors.Wrap(errors.CodeTransportError, "exchange offset handshake send failed", err)
		}
	}
	putOffset := make(map[int]int, len(rte.Send))
	for _, route := range rte.Send {
		buf, err := t.Recv(ctx, route.Rank, tagWindowOffset)
		if err != nil {
			return nil, errors.Wrap(errors.CodeTransportError, "exchange offset handshake recv failed", err)
		}
		putOffset[route.Rank] = decodeInt(buf)
	}

	return &oneSided[T]{
		t: t, reg: reg, rte: rte, win: win, elemSize: elemSize,
		exchangeToLocal: exchangeToLocal, putOffset: putOffset,
	}, nil
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

func (p *oneSided[T]) Pack(srcArray []T) error {
	buf, err := packFlat(p.exchangeToLocal, p.rte.sAdj, srcArray)
	if err != nil {
		return err
	}
	p.sendBuf = buf
	return nil
}

// Unpack reads straight out of the window's local contents, which
// Stop's Complete call already guarantees are fully landed.
func (p *oneSided[T]) Unpack(dstArray []T) error {
	local := p.win.Local()
	recvBuf := make([]T, p.rte.recvTotal)
	for _, route := range p.rte.Recv {
		off := p.rte.recvOffset[route.Rank]
		chunk := local[off*p.elemSize : (off+route.Count)*p.elemSize]
		vals, err := types.Unpack[T](p.reg, chunk)
		if err != nil {
			return err
		}
		copy(recvBuf[off:off+route.Count], vals)
	}
	return unpackFlat(p.exchangeToLocal, p.rte.rAdj, recvBuf, dstArray)
}

func (p *oneSided[T]) Start(ctx context.Context, srcArray []T) error {
	if err := p.Pack(srcArray); err != nil {
		return err
	}
	if err := p.win.Start(ctx); err != nil {
		return errors.Wrap(errors.CodeTransportError, "exchange window start failed", err)
	}

	for _, route := range p.rte.Send {
		off := p.rte.sendOffset[route.Rank]
		payload := p.sendBuf[off : off+route.Count]
		buf, err := types.Pack(p.reg, payload)
		if err != nil {
			return err
		}
		displ := p.putOffset[route.Rank]
		if err := p.win.Put(ctx, route.Rank, displ*p.elemSize, buf); err != nil {
			return errors.Wrap(errors.CodeTransportError, "exchange window put failed", err)
		}
	}
	return nil
}

func (p *oneSided[T]) Stop(ctx context.Context, dstArray []T) error {
	if err := p.win.Complete(ctx); err != nil {
		return errors.Wrap(errors.CodeTransportError, "exchange window complete failed", err)
	}
	return p.Unpack(dstArray)
}

func (p *oneSided[T]) Exchange(ctx context.Context, srcArray, dstArray []T) error {
	if err := p.Start(ctx, srcArray); err != nil {
		return err
	}
	return p.Stop(ctx, dstArray)
}

func (p *oneSided[T]) Close(ctx context.Context) error {
	return p.win.Close(ctx)
}
