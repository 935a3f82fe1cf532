// Package grpcmesh implements comm.Transport with each rank running
// as its own gRPC server and dialing every peer from a static address
// list — the networked back-end behind the same comm.Transport
// interface internal/transport/local implements in-process. No
// protoc-generated stubs: service.go hand-authors the grpc.ServiceDesc
// and client stub against codec.go's gob codec, the way a raw
// byte-stream gRPC service is built without a .proto file.
package grpcmesh

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/meshrt/meshrt/pkg/comm"
	"github.com/meshrt/meshrt/pkg/errors"
)

// dupTag mirrors internal/transport/local's reserved tag for the
// Dup/NewWindow id-negotiation handshake.
const dupTag = -1

type mailboxMsg struct{ data []byte }

// msgKey identifies one FIFO queue within a mailbox: the sending rank
// and the tag.
type msgKey struct{ src, tag int }

type mailbox struct {
	mu   sync.Mutex
	cond *sync.Cond
	msgs map[msgKey][]mailboxMsg
}

func newMailbox() *mailbox {
	m := &mailbox{msgs: make(map[msgKey][]mailboxMsg)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(src, tag int, data []byte) {
	m.mu.Lock()
	m.msgs[msgKey{src, tag}] = append(m.msgs[msgKey{src, tag}], mailboxMsg{data: data})
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *mailbox) pop(ctx context.Context, src, tag int) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.cond.Broadcast()
		case <-done:
		}
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if q := m.msgs[msgKey{src, tag}]; len(q) > 0 {
			msg := q[0]
			m.msgs[msgKey{src, tag}] = q[1:]
			return msg.data, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		m.cond.Wait()
	}
}

// barCoord is a centralized, generation-counted barrier. Only rank 0's
// node ever holds one per scope: every other rank's entry arrives as a
// Deliver RPC and is folded into the same counter rank 0's own
// Barrier/NewWindow calls use.
type barCoord struct {
	mu    sync.Mutex
	count int
	ch    chan struct{}
}

func newBarCoord() *barCoord {
	return &barCoord{ch: make(chan struct{})}
}

// enter increments the coordinator and reports whether this call tipped
// it over size, returning the generation's release channel either way.
func (b *barCoord) enter(size int) (tipped bool, ch chan struct{}) {
	b.mu.Lock()
	ch = b.ch
	b.count++
	tipped = b.count == size
	if tipped {
		b.count = 0
		b.ch = make(chan struct{})
	}
	b.mu.Unlock()
	return tipped, ch
}

type windowBuf struct {
	mu  sync.Mutex
	buf []byte
}

// barScope identifies one barrier/window-epoch coordinator: the plain
// namespace barrier uses windowID 0, a window's Start/Complete epoch
// uses its own window id.
type barScope struct {
	ns       int64
	windowID int64
}

// namespace is this rank's state for one logical tag-space (the root
// namespace, or a Dup'd or NewWindow-derived child).
type namespace struct {
	mailbox *mailbox

	mu        sync.Mutex
	windows   map[int64]*windowBuf
	windowSeq int64
}

func newNamespace() *namespace {
	return &namespace{mailbox: newMailbox(), windows: make(map[int64]*windowBuf)}
}

// node is the physical per-rank gRPC endpoint: one listener, one
// server, lazily-dialed client connections to every peer, and the set
// of namespaces Dup/NewWindow have derived so far. Every Transport
// sharing a node is the same physical rank; only the namespace differs.
type node struct {
	rank int
	size int

	mu      sync.Mutex
	lis     net.Listener
	server  *grpc.Server
	addrs   []string
	conns   map[int]*grpc.ClientConn
	nsTable map[int64]*namespace
	nsSeq   int64

	barMu    sync.Mutex
	barriers map[barScope]*barCoord // rank-0 only
}

func newNode(rank, size int) *node {
	return &node{
		rank:     rank,
		size:     size,
		conns:    make(map[int]*grpc.ClientConn),
		nsTable:  map[int64]*namespace{0: newNamespace()},
		barriers: make(map[barScope]*barCoord),
	}
}

func (n *node) namespace(ns int64) *namespace {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.nsTable[ns]
	if !ok {
		s = newNamespace()
		n.nsTable[ns] = s
	}
	return s
}

func (n *node) barCoordFor(scope barScope) *barCoord {
	n.barMu.Lock()
	defer n.barMu.Unlock()
	b, ok := n.barriers[scope]
	if !ok {
		b = newBarCoord()
		n.barriers[scope] = b
	}
	return b
}

func (n *node) clientFor(rank int) (*transportClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if conn, ok := n.conns[rank]; ok {
		return &transportClient{cc: conn}, nil
	}
	conn, err := grpc.NewClient(n.addrs[rank],
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
	)
	if err != nil {
		return nil, err
	}
	n.conns[rank] = conn
	return &transportClient{cc: conn}, nil
}

// Deliver implements transportServer; it runs on rank n's gRPC server
// goroutine whenever any peer (including itself, for symmetry — Send
// special-cases the loopback so this normally only fires for remote
// peers) sends this rank an envelope.
func (n *node) Deliver(ctx context.Context, in *envelope) (*ack, error) {
	ns := n.namespace(in.NSID)

	switch in.Kind {
	case kindData:
		ns.mailbox.push(int(in.Src), int(in.Tag), in.Data)

	case kindBarrierEnter:
		n.handleBarrierEnter(ctx, in.NSID, in.WindowScope)

	case kindBarrierRelease:
		ns.mailbox.push(0, releaseTagFor(in.WindowScope), nil)

	case kindWindowPut:
		if err := n.applyWindowPut(ns, in.WindowScope, int(in.Offset), in.Data); err != nil {
			return nil, err
		}

	default:
		return nil, errors.Wrapf(errors.CodeTransportError, nil, "grpcmesh: unknown envelope kind %d", in.Kind)
	}
	return &ack{}, nil
}

// applyWindowPut writes a remote Put directly into this rank's own
// window buffer — the receiving side of a one-sided RMA write. The
// window must already exist: NewWindow is collective, so every rank
// has created its buffer before any Start/Put can be issued against it.
func (n *node) applyWindowPut(ns *namespace, windowID int64, displ int, data []byte) error {
	ns.mu.Lock()
	st, ok := ns.windows[windowID]
	ns.mu.Unlock()
	if !ok {
		return errors.Wrap(errors.CodeTransportError, "grpcmesh: window put against unknown window", nil)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if displ < 0 || displ+len(data) > len(st.buf) {
		return errors.Wrap(errors.CodeIndexOutOfRng, "grpcmesh: window put out of bounds", nil)
	}
	copy(st.buf[displ:], data)
	return nil
}

// enterBarrier folds one arrival into rank 0's central counter for the
// given scope and reports whether this call tipped it over the group
// size, along with the generation's release channel.
func (n *node) enterBarrier(nsID, windowID int64) (tipped bool, ch chan struct{}) {
	b := n.barCoordFor(barScope{ns: nsID, windowID: windowID})
	return b.enter(n.size)
}

// broadcastRelease notifies every non-root rank that the barrier for
// (nsID, windowID) has completed. Called once per generation, by
// whichever arrival (rank 0's own, or a remote one relayed through
// Deliver) tips the counter over the group size.
func (n *node) broadcastRelease(ctx context.Context, nsID, windowID int64) {
	for r := 1; r < n.size; r++ {
		_ = n.sendEnvelope(ctx, r, &envelope{NSID: nsID, Kind: kindBarrierRelease, WindowScope: windowID})
	}
}

// handleBarrierEnter is the remote-arrival path, invoked from Deliver:
// it folds the entry into the counter and, if this was the tipping
// arrival, releases the whole group.
func (n *node) handleBarrierEnter(ctx context.Context, nsID, windowID int64) {
	tipped, ch := n.enterBarrier(nsID, windowID)
	if !tipped {
		return
	}
	close(ch)
	n.broadcastRelease(ctx, nsID, windowID)
}

func (n *node) sendEnvelope(ctx context.Context, dest int, env *envelope) error {
	if dest == n.rank {
		// loopback: feed our own Deliver logic directly, no RPC needed.
		_, err := n.Deliver(ctx, env)
		return err
	}
	c, err := n.clientFor(dest)
	if err != nil {
		return err
	}
	_, err = c.Deliver(ctx, env)
	return err
}

// Transport implements comm.Transport over one node and one of its
// namespaces.
type Transport struct {
	n  *node
	ns int64
}

// NewGroup starts size gRPC servers on loopback addresses and returns
// one Transport per rank bound to the root namespace; peers are dialed
// lazily, on first use. Intended for tests and single-process demos; a real
// multi-process deployment instead constructs one Transport per
// process via NewTransport with a pre-agreed address list.
func NewGroup(ctx context.Context, size int) ([]*Transport, error) {
	if size <= 0 {
		size = 1
	}
	nodes := make([]*node, size)
	addrs := make([]string, size)
	for r := 0; r < size; r++ {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, errors.Wrap(errors.CodeTransportError, "grpcmesh: listen failed", err)
		}
		nodes[r] = newNode(r, size)
		nodes[r].lis = lis
		addrs[r] = lis.Addr().String()
	}
	for r := 0; r < size; r++ {
		nodes[r].addrs = addrs

		srv := grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
		registerTransportServer(srv, nodes[r])
		nodes[r].server = srv
		go func(r int) { _ = nodes[r].server.Serve(nodes[r].lis) }(r)
	}

	ts := make([]*Transport, size)
	for r := 0; r < size; r++ {
		ts[r] = &Transport{n: nodes[r], ns: 0}
	}
	return ts, nil
}

// NewTransport starts this rank's own gRPC server bound to addrs[rank]
// and returns a Transport over the root namespace. Peers are dialed
// lazily, on first Send/ISend, the same way NewGroup's ranks dial each
// other — so every process in a real multi-process deployment can
// call NewTransport independently, in any order, as long as every
// process agrees on the same addrs slice and its own index into it.
func NewTransport(ctx context.Context, addrs []string, rank int) (*Transport, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, errors.Wrapf(errors.CodeTransportError, nil, "grpcmesh: rank %d out of range for %d addresses", rank, len(addrs))
	}

	lis, err := net.Listen("tcp", addrs[rank])
	if err != nil {
		return nil, errors.Wrap(errors.CodeTransportError, "grpcmesh: listen failed", err)
	}

	n := newNode(rank, len(addrs))
	n.lis = lis
	n.addrs = append([]string(nil), addrs...)

	srv := grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	registerTransportServer(srv, n)
	n.server = srv
	go func() { _ = n.server.Serve(n.lis) }()

	return &Transport{n: n, ns: 0}, nil
}

func (t *Transport) Rank() int { return t.n.rank }
func (t *Transport) Size() int { return t.n.size }

// Send implements comm.Transport.
func (t *Transport) Send(ctx context.Context, dest, tag int, data []byte) error {
	if dest < 0 || dest >= t.n.size {
		return errors.Wrapf(errors.CodeTransportError, nil, "grpcmesh: send: rank %d out of range", dest)
	}
	cp := append([]byte(nil), data...)
	if dest == t.n.rank {
		t.n.namespace(t.ns).mailbox.push(t.n.rank, tag, cp)
		return nil
	}
	env := &envelope{NSID: t.ns, Kind: kindData, Src: int32(t.n.rank), Tag: int32(tag), Data: cp}
	if err := t.n.sendEnvelope(ctx, dest, env); err != nil {
		return errors.Wrap(errors.CodeTransportError, "grpcmesh: deliver rpc failed", err)
	}
	return nil
}

// Recv implements comm.Transport. Matching is by (src, tag), FIFO
// within each pair, the same rule internal/transport/local applies.
func (t *Transport) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	data, err := t.n.namespace(t.ns).mailbox.pop(ctx, src, tag)
	if err != nil {
		return nil, errors.Wrap(errors.CodeTransportError, "grpcmesh: recv interrupted", err)
	}
	return data, nil
}

type sendRequest struct{ err error }

func (r *sendRequest) Wait(ctx context.Context) ([]byte, error) { return nil, r.err }

type recvRequest struct {
	t        *Transport
	src, tag int
}

func (r *recvRequest) Wait(ctx context.Context) ([]byte, error) { return r.t.Recv(ctx, r.src, r.tag) }

// ISend implements comm.Transport. The Deliver RPC itself is the
// blocking step; ISend issues it eagerly and hands back a Request
// whose Wait is a formality, same shape as the local transport.
func (t *Transport) ISend(ctx context.Context, dest, tag int, data []byte) (comm.Request, error) {
	err := t.Send(ctx, dest, tag, data)
	return &sendRequest{err: err}, err
}

// IRecv implements comm.Transport; the receive is posted lazily.
func (t *Transport) IRecv(ctx context.Context, src, tag int) (comm.Request, error) {
	return &recvRequest{t: t, src: src, tag: tag}, nil
}

// Barrier implements comm.Transport via a rank-0-coordinated centralized
// barrier: every non-root rank notifies rank 0 and then blocks on its
// own mailbox for the release; rank 0 folds its own entry into the same
// counter and broadcasts release once every rank has entered.
func (t *Transport) Barrier(ctx context.Context) error {
	return t.barrierScope(ctx, 0)
}

func (t *Transport) barrierScope(ctx context.Context, windowID int64) error {
	if t.n.rank == 0 {
		tipped, ch := t.n.enterBarrier(t.ns, windowID)
		if tipped {
			close(ch)
			t.n.broadcastRelease(ctx, t.ns, windowID)
			return nil
		}
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := t.n.sendEnvelope(ctx, 0, &envelope{NSID: t.ns, Kind: kindBarrierEnter, WindowScope: windowID}); err != nil {
		return errors.Wrap(errors.CodeTransportError, "grpcmesh: barrier enter failed", err)
	}
	if _, err := t.n.namespace(t.ns).mailbox.pop(ctx, 0, releaseTagFor(windowID)); err != nil {
		return errors.Wrap(errors.CodeTransportError, "grpcmesh: barrier wait interrupted", err)
	}
	return nil
}

// releaseTagFor gives each barrier scope (the plain namespace barrier,
// windowID 0, or a specific window's Start/Complete epoch) its own
// mailbox tag, so a rank blocked on one scope's release never consumes
// another concurrently-active scope's release by mistake.
func releaseTagFor(windowID int64) int { return -1000 - int(windowID) }

// negotiateID mirrors internal/transport/local's handshake: a barrier,
// then rank 0 mints a fresh id and hands it out point-to-point, so
// every rank agrees on the id without a shared mutable counter racing
// across process boundaries.
func negotiateID(ctx context.Context, t *Transport, mint func() int64) (int64, error) {
	if err := t.Barrier(ctx); err != nil {
		return 0, err
	}
	if t.n.rank == 0 {
		id := mint()
		for r := 1; r < t.n.size; r++ {
			if err := t.Send(ctx, r, dupTag, encodeInt64(id)); err != nil {
				return 0, err
			}
		}
		return id, nil
	}
	data, err := t.Recv(ctx, 0, dupTag)
	if err != nil {
		return 0, err
	}
	return decodeInt64(data), nil
}

func encodeInt64(v int64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeInt64(b []byte) int64 {
	var v int64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= int64(b[i]) << (8 * i)
	}
	return v
}

// Dup implements comm.Transport.
func (t *Transport) Dup(ctx context.Context) (comm.Transport, error) {
	id, err := negotiateID(ctx, t, func() int64 { return atomic.AddInt64(&t.n.nsSeq, 1) })
	if err != nil {
		return nil, err
	}
	t.n.namespace(id) // materialize it on this rank
	return &Transport{n: t.n, ns: id}, nil
}

// window implements comm.Window. Unlike the in-process transport,
// where every rank's window buffer is one shared slice, here each
// rank's buffer only ever lives in that rank's own process: a remote
// Put is a genuine RMA-style write, delivered over the Deliver RPC
// with kindWindowPut and applied directly by the target's node.
type window struct {
	t     *Transport
	id    int64
	state *windowBuf
}

func (w *window) Put(ctx context.Context, targetRank, displ int, data []byte) error {
	if targetRank == w.t.n.rank {
		return w.t.n.applyWindowPut(w.t.n.namespace(w.t.ns), w.id, displ, data)
	}
	env := &envelope{
		NSID:        w.t.ns,
		Kind:        kindWindowPut,
		Src:         int32(w.t.n.rank),
		WindowScope: w.id,
		Offset:      int32(displ),
		Data:        data,
	}
	if err := w.t.n.sendEnvelope(ctx, targetRank, env); err != nil {
		return errors.Wrap(errors.CodeTransportError, "grpcmesh: window put rpc failed", err)
	}
	return nil
}

// Start opens this window's epoch: a barrier on the window's own
// scope, isolated from the namespace's plain Barrier and from every
// other window's epoch.
func (w *window) Start(ctx context.Context) error { return w.t.barrierScope(ctx, w.id) }

// Complete closes the epoch. Every Put this rank issued already
// blocked until its target rank's Deliver handler applied it, so the
// closing barrier only needs to wait for every other rank to likewise
// finish issuing its own puts before any Local() read is safe.
func (w *window) Complete(ctx context.Context) error { return w.t.barrierScope(ctx, w.id) }

func (w *window) Local() []byte                   { return w.state.buf }
func (w *window) Close(ctx context.Context) error { return nil }

// NewWindow implements comm.Transport.
func (t *Transport) NewWindow(ctx context.Context, size int) (comm.Window, error) {
	id, err := negotiateID(ctx, t, func() int64 {
		ns := t.n.namespace(t.ns)
		ns.mu.Lock()
		ns.windowSeq++
		id := ns.windowSeq
		ns.mu.Unlock()
		return id
	})
	if err != nil {
		return nil, err
	}

	ns := t.n.namespace(t.ns)
	ns.mu.Lock()
	st, ok := ns.windows[id]
	if !ok {
		st = &windowBuf{buf: make([]byte, size)}
		ns.windows[id] = st
	}
	ns.mu.Unlock()

	return &window{t: t, id: id, state: st}, nil
}

// Close implements comm.Transport: stops this rank's gRPC server and
// tears down its client connections to every peer.
func (t *Transport) Close() error {
	t.n.mu.Lock()
	defer t.n.mu.Unlock()
	if t.n.server != nil {
		t.n.server.Stop()
		t.n.server = nil
	}
	for r, conn := range t.n.conns {
		_ = conn.Close()
		delete(t.n.conns, r)
	}
	return nil
}
