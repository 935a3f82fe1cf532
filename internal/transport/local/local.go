// Package local implements comm.Transport with every rank running as
// a goroutine in the current process, communicating over in-memory
// mailboxes. It is the default transport for every test in this
// module and for the CLI's demo commands; it needs no network and no
// external dependency, in the spirit of the retrieval pack's
// goroutine-per-rank simulations of distributed algorithms.
package local

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/meshrt/meshrt/pkg/comm"
	"github.com/meshrt/meshrt/pkg/errors"
)

// dupTag is a reserved tag used by the handshake in Dup and NewWindow
// to agree on a fresh namespace/window id. It lives outside the range
// an ExchangePattern or collective would ever pass in, since those are
// always derived from neighbour index, never negative.
const dupTag = -1

type envelope struct {
	data []byte
}

// msgKey identifies one FIFO queue within a mailbox: the sending rank
// and the tag.
type msgKey struct{ src, tag int }

type mailbox struct {
	mu   sync.Mutex
	cond *sync.Cond
	msgs map[msgKey][]envelope // keyed by (src, tag)
}

func newMailbox() *mailbox {
	m := &mailbox{msgs: make(map[msgKey][]envelope)}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(src, tag int, data []byte) {
	m.mu.Lock()
	m.msgs[msgKey{src, tag}] = append(m.msgs[msgKey{src, tag}], envelope{data: data})
	m.mu.Unlock()
	m.cond.Broadcast()
}

func (m *mailbox) pop(ctx context.Context, src, tag int) ([]byte, error) {
	done := make(chan struct{})
	defer close(done)

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				m.cond.Broadcast()
			case <-done:
			}
		}()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if q := m.msgs[msgKey{src, tag}]; len(q) > 0 {
			env := q[0]
			m.msgs[msgKey{src, tag}] = q[1:]
			return env.data, nil
		}
		if ctx != nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
		}
		m.cond.Wait()
	}
}

// barrierGroup is a reusable, generation-counted barrier.
type barrierGroup struct {
	mu    sync.Mutex
	size  int
	count int
	ch    chan struct{}
}

func newBarrierGroup(size int) *barrierGroup {
	return &barrierGroup{size: size, ch: make(chan struct{})}
}

func (b *barrierGroup) wait(ctx context.Context) error {
	b.mu.Lock()
	ch := b.ch
	b.count++
	if b.count == b.size {
		b.count = 0
		b.ch = make(chan struct{})
		close(ch)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// windowState backs one comm.Window instance shared by every rank.
type windowState struct {
	mu       sync.Mutex
	buf      [][]byte // buf[rank] is that rank's local window contents
	barrier  *barrierGroup
	epochErr error
}

// namespace is one logical group sharing a tag space: its own
// mailboxes, its own barrier, its own window table.
type namespace struct {
	mailboxes []*mailbox
	barrier   *barrierGroup

	mu       sync.Mutex
	windows  map[int64]*windowState
	windowSeq int64
	childSeq  int64
	children  map[int64]*namespace
}

func newNamespace(size int) *namespace {
	ns := &namespace{
		mailboxes: make([]*mailbox, size),
		barrier:   newBarrierGroup(size),
		windows:   make(map[int64]*windowState),
	}
	for i := range ns.mailboxes {
		ns.mailboxes[i] = newMailbox()
	}
	return ns
}

// fabric is the process-wide set of goroutine ranks. All namespaces
// derived via Dup from a common root share one fabric, which is the
// point: Dup changes the tag space, never the set of participants.
type fabric struct {
	size int
	seq  int64 // monotonically increasing namespace id source
}

// Transport implements comm.Transport over an in-process fabric.
type Transport struct {
	f    *fabric
	ns   *namespace
	rank int
}

// NewGroup constructs size Transports, one per rank, all bound to a
// fresh fabric and its root namespace (namespace id 0). Callers
// typically launch one goroutine per returned Transport.
func NewGroup(size int) []*Transport {
	if size <= 0 {
		size = 1
	}
	f := &fabric{size: size}
	ns := newNamespace(size)
	ts := make([]*Transport, size)
	for r := 0; r < size; r++ {
		ts[r] = &Transport{f: f, ns: ns, rank: r}
	}
	return ts
}

// Rank returns this process's rank within the group.
func (t *Transport) Rank() int { return t.rank }

// Size returns the number of ranks in the group.
func (t *Transport) Size() int { return t.f.size }

// Send implements comm.Transport.
func (t *Transport) Send(ctx context.Context, dest, tag int, data []byte) error {
	if dest < 0 || dest >= t.f.size {
		return errors.Wrapf(errors.CodeTransportError, nil, "send: rank %d out of range", dest)
	}
	cp := append([]byte(nil), data...)
	t.ns.mailboxes[dest].push(t.rank, tag, cp)
	return nil
}

// Recv implements comm.Transport.
func (t *Transport) Recv(ctx context.Context, src, tag int) ([]byte, error) {
	data, err := t.ns.mailboxes[t.rank].pop(ctx, src, tag)
	if err != nil {
		return nil, errors.Wrap(errors.CodeTransportError, "recv interrupted", err)
	}
	return data, nil
}

type sendRequest struct{ err error }

func (r *sendRequest) Wait(ctx context.Context) ([]byte, error) { return nil, r.err }

type recvRequest struct {
	t        *Transport
	tag, src int
}

func (r *recvRequest) Wait(ctx context.Context) ([]byte, error) {
	return r.t.Recv(ctx, r.src, r.tag)
}

// ISend implements comm.Transport. Sends are eager/buffered against
// the destination's mailbox, so ISend can complete the transfer
// immediately; the returned Request's Wait is a formality.
func (t *Transport) ISend(ctx context.Context, dest, tag int, data []byte) (comm.Request, error) {
	err := t.Send(ctx, dest, tag, data)
	return &sendRequest{err: err}, err
}

// IRecv implements comm.Transport. The receive is posted lazily: the
// returned Request performs the blocking pop when Wait is called.
func (t *Transport) IRecv(ctx context.Context, src, tag int) (comm.Request, error) {
	return &recvRequest{t: t, tag: tag, src: src}, nil
}

// Barrier implements comm.Transport.
func (t *Transport) Barrier(ctx context.Context) error {
	if err := t.ns.barrier.wait(ctx); err != nil {
		return errors.Wrap(errors.CodeTransportError, "barrier interrupted", err)
	}
	return nil
}

// negotiateID runs a barrier then has rank 0 mint a fresh id and
// broadcast it point-to-point, so every rank agrees on the same id
// without any shared mutable counter racing across ranks.
func negotiateID(ctx context.Context, t *Transport, mint func() int64) (int64, error) {
	if err := t.Barrier(ctx); err != nil {
		return 0, err
	}
	if t.rank == 0 {
		id := mint()
		for r := 1; r < t.f.size; r++ {
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
	id, err := negotiateID(ctx, t, func() int64 { return atomic.AddInt64(&t.f.seq, 1) })
	if err != nil {
		return nil, err
	}
	// Every rank independently (but deterministically, keyed by id)
	// creates the same child namespace the first time it is touched.
	t.ns.mu.Lock()
	if t.ns.childSeq < id {
		t.ns.childSeq = id
	}
	if t.ns.children == nil {
		t.ns.children = make(map[int64]*namespace)
	}
	child, ok := t.ns.children[id]
	if !ok {
		child = newNamespace(t.f.size)
		t.ns.children[id] = child
	}
	t.ns.mu.Unlock()

	return &Transport{f: t.f, ns: child, rank: t.rank}, nil
}

// window implements comm.Window.
type window struct {
	t     *Transport
	state *windowState
}

func (w *window) Put(ctx context.Context, targetRank, displ int, data []byte) error {
	w.state.mu.Lock()
	defer w.state.mu.Unlock()
	if targetRank < 0 || targetRank >= len(w.state.buf) {
		return errors.Wrapf(errors.CodeTransportError, nil, "window put: rank %d out of range", targetRank)
	}
	buf := w.state.buf[targetRank]
	if displ < 0 || displ+len(data) > len(buf) {
		return errors.Wrap(errors.CodeIndexOutOfRng, "window put out of bounds", nil)
	}
	copy(buf[displ:], data)
	return nil
}

func (w *window) Start(ctx context.Context) error {
	return w.state.barrier.wait(ctx)
}

func (w *window) Complete(ctx context.Context) error {
	return w.state.barrier.wait(ctx)
}

func (w *window) Local() []byte {
	return w.state.buf[w.t.rank]
}

func (w *window) Close(ctx context.Context) error { return nil }

// NewWindow implements comm.Transport.
func (t *Transport) NewWindow(ctx context.Context, size int) (comm.Window, error) {
	id, err := negotiateID(ctx, t, func() int64 {
		t.ns.mu.Lock()
		t.ns.windowSeq++
		id := t.ns.windowSeq
		t.ns.mu.Unlock()
		return id
	})
	if err != nil {
		return nil, err
	}

	t.ns.mu.Lock()
	st, ok := t.ns.windows[id]
	if !ok {
		st = &windowState{
			buf:     make([][]byte, t.f.size),
			barrier: newBarrierGroup(t.f.size),
		}
		for r := range st.buf {
			st.buf[r] = make([]byte, size)
		}
		t.ns.windows[id] = st
	}
	t.ns.mu.Unlock()

	return &window{t: t, state: st}, nil
}

// Close implements comm.Transport. The in-process transport holds no
// OS resources; Close is a no-op.
func (t *Transport) Close() error { return nil }
