// Package graph implements DistributedGraph: the owning-rank-aware
// mesh connectivity graph each rank builds its local piece of, then
// finalizes into a consistent global numbering shared with every
// other rank. Finalize runs a fixed staged protocol — barrier, global
// counting, global-id assignment, ghost-ownership discovery,
// neighbour-rank derivation, a ghost-request key exchange, an
// immutable CSR snapshot, and a local/ghost node reordering — built
// entirely from package collectives and package comm. The ghost-request
// exchange doubles as the routing data exchange.Pattern needs, via
// BuildTwoSidedPattern and BuildOneSidedPattern.
package graph

import (
	"context"
	"sort"

	"github.com/meshrt/meshrt/pkg/adjacency"
	"github.com/meshrt/meshrt/pkg/collections"
	"github.com/meshrt/meshrt/pkg/collectives"
	"github.com/meshrt/meshrt/pkg/comm"
	"github.com/meshrt/meshrt/pkg/errors"
	"github.com/meshrt/meshrt/pkg/exchange"
	"github.com/meshrt/meshrt/pkg/types"
	"github.com/meshrt/meshrt/pkg/utils"
)

// Graph is a rank-local piece of a distributed mesh connectivity
// graph. N is the node key type (typically a fixed-width integer mesh
// or cell id) and must have a fixed-size descriptor registered on reg
// before Finalize is called, since node keys travel over the wire
// during ghost-ownership discovery.
type Graph[N comparable] struct {
	c   *comm.Communicator
	col *collectives.Collective
	reg *types.Registry
	tm  *utils.Timer

	vec *adjacency.VectorGraph[N]

	local map[N]bool
	ghost map[N]bool

	finalized bool

	globalID  map[N]int64
	gidBase   int64
	ghostOf   map[N]int // owning rank, ghost nodes only
	ghostGID  map[N]int64

	recvNeighbours []int // ranks this rank receives ghost updates from
	sendNeighbours []int // ranks this rank must send local updates to

	recvKeys map[int][]N // per recv-neighbour, the ghost keys owned by that rank, GID-ordered
	sendKeys map[int][]N // per send-neighbour, the local keys that rank ghosts, as that rank ordered them

	sendCounts map[int]int // per send-neighbour, len(sendKeys[rank])
	recvCounts map[int]int // per recv-neighbour, len(recvKeys[rank])

	csr     *adjacency.CSRGraph[N]
	ordered []N // local nodes first, then ghosts grouped by owning rank
}

// New builds an empty Graph bound to c, using reg to encode node keys
// and global ids during Finalize.
func New[N comparable](c *comm.Communicator, reg *types.Registry) *Graph[N] {
	return &Graph[N]{
		c:     c,
		col:   collectives.New(c.Transport(), reg),
		reg:   reg,
		tm:    utils.NewTimer("graph-finalize"),
		vec:   adjacency.NewVectorGraph[N](),
		local: make(map[N]bool),
		ghost: make(map[N]bool),
	}
}

// AddLocalNode adds n as a node this rank owns.
func (g *Graph[N]) AddLocalNode(n N) error {
	if g.finalized {
		return errors.ErrAlreadyFinalized
	}
	if err := g.vec.AddNode(n); err != nil {
		return err
	}
	g.local[n] = true
	return nil
}

// AddGhostNode adds n as a node this rank references but some other
// rank owns. Its true owner is discovered during Finalize.
func (g *Graph[N]) AddGhostNode(n N) error {
	if g.finalized {
		return errors.ErrAlreadyFinalized
	}
	if err := g.vec.AddNode(n); err != nil {
		return err
	}
	g.ghost[n] = true
	return nil
}

// AddEdge adds a directed connectivity edge. Both endpoints must
// already have been added, as either a local or a ghost node.
func (g *Graph[N]) AddEdge(src, dst N) error {
	if g.finalized {
		return errors.ErrAlreadyFinalized
	}
	return g.vec.AddEdge(src, dst)
}

// IsFinalized reports whether Finalize has completed successfully.
func (g *Graph[N]) IsFinalized() bool { return g.finalized }

// Communicator returns the communicator the graph was built on, for
// callers (a partitioner, chiefly) that need to run their own
// collectives over the same rank group.
func (g *Graph[N]) Communicator() *comm.Communicator { return g.c }

// Registry returns the type registry used to encode node keys and
// global ids.
func (g *Graph[N]) Registry() *types.Registry { return g.reg }

// Finalize runs the ten-stage global-numbering protocol. It must be
// called collectively, by every rank in the communicator, with every
// rank having already added the same logical edges (from whichever
// side owns each endpoint).
func (g *Graph[N]) Finalize(ctx context.Context) error {
	if g.finalized {
		return errors.ErrAlreadyFinalized
	}

	pt := g.tm.Start("finalize")
	defer pt.Stop()

	// Stage 1: barrier — every rank has finished local construction.
	if err := g.col.Barrier(ctx); err != nil {
		return err
	}

	// Stage 2: global node-count aggregation.
	counts, err := g.gatherLocalCounts(ctx)
	if err != nil {
		return err
	}

	// Stage 3: global-id base assignment (exclusive prefix sum).
	g.gidBase = 0
	for r := 0; r < g.c.Rank(); r++ {
		g.gidBase += int64(counts[r])
	}

	// Stage 4: assign global ids to local nodes, in insertion order.
	g.globalID = make(map[N]int64, len(g.local))
	localOrder := g.localNodeOrder()
	for i, n := range localOrder {
		g.globalID[n] = g.gidBase + int64(i)
	}

	// Stage 5: ghost-ownership discovery via round-robin broadcast.
	g.ghostOf = make(map[N]int, len(g.ghost))
	g.ghostGID = make(map[N]int64, len(g.ghost))
	if err := g.discoverGhostOwnership(ctx, localOrder); err != nil {
		return err
	}

	// Stage 6: verify every ghost node found exactly one owner.
	if err := g.verifyGhostOwnership(); err != nil {
		return err
	}

	// Stage 7: derive neighbour ranks, both directions.
	if err := g.deriveNeighbourRanks(ctx); err != nil {
		return err
	}

	// Stage 8: exchange of ghost-request lists — every rank tells each
	// recv-neighbour exactly which of that neighbour's nodes it
	// ghosts, which doubles as that neighbour learning what to send.
	g.recvKeys = g.groupGhostsByOwner()
	if err := g.exchangeGhostRequests(ctx); err != nil {
		return err
	}

	// Stage 9: immutable CSR snapshot of the full local+ghost adjacency.
	g.csr = adjacency.BuildCSR[N](g.vec)

	// Stage 10: reorder — local nodes first, then ghosts grouped by
	// owning rank, ascending.
	g.ordered = g.buildOrdering(localOrder)

	g.finalized = true
	return nil
}

func (g *Graph[N]) localNodeOrder() []N {
	var out []N
	for _, n := range g.vec.Nodes() {
		if g.local[n] {
			out = append(out, n)
		}
	}
	return out
}

func (g *Graph[N]) gatherLocalCounts(ctx context.Context) ([]int, error) {
	mine := []int64{int64(len(g.local))}
	all, err := collectives.AllGather(ctx, g.col, mine)
	if err != nil {
		return nil, err
	}
	counts := make([]int, len(all))
	for i, v := range all {
		counts[i] = int(v)
	}
	return counts, nil
}

// discoverGhostOwnership has every rank, in turn, broadcast its local
// node keys and their freshly assigned global ids; every other rank
// checks the broadcast keys against its own ghost set.
func (g *Graph[N]) discoverGhostOwnership(ctx context.Context, localOrder []N) error {
	size := g.c.Size()
	for r := 0; r < size; r++ {
		var keys []N
		var gids []int64
		if r == g.c.Rank() {
			keys = localOrder
			gids = make([]int64, len(localOrder))
			for i, n := range localOrder {
				gids[i] = g.globalID[n]
			}
		}

		keys, err := collectives.BroadcastUnknownSize(ctx, g.col, r, keys)
		if err != nil {
			return err
		}
		gids, err = collectives.BroadcastUnknownSize(ctx, g.col, r, gids)
		if err != nil {
			return err
		}

		if r == g.c.Rank() {
			continue
		}
		for i, k := range keys {
			if !g.ghost[k] {
				continue
			}
			if _, already := g.ghostOf[k]; already {
				return errors.Wrap(errors.CodeOwnershipMismatch, "ghost node claimed by more than one rank", nil)
			}
			g.ghostOf[k] = r
			g.ghostGID[k] = gids[i]
		}
	}
	return nil
}

func (g *Graph[N]) verifyGhostOwnership() error {
	for n := range g.ghost {
		if _, ok := g.ghostOf[n]; !ok {
			return errors.Wrap(errors.CodeOwnershipMismatch, "ghost node claimed by zero ranks", nil)
		}
	}
	return nil
}

// deriveNeighbourRanks computes the receive-side neighbour set (ranks
// that own at least one of this rank's ghosts) directly, then derives
// the send-side set (ranks that ghost at least one of this rank's
// local nodes) with a fixed-size all-to-all of one byte per rank.
func (g *Graph[N]) deriveNeighbourRanks(ctx context.Context) error {
	size := g.c.Size()
	recvSet := collections.NewBitset(size)
	for _, r := range g.ghostOf {
		recvSet.Set(r)
	}
	g.recvNeighbours = recvSet.ToSlice()

	declare := make([]byte, size)
	for _, r := range g.recvNeighbours {
		declare[r] = 1
	}
	// AllToAll expects len(send) divisible by group size with equal
	// chunks of size 1; declare[r] is rank r's chunk.
	got, err := collectives.AllToAll(ctx, g.col, declare)
	if err != nil {
		return err
	}
	sendSet := collections.NewBitset(size)
	for r, v := range got {
		if v == 1 {
			sendSet.Set(r)
		}
	}
	g.sendNeighbours = sendSet.ToSlice()
	return nil
}

// tagGhostRequest is the AllToAllTagged tag used during Finalize to
// exchange ghost-key request lists; kept distinct from any tag an
// application might use on this same (Dup'd) communicator afterwards.
const tagGhostRequest = 7001

// groupGhostsByOwner buckets this rank's ghost keys by owning rank,
// each bucket ordered ascending by global id — the list a rank sends
// to its owner is exactly what that owner needs to know to serve it.
func (g *Graph[N]) groupGhostsByOwner() map[int][]N {
	out := make(map[int][]N)
	for n, owner := range g.ghostOf {
		out[owner] = append(out[owner], n)
	}
	for owner := range out {
		group := out[owner]
		sort.Slice(group, func(i, j int) bool { return g.ghostGID[group[i]] < g.ghostGID[group[j]] })
		out[owner] = group
	}
	return out
}

// exchangeGhostRequests tells every other rank which of its nodes this
// rank ghosts (g.recvKeys), and learns in return which of this rank's
// own nodes every other rank ghosts (g.sendKeys) — one AllToAllTagged
// of node-key slices serves both directions at once.
func (g *Graph[N]) exchangeGhostRequests(ctx context.Context) error {
	size := g.c.Size()
	sendVals := make([][]N, size)
	for r := 0; r < size; r++ {
		sendVals[r] = g.recvKeys[r]
	}

	got, err := collectives.AllToAllTagged[N](ctx, g.col, tagGhostRequest, sendVals)
	if err != nil {
		return err
	}

	g.sendKeys = make(map[int][]N, len(g.sendNeighbours))
	g.sendCounts = make(map[int]int, len(g.sendNeighbours))
	for _, r := range g.sendNeighbours {
		g.sendKeys[r] = got[r]
		g.sendCounts[r] = len(got[r])
	}

	g.recvCounts = make(map[int]int, len(g.recvNeighbours))
	for _, r := range g.recvNeighbours {
		g.recvCounts[r] = len(g.recvKeys[r])
	}
	return nil
}

func (g *Graph[N]) buildOrdering(localOrder []N) []N {
	out := append([]N(nil), localOrder...)
	for _, r := range g.recvNeighbours {
		var group []N
		for n, owner := range g.ghostOf {
			if owner == r {
				group = append(group, n)
			}
		}
		sort.Slice(group, func(i, j int) bool { return g.ghostGID[group[i]] < g.ghostGID[group[j]] })
		out = append(out, group...)
	}
	return out
}

// LocalNodes returns every node this rank owns, in global-id order.
func (g *Graph[N]) LocalNodes() []N {
	var out []N
	for _, n := range g.ordered {
		if g.local[n] {
			out = append(out, n)
		}
	}
	return out
}

// GhostNodes returns every node this rank references but does not
// own, grouped by owning rank in g.recvNeighbours order.
func (g *Graph[N]) GhostNodes() []N {
	var out []N
	for _, n := range g.ordered {
		if g.ghost[n] {
			out = append(out, n)
		}
	}
	return out
}

// GlobalID returns n's global id. Valid for both local and ghost
// nodes once Finalize has completed.
func (g *Graph[N]) GlobalID(n N) (int64, error) {
	if !g.finalized {
		return 0, errors.ErrUnfinalizedGraph
	}
	if gid, ok := g.globalID[n]; ok {
		return gid, nil
	}
	if gid, ok := g.ghostGID[n]; ok {
		return gid, nil
	}
	return 0, errors.ErrNodeMissing
}

// OwnerRank returns the owning rank of a ghost node.
func (g *Graph[N]) OwnerRank(n N) (int, error) {
	if !g.finalized {
		return 0, errors.ErrUnfinalizedGraph
	}
	r, ok := g.ghostOf[n]
	if !ok {
		return 0, errors.ErrNodeMissing
	}
	return r, nil
}

// RecvNeighbours returns the ranks this rank receives ghost data from.
func (g *Graph[N]) RecvNeighbours() []int { return append([]int(nil), g.recvNeighbours...) }

// SendNeighbours returns the ranks this rank must send local-node
// updates to.
func (g *Graph[N]) SendNeighbours() []int { return append([]int(nil), g.sendNeighbours...) }

// LocalAdjacency returns the immutable CSR snapshot of this rank's
// local+ghost adjacency, built during Finalize.
func (g *Graph[N]) LocalAdjacency() (*adjacency.CSRGraph[N], error) {
	if !g.finalized {
		return nil, errors.ErrUnfinalizedGraph
	}
	return g.csr, nil
}

// Timer exposes the phase timer Finalize recorded into, for callers
// that want to report finalize timing alongside their own.
func (g *Graph[N]) Timer() *utils.Timer { return g.tm }

// SendKeys returns, in send order, the local node keys that rank
// ghosts — the order SendExchangeIDs reports them in, and so the order
// a Pattern built from this graph packs its values for that rank.
func (g *Graph[N]) SendKeys(rank int) []N { return append([]N(nil), g.sendKeys[rank]...) }

// RecvKeys returns, in recv order, the ghost node keys this rank holds
// that rank owns — the order RecvExchangeIDs reports them in, and so
// the order a Pattern built from this graph unpacks values from that rank.
func (g *Graph[N]) RecvKeys(rank int) []N { return append([]N(nil), g.recvKeys[rank]...) }

// LocalToExchange returns the dense LocalIndex -> ExchangeID array
// spec.md §4.6 requires of an ExchangePattern: position i is the
// GlobalID of g.ordered[i] (local cells first, then ghosts grouped by
// owning rank), the same LocalIndex domain LocalNodes/GhostNodes walk.
func (g *Graph[N]) LocalToExchange() ([]int64, error) {
	if !g.finalized {
		return nil, errors.ErrUnfinalizedGraph
	}
	out := make([]int64, len(g.ordered))
	for i, n := range g.ordered {
		gid, err := g.GlobalID(n)
		if err != nil {
			return nil, err
		}
		out[i] = gid
	}
	return out, nil
}

// SendExchangeIDs returns the ExchangeIDs (GlobalIDs) of g.SendKeys(rank),
// in the same order — the sAdj slice an ExchangePattern assigns to its
// route to rank.
func (g *Graph[N]) SendExchangeIDs(rank int) ([]int64, error) {
	if !g.finalized {
		return nil, errors.ErrUnfinalizedGraph
	}
	keys := g.sendKeys[rank]
	out := make([]int64, len(keys))
	for i, n := range keys {
		gid, ok := g.globalID[n]
		if !ok {
			return nil, errors.ErrNodeMissing
		}
		out[i] = gid
	}
	return out, nil
}

// RecvExchangeIDs returns the ExchangeIDs (GlobalIDs) of g.RecvKeys(rank),
// in the same order — the rAdj slice an ExchangePattern assigns to its
// route from rank. By construction this is exactly the sequence the
// owning rank's own SendExchangeIDs(g.c.Rank()) produces, since both
// sides agree on recvKeys/sendKeys during Finalize's ghost-request
// exchange.
func (g *Graph[N]) RecvExchangeIDs(rank int) ([]int64, error) {
	if !g.finalized {
		return nil, errors.ErrUnfinalizedGraph
	}
	keys := g.recvKeys[rank]
	out := make([]int64, len(keys))
	for i, n := range keys {
		gid, ok := g.ghostGID[n]
		if !ok {
			return nil, errors.ErrNodeMissing
		}
		out[i] = gid
	}
	return out, nil
}

// exchangeIDRouting builds the per-neighbour ExchangeID lists an
// exchange.Pattern's routing step needs, straight from the graph's
// already-agreed send/recv neighbour key lists.
func (g *Graph[N]) exchangeIDRouting() (map[int][]int64, map[int][]int64, error) {
	sendIDs := make(map[int][]int64, len(g.sendNeighbours))
	for _, r := range g.sendNeighbours {
		ids, err := g.SendExchangeIDs(r)
		if err != nil {
			return nil, nil, err
		}
		sendIDs[r] = ids
	}
	recvIDs := make(map[int][]int64, len(g.recvNeighbours))
	for _, r := range g.recvNeighbours {
		ids, err := g.RecvExchangeIDs(r)
		if err != nil {
			return nil, nil, err
		}
		recvIDs[r] = ids
	}
	return sendIDs, recvIDs, nil
}

// BuildSerialAdjacencyList gathers the full distributed graph's
// adjacency to the root rank as a single CSR snapshot, for serial
// back ends (partition.Metis, chiefly) that need the whole graph in
// one place. Every rank must call this collectively; only the root's
// return value is non-nil — every other rank gets (nil, nil).
func (g *Graph[N]) BuildSerialAdjacencyList(ctx context.Context) (*adjacency.CSRGraph[N], error) {
	if !g.finalized {
		return nil, errors.ErrUnfinalizedGraph
	}

	localKeys := g.LocalNodes()
	var counts []int
	var flatNeighbors []N
	for _, k := range localKeys {
		adj, err := g.vec.AdjacentNodes(k)
		if err != nil {
			return nil, err
		}
		counts = append(counts, len(adj))
		flatNeighbors = append(flatNeighbors, adj...)
	}

	root := g.c.RootRank()
	gKeys, err := collectives.GatherVarying[N](ctx, g.col, root, localKeys)
	if err != nil {
		return nil, err
	}
	gCounts, err := collectives.GatherVarying[int](ctx, g.col, root, counts)
	if err != nil {
		return nil, err
	}
	gNeighbors, err := collectives.GatherVarying[N](ctx, g.col, root, flatNeighbors)
	if err != nil {
		return nil, err
	}

	if g.c.Rank() != root {
		return nil, nil
	}

	vg := adjacency.NewVectorGraph[N]()
	seen := make(map[N]bool, len(gKeys)+len(gNeighbors))
	addNode := func(k N) error {
		if seen[k] {
			return nil
		}
		seen[k] = true
		return vg.AddNode(k)
	}
	for _, k := range gKeys {
		if err := addNode(k); err != nil {
			return nil, err
		}
	}
	for _, nb := range gNeighbors {
		if err := addNode(nb); err != nil {
			return nil, err
		}
	}

	offset := 0
	for i, k := range gKeys {
		cnt := gCounts[i]
		for _, nb := range gNeighbors[offset : offset+cnt] {
			if err := vg.AddEdge(k, nb); err != nil {
				return nil, err
			}
		}
		offset += cnt
	}

	return adjacency.BuildCSR[N](vg), nil
}

// BuildTwoSidedPattern constructs a non-blocking send/recv exchange
// pattern from a finalized graph's ghost routing, ready to move one T
// value per node this rank sends or receives, indexed by LocalIndex
// (see Graph.LocalToExchange).
func BuildTwoSidedPattern[N comparable, T any](g *Graph[N], reg *types.Registry) (exchange.Pattern[T], error) {
	if !g.finalized {
		return nil, errors.ErrUnfinalizedGraph
	}
	localToExchange, err := g.LocalToExchange()
	if err != nil {
		return nil, err
	}
	sendIDs, recvIDs, err := g.exchangeIDRouting()
	if err != nil {
		return nil, err
	}
	return exchange.NewTwoSided[T](g.c.Transport(), reg, localToExchange, sendIDs, recvIDs)
}

// BuildOneSidedPattern constructs a window-based exchange pattern from
// a finalized graph's ghost routing. Must be called collectively, by
// every rank sharing the graph's communicator, since window creation
// is itself collective.
func BuildOneSidedPattern[N comparable, T any](ctx context.Context, g *Graph[N], reg *types.Registry) (exchange.Pattern[T], error) {
	if !g.finalized {
		return nil, errors.ErrUnfinalizedGraph
	}
	localToExchange, err := g.LocalToExchange()
	if err != nil {
		return nil, err
	}
	sendIDs, recvIDs, err := g.exchangeIDRouting()
	if err != nil {
		return nil, err
	}
	return exchange.NewOneSided[T](ctx, g.c.Transport(), reg, localToExchange, sendIDs, recvIDs)
}
