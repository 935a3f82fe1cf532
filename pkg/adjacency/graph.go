// Package adjacency holds the two local (single-rank) adjacency-list
// representations the distributed graph builds on top of: a
// mutable, map-backed VectorGraph used while a graph is being
// assembled, and an immutable CSRGraph used once the node and edge
// set is frozen. Both satisfy the same Graph interface, the way the
// teacher's call-graph model keeps one node/edge bookkeeping shape
// behind index maps that are discarded once the graph is finalized.
package adjacency

import (
	"sort"

	"github.com/meshrt/meshrt/pkg/errors"
)

// Graph is the local adjacency-list contract shared by every node
// type N the runtime is instantiated over (an int rank-local id, a
// string mesh-entity name, a custom struct key — anything comparable).
type Graph[N comparable] interface {
	Reset()

	AddNode(n N) error
	ExistsNode(n N) bool

	AddEdge(src, dst N) error
	ExistsEdge(src, dst N) bool

	AdjacentNodeCount(n N) (int, error)
	AdjacentNodes(n N) ([]N, error)

	NodeCount() int
	EdgeCount() int

	Nodes() []N
	Edges() [][2]N
}

// VectorGraph is a mutable adjacency list backed by a map of node to
// its ordered adjacency slice. It is the form a graph is built in
// before being handed to DistributedGraph.Finalize, analogous to the
// teacher's CallGraph before Cleanup freezes it.
type VectorGraph[N comparable] struct {
	order []N
	index map[N]int
	adj   map[N][]N
	edges int
}

// NewVectorGraph returns an empty VectorGraph.
func NewVectorGraph[N comparable]() *VectorGraph[N] {
	return &VectorGraph[N]{
		index: make(map[N]int),
		adj:   make(map[N][]N),
	}
}

// Reset discards every node and edge.
func (g *VectorGraph[N]) Reset() {
	g.order = nil
	g.index = make(map[N]int)
	g.adj = make(map[N][]N)
	g.edges = 0
}

// AddNode adds n with an empty adjacency list. It is an error to add
// a node that already exists.
func (g *VectorGraph[N]) AddNode(n N) error {
	if _, ok := g.index[n]; ok {
		return errors.ErrNodeExists
	}
	g.index[n] = len(g.order)
	g.order = append(g.order, n)
	g.adj[n] = nil
	return nil
}

// ExistsNode reports whether n has been added.
func (g *VectorGraph[N]) ExistsNode(n N) bool {
	_, ok := g.index[n]
	return ok
}

// AddEdge adds a directed edge src -> dst. Both endpoints must
// already exist as nodes (callers model an undirected mesh
// connection as two AddEdge calls). Duplicate edges are rejected.
func (g *VectorGraph[N]) AddEdge(src, dst N) error {
	if !g.ExistsNode(src) || !g.ExistsNode(dst) {
		return errors.ErrNodeMissing
	}
	if g.ExistsEdge(src, dst) {
		return errors.ErrEdgeExists
	}
	g.adj[src] = append(g.adj[src], dst)
	g.edges++
	return nil
}

// ExistsEdge reports whether a src -> dst edge has been added.
func (g *VectorGraph[N]) ExistsEdge(src, dst N) bool {
	for _, n := range g.adj[src] {
		if n == dst {
			return true
		}
	}
	return false
}

// AdjacentNodeCount returns the out-degree of n.
func (g *VectorGraph[N]) AdjacentNodeCount(n N) (int, error) {
	if !g.ExistsNode(n) {
		return 0, errors.ErrNodeMissing
	}
	return len(g.adj[n]), nil
}

// AdjacentNodes returns a copy of n's adjacency list, in insertion order.
func (g *VectorGraph[N]) AdjacentNodes(n N) ([]N, error) {
	if !g.ExistsNode(n) {
		return nil, errors.ErrNodeMissing
	}
	out := make([]N, len(g.adj[n]))
	copy(out, g.adj[n])
	return out, nil
}

// NodeCount returns the number of nodes added.
func (g *VectorGraph[N]) NodeCount() int { return len(g.order) }

// EdgeCount returns the number of edges added.
func (g *VectorGraph[N]) EdgeCount() int { return g.edges }

// Nodes returns every node, in insertion order.
func (g *VectorGraph[N]) Nodes() []N {
	out := make([]N, len(g.order))
	copy(out, g.order)
	return out
}

// Edges returns every edge as a [2]N{src, dst} pair, grouped by source
// node in node insertion order; each source's edges appear in the order
// AddEdge added them.
func (g *VectorGraph[N]) Edges() [][2]N {
	var out [][2]N
	for _, n := range g.order {
		for _, dst := range g.adj[n] {
			out = append(out, [2]N{n, dst})
		}
	}
	return out
}

// CSRGraph is the compressed-sparse-row form of a local adjacency
// list: a flat adjncy slice sliced per node by xadj offsets. It is
// built once, from a VectorGraph, and is cheaper to query and to pack
// onto the wire than the map-backed form, the same trade a profiler
// makes once it freezes call-graph nodes into a fixed index.
type CSRGraph[N comparable] struct {
	nodes  []N
	index  map[N]int
	xadj   []int // len(nodes)+1
	adjncy []N   // len == total edge count
}

// BuildCSR converts g into compressed-sparse-row form. Node order in
// the result matches g.Nodes().
func BuildCSR[N comparable](g Graph[N]) *CSRGraph[N] {
	nodes := g.Nodes()
	out := &CSRGraph[N]{
		nodes: nodes,
		index: make(map[N]int, len(nodes)),
		xadj:  make([]int, len(nodes)+1),
	}
	for i, n := range nodes {
		out.index[n] = i
	}
	offset := 0
	for i, n := range nodes {
		out.xadj[i] = offset
		adj, _ := g.AdjacentNodes(n)
		out.adjncy = append(out.adjncy, adj...)
		offset += len(adj)
	}
	out.xadj[len(nodes)] = offset
	return out
}

// Reset discards every node and edge.
func (g *CSRGraph[N]) Reset() {
	g.nodes = nil
	g.index = make(map[N]int)
	g.xadj = []int{0}
	g.adjncy = nil
}

// AddNode is unsupported on a frozen CSR graph; callers that need to
// keep mutating should build on a VectorGraph and call BuildCSR once
// assembly is complete.
func (g *CSRGraph[N]) AddNode(n N) error {
	return errors.Wrap(errors.CodeAlreadyFinalized, "CSR graph is immutable; mutate a VectorGraph and rebuild", nil)
}

// ExistsNode reports whether n is present.
func (g *CSRGraph[N]) ExistsNode(n N) bool {
	_, ok := g.index[n]
	return ok
}

// Index returns n's position in Nodes()/XAdj(), the integer vertex id
// a CSR-indexed consumer (a graph-partitioning kernel, chiefly) needs
// in place of the node key itself.
func (g *CSRGraph[N]) Index(n N) (int, bool) {
	i, ok := g.index[n]
	return i, ok
}

// AddEdge is unsupported; see AddNode.
func (g *CSRGraph[N]) AddEdge(src, dst N) error {
	return errors.Wrap(errors.CodeAlreadyFinalized, "CSR graph is immutable; mutate a VectorGraph and rebuild", nil)
}

// ExistsEdge reports whether src -> dst is present.
func (g *CSRGraph[N]) ExistsEdge(src, dst N) bool {
	i, ok := g.index[src]
	if !ok {
		return false
	}
	for _, n := range g.adjncy[g.xadj[i]:g.xadj[i+1]] {
		if n == dst {
			return true
		}
	}
	return false
}

// AdjacentNodeCount returns the out-degree of n.
func (g *CSRGraph[N]) AdjacentNodeCount(n N) (int, error) {
	i, ok := g.index[n]
	if !ok {
		return 0, errors.ErrNodeMissing
	}
	return g.xadj[i+1] - g.xadj[i], nil
}

// AdjacentNodes returns a copy of n's adjacency slice.
func (g *CSRGraph[N]) AdjacentNodes(n N) ([]N, error) {
	i, ok := g.index[n]
	if !ok {
		return nil, errors.ErrNodeMissing
	}
	slice := g.adjncy[g.xadj[i]:g.xadj[i+1]]
	out := make([]N, len(slice))
	copy(out, slice)
	return out, nil
}

// NodeCount returns the number of nodes.
func (g *CSRGraph[N]) NodeCount() int { return len(g.nodes) }

// EdgeCount returns the number of edges.
func (g *CSRGraph[N]) EdgeCount() int { return len(g.adjncy) }

// Nodes returns every node, in CSR index order.
func (g *CSRGraph[N]) Nodes() []N {
	out := make([]N, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns every edge as a [2]N{src, dst} pair, in CSR order.
func (g *CSRGraph[N]) Edges() [][2]N {
	var out [][2]N
	for i, n := range g.nodes {
		for _, dst := range g.adjncy[g.xadj[i]:g.xadj[i+1]] {
			out = append(out, [2]N{n, dst})
		}
	}
	return out
}

// XAdj and Adjncy expose the raw CSR arrays, read-only, for callers
// (the partitioner back ends, chiefly) that need the classic
// xadj/adjncy pair directly rather than going through the Graph
// interface node by node.
func (g *CSRGraph[N]) XAdj() []int { return append([]int(nil), g.xadj...) }
func (g *CSRGraph[N]) Adjncy() []N { return append([]N(nil), g.adjncy...) }

// SortedNodes returns g's nodes sorted by the given less function.
// Useful for producing deterministic output/test comparisons since
// map iteration order is not otherwise stable.
func SortedNodes[N comparable](g Graph[N], less func(a, b N) bool) []N {
	nodes := g.Nodes()
	sort.Slice(nodes, func(i, j int) bool { return less(nodes[i], nodes[j]) })
	return nodes
}
