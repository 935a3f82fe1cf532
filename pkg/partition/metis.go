package partition

import (
	"context"

	"github.com/meshrt/meshrt/pkg/collectives"
	"github.com/meshrt/meshrt/pkg/errors"
	"github.com/meshrt/meshrt/pkg/graph"
	"github.com/meshrt/meshrt/pkg/partition/internal/recbisect"
)

const tagMetisAssign = 9003

// Metis is the serial-library back end: the root rank gathers the
// whole distributed graph as one CSR snapshot (Graph.BuildSerialAdjacencyList),
// runs a recursive bisection over it, and holds a part assignment for
// every node in the graph — not just the nodes it owns locally, the
// way Naive and Parmetis do. Every other rank's Partition call is a
// no-op collective participant; AssignRankNodes still redistributes
// correctly, since redistribute only ever sends data for entries a
// rank's own result slice holds.
type Metis[N comparable] struct {
	g      *graph.Graph[N]
	col    *collectives.Collective
	nParts int
	cfg    Config

	result []Assignment[N]
}

var _ Partitioner[int64] = (*Metis[int64])(nil)

// Initialise binds the partitioner to g and validates nParts/cfg.NCon
// against the communicator g was built on.
func (p *Metis[N]) Initialise(ctx context.Context, g *graph.Graph[N], nParts int, cfg Config) error {
	if err := validateInit(g.Communicator().Size(), nParts, cfg.NCon); err != nil {
		return err
	}
	p.g = g
	p.col = collectives.New(g.Communicator().Transport(), g.Registry())
	p.nParts = nParts
	p.cfg = cfg
	return nil
}

// Partition gathers the full graph to the root rank and bisects it
// there. Every rank must call this collectively — BuildSerialAdjacencyList
// is itself a collective operation — but only the root ends up with a
// non-empty result slice.
func (p *Metis[N]) Partition(ctx context.Context) error {
	csr, err := p.g.BuildSerialAdjacencyList(ctx)
	if err != nil {
		return err
	}
	if !p.g.Communicator().IsRoot() {
		p.result = nil
		return nil
	}

	nodes := csr.Nodes()
	xadj := csr.XAdj()
	adjncyKeys := csr.Adjncy()

	adjncyIdx := make([]int, len(adjncyKeys))
	for i, k := range adjncyKeys {
		idx, ok := csr.Index(k)
		if !ok {
			return errors.Wrap(errors.CodePartitionerBackendError, "metis: neighbour key missing from gathered graph", nil)
		}
		adjncyIdx[i] = idx
	}

	var weights []float64
	if len(p.cfg.VertexWeights) == len(nodes) {
		weights = make([]float64, len(nodes))
		for i, w := range p.cfg.VertexWeights {
			if len(w) > 0 {
				weights[i] = w[0]
			} else {
				weights[i] = 1
			}
		}
	}

	partInts := recbisect.Bisect(xadj, adjncyIdx, weights, p.nParts)

	result := make([]Assignment[N], len(nodes))
	for i, n := range nodes {
		result[i] = Assignment[N]{Node: n, Part: partInts[i]}
	}
	p.result = result
	return nil
}

// AssignRankNodes redistributes node keys so each rank ends up holding
// exactly the nodes Partition assigned to its own rank number.
func (p *Metis[N]) AssignRankNodes(ctx context.Context) ([]N, error) {
	return redistribute(ctx, p.col, tagMetisAssign, p.g.Communicator().Size(), p.result)
}
