package partition

import (
	"context"

	"github.com/meshrt/meshrt/pkg/collectives"
	"github.com/meshrt/meshrt/pkg/graph"
	"github.com/meshrt/meshrt/pkg/partition/internal/recbisect"
)

const tagParmetisAssign = 9005

// Parmetis is the distributed-library back end: unlike Metis, no rank
// ever gathers the whole graph. Each rank bisects the subgraph induced
// on the nodes it already owns locally (edges into ghost nodes don't
// contribute to this rank's local cut count, since the owning rank on
// the other side of a ghost edge already accounts for it from its own
// side), and reports its local share of every part. AssignRankNodes
// then moves each node to the rank matching its assigned part exactly
// as Naive and Metis do.
type Parmetis[N comparable] struct {
	g      *graph.Graph[N]
	col    *collectives.Collective
	nParts int
	cfg    Config

	result []Assignment[N]
}

var _ Partitioner[int64] = (*Parmetis[int64])(nil)

// Initialise binds the partitioner to g and validates nParts/cfg.NCon
// against the communicator g was built on.
func (p *Parmetis[N]) Initialise(ctx context.Context, g *graph.Graph[N], nParts int, cfg Config) error {
	if err := validateInit(g.Communicator().Size(), nParts, cfg.NCon); err != nil {
		return err
	}
	p.g = g
	p.col = collectives.New(g.Communicator().Transport(), g.Registry())
	p.nParts = nParts
	p.cfg = cfg
	return nil
}

// Partition builds this rank's local-only CSR (the induced subgraph on
// owned nodes, dropping edges into ghosts) and bisects it in place. No
// collective communication happens here — every rank already holds
// everything it needs — which is the entire point of the distributed
// back end over the serial one.
func (p *Parmetis[N]) Partition(ctx context.Context) error {
	local := p.g.LocalNodes()
	localIdx := make(map[N]int, len(local))
	for i, n := range local {
		localIdx[n] = i
	}

	adj, err := p.g.LocalAdjacency()
	if err != nil {
		return err
	}

	xadj := make([]int, len(local)+1)
	var adjncy []int
	for i, n := range local {
		xadj[i] = len(adjncy)
		neighbours, err := adj.AdjacentNodes(n)
		if err != nil {
			return err
		}
		for _, nb := range neighbours {
			if j, ok := localIdx[nb]; ok {
				adjncy = append(adjncy, j)
			}
		}
	}
	xadj[len(local)] = len(adjncy)

	var weights []float64
	if len(p.cfg.VertexWeights) == len(local) {
		weights = make([]float64, len(local))
		for i, w := range p.cfg.VertexWeights {
			if len(w) > 0 {
				weights[i] = w[0]
			} else {
				weights[i] = 1
			}
		}
	}

	partInts := recbisect.Bisect(xadj, adjncy, weights, p.nParts)

	result := make([]Assignment[N], len(local))
	for i, n := range local {
		result[i] = Assignment[N]{Node: n, Part: partInts[i]}
	}
	p.result = result
	return nil
}

// AssignRankNodes redistributes node keys so each rank ends up holding
// exactly the nodes Partition assigned to its own rank number, via a
// process-tagged all-to-all across every rank's independently-computed
// result slice.
func (p *Parmetis[N]) AssignRankNodes(ctx context.Context) ([]N, error) {
	return redistribute(ctx, p.col, tagParmetisAssign, p.g.Communicator().Size(), p.result)
}
