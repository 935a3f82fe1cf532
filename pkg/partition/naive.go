package partition

import (
	"context"

	"github.com/meshrt/meshrt/pkg/collectives"
	"github.com/meshrt/meshrt/pkg/graph"
)

const tagNaiveAssign = 9001

// Naive is the no-library back end: it needs no information about
// edges at all, only a total node count. Every rank already knows its
// own slice of the global id space (GlobalID is assigned by Finalize
// as a rank-ordered prefix sum), so Naive simply buckets each global id
// into one of nParts contiguous ranges sized totalNodes/nParts, with
// the remainder handed to the lowest-numbered parts first — the exact
// arithmetic the reference partitioner implements, generalized from
// "one part per rank" to an arbitrary part count.
type Naive[N comparable] struct {
	g      *graph.Graph[N]
	col    *collectives.Collective
	nParts int
	cfg    Config

	result []Assignment[N]
}

var _ Partitioner[int64] = (*Naive[int64])(nil)

// Initialise binds the partitioner to g and validates nParts/cfg.NCon
// against the communicator g was built on.
func (p *Naive[N]) Initialise(ctx context.Context, g *graph.Graph[N], nParts int, cfg Config) error {
	if err := validateInit(g.Communicator().Size(), nParts, cfg.NCon); err != nil {
		return err
	}
	p.g = g
	p.col = collectives.New(g.Communicator().Transport(), g.Registry())
	p.nParts = nParts
	p.cfg = cfg
	return nil
}

// Partition computes, for every node this rank owns, the contiguous
// global-id range (and therefore part) it falls into.
func (p *Naive[N]) Partition(ctx context.Context) error {
	local := p.g.LocalNodes()
	localCount := int64(len(local))

	counts, err := collectives.AllGather[int64](ctx, p.col, []int64{localCount})
	if err != nil {
		return err
	}

	var total int64
	for _, c := range counts {
		total += c
	}

	partitionSize := total / int64(p.nParts)
	remainder := total % int64(p.nParts)
	if partitionSize == 0 {
		partitionSize = 1
	}

	result := make([]Assignment[N], 0, len(local))
	for _, n := range local {
		gid, err := p.g.GlobalID(n)
		if err != nil {
			return err
		}
		group := gid / partitionSize
		if group >= int64(p.nParts) {
			group = int64(p.nParts) - 1
		}
		check := group
		if remainder < check {
			check = remainder
		}
		if group > 0 && gid < group*partitionSize+check {
			group--
		}
		result = append(result, Assignment[N]{Node: n, Part: int(group)})
	}

	p.result = result
	return nil
}

// AssignRankNodes redistributes node keys so each rank ends up holding
// exactly the nodes Partition assigned to its own rank number.
func (p *Naive[N]) AssignRankNodes(ctx context.Context) ([]N, error) {
	return redistribute(ctx, p.col, tagNaiveAssign, p.g.Communicator().Size(), p.result)
}
