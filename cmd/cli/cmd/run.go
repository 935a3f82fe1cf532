package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/meshrt/meshrt/internal/transport/grpcmesh"
	"github.com/meshrt/meshrt/internal/transport/local"
	"github.com/meshrt/meshrt/pkg/collections"
	"github.com/meshrt/meshrt/pkg/comm"
	"github.com/meshrt/meshrt/pkg/graph"
	"github.com/meshrt/meshrt/pkg/partition"
	"github.com/meshrt/meshrt/pkg/snapshot"
	"github.com/meshrt/meshrt/pkg/types"
)

var tracer = otel.Tracer("meshrt/cmd/run")

// sendBufPool pools the flat, cell-indexed float64 buffer every rank
// builds fresh each exchange round (one value per LocalIndex, local
// cells followed by ghost cells); reusing the backing array cuts GC
// pressure without touching anything collective-blocking.
var sendBufPool = collections.NewSlicePool[float64](64)

var (
	runRanks         int
	runNodesPerRank  int
	runNParts        int
	runPartitionFlag string
	runExchangeFlag  string
	runTransportFlag string
	runOutputDir     string
)

// runCmd builds a distributed ring-topology graph across a set of
// simulated ranks, finalizes it, partitions it, and exercises a ghost
// exchange across the resulting boundaries — end to end, in one
// process, on whichever transport back end is configured.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build, partition, and exchange a demo distributed mesh",
	Long: `run builds a ring-topology node graph distributed across a
configurable number of simulated ranks, finalizes it into a
DistributedGraph, partitions it with the configured back end (naive,
metis, or parmetis), exercises the configured ghost-exchange pattern
across rank boundaries, and writes a compressed JSON run summary.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	binName := BinName()
	runCmd.Example = `  # Run the default 4-rank, 4-node-per-rank demo
  ` + binName + ` run

  # Run an 8-rank demo with the metis partitioner and one-sided exchange
  ` + binName + ` run --ranks 8 --partition metis --exchange one-sided`

	runCmd.Flags().IntVar(&runRanks, "ranks", 4, "number of simulated ranks")
	runCmd.Flags().IntVar(&runNodesPerRank, "nodes-per-rank", 4, "nodes owned by each rank")
	runCmd.Flags().IntVar(&runNParts, "n-parts", 0, "partition count (defaults to --ranks)")
	runCmd.Flags().StringVar(&runPartitionFlag, "partition", "", "partition backend override: naive, metis, parmetis")
	runCmd.Flags().StringVar(&runExchangeFlag, "exchange", "", "exchange pattern override: two-sided, one-sided")
	runCmd.Flags().StringVar(&runTransportFlag, "transport", "", "transport backend override: local, grpc")
	runCmd.Flags().StringVar(&runOutputDir, "output", "./output", "directory to write the run summary into")
}

type rankSummary struct {
	Rank           int       `json:"rank"`
	LocalNodes     int       `json:"local_nodes"`
	GhostNodes     int       `json:"ghost_nodes"`
	AssignedNodes  int       `json:"assigned_nodes"`
	ExchangeValues []float64 `json:"exchange_values"`
}

type runResult struct {
	RunID            string        `json:"run_id"`
	Ranks            int           `json:"ranks"`
	NodesPerRank     int           `json:"nodes_per_rank"`
	PartitionBackend string        `json:"partition_backend"`
	ExchangePattern  string        `json:"exchange_pattern"`
	TransportBackend string        `json:"transport_backend"`
	RankSummaries    []rankSummary `json:"rank_summaries"`
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	log := GetLogger()
	runID := GetRunID()

	partitionBackend := cfg.Partition.Backend
	if runPartitionFlag != "" {
		partitionBackend = runPartitionFlag
	}
	exchangePattern := cfg.Exchange.Pattern
	if runExchangeFlag != "" {
		exchangePattern = runExchangeFlag
	}
	transportBackend := cfg.Transport.Backend
	if runTransportFlag != "" {
		transportBackend = runTransportFlag
	}
	nParts := runNParts
	if nParts <= 0 {
		nParts = runRanks
	}

	log.Info("starting mesh run %s: ranks=%d nodes_per_rank=%d partition=%s exchange=%s transport=%s",
		runID, runRanks, runNodesPerRank, partitionBackend, exchangePattern, transportBackend)

	ctx := context.Background()
	reg := types.NewRegistry()

	transports, err := buildTransportGroup(ctx, transportBackend, runRanks)
	if err != nil {
		return err
	}

	summaries := make([]rankSummary, runRanks)
	errs := make([]error, runRanks)

	var wg sync.WaitGroup
	wg.Add(runRanks)
	for i, tr := range transports {
		i, tr := i, tr
		go func() {
			defer wg.Done()
			summary, err := runOneRank(ctx, tr, reg, runNodesPerRank, runRanks, nParts, partitionBackend, exchangePattern)
			summaries[i] = summary
			errs[i] = err
		}()
	}
	wg.Wait()

	for _, tr := range transports {
		_ = tr.Close()
	}

	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("mesh run failed: %w", err)
		}
	}

	result := runResult{
		RunID:            runID,
		Ranks:            runRanks,
		NodesPerRank:     runNodesPerRank,
		PartitionBackend: partitionBackend,
		ExchangePattern:  exchangePattern,
		TransportBackend: transportBackend,
		RankSummaries:    summaries,
	}

	if err := os.MkdirAll(runOutputDir, 0755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}

	snap := snapshot.Default[runResult]()
	path := filepath.Join(runOutputDir, runID+".snap")
	res, err := snap.WriteToFile(result, path)
	if err != nil {
		return fmt.Errorf("writing run summary: %w", err)
	}

	log.Info("run complete, summary written to %s (%s codec, %d -> %d bytes)",
		path, res.Codec, res.JSONSize, res.CompressedSize)
	return nil
}

// buildTransportGroup spins up a same-process demo group on the
// requested back end. Both NewGroup constructors return one Transport
// per simulated rank, ready to hand off to a goroutine-per-rank worker.
func buildTransportGroup(ctx context.Context, backend string, ranks int) ([]comm.Transport, error) {
	switch backend {
	case "grpc":
		ts, err := grpcmesh.NewGroup(ctx, ranks)
		if err != nil {
			return nil, fmt.Errorf("starting grpc transport group: %w", err)
		}
		out := make([]comm.Transport, len(ts))
		for i, tr := range ts {
			out[i] = tr
		}
		return out, nil
	case "local", "":
		ts := local.NewGroup(ranks)
		out := make([]comm.Transport, len(ts))
		for i, tr := range ts {
			out[i] = tr
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported transport backend: %s", backend)
	}
}

// runOneRank builds this rank's slice of a ring-topology graph (a
// contiguous node-id block, chained internally, stitched to its
// neighbours' blocks by one ghost edge on each boundary), finalizes
// it, partitions the whole graph with the configured back end, and
// exchanges a cell-indexed buffer (one float64 per LocalIndex) across
// the resulting ghost boundary.
func runOneRank(ctx context.Context, tr comm.Transport, reg *types.Registry, npr, ranks, nParts int, partitionBackend, exchangePattern string) (rankSummary, error) {
	c := comm.New(tr)
	g := graph.New[int64](c, reg)

	rank := int64(tr.Rank())
	base := rank * int64(npr)

	for i := int64(0); i < int64(npr); i++ {
		if err := g.AddLocalNode(base + i); err != nil {
			return rankSummary{}, err
		}
	}
	for i := int64(0); i < int64(npr)-1; i++ {
		if err := g.AddEdge(base+i, base+i+1); err != nil {
			return rankSummary{}, err
		}
	}

	next := int64((tr.Rank() + 1) % ranks)
	prev := int64((tr.Rank() - 1 + ranks) % ranks)
	nextFirst := next * int64(npr)
	prevLast := prev*int64(npr) + int64(npr) - 1

	if err := g.AddGhostNode(nextFirst); err != nil {
		return rankSummary{}, err
	}
	if err := g.AddGhostNode(prevLast); err != nil {
		return rankSummary{}, err
	}
	if err := g.AddEdge(base+int64(npr)-1, nextFirst); err != nil {
		return rankSummary{}, err
	}
	if err := g.AddEdge(base, prevLast); err != nil {
		return rankSummary{}, err
	}

	finalizeCtx, finalizeSpan := tracer.Start(ctx, "graph.Finalize")
	err := g.Finalize(finalizeCtx)
	finalizeSpan.End()
	if err != nil {
		return rankSummary{}, err
	}

	partitioner, err := newPartitioner(partitionBackend)
	if err != nil {
		return rankSummary{}, err
	}

	partitionCtx, partitionSpan := tracer.Start(ctx, "partition."+partitionBackend)
	defer partitionSpan.End()
	if err := partitioner.Initialise(partitionCtx, g, nParts, partition.DefaultConfig()); err != nil {
		return rankSummary{}, err
	}
	if err := partitioner.Partition(partitionCtx); err != nil {
		return rankSummary{}, err
	}
	assigned, err := partitioner.AssignRankNodes(partitionCtx)
	if err != nil {
		return rankSummary{}, err
	}

	localToExchange, err := g.LocalToExchange()
	if err != nil {
		return rankSummary{}, err
	}

	src := sendBufPool.Get()
	*src = append((*src)[:0], make([]float64, len(localToExchange))...)
	for i := range *src {
		(*src)[i] = float64(tr.Rank())
	}
	dst := make([]float64, len(localToExchange))

	exchangeCtx, exchangeSpan := tracer.Start(ctx, "exchange."+exchangePattern)
	err = exchangeGhosts(exchangeCtx, g, reg, exchangePattern, *src, dst)
	exchangeSpan.End()
	sendBufPool.Put(src)
	if err != nil {
		return rankSummary{}, err
	}

	values := append([]float64(nil), dst[len(g.LocalNodes()):]...)

	return rankSummary{
		Rank:           tr.Rank(),
		LocalNodes:     len(g.LocalNodes()),
		GhostNodes:     len(g.GhostNodes()),
		AssignedNodes:  len(assigned),
		ExchangeValues: values,
	}, nil
}

func newPartitioner(backend string) (partition.Partitioner[int64], error) {
	switch backend {
	case "naive", "":
		return &partition.Naive[int64]{}, nil
	case "metis":
		return &partition.Metis[int64]{}, nil
	case "parmetis":
		return &partition.Parmetis[int64]{}, nil
	default:
		return nil, fmt.Errorf("unsupported partition backend: %s", backend)
	}
}

// exchangeGhosts builds the configured Pattern straight from g's own
// finalized ghost routing rather than recomputing send/recv counts by
// hand, then runs one Exchange round over the caller's cell-indexed
// src/dst buffers (one float64 per LocalIndex).
func exchangeGhosts(ctx context.Context, g *graph.Graph[int64], reg *types.Registry, pattern string, src, dst []float64) error {
	switch pattern {
	case "one-sided":
		pat, err := graph.BuildOneSidedPattern[int64, float64](ctx, g, reg)
		if err != nil {
			return err
		}
		if err := pat.Exchange(ctx, src, dst); err != nil {
			return err
		}
		return pat.Close(ctx)
	case "two-sided", "":
		pat, err := graph.BuildTwoSidedPattern[int64, float64](g, reg)
		if err != nil {
			return err
		}
		if err := pat.Exchange(ctx, src, dst); err != nil {
			return err
		}
		return pat.Close(ctx)
	default:
		return fmt.Errorf("unsupported exchange pattern: %s", pattern)
	}
}
