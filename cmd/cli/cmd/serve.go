package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meshrt/meshrt/internal/transport/grpcmesh"
)

// serveCmd starts this process's own rank of a real multi-process
// mesh, in contrast to run's single-process demo group: every peer
// process runs serve independently, pointed at the same static
// address list and its own index into it.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Join a real multi-process mesh as this process's rank",
	Long: `serve starts this process's own gRPC mesh server bound to
transport.addresses[transport.rank] from the loaded config, then
blocks in a readiness barrier across the whole address list before
idling until it is asked to shut down. Every process in the
deployment runs serve independently, pointed at the same address
list and its own rank.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	binName := BinName()
	serveCmd.Example = `  # Start rank 0 of a 4-rank deployment (its config names all 4 addresses)
  ` + binName + ` serve --config ./configs/rank0.yaml`
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	log := GetLogger()

	if cfg.Transport.Backend != "grpc" {
		return fmt.Errorf("serve requires transport.backend: grpc, got %q", cfg.Transport.Backend)
	}
	if len(cfg.Transport.Addresses) == 0 {
		return fmt.Errorf("serve requires transport.addresses to be set")
	}

	ctx := context.Background()
	tr, err := grpcmesh.NewTransport(ctx, cfg.Transport.Addresses, cfg.Transport.Rank)
	if err != nil {
		return fmt.Errorf("joining mesh: %w", err)
	}

	log.Info("rank %d listening on %s, waiting for the other %d rank(s) to join...",
		tr.Rank(), cfg.Transport.Addresses[cfg.Transport.Rank], tr.Size()-1)

	if err := tr.Barrier(ctx); err != nil {
		return fmt.Errorf("readiness barrier failed: %w", err)
	}
	log.Info("rank %d: mesh of %d ranks is up", tr.Rank(), tr.Size())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("rank %d: shutting down", tr.Rank())
	return tr.Close()
}
