package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/meshrt/meshrt/pkg/config"
	"github.com/meshrt/meshrt/pkg/telemetry"
	"github.com/meshrt/meshrt/pkg/utils"
)

var (
	// Global flags
	verbose    bool
	configFile string

	logger           utils.Logger
	cfg              *config.Config
	runID            string
	shutdownTracing  telemetry.ShutdownFunc
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "meshrt",
	Short: "Distributed mesh/graph runtime for unstructured CFD partitioning",
	Long: `meshrt is a CLI front end for the mesh runtime: a distributed
adjacency-graph runtime with a pluggable partitioner facade (naive,
metis, parmetis back ends), two-sided and one-sided ghost-exchange
patterns, and the full MPI-shaped collective family behind a single
comm.Transport contract.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLevel := utils.LevelInfo
		if verbose {
			logLevel = utils.LevelDebug
		}
		logger = utils.NewDefaultLogger(logLevel, os.Stdout)

		loaded, err := config.Load(configFile)
		if err != nil {
			return err
		}
		cfg = loaded

		runID = uuid.NewString()
		logger.Info("run id: %s", runID)

		shutdown, err := telemetry.Init(context.Background())
		if err != nil {
			logger.Warn("telemetry init failed, continuing without tracing: %v", err)
			shutdown = func(context.Context) error { return nil }
		}
		shutdownTracing = shutdown

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if shutdownTracing == nil {
			return nil
		}
		return shutdownTracing(context.Background())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to a config file (defaults: ./config.yaml, ./configs, /etc/meshrt)")

	binName := BinName()
	rootCmd.Example = `  # Run the default demo: 4 ranks, naive partitioner, two-sided exchange
  ` + binName + ` run

  # Run an 8-rank demo with the metis partitioner over a gRPC transport group
  ` + binName + ` run --ranks 8 --partition metis --transport grpc

  # Join a real multi-process deployment as rank 0 of a 4-rank mesh
  ` + binName + ` serve --config ./configs/rank0.yaml`
}

// GetLogger returns the configured logger.
func GetLogger() utils.Logger {
	return logger
}

// GetConfig returns the loaded configuration.
func GetConfig() *config.Config {
	return cfg
}

// GetRunID returns the UUID generated for the current invocation.
func GetRunID() string {
	return runID
}

// BinName returns the base name of the current executable.
func BinName() string {
	return filepath.Base(os.Args[0])
}
