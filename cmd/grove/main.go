// Command grove runs a master cell of the table storage platform.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"grove/internal/auth"
	"grove/internal/blobstore"
	"grove/internal/cluster"
	"grove/internal/invoker"
	"grove/internal/logging"
	"grove/internal/master/chunkserver"
	"grove/internal/master/cypress"
	"grove/internal/master/fsm"
)

var version = "dev"

func main() {
	var (
		flagDataDir     string
		flagClusterAddr string
		flagNodeID      string
		flagBootstrap   bool
		flagSecret      string
		flagLogLevel    string
		flagJSONLogs    bool
	)

	root := &cobra.Command{
		Use:           "grove",
		Short:         "grove is a distributed table storage master",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&flagJSONLogs, "log-json", false, "emit JSON logs")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the master cell",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(flagLogLevel, flagJSONLogs)
			if err != nil {
				return err
			}
			return runServe(logger, serveOptions{
				dataDir:     flagDataDir,
				clusterAddr: flagClusterAddr,
				nodeID:      flagNodeID,
				bootstrap:   flagBootstrap,
				secret:      flagSecret,
			})
		},
	}
	serve.Flags().StringVar(&flagDataDir, "data-dir", "data", "directory for raft state and chunk data")
	serve.Flags().StringVar(&flagClusterAddr, "cluster-addr", ":4780", "listen address of the cluster port")
	serve.Flags().StringVar(&flagNodeID, "node-id", "", "unique raft node id (defaults to the cluster address)")
	serve.Flags().BoolVar(&flagBootstrap, "bootstrap", false, "bootstrap a fresh single-node cluster")
	serve.Flags().StringVar(&flagSecret, "cluster-secret", "", "shared secret authenticating cluster peers (empty disables auth)")
	root.AddCommand(serve)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildLogger(level string, jsonLogs bool) (*slog.Logger, error) {
	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: slogLevel}
	var handler slog.Handler
	if jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler), nil
}

type serveOptions struct {
	dataDir     string
	clusterAddr string
	nodeID      string
	bootstrap   bool
	secret      string
}

func runServe(logger *slog.Logger, opts serveOptions) error {
	logger = logging.Default(logger)

	if err := os.MkdirAll(opts.dataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	var tokens *auth.TokenAuthority
	if opts.secret != "" {
		tokens = auth.NewTokenAuthority([]byte(opts.secret), "grove")
	}

	clusterCfg := cluster.Config{
		ClusterAddr: opts.clusterAddr,
		NodeID:      opts.nodeID,
		DataDir:     opts.dataDir,
		Tokens:      tokens,
		Logger:      logger,
	}
	srv, err := cluster.New(clusterCfg)
	if err != nil {
		return err
	}
	if clusterCfg.NodeID == "" {
		clusterCfg.NodeID = srv.LocalAddr()
	}

	masterFSM := fsm.New(logger)
	r, err := srv.NewRaft(masterFSM, opts.bootstrap)
	if err != nil {
		return err
	}
	store := fsm.NewStore(r, masterFSM, 10*time.Second)

	if err := srv.Start(); err != nil {
		return err
	}
	if err := srv.WaitForLeadership(time.Minute); err != nil {
		logger.Warn("starting without an elected leader", "error", err)
	}

	// Chunk data lives next to the raft state.
	blobs, err := blobstore.Open(blobstore.Config{
		Dir:    filepath.Join(opts.dataDir, "chunks"),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = blobs.Close() }()

	// The access tracker batches namespace reads into one mutation.
	tracker := cypress.NewAccessTracker(time.Second, store.UpdateAccessStatistics, logger)
	masterFSM.Nodes().SetAccessTracker(tracker)

	// The sealer drives unsealed journal chunks to their quorum row count.
	inv := invoker.NewSerial()
	defer inv.Stop()
	sealer := chunkserver.NewSealer(
		chunkserver.SealerConfig{},
		masterFSM.Chunks(),
		noJournalClients{},
		store,
		inv,
		logger,
	)
	if err := sealer.Initialize(); err != nil {
		return err
	}
	defer func() { _ = sealer.Stop() }()

	logger.Info("grove master running",
		"version", version,
		"cluster_addr", srv.LocalAddr(),
		"data_dir", opts.dataDir,
	)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
	return srv.Stop()
}

// noJournalClients is the placeholder replica client provider until the
// node directory wires real journal transports.
type noJournalClients struct{}

func (noJournalClients) JournalClient(chunkserver.Replica) (chunkserver.JournalClient, error) {
	return nil, fmt.Errorf("no journal transport configured")
}
