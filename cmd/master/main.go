// Command master runs the minigfs metadata coordinator: the namespace,
// chunk directory, lease manager, and the background failure-detection,
// re-replication, garbage-collection, and checkpoint loops.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"minigfs/internal/config"
	"minigfs/internal/master"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var (
		host              string
		port              int
		metadataDir       string
		snapshotFile      string
		walFile           string
		chunkSize         int64
		replicationFactor int
		compressSnapshot  bool
	)

	rootCmd := &cobra.Command{
		Use:   "master",
		Short: "Run the minigfs master metadata server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg := config.NewMasterConfig(
				config.WithMasterAddr(host, port),
				config.WithMasterMetadataDir(metadataDir),
				config.WithReplicationFactor(replicationFactor),
				config.WithChunkSize(chunkSize),
				config.WithSnapshotCompression(compressSnapshot),
			)
			cfg.SnapshotFile = snapshotFile
			cfg.WALFile = walFile

			return run(ctx, logger, cfg)
		},
	}

	rootCmd.Flags().StringVar(&host, "host", "localhost", "listen host")
	rootCmd.Flags().IntVar(&port, "port", 8000, "listen port")
	rootCmd.Flags().StringVar(&metadataDir, "metadata-dir", "data/master", "directory for the WAL and metadata snapshot")
	rootCmd.Flags().StringVar(&snapshotFile, "snapshot-file", "metadata_snapshot.json", "snapshot file name within metadata-dir")
	rootCmd.Flags().StringVar(&walFile, "wal-file", "wal.log", "write-ahead log file name within metadata-dir")
	rootCmd.Flags().Int64Var(&chunkSize, "chunk-size", 64*1024*1024, "maximum chunk size in bytes")
	rootCmd.Flags().IntVar(&replicationFactor, "replication-factor", 3, "target replica count per chunk")
	rootCmd.Flags().BoolVar(&compressSnapshot, "compress-snapshot", false, "zstd-compress the metadata snapshot")

	if err := rootCmd.Execute(); err != nil {
		logger.Error("master exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.MasterConfig) error {
	m, err := master.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("start master: %w", err)
	}

	srv := master.NewServer(m, master.ServerConfig{
		Addr:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Logger: logger,
	})

	errCh := make(chan error, 2)
	go func() { errCh <- m.Start(ctx) }()
	go func() { errCh <- srv.Run(ctx) }()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
