// Command chunkserver runs a minigfs storage node: it owns a data
// directory of chunk files and checksum sidecars, registers with a master,
// and serves the chunk data-plane (write, read, append, clone, delete).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"minigfs/internal/chunkserver"
	"minigfs/internal/config"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var (
		id            string
		host          string
		port          int
		masterAddress string
		dataDir       string
		rackID        string
		chunkSize     int64
	)

	rootCmd := &cobra.Command{
		Use:   "chunkserver",
		Short: "Run a minigfs chunkserver storage node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			cfg := config.NewChunkServerConfig(
				config.WithChunkServerID(id),
				config.WithChunkServerAddr(host, port),
				config.WithMasterAddress(masterAddress),
				config.WithDataDir(dataDir),
				config.WithRackID(rackID),
				config.WithChunkServerChunkSize(chunkSize),
			)

			cs, err := chunkserver.New(cfg, logger)
			if err != nil {
				return err
			}
			return cs.Run(ctx)
		},
	}

	rootCmd.Flags().StringVar(&id, "id", "", "chunkserver id (auto-generated if blank)")
	rootCmd.Flags().StringVar(&host, "host", "localhost", "listen host")
	rootCmd.Flags().IntVar(&port, "port", 8001, "listen port")
	rootCmd.Flags().StringVar(&masterAddress, "master", "http://localhost:8000", "master address")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "data/chunks", "directory for chunk files and checksum sidecars")
	rootCmd.Flags().StringVar(&rackID, "rack-id", "default", "rack locality label reported at registration")
	rootCmd.Flags().Int64Var(&chunkSize, "chunk-size", 64*1024*1024, "maximum chunk size in bytes, must match the master")

	if err := rootCmd.Execute(); err != nil {
		logger.Error("chunkserver exited with error", "error", err)
		os.Exit(1)
	}
}
