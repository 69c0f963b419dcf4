package chunkserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-co-op/gocron/v2"

	"minigfs/internal/config"
	"minigfs/internal/gfs"
	"minigfs/internal/logging"
	"minigfs/internal/rpc"
	"minigfs/internal/wire"
)

// ChunkServer is the top-level process: it owns local Storage, serves the
// chunk data-plane over HTTP, registers with the Master on startup, and
// reports the chunks it holds on every heartbeat tick.
type ChunkServer struct {
	cfg     config.ChunkServerConfig
	storage *Storage
	server  *Server
	rpc     *rpc.Client
	logger  *slog.Logger

	scheduler gocron.Scheduler
}

// New builds a ChunkServer from cfg. It does not contact the Master or bind
// a listener; call Run for that.
func New(cfg config.ChunkServerConfig, logger *slog.Logger) (*ChunkServer, error) {
	logger = logging.Default(logger).With("component", "chunkserver", "chunkserver_id", cfg.ID)

	rpcClient := rpc.NewClient(&http.Client{}, cfg.RPCTimeout)

	storage, err := NewStorage(StorageConfig{
		DataDir: cfg.DataDir,
		Logger:  logger,
		RPC:     rpcClient,
	})
	if err != nil {
		return nil, fmt.Errorf("new chunkserver: %w", err)
	}

	chunks, err := storage.ListChunks()
	if err != nil {
		return nil, fmt.Errorf("new chunkserver: %w", err)
	}
	logger.Info("loaded local chunks", "count", len(chunks))

	server := NewServer(storage, ServerConfig{
		Addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		ChunkSize: cfg.ChunkSize,
		Logger:    logger,
	})

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("new chunkserver: scheduler: %w", err)
	}

	return &ChunkServer{
		cfg:       cfg,
		storage:   storage,
		server:    server,
		rpc:       rpcClient,
		logger:    logger,
		scheduler: scheduler,
	}, nil
}

func (cs *ChunkServer) address() string {
	return fmt.Sprintf("http://%s:%d", cs.cfg.Host, cs.cfg.Port)
}

// Run registers with the Master, starts the heartbeat loop, and serves the
// data plane until ctx is cancelled.
func (cs *ChunkServer) Run(ctx context.Context) error {
	if err := cs.register(ctx); err != nil {
		cs.logger.Error("initial registration failed, will retry on first heartbeat", "error", err)
	}

	if _, err := cs.scheduler.NewJob(
		gocron.DurationJob(cs.cfg.HeartbeatInterval),
		gocron.NewTask(cs.heartbeat, ctx),
		gocron.WithName("chunkserver-heartbeat"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	); err != nil {
		return fmt.Errorf("schedule heartbeat: %w", err)
	}
	cs.scheduler.Start()

	serveErr := make(chan error, 1)
	go func() { serveErr <- cs.server.Run(ctx) }()

	select {
	case <-ctx.Done():
		_ = cs.scheduler.Shutdown()
		return <-serveErr
	case err := <-serveErr:
		_ = cs.scheduler.Shutdown()
		return err
	}
}

func (cs *ChunkServer) register(ctx context.Context) error {
	chunks, err := cs.storage.ListChunks()
	if err != nil {
		return err
	}

	req := wire.RegisterChunkServerRequest{
		ChunkServerID: cs.cfg.ID,
		Address:       cs.address(),
		Chunks:        chunks,
		RackID:        cs.cfg.RackID,
	}
	var resp wire.RegisterChunkServerResponse
	if err := cs.rpc.PostJSON(ctx, cs.cfg.MasterAddress, "/register_chunkserver", req, &resp); err != nil {
		return fmt.Errorf("register with master: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: register with master: %s", gfs.ErrFatal, resp.Message)
	}
	cs.logger.Info("registered with master", "master", cs.cfg.MasterAddress)
	return nil
}

// heartbeat reports the current chunk set to the Master. A failure is
// logged and dropped; the next tick tries again.
func (cs *ChunkServer) heartbeat(ctx context.Context) {
	chunks, err := cs.storage.ListChunks()
	if err != nil {
		cs.logger.Error("heartbeat: list local chunks", "error", err)
		return
	}

	hbCtx, cancel := context.WithTimeout(ctx, cs.cfg.RPCTimeout)
	defer cancel()

	req := wire.HeartbeatRequest{ChunkServerID: cs.cfg.ID, Chunks: chunks}
	var resp wire.HeartbeatResponse
	if err := cs.rpc.PostJSON(hbCtx, cs.cfg.MasterAddress, "/heartbeat", req, &resp); err != nil {
		cs.logger.Warn("heartbeat failed", "error", err)
		return
	}
	if !resp.Success {
		// A master that lost its chunkserver directory (fresh metadata dir,
		// failed initial registration) rejects heartbeats from ids it does
		// not know. Re-registering restores the entry; the next heartbeat
		// then flows normally.
		cs.logger.Warn("heartbeat rejected by master, re-registering", "message", resp.Message)
		if err := cs.register(ctx); err != nil {
			cs.logger.Warn("re-registration failed", "error", err)
		}
	}
}
