package master

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"minigfs/internal/gfs"
	"minigfs/internal/logging"
	"minigfs/internal/rpc"
	"minigfs/internal/wire"
)

// Server exposes a Master over its JSON-over-HTTP namespace and
// chunk-coordination endpoints.
type Server struct {
	master  *Master
	logger  *slog.Logger
	handler http.Handler

	listener net.Listener
	server   *http.Server
}

type ServerConfig struct {
	Addr   string
	Logger *slog.Logger
}

func NewServer(master *Master, cfg ServerConfig) *Server {
	s := &Server{
		master: master,
		logger: logging.Default(cfg.Logger).With("component", "master-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /register_chunkserver", s.handleRegisterChunkServer)
	mux.HandleFunc("POST /heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST /create_file", s.handleCreateFile)
	mux.HandleFunc("POST /get_file_info", s.handleGetFileInfo)
	mux.HandleFunc("POST /allocate_chunk", s.handleAllocateChunk)
	mux.HandleFunc("POST /get_chunk_locations", s.handleGetChunkLocations)
	mux.HandleFunc("POST /update_chunk_size", s.handleUpdateChunkSize)
	mux.HandleFunc("POST /clone_shared_chunk", s.handleCloneSharedChunk)
	mux.HandleFunc("POST /snapshot_file", s.handleSnapshotFile)
	mux.HandleFunc("POST /rename_file", s.handleRenameFile)
	mux.HandleFunc("POST /delete_file", s.handleDeleteFile)
	mux.HandleFunc("POST /list_directory", s.handleListDirectory)
	mux.HandleFunc("POST /record_operation", s.handleRecordOperation)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.handler = h2c.NewHandler(mux, &http2.Server{})
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's HTTP handler directly, without binding a
// listener — for wiring into an httptest.Server in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("master http server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("master http server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gfs.ErrFatal):
		return http.StatusInternalServerError
	case errors.Is(err, gfs.ErrTransient):
		return http.StatusTooManyRequests
	default:
		return http.StatusOK
	}
}

func (s *Server) handleRegisterChunkServer(w http.ResponseWriter, r *http.Request) {
	var req wire.RegisterChunkServerRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.RegisterChunkServerResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	if err := s.master.RegisterChunkServer(req.ChunkServerID, req.Address, req.RackID, req.Chunks); err != nil {
		rpc.WriteJSON(w, statusFor(err), wire.RegisterChunkServerResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}
	rpc.WriteJSON(w, http.StatusOK, wire.RegisterChunkServerResponse{Envelope: wire.Envelope{Success: true}})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req wire.HeartbeatRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.HeartbeatResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	if err := s.master.Heartbeat(req.ChunkServerID, req.Chunks); err != nil {
		rpc.WriteJSON(w, statusFor(err), wire.HeartbeatResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}
	rpc.WriteJSON(w, http.StatusOK, wire.HeartbeatResponse{Envelope: wire.Envelope{Success: true}})
}

func (s *Server) handleCreateFile(w http.ResponseWriter, r *http.Request) {
	var req wire.CreateFileRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.CreateFileResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	if err := s.master.CreateFile(req.Path); err != nil {
		rpc.WriteJSON(w, statusFor(err), wire.CreateFileResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}
	rpc.WriteJSON(w, http.StatusOK, wire.CreateFileResponse{Envelope: wire.Envelope{Success: true}})
}

func (s *Server) handleGetFileInfo(w http.ResponseWriter, r *http.Request) {
	var req wire.GetFileInfoRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.GetFileInfoResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	info, err := s.master.GetFileInfo(req.Path)
	if err != nil {
		rpc.WriteJSON(w, statusFor(err), wire.GetFileInfoResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}

	chunksInfo := make([]wire.ChunkInfo, 0, len(info.Chunks))
	for _, c := range info.Chunks {
		chunksInfo = append(chunksInfo, wire.ChunkInfo{
			Handle: c.Handle, Replicas: c.Replicas, PrimaryID: c.PrimaryID, Size: c.Size,
		})
	}
	rpc.WriteJSON(w, http.StatusOK, wire.GetFileInfoResponse{
		Envelope: wire.Envelope{Success: true}, Path: info.Path,
		ChunkHandles: info.ChunkHandles, ChunksInfo: chunksInfo,
	})
}

func (s *Server) handleAllocateChunk(w http.ResponseWriter, r *http.Request) {
	var req wire.AllocateChunkRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.AllocateChunkResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	result, err := s.master.AllocateChunk(req.Path, req.ChunkIndex)
	if err != nil {
		rpc.WriteJSON(w, statusFor(err), wire.AllocateChunkResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}
	rpc.WriteJSON(w, http.StatusOK, wire.AllocateChunkResponse{
		Envelope: wire.Envelope{Success: true}, ChunkHandle: result.Handle,
		Replicas: result.Replicas, PrimaryID: result.PrimaryID,
	})
}

func (s *Server) handleGetChunkLocations(w http.ResponseWriter, r *http.Request) {
	var req wire.GetChunkLocationsRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.GetChunkLocationsResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	loc, err := s.master.GetChunkLocations(req.ChunkHandle)
	if err != nil {
		rpc.WriteJSON(w, statusFor(err), wire.GetChunkLocationsResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}
	rpc.WriteJSON(w, http.StatusOK, wire.GetChunkLocationsResponse{
		Envelope: wire.Envelope{Success: true}, ChunkHandle: loc.Handle, Replicas: loc.Replicas,
		PrimaryID: loc.PrimaryID, Size: loc.Size, ReferenceCount: loc.ReferenceCount,
	})
}

func (s *Server) handleUpdateChunkSize(w http.ResponseWriter, r *http.Request) {
	var req wire.UpdateChunkSizeRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.UpdateChunkSizeResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	if err := s.master.UpdateChunkSize(req.ChunkHandle, req.Size); err != nil {
		rpc.WriteJSON(w, statusFor(err), wire.UpdateChunkSizeResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}
	rpc.WriteJSON(w, http.StatusOK, wire.UpdateChunkSizeResponse{Envelope: wire.Envelope{Success: true}})
}

func (s *Server) handleCloneSharedChunk(w http.ResponseWriter, r *http.Request) {
	var req wire.CloneSharedChunkRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.CloneSharedChunkResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	handle, err := s.master.CloneSharedChunk(req.Path, req.ChunkIndex, req.OldChunkHandle)
	if err != nil {
		rpc.WriteJSON(w, statusFor(err), wire.CloneSharedChunkResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}
	rpc.WriteJSON(w, http.StatusOK, wire.CloneSharedChunkResponse{Envelope: wire.Envelope{Success: true}, ChunkHandle: handle})
}

func (s *Server) handleSnapshotFile(w http.ResponseWriter, r *http.Request) {
	var req wire.SnapshotFileRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.SnapshotFileResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	if err := s.master.SnapshotFile(req.SourcePath, req.DestPath); err != nil {
		rpc.WriteJSON(w, statusFor(err), wire.SnapshotFileResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}
	rpc.WriteJSON(w, http.StatusOK, wire.SnapshotFileResponse{Envelope: wire.Envelope{Success: true}})
}

func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	var req wire.RenameFileRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.RenameFileResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	if err := s.master.RenameFile(req.OldPath, req.NewPath); err != nil {
		rpc.WriteJSON(w, statusFor(err), wire.RenameFileResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}
	rpc.WriteJSON(w, http.StatusOK, wire.RenameFileResponse{Envelope: wire.Envelope{Success: true}})
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	var req wire.DeleteFileRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.DeleteFileResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	if err := s.master.DeleteFile(req.Path); err != nil {
		rpc.WriteJSON(w, statusFor(err), wire.DeleteFileResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}
	rpc.WriteJSON(w, http.StatusOK, wire.DeleteFileResponse{Envelope: wire.Envelope{Success: true}})
}

func (s *Server) handleListDirectory(w http.ResponseWriter, r *http.Request) {
	var req wire.ListDirectoryRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.ListDirectoryResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	paths := s.master.ListDirectory(req.Pattern)
	rpc.WriteJSON(w, http.StatusOK, wire.ListDirectoryResponse{Envelope: wire.Envelope{Success: true}, Paths: paths})
}

// handleRecordOperation is intentionally best-effort: a tracker write is
// never allowed to fail a client's read/write/append call, so this always
// returns success once the body decodes.
func (s *Server) handleRecordOperation(w http.ResponseWriter, r *http.Request) {
	var req wire.RecordOperationRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.RecordOperationResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	s.master.RecordOperation(req.OperationType, req.StartTime, req.EndTime, req.Success, req.BytesTransferred, req.ChunkServerID)
	rpc.WriteJSON(w, http.StatusOK, wire.RecordOperationResponse{Envelope: wire.Envelope{Success: true}})
}
