package chunkserver

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

// Server exposes a Storage over the chunk data-plane JSON-over-HTTP
// endpoints: write_chunk, write_chunk_pipeline, read_chunk, append_record,
// clone_chunk, delete_chunk.
type Server struct {
	storage   *Storage
	chunkSize int64
	logger    *slog.Logger
	handler   http.Handler

	listener net.Listener
	server   *http.Server
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Addr      string
	ChunkSize int64
	Logger    *slog.Logger
}

// NewServer wires storage to an HTTP handler listening on cfg.Addr over
// cleartext HTTP/2 (h2c), so a client pipelining many small chunk RPCs
// multiplexes them on one connection instead of opening one per call.
func NewServer(storage *Storage, cfg ServerConfig) *Server {
	s := &Server{
		storage:   storage,
		chunkSize: cfg.ChunkSize,
		logger:    logging.Default(cfg.Logger).With("component", "chunkserver-server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /write_chunk", s.handleWriteChunk)
	mux.HandleFunc("POST /write_chunk_pipeline", s.handleWriteChunkPipeline)
	mux.HandleFunc("POST /read_chunk", s.handleReadChunk)
	mux.HandleFunc("POST /append_record", s.handleAppendRecord)
	mux.HandleFunc("POST /clone_chunk", s.handleCloneChunk)
	mux.HandleFunc("POST /delete_chunk", s.handleDeleteChunk)
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

	s.logger.Info("chunkserver http server starting", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("chunkserver http server stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Addr returns the listener address. Only valid after Run has started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) handleWriteChunk(w http.ResponseWriter, r *http.Request) {
	var req wire.WriteChunkRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.WriteChunkResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	s.writeChunk(w, req)
}

// handleWriteChunkPipeline is the pipeline-forwarding sibling of
// write_chunk: the request may carry a src_address hint identifying the
// predecessor replica, but since a client-driven fan-out produces the
// same on-disk outcome as replica-to-replica forwarding, this handler's
// body is identical.
func (s *Server) handleWriteChunkPipeline(w http.ResponseWriter, r *http.Request) {
	var req wire.WriteChunkRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.WriteChunkResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}
	s.writeChunk(w, req)
}

func (s *Server) writeChunk(w http.ResponseWriter, req wire.WriteChunkRequest) {
	data, err := decodeBase64(req.Data)
	if err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.WriteChunkResponse{Envelope: wire.Envelope{Message: "invalid base64 data"}})
		return
	}

	n, err := s.storage.WriteChunk(req.ChunkHandle, req.Offset, data)
	if err != nil {
		s.logger.Error("write_chunk failed", "chunk", req.ChunkHandle, "error", err)
		rpc.WriteJSON(w, http.StatusOK, wire.WriteChunkResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}

	rpc.WriteJSON(w, http.StatusOK, wire.WriteChunkResponse{
		Envelope:     wire.Envelope{Success: true, Message: "write successful"},
		BytesWritten: n,
		ChunkSize:    s.storage.ChunkSize(req.ChunkHandle),
	})
}

func (s *Server) handleReadChunk(w http.ResponseWriter, r *http.Request) {
	var req wire.ReadChunkRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.ReadChunkResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}

	data, err := s.storage.ReadChunk(req.ChunkHandle, req.Offset, req.Length, true)
	if err != nil {
		status := http.StatusOK
		if errors.Is(err, gfs.ErrFatal) {
			status = http.StatusInternalServerError
		}
		rpc.WriteJSON(w, status, wire.ReadChunkResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}

	rpc.WriteJSON(w, http.StatusOK, wire.ReadChunkResponse{
		Envelope:  wire.Envelope{Success: true},
		Data:      encodeBase64(data),
		BytesRead: len(data),
	})
}

func (s *Server) handleAppendRecord(w http.ResponseWriter, r *http.Request) {
	var req wire.AppendRecordRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.AppendRecordResponse{Envelope: wire.Envelope{Message: "invalid JSON"}, Offset: -1})
		return
	}

	data, err := decodeBase64(req.Data)
	if err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.AppendRecordResponse{Envelope: wire.Envelope{Message: "invalid base64 data"}, Offset: -1})
		return
	}

	offset, n, err := s.storage.AppendRecord(req.ChunkHandle, data, s.chunkSize)
	if err != nil {
		if errors.Is(err, gfs.ErrChunkFull) {
			rpc.WriteJSON(w, http.StatusOK, wire.AppendRecordResponse{Envelope: wire.Envelope{Message: "chunk is full, cannot append"}, Offset: -1})
			return
		}
		s.logger.Error("append_record failed", "chunk", req.ChunkHandle, "error", err)
		rpc.WriteJSON(w, http.StatusOK, wire.AppendRecordResponse{Envelope: wire.Envelope{Message: err.Error()}, Offset: -1})
		return
	}

	rpc.WriteJSON(w, http.StatusOK, wire.AppendRecordResponse{
		Envelope:     wire.Envelope{Success: true, Message: "append successful"},
		Offset:       offset,
		BytesWritten: n,
	})
}

func (s *Server) handleCloneChunk(w http.ResponseWriter, r *http.Request) {
	var req wire.CloneChunkRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.CloneChunkResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	if err := s.storage.CloneChunk(ctx, req.ChunkHandle, req.SrcAddress, req.SrcChunkHandle); err != nil {
		s.logger.Error("clone_chunk failed", "chunk", req.ChunkHandle, "src", req.SrcAddress, "error", err)
		rpc.WriteJSON(w, http.StatusOK, wire.CloneChunkResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}
	rpc.WriteJSON(w, http.StatusOK, wire.CloneChunkResponse{Envelope: wire.Envelope{Success: true, Message: "clone successful"}})
}

func (s *Server) handleDeleteChunk(w http.ResponseWriter, r *http.Request) {
	var req wire.DeleteChunkRequest
	if err := rpc.ReadJSON(r, &req); err != nil {
		rpc.WriteJSON(w, http.StatusBadRequest, wire.DeleteChunkResponse{Envelope: wire.Envelope{Message: "invalid JSON"}})
		return
	}

	if err := s.storage.DeleteChunk(req.ChunkHandle); err != nil {
		s.logger.Error("delete_chunk failed", "chunk", req.ChunkHandle, "error", err)
		rpc.WriteJSON(w, http.StatusOK, wire.DeleteChunkResponse{Envelope: wire.Envelope{Message: err.Error()}})
		return
	}
	rpc.WriteJSON(w, http.StatusOK, wire.DeleteChunkResponse{Envelope: wire.Envelope{Success: true, Message: "chunk deleted"}})
}
