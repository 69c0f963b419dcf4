// Package wire defines the JSON request/response shapes for the Master
// and ChunkServer HTTP endpoints. It is the one place both server sides
// and the Client library agree on field names, so the compiler enforces
// presence instead of each side guessing at an untyped map.
package wire

import (
	"time"

	"minigfs/internal/gfs"
)

// Envelope is embedded in every response: a top-level success boolean
// plus a human-readable message on failure.
type Envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Master endpoints ---

type RegisterChunkServerRequest struct {
	ChunkServerID string            `json:"chunkserver_id"`
	Address       string            `json:"address"`
	Chunks        []gfs.ChunkHandle `json:"chunks"`
	RackID        string            `json:"rack_id"`
}

type RegisterChunkServerResponse struct {
	Envelope
}

type HeartbeatRequest struct {
	ChunkServerID string            `json:"chunkserver_id"`
	Chunks        []gfs.ChunkHandle `json:"chunks"`
}

type HeartbeatResponse struct {
	Envelope
}

type CreateFileRequest struct {
	Path string `json:"path"`
}

type CreateFileResponse struct {
	Envelope
}

type GetFileInfoRequest struct {
	Path string `json:"path"`
}

type ChunkInfo struct {
	Handle    gfs.ChunkHandle      `json:"handle"`
	Replicas  []gfs.ChunkLocation  `json:"replicas"`
	PrimaryID string               `json:"primary_id,omitempty"`
	Size      int64                `json:"size"`
}

type GetFileInfoResponse struct {
	Envelope
	Path         string            `json:"path,omitempty"`
	ChunkHandles []gfs.ChunkHandle `json:"chunk_handles,omitempty"`
	ChunksInfo   []ChunkInfo       `json:"chunks_info,omitempty"`
}

type AllocateChunkRequest struct {
	Path       string `json:"path"`
	ChunkIndex int    `json:"chunk_index"`
}

type AllocateChunkResponse struct {
	Envelope
	ChunkHandle gfs.ChunkHandle     `json:"chunk_handle,omitempty"`
	Replicas    []gfs.ChunkLocation `json:"replicas,omitempty"`
	PrimaryID   string              `json:"primary_id,omitempty"`
}

type GetChunkLocationsRequest struct {
	ChunkHandle gfs.ChunkHandle `json:"chunk_handle"`
}

type GetChunkLocationsResponse struct {
	Envelope
	ChunkHandle    gfs.ChunkHandle     `json:"chunk_handle,omitempty"`
	Replicas       []gfs.ChunkLocation `json:"replicas,omitempty"`
	PrimaryID      string              `json:"primary_id,omitempty"`
	Size           int64               `json:"size,omitempty"`
	ReferenceCount int                 `json:"reference_count,omitempty"`
}

type UpdateChunkSizeRequest struct {
	ChunkHandle gfs.ChunkHandle `json:"chunk_handle"`
	Size        int64           `json:"size"`
}

type UpdateChunkSizeResponse struct {
	Envelope
}

type CloneSharedChunkRequest struct {
	Path           string          `json:"path"`
	ChunkIndex     int             `json:"chunk_index"`
	OldChunkHandle gfs.ChunkHandle `json:"old_chunk_handle"`
}

type CloneSharedChunkResponse struct {
	Envelope
	ChunkHandle gfs.ChunkHandle `json:"chunk_handle,omitempty"`
}

type SnapshotFileRequest struct {
	SourcePath string `json:"source_path"`
	DestPath   string `json:"dest_path"`
}

type SnapshotFileResponse struct {
	Envelope
}

type RenameFileRequest struct {
	OldPath string `json:"old_path"`
	NewPath string `json:"new_path"`
}

type RenameFileResponse struct {
	Envelope
}

type DeleteFileRequest struct {
	Path string `json:"path"`
}

type DeleteFileResponse struct {
	Envelope
}

type ListDirectoryRequest struct {
	Pattern string `json:"pattern"`
}

type ListDirectoryResponse struct {
	Envelope
	Paths []string `json:"paths,omitempty"`
}

// RecordOperationRequest lets the Client (which has no chunkserver_id of
// its own) feed its observed read/write/append latency and outcome into
// the Master's operations tracker.
type RecordOperationRequest struct {
	OperationType    string    `json:"operation_type"`
	StartTime        time.Time `json:"start_time"`
	EndTime          time.Time `json:"end_time"`
	Success          bool      `json:"success"`
	BytesTransferred int64     `json:"bytes_transferred"`
	ChunkServerID    string    `json:"chunkserver_id,omitempty"`
}

type RecordOperationResponse struct {
	Envelope
}

// --- ChunkServer endpoints ---

type WriteChunkRequest struct {
	ChunkHandle gfs.ChunkHandle `json:"chunk_handle"`
	Offset      int64           `json:"offset"`
	Data        string          `json:"data"`
	SrcAddress  string          `json:"src_address,omitempty"`
}

type WriteChunkResponse struct {
	Envelope
	BytesWritten int   `json:"bytes_written,omitempty"`
	ChunkSize    int64 `json:"chunk_size,omitempty"`
}

type ReadChunkRequest struct {
	ChunkHandle gfs.ChunkHandle `json:"chunk_handle"`
	Offset      int64           `json:"offset"`
	Length      int64           `json:"length"`
}

type ReadChunkResponse struct {
	Envelope
	Data      string `json:"data,omitempty"`
	BytesRead int    `json:"bytes_read,omitempty"`
}

type AppendRecordRequest struct {
	ChunkHandle gfs.ChunkHandle `json:"chunk_handle"`
	Data        string          `json:"data"`
}

type AppendRecordResponse struct {
	Envelope
	Offset       int64 `json:"offset"`
	BytesWritten int   `json:"bytes_written,omitempty"`
}

type CloneChunkRequest struct {
	ChunkHandle    gfs.ChunkHandle `json:"chunk_handle"`
	SrcAddress     string          `json:"src_address"`
	SrcChunkHandle gfs.ChunkHandle `json:"src_chunk_handle,omitempty"`
}

type CloneChunkResponse struct {
	Envelope
}

type DeleteChunkRequest struct {
	ChunkHandle gfs.ChunkHandle `json:"chunk_handle"`
}

type DeleteChunkResponse struct {
	Envelope
}
