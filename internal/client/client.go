// Package client implements the coordination library an application links
// against to talk to a minigfs cluster: it finds or allocates the right
// chunk for an offset, handles copy-on-write before mutating a shared
// chunk, and pushes bytes through the replica set. It holds no state of
// its own beyond a Master address: every call re-derives placement from
// the Master, so there is no client-side cache to go stale.
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"minigfs/internal/config"
	"minigfs/internal/gfs"
	"minigfs/internal/logging"
	"minigfs/internal/rpc"
	"minigfs/internal/wire"
)

// Operation timestamps are captured once as Unix nanoseconds at the call
// boundary and converted back to time.Time only when handed to the
// tracker RPC, so the hot path never carries a time.Time through it.
func nowUnix() int64 { return time.Now().UnixNano() }

func unixToTime(ns int64) time.Time { return time.Unix(0, ns) }

// Client coordinates reads, writes, and namespace operations across a
// Master and its ChunkServers.
type Client struct {
	cfg    config.ClientConfig
	rpc    *rpc.Client
	logger *slog.Logger
}

// New returns a Client bound to cfg.MasterAddress.
func New(cfg config.ClientConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		rpc:    rpc.NewClient(&http.Client{}, cfg.RPCTimeout),
		logger: logging.Default(logger).With("component", "client"),
	}
}

func (c *Client) master() string { return c.cfg.MasterAddress }

// CreateFile creates an empty file at path.
func (c *Client) CreateFile(ctx context.Context, path string) error {
	var resp wire.CreateFileResponse
	if err := c.rpc.PostJSON(ctx, c.master(), "/create_file", wire.CreateFileRequest{Path: path}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("create_file %s: %s", path, resp.Message)
	}
	return nil
}

// FileInfo is the client-facing view of a file's chunk sequence.
type FileInfo struct {
	Path         string
	ChunkHandles []gfs.ChunkHandle
}

func (c *Client) GetFileInfo(ctx context.Context, path string) (FileInfo, error) {
	var resp wire.GetFileInfoResponse
	if err := c.rpc.PostJSON(ctx, c.master(), "/get_file_info", wire.GetFileInfoRequest{Path: path}, &resp); err != nil {
		return FileInfo{}, err
	}
	if !resp.Success {
		return FileInfo{}, fmt.Errorf("get_file_info %s: %s", path, resp.Message)
	}
	return FileInfo{Path: resp.Path, ChunkHandles: resp.ChunkHandles}, nil
}

// chunkForOffset returns the chunk handle covering offset in path, the
// offset within that chunk, the chunk index, and ok=true. If no chunk is
// allocated there yet the handle is "" and ok is false; the in-chunk
// offset and chunk index are still filled in.
func (c *Client) chunkForOffset(ctx context.Context, path string, offset int64) (gfs.ChunkHandle, int64, int, bool, error) {
	info, err := c.GetFileInfo(ctx, path)
	if err != nil {
		return "", 0, 0, false, err
	}
	chunkSize := c.cfg.ChunkSize
	chunkIndex := int(offset / chunkSize)
	offsetInChunk := offset % chunkSize
	if chunkIndex >= len(info.ChunkHandles) || info.ChunkHandles[chunkIndex] == "" {
		return "", offsetInChunk, chunkIndex, false, nil
	}
	return info.ChunkHandles[chunkIndex], offsetInChunk, chunkIndex, true, nil
}

func (c *Client) allocateChunk(ctx context.Context, path string, chunkIndex int) (wire.AllocateChunkResponse, error) {
	var resp wire.AllocateChunkResponse
	req := wire.AllocateChunkRequest{Path: path, ChunkIndex: chunkIndex}
	if err := c.rpc.PostJSON(ctx, c.master(), "/allocate_chunk", req, &resp); err != nil {
		return wire.AllocateChunkResponse{}, err
	}
	if !resp.Success {
		return wire.AllocateChunkResponse{}, fmt.Errorf("allocate_chunk %s[%d]: %s", path, chunkIndex, resp.Message)
	}
	return resp, nil
}

func (c *Client) chunkLocations(ctx context.Context, handle gfs.ChunkHandle) (wire.GetChunkLocationsResponse, error) {
	var resp wire.GetChunkLocationsResponse
	req := wire.GetChunkLocationsRequest{ChunkHandle: handle}
	if err := c.rpc.PostJSON(ctx, c.master(), "/get_chunk_locations", req, &resp); err != nil {
		return wire.GetChunkLocationsResponse{}, err
	}
	if !resp.Success {
		return wire.GetChunkLocationsResponse{}, fmt.Errorf("get_chunk_locations %s: %s", handle, resp.Message)
	}
	return resp, nil
}

// recordOperation is best-effort: a tracker write is never allowed to
// block or fail the caller's operation, so it runs with its own short
// timeout and swallows any error.
func (c *Client) recordOperation(opType string, start, end int64, success bool, bytes int64) {
	req := wire.RecordOperationRequest{
		OperationType:    opType,
		StartTime:        unixToTime(start),
		EndTime:          unixToTime(end),
		Success:          success,
		BytesTransferred: bytes,
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RPCTimeout)
	defer cancel()
	var resp wire.RecordOperationResponse
	if err := c.rpc.PostJSON(ctx, c.master(), "/record_operation", req, &resp); err != nil {
		c.logger.Debug("record_operation failed", "op", opType, "error", err)
	}
}

func addressOf(replicas []gfs.ChunkLocation, id string) string {
	for _, r := range replicas {
		if r.ChunkServerID == id {
			return r.Address
		}
	}
	return ""
}

// Write writes data at offset in path, splitting across chunk boundaries
// and cloning shared chunks (copy-on-write) before mutating them.
func (c *Client) Write(ctx context.Context, path string, offset int64, data []byte) (int, error) {
	start := nowUnix()
	written := 0
	success := true

	for len(data) > 0 {
		chunkIndex := int(offset / c.cfg.ChunkSize)
		offsetInChunk := offset % c.cfg.ChunkSize
		n := len(data)
		if max := c.cfg.ChunkSize - offsetInChunk; int64(n) > max {
			n = int(max)
		}
		chunkData := data[:n]

		handle, _, _, ok, err := c.chunkForOffset(ctx, path, offset)
		if err != nil {
			success = false
			break
		}

		var replicas []gfs.ChunkLocation
		var primaryID string
		var currentSize int64

		if !ok {
			alloc, err := c.allocateChunk(ctx, path, chunkIndex)
			if err != nil {
				success = false
				break
			}
			handle, replicas, primaryID = alloc.ChunkHandle, alloc.Replicas, alloc.PrimaryID
		} else {
			locs, err := c.chunkLocations(ctx, handle)
			if err != nil {
				success = false
				break
			}
			if locs.ReferenceCount > 1 {
				handle, replicas, primaryID, currentSize, err = c.cloneSharedChunk(ctx, path, chunkIndex, handle)
				if err != nil {
					success = false
					break
				}
			} else {
				replicas, primaryID, currentSize = locs.Replicas, locs.PrimaryID, locs.Size
			}
		}

		if len(replicas) == 0 || primaryID == "" {
			success = false
			break
		}

		maxSize, err := c.pushToReplicas(ctx, handle, offsetInChunk, chunkData, replicas, primaryID)
		if err != nil {
			success = false
			break
		}
		if maxSize == 0 {
			maxSize = currentSize
		}
		if want := offsetInChunk + int64(len(chunkData)); want > maxSize {
			maxSize = want
		}

		var szResp wire.UpdateChunkSizeResponse
		szReq := wire.UpdateChunkSizeRequest{ChunkHandle: handle, Size: maxSize}
		if err := c.rpc.PostJSON(ctx, c.master(), "/update_chunk_size", szReq, &szResp); err != nil || !szResp.Success {
			c.logger.Warn("update_chunk_size failed", "chunk", handle, "error", err)
		}

		data = data[n:]
		offset += int64(n)
		written += n
	}

	c.recordOperation("write", start, nowUnix(), success, int64(written))
	if !success {
		return written, fmt.Errorf("write %s: partial write of %d bytes", path, written)
	}
	return written, nil
}

// cloneSharedChunk clones a shared chunk and returns the new handle's
// current placement.
func (c *Client) cloneSharedChunk(ctx context.Context, path string, chunkIndex int, oldHandle gfs.ChunkHandle) (gfs.ChunkHandle, []gfs.ChunkLocation, string, int64, error) {
	var resp wire.CloneSharedChunkResponse
	req := wire.CloneSharedChunkRequest{Path: path, ChunkIndex: chunkIndex, OldChunkHandle: oldHandle}
	if err := c.rpc.PostJSON(ctx, c.master(), "/clone_shared_chunk", req, &resp); err != nil {
		return "", nil, "", 0, err
	}
	if !resp.Success {
		return "", nil, "", 0, fmt.Errorf("clone_shared_chunk %s: %s", oldHandle, resp.Message)
	}
	locs, err := c.chunkLocations(ctx, resp.ChunkHandle)
	if err != nil {
		return "", nil, "", 0, err
	}
	return resp.ChunkHandle, locs.Replicas, locs.PrimaryID, locs.Size, nil
}

// pushToReplicas writes chunkData to the primary first, then fans the
// same bytes out to the remaining replicas concurrently (bounded by
// cfg.PipelineConcurrency). Every replica ends up with identical bytes at
// the same offset, which is all replica-to-replica forwarding would have
// bought. It returns the largest chunk_size any replica reported.
func (c *Client) pushToReplicas(ctx context.Context, handle gfs.ChunkHandle, offset int64, chunkData []byte, replicas []gfs.ChunkLocation, primaryID string) (int64, error) {
	primaryAddr := addressOf(replicas, primaryID)
	if primaryAddr == "" {
		return 0, fmt.Errorf("no primary address for chunk %s", handle)
	}

	encoded := base64.StdEncoding.EncodeToString(chunkData)

	var primaryResp wire.WriteChunkResponse
	primaryReq := wire.WriteChunkRequest{ChunkHandle: handle, Offset: offset, Data: encoded}
	if err := c.rpc.PostJSON(ctx, primaryAddr, "/write_chunk", primaryReq, &primaryResp); err != nil {
		return 0, err
	}
	if !primaryResp.Success {
		return 0, fmt.Errorf("write_chunk %s: %s", handle, primaryResp.Message)
	}
	maxSize := primaryResp.ChunkSize

	var secondaries []gfs.ChunkLocation
	for _, r := range replicas {
		if r.ChunkServerID != primaryID {
			secondaries = append(secondaries, r)
		}
	}
	if len(secondaries) == 0 {
		return maxSize, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.PipelineConcurrency)
	for _, r := range secondaries {
		r := r
		g.Go(func() error {
			req := wire.WriteChunkRequest{ChunkHandle: handle, Offset: offset, Data: encoded, SrcAddress: primaryAddr}
			var resp wire.WriteChunkResponse
			if err := c.rpc.PostJSON(gctx, r.Address, "/write_chunk_pipeline", req, &resp); err != nil || !resp.Success {
				c.logger.Warn("pipeline write to replica failed", "chunk", handle, "chunkserver_id", r.ChunkServerID, "error", err)
				return fmt.Errorf("replica %s: %w", r.ChunkServerID, err)
			}
			mu.Lock()
			if resp.ChunkSize > maxSize {
				maxSize = resp.ChunkSize
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return maxSize, err
	}
	return maxSize, nil
}

// Read reads up to length bytes from path starting at offset, trying each
// replica of the covering chunk in turn.
func (c *Client) Read(ctx context.Context, path string, offset, length int64) ([]byte, error) {
	start := nowUnix()

	handle, offsetInChunk, _, ok, err := c.chunkForOffset(ctx, path, offset)
	if !ok || err != nil {
		c.recordOperation("read", start, nowUnix(), false, 0)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("read %s: no chunk at offset %d", path, offset)
	}

	locs, err := c.chunkLocations(ctx, handle)
	if err != nil {
		c.recordOperation("read", start, nowUnix(), false, 0)
		return nil, err
	}
	if len(locs.Replicas) == 0 {
		c.recordOperation("read", start, nowUnix(), false, 0)
		return nil, fmt.Errorf("read %s: no replicas for chunk %s", path, handle)
	}

	var lastErr error
	for _, r := range locs.Replicas {
		var resp wire.ReadChunkResponse
		req := wire.ReadChunkRequest{ChunkHandle: handle, Offset: offsetInChunk, Length: length}
		if err := c.rpc.PostJSON(ctx, r.Address, "/read_chunk", req, &resp); err != nil {
			lastErr = err
			continue
		}
		if !resp.Success {
			lastErr = fmt.Errorf("read_chunk %s from %s: %s", handle, r.ChunkServerID, resp.Message)
			continue
		}
		data, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			lastErr = err
			continue
		}
		c.recordOperation("read", start, nowUnix(), true, int64(len(data)))
		return data, nil
	}

	c.recordOperation("read", start, nowUnix(), false, 0)
	if lastErr == nil {
		lastErr = fmt.Errorf("read %s: no replica available for chunk %s", path, handle)
	}
	return nil, lastErr
}

// Append appends data as a single atomic record to path, returning the
// offset it landed at. If the last chunk cannot hold the whole record —
// either rejected outright with ChunkFull, or accepted but short-written
// because the chunkserver truncates a record to the remaining space — a
// new chunk is allocated and the full record is re-appended there. The
// short write already landed in the old chunk is left in place rather
// than rolled back; at-least-once record-append semantics make this the
// caller's problem to de-duplicate, same as any other retry.
func (c *Client) Append(ctx context.Context, path string, data []byte) (int64, error) {
	start := nowUnix()

	info, err := c.GetFileInfo(ctx, path)
	if err != nil {
		c.recordOperation("append", start, nowUnix(), false, 0)
		return 0, err
	}

	chunkIndex := len(info.ChunkHandles)

	if chunkIndex > 0 && info.ChunkHandles[chunkIndex-1] != "" {
		last := info.ChunkHandles[chunkIndex-1]
		locs, err := c.chunkLocations(ctx, last)
		if err != nil {
			c.recordOperation("append", start, nowUnix(), false, 0)
			return 0, err
		}
		if len(locs.Replicas) > 0 && locs.PrimaryID != "" {
			if addr := addressOf(locs.Replicas, locs.PrimaryID); addr != "" {
				offset, n, err := c.appendAt(ctx, addr, last, data)
				switch {
				case err == nil && n == len(data):
					c.recordOperation("append", start, nowUnix(), true, int64(n))
					return offset, nil
				case err == nil || errors.Is(err, gfs.ErrChunkFull):
					// falls through to allocate a fresh chunk and re-append the full record there.
				default:
					c.recordOperation("append", start, nowUnix(), false, 0)
					return 0, err
				}
			}
		}
	}

	alloc, err := c.allocateChunk(ctx, path, chunkIndex)
	if err != nil {
		c.recordOperation("append", start, nowUnix(), false, 0)
		return 0, err
	}
	addr := addressOf(alloc.Replicas, alloc.PrimaryID)
	if addr == "" {
		c.recordOperation("append", start, nowUnix(), false, 0)
		return 0, fmt.Errorf("append %s: no primary address for new chunk", path)
	}
	offset, n, err := c.appendAt(ctx, addr, alloc.ChunkHandle, data)
	if err != nil {
		c.recordOperation("append", start, nowUnix(), false, 0)
		return 0, err
	}
	c.recordOperation("append", start, nowUnix(), true, int64(n))
	return offset, nil
}

func (c *Client) appendAt(ctx context.Context, primaryAddr string, handle gfs.ChunkHandle, data []byte) (int64, int, error) {
	var resp wire.AppendRecordResponse
	req := wire.AppendRecordRequest{ChunkHandle: handle, Data: base64.StdEncoding.EncodeToString(data)}
	if err := c.rpc.PostJSON(ctx, primaryAddr, "/append_record", req, &resp); err != nil {
		return 0, 0, err
	}
	if !resp.Success {
		if resp.Offset == -1 {
			return -1, 0, fmt.Errorf("append_record %s: %w", handle, gfs.ErrChunkFull)
		}
		return 0, 0, fmt.Errorf("append_record %s: %s", handle, resp.Message)
	}
	return resp.Offset, resp.BytesWritten, nil
}

func (c *Client) SnapshotFile(ctx context.Context, src, dst string) error {
	var resp wire.SnapshotFileResponse
	req := wire.SnapshotFileRequest{SourcePath: src, DestPath: dst}
	if err := c.rpc.PostJSON(ctx, c.master(), "/snapshot_file", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("snapshot_file %s -> %s: %s", src, dst, resp.Message)
	}
	return nil
}

func (c *Client) RenameFile(ctx context.Context, oldPath, newPath string) error {
	var resp wire.RenameFileResponse
	req := wire.RenameFileRequest{OldPath: oldPath, NewPath: newPath}
	if err := c.rpc.PostJSON(ctx, c.master(), "/rename_file", req, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("rename_file %s -> %s: %s", oldPath, newPath, resp.Message)
	}
	return nil
}

func (c *Client) DeleteFile(ctx context.Context, path string) error {
	var resp wire.DeleteFileResponse
	if err := c.rpc.PostJSON(ctx, c.master(), "/delete_file", wire.DeleteFileRequest{Path: path}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("delete_file %s: %s", path, resp.Message)
	}
	return nil
}

func (c *Client) ListDirectory(ctx context.Context, pattern string) ([]string, error) {
	var resp wire.ListDirectoryResponse
	req := wire.ListDirectoryRequest{Pattern: pattern}
	if err := c.rpc.PostJSON(ctx, c.master(), "/list_directory", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("list_directory %s: %s", pattern, resp.Message)
	}
	return resp.Paths, nil
}
