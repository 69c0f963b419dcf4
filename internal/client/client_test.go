package client_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"minigfs/internal/chunkserver"
	"minigfs/internal/client"
	"minigfs/internal/config"
	"minigfs/internal/logging"
	"minigfs/internal/master"
	"minigfs/internal/rpc"
)

// testCluster wires a real Master and a handful of real ChunkServer Storage
// instances behind httptest servers, registers the ChunkServers directly
// (bypassing the heartbeat loop's own network round-trip, since the test
// only needs the registration side effect), and returns a Client pointed at
// the Master.
type testCluster struct {
	t         *testing.T
	master    *master.Master
	masterTS  *httptest.Server
	chunkSize int64
}

func newTestCluster(t *testing.T, numChunkservers int, chunkSize int64) (*testCluster, *client.Client) {
	t.Helper()

	mcfg := config.NewMasterConfig(
		config.WithMasterMetadataDir(t.TempDir()),
		config.WithChunkSize(chunkSize),
		config.WithReplicationFactor(2),
	)
	m, err := master.New(mcfg, logging.Discard())
	if err != nil {
		t.Fatalf("master.New: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })

	masterSrv := master.NewServer(m, master.ServerConfig{Logger: logging.Discard()})
	masterTS := httptest.NewServer(masterSrv.Handler())
	t.Cleanup(masterTS.Close)

	cluster := &testCluster{t: t, master: m, masterTS: masterTS, chunkSize: chunkSize}

	for i := 0; i < numChunkservers; i++ {
		cluster.addChunkServer(fmt.Sprintf("cs%d", i), fmt.Sprintf("rack-%d", i%2))
	}

	cl := client.New(config.NewClientConfig(
		config.WithClientMasterAddress(masterTS.URL),
		config.WithClientChunkSize(chunkSize),
	), logging.Discard())

	return cluster, cl
}

func (tc *testCluster) addChunkServer(id, rackID string) {
	tc.t.Helper()

	storage, err := chunkserver.NewStorage(chunkserver.StorageConfig{
		DataDir: tc.t.TempDir(),
		RPC:     rpc.NewClient(&http.Client{}, 10*time.Second),
	})
	if err != nil {
		tc.t.Fatalf("chunkserver.NewStorage: %v", err)
	}
	srv := chunkserver.NewServer(storage, chunkserver.ServerConfig{ChunkSize: tc.chunkSize, Logger: logging.Discard()})
	ts := httptest.NewServer(srv.Handler())
	tc.t.Cleanup(ts.Close)

	if err := tc.master.RegisterChunkServer(id, ts.URL, rackID, nil); err != nil {
		tc.t.Fatalf("register chunkserver %s: %v", id, err)
	}
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	_, cl := newTestCluster(t, 2, 64*1024*1024)
	ctx := context.Background()

	if err := cl.CreateFile(ctx, "/greeting.txt"); err != nil {
		t.Fatalf("create_file: %v", err)
	}

	payload := []byte("hello, minigfs")
	n, err := cl.Write(ctx, "/greeting.txt", 0, payload)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), n)
	}

	got, err := cl.Read(ctx, "/greeting.txt", 0, int64(len(payload)))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("expected %q, got %q", payload, got)
	}
}

func TestWriteAcrossChunkBoundary(t *testing.T) {
	const chunkSize = int64(16)
	_, cl := newTestCluster(t, 2, chunkSize)
	ctx := context.Background()

	if err := cl.CreateFile(ctx, "/big.bin"); err != nil {
		t.Fatalf("create_file: %v", err)
	}

	// 40 bytes across a 16-byte chunk size spans three chunks (0-15, 16-31,
	// 32-39), exercising the client's chunk-boundary splitting logic.
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1)
	payload = append(payload, bytes.Repeat([]byte("ABCDEFGHIJKLMNOP"), 1)...)
	payload = append(payload, []byte("crossing")...)

	n, err := cl.Write(ctx, "/big.bin", 0, payload)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), n)
	}

	info, err := cl.GetFileInfo(ctx, "/big.bin")
	if err != nil {
		t.Fatalf("get_file_info: %v", err)
	}
	if len(info.ChunkHandles) != 3 {
		t.Fatalf("expected 3 chunks allocated, got %d", len(info.ChunkHandles))
	}

	got, err := cl.Read(ctx, "/big.bin", 0, int64(len(payload)))
	if err != nil {
		t.Fatalf("read at chunk 0: %v", err)
	}
	// Read only covers a single chunk at a time in this system, so validate
	// chunk-by-chunk instead of across the whole span.
	if !bytes.Equal(got, payload[:chunkSize]) {
		t.Fatalf("chunk 0 mismatch: expected %q, got %q", payload[:chunkSize], got)
	}

	got, err = cl.Read(ctx, "/big.bin", chunkSize, chunkSize)
	if err != nil {
		t.Fatalf("read at chunk 1: %v", err)
	}
	if !bytes.Equal(got, payload[chunkSize:2*chunkSize]) {
		t.Fatalf("chunk 1 mismatch: expected %q, got %q", payload[chunkSize:2*chunkSize], got)
	}

	got, err = cl.Read(ctx, "/big.bin", 2*chunkSize, int64(len(payload))-2*chunkSize)
	if err != nil {
		t.Fatalf("read at chunk 2: %v", err)
	}
	if !bytes.Equal(got, payload[2*chunkSize:]) {
		t.Fatalf("chunk 2 mismatch: expected %q, got %q", payload[2*chunkSize:], got)
	}
}

func TestAppendOverflowsIntoNewChunk(t *testing.T) {
	const chunkSize = int64(10)
	_, cl := newTestCluster(t, 2, chunkSize)
	ctx := context.Background()

	if err := cl.CreateFile(ctx, "/log.txt"); err != nil {
		t.Fatalf("create_file: %v", err)
	}

	off1, err := cl.Append(ctx, "/log.txt", []byte("12345"))
	if err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if off1 != 0 {
		t.Fatalf("expected first append at offset 0, got %d", off1)
	}

	// Only 5 bytes remain in chunk 0; an 8-byte record cannot fit whole. The
	// chunkserver writes its 5-byte prefix into chunk 0 (left in place), and
	// the client then allocates a new chunk and lands the full record there
	// at offset 0.
	off2, err := cl.Append(ctx, "/log.txt", []byte("abcdefgh"))
	if err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if off2 != 0 {
		t.Fatalf("expected overflow append to land at offset 0 of the new chunk, got %d", off2)
	}

	info, err := cl.GetFileInfo(ctx, "/log.txt")
	if err != nil {
		t.Fatalf("get_file_info: %v", err)
	}
	if len(info.ChunkHandles) != 2 {
		t.Fatalf("expected 2 chunks after overflow, got %d", len(info.ChunkHandles))
	}

	got, err := cl.Read(ctx, "/log.txt", 0, 5)
	if err != nil {
		t.Fatalf("read chunk 0: %v", err)
	}
	if string(got) != "12345" {
		t.Fatalf("expected chunk 0 to contain %q, got %q", "12345", got)
	}

	got, err = cl.Read(ctx, "/log.txt", chunkSize, 8)
	if err != nil {
		t.Fatalf("read chunk 1: %v", err)
	}
	if string(got) != "abcdefgh" {
		t.Fatalf("expected chunk 1 to contain %q, got %q", "abcdefgh", got)
	}
}

func TestSnapshotThenWriteTriggersCopyOnWrite(t *testing.T) {
	_, cl := newTestCluster(t, 2, 64*1024*1024)
	ctx := context.Background()

	if err := cl.CreateFile(ctx, "/orig.txt"); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	if _, err := cl.Write(ctx, "/orig.txt", 0, []byte("original data")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if err := cl.SnapshotFile(ctx, "/orig.txt", "/copy.txt"); err != nil {
		t.Fatalf("snapshot_file: %v", err)
	}

	origInfo, err := cl.GetFileInfo(ctx, "/orig.txt")
	if err != nil {
		t.Fatalf("get_file_info orig: %v", err)
	}
	copyInfo, err := cl.GetFileInfo(ctx, "/copy.txt")
	if err != nil {
		t.Fatalf("get_file_info copy: %v", err)
	}
	if origInfo.ChunkHandles[0] != copyInfo.ChunkHandles[0] {
		t.Fatalf("expected snapshot to initially share the same chunk handle")
	}
	sharedHandle := origInfo.ChunkHandles[0]

	// Mutating the copy must clone onto a fresh handle rather than mutating
	// the shared chunk in place.
	if _, err := cl.Write(ctx, "/copy.txt", 0, []byte("mutated-data!")); err != nil {
		t.Fatalf("write to copy: %v", err)
	}

	copyInfo, err = cl.GetFileInfo(ctx, "/copy.txt")
	if err != nil {
		t.Fatalf("get_file_info copy after write: %v", err)
	}
	if copyInfo.ChunkHandles[0] == sharedHandle {
		t.Fatalf("expected copy-on-write to allocate a new chunk handle")
	}

	origData, err := cl.Read(ctx, "/orig.txt", 0, 13)
	if err != nil {
		t.Fatalf("read orig after mutating copy: %v", err)
	}
	if string(origData) != "original data" {
		t.Fatalf("expected original file to be untouched by the copy's mutation, got %q", origData)
	}

	copyData, err := cl.Read(ctx, "/copy.txt", 0, 13)
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if string(copyData) != "mutated-data!" {
		t.Fatalf("expected copy to reflect its own mutation, got %q", copyData)
	}
}

func TestListDirectoryMatchesGlobPattern(t *testing.T) {
	_, cl := newTestCluster(t, 1, 64*1024*1024)
	ctx := context.Background()

	for _, p := range []string{"/logs/a.log", "/logs/b.log", "/data/a.txt"} {
		if err := cl.CreateFile(ctx, p); err != nil {
			t.Fatalf("create_file %s: %v", p, err)
		}
	}

	paths, err := cl.ListDirectory(ctx, "logs/*.log")
	if err != nil {
		t.Fatalf("list_directory: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 matching paths, got %v", paths)
	}
}

func TestDeleteFileThenReadFails(t *testing.T) {
	_, cl := newTestCluster(t, 1, 64*1024*1024)
	ctx := context.Background()

	if err := cl.CreateFile(ctx, "/temp.txt"); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	if _, err := cl.Write(ctx, "/temp.txt", 0, []byte("data")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cl.DeleteFile(ctx, "/temp.txt"); err != nil {
		t.Fatalf("delete_file: %v", err)
	}

	if _, err := cl.GetFileInfo(ctx, "/temp.txt"); err == nil {
		t.Fatalf("expected get_file_info to fail after delete")
	}
}

func TestRenameFileThenReadSucceeds(t *testing.T) {
	_, cl := newTestCluster(t, 1, 64*1024*1024)
	ctx := context.Background()

	if err := cl.CreateFile(ctx, "/old.txt"); err != nil {
		t.Fatalf("create_file: %v", err)
	}
	if _, err := cl.Write(ctx, "/old.txt", 0, []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := cl.RenameFile(ctx, "/old.txt", "/new.txt"); err != nil {
		t.Fatalf("rename_file: %v", err)
	}

	got, err := cl.Read(ctx, "/new.txt", 0, 7)
	if err != nil {
		t.Fatalf("read renamed file: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", got)
	}
}

// A call made with a caller context whose deadline has already passed
// must fail rather than ignore the context.
func TestClientRespectsCallerContextCancellation(t *testing.T) {
	_, cl := newTestCluster(t, 1, 64*1024*1024)
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	if err := cl.CreateFile(ctx, "/x.txt"); err == nil {
		t.Fatalf("expected create_file to fail against an already-expired context")
	}
}
