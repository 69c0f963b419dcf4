package master

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"minigfs/internal/chunkserver"
	"minigfs/internal/config"
	"minigfs/internal/gfs"
	"minigfs/internal/logging"
	"minigfs/internal/rpc"
)

// repairFixture is one httptest-backed chunkserver the repair loop can
// clone from and to.
type repairFixture struct {
	id      string
	storage *chunkserver.Storage
	ts      *httptest.Server
}

func newRepairFixture(t *testing.T, m *Master, id, rack string) *repairFixture {
	t.Helper()

	storage, err := chunkserver.NewStorage(chunkserver.StorageConfig{
		DataDir: t.TempDir(),
		RPC:     rpc.NewClient(&http.Client{}, 10*time.Second),
	})
	if err != nil {
		t.Fatalf("chunkserver.NewStorage: %v", err)
	}
	srv := chunkserver.NewServer(storage, chunkserver.ServerConfig{ChunkSize: 1024, Logger: logging.Discard()})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	if err := m.RegisterChunkServer(id, ts.URL, rack, nil); err != nil {
		t.Fatalf("RegisterChunkServer %s: %v", id, err)
	}
	return &repairFixture{id: id, storage: storage, ts: ts}
}

// TestTickRepairsUnderReplicatedChunk exercises the replica-loss scenario:
// a chunk placed on three servers loses one, a fourth server is available,
// and one failure-detection tick must both mark the lost server dead and
// clone the chunk onto the spare.
func TestTickRepairsUnderReplicatedChunk(t *testing.T) {
	cfg := config.NewMasterConfig(
		config.WithMasterMetadataDir(t.TempDir()),
		config.WithReplicationFactor(3),
	)
	m, err := New(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	replicas := []*repairFixture{
		newRepairFixture(t, m, "cs0", "rack-a"),
		newRepairFixture(t, m, "cs1", "rack-b"),
		newRepairFixture(t, m, "cs2", "rack-c"),
	}

	if err := m.CreateFile("/r.bin"); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	alloc, err := m.AllocateChunk("/r.bin", 0)
	if err != nil {
		t.Fatalf("AllocateChunk: %v", err)
	}
	if len(alloc.Replicas) != 3 {
		t.Fatalf("expected 3 replicas, got %d", len(alloc.Replicas))
	}

	payload := []byte("replicate me")
	for _, f := range replicas {
		if _, err := f.storage.WriteChunk(alloc.Handle, 0, payload); err != nil {
			t.Fatalf("seed replica %s: %v", f.id, err)
		}
	}

	// The spare joins after placement so it holds nothing yet.
	spare := newRepairFixture(t, m, "cs3", "rack-d")

	// One replica goes silent: backdate its heartbeat past the timeout so
	// the next tick's failure detector flips it dead.
	lost := alloc.Replicas[0].ChunkServerID
	m.mu.Lock()
	m.st.chunkservers[lost].LastHeartbeat = time.Now().Add(-2 * cfg.HeartbeatTimeout)
	m.mu.Unlock()

	m.tick(context.Background())

	m.mu.Lock()
	alive := m.st.chunkservers[lost].IsAlive
	m.mu.Unlock()
	if alive {
		t.Fatalf("expected %s to be marked dead by the tick", lost)
	}

	if got := spare.storage.ChunkSize(alloc.Handle); got != int64(len(payload)) {
		t.Fatalf("expected spare to hold %d cloned bytes, got %d", len(payload), got)
	}
	data, err := spare.storage.ReadChunk(alloc.Handle, 0, int64(len(payload)), true)
	if err != nil {
		t.Fatalf("read cloned chunk from spare: %v", err)
	}
	if string(data) != string(payload) {
		t.Fatalf("cloned chunk mismatch: expected %q, got %q", payload, data)
	}

	// The Master only counts the new replica once the spare's next
	// heartbeat reports it; simulate that and check it goes live.
	if err := m.Heartbeat(spare.id, []gfs.ChunkHandle{alloc.Handle}); err != nil {
		t.Fatalf("spare heartbeat: %v", err)
	}
	m.mu.Lock()
	live := m.st.liveReplicas(m.st.chunks[alloc.Handle])
	m.mu.Unlock()
	if len(live) != 3 {
		t.Fatalf("expected 3 live replicas after spare heartbeat, got %d", len(live))
	}
}
