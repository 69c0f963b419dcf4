package master

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"minigfs/internal/gfs"
)

// snapshotDoc is the full, JSON-serializable point-in-time copy of the
// Master's metadata. Leases are deliberately excluded: after a restart
// every lease is re-granted lazily on first access.
type snapshotDoc struct {
	Files        map[string]*gfs.FileMetadata           `json:"files"`
	Chunks       map[gfs.ChunkHandle]*gfs.ChunkMetadata `json:"chunks"`
	ChunkServers map[string]*gfs.ChunkServerInfo        `json:"chunkservers"`
	SnapshotTime time.Time                              `json:"snapshot_time"`
	LastSequence int64                                  `json:"last_sequence"`
}

func toSnapshotDoc(s *state, lastSequence int64, now time.Time) snapshotDoc {
	return snapshotDoc{
		Files:        s.files,
		Chunks:       s.chunks,
		ChunkServers: s.chunkservers,
		SnapshotTime: now,
		LastSequence: lastSequence,
	}
}

// encodeSnapshot serializes doc. The caller must hold the metadata lock
// while this runs: doc aliases the live metadata maps, and encoding them
// while a mutation is in flight would not be a point-in-time copy.
func encodeSnapshot(doc snapshotDoc) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: encode snapshot: %v", gfs.ErrFatal, err)
	}
	return data, nil
}

// saveSnapshot writes an already-encoded snapshot atomically (temp file +
// rename) to path, compressing with zstd first if compress is set.
// Snapshot durability must precede WAL truncation, so the caller does not
// call this and Truncate concurrently without first confirming this
// returns nil.
func saveSnapshot(path string, data []byte, compress bool) error {
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("%w: zstd encoder: %v", gfs.ErrFatal, err)
		}
		data = enc.EncodeAll(data, nil)
		_ = enc.Close()
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("%w: write snapshot: %v", gfs.ErrFatal, err)
	}
	f, err := os.OpenFile(filepath.Clean(tmp), os.O_WRONLY, 0o640)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename snapshot: %v", gfs.ErrFatal, err)
	}
	return nil
}

// loadSnapshot reads path back into a snapshotDoc. It transparently
// detects zstd-compressed content by magic number so a server can switch
// CompressSnapshot on or off across restarts without a migration step.
func loadSnapshot(path string) (*snapshotDoc, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	if isZstdMagic(data) {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: zstd decoder: %w", err)
		}
		defer dec.Close()
		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: decompress: %w", err)
		}
	}

	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("load snapshot: decode: %w", err)
	}
	return &doc, nil
}

func isZstdMagic(data []byte) bool {
	return len(data) >= 4 &&
		data[0] == 0x28 && data[1] == 0xB5 && data[2] == 0x2F && data[3] == 0xFD
}

// restoreInto repopulates s from doc and rebuilds the chunkserver_chunks
// inverse index by inverting each server's reported chunk list. Every
// chunkserver's liveness is reset to false: it must re-register before its
// chunks count as live again.
func restoreInto(s *state, doc *snapshotDoc) {
	if doc.Files != nil {
		s.files = doc.Files
	}
	if doc.Chunks != nil {
		s.chunks = doc.Chunks
	}
	if doc.ChunkServers != nil {
		s.chunkservers = doc.ChunkServers
	}
	for _, cs := range s.chunkservers {
		cs.IsAlive = false
	}

	s.chunkserverChunks = make(map[string]map[gfs.ChunkHandle]struct{})
	for id, cs := range s.chunkservers {
		set := make(map[gfs.ChunkHandle]struct{}, len(cs.Chunks))
		for _, h := range cs.Chunks {
			set[h] = struct{}{}
		}
		s.chunkserverChunks[id] = set
	}
}
