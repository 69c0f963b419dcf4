package master

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

type walTestRecord struct {
	Path string `json:"path"`
}

func TestWALAppendAssignsIncreasingSequence(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, "wal.log")
	if err != nil {
		t.Fatalf("open_wal: %v", err)
	}
	defer func() { _ = w.Close() }()

	seq1, err := w.Append(OpCreateFile, walTestRecord{Path: "/a"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	seq2, err := w.Append(OpCreateFile, walTestRecord{Path: "/b"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if seq1 != 1 || seq2 != 2 {
		t.Fatalf("expected sequence 1 then 2, got %d then %d", seq1, seq2)
	}
	if w.LastSequence() != 2 {
		t.Fatalf("expected last_sequence 2, got %d", w.LastSequence())
	}
}

func TestWALReplayAppliesEntriesInOrder(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, "wal.log")
	if err != nil {
		t.Fatalf("open_wal: %v", err)
	}
	if _, err := w.Append(OpCreateFile, walTestRecord{Path: "/a"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w.Append(OpCreateFile, walTestRecord{Path: "/b"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var replayed []string
	count, err := Replay(dir, "wal.log", func(op OperationType, data json.RawMessage, sequence int64) error {
		var rec walTestRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		replayed = append(replayed, rec.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 entries replayed, got %d", count)
	}
	if replayed[0] != "/a" || replayed[1] != "/b" {
		t.Fatalf("expected replay order [/a /b], got %v", replayed)
	}
}

func TestWALReplayOnMissingFileReturnsZero(t *testing.T) {
	dir := t.TempDir()
	count, err := Replay(dir, "absent.log", func(OperationType, json.RawMessage, int64) error {
		t.Fatalf("replay callback should not be called")
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 entries, got %d", count)
	}
}

func TestWALReopenRecoversLastSequence(t *testing.T) {
	dir := t.TempDir()
	w1, err := OpenWAL(dir, "wal.log")
	if err != nil {
		t.Fatalf("open_wal: %v", err)
	}
	if _, err := w1.Append(OpCreateFile, walTestRecord{Path: "/a"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := w1.Append(OpCreateFile, walTestRecord{Path: "/b"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := OpenWAL(dir, "wal.log")
	if err != nil {
		t.Fatalf("reopen wal: %v", err)
	}
	defer func() { _ = w2.Close() }()
	if w2.LastSequence() != 2 {
		t.Fatalf("expected recovered sequence 2, got %d", w2.LastSequence())
	}

	seq3, err := w2.Append(OpCreateFile, walTestRecord{Path: "/c"})
	if err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
	if seq3 != 3 {
		t.Fatalf("expected sequence to continue at 3, got %d", seq3)
	}
}

func TestWALTruncateDropsCheckpointedEntriesAndKeepsRest(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, "wal.log")
	if err != nil {
		t.Fatalf("open_wal: %v", err)
	}

	for _, p := range []string{"/a", "/b", "/c"} {
		if _, err := w.Append(OpCreateFile, walTestRecord{Path: p}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := w.Truncate(2); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	var replayed []string
	_, err = Replay(dir, "wal.log", func(op OperationType, data json.RawMessage, sequence int64) error {
		var rec walTestRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		replayed = append(replayed, rec.Path)
		return nil
	})
	if err != nil {
		t.Fatalf("replay after truncate: %v", err)
	}
	if len(replayed) != 1 || replayed[0] != "/c" {
		t.Fatalf("expected only /c to remain, got %v", replayed)
	}

	// The WAL handle must still accept appends after truncation reopened
	// the underlying file.
	if _, err := w.Append(OpCreateFile, walTestRecord{Path: "/d"}); err != nil {
		t.Fatalf("append after truncate: %v", err)
	}
	_ = w.Close()
}

func TestWALTruncateToLatestSequenceLeavesEmptyLog(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, "wal.log")
	if err != nil {
		t.Fatalf("open_wal: %v", err)
	}
	if _, err := w.Append(OpCreateFile, walTestRecord{Path: "/a"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := w.Truncate(1); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	_ = w.Close()

	// Truncate reopens the log in append mode so later Appends keep
	// working, so the file exists but must hold no entries.
	info, err := os.Stat(filepath.Join(dir, "wal.log"))
	if err != nil {
		t.Fatalf("stat wal.log: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected empty wal.log after full truncation, size = %d", info.Size())
	}

	count, err := Replay(dir, "wal.log", func(OperationType, json.RawMessage, int64) error { return nil })
	if err != nil {
		t.Fatalf("replay after full truncation: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 entries after full truncation, got %d", count)
	}
}

func TestWALCheckpointWritesMarkerFile(t *testing.T) {
	dir := t.TempDir()
	w, err := OpenWAL(dir, "wal.log")
	if err != nil {
		t.Fatalf("open_wal: %v", err)
	}
	if _, err := w.Append(OpCreateFile, walTestRecord{Path: "/a"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	defer func() { _ = w.Close() }()

	checkpointPath := filepath.Join(dir, "checkpoint.json")
	if err := w.Checkpoint(checkpointPath); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	data, err := os.ReadFile(checkpointPath)
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	var rec checkpointRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("unmarshal checkpoint: %v", err)
	}
	if rec.LastSequence != 1 {
		t.Fatalf("expected last_sequence 1, got %d", rec.LastSequence)
	}
}
