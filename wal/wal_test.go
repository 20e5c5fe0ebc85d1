package wal

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/tidekv/tidekv/recordcodec"
)

type fakeReplayer struct {
	puts    map[string]string
	deletes []string
}

func newFakeReplayer() *fakeReplayer {
	return &fakeReplayer{puts: make(map[string]string)}
}

func (f *fakeReplayer) ApplyPut(key, value []byte) error {
	f.puts[string(key)] = string(value)
	return nil
}

func (f *fakeReplayer) ApplyDelete(key []byte) error {
	f.deletes = append(f.deletes, string(key))
	delete(f.puts, string(key))
	return nil
}

func TestAppendAndRecoverReplaysInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.wal")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	ops := []recordcodec.Operation{
		{Kind: recordcodec.OpPut, Key: []byte("a"), Value: []byte("1")},
		{Kind: recordcodec.OpPut, Key: []byte("b"), Value: []byte("2")},
		{Kind: recordcodec.OpDelete, Key: []byte("a"), Value: []byte("$tombstone")},
	}
	for _, op := range ops {
		w.Append(op)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen for recovery, matching a restart in the same directory.
	recoverWAL, err := OpenForRecovery(path)
	if err != nil {
		t.Fatalf("open for recovery: %v", err)
	}
	defer recoverWAL.Close()

	replayer := newFakeReplayer()
	if err := recoverWAL.Recover(replayer); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if _, ok := replayer.puts["a"]; ok {
		t.Fatal("expected a to have been deleted by replay")
	}
	if got := replayer.puts["b"]; got != "2" {
		t.Fatalf("expected b=2, got %q", got)
	}
	if len(replayer.deletes) != 1 || replayer.deletes[0] != "a" {
		t.Fatalf("expected exactly one delete of a, got %v", replayer.deletes)
	}
}

func TestTruncateEmptiesWAL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.wal")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer w.Close()

	w.Append(recordcodec.Operation{Kind: recordcodec.OpPut, Key: []byte("a"), Value: []byte("1")})
	// Force the append to land on disk before truncating.
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := w2.Truncate(); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("close after truncate: %v", err)
	}

	w3, err := OpenForRecovery(path)
	if err != nil {
		t.Fatalf("reopen after truncate: %v", err)
	}
	defer w3.Close()

	replayer := newFakeReplayer()
	if err := w3.Recover(replayer); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(replayer.puts) != 0 {
		t.Fatalf("expected no entries after truncate, got %v", replayer.puts)
	}
}

func TestCloseFlushesPendingAppends(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "wal.wal")

	w, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const n = 500
	for i := 0; i < n; i++ {
		w.Append(recordcodec.Operation{
			Kind:  recordcodec.OpPut,
			Key:   []byte{byte(i % 256), byte(i / 256)},
			Value: bytes.Repeat([]byte{1}, 10),
		})
	}

	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	recoverWAL, err := OpenForRecovery(path)
	if err != nil {
		t.Fatalf("open for recovery: %v", err)
	}
	defer recoverWAL.Close()

	replayer := newFakeReplayer()
	if err := recoverWAL.Recover(replayer); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(replayer.puts) != n {
		t.Fatalf("expected %d replayed puts, got %d", n, len(replayer.puts))
	}
}
