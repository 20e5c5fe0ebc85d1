package tidekv

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tidekv/tidekv/recordcodec"
	"github.com/tidekv/tidekv/wal"
)

// waitForSSTableCount polls until e reports at least want SSTables or a
// timeout elapses; flushes complete asynchronously on a background worker.
func waitForSSTableCount(t *testing.T, e *Engine, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if e.SSTableCount() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for sstable count >= %d, got %d", want, e.SSTableCount())
}

func openTestEngine(t *testing.T, flushThreshold int, opts ...Option) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(dir, flushThreshold, 0, opts...)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestBasicPutGet(t *testing.T) {
	e := openTestEngine(t, 1000)

	if err := e.Put([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := e.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("put b: %v", err)
	}

	v, ok, err := e.Get([]byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("get a: v=%q ok=%v err=%v", v, ok, err)
	}
	if _, ok, _ := e.Get([]byte("c")); ok {
		t.Fatal("expected miss for key c")
	}
}

func TestOverwriteReturnsLatestValue(t *testing.T) {
	e := openTestEngine(t, 1000)

	if err := e.Put([]byte("k"), []byte("v1")); err != nil {
		t.Fatalf("put v1: %v", err)
	}
	if err := e.Put([]byte("k"), []byte("v2")); err != nil {
		t.Fatalf("put v2: %v", err)
	}

	v, ok, err := e.Get([]byte("k"))
	if err != nil || !ok || string(v) != "v2" {
		t.Fatalf("get k: v=%q ok=%v err=%v", v, ok, err)
	}
}

// Enough writes to force at least one flush, then confirm every key
// survives a restart.
func TestFlushAndRestartPreservesValues(t *testing.T) {
	dir := t.TempDir()

	e, err := Open(dir, 64, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const n = 500
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		value := []byte(fmt.Sprintf("value-%05d", i))
		if err := e.Put(key, value); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if e.SSTableCount() == 0 {
		t.Fatal("expected at least one sstable after threshold-triggered flushes")
	}

	reopened, err := Open(dir, 64, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		want := fmt.Sprintf("value-%05d", i)
		v, ok, err := reopened.Get(key)
		if err != nil || !ok || string(v) != want {
			t.Fatalf("get %s after restart: v=%q ok=%v err=%v", key, v, ok, err)
		}
	}
}

// A value large enough to force an overflow chain.
func TestLargeValueForcesOverflowChain(t *testing.T) {
	e := openTestEngine(t, 1000)

	key := bytes.Repeat([]byte("k"), 512)
	value := bytes.Repeat([]byte("v"), 10*1024)

	if err := e.Put(key, value); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := e.Get(key)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("expected exact %d-byte value back, got %d bytes", len(value), len(got))
	}
}

// Tombstone dominance across flush + compact.
func TestTombstoneDominatesAcrossFlushAndCompact(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, 1, 0) // flush threshold of 1 forces a flush per write
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	if err := e.Put([]byte("x"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := e.Delete([]byte("x")); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Force both writes into separate SSTables before compacting.
	waitForSSTableCount(t, e, 2)

	if err := e.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}

	if _, ok, err := e.Get([]byte("x")); err != nil || ok {
		t.Fatalf("expected x to be absent after compaction, ok=%v err=%v", ok, err)
	}

	for _, kv := range e.Range([]byte("a"), []byte("z")) {
		if string(kv.Key) == "x" {
			t.Fatal("expected range scan to exclude tombstoned key x")
		}
	}
}

// Concurrent writers, no crashes, last write per key wins.
func TestConcurrentWritersNoCrashes(t *testing.T) {
	e := openTestEngine(t, 2000)

	const threads = 10
	const perThread = 100

	var wg sync.WaitGroup
	for tid := 0; tid < threads; tid++ {
		tid := tid
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := []byte(fmt.Sprintf("thread-%d", tid))
			for i := 0; i < perThread; i++ {
				value := []byte(fmt.Sprintf("value-%d", i))
				if err := e.Put(key, value); err != nil {
					t.Errorf("put: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	for tid := 0; tid < threads; tid++ {
		key := []byte(fmt.Sprintf("thread-%d", tid))
		want := fmt.Sprintf("value-%d", perThread-1)
		v, ok, err := e.Get(key)
		if err != nil || !ok || string(v) != want {
			t.Fatalf("thread %d: got %q ok=%v err=%v, want %q", tid, v, ok, err, want)
		}
	}
}

// WAL durability: operations that reached the log but never flushed to an
// SSTable (a crash before flush) are replayed when the directory is
// reopened. The un-flushed WAL is simulated by writing it directly.
func TestOpenReplaysWALLeftByCrash(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.Open(filepath.Join(dir, "wal.wal"))
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	w.Append(recordcodec.Operation{Kind: recordcodec.OpPut, Key: []byte("a"), Value: []byte("1")})
	w.Append(recordcodec.Operation{Kind: recordcodec.OpPut, Key: []byte("b"), Value: []byte("2")})
	w.Append(recordcodec.Operation{Kind: recordcodec.OpDelete, Key: []byte("a"), Value: recordcodec.Tombstone})
	if err := w.Close(); err != nil {
		t.Fatalf("close wal: %v", err)
	}

	e, err := Open(dir, 1000, 0)
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	defer e.Close()

	if _, ok, err := e.Get([]byte("a")); err != nil || ok {
		t.Fatalf("expected replayed delete of a to win, ok=%v err=%v", ok, err)
	}
	v, ok, err := e.Get([]byte("b"))
	if err != nil || !ok || string(v) != "2" {
		t.Fatalf("expected replayed b=2, got %q ok=%v err=%v", v, ok, err)
	}
}

func TestGetAfterCloseReturnsClosedError(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, 1000, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, _, err := e.Get([]byte("a")); err == nil {
		t.Fatal("expected error on get after close")
	}
	if err := e.Put([]byte("a"), []byte("1")); err == nil {
		t.Fatal("expected error on put after close")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, 1000, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestSSTableFilesLandInDirectory(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(dir, 8, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		if err := e.Put(key, []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*.sst"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) == 0 {
		t.Fatal("expected at least one .sst file on disk")
	}
}
