// Package wal is tidekv's write-ahead log: a durable, ordered record of
// every accepted operation, replayed on restart before any new write is
// accepted. A single background goroutine drains an in-memory queue onto
// the underlying pager.Pager so callers issuing Append never block on disk
// I/O; Close blocks until that queue has fully drained, which is the WAL's
// whole durability contract.
package wal

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/tidekv/tidekv/internal/kverrors"
	"github.com/tidekv/tidekv/pager"
	"github.com/tidekv/tidekv/recordcodec"
)

// Replayer is the entry point WAL.Recover drives: the engine's Put/Delete
// paths, minus the WAL append (replaying an already-logged operation must
// not re-log it).
type Replayer interface {
	ApplyPut(key, value []byte) error
	ApplyDelete(key []byte) error
}

// WAL durably logs operations ahead of applying them to the memtable.
type WAL struct {
	pager *pager.Pager

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []recordcodec.Operation
	stop    bool
	drained bool

	wg sync.WaitGroup
}

// Open creates or reopens the WAL pager at path and starts the background
// appender goroutine.
func Open(path string) (*WAL, error) {
	pgr, err := pager.Open(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.IoError, err, "wal: open")
	}

	w := &WAL{pager: pgr}
	w.cond = sync.NewCond(&w.mu)

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// OpenForRecovery opens the WAL pager at path without starting the
// background appender, for replay-only use.
func OpenForRecovery(path string) (*WAL, error) {
	pgr, err := pager.Open(path, os.O_RDONLY, 0644)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.IoError, err, "wal: open for recovery")
	}
	return &WAL{pager: pgr}, nil
}

// Append enqueues op for the background goroutine to persist and returns
// immediately.
func (w *WAL) Append(op recordcodec.Operation) {
	w.mu.Lock()
	w.queue = append(w.queue, op)
	w.cond.Signal()
	w.mu.Unlock()
}

// run drains the queue in arrival order, one Pager record per operation,
// until Close has both set the stop flag and emptied the queue.
func (w *WAL) run() {
	defer w.wg.Done()

	w.mu.Lock()
	defer w.mu.Unlock()

	for {
		for len(w.queue) == 0 && !w.stop {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.stop {
			w.drained = true
			return
		}

		op := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		data := recordcodec.EncodeOp(op)
		_, _ = w.pager.Write(data)

		w.mu.Lock()
	}
}

// Recover scans the WAL from the first page and replays every operation,
// in order, against replayer. The memtable is empty when recovery starts,
// so replay is idempotent.
func (w *WAL) Recover(replayer Replayer) error {
	cur := pager.NewCursor(w.pager)
	for cur.Next() {
		data, err := cur.Read()
		if err != nil {
			// A truncated tail is tolerated: stop replay rather than
			// failing the whole recovery.
			break
		}
		if len(data) == 0 {
			continue
		}

		op, err := recordcodec.DecodeOp(data)
		if err != nil {
			continue
		}

		switch op.Kind {
		case recordcodec.OpPut:
			if err := replayer.ApplyPut(op.Key, op.Value); err != nil {
				return errors.Wrap(err, "wal: replay put")
			}
		case recordcodec.OpDelete:
			if err := replayer.ApplyDelete(op.Key); err != nil {
				return errors.Wrap(err, "wal: replay delete")
			}
		}
	}
	return nil
}

// Truncate drops the WAL's contents. Called after a flush whose SSTable
// now makes the WAL's entries redundant.
func (w *WAL) Truncate() error {
	return w.pager.Truncate(0)
}

// Close signals the background goroutine to stop after draining the
// queue, waits for it, and closes the underlying pager. After Close
// returns, every Append issued before the call has been flushed to disk.
func (w *WAL) Close() error {
	if w.cond != nil {
		w.mu.Lock()
		w.stop = true
		w.cond.Broadcast()
		w.mu.Unlock()
	}

	w.wg.Wait()

	if err := w.pager.Close(); err != nil {
		return kverrors.Wrap(kverrors.IoError, err, "wal: close")
	}
	return nil
}
