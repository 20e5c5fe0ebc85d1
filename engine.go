// Package tidekv implements an embedded, log-structured-merge-tree
// key-value storage engine: a memtable buffers writes, a write-ahead log
// makes them durable, and a background flush/compaction pipeline turns
// frozen memtables into an on-disk set of sorted, immutable SSTables.
//
// Engine is the orchestration layer: it owns the memtable, the SSTable
// set, the WAL, and the background flush and compaction workers, and is
// the entry point for every read, write, and transaction.
package tidekv

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidekv/tidekv/compactor"
	"github.com/tidekv/tidekv/internal/kverrors"
	"github.com/tidekv/tidekv/internal/metrics"
	"github.com/tidekv/tidekv/memtable"
	"github.com/tidekv/tidekv/recordcodec"
	"github.com/tidekv/tidekv/sstable"
	"github.com/tidekv/tidekv/wal"
)

const (
	sstableExtension = ".sst"
	walFilename      = "wal.wal"

	// TombstoneValue is the reserved value denoting a deletion. Callers
	// must never use it as a legitimate value for Put.
	TombstoneValue = "$tombstone"

	defaultCompactionThreshold = 4
)

// Engine is a single tidekv database rooted at one directory. It is safe
// for concurrent use; the zero value is not usable, construct with Open.
type Engine struct {
	dir string

	memtable   *memtable.MemTable
	memtableMu sync.RWMutex

	sstables   []*sstable.SSTable // oldest first (mtime ascending)
	sstablesMu sync.RWMutex

	wal *wal.WAL

	flushThreshold int
	flushQueue     []*memtable.MemTable
	flushQueueMu   sync.Mutex
	flushCond      *sync.Cond
	flushStop      bool

	compactionInterval   time.Duration
	compactionThreshold  int
	maxCompactionThreads int
	compactionMu         sync.Mutex
	compactDone          chan struct{}

	compress bool

	sstableSeq   int64
	sstableSeqMu sync.Mutex

	isFlushing   atomic.Bool
	isCompacting atomic.Bool
	closed       atomic.Bool
	closeOnce    sync.Once

	wg sync.WaitGroup

	logger  *log.Logger
	logFile *os.File

	metrics *metrics.Metrics

	transactionsMu sync.Mutex
	transactions   map[string]*Transaction
	commitMu       sync.Mutex // serializes transaction commits
}

// Open opens (creating if necessary) a tidekv database at directory.
// memtableFlushThreshold is the live-entry count that triggers a memtable
// flush; compactionIntervalSecs is how often the background compactor
// runs (0 disables the periodic scheduler; Compact can still be called
// directly). Options configure everything beyond those required
// parameters.
func Open(directory string, memtableFlushThreshold int, compactionIntervalSecs int, opts ...Option) (*Engine, error) {
	if directory == "" {
		return nil, kverrors.New(kverrors.InvalidArgument, "tidekv: directory must not be empty")
	}
	if memtableFlushThreshold <= 0 {
		return nil, kverrors.New(kverrors.InvalidArgument, "tidekv: memtableFlushThreshold must be positive")
	}

	cfg := &Config{
		Directory:              directory,
		DirPerm:                0755,
		MemtableFlushThreshold: memtableFlushThreshold,
		CompactionIntervalSecs: compactionIntervalSecs,
		CompactionThreshold:    defaultCompactionThreshold,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if err := os.MkdirAll(directory, os.FileMode(cfg.DirPerm)); err != nil {
		return nil, kverrors.Wrap(kverrors.IoError, err, "tidekv: create directory")
	}

	e := &Engine{
		dir:                  directory,
		memtable:             memtable.New(),
		flushThreshold:       memtableFlushThreshold,
		compactionInterval:   time.Duration(compactionIntervalSecs) * time.Second,
		compactionThreshold:  cfg.CompactionThreshold,
		maxCompactionThreads: cfg.MaxCompactionThreads,
		compress:             cfg.compress,
		compactDone:          make(chan struct{}),
		logger:               log.Default(),
		transactions:         make(map[string]*Transaction),
	}
	e.flushCond = sync.NewCond(&e.flushQueueMu)

	if cfg.logger != nil {
		e.logger = cfg.logger
	}
	if cfg.logFile != "" {
		f, err := os.OpenFile(filepath.Join(directory, cfg.logFile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, kverrors.Wrap(kverrors.IoError, err, "tidekv: open log file")
		}
		e.logFile = f
		e.logger = log.New(f, "", log.LstdFlags)
	}
	if cfg.metrics != nil {
		e.metrics = metrics.New(cfg.metrics, filepath.Base(directory))
	}

	if err := e.loadSSTables(); err != nil {
		return nil, err
	}

	w, err := wal.Open(filepath.Join(directory, walFilename))
	if err != nil {
		return nil, err
	}
	e.wal = w

	if err := e.wal.Recover(e); err != nil {
		return nil, kverrors.Wrap(kverrors.CorruptData, err, "tidekv: recover wal")
	}

	e.wg.Add(1)
	go e.flushWorker()

	if e.compactionInterval > 0 {
		e.wg.Add(1)
		go e.compactionScheduler()
	}

	return e, nil
}

// loadSSTables opens every *.sst file in the directory, oldest first.
// Filenames are opaque; creation order is carried by file mtime.
func (e *Engine) loadSSTables() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return kverrors.Wrap(kverrors.IoError, err, "tidekv: read directory")
	}

	type candidate struct {
		name    string
		modTime time.Time
	}
	var files []candidate
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != sstableExtension {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{name: entry.Name(), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })

	for _, f := range files {
		table, err := sstable.Open(filepath.Join(e.dir, f.name), e.compress)
		if err != nil {
			e.logger.Printf("tidekv: skipping unreadable sstable %s: %v", f.name, err)
			continue
		}
		e.sstables = append(e.sstables, table)

		// Resume numbering past the highest surviving file so a new table
		// never truncates a live one.
		var seq int64
		if _, err := fmt.Sscanf(f.name, "sstable-%d.sst", &seq); err == nil && seq >= e.sstableSeq {
			e.sstableSeq = seq + 1
		}
	}
	return nil
}

// ApplyPut and ApplyDelete implement wal.Replayer: they apply an already
// WAL-logged operation to the memtable directly, without re-appending it.
func (e *Engine) ApplyPut(key, value []byte) error {
	e.memtableMu.Lock()
	e.memtable.Insert(key, value)
	e.memtableMu.Unlock()
	return nil
}

func (e *Engine) ApplyDelete(key []byte) error {
	e.memtableMu.Lock()
	e.memtable.Insert(key, []byte(TombstoneValue))
	e.memtableMu.Unlock()
	return nil
}

// Put upserts key to value.
func (e *Engine) Put(key, value []byte) error {
	return e.apply(recordcodec.OpPut, key, value)
}

// Delete marks key as deleted. Implemented as a Put of the tombstone
// marker so later merges can see the deletion rather than simply
// forgetting the key.
func (e *Engine) Delete(key []byte) error {
	return e.apply(recordcodec.OpDelete, key, []byte(TombstoneValue))
}

func (e *Engine) apply(kind recordcodec.OpKind, key, value []byte) error {
	if e.closed.Load() {
		return kverrors.New(kverrors.Closed, "tidekv: operation after close")
	}

	e.wal.Append(recordcodec.Operation{Kind: kind, Key: key, Value: value})

	e.memtableMu.Lock()
	e.memtable.Insert(key, value)
	var frozen *memtable.MemTable
	if e.memtable.Size() >= e.flushThreshold {
		frozen = e.memtable
		e.memtable = memtable.New()
	}
	size := e.memtable.Size()
	e.memtableMu.Unlock()

	if e.metrics != nil {
		if kind == recordcodec.OpPut {
			e.metrics.Puts.Inc()
		} else {
			e.metrics.Deletes.Inc()
		}
		e.metrics.MemtableSize.Set(float64(size))
	}

	if frozen != nil {
		e.enqueueFlush(frozen)
	}
	return nil
}

// hardDelete removes key from the active memtable outright, without a
// tombstone or a WAL entry. Reserved for transaction rollback of a key
// that had no prior value; a user-initiated delete goes through Delete
// as a tombstone Put instead.
func (e *Engine) hardDelete(key []byte) {
	e.memtableMu.Lock()
	e.memtable.Delete(key)
	e.memtableMu.Unlock()
}

// Get returns the value for key, or (nil, false) if absent or tombstoned.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, kverrors.New(kverrors.Closed, "tidekv: get after close")
	}
	if e.metrics != nil {
		e.metrics.Gets.Inc()
	}

	e.memtableMu.RLock()
	value, found := e.memtable.Get(key)
	e.memtableMu.RUnlock()
	if found {
		return e.resolveHit(value)
	}

	e.sstablesMu.RLock()
	defer e.sstablesMu.RUnlock()
	for i := len(e.sstables) - 1; i >= 0; i-- {
		value, ok, err := e.sstables[i].Get(key)
		if err != nil {
			return nil, false, kverrors.Wrap(kverrors.IoError, err, "tidekv: get")
		}
		if ok {
			return e.resolveHit(value)
		}
	}

	if e.metrics != nil {
		e.metrics.GetMisses.Inc()
	}
	return nil, false, nil
}

func (e *Engine) resolveHit(value []byte) ([]byte, bool, error) {
	if isTombstone(value) {
		if e.metrics != nil {
			e.metrics.GetMisses.Inc()
		}
		return nil, false, nil
	}
	if e.metrics != nil {
		e.metrics.GetHits.Inc()
	}
	return value, true, nil
}

func isTombstone(value []byte) bool { return recordcodec.IsTombstone(value) }

func (e *Engine) enqueueFlush(frozen *memtable.MemTable) {
	e.flushQueueMu.Lock()
	e.flushQueue = append(e.flushQueue, frozen)
	e.flushCond.Signal()
	e.flushQueueMu.Unlock()
}

// flushWorker drains the flush queue one frozen memtable at a time,
// mirroring wal.WAL's own background-drain-via-cond pattern.
func (e *Engine) flushWorker() {
	defer e.wg.Done()

	e.flushQueueMu.Lock()
	defer e.flushQueueMu.Unlock()

	for {
		for len(e.flushQueue) == 0 && !e.flushStop {
			e.flushCond.Wait()
		}
		if len(e.flushQueue) == 0 && e.flushStop {
			return
		}

		frozen := e.flushQueue[0]
		e.flushQueue = e.flushQueue[1:]
		e.flushQueueMu.Unlock()

		if err := e.flush(frozen); err != nil {
			e.logger.Printf("tidekv: flush failed: %v", err)
		}

		e.flushQueueMu.Lock()
	}
}

func (e *Engine) flush(frozen *memtable.MemTable) error {
	e.isFlushing.Store(true)
	defer e.isFlushing.Store(false)

	e.logger.Println("tidekv: flushing memtable")

	path := e.nextSSTablePath()
	table, err := sstable.Build(path, e.compress, func(visit func(key, value []byte)) {
		frozen.Traverse(visit)
	})
	if err != nil {
		return kverrors.Wrap(kverrors.IoError, err, "tidekv: build sstable")
	}

	e.sstablesMu.Lock()
	e.sstables = append(e.sstables, table)
	count := len(e.sstables)
	e.sstablesMu.Unlock()

	// The WAL's contents are now redundant; a flush failure above returns
	// before this point so replay can still recover the frozen memtable.
	if err := e.wal.Truncate(); err != nil {
		return kverrors.Wrap(kverrors.IoError, err, "tidekv: truncate wal after flush")
	}

	if e.metrics != nil {
		e.metrics.Flushes.Inc()
		e.metrics.SSTableCount.Set(float64(count))
	}

	e.logger.Println("tidekv: flushed memtable")

	if count >= e.compactionThreshold {
		// Tracked in wg so Close joins this round before tearing down the
		// tables it reads.
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.Compact(); err != nil {
				e.logger.Printf("tidekv: threshold-triggered compaction failed: %v", err)
			}
		}()
	}

	return nil
}

func (e *Engine) nextSSTablePath() string {
	e.sstableSeqMu.Lock()
	seq := e.sstableSeq
	e.sstableSeq++
	e.sstableSeqMu.Unlock()
	return filepath.Join(e.dir, sstableFilename(seq))
}

func sstableFilename(seq int64) string {
	return fmt.Sprintf("sstable-%d%s", seq, sstableExtension)
}

func (e *Engine) compactionScheduler() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.compactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.compactDone:
			return
		case <-ticker.C:
			if err := e.Compact(); err != nil {
				e.logger.Printf("tidekv: scheduled compaction failed: %v", err)
			}
		}
	}
}

// Compact runs one pairwise compaction round over the current SSTable
// set. A no-op if fewer than two tables exist. Safe to call directly
// (e.g. from a CLI "compact" command) even with the periodic scheduler
// running; compactionMu keeps rounds from overlapping.
func (e *Engine) Compact() error {
	if e.closed.Load() {
		return kverrors.New(kverrors.Closed, "tidekv: compact after close")
	}

	e.compactionMu.Lock()
	defer e.compactionMu.Unlock()

	e.isCompacting.Store(true)
	defer e.isCompacting.Store(false)

	e.sstablesMu.RLock()
	tables := append([]*sstable.SSTable(nil), e.sstables...)
	e.sstablesMu.RUnlock()

	if len(tables) < 2 {
		return nil
	}

	e.logger.Printf("tidekv: starting compaction over %d sstables", len(tables))

	merged, err := compactor.Run(context.Background(), tables, e.compress, e.maxCompactionThreads, func(int) string {
		return e.nextSSTablePath()
	})
	if err != nil {
		return kverrors.Wrap(kverrors.IoError, err, "tidekv: compaction")
	}

	e.sstablesMu.Lock()
	// Tables appended by a concurrent flush while this round ran sort
	// after the inputs just merged, since flushes only ever append.
	tail := append([]*sstable.SSTable(nil), e.sstables[len(tables):]...)
	e.sstables = append(merged, tail...)
	count := len(e.sstables)
	e.sstablesMu.Unlock()

	if e.metrics != nil {
		e.metrics.Compactions.Inc()
		e.metrics.SSTableCount.Set(float64(count))
	}

	e.logger.Printf("tidekv: compaction completed, %d sstables remain", count)
	return nil
}

// IsFlushing reports whether a flush is currently in progress.
func (e *Engine) IsFlushing() bool { return e.isFlushing.Load() }

// IsCompacting reports whether a compaction round is currently in progress.
func (e *Engine) IsCompacting() bool { return e.isCompacting.Load() }

// SSTableCount returns the number of live SSTables.
func (e *Engine) SSTableCount() int {
	e.sstablesMu.RLock()
	defer e.sstablesMu.RUnlock()
	return len(e.sstables)
}

// MemtableSize returns the live-entry count of the active memtable.
func (e *Engine) MemtableSize() int {
	e.memtableMu.RLock()
	defer e.memtableMu.RUnlock()
	return e.memtable.Size()
}

// Close flushes any remaining in-memory writes, stops background workers,
// and closes every underlying file. Safe to call more than once; only the
// first call does any work and returns its error (if any), later calls
// return nil.
func (e *Engine) Close() error {
	var firstErr error
	e.closeOnce.Do(func() {
		e.closed.Store(true)

		e.memtableMu.Lock()
		var frozen *memtable.MemTable
		if e.memtable.Size() > 0 {
			e.logger.Printf("tidekv: memtable has %d entries, flushing before close", e.memtable.Size())
			frozen = e.memtable
			e.memtable = memtable.New()
		}
		e.memtableMu.Unlock()
		if frozen != nil {
			e.enqueueFlush(frozen)
		}

		e.flushQueueMu.Lock()
		e.flushStop = true
		e.flushCond.Broadcast()
		e.flushQueueMu.Unlock()

		close(e.compactDone)

		e.wg.Wait()

		e.sstablesMu.Lock()
		for _, table := range e.sstables {
			if err := table.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		e.sstablesMu.Unlock()

		if err := e.wal.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		if e.logFile != nil {
			if err := e.logFile.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
