package tidekv

import (
	"bytes"

	"github.com/tidekv/tidekv/sstable"
)

// KV is a materialized key-value pair returned by a range/set query.
type KV struct {
	Key   []byte
	Value []byte
}

// mergeSource is one sorted input to a merged sweep: the memtable
// snapshot, or one SSTable's iterator. generation ranks recency — higher
// wins when multiple sources share a key, matching the engine's
// newest-wins read path (the memtable is always the most recent source;
// among SSTables, later-indexed ones are newer).
type mergeSource interface {
	valid() bool
	key() []byte
	value() []byte
	generation() int
	advance()
}

type sliceSource struct {
	entries [][2][]byte
	idx     int
	gen     int
}

func (s *sliceSource) valid() bool     { return s.idx < len(s.entries) }
func (s *sliceSource) key() []byte     { return s.entries[s.idx][0] }
func (s *sliceSource) value() []byte   { return s.entries[s.idx][1] }
func (s *sliceSource) generation() int { return s.gen }
func (s *sliceSource) advance()        { s.idx++ }

type iterSource struct {
	it  *sstable.Iterator
	ok  bool
	gen int
}

func newIterSource(it *sstable.Iterator, gen int) *iterSource {
	s := &iterSource{it: it, gen: gen}
	s.ok = it.Next()
	return s
}

func (s *iterSource) valid() bool     { return s.ok }
func (s *iterSource) key() []byte     { return s.it.Key() }
func (s *iterSource) value() []byte   { return s.it.Value() }
func (s *iterSource) generation() int { return s.gen }
func (s *iterSource) advance()        { s.ok = s.it.Next() }

// snapshot takes a consistent point-in-time view of the memtable plus
// every current SSTable and wraps each as a mergeSource, newest last.
func (e *Engine) snapshot() []mergeSource {
	e.memtableMu.RLock()
	var mem [][2][]byte
	e.memtable.Traverse(func(k, v []byte) {
		mem = append(mem, [2][]byte{append([]byte(nil), k...), append([]byte(nil), v...)})
	})
	e.memtableMu.RUnlock()

	e.sstablesMu.RLock()
	tables := append([]*sstable.SSTable(nil), e.sstables...)
	e.sstablesMu.RUnlock()

	sources := make([]mergeSource, 0, len(tables)+1)
	for i, t := range tables {
		sources = append(sources, newIterSource(t.NewIteratorFromStart(), i+1))
	}
	sources = append(sources, &sliceSource{entries: mem, gen: len(tables) + 1})
	return sources
}

// mergedScan performs an ascending merge sweep over the memtable and
// every SSTable, resolving newest-wins and dropping tombstones, keeping
// only keys for which keep returns true. A nil keep keeps every key.
func (e *Engine) mergedScan(keep func(key []byte) bool) []KV {
	sources := e.snapshot()

	var out []KV
	for {
		var minKey []byte
		found := false
		for _, s := range sources {
			if !s.valid() {
				continue
			}
			if !found || bytes.Compare(s.key(), minKey) < 0 {
				minKey = s.key()
				found = true
			}
		}
		if !found {
			break
		}

		var winner mergeSource
		for _, s := range sources {
			if s.valid() && bytes.Equal(s.key(), minKey) {
				if winner == nil || s.generation() > winner.generation() {
					winner = s
				}
			}
		}

		if !isTombstone(winner.value()) && (keep == nil || keep(minKey)) {
			out = append(out, KV{
				Key:   append([]byte(nil), minKey...),
				Value: append([]byte(nil), winner.value()...),
			})
		}

		for _, s := range sources {
			if s.valid() && bytes.Equal(s.key(), minKey) {
				s.advance()
			}
		}
	}
	return out
}

// LessThan returns every live (key, value) pair with key < bound.
func (e *Engine) LessThan(bound []byte) []KV {
	return e.mergedScan(func(k []byte) bool { return bytes.Compare(k, bound) < 0 })
}

// LessThanEq returns every live (key, value) pair with key <= bound.
func (e *Engine) LessThanEq(bound []byte) []KV {
	return e.mergedScan(func(k []byte) bool { return bytes.Compare(k, bound) <= 0 })
}

// GreaterThan returns every live (key, value) pair with key > bound.
func (e *Engine) GreaterThan(bound []byte) []KV {
	return e.mergedScan(func(k []byte) bool { return bytes.Compare(k, bound) > 0 })
}

// GreaterThanEq returns every live (key, value) pair with key >= bound.
func (e *Engine) GreaterThanEq(bound []byte) []KV {
	return e.mergedScan(func(k []byte) bool { return bytes.Compare(k, bound) >= 0 })
}

// Range returns every live (key, value) pair with start <= key <= end.
func (e *Engine) Range(start, end []byte) []KV {
	return e.mergedScan(func(k []byte) bool {
		return bytes.Compare(k, start) >= 0 && bytes.Compare(k, end) <= 0
	})
}

// NRange returns every live (key, value) pair NOT in [start, end] — the
// complement of Range.
func (e *Engine) NRange(start, end []byte) []KV {
	return e.mergedScan(func(k []byte) bool {
		return bytes.Compare(k, start) < 0 || bytes.Compare(k, end) > 0
	})
}

// NGet returns every live (key, value) pair whose key is NOT equal to key.
func (e *Engine) NGet(key []byte) []KV {
	return e.mergedScan(func(k []byte) bool { return !bytes.Equal(k, key) })
}
