// Package compactor implements tidekv's background SSTable compaction:
// pairwise merges of the oldest tables into a single, smaller table set,
// resolving duplicate keys across each pair (newest table wins).
package compactor

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tidekv/tidekv/internal/kverrors"
	"github.com/tidekv/tidekv/recordcodec"
	"github.com/tidekv/tidekv/sstable"
)

// entry is one decoded record carried through a merge.
type entry struct {
	key, value []byte
}

// Merge merges two SSTables (older followed by newer) into a single new
// table at outPath. Where both tables hold the same key, newer's value
// wins — including a tombstone, which must shadow an older table's value
// for as long as any older table might still be read. dropTombstones is
// only safe when no table older than the pair exists (the merge output
// becomes the oldest table in the set, so its tombstones shadow nothing);
// Run establishes that for the first pair of a round. Compress controls
// whether the output table's values are snappy-compressed.
func Merge(outPath string, compress bool, older, newer *sstable.SSTable, dropTombstones bool) (*sstable.SSTable, error) {
	merged, err := mergeSorted(older, newer)
	if err != nil {
		return nil, err
	}

	return sstable.Build(outPath, compress, func(visit func(key, value []byte)) {
		for _, e := range merged {
			if dropTombstones && recordcodec.IsTombstone(e.value) {
				continue
			}
			visit(e.key, e.value)
		}
	})
}

// mergeSorted performs a sorted two-way merge of older and newer's
// iterators, in a single pass over each (older.NewIteratorFromStart and
// newer.NewIteratorFromStart are each consumed exactly once here), so it
// is safe to call from within sstable.Build's two-pass Traverse too.
func mergeSorted(older, newer *sstable.SSTable) ([]entry, error) {
	oldIt := older.NewIteratorFromStart()
	newIt := newer.NewIteratorFromStart()

	oldHas := oldIt.Next()
	newHas := newIt.Next()

	var merged []entry
	for oldHas || newHas {
		switch {
		case !oldHas:
			merged = append(merged, entry{key: cloneBytes(newIt.Key()), value: cloneBytes(newIt.Value())})
			newHas = newIt.Next()
		case !newHas:
			merged = append(merged, entry{key: cloneBytes(oldIt.Key()), value: cloneBytes(oldIt.Value())})
			oldHas = oldIt.Next()
		default:
			cmp := bytes.Compare(oldIt.Key(), newIt.Key())
			switch {
			case cmp < 0:
				merged = append(merged, entry{key: cloneBytes(oldIt.Key()), value: cloneBytes(oldIt.Value())})
				oldHas = oldIt.Next()
			case cmp > 0:
				merged = append(merged, entry{key: cloneBytes(newIt.Key()), value: cloneBytes(newIt.Value())})
				newHas = newIt.Next()
			default:
				// Same key in both tables: newer wins, older's record is dropped.
				merged = append(merged, entry{key: cloneBytes(newIt.Key()), value: cloneBytes(newIt.Value())})
				oldHas = oldIt.Next()
				newHas = newIt.Next()
			}
		}
	}
	return merged, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Plan pairs up a sorted-by-age slice of tables (oldest first) for one
// compaction round. A trailing unpaired table is left untouched until the
// next round.
func Plan(tables []*sstable.SSTable) [][2]*sstable.SSTable {
	pairs := len(tables) / 2
	plan := make([][2]*sstable.SSTable, 0, pairs)
	for i := 0; i < pairs; i++ {
		plan = append(plan, [2]*sstable.SSTable{tables[2*i], tables[2*i+1]})
	}
	return plan
}

// NameFunc produces the output path for the merge result of pair index i,
// rooted at dir. The engine supplies this so output naming stays its
// concern (table generation numbers, directory layout).
type NameFunc func(pairIndex int) string

// SequentialNames builds a NameFunc that names outputs
// "<dir>/compacted-<n>.sst" counting up from start.
func SequentialNames(dir string, start int) NameFunc {
	return func(pairIndex int) string {
		return filepath.Join(dir, fmt.Sprintf("compacted-%d.sst", start+pairIndex))
	}
}

// Run executes one compaction round: every pair produced by Plan is merged
// concurrently, bounded by maxWorkers (golang.org/x/sync/errgroup.SetLimit).
// The input tables of every successfully-merged pair are closed and
// removed from disk (sstable.SSTable.Remove). If fewer than two tables are
// given, Run is a no-op and returns an empty result.
//
// tables must be the caller's complete table set, oldest first. The first
// pair's merge output becomes the oldest table of the set, so that merge —
// and only that merge — discards tombstones: nothing older remains for
// them to shadow.
//
// Run does not mutate the engine's table set — the caller swaps it in
// under its own lock once Run returns, so compaction never holds that
// lock for the duration of the merge I/O.
func Run(ctx context.Context, tables []*sstable.SSTable, compress bool, maxWorkers int, names NameFunc) ([]*sstable.SSTable, error) {
	if len(tables) < 2 {
		return nil, nil
	}

	plan := Plan(tables)
	results := make([]*sstable.SSTable, len(plan))

	g, ctx := errgroup.WithContext(ctx)
	if maxWorkers > 0 {
		g.SetLimit(maxWorkers)
	}

	var mu sync.Mutex
	for i, pair := range plan {
		i, pair := i, pair
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			merged, err := Merge(names(i), compress, pair[0], pair[1], i == 0)
			if err != nil {
				return kverrors.Wrapf(kverrors.IoError, err, "compactor: merge pair %d", i)
			}

			mu.Lock()
			results[i] = merged
			mu.Unlock()

			if err := pair[0].Remove(); err != nil {
				return kverrors.Wrap(kverrors.IoError, err, "compactor: remove older input")
			}
			if err := pair[1].Remove(); err != nil {
				return kverrors.Wrap(kverrors.IoError, err, "compactor: remove newer input")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Any table left unpaired (odd count) carries over untouched.
	if len(tables)%2 == 1 {
		results = append(results, tables[len(tables)-1])
	}
	return results, nil
}
