// Package sstable implements tidekv's immutable, sorted on-disk table: a
// pager.Pager whose records are written once in ascending key order and
// never rewritten. Every table also carries an in-memory (minKey, maxKey)
// summary and a page-0 Bloom filter so a point lookup against a table that
// cannot hold the key never pays for a scan.
package sstable

import (
	"bytes"
	"os"

	"github.com/golang/snappy"

	"github.com/tidekv/tidekv/bloomfilter"
	"github.com/tidekv/tidekv/internal/kverrors"
	"github.com/tidekv/tidekv/pager"
	"github.com/tidekv/tidekv/recordcodec"
)

// bloomFilterSlots is sized for a single memtable flush worth of keys; the
// filter grows automatically (see bloomfilter.BloomFilter) past this if a
// table ends up larger, such as a compaction output.
const bloomFilterSlots = 1 << 16
const bloomFilterHashes = 7

// SSTable is a Pager-backed, immutable sorted table.
type SSTable struct {
	Path   string
	MinKey []byte
	MaxKey []byte

	pgr      *pager.Pager
	bloom    *bloomfilter.BloomFilter
	compress bool
}

// Open reopens an existing SSTable file, scanning it once to recompute
// minKey/maxKey (the summary is never persisted) and to load its Bloom
// filter.
func Open(path string, compress bool) (*SSTable, error) {
	pgr, err := pager.Open(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.IoError, err, "sstable: open")
	}

	s := &SSTable{Path: path, pgr: pgr, compress: compress}
	if err := s.loadBloomFilter(); err != nil {
		return nil, err
	}
	s.scanSummary()
	return s, nil
}

func (s *SSTable) loadBloomFilter() error {
	data, err := s.pgr.Read(0)
	if err != nil {
		return kverrors.Wrap(kverrors.CorruptData, err, "sstable: read bloom filter page")
	}
	bf, err := bloomfilter.Deserialize(data)
	if err != nil {
		return kverrors.Wrap(kverrors.CorruptData, err, "sstable: decode bloom filter")
	}
	s.bloom = bf
	return nil
}

func (s *SSTable) scanSummary() {
	it := s.NewIteratorFromStart()
	first := true
	for it.Next() {
		if first {
			s.MinKey = append([]byte(nil), it.Key()...)
			first = false
		}
		s.MaxKey = append([]byte(nil), it.Key()...)
	}
}

// MayContain reports whether key could be present, using the Bloom filter.
// A false result is authoritative.
func (s *SSTable) MayContain(key []byte) bool {
	if s.bloom == nil {
		return true
	}
	return s.bloom.Check(key)
}

// InRange reports whether key falls within [MinKey, MaxKey].
func (s *SSTable) InRange(key []byte) bool {
	if s.MinKey == nil {
		return false
	}
	return bytes.Compare(key, s.MinKey) >= 0 && bytes.Compare(key, s.MaxKey) <= 0
}

// Get scans the table for key, returning (value, true) or (nil, false).
// A tombstone value is returned as-is; the caller (the engine) decides
// what a tombstone hit means.
func (s *SSTable) Get(key []byte) ([]byte, bool, error) {
	if !s.MayContain(key) || !s.InRange(key) {
		return nil, false, nil
	}

	it := s.NewIteratorFromStart()
	for it.Next() {
		cmp := bytes.Compare(it.Key(), key)
		if cmp == 0 {
			return it.Value(), true, nil
		}
		if cmp > 0 {
			// Keys are sorted within a table; no later page can match.
			break
		}
	}
	return nil, false, nil
}

// NewIteratorFromStart returns a fresh forward iterator over the table's
// records, skipping the page-0 Bloom filter.
func (s *SSTable) NewIteratorFromStart() *Iterator {
	return newIterator(s.pgr, s.compress)
}

// Close closes the underlying pager.
func (s *SSTable) Close() error {
	if err := s.pgr.Close(); err != nil {
		return kverrors.Wrap(kverrors.IoError, err, "sstable: close")
	}
	return nil
}

// Remove closes the table and deletes its backing file. Used by the
// compactor once a merge output has absorbed it.
func (s *SSTable) Remove() error {
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.Path); err != nil {
		return kverrors.Wrap(kverrors.IoError, err, "sstable: remove")
	}
	return nil
}

// Traverse is a two-pass source of sorted (key, value) pairs: Build calls
// it once to accumulate the Bloom filter and once more to write records,
// so it must be deterministic and side-effect free across calls (a
// memtable traversal or a fresh merge of SSTable iterators both qualify).
type Traverse func(visit func(key, value []byte))

// Build creates a brand-new SSTable at path from source, writing the Bloom
// filter as page 0 (computed from a first pass over source) followed by
// every record in the order source yields them (a second pass). Matches
// the flush/compaction pipeline's "bloom filter first, then the sorted
// records" on-disk layout.
func Build(path string, compress bool, source Traverse) (*SSTable, error) {
	bloom := bloomfilter.New(bloomFilterSlots, bloomFilterHashes)
	source(func(key, _ []byte) { bloom.Add(key) })

	pgr, err := pager.Open(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.IoError, err, "sstable: create")
	}

	bfData, err := bloom.Serialize()
	if err != nil {
		_ = pgr.Close()
		return nil, kverrors.Wrap(kverrors.IoError, err, "sstable: serialize bloom filter")
	}
	if _, err := pgr.Write(bfData); err != nil {
		_ = pgr.Close()
		return nil, kverrors.Wrap(kverrors.IoError, err, "sstable: write bloom filter page")
	}

	s := &SSTable{Path: path, pgr: pgr, bloom: bloom, compress: compress}

	var writeErr error
	first := true
	source(func(key, value []byte) {
		if writeErr != nil {
			return
		}
		if first {
			s.MinKey = append([]byte(nil), key...)
			first = false
		}
		s.MaxKey = append([]byte(nil), key...)

		stored := value
		if compress {
			stored = snappy.Encode(nil, value)
		}
		if _, err := pgr.Write(recordcodec.EncodeRecord(key, stored)); err != nil {
			writeErr = kverrors.Wrap(kverrors.IoError, err, "sstable: write record")
		}
	})
	if writeErr != nil {
		_ = pgr.Close()
		return nil, writeErr
	}

	return s, nil
}

func decodeValue(compress bool, stored []byte) []byte {
	if !compress {
		return stored
	}
	decoded, err := snappy.Decode(nil, stored)
	if err != nil {
		// Not every build was necessarily written with compression on
		// (the option can change across restarts); fall back to the raw
		// bytes rather than failing the read.
		return stored
	}
	return decoded
}
