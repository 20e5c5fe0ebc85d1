package sstable

import (
	"log"

	"github.com/tidekv/tidekv/pager"
	"github.com/tidekv/tidekv/recordcodec"
)

// Iterator is a forward-only cursor over an SSTable's records, skipping the
// page-0 Bloom filter. Invalid or empty pages are logged and skipped —
// never fatal — so a truncated tail does not poison the whole table.
type Iterator struct {
	cursor   *pager.Cursor
	compress bool

	key, value []byte
}

func newIterator(pgr *pager.Pager, compress bool) *Iterator {
	cur := pager.NewCursor(pgr)
	// The table's first record is the Bloom filter, which can span more
	// than one page; skip its whole chain, not just page 0.
	cur.Skip()
	return &Iterator{cursor: cur, compress: compress}
}

// Next advances to the next valid record and reports whether one was
// found.
func (it *Iterator) Next() bool {
	for it.cursor.Next() {
		data, err := it.cursor.Read()
		if err != nil {
			log.Printf("sstable: skipping unreadable page: %v", err)
			continue
		}
		if len(data) == 0 {
			continue
		}

		key, value, err := recordcodec.DecodeRecord(data)
		if err != nil {
			log.Printf("sstable: skipping malformed record: %v", err)
			continue
		}

		it.key = key
		it.value = decodeValue(it.compress, value)
		return true
	}
	return false
}

// Key returns the current record's key.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current record's value.
func (it *Iterator) Value() []byte { return it.value }
