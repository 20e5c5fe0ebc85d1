// Package pager
// BSD 3-Clause License
//
// Copyright (c) 2024, Alex Gaetano Padula
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
//  1. Redistributions of source code must retain the above copyright notice, this
//     list of conditions and the following disclaimer.
//
//  2. Redistributions in binary form must reproduce the above copyright notice,
//     this list of conditions and the following disclaimer in the documentation
//     and/or other materials provided with the distribution.
//
//  3. Neither the name of the copyright holder nor the names of its
//     contributors may be used to endorse or promote products derived from
//     this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package pager implements the fixed-size paged file that every on-disk
// structure in tidekv (the WAL and every SSTable) is built on top of.
package pager

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"os"
)

// PageSize is the fixed size of a page, header included.
const PageSize = 4096

// HeaderSize is the size of the overflow pointer that prefixes every page.
const HeaderSize = 8

// BodySize is the number of payload bytes available in a single page.
const BodySize = PageSize - HeaderSize

// NoOverflow marks the terminal page of a chain.
const NoOverflow int64 = -1

// Pager owns a single file and presents it as a sequence of fixed-size
// pages, chaining overflow pages transparently for records larger than one
// page body. Existing pages are never rewritten once written, so an append
// never contends with a concurrent reader of an earlier page.
type Pager struct {
	file *os.File

	// fileLock serializes appends so that a multi-page chain is written
	// contiguously and no two writers interleave chunks of two different
	// records.
	fileLock sync.RWMutex

	pageLocksMu sync.Mutex
	pageLocks   map[int64]*sync.RWMutex
}

// Open opens the file at path as a Pager with the given open flags; the
// file is created only when flag includes os.O_CREATE.
func Open(path string, flag int, perm os.FileMode) (*Pager, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, errors.Wrapf(err, "pager: open %s", path)
	}

	p := &Pager{
		file:      f,
		pageLocks: make(map[int64]*sync.RWMutex),
	}
	return p, nil
}

func (p *Pager) lockFor(page int64) *sync.RWMutex {
	p.pageLocksMu.Lock()
	defer p.pageLocksMu.Unlock()

	l, ok := p.pageLocks[page]
	if !ok {
		l = &sync.RWMutex{}
		p.pageLocks[page] = l
	}
	return l
}

// Write appends data as a new chain of pages and returns the head page
// number. The file-level write lock is held for the whole call so the
// chain is written contiguously.
func (p *Pager) Write(data []byte) (int64, error) {
	p.fileLock.Lock()
	defer p.fileLock.Unlock()

	info, err := p.file.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "pager: stat")
	}
	head := info.Size() / PageSize

	chunks := chunk(data, BodySize)
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	page := head
	for i, c := range chunks {
		overflow := NoOverflow
		if i < len(chunks)-1 {
			overflow = page + 1
		}
		if err := p.writePage(page, overflow, c); err != nil {
			return 0, err
		}
		page++
	}

	return head, nil
}

func chunk(data []byte, size int) [][]byte {
	var chunks [][]byte
	for i := 0; i < len(data); i += size {
		end := i + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	return chunks
}

func (p *Pager) writePage(page, overflow int64, body []byte) error {
	buf := make([]byte, PageSize)
	binary.BigEndian.PutUint64(buf[:HeaderSize], uint64(overflow))
	copy(buf[HeaderSize:], body)

	l := p.lockFor(page)
	l.Lock()
	defer l.Unlock()

	_, err := p.file.WriteAt(buf, page*PageSize)
	if err != nil {
		return errors.Wrapf(err, "pager: write page %d", page)
	}
	return nil
}

// Read follows the overflow chain starting at head and returns the
// concatenated, un-padded payload. Trailing zero padding on the final page
// is stripped naively; callers whose payload can legitimately end in zero
// bytes must use a self-delimiting codec (see package recordcodec) rather
// than rely on this stripping.
func (p *Pager) Read(head int64) ([]byte, error) {
	count := p.Count()
	if head < 0 || head >= count {
		return nil, errors.Errorf("pager: page %d out of range (have %d pages)", head, count)
	}

	var out []byte
	visited := make(map[int64]bool)
	page := head

	for {
		if visited[page] {
			return nil, errors.Errorf("pager: cyclic overflow chain detected at page %d", page)
		}
		visited[page] = true

		l := p.lockFor(page)
		l.RLock()
		buf := make([]byte, PageSize)
		_, err := p.file.ReadAt(buf, page*PageSize)
		l.RUnlock()
		if err != nil {
			return nil, errors.Wrapf(err, "pager: read page %d", page)
		}

		overflow := int64(binary.BigEndian.Uint64(buf[:HeaderSize]))
		body := buf[HeaderSize:]

		if overflow == NoOverflow {
			out = append(out, trimTrailingZeros(body)...)
			return out, nil
		}

		if overflow < 0 || overflow >= count {
			return nil, errors.Errorf("pager: page %d overflow %d out of range", page, overflow)
		}

		out = append(out, body...)
		page = overflow
	}
}

func trimTrailingZeros(b []byte) []byte {
	i := len(b)
	for i > 0 && b[i-1] == 0 {
		i--
	}
	return b[:i]
}

// Count returns the number of pages currently in the file.
func (p *Pager) Count() int64 {
	info, err := p.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size() / PageSize
}

// Size returns the file size in bytes.
func (p *Pager) Size() int64 {
	info, err := p.file.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// Truncate drops every page from newPageCount onward. newPageCount is a
// page count, not a byte size.
func (p *Pager) Truncate(newPageCount int64) error {
	p.fileLock.Lock()
	defer p.fileLock.Unlock()

	if err := p.file.Truncate(newPageCount * PageSize); err != nil {
		return errors.Wrap(err, "pager: truncate")
	}

	p.pageLocksMu.Lock()
	for page := range p.pageLocks {
		if page >= newPageCount {
			delete(p.pageLocks, page)
		}
	}
	p.pageLocksMu.Unlock()

	return nil
}

// Close flushes and closes the underlying file. It is idempotent: calling
// Close twice is safe and returns nil the second time.
func (p *Pager) Close() error {
	if p.file == nil {
		return nil
	}
	if err := p.file.Sync(); err != nil {
		_ = p.file.Close()
		p.file = nil
		return errors.Wrap(err, "pager: sync on close")
	}
	err := p.file.Close()
	p.file = nil
	if err != nil {
		return errors.Wrap(err, "pager: close")
	}
	return nil
}

// Cursor is a forward iterator over head pages only; it skips overflow
// continuation pages entirely, which is what every higher layer (WAL
// replay, SSTable scans) actually wants.
type Cursor struct {
	pager   *Pager
	current int64
}

// NewCursor creates a Cursor starting at the first page of pager.
func NewCursor(pager *Pager) *Cursor {
	return &Cursor{pager: pager, current: 0}
}

// Next reports whether a head page exists at the cursor's position. It
// does not move the cursor; Read and Skip do.
func (c *Cursor) Next() bool {
	return c.current < c.pager.Count()
}

// Read reads the record at the cursor's current head page and advances past
// the whole chain (overflow pages included).
func (c *Cursor) Read() ([]byte, error) {
	head := c.current
	data, err := c.pager.Read(head)
	if err != nil {
		c.current++
		return nil, err
	}
	c.current = c.chainEnd(head) + 1
	return data, nil
}

// Skip advances past the record at the cursor's current head page without
// reading its payload. A no-op at end of file.
func (c *Cursor) Skip() {
	if c.current >= c.pager.Count() {
		return
	}
	c.current = c.chainEnd(c.current) + 1
}

// chainEnd returns the page number of the last page in head's chain.
func (c *Cursor) chainEnd(head int64) int64 {
	page := head
	for {
		buf := make([]byte, HeaderSize)
		l := c.pager.lockFor(page)
		l.RLock()
		_, err := c.pager.file.ReadAt(buf, page*PageSize)
		l.RUnlock()
		if err != nil {
			return page
		}
		overflow := int64(binary.BigEndian.Uint64(buf))
		if overflow == NoOverflow || overflow <= page {
			return page
		}
		page = overflow
	}
}
