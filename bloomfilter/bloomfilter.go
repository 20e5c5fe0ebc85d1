// Package bloomfilter
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

// Package bloomfilter is a per-SSTable membership filter so a point lookup
// against a table that cannot contain the key never pays for a scan. Hashing
// uses xxhash with double hashing (Kirsch-Mitzenmacher) instead of a
// dedicated hash function per slot.
package bloomfilter

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

const growthFactor = 1.5
const growThreshold = 0.7

// BloomFilter is a resizable Bloom filter.
type BloomFilter struct {
	bitset    []bool
	size      uint
	numHashes int
	keys      [][]byte
}

// New creates a BloomFilter sized for approximately size bits and using
// numHashes independent hash probes per key.
func New(size uint, numHashes int) *BloomFilter {
	if size == 0 {
		size = 1
	}
	if numHashes < 1 {
		numHashes = 1
	}
	return &BloomFilter{
		bitset:    make([]bool, size),
		size:      size,
		numHashes: numHashes,
	}
}

// probes returns the two independent hashes double hashing derives every
// slot from: h_i(x) = h1(x) + i*h2(x).
func (bf *BloomFilter) probes(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)
	h2 := xxhash.Sum64(append([]byte{0xa5}, key...))
	return h1, h2
}

// Add inserts key into the filter, growing the backing bitset first if it
// has crossed the fill-ratio threshold.
func (bf *BloomFilter) Add(key []byte) {
	if bf.shouldGrow() {
		bf.resize(uint(float64(bf.size) * growthFactor))
	}

	h1, h2 := bf.probes(key)
	for i := 0; i < bf.numHashes; i++ {
		idx := (h1 + uint64(i)*h2) % uint64(bf.size)
		bf.bitset[idx] = true
	}
	bf.keys = append(bf.keys, key)
}

// Check reports whether key is possibly present. A false result is
// authoritative; a true result may be a false positive.
func (bf *BloomFilter) Check(key []byte) bool {
	h1, h2 := bf.probes(key)
	for i := 0; i < bf.numHashes; i++ {
		idx := (h1 + uint64(i)*h2) % uint64(bf.size)
		if !bf.bitset[idx] {
			return false
		}
	}
	return true
}

func (bf *BloomFilter) resize(newSize uint) {
	if newSize == 0 {
		newSize = 1
	}

	numKeys := len(bf.keys)
	newNumHashes := bf.numHashes
	if numKeys > 0 {
		newNumHashes = int(math.Ceil(float64(newSize) / float64(numKeys) * math.Ln2))
		if newNumHashes < 1 {
			newNumHashes = 1
		}
	}

	bf.bitset = make([]bool, newSize)
	bf.size = newSize
	bf.numHashes = newNumHashes

	keys := bf.keys
	bf.keys = nil
	for _, k := range keys {
		bf.Add(k)
	}
}

func (bf *BloomFilter) shouldGrow() bool {
	set := 0
	for _, b := range bf.bitset {
		if b {
			set++
		}
	}
	return float64(set) > float64(bf.size)*growThreshold
}

// Serialize encodes the filter to a byte slice suitable for storing as an
// SSTable's page-0 payload.
func (bf *BloomFilter) Serialize() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.BigEndian, uint32(bf.size)); err != nil {
		return nil, errors.Wrap(err, "bloomfilter: write size")
	}
	if err := binary.Write(&buf, binary.BigEndian, uint32(bf.numHashes)); err != nil {
		return nil, errors.Wrap(err, "bloomfilter: write numHashes")
	}

	packed := make([]byte, (bf.size+7)/8)
	for i, bit := range bf.bitset {
		if bit {
			packed[i/8] |= 1 << uint(i%8)
		}
	}
	if _, err := buf.Write(packed); err != nil {
		return nil, errors.Wrap(err, "bloomfilter: write bitset")
	}

	return buf.Bytes(), nil
}

// Deserialize decodes a filter previously produced by Serialize.
func Deserialize(data []byte) (*BloomFilter, error) {
	r := bytes.NewReader(data)

	var size, numHashes uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, errors.Wrap(err, "bloomfilter: read size")
	}
	if err := binary.Read(r, binary.BigEndian, &numHashes); err != nil {
		return nil, errors.Wrap(err, "bloomfilter: read numHashes")
	}

	// The pager strips trailing zero padding from a record, so a bitset
	// whose tail bytes are all zero legitimately reads back short; the
	// missing bytes are zeros.
	packed := make([]byte, (size+7)/8)
	if _, err := io.ReadFull(r, packed); err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, errors.Wrap(err, "bloomfilter: read bitset")
	}

	bitset := make([]bool, size)
	for i := range bitset {
		bitset[i] = packed[i/8]&(1<<uint(i%8)) != 0
	}

	return &BloomFilter{
		bitset:    bitset,
		size:      uint(size),
		numHashes: int(numHashes),
	}, nil
}
