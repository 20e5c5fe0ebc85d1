// Package recordcodec encodes and decodes the two wire forms tidekv writes
// to pages: a bare (key, value) record, and a tagged WAL/transaction
// operation. Both forms are length-prefixed so decoding terminates at the
// record's true end instead of consuming the zero padding a Pager page may
// carry past the payload (see pager.Pager.Read).
//
// A Codec is treated as a pluggable boundary: tidekv ships the binary codec
// below as its default, but callers that need a different wire format only
// need to satisfy this interface.
package recordcodec

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Tombstone is the reserved value denoting a deleted key. Callers must
// never store it as a legitimate value.
var Tombstone = []byte("$tombstone")

// IsTombstone reports whether value is the reserved deletion marker.
func IsTombstone(value []byte) bool { return bytes.Equal(value, Tombstone) }

// OpKind tags an Operation as a write or a delete.
type OpKind uint8

const (
	// OpPut is an upsert.
	OpPut OpKind = iota
	// OpDelete is a tombstone write.
	OpDelete
)

// Operation is a tagged record: the unit WAL entries and transaction steps
// are made of.
type Operation struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Codec encodes and decodes records and operations to/from self-delimiting
// byte buffers.
type Codec interface {
	EncodeRecord(key, value []byte) []byte
	DecodeRecord(data []byte) (key, value []byte, err error)
	EncodeOp(op Operation) []byte
	DecodeOp(data []byte) (Operation, error)
}

// Default is the binary, length-prefixed Codec tidekv uses unless a caller
// substitutes their own.
var Default Codec = binaryCodec{}

type binaryCodec struct{}

// EncodeRecord lays out a record as [u32 keyLen][key][u32 valLen][value].
func (binaryCodec) EncodeRecord(key, value []byte) []byte {
	buf := make([]byte, 0, 8+len(key)+len(value))
	buf = appendLenPrefixed(buf, key)
	buf = appendLenPrefixed(buf, value)
	return buf
}

func (binaryCodec) DecodeRecord(data []byte) ([]byte, []byte, error) {
	key, rest, err := readLenPrefixed(data)
	if err != nil {
		return nil, nil, errors.Wrap(err, "recordcodec: decode record key")
	}
	value, _, err := readLenPrefixed(rest)
	if err != nil {
		return nil, nil, errors.Wrap(err, "recordcodec: decode record value")
	}
	return key, value, nil
}

// EncodeOp lays out an operation as [u8 kind][u32 keyLen][key][u32 valLen][value].
func (binaryCodec) EncodeOp(op Operation) []byte {
	buf := make([]byte, 0, 9+len(op.Key)+len(op.Value))
	buf = append(buf, byte(op.Kind))
	buf = appendLenPrefixed(buf, op.Key)
	buf = appendLenPrefixed(buf, op.Value)
	return buf
}

func (binaryCodec) DecodeOp(data []byte) (Operation, error) {
	if len(data) < 1 {
		return Operation{}, errors.New("recordcodec: truncated operation")
	}
	kind := OpKind(data[0])
	key, rest, err := readLenPrefixed(data[1:])
	if err != nil {
		return Operation{}, errors.Wrap(err, "recordcodec: decode op key")
	}
	value, _, err := readLenPrefixed(rest)
	if err != nil {
		return Operation{}, errors.Wrap(err, "recordcodec: decode op value")
	}
	return Operation{Kind: kind, Key: key, Value: value}, nil
}

func appendLenPrefixed(buf, field []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, field...)
	return buf
}

func readLenPrefixed(data []byte) (field, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, errors.New("recordcodec: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, errors.New("recordcodec: truncated field")
	}
	return data[:n], data[n:], nil
}

// EncodeRecord/DecodeRecord/EncodeOp/DecodeOp are free functions over
// Default, convenient for callers that don't need to swap codecs.

func EncodeRecord(key, value []byte) []byte { return Default.EncodeRecord(key, value) }

func DecodeRecord(data []byte) ([]byte, []byte, error) { return Default.DecodeRecord(data) }

func EncodeOp(op Operation) []byte { return Default.EncodeOp(op) }

func DecodeOp(data []byte) (Operation, error) { return Default.DecodeOp(data) }
