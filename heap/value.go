// Package heap implements the slotted-page heap table (spec.md §4.6): the
// tuple header, page-level slot directory, versioned insert/update/delete
// operations, and the visibility-filtered scan iterator.
package heap

import (
	"encoding/binary"

	coreerrors "txnstore/errors"
)

// DataType is a heap column's storage type. Strings and byte strings are
// length-prefixed in their serialized form so a tuple's payload can be
// parsed without a separate length table.
type DataType int

const (
	Int32 DataType = iota
	Int64
	Bool
	String
	Bytes
)

func (d DataType) String() string {
	switch d {
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case Bool:
		return "bool"
	case String:
		return "string"
	case Bytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Column describes one column of a heap table's schema.
type Column struct {
	Name     string
	Type     DataType
	Nullable bool
}

// Value is a single column value, tagged with its type and null state.
type Value struct {
	Type      DataType
	Null      bool
	Int32Val  int32
	Int64Val  int64
	BoolVal   bool
	StringVal string
	BytesVal  []byte
}

func Int32Value(v int32) Value   { return Value{Type: Int32, Int32Val: v} }
func Int64Value(v int64) Value   { return Value{Type: Int64, Int64Val: v} }
func BoolValue(v bool) Value     { return Value{Type: Bool, BoolVal: v} }
func StringValue(v string) Value { return Value{Type: String, StringVal: v} }
func BytesValue(v []byte) Value  { return Value{Type: Bytes, BytesVal: v} }
func NullValue(t DataType) Value { return Value{Type: t, Null: true} }

// encodedSize returns the byte length v occupies in a serialized payload,
// not counting its null-bitmap bit.
func (v Value) encodedSize() int {
	if v.Null {
		return 0
	}
	switch v.Type {
	case Int32:
		return 4
	case Int64:
		return 8
	case Bool:
		return 1
	case String:
		return 4 + len(v.StringVal)
	case Bytes:
		return 4 + len(v.BytesVal)
	default:
		return 0
	}
}

func (v Value) encode(buf []byte) []byte {
	if v.Null {
		return buf
	}
	switch v.Type {
	case Int32:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(v.Int32Val))
		return append(buf, tmp[:]...)
	case Int64:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], uint64(v.Int64Val))
		return append(buf, tmp[:]...)
	case Bool:
		b := byte(0)
		if v.BoolVal {
			b = 1
		}
		return append(buf, b)
	case String:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(v.StringVal)))
		buf = append(buf, tmp[:]...)
		return append(buf, v.StringVal...)
	case Bytes:
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], uint32(len(v.BytesVal)))
		buf = append(buf, tmp[:]...)
		return append(buf, v.BytesVal...)
	default:
		return buf
	}
}

func decodeValue(t DataType, null bool, data []byte) (Value, int, error) {
	if null {
		return NullValue(t), 0, nil
	}
	switch t {
	case Int32:
		if len(data) < 4 {
			return Value{}, 0, coreerrors.New(coreerrors.KindCorruption, "heap.decodeValue: truncated int32")
		}
		return Int32Value(int32(binary.LittleEndian.Uint32(data))), 4, nil
	case Int64:
		if len(data) < 8 {
			return Value{}, 0, coreerrors.New(coreerrors.KindCorruption, "heap.decodeValue: truncated int64")
		}
		return Int64Value(int64(binary.LittleEndian.Uint64(data))), 8, nil
	case Bool:
		if len(data) < 1 {
			return Value{}, 0, coreerrors.New(coreerrors.KindCorruption, "heap.decodeValue: truncated bool")
		}
		return BoolValue(data[0] != 0), 1, nil
	case String:
		if len(data) < 4 {
			return Value{}, 0, coreerrors.New(coreerrors.KindCorruption, "heap.decodeValue: truncated string length")
		}
		n := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+n {
			return Value{}, 0, coreerrors.New(coreerrors.KindCorruption, "heap.decodeValue: truncated string")
		}
		return StringValue(string(data[4 : 4+n])), 4 + n, nil
	case Bytes:
		if len(data) < 4 {
			return Value{}, 0, coreerrors.New(coreerrors.KindCorruption, "heap.decodeValue: truncated bytes length")
		}
		n := int(binary.LittleEndian.Uint32(data))
		if len(data) < 4+n {
			return Value{}, 0, coreerrors.New(coreerrors.KindCorruption, "heap.decodeValue: truncated bytes")
		}
		out := make([]byte, n)
		copy(out, data[4:4+n])
		return BytesValue(out), 4 + n, nil
	default:
		return Value{}, 0, coreerrors.New(coreerrors.KindCorruption, "heap.decodeValue: unknown data type")
	}
}
