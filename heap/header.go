package heap

import (
	"encoding/binary"

	coreerrors "txnstore/errors"
	"txnstore/transaction"
)

// MaxColumns bounds a schema's column count: the null bitmap is sized
// ceil(cols/8) bytes and is itself bounded so a header never grows
// unreasonably large relative to MaxTupleSize.
const MaxColumns = 256

// MaxTupleSize bounds a single serialized tuple (header + payload). Chosen
// as half the page size so a tuple of maximum size always fits a fresh
// page, leaving room for the slot directory.
const MaxTupleSize = 2048

// headerFixedSize is the 16 fixed bytes of a Heap Tuple Header: insert_tid
// (4) + delete_tid (4) + command_id (1) + tuple_id (5: page_no uint32 +
// slot uint8) + flags (1) + user_data_start (1).
const headerFixedSize = 16

const flagHasNulls = 0x1

// TupleID names a physical tuple location: a page number and the slot
// within it.
type TupleID struct {
	PageNo uint32
	Slot   uint8
}

// Equal reports whether t and other name the same tuple location; a
// header whose forward pointer equals its own id has no newer version
// (spec.md §3).
func (t TupleID) Equal(other TupleID) bool {
	return t.PageNo == other.PageNo && t.Slot == other.Slot
}

// Header is the Heap Tuple Header described in spec.md §3: per-tuple MVCC
// metadata, serialized immediately before a tuple's payload bytes.
type Header struct {
	InsertTid     uint32
	DeleteTid     uint32
	CommandID     uint8
	Forward       TupleID // self if no newer version
	NullBitmap    []byte  // present iff any column is null; ceil(cols/8) bytes
	UserDataStart uint8
}

func nullBitmapLen(columns int) int {
	return (columns + 7) / 8
}

// Serialize writes the header (fixed 16 bytes plus an optional null
// bitmap sized for columns) followed by nothing else — payload bytes are
// appended by the caller starting at the UserDataStart offset, which
// Serialize also stores in h.UserDataStart.
func (h *Header) Serialize(columns int) ([]byte, error) {
	if columns < 1 || columns > MaxColumns {
		return nil, coreerrors.New(coreerrors.KindStateMisuse, "heap.Header.Serialize: column count out of range")
	}
	hasNulls := len(h.NullBitmap) > 0
	bitmapLen := 0
	if hasNulls {
		bitmapLen = nullBitmapLen(columns)
	}

	out := make([]byte, headerFixedSize+bitmapLen)
	binary.LittleEndian.PutUint32(out[0:4], h.InsertTid)
	binary.LittleEndian.PutUint32(out[4:8], h.DeleteTid)
	out[8] = h.CommandID
	binary.LittleEndian.PutUint32(out[9:13], h.Forward.PageNo)
	out[13] = h.Forward.Slot
	flags := byte(0)
	if hasNulls {
		flags |= flagHasNulls
	}
	out[14] = flags
	out[15] = byte(headerFixedSize + bitmapLen)
	if hasNulls {
		copy(out[headerFixedSize:], h.NullBitmap)
	}
	h.UserDataStart = out[15]
	return out, nil
}

// ParseHeader parses a Header from the start of data. columns must match
// the schema used at Serialize time, since the null bitmap's length
// depends on it.
func ParseHeader(data []byte, columns int) (Header, error) {
	if len(data) < headerFixedSize {
		return Header{}, coreerrors.New(coreerrors.KindCorruption, "heap.ParseHeader: truncated header")
	}
	h := Header{
		InsertTid: binary.LittleEndian.Uint32(data[0:4]),
		DeleteTid: binary.LittleEndian.Uint32(data[4:8]),
		CommandID: data[8],
		Forward: TupleID{
			PageNo: binary.LittleEndian.Uint32(data[9:13]),
			Slot:   data[13],
		},
		UserDataStart: data[15],
	}
	flags := data[14]
	if flags&flagHasNulls != 0 {
		bitmapLen := nullBitmapLen(columns)
		if len(data) < headerFixedSize+bitmapLen {
			return Header{}, coreerrors.New(coreerrors.KindCorruption, "heap.ParseHeader: truncated null bitmap")
		}
		h.NullBitmap = append([]byte(nil), data[headerFixedSize:headerFixedSize+bitmapLen]...)
	}
	return h, nil
}

func setNullBit(bitmap []byte, col int) {
	bitmap[col/8] |= 1 << uint(col%8)
}

func isNullBit(bitmap []byte, col int) bool {
	if bitmap == nil {
		return false
	}
	idx := col / 8
	if idx >= len(bitmap) {
		return false
	}
	return bitmap[idx]&(1<<uint(col%8)) != 0
}

// IsSelfPointing reports whether this header's forward pointer names id,
// i.e. no newer version of the tuple at id has been placed. It does not
// look at delete_tid.
func (h *Header) IsSelfPointing(id TupleID) bool {
	return h.Forward.Equal(id)
}

// satisfyUpdateResult is the classification from spec.md §4.6's
// satisfies_update, used by both update and delete.
type satisfyUpdateResult int

const (
	updateOk satisfyUpdateResult = iota
	updateSelfUpdated
	updateDeleted
	updateUpdated
	updateBeingModified
)

// classifyUpdate implements spec.md §4.6's satisfies_update(header,
// original_id, T).
func classifyUpdate(h *Header, originalID TupleID, txn *transaction.Transaction, status func(uint32) (transaction.Status, error)) (satisfyUpdateResult, error) {
	insertStatus, err := status(h.InsertTid)
	if err != nil {
		return updateOk, err
	}
	if insertStatus != transaction.StatusCommitted {
		return updateOk, nil
	}
	if h.DeleteTid == 0 {
		return updateOk, nil
	}
	if h.DeleteTid == txn.ID() {
		return updateSelfUpdated, nil
	}
	deleteStatus, err := status(h.DeleteTid)
	if err != nil {
		return updateOk, err
	}
	switch deleteStatus {
	case transaction.StatusCommitted:
		if h.Forward.Equal(originalID) {
			return updateDeleted, nil
		}
		return updateUpdated, nil
	case transaction.StatusAborted:
		return updateOk, nil
	default: // InProgress or Invalid
		return updateBeingModified, nil
	}
}
