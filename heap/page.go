package heap

import (
	"encoding/binary"

	coreerrors "txnstore/errors"
)

// Heap page layout (spec.md §6's "Heap page layout, consumed from §2
// collaborator, specified here for completeness"): a 4-byte page header
// (slot count, tuple-data low-water mark) followed by a slot directory
// that grows downward from byte 4, while tuple bytes grow upward from the
// page's end. tuple_slot(data, slot) -> (offset, size) is slotAt below.

const pageHeaderSize = 4
const slotEntrySize = 4 // offset uint16 + length uint16

func slotCount(page []byte) int {
	return int(binary.LittleEndian.Uint16(page[0:2]))
}

func setSlotCount(page []byte, n int) {
	binary.LittleEndian.PutUint16(page[0:2], uint16(n))
}

func tupleAreaStart(page []byte) int {
	return int(binary.LittleEndian.Uint16(page[2:4]))
}

func setTupleAreaStart(page []byte, offset int) {
	binary.LittleEndian.PutUint16(page[2:4], uint16(offset))
}

// initPage zero-initializes a freshly allocated page's header: no slots,
// tuple area starts at the end of the page.
func initPage(page []byte) {
	setSlotCount(page, 0)
	setTupleAreaStart(page, len(page))
}

func slotDirEnd(n int) int {
	return pageHeaderSize + n*slotEntrySize
}

// freeSpace returns the number of unused bytes between the end of the
// slot directory and the start of the tuple data area.
func freeSpace(page []byte) int {
	return tupleAreaStart(page) - slotDirEnd(slotCount(page))
}

// slotAt returns the (offset, size) of the tuple stored at slot, per
// spec.md §6's tuple_slot. A zero-size slot marks a slot whose tuple has
// been physically reclaimed (not used by this implementation, but kept
// distinguishable for forward compatibility).
func slotAt(page []byte, slot int) (offset, size int, err error) {
	if slot < 0 || slot >= slotCount(page) {
		return 0, 0, coreerrors.New(coreerrors.KindStateMisuse, "heap.slotAt: slot out of range")
	}
	base := pageHeaderSize + slot*slotEntrySize
	offset = int(binary.LittleEndian.Uint16(page[base : base+2]))
	size = int(binary.LittleEndian.Uint16(page[base+2 : base+4]))
	return offset, size, nil
}

func setSlot(page []byte, slot, offset, size int) {
	base := pageHeaderSize + slot*slotEntrySize
	binary.LittleEndian.PutUint16(page[base:base+2], uint16(offset))
	binary.LittleEndian.PutUint16(page[base+2:base+4], uint16(size))
}

// appendTuple writes tupleBytes into the page's tuple area and appends a
// new slot pointing to it. Returns the new slot index. Caller must have
// already verified freeSpace(page) >= len(tupleBytes)+slotEntrySize.
func appendTuple(page []byte, tupleBytes []byte) int {
	newAreaStart := tupleAreaStart(page) - len(tupleBytes)
	copy(page[newAreaStart:newAreaStart+len(tupleBytes)], tupleBytes)
	setTupleAreaStart(page, newAreaStart)

	slot := slotCount(page)
	setSlot(page, slot, newAreaStart, len(tupleBytes))
	setSlotCount(page, slot+1)
	return slot
}

// overwriteTupleHeader rewrites the fixed-size header bytes of the tuple
// already stored at slot, in place. Used to install delete_tid/forward
// pointer mutations on an existing version without moving its payload.
func overwriteTupleHeader(page []byte, slot int, header []byte) error {
	offset, size, err := slotAt(page, slot)
	if err != nil {
		return err
	}
	if len(header) > size {
		return coreerrors.New(coreerrors.KindCorruption, "heap.overwriteTupleHeader: header grew in place")
	}
	copy(page[offset:offset+len(header)], header)
	return nil
}
