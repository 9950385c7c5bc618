// Package txnlog implements the transaction log: the durable, compact map
// from transaction id to final status described in spec.md §3 and §4.2.
// Two bits per tid are packed into the heap pages of a reserved system
// table; page 0 is never used, so InvalidPageNo stays distinguishable.
package txnlog

import (
	"txnstore/bufferpool"
	coreerrors "txnstore/errors"
)

// TransactionLogTableID names the reserved table the log lives in.
const TransactionLogTableID uint32 = 0

// Status is the 2-bit transaction status enum from spec.md §3. The
// encoding is chosen so Committed can be installed by bitwise-OR over
// Invalid: Committed is 0b11, a superset of every other non-zero value.
type Status byte

const (
	Invalid    Status = 0b00
	InProgress Status = 0b01
	Aborted    Status = 0b10
	Committed  Status = 0b11
)

func (s Status) String() string {
	switch s {
	case Invalid:
		return "Invalid"
	case InProgress:
		return "InProgress"
	case Aborted:
		return "Aborted"
	case Committed:
		return "Committed"
	default:
		return "Unknown"
	}
}

// Log is the bit-packed, page-backed transaction status log. It holds no
// notion of "next tid" or "alive tids" itself — those belong to the
// transaction manager, which combines them with Log.ReadBits to answer
// spec.md §4.2's get(tid) query.
type Log struct {
	mgr *bufferpool.Manager
}

// New wraps a buffer manager as a transaction log store.
func New(mgr *bufferpool.Manager) *Log {
	return &Log{mgr: mgr}
}

// locate returns the page number (1-indexed), byte offset within the page,
// and 2-bit slot within that byte, for tid, per spec.md §3's layout:
// tid t at bit offset (t mod 4)*2 of byte (t div 4) mod page_size of page
// (t div 4) div page_size + 1.
func locate(tid uint32) (page uint32, byteOffset int, slot int) {
	cell := tid / 4
	page = cell/bufferpool.PageSize + 1
	byteOffset = int(cell % bufferpool.PageSize)
	slot = int(tid % 4)
	return page, byteOffset, slot
}

// tidFor inverts locate: the tid encoded at the given page/byte/slot.
func tidFor(page uint32, byteOffset, slot int) uint32 {
	cell := (page-1)*bufferpool.PageSize + uint32(byteOffset)
	return cell*4 + uint32(slot)
}

// Bootstrap creates the reserved log table and its first, zero-filled
// page, so a subsequent Load on a freshly created database succeeds
// instead of reporting corruption.
func (l *Log) Bootstrap() error {
	if err := l.mgr.CreateTable(TransactionLogTableID); err != nil {
		return err
	}
	buf, ok := l.mgr.AllocateNewPage(TransactionLogTableID)
	if !ok {
		return coreerrors.New(coreerrors.KindResourceExhausted, "Log.Bootstrap: buffer pool exhausted")
	}
	buf.Lock()
	buf.MarkDirty()
	buf.Unlock()
	buf.Unpin()
	return l.mgr.FlushAll()
}

// Load scans the last allocated page of the log table to find the highest
// tid whose status bits are non-zero, and returns one past it — the value
// the transaction manager should use to seed next_tid. If no page exists,
// the database is corrupt and startup must fail.
func (l *Log) Load() (nextTid uint32, err error) {
	if err := l.mgr.CreateTable(TransactionLogTableID); err != nil {
		return 0, err
	}

	highestPage := l.mgr.HighestPageNo(TransactionLogTableID)
	if highestPage == bufferpool.InvalidPageNo {
		return 0, coreerrors.New(coreerrors.KindCorruption, "Log.Load: no transaction log page found")
	}

	buf, ok := l.mgr.Fetch(TransactionLogTableID, highestPage)
	if !ok {
		return 0, coreerrors.New(coreerrors.KindIO, "Log.Load: failed to fetch last log page")
	}
	defer buf.Unpin()

	buf.RLock()
	highestTid, found := scanHighest(buf.Bytes(), highestPage)
	buf.RUnlock()

	if !found {
		// The highest allocated page never had a status byte written on
		// it (e.g. freshly extended by fetchOrAllocate but not yet
		// WriteBits-ed). The base case still consumes one tid, mirroring
		// the original's highest_tid initialized to tid_offset and
		// unconditionally stored as highest_tid+1.
		next := tidFor(highestPage, 0, 0) + 1
		if next < 2 {
			next = 2
		}
		return next, nil
	}
	return highestTid + 1, nil
}

func scanHighest(data []byte, page uint32) (uint32, bool) {
	for b := len(data) - 1; b >= 0; b-- {
		if data[b] == 0 {
			continue
		}
		for slot := 3; slot >= 0; slot-- {
			bits := (data[b] >> (uint(slot) * 2)) & 0x3
			if bits != 0 {
				return tidFor(page, b, slot), true
			}
		}
	}
	return 0, false
}

// fetchOrAllocate returns the buffer for page, extending the table with
// zero-filled pages (via the buffer manager, which re-fetches the highest
// page number immediately before each allocation) if it does not exist yet.
func (l *Log) fetchOrAllocate(page uint32) (*bufferpool.Buffer, error) {
	if buf, ok := l.mgr.Fetch(TransactionLogTableID, page); ok {
		return buf, nil
	}

	for {
		buf, ok := l.mgr.AllocateNewPage(TransactionLogTableID)
		if !ok {
			return nil, coreerrors.New(coreerrors.KindResourceExhausted, "Log.fetchOrAllocate: buffer pool exhausted")
		}
		got := buf.PageID().PageNo
		if got == page {
			return buf, nil
		}
		if got > page {
			buf.Unpin()
			return nil, coreerrors.New(coreerrors.KindCorruption, "Log.fetchOrAllocate: overshot target page")
		}
		buf.Lock()
		buf.MarkDirty()
		buf.Unlock()
		buf.Unpin()
	}
}

// ReadBits reads the raw 2-bit status for tid, auto-allocating a
// zero-filled page (yielding Invalid) if the tid's page does not yet
// exist.
func (l *Log) ReadBits(tid uint32) (Status, error) {
	page, byteOffset, slot := locate(tid)
	buf, err := l.fetchOrAllocate(page)
	if err != nil {
		return Invalid, err
	}
	defer buf.Unpin()

	buf.RLock()
	bits := (buf.Bytes()[byteOffset] >> (uint(slot) * 2)) & 0x3
	buf.RUnlock()
	return Status(bits), nil
}

// WriteBits OR-installs status into tid's 2-bit cell. Only Aborted and
// Committed are ever written this way: InProgress is never materialized
// in the log, only inferred from alive-tid membership by the caller.
func (l *Log) WriteBits(tid uint32, status Status) error {
	if status != Aborted && status != Committed {
		return coreerrors.New(coreerrors.KindStateMisuse, "Log.WriteBits: only Aborted/Committed may be written")
	}

	page, byteOffset, slot := locate(tid)
	buf, err := l.fetchOrAllocate(page)
	if err != nil {
		return err
	}
	defer buf.Unpin()

	buf.Lock()
	buf.Bytes()[byteOffset] |= byte(status) << (uint(slot) * 2)
	buf.MarkDirty()
	buf.Unlock()
	return nil
}

// Flush persists every dirty log page. The transaction manager calls this
// after every commit/abort, in lieu of write-ahead logging (spec.md §9).
func (l *Log) Flush() error {
	return l.mgr.FlushAll()
}
