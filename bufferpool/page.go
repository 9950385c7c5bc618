package bufferpool

import "sync"

// PageSize is the fixed size, in bytes, of every page the core reads or
// writes. Heap pages, and the bit-packed transaction log pages, are both
// sized to this constant.
const PageSize = 4096

// InvalidPageNo marks "no page": page numbering starts at 1 so that the
// zero value stays distinguishable from a real page, matching spec.md's
// layout for the transaction log table.
const InvalidPageNo uint32 = 0

// PageID names a page within a table file.
type PageID struct {
	TableID uint32
	PageNo  uint32
}

// Buffer is a pinned, lockable page buffer, handed out by a Manager.
// Callers that fetch a Buffer must call Unpin when finished with it; the
// page write lock is acquired by calling Lock()/Unlock() (or the RLock
// family for read-only access) directly on the Buffer, mirroring the
// "page exclusive access" discipline spec.md's heap mutations require.
type Buffer struct {
	id    PageID
	mutex sync.RWMutex
	data  [PageSize]byte
	dirty bool

	mgr      *Manager
	pinCount int32
	pinMu    sync.Mutex
}

// PageID reports the table and page number this buffer backs.
func (b *Buffer) PageID() PageID {
	return b.id
}

// Lock acquires the page for exclusive (read-write) access.
func (b *Buffer) Lock() { b.mutex.Lock() }

// Unlock releases exclusive access acquired via Lock.
func (b *Buffer) Unlock() { b.mutex.Unlock() }

// RLock acquires the page for shared (read-only) access.
func (b *Buffer) RLock() { b.mutex.RLock() }

// RUnlock releases shared access acquired via RLock.
func (b *Buffer) RUnlock() { b.mutex.RUnlock() }

// Bytes returns the page's backing byte slice. The caller must hold Lock
// or RLock before calling this and must not retain the slice past the
// matching Unlock/RUnlock.
func (b *Buffer) Bytes() []byte {
	return b.data[:]
}

// MarkDirty flags the page as needing to be written back on the next
// flush. Must be called while holding Lock.
func (b *Buffer) MarkDirty() {
	b.dirty = true
}

// Unpin releases this buffer back to the manager, making it eligible for
// eviction once its pin count reaches zero.
func (b *Buffer) Unpin() {
	if b.mgr == nil {
		return
	}
	b.mgr.unpin(b)
}
