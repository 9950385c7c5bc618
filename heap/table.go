package heap

import (
	"time"

	"txnstore/bufferpool"
	coreerrors "txnstore/errors"
	"txnstore/transaction"
)

// Table is the slotted-page heap table spec.md §4.6 describes: versioned
// insert/update/delete against pages supplied by the buffer manager, with
// first-updater-wins arbitration mediated by the lock manager and the
// owning transaction manager's status queries.
type Table struct {
	tableID uint32
	columns []Column

	pages *bufferpool.Manager
	locks *transaction.LockManager
	txns  *transaction.Manager
}

// NewTable wraps a buffer manager page range as a heap table with the
// given schema. Call Create before first use on a fresh database.
func NewTable(tableID uint32, columns []Column, pages *bufferpool.Manager, locks *transaction.LockManager, txns *transaction.Manager) *Table {
	return &Table{tableID: tableID, columns: columns, pages: pages, locks: locks, txns: txns}
}

// Create registers the table with the buffer manager's backing disk.
func (t *Table) Create() error {
	return t.pages.CreateTable(t.tableID)
}

func (t *Table) status(tid uint32) (transaction.Status, error) {
	return t.txns.Status(tid)
}

// serializeTuple builds header+payload bytes for one logical row.
func (t *Table) serializeTuple(h *Header, values []Value) ([]byte, error) {
	if len(values) != len(t.columns) {
		return nil, coreerrors.New(coreerrors.KindStateMisuse, "heap.Table: value count does not match schema")
	}
	bitmap := make([]byte, nullBitmapLen(len(t.columns)))
	anyNull := false
	payloadSize := 0
	for i, v := range values {
		if v.Null {
			setNullBit(bitmap, i)
			anyNull = true
		}
		payloadSize += v.encodedSize()
	}
	if anyNull {
		h.NullBitmap = bitmap
	} else {
		h.NullBitmap = nil
	}

	headerBytes, err := h.Serialize(len(t.columns))
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(headerBytes)+payloadSize)
	out = append(out, headerBytes...)
	for _, v := range values {
		out = v.encode(out)
	}
	if len(out) > MaxTupleSize {
		return nil, coreerrors.New(coreerrors.KindResourceExhausted, "heap.Table: tuple exceeds MAX_TUPLE_SIZE")
	}
	return out, nil
}

func (t *Table) deserializeTuple(data []byte) (Header, []Value, error) {
	h, err := ParseHeader(data, len(t.columns))
	if err != nil {
		return Header{}, nil, err
	}
	values := make([]Value, len(t.columns))
	cursor := int(h.UserDataStart)
	for i, col := range t.columns {
		if isNullBit(h.NullBitmap, i) {
			values[i] = NullValue(col.Type)
			continue
		}
		v, n, err := decodeValue(col.Type, false, data[cursor:])
		if err != nil {
			return Header{}, nil, err
		}
		values[i] = v
		cursor += n
	}
	return h, values, nil
}

// Insert implements spec.md §4.6's insert: find a page with room (the
// highest page, or a fresh one if none fits), append the tuple, and mark
// the page dirty. Retries across newly allocated pages until one fits.
func (t *Table) Insert(txn *transaction.Transaction, values []Value) (TupleID, error) {
	cid, err := txn.NextCommandID()
	if err != nil {
		return TupleID{}, err
	}

	for {
		buf, pageNo, err := t.fetchOrAllocateHighest()
		if err != nil {
			return TupleID{}, err
		}

		buf.Lock()
		slot := slotCount(buf.Bytes())
		if slot > 255 {
			buf.Unlock()
			buf.Unpin()
			// Slot directory overflowed a uint8 slot id; force a new page.
			newBuf, ok := t.pages.AllocateNewPage(t.tableID)
			if !ok {
				return TupleID{}, coreerrors.New(coreerrors.KindResourceExhausted, "heap.Table.Insert: buffer pool exhausted")
			}
			newBuf.Lock()
			initPage(newBuf.Bytes())
			newBuf.MarkDirty()
			newBuf.Unlock()
			newBuf.Unpin()
			continue
		}

		id := TupleID{PageNo: pageNo, Slot: uint8(slot)}
		header := &Header{InsertTid: txn.ID(), CommandID: cid, Forward: id}
		tupleBytes, err := t.serializeTuple(header, values)
		if err != nil {
			buf.Unlock()
			buf.Unpin()
			return TupleID{}, err
		}

		if freeSpace(buf.Bytes()) >= len(tupleBytes)+slotEntrySize {
			appendTuple(buf.Bytes(), tupleBytes)
			buf.MarkDirty()
			buf.Unlock()
			buf.Unpin()
			return id, nil
		}
		buf.Unlock()
		buf.Unpin()

		newBuf, ok := t.pages.AllocateNewPage(t.tableID)
		if !ok {
			return TupleID{}, coreerrors.New(coreerrors.KindResourceExhausted, "heap.Table.Insert: buffer pool exhausted")
		}
		newBuf.Lock()
		initPage(newBuf.Bytes())
		newBuf.MarkDirty()
		newBuf.Unlock()
		newBuf.Unpin()
	}
}

// fetchOrAllocateHighest returns the highest page of the table, allocating
// and initializing the first page if the table is empty.
func (t *Table) fetchOrAllocateHighest() (*bufferpool.Buffer, uint32, error) {
	highest := t.pages.HighestPageNo(t.tableID)
	if highest == bufferpool.InvalidPageNo {
		buf, ok := t.pages.AllocateNewPage(t.tableID)
		if !ok {
			return nil, 0, coreerrors.New(coreerrors.KindResourceExhausted, "heap.Table: buffer pool exhausted")
		}
		buf.Lock()
		initPage(buf.Bytes())
		buf.MarkDirty()
		buf.Unlock()
		return buf, buf.PageID().PageNo, nil
	}
	buf, ok := t.pages.Fetch(t.tableID, highest)
	if !ok {
		return nil, 0, coreerrors.New(coreerrors.KindResourceExhausted, "heap.Table: buffer pool exhausted")
	}
	return buf, highest, nil
}

// UpdateResult tells the caller what happened to its update/delete attempt.
type UpdateResult int

const (
	ResultOk UpdateResult = iota
	ResultSelfUpdated
	ResultDeleted
	ResultUpdatedForward
)

// Update implements spec.md §4.6's update loop, including the
// wait-then-retry behavior on BeingModified (first-updater-wins
// arbitration). newValues is nil for Delete, which reuses this loop
// without installing a new version.
func (t *Table) Update(txn *transaction.Transaction, id TupleID, newValues []Value) (UpdateResult, TupleID, error) {
	return t.mutate(txn, id, newValues)
}

// Delete implements spec.md §4.6's delete: the same arbitration loop as
// Update, without placing a new version.
func (t *Table) Delete(txn *transaction.Transaction, id TupleID) (UpdateResult, error) {
	result, _, err := t.mutate(txn, id, nil)
	return result, err
}

func (t *Table) mutate(txn *transaction.Transaction, id TupleID, newValues []Value) (UpdateResult, TupleID, error) {
	isUpdate := newValues != nil
	cid, err := txn.NextCommandID()
	if err != nil {
		return ResultOk, TupleID{}, err
	}

	for {
		buf, ok := t.pages.Fetch(t.tableID, id.PageNo)
		if !ok {
			return ResultOk, TupleID{}, coreerrors.New(coreerrors.KindResourceExhausted, "heap.Table.mutate: buffer pool exhausted")
		}

		buf.Lock()
		offset, size, err := slotAt(buf.Bytes(), int(id.Slot))
		if err != nil {
			buf.Unlock()
			buf.Unpin()
			return ResultOk, TupleID{}, err
		}
		header, err := ParseHeader(buf.Bytes()[offset:offset+size], len(t.columns))
		if err != nil {
			buf.Unlock()
			buf.Unpin()
			return ResultOk, TupleID{}, err
		}

		classification, err := classifyUpdate(&header, id, txn, t.status)
		if err != nil {
			buf.Unlock()
			buf.Unpin()
			return ResultOk, TupleID{}, err
		}

		switch classification {
		case updateSelfUpdated:
			buf.Unlock()
			buf.Unpin()
			return ResultSelfUpdated, header.Forward, nil
		case updateDeleted:
			buf.Unlock()
			buf.Unpin()
			return ResultDeleted, TupleID{}, nil
		case updateUpdated:
			forward := header.Forward
			buf.Unlock()
			buf.Unpin()
			return ResultUpdatedForward, forward, nil
		case updateBeingModified:
			blocker := header.DeleteTid
			buf.Unlock()
			buf.Unpin()
			if err := t.waitThenRetry(txn, id, blocker); err != nil {
				return ResultOk, TupleID{}, err
			}
			continue
		}

		// Ok: install the mutation.
		if isUpdate {
			newID, err := t.placeNewVersion(id, txn, cid, newValues)
			if err != nil {
				buf.Unlock()
				buf.Unpin()
				return ResultOk, TupleID{}, err
			}
			header.DeleteTid = txn.ID()
			header.Forward = newID
			headerBytes, err := header.Serialize(len(t.columns))
			if err != nil {
				buf.Unlock()
				buf.Unpin()
				return ResultOk, TupleID{}, err
			}
			if err := overwriteTupleHeader(buf.Bytes(), int(id.Slot), headerBytes); err != nil {
				buf.Unlock()
				buf.Unpin()
				return ResultOk, TupleID{}, err
			}
			buf.MarkDirty()
			buf.Unlock()
			buf.Unpin()
			return ResultOk, newID, nil
		}

		header.DeleteTid = txn.ID()
		// Delete keeps the forward pointer self-referencing: id remains
		// the tuple's own location (spec.md §4.6 "tuple_id remains self").
		headerBytes, err := header.Serialize(len(t.columns))
		if err != nil {
			buf.Unlock()
			buf.Unpin()
			return ResultOk, TupleID{}, err
		}
		if err := overwriteTupleHeader(buf.Bytes(), int(id.Slot), headerBytes); err != nil {
			buf.Unlock()
			buf.Unpin()
			return ResultOk, TupleID{}, err
		}
		buf.MarkDirty()
		buf.Unlock()
		buf.Unpin()
		return ResultOk, id, nil
	}
}

// placeNewVersion writes a fresh header+payload for an update's new
// version, trying the original tuple's own page first before allocating.
func (t *Table) placeNewVersion(originalID TupleID, txn *transaction.Transaction, cid uint8, values []Value) (TupleID, error) {
	buf, ok := t.pages.Fetch(t.tableID, originalID.PageNo)
	if !ok {
		return TupleID{}, coreerrors.New(coreerrors.KindResourceExhausted, "heap.Table.placeNewVersion: buffer pool exhausted")
	}

	buf.Lock()
	slot := slotCount(buf.Bytes())
	id := TupleID{PageNo: originalID.PageNo, Slot: uint8(slot)}
	header := &Header{InsertTid: txn.ID(), CommandID: cid, Forward: id}
	tupleBytes, err := t.serializeTuple(header, values)
	if err != nil {
		buf.Unlock()
		buf.Unpin()
		return TupleID{}, err
	}
	if slot <= 255 && freeSpace(buf.Bytes()) >= len(tupleBytes)+slotEntrySize {
		appendTuple(buf.Bytes(), tupleBytes)
		buf.MarkDirty()
		buf.Unlock()
		buf.Unpin()
		return id, nil
	}
	buf.Unlock()
	buf.Unpin()

	newBuf, pageNo, err := t.fetchOrAllocateHighest()
	if err != nil {
		return TupleID{}, err
	}
	newBuf.Lock()
	newSlot := slotCount(newBuf.Bytes())
	newID := TupleID{PageNo: pageNo, Slot: uint8(newSlot)}
	header = &Header{InsertTid: txn.ID(), CommandID: cid, Forward: newID}
	tupleBytes, err = t.serializeTuple(header, values)
	if err != nil {
		newBuf.Unlock()
		newBuf.Unpin()
		return TupleID{}, err
	}
	if freeSpace(newBuf.Bytes()) < len(tupleBytes)+slotEntrySize {
		newBuf.Unlock()
		newBuf.Unpin()
		return TupleID{}, coreerrors.New(coreerrors.KindResourceExhausted, "heap.Table.placeNewVersion: tuple does not fit a fresh page")
	}
	appendTuple(newBuf.Bytes(), tupleBytes)
	newBuf.MarkDirty()
	newBuf.Unlock()
	newBuf.Unpin()
	return newID, nil
}

// waitThenRetry implements spec.md §4.6's BeingModified branch: acquire
// the tuple's exclusive lock once (for priority over other waiters), then
// wait for the blocking transaction to end via its self-lock, and let the
// caller loop back to re-classify.
func (t *Table) waitThenRetry(txn *transaction.Transaction, id TupleID, blockerTid uint32) error {
	owner := txn.ID()
	if err := t.locks.LockTuple(owner, t.tableID, tupleKey(id), transaction.Exclusive); err != nil {
		return err
	}
	defer t.locks.UnlockTuple(owner, t.tableID, tupleKey(id))

	if err := t.txns.WaitForEnd(owner, blockerTid); err != nil {
		return err
	}
	// Small backoff before retrying the classification loop, to avoid a
	// hot spin if the blocker ends and another updater immediately begins.
	time.Sleep(time.Millisecond)
	return nil
}

func tupleKey(id TupleID) uint64 {
	return uint64(id.PageNo)<<8 | uint64(id.Slot)
}
