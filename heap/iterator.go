package heap

import (
	"txnstore/bufferpool"
	"txnstore/transaction"
)

// Row is one visible tuple yielded by a scan, carrying its physical
// location alongside its decoded values.
type Row struct {
	ID     TupleID
	Values []Value
}

// Iterator walks a table's pages 1..highest, slot 0..slot_count, applying
// the transaction's visibility predicate to each header (spec.md §4.6
// "Iteration").
type Iterator struct {
	table *Table
	txn   *transaction.Transaction

	highest uint32
	page    uint32
	buf     *bufferpool.Buffer
	slot    int
}

// Scan starts a new visibility-filtered iterator over the table.
func (t *Table) Scan(txn *transaction.Transaction) *Iterator {
	return &Iterator{
		table:   t,
		txn:     txn,
		highest: t.pages.HighestPageNo(t.tableID),
		page:    1,
	}
}

// Next advances the iterator and returns the next visible row, or
// (Row{}, false, nil) when the scan is exhausted. Close must be called
// when the caller stops iterating early.
func (it *Iterator) Next() (Row, bool, error) {
	for {
		if it.buf == nil {
			if it.page > it.highest {
				return Row{}, false, nil
			}
			buf, ok := it.table.pages.Fetch(it.table.tableID, it.page)
			if !ok {
				return Row{}, false, nil
			}
			it.buf = buf
			it.slot = 0
		}

		it.buf.RLock()
		count := slotCount(it.buf.Bytes())
		if it.slot >= count {
			it.buf.RUnlock()
			it.buf.Unpin()
			it.buf = nil
			it.page++
			continue
		}

		offset, size, err := slotAt(it.buf.Bytes(), it.slot)
		if err != nil {
			it.buf.RUnlock()
			return Row{}, false, err
		}
		tupleBytes := append([]byte(nil), it.buf.Bytes()[offset:offset+size]...)
		it.buf.RUnlock()

		header, values, err := it.table.deserializeTuple(tupleBytes)
		if err != nil {
			return Row{}, false, err
		}
		id := TupleID{PageNo: it.page, Slot: uint8(it.slot)}
		it.slot++

		if !it.txn.IsVisible(header.InsertTid, header.CommandID, header.DeleteTid) {
			continue
		}
		return Row{ID: id, Values: values}, true, nil
	}
}

// Close releases the iterator's currently pinned page, if any.
func (it *Iterator) Close() {
	if it.buf != nil {
		it.buf.Unpin()
		it.buf = nil
	}
}
