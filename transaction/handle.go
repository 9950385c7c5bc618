package transaction

import (
	"sync"
	"sync/atomic"

	coreerrors "txnstore/errors"
)

// Transaction is the per-session handle spec.md §4.4 describes: a tid, its
// isolation level, a snapshot, and a running command id, plus the
// end-state cell a caller can inspect after commit/abort/expect_rollback.
type Transaction struct {
	tid       uint32
	isolation IsolationLevel
	manager   *Manager

	commandID uint32 // atomic, most recently issued cid (0 before the first statement)

	mutex    sync.Mutex
	snapshot Snapshot
	end      EndState
}

// ID returns this transaction's tid.
func (t *Transaction) ID() uint32 { return t.tid }

// Isolation returns the isolation level this transaction was started with.
func (t *Transaction) Isolation() IsolationLevel { return t.isolation }

// NextCommandID advances the transaction to a new statement and returns
// its cid. The transaction's "current" command id is always the most
// recently returned value, so a statement comparing its own inserts'
// tagged cid against the live counter finds them equal — not less-than —
// and correctly fails its own-write check (spec.md §4.5's own-write rule).
// Exceeding MaxCommandID is a caller error: a transaction is limited to
// 255 statements (spec.md §3). Under ReadCommitted each new statement also
// refreshes the snapshot (see Refresh).
func (t *Transaction) NextCommandID() (uint8, error) {
	for {
		current := atomic.LoadUint32(&t.commandID)
		if current >= uint32(MaxCommandID) {
			return 0, coreerrors.New(coreerrors.KindResourceExhausted, "Transaction.NextCommandID: command id exhausted")
		}
		next := current + 1
		if atomic.CompareAndSwapUint32(&t.commandID, current, next) {
			if t.isolation == ReadCommitted {
				t.Refresh()
			}
			return uint8(next), nil
		}
	}
}

// Refresh recomputes the snapshot from the manager's current state. Under
// RepeatableRead this must never be called mid-transaction; under
// ReadCommitted NextCommandID calls it at the start of each statement
// (spec.md §3).
func (t *Transaction) Refresh() {
	snap := t.manager.Snapshot()
	t.mutex.Lock()
	t.snapshot = snap
	t.mutex.Unlock()
}

// Snapshot returns the transaction's currently active snapshot.
func (t *Transaction) Snapshot() Snapshot {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.snapshot
}

// EndState returns the transaction's current terminal-state cell.
func (t *Transaction) EndState() EndState {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.end
}

// Commit finalizes the transaction as Committed. It is an error to commit
// a transaction already past EndNone (spec.md §4.4's transition rules: a
// transaction may only leave None once).
func (t *Transaction) Commit() error {
	t.mutex.Lock()
	if t.end != EndNone {
		t.mutex.Unlock()
		return coreerrors.New(coreerrors.KindStateMisuse, "Transaction.Commit: transaction already ended")
	}
	t.mutex.Unlock()

	// The bootstrap transaction is never written to the log (spec.md §4.3);
	// it has no alive-set entry or self-lock to release either.
	if t.tid != BootstrapTid {
		if err := t.manager.commit(t.tid); err != nil {
			return err
		}
	}

	t.mutex.Lock()
	t.end = EndCommitted
	t.mutex.Unlock()
	return nil
}

// Abort finalizes the transaction as Aborted. Unlike Commit, Abort is
// idempotent from ExpectedRollback: a transaction that has already been
// marked for rollback (e.g. after a statement failure) may still be
// formally aborted.
func (t *Transaction) Abort() error {
	t.mutex.Lock()
	if t.end == EndCommitted || t.end == EndAborted {
		t.mutex.Unlock()
		return coreerrors.New(coreerrors.KindStateMisuse, "Transaction.Abort: transaction already ended")
	}
	t.mutex.Unlock()

	if t.tid != BootstrapTid {
		if err := t.manager.abort(t.tid); err != nil {
			return err
		}
	}

	t.mutex.Lock()
	t.end = EndAborted
	t.mutex.Unlock()
	return nil
}

// ExpectRollback marks the transaction for a mandatory abort after a
// statement failed (spec.md §4.4). From then on Commit and CheckActive
// return an error and only Abort succeeds; heap operations do not check
// this state themselves.
func (t *Transaction) ExpectRollback() {
	t.mutex.Lock()
	if t.end == EndNone {
		t.end = EndExpectedRollback
	}
	t.mutex.Unlock()
}

// CheckActive returns an error if the transaction is not eligible to
// perform further operations (it has committed, aborted, or been marked
// for mandatory rollback).
func (t *Transaction) CheckActive() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.end != EndNone {
		return coreerrors.New(coreerrors.KindStateMisuse, "Transaction.CheckActive: transaction is "+t.end.String())
	}
	return nil
}

// IsVisible implements spec.md §4.5's MVCC visibility predicate exactly:
// insert_tid's and, where relevant, delete_tid's current status come from
// the transaction manager's live log/alive-set lookup, while "was this tid
// alive when snapshot was taken" comes from this transaction's own
// snapshot. These are deliberately different views of the world: a tid can
// commit after T's snapshot was taken without that making its writes
// visible to T.
func (t *Transaction) IsVisible(insertTid uint32, cid uint8, deleteTid uint32) bool {
	snap := t.Snapshot()

	if insertTid >= snap.TidMax {
		return false
	}

	insertStatus, err := t.manager.Status(insertTid)
	if err != nil {
		return false
	}
	switch insertStatus {
	case StatusInvalid, StatusAborted:
		return false
	case StatusInProgress:
		return insertTid == t.tid && deleteTid == NoTransaction && uint32(cid) < atomic.LoadUint32(&t.commandID)
	}
	// Committed.
	if snap.IsAlive(insertTid) {
		return false
	}
	if deleteTid == NoTransaction || deleteTid >= snap.TidMax {
		return true
	}

	deleteStatus, err := t.manager.Status(deleteTid)
	if err != nil {
		return false
	}
	switch deleteStatus {
	case StatusInvalid, StatusAborted:
		return true
	case StatusInProgress:
		return deleteTid != t.tid
	default: // Committed
		return snap.IsAlive(deleteTid)
	}
}
