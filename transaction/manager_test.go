package transaction

import (
	"testing"

	"txnstore/bufferpool"
	"txnstore/txnlog"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mgr := bufferpool.NewManager(256, bufferpool.NewMemDisk(), nil, nil)
	log := txnlog.New(mgr)
	m := NewManager(log, NewLockManager(0), nil)
	if err := m.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return m
}

func TestStartTransactionAllocatesIncreasingTids(t *testing.T) {
	m := newTestManager(t)
	t1 := m.StartTransaction(RepeatableRead)
	t2 := m.StartTransaction(RepeatableRead)
	if t2.ID() <= t1.ID() {
		t.Fatalf("expected increasing tids, got %d then %d", t1.ID(), t2.ID())
	}
}

func TestBootstrapTidAlwaysCommitted(t *testing.T) {
	m := newTestManager(t)
	status, err := m.Status(BootstrapTid)
	if err != nil {
		t.Fatalf("Status(bootstrap): %v", err)
	}
	if status != StatusCommitted {
		t.Fatalf("expected bootstrap tid to read Committed, got %v", status)
	}
}

// TestBootstrapTransactionCommitIsNotLogged verifies that committing the
// special bootstrap transaction (spec.md §4.3) never touches the durable
// log: its tid is never added to alive_tids, so nothing is removed, and
// Status(BootstrapTid) keeps returning Committed via the tid==1 special
// case rather than a log read.
func TestBootstrapTransactionCommitIsNotLogged(t *testing.T) {
	m := newTestManager(t)
	boot := m.BootstrapTransaction()
	if boot.ID() != BootstrapTid {
		t.Fatalf("expected bootstrap transaction tid %d, got %d", BootstrapTid, boot.ID())
	}
	if err := boot.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	status, err := m.Status(BootstrapTid)
	if err != nil {
		t.Fatalf("Status(bootstrap): %v", err)
	}
	if status != StatusCommitted {
		t.Fatalf("expected bootstrap tid to still read Committed, got %v", status)
	}
}

// TestCommittedInsertVisibleAfterCommitProperty2 is spec.md §8 property 2:
// a committed insert becomes visible to transactions started after the
// commit, and invisible to one started before it.
func TestCommittedInsertVisibleAfterCommitProperty2(t *testing.T) {
	m := newTestManager(t)

	before := m.StartTransaction(RepeatableRead)

	writer := m.StartTransaction(RepeatableRead)
	cid, err := writer.NextCommandID()
	if err != nil {
		t.Fatalf("NextCommandID: %v", err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	after := m.StartTransaction(RepeatableRead)

	if before.IsVisible(writer.ID(), cid, NoTransaction) {
		t.Error("insert should be invisible to a transaction started before the commit")
	}
	if !after.IsVisible(writer.ID(), cid, NoTransaction) {
		t.Error("insert should be visible to a transaction started after the commit")
	}
}

// TestCommittedUpdateExactlyOneVisibleVersionProperty3 is spec.md §8
// property 3: neither the pre- nor the post-image of a committed update is
// visible together to a third reader.
func TestCommittedUpdateExactlyOneVisibleVersionProperty3(t *testing.T) {
	m := newTestManager(t)

	inserter := m.StartTransaction(RepeatableRead)
	insertCid, err := inserter.NextCommandID()
	if err != nil {
		t.Fatalf("NextCommandID: %v", err)
	}
	if err := inserter.Commit(); err != nil {
		t.Fatalf("Commit insert: %v", err)
	}

	updater := m.StartTransaction(RepeatableRead)
	_, err = updater.NextCommandID()
	if err != nil {
		t.Fatalf("NextCommandID: %v", err)
	}
	if err := updater.Commit(); err != nil {
		t.Fatalf("Commit update: %v", err)
	}

	reader := m.StartTransaction(RepeatableRead)

	preImageVisible := reader.IsVisible(inserter.ID(), insertCid, updater.ID())
	postImageVisible := reader.IsVisible(updater.ID(), 0, NoTransaction)

	if preImageVisible && postImageVisible {
		t.Fatal("both pre- and post-image visible to the same reader")
	}
	if !preImageVisible && !postImageVisible {
		t.Fatal("neither pre- nor post-image visible to the reader")
	}
}

func TestAbortedInsertNeverVisible(t *testing.T) {
	m := newTestManager(t)
	writer := m.StartTransaction(RepeatableRead)
	cid, _ := writer.NextCommandID()
	if err := writer.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	reader := m.StartTransaction(RepeatableRead)
	if reader.IsVisible(writer.ID(), cid, NoTransaction) {
		t.Error("aborted insert must never be visible")
	}
}

func TestOwnWriteNotVisibleToSameStatement(t *testing.T) {
	m := newTestManager(t)
	txn := m.StartTransaction(RepeatableRead)
	insertCid, err := txn.NextCommandID()
	if err != nil {
		t.Fatalf("NextCommandID: %v", err)
	}
	// The same statement's own insert must not see itself.
	if txn.IsVisible(txn.ID(), insertCid, NoTransaction) {
		t.Error("a statement must not see its own in-progress insert")
	}
	// A later statement in the same transaction does see it.
	laterCid, err := txn.NextCommandID()
	if err != nil {
		t.Fatalf("NextCommandID: %v", err)
	}
	if !txn.IsVisible(txn.ID(), insertCid, NoTransaction) {
		t.Error("a later statement should see the transaction's own earlier insert")
	}
	_ = laterCid
}

func TestCommitThenAbortIsStateMisuse(t *testing.T) {
	m := newTestManager(t)
	txn := m.StartTransaction(RepeatableRead)
	if err := txn.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := txn.Abort(); err == nil {
		t.Fatal("expected abort-after-commit to fail")
	}
}

func TestExpectRollbackThenAbortSucceeds(t *testing.T) {
	m := newTestManager(t)
	txn := m.StartTransaction(RepeatableRead)
	txn.ExpectRollback()
	if err := txn.CheckActive(); err == nil {
		t.Fatal("expected CheckActive to fail after ExpectRollback")
	}
	if err := txn.Abort(); err != nil {
		t.Fatalf("abort from ExpectedRollback should succeed: %v", err)
	}
}
