package heap

import (
	"sync"
	"testing"
	"time"

	"txnstore/bufferpool"
	"txnstore/transaction"
	"txnstore/txnlog"
)

func newTestTable(t *testing.T, columns []Column) (*Table, *transaction.Manager) {
	t.Helper()
	mgr := bufferpool.NewManager(512, bufferpool.NewMemDisk(), nil, nil)
	log := txnlog.New(mgr)
	locks := transaction.NewLockManager(2 * time.Second)
	txns := transaction.NewManager(log, locks, nil)
	if err := txns.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	table := NewTable(1, columns, mgr, locks, txns)
	if err := table.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return table, txns
}

// TestBasicInsertScanS2 is spec.md §8 scenario S2.
func TestBasicInsertScanS2(t *testing.T) {
	columns := []Column{
		{Name: "a", Type: Int32},
		{Name: "b", Type: String},
		{Name: "c", Type: Bool},
		{Name: "d", Type: Int32, Nullable: true},
	}
	table, txns := newTestTable(t, columns)

	t1 := txns.StartTransaction(transaction.RepeatableRead)
	for i := 0; i < 10; i++ {
		values := []Value{
			Int32Value(int32(i)),
			StringValue("row"),
			BoolValue(i%2 == 0),
			Int32Value(int32(i * 10)),
		}
		if _, err := table.Insert(t1, values); err != nil {
			t.Fatalf("Insert(%d): %v", i, err)
		}
	}
	if err := t1.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	t2 := txns.StartTransaction(transaction.RepeatableRead)
	it := table.Scan(t2)
	defer it.Close()

	count := 0
	for {
		row, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		if len(row.Values) != 4 {
			t.Fatalf("expected 4 values, got %d", len(row.Values))
		}
		if row.Values[0].Type != Int32 || row.Values[1].Type != String ||
			row.Values[2].Type != Bool || row.Values[3].Type != Int32 {
			t.Fatalf("unexpected value types: %+v", row.Values)
		}
		count++
	}
	if count != 10 {
		t.Fatalf("expected 10 tuples, got %d", count)
	}
}

// TestDeleteS3 is spec.md §8 scenario S3.
func TestDeleteS3(t *testing.T) {
	columns := []Column{{Name: "a", Type: Int32}}
	table, txns := newTestTable(t, columns)

	t1 := txns.StartTransaction(transaction.RepeatableRead)
	id, err := table.Insert(t1, []Value{Int32Value(42)})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := t1.Commit(); err != nil {
		t.Fatalf("Commit insert: %v", err)
	}

	t2 := txns.StartTransaction(transaction.RepeatableRead)
	result, err := table.Delete(t2, id)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if result != ResultOk {
		t.Fatalf("expected ResultOk, got %v", result)
	}
	if err := t2.Commit(); err != nil {
		t.Fatalf("Commit delete: %v", err)
	}

	t3 := txns.StartTransaction(transaction.RepeatableRead)
	it := table.Scan(t3)
	defer it.Close()

	count := 0
	for {
		_, ok, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 0 {
		t.Fatalf("expected 0 tuples after delete, got %d", count)
	}
}

// TestDeleteVsAbortedDeleteS4 is spec.md §8 scenario S4: T_a deletes then
// aborts; T_b, blocked on the delete, succeeds with ResultOk once T_a ends.
func TestDeleteVsAbortedDeleteS4(t *testing.T) {
	columns := []Column{{Name: "a", Type: Int32}}
	table, txns := newTestTable(t, columns)

	inserter := txns.StartTransaction(transaction.RepeatableRead)
	id, err := table.Insert(inserter, []Value{Int32Value(1)})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := inserter.Commit(); err != nil {
		t.Fatalf("Commit insert: %v", err)
	}

	ta := txns.StartTransaction(transaction.RepeatableRead)
	if result, err := table.Delete(ta, id); err != nil || result != ResultOk {
		t.Fatalf("T_a delete: result=%v err=%v", result, err)
	}

	tb := txns.StartTransaction(transaction.RepeatableRead)
	var wg sync.WaitGroup
	var tbResult UpdateResult
	var tbErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		tbResult, tbErr = table.Delete(tb, id)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := ta.Abort(); err != nil {
		t.Fatalf("T_a abort: %v", err)
	}

	wg.Wait()
	if tbErr != nil {
		t.Fatalf("T_b delete: %v", tbErr)
	}
	if tbResult != ResultOk {
		t.Fatalf("expected T_b to see ResultOk after T_a aborted, got %v", tbResult)
	}
}

// TestDeleteVsCommittedDeleteS5 is spec.md §8 scenario S5: as S4, but T_a
// commits; T_b observes Deleted upon retry.
func TestDeleteVsCommittedDeleteS5(t *testing.T) {
	columns := []Column{{Name: "a", Type: Int32}}
	table, txns := newTestTable(t, columns)

	inserter := txns.StartTransaction(transaction.RepeatableRead)
	id, err := table.Insert(inserter, []Value{Int32Value(1)})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := inserter.Commit(); err != nil {
		t.Fatalf("Commit insert: %v", err)
	}

	ta := txns.StartTransaction(transaction.RepeatableRead)
	if result, err := table.Delete(ta, id); err != nil || result != ResultOk {
		t.Fatalf("T_a delete: result=%v err=%v", result, err)
	}

	tb := txns.StartTransaction(transaction.RepeatableRead)
	var wg sync.WaitGroup
	var tbResult UpdateResult
	var tbErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		tbResult, tbErr = table.Delete(tb, id)
	}()

	time.Sleep(50 * time.Millisecond)
	if err := ta.Commit(); err != nil {
		t.Fatalf("T_a commit: %v", err)
	}

	wg.Wait()
	if tbErr != nil {
		t.Fatalf("T_b delete: %v", tbErr)
	}
	if tbResult != ResultDeleted {
		t.Fatalf("expected T_b to observe Deleted after T_a committed, got %v", tbResult)
	}
}

// TestUpdateChainS6 is spec.md §8 scenario S6.
func TestUpdateChainS6(t *testing.T) {
	columns := []Column{{Name: "a", Type: Int32}}
	table, txns := newTestTable(t, columns)

	inserter := txns.StartTransaction(transaction.RepeatableRead)
	id, err := table.Insert(inserter, []Value{Int32Value(17)})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := inserter.Commit(); err != nil {
		t.Fatalf("Commit insert: %v", err)
	}
	if id.PageNo != 1 || id.Slot != 0 {
		t.Fatalf("expected tuple id (1,0), got (%d,%d)", id.PageNo, id.Slot)
	}

	t1b := txns.StartTransaction(transaction.RepeatableRead)
	result, forward, err := table.Update(t1b, id, []Value{Int32Value(21)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if result != ResultOk {
		t.Fatalf("expected ResultOk on first update, got %v", result)
	}
	if err := t1b.Commit(); err != nil {
		t.Fatalf("Commit update: %v", err)
	}

	t2 := txns.StartTransaction(transaction.RepeatableRead)
	result2, forward2, err := table.Update(t2, id, []Value{Int32Value(99)})
	if err != nil {
		t.Fatalf("second Update attempt: %v", err)
	}
	if result2 != ResultUpdatedForward {
		t.Fatalf("expected ResultUpdatedForward, got %v", result2)
	}
	if !forward2.Equal(forward) {
		t.Fatalf("expected forward pointer %+v, got %+v", forward, forward2)
	}
	if forward.PageNo != 1 || forward.Slot != 1 {
		t.Fatalf("expected new version at (1,1), got (%d,%d)", forward.PageNo, forward.Slot)
	}
}
