package transaction

import (
	"testing"
	"time"
)

func TestLockTupleExclusiveBlocksExclusive(t *testing.T) {
	lm := NewLockManager(0)
	if err := lm.LockTuple(1, 0, 5, Exclusive); err != nil {
		t.Fatalf("LockTuple(1): %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- lm.LockTuple(2, 0, 5, Exclusive)
	}()

	select {
	case <-done:
		t.Fatal("second exclusive lock granted while first is held")
	case <-time.After(50 * time.Millisecond):
	}

	if err := lm.UnlockTuple(1, 0, 5); err != nil {
		t.Fatalf("UnlockTuple(1): %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("LockTuple(2) after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second exclusive lock never granted after release")
	}
}

func TestLockTupleSharedAllowsConcurrentReaders(t *testing.T) {
	lm := NewLockManager(0)
	if err := lm.LockTuple(1, 0, 9, Shared); err != nil {
		t.Fatalf("LockTuple(1): %v", err)
	}
	if err := lm.LockTuple(2, 0, 9, Shared); err != nil {
		t.Fatalf("LockTuple(2) shared should not block on another shared holder: %v", err)
	}
}

func TestLockTupleUpgradeSharedToExclusiveAsSoleHolder(t *testing.T) {
	lm := NewLockManager(0)
	if err := lm.LockTuple(1, 0, 3, Shared); err != nil {
		t.Fatalf("LockTuple(1) shared: %v", err)
	}
	if err := lm.LockTuple(1, 0, 3, Exclusive); err != nil {
		t.Fatalf("upgrade to exclusive as sole holder: %v", err)
	}
}

func TestUnlockTupleWithoutHoldingIsError(t *testing.T) {
	lm := NewLockManager(0)
	if err := lm.LockTuple(1, 0, 1, Shared); err != nil {
		t.Fatalf("LockTuple(1): %v", err)
	}
	if err := lm.UnlockTuple(2, 0, 1); err == nil {
		t.Fatal("expected error releasing a lock never held")
	}
}

func TestLockTransactionWaitForEndSemantics(t *testing.T) {
	lm := NewLockManager(0)
	const tid = uint32(7)
	if err := lm.LockTransaction(tid, tid, Exclusive); err != nil {
		t.Fatalf("self-lock: %v", err)
	}

	waiterDone := make(chan struct{})
	go func() {
		_ = lm.LockTransaction(99, tid, Shared)
		_ = lm.UnlockTransaction(99, tid)
		close(waiterDone)
	}()

	select {
	case <-waiterDone:
		t.Fatal("waiter returned before tid released its self-lock")
	case <-time.After(50 * time.Millisecond):
	}

	if err := lm.UnlockTransaction(tid, tid); err != nil {
		t.Fatalf("UnlockTransaction: %v", err)
	}

	select {
	case <-waiterDone:
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after self-lock release")
	}
}

func TestLockManagerTimeout(t *testing.T) {
	lm := NewLockManager(20 * time.Millisecond)
	if err := lm.LockTuple(1, 0, 1, Exclusive); err != nil {
		t.Fatalf("LockTuple(1): %v", err)
	}
	if err := lm.LockTuple(2, 0, 1, Exclusive); err == nil {
		t.Fatal("expected timeout error waiting on a held exclusive lock")
	}
}
