package transaction

import (
	"sync"
	"time"

	coreerrors "txnstore/errors"
)

// lockRequest is a pending grant, parked on a resource's wait queue until a
// holder releases or the lock manager's wait timeout fires.
type lockRequest struct {
	owner    uint32
	mode     LockMode
	done     chan struct{}
	canceled bool
}

// resourceLock is the holder set and wait queue for one lock name, which is
// either a tid (self-lock, spec.md §4.1's "lock_transaction") or a
// (table_id, tuple_id) pair encoded as a string (spec.md §4.1's
// "lock_tuple").
type resourceLock struct {
	mutex   sync.Mutex
	holders map[uint32]LockMode
	waiters []*lockRequest
}

func (r *resourceLock) canGrant(mode LockMode) bool {
	if len(r.holders) == 0 {
		return true
	}
	if mode == Shared {
		for _, held := range r.holders {
			if held == Exclusive {
				return false
			}
		}
		return true
	}
	return false
}

// LockManager grants Shared/Exclusive locks over two independent name
// spaces: transaction ids (a transaction's own "alive" self-lock, which
// other transactions wait on to learn it has ended) and tuple ids (the
// row-level lock described in spec.md §4.1 and exercised by the heap
// table's first-updater-wins arbitration). There is deliberately no
// deadlock detection: spec.md's Non-goals name this out of scope, and
// callers are expected to use lock ordering or statement-level timeouts
// to avoid cycles.
type LockManager struct {
	mutex   sync.Mutex
	tids    map[uint32]*resourceLock
	tuples  map[string]*resourceLock
	timeout time.Duration
}

// NewLockManager creates a lock manager. A non-positive timeout disables
// the wait timeout (requests block until granted).
func NewLockManager(timeout time.Duration) *LockManager {
	return &LockManager{
		tids:    make(map[uint32]*resourceLock),
		tuples:  make(map[string]*resourceLock),
		timeout: timeout,
	}
}

func tupleKey(tableID uint32, tupleID uint64) string {
	buf := make([]byte, 0, 12)
	for i := 0; i < 4; i++ {
		buf = append(buf, byte(tableID>>(8*uint(i))))
	}
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(tupleID>>(8*uint(i))))
	}
	return string(buf)
}

// LockTransaction acquires a lock on tid's own self-lock name, the
// mechanism by which one transaction waits for another to commit or abort
// (spec.md §4.1 "lock_transaction", used by first-updater-wins arbitration
// in the heap table).
func (lm *LockManager) LockTransaction(owner, tid uint32, mode LockMode) error {
	return lm.acquire(owner, lm.getOrCreate(lm.tids, tid), mode)
}

// UnlockTransaction releases owner's hold on tid's self-lock.
func (lm *LockManager) UnlockTransaction(owner, tid uint32) error {
	lm.mutex.Lock()
	rl, ok := lm.tids[tid]
	lm.mutex.Unlock()
	if !ok {
		return coreerrors.New(coreerrors.KindStateMisuse, "LockManager.UnlockTransaction: no such resource")
	}
	return lm.release(owner, rl)
}

// LockTuple acquires a lock on a single heap tuple, identified by
// (table_id, tuple_id).
func (lm *LockManager) LockTuple(owner uint32, tableID uint32, tupleID uint64, mode LockMode) error {
	return lm.acquire(owner, lm.getOrCreateTuple(tableID, tupleID), mode)
}

// UnlockTuple releases owner's hold on the named tuple.
func (lm *LockManager) UnlockTuple(owner uint32, tableID uint32, tupleID uint64) error {
	lm.mutex.Lock()
	rl, ok := lm.tuples[tupleKey(tableID, tupleID)]
	lm.mutex.Unlock()
	if !ok {
		return coreerrors.New(coreerrors.KindStateMisuse, "LockManager.UnlockTuple: no such resource")
	}
	return lm.release(owner, rl)
}

func (lm *LockManager) getOrCreate(table map[uint32]*resourceLock, key uint32) *resourceLock {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	rl, ok := table[key]
	if !ok {
		rl = &resourceLock{holders: make(map[uint32]LockMode)}
		table[key] = rl
	}
	return rl
}

func (lm *LockManager) getOrCreateTuple(tableID uint32, tupleID uint64) *resourceLock {
	lm.mutex.Lock()
	defer lm.mutex.Unlock()
	key := tupleKey(tableID, tupleID)
	rl, ok := lm.tuples[key]
	if !ok {
		rl = &resourceLock{holders: make(map[uint32]LockMode)}
		lm.tuples[key] = rl
	}
	return rl
}

func (lm *LockManager) acquire(owner uint32, rl *resourceLock, mode LockMode) error {
	rl.mutex.Lock()
	if existing, holds := rl.holders[owner]; holds {
		if existing == Exclusive || existing == mode {
			rl.mutex.Unlock()
			return nil
		}
		// Upgrade Shared->Exclusive only if owner is the sole holder.
		if len(rl.holders) == 1 {
			rl.holders[owner] = Exclusive
			rl.mutex.Unlock()
			return nil
		}
	}
	if rl.canGrant(mode) {
		rl.holders[owner] = mode
		rl.mutex.Unlock()
		return nil
	}

	req := &lockRequest{owner: owner, mode: mode, done: make(chan struct{})}
	rl.waiters = append(rl.waiters, req)
	rl.mutex.Unlock()

	if lm.timeout <= 0 {
		<-req.done
		return nil
	}
	select {
	case <-req.done:
		return nil
	case <-time.After(lm.timeout):
		rl.mutex.Lock()
		req.canceled = true
		rl.mutex.Unlock()
		return coreerrors.New(coreerrors.KindResourceExhausted, "LockManager.acquire: timed out waiting for lock")
	}
}

func (lm *LockManager) release(owner uint32, rl *resourceLock) error {
	rl.mutex.Lock()
	if _, holds := rl.holders[owner]; !holds {
		rl.mutex.Unlock()
		return coreerrors.New(coreerrors.KindStateMisuse, "LockManager.release: owner does not hold this lock")
	}
	delete(rl.holders, owner)
	lm.grantWaitersLocked(rl)
	rl.mutex.Unlock()
	return nil
}

func (lm *LockManager) grantWaitersLocked(rl *resourceLock) {
	i := 0
	for i < len(rl.waiters) {
		req := rl.waiters[i]
		if req.canceled {
			rl.waiters = append(rl.waiters[:i], rl.waiters[i+1:]...)
			continue
		}
		if !rl.canGrant(req.mode) {
			i++
			continue
		}
		rl.holders[req.owner] = req.mode
		rl.waiters = append(rl.waiters[:i], rl.waiters[i+1:]...)
		close(req.done)
	}
}
