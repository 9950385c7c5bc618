package transaction

import (
	"math"
	"sync"
	"sync/atomic"

	coreerrors "txnstore/errors"
	"txnstore/internal/logging"
	"txnstore/txnlog"
)

// Manager is the transaction manager (spec.md §4.3): it owns the next-tid
// counter and the alive-tid set, and combines them with the durable log to
// answer spec.md §4.2's get(tid) query. Every transaction handle it
// produces shares this Manager's lock manager and log.
type Manager struct {
	log  *txnlog.Log
	lock *LockManager

	nextTid uint32 // atomic

	aliveMutex sync.RWMutex
	alive      map[uint32]struct{}

	logger *logging.Logger
}

// NewManager wraps a durable log and lock manager as a transaction manager.
// Call Bootstrap on a fresh database or Restore when reopening an existing
// one before starting any transactions.
func NewManager(log *txnlog.Log, lock *LockManager, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Default("transaction")
	}
	return &Manager{
		log:    log,
		lock:   lock,
		alive:  make(map[uint32]struct{}),
		logger: logger,
	}
}

// Bootstrap initializes a fresh database's log and seeds next_tid at
// FirstUserTid.
func (m *Manager) Bootstrap() error {
	if err := m.log.Bootstrap(); err != nil {
		return err
	}
	atomic.StoreUint32(&m.nextTid, FirstUserTid)
	return nil
}

// Restore reloads next_tid from the durable log after a process restart.
// The alive set starts empty and the log never stores InProgress, so a tid
// that was still in progress when the previous process stopped has no
// status bits in the log; Restore records nothing for it.
func (m *Manager) Restore() error {
	next, err := m.log.Load()
	if err != nil {
		return err
	}
	atomic.StoreUint32(&m.nextTid, next)
	return nil
}

// Snapshot captures the current next-tid boundary and alive set, for a
// newly started transaction or a ReadCommitted refresh.
func (m *Manager) Snapshot() Snapshot {
	m.aliveMutex.RLock()
	defer m.aliveMutex.RUnlock()

	alive := make(map[uint32]struct{}, len(m.alive))
	for tid := range m.alive {
		alive[tid] = struct{}{}
	}
	return Snapshot{TidMax: atomic.LoadUint32(&m.nextTid), Alive: alive}
}

// StartTransaction allocates a fresh tid, marks it alive, and returns a
// handle at the given isolation level (spec.md §4.3 "start_transaction").
// tid_max at capture time is deliberately tid+1, not whatever the global
// next-tid counter has reached by the time the snapshot is built: a
// transaction never considers itself able to see one started concurrently
// after it, even if that other transaction's allocation raced ahead of
// this snapshot's construction. Refresh (ReadCommitted) re-reads the live
// global counter instead, by design.
func (m *Manager) StartTransaction(isolation IsolationLevel) *Transaction {
	tid := atomic.AddUint32(&m.nextTid, 1) - 1

	m.aliveMutex.Lock()
	m.alive[tid] = struct{}{}
	alive := make(map[uint32]struct{}, len(m.alive))
	for t := range m.alive {
		alive[t] = struct{}{}
	}
	m.aliveMutex.Unlock()

	// tid holds an Exclusive lock on its own self-lock name for its entire
	// lifetime; other transactions acquire a Shared lock on this same name
	// to block until tid ends (WaitForEnd below).
	_ = m.lock.LockTransaction(tid, tid, Exclusive)

	return &Transaction{
		tid:       tid,
		isolation: isolation,
		manager:   m,
		snapshot:  Snapshot{TidMax: tid + 1, Alive: alive},
	}
}

// BootstrapTransaction returns the special transaction spec.md §4.3
// describes: tid = BootstrapTid, tid_max = math.MaxUint32, for initial
// catalog creation only. It is never written to the durable log — its
// Commit/Abort (see handle.go) are no-ops rather than log writes.
func (m *Manager) BootstrapTransaction() *Transaction {
	return &Transaction{
		tid:       BootstrapTid,
		isolation: RepeatableRead,
		manager:   m,
		snapshot:  Snapshot{TidMax: math.MaxUint32, Alive: map[uint32]struct{}{}},
	}
}

// StartImplicitTransaction starts a single-statement transaction that the
// caller commits immediately after its one operation completes — the path
// spec.md §4.3 names for statements issued outside an explicit transaction
// block.
func (m *Manager) StartImplicitTransaction() *Transaction {
	return m.StartTransaction(ReadCommitted)
}

// Status answers spec.md §4.2's get(tid): check alive_tids first, then
// whether tid hasn't been allocated yet, and only then fall back to the
// durable log bits.
func (m *Manager) Status(tid uint32) (Status, error) {
	if tid == BootstrapTid {
		return StatusCommitted, nil
	}

	m.aliveMutex.RLock()
	_, alive := m.alive[tid]
	m.aliveMutex.RUnlock()
	if alive {
		return StatusInProgress, nil
	}

	if tid >= atomic.LoadUint32(&m.nextTid) {
		return StatusInvalid, nil
	}

	return m.log.ReadBits(tid)
}

// commit finalizes tid as Committed. Per spec.md §5, removal from
// alive_tids happens-before the log write: any other transaction that
// observes tid as not-alive and then reads the log gets either the final
// status (if already written) or Invalid, which is conservatively treated
// as Aborted for visibility purposes (spec.md §4.5) — never a regression.
func (m *Manager) commit(tid uint32) error {
	m.aliveMutex.Lock()
	delete(m.alive, tid)
	m.aliveMutex.Unlock()

	if err := m.log.WriteBits(tid, txnlog.Committed); err != nil {
		return err
	}
	if err := m.log.Flush(); err != nil {
		return err
	}
	return m.lock.UnlockTransaction(tid, tid)
}

// abort finalizes tid as Aborted, with the same ordering guarantee as commit.
func (m *Manager) abort(tid uint32) error {
	m.aliveMutex.Lock()
	delete(m.alive, tid)
	m.aliveMutex.Unlock()

	if err := m.log.WriteBits(tid, txnlog.Aborted); err != nil {
		return err
	}
	if err := m.log.Flush(); err != nil {
		return err
	}
	return m.lock.UnlockTransaction(tid, tid)
}

// WaitForEnd blocks the caller until tid commits or aborts, using the lock
// manager's tid-keyed self-lock: tid holds an Exclusive lock on itself for
// its lifetime and releases it at commit/abort time (spec.md §4.1's
// "lock_transaction", the mechanism first-updater-wins arbitration uses to
// find out how a concurrent updater's transaction ended).
func (m *Manager) WaitForEnd(waiter, tid uint32) error {
	if err := m.lock.LockTransaction(waiter, tid, Shared); err != nil {
		return coreerrors.Wrap(coreerrors.KindResourceExhausted, "Manager.WaitForEnd", err)
	}
	return m.lock.UnlockTransaction(waiter, tid)
}
