package txnlog

import (
	"testing"

	"txnstore/bufferpool"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	mgr := bufferpool.NewManager(64, bufferpool.NewMemDisk(), nil, nil)
	log := New(mgr)
	if err := log.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return log
}

func TestLoadFreshDatabaseStartsAtTwo(t *testing.T) {
	log := newTestLog(t)
	next, err := log.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if next != 2 {
		t.Errorf("expected next tid 2 on a fresh database, got %d", next)
	}
}

func TestLoadWithoutBootstrapIsCorruption(t *testing.T) {
	mgr := bufferpool.NewManager(64, bufferpool.NewMemDisk(), nil, nil)
	log := New(mgr)
	if _, err := log.Load(); err == nil {
		t.Fatal("expected Load on an empty database to fail")
	}
}

func TestWriteBitsRoundtrip(t *testing.T) {
	log := newTestLog(t)

	cases := []struct {
		tid    uint32
		status Status
	}{
		{2, Committed},
		{3, Aborted},
		{7, Committed},
		{8, Aborted},
	}
	for _, c := range cases {
		if err := log.WriteBits(c.tid, c.status); err != nil {
			t.Fatalf("WriteBits(%d, %v): %v", c.tid, c.status, err)
		}
	}
	if err := log.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	for _, c := range cases {
		got, err := log.ReadBits(c.tid)
		if err != nil {
			t.Fatalf("ReadBits(%d): %v", c.tid, err)
		}
		if got != c.status {
			t.Errorf("tid %d: expected %v, got %v", c.tid, c.status, got)
		}
	}

	// An untouched tid within the same byte range reads Invalid.
	got, err := log.ReadBits(4)
	if err != nil {
		t.Fatalf("ReadBits(4): %v", err)
	}
	if got != Invalid {
		t.Errorf("expected Invalid for untouched tid 4, got %v", got)
	}
}

// TestLoadAllZeroFinalPageEdgeCase covers the case where the log table's
// highest page was allocated (e.g. by fetchOrAllocate extending the table
// to make room for a later tid) but never had a status byte written on
// it — scanHighest finds nothing, and Load returns the page's first tid
// plus one, matching the original's highest_tid initialized to tid_offset
// and unconditionally stored as highest_tid+1.
func TestLoadAllZeroFinalPageEdgeCase(t *testing.T) {
	disk := bufferpool.NewMemDisk()
	mgr := bufferpool.NewManager(64, disk, nil, nil)
	log := New(mgr)
	if err := log.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	buf, err := log.fetchOrAllocate(2)
	if err != nil {
		t.Fatalf("fetchOrAllocate(2): %v", err)
	}
	buf.Unpin()
	if err := log.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	reopened := New(bufferpool.NewManager(64, disk, nil, nil))
	next, err := reopened.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := tidFor(2, 0, 0) + 1; next != want {
		t.Errorf("expected next tid %d for an all-zero final page, got %d", want, next)
	}
}

// TestBootstrapReloadS1 is spec.md §8 scenario S1, restricted to the log's
// own responsibility (bit-packed durability across a reload); the tid
// allocation and alive-set bookkeeping layered on top live in the
// transaction package's tests.
func TestBootstrapReloadS1(t *testing.T) {
	disk := bufferpool.NewMemDisk()
	mgr := bufferpool.NewManager(512, disk, nil, nil)
	log := New(mgr)
	if err := log.Bootstrap(); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	const pageSize = bufferpool.PageSize
	highestTid := uint32(4*pageSize + 3)

	for tid := uint32(4); tid <= highestTid; tid++ {
		status := Committed
		if tid%5 == 0 {
			status = Aborted
		}
		if err := log.WriteBits(tid, status); err != nil {
			t.Fatalf("WriteBits(%d): %v", tid, err)
		}
	}
	if err := log.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Reopen: a fresh Manager/Log pair over the same disk, as a process
	// restart would produce.
	reopened := New(bufferpool.NewManager(512, disk, nil, nil))
	next, err := reopened.Load()
	if err != nil {
		t.Fatalf("Load after reopen: %v", err)
	}
	if want := highestTid + 1; next != want {
		t.Errorf("expected next tid %d after reload, got %d", want, next)
	}

	for tid := uint32(4); tid <= highestTid; tid++ {
		got, err := reopened.ReadBits(tid)
		if err != nil {
			t.Fatalf("ReadBits(%d): %v", tid, err)
		}
		want := Committed
		if tid%5 == 0 {
			want = Aborted
		}
		if got != want {
			t.Fatalf("tid %d: expected %v after reload, got %v", tid, want, got)
		}
	}
}
