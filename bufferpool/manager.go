// Package bufferpool implements the buffer manager spec.md §1 and §6 name
// as an external collaborator ("supplies pinned, lockable page buffers by
// (table_id, page_no) and persists dirty pages"). It is infrastructure for
// the transactional storage core, not a new concern: no WAL, no catalog,
// no query logic lives here.
package bufferpool

import (
	"sync"

	coreerrors "txnstore/errors"
	"txnstore/internal/logging"
)

// CompressionStats reports cumulative bytes a configured Compressor has
// saved on flushed pages. When a Compressor is configured, flushLocked
// persists its output (wrapped in a small pageHeader, see compression.go)
// instead of the raw page, and Fetch reverses it — these counters are a
// record of what that actually saved, not an estimate.
type CompressionStats struct {
	BytesObserved int64
	BytesSaved    int64
}

type compressionCounters struct {
	mutex sync.Mutex
	CompressionStats
}

func (s *compressionCounters) record(original, compressed int) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.BytesObserved += int64(original)
	if compressed < original {
		s.BytesSaved += int64(original - compressed)
	}
}

// Manager is the buffer manager: a fixed-capacity table of pinned page
// buffers backed by a Disk, with LRU eviction of unpinned buffers.
type Manager struct {
	mutex    sync.RWMutex
	capacity int
	buffers  map[PageID]*Buffer
	lru      []*Buffer // approximate recency order, oldest first
	disk     Disk

	compressor Compressor
	compStats  compressionCounters

	log *logging.Logger
}

// NewManager creates a Manager with room for capacity pages, backed by disk.
// A nil compressor disables page compression entirely: pages are read and
// written raw, with no header at all. A non-nil compressor requires disk
// to have been opened with page slots sized for CompressionHeaderSize
// overhead (see cmd/server's disk setup).
func NewManager(capacity int, disk Disk, compressor Compressor, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default("bufferpool")
	}
	return &Manager{
		capacity:   capacity,
		buffers:    make(map[PageID]*Buffer),
		disk:       disk,
		compressor: compressor,
		log:        log,
	}
}

// CreateTable registers a new table with the underlying disk.
func (m *Manager) CreateTable(tableID uint32) error {
	if err := m.disk.CreateTable(tableID); err != nil {
		return coreerrors.Wrap(coreerrors.KindIO, "Manager.CreateTable", err)
	}
	return nil
}

// HighestPageNo returns the highest allocated page for tableID, or
// InvalidPageNo if the table has no pages yet.
func (m *Manager) HighestPageNo(tableID uint32) uint32 {
	m.mutex.RLock()
	highest := m.highestLocked(tableID)
	m.mutex.RUnlock()
	return highest
}

// highestLocked computes the highest page number across both the disk and
// any buffered pages not yet flushed, without taking the map lock itself
// (the caller already holds it for reading).
func (m *Manager) highestLocked(tableID uint32) uint32 {
	highest := m.disk.HighestPageNo(tableID)
	for id := range m.buffers {
		if id.TableID == tableID && id.PageNo > highest {
			highest = id.PageNo
		}
	}
	return highest
}

// Fetch returns the buffer for (tableID, pageNo), reading it from disk and
// pinning it in the pool if it is not already resident. Returns false if
// the pool is full and no buffer could be evicted to make room.
func (m *Manager) Fetch(tableID, pageNo uint32) (*Buffer, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	id := PageID{TableID: tableID, PageNo: pageNo}
	if buf, ok := m.buffers[id]; ok {
		m.pinLocked(buf)
		return buf, true
	}

	raw, ok := m.disk.ReadPage(tableID, pageNo)
	if !ok {
		return nil, false
	}
	data, err := m.decodeFromDisk(raw)
	if err != nil {
		m.log.Error("page decode failed", map[string]interface{}{
			"table_id": tableID,
			"page_no":  pageNo,
			"error":    err.Error(),
		})
		return nil, false
	}

	buf := &Buffer{id: id, mgr: m}
	copy(buf.data[:], data)

	if !m.makeRoomLocked() {
		return nil, false
	}
	m.buffers[id] = buf
	m.pinLocked(buf)
	return buf, true
}

// AllocateNewPage allocates a fresh, zero-filled page for tableID and pins
// it. It re-queries the highest page number under the pool's lock
// immediately before assigning the new page number, so a concurrent
// allocator never observes a stale predecessor page id (spec.md §9's
// flagged "stale highest page" hazard does not arise here: the
// query-then-assign sequence is atomic with respect to this pool's lock).
func (m *Manager) AllocateNewPage(tableID uint32) (*Buffer, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.makeRoomLocked() {
		return nil, false
	}

	pageNo := m.highestLocked(tableID) + 1
	id := PageID{TableID: tableID, PageNo: pageNo}
	buf := &Buffer{id: id, mgr: m}
	buf.dirty = true

	m.buffers[id] = buf
	m.pinLocked(buf)
	return buf, true
}

// makeRoomLocked evicts unpinned buffers, oldest first, until there is
// room for one more resident buffer. Returns false if the pool is at
// capacity with no evictable buffer (all pinned).
func (m *Manager) makeRoomLocked() bool {
	if len(m.buffers) < m.capacity {
		return true
	}
	for i, buf := range m.lru {
		buf.pinMu.Lock()
		pinned := buf.pinCount > 0
		buf.pinMu.Unlock()
		if pinned {
			continue
		}
		if buf.dirty {
			if err := m.flushLocked(buf); err != nil {
				continue
			}
		}
		delete(m.buffers, buf.id)
		m.lru = append(m.lru[:i:i], m.lru[i+1:]...)
		return true
	}
	return false
}

func (m *Manager) pinLocked(buf *Buffer) {
	buf.pinMu.Lock()
	buf.pinCount++
	buf.pinMu.Unlock()
	m.touchLocked(buf)
}

func (m *Manager) touchLocked(buf *Buffer) {
	for i, b := range m.lru {
		if b == buf {
			m.lru = append(m.lru[:i], m.lru[i+1:]...)
			break
		}
	}
	m.lru = append(m.lru, buf)
}

func (m *Manager) unpin(buf *Buffer) {
	buf.pinMu.Lock()
	if buf.pinCount > 0 {
		buf.pinCount--
	}
	buf.pinMu.Unlock()
}

// FlushAll writes every dirty buffer back to disk and clears their dirty
// flags. Commit and abort both call this before returning, as the
// substitute for write-ahead logging (spec.md §5, §9).
func (m *Manager) FlushAll() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, buf := range m.buffers {
		if !buf.dirty {
			continue
		}
		if err := m.flushLocked(buf); err != nil {
			return err
		}
	}
	return nil
}

// flushLocked persists buf. With no Compressor configured it writes the
// raw page, unchanged from before. With one configured, it writes
// encodePage's output instead: the compressed page if compression
// actually shrank it, or the raw page tagged algoNone otherwise — the
// disk slot for this table was sized by the caller (see
// bufferpool.CompressionHeaderSize) to hold either.
func (m *Manager) flushLocked(buf *Buffer) error {
	buf.RLock()
	data := append([]byte(nil), buf.data[:]...)
	buf.RUnlock()

	diskBytes := data
	if m.compressor != nil {
		algo := byte(algoNone)
		payload := data
		if compressed, err := m.compressor.Compress(data); err == nil && len(compressed) < len(data) {
			algo = algoIDFor(m.compressor.Name())
			payload = compressed
		}
		m.compStats.record(len(data), len(payload))
		diskBytes = encodePage(algo, payload)
	}

	if err := m.disk.WritePage(buf.id.TableID, buf.id.PageNo, diskBytes); err != nil {
		m.log.Error("page flush failed", map[string]interface{}{
			"table_id": buf.id.TableID,
			"page_no":  buf.id.PageNo,
			"error":    err.Error(),
		})
		return coreerrors.Wrap(coreerrors.KindIO, "Manager.FlushAll", err)
	}

	buf.Lock()
	buf.dirty = false
	buf.Unlock()
	return nil
}

// decodeFromDisk reverses flushLocked. Without a configured Compressor it
// expects exactly a raw PageSize page. With one configured, it expects
// encodePage's header and decompresses using whichever codec the header
// names — not necessarily m.compressor, so pages written under one
// algorithm stay readable if the configured codec changes later; only a
// page written with no compressor configured at all is not recoverable
// after one is turned on, since it was never given a header to begin with.
func (m *Manager) decodeFromDisk(raw []byte) ([]byte, error) {
	if m.compressor == nil {
		if len(raw) < PageSize {
			return nil, coreerrors.New(coreerrors.KindCorruption, "Manager.Fetch: truncated page")
		}
		return raw[:PageSize], nil
	}

	algo, payload, err := decodePage(raw)
	if err != nil {
		return nil, err
	}
	if algo == algoNone {
		if len(payload) != PageSize {
			return nil, coreerrors.New(coreerrors.KindCorruption, "Manager.Fetch: raw payload size mismatch")
		}
		return payload, nil
	}

	name := algoNameFor(algo)
	if name == "" {
		return nil, coreerrors.New(coreerrors.KindCorruption, "Manager.Fetch: unknown page compression algorithm id")
	}
	codec, err := NewCompressor(name)
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindCorruption, "Manager.Fetch", err)
	}
	out := make([]byte, PageSize)
	if err := codec.Decompress(payload, out); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindCorruption, "Manager.Fetch", err)
	}
	return out, nil
}

// CompressionStats reports cumulative bytes observed/saved by the
// configured Compressor across flushes. Returns a zero value if no
// compressor is configured.
func (m *Manager) CompressionStats() CompressionStats {
	m.compStats.mutex.Lock()
	defer m.compStats.mutex.Unlock()
	return CompressionStats{BytesObserved: m.compStats.BytesObserved, BytesSaved: m.compStats.BytesSaved}
}
