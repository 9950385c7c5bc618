package bufferpool

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	coreerrors "txnstore/errors"
)

// Disk is the minimal stand-in for the file manager collaborator spec.md
// names as out of scope: it creates per-table files and translates page
// numbers to byte offsets. The buffer Manager is the only consumer.
type Disk interface {
	CreateTable(tableID uint32) error
	HighestPageNo(tableID uint32) uint32
	ReadPage(tableID, pageNo uint32) ([]byte, bool)
	WritePage(tableID, pageNo uint32, data []byte) error
}

// MemDisk is an in-memory Disk, used in tests and anywhere durability
// across process restarts is not required.
type MemDisk struct {
	mutex  sync.RWMutex
	tables map[uint32]map[uint32][]byte
	high   map[uint32]uint32
}

// NewMemDisk creates an empty in-memory disk.
func NewMemDisk() *MemDisk {
	return &MemDisk{
		tables: make(map[uint32]map[uint32][]byte),
		high:   make(map[uint32]uint32),
	}
}

func (d *MemDisk) CreateTable(tableID uint32) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if _, ok := d.tables[tableID]; !ok {
		d.tables[tableID] = make(map[uint32][]byte)
		d.high[tableID] = InvalidPageNo
	}
	return nil
}

func (d *MemDisk) HighestPageNo(tableID uint32) uint32 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.high[tableID]
}

func (d *MemDisk) ReadPage(tableID, pageNo uint32) ([]byte, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	pages, ok := d.tables[tableID]
	if !ok {
		return nil, false
	}
	data, ok := pages[pageNo]
	return data, ok
}

// WritePage stores data verbatim (MemDisk keeps whatever length the buffer
// manager hands it, so a compressed-and-headered record that is shorter
// than PageSize round-trips exactly through ReadPage).
func (d *MemDisk) WritePage(tableID, pageNo uint32, data []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	pages, ok := d.tables[tableID]
	if !ok {
		pages = make(map[uint32][]byte)
		d.tables[tableID] = pages
	}
	pages[pageNo] = append([]byte(nil), data...)
	if pageNo > d.high[tableID] {
		d.high[tableID] = pageNo
	}
	return nil
}

// FileDisk persists each table as a flat file of fixed-size pages, with
// page_no (1-indexed) translating directly to a byte offset. pageBytes is
// the physical slot size: it equals PageSize when pages are stored raw,
// or PageSize+CompressionHeaderSize when the owning Manager has a
// Compressor configured, giving every slot enough room for the rare
// incompressible page (stored with an explicit "none" header) without
// ever needing a variable-size slot.
type FileDisk struct {
	mutex     sync.Mutex
	dir       string
	files     map[uint32]*os.File
	highest   map[uint32]uint32
	pageBytes uint32
}

// NewFileDisk opens (creating if necessary) a disk rooted at dir, with a
// physical page slot of pageBytes bytes. Passing 0 defaults to PageSize.
func NewFileDisk(dir string, pageBytes uint32) (*FileDisk, error) {
	if pageBytes == 0 {
		pageBytes = PageSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, coreerrors.Wrap(coreerrors.KindIO, "bufferpool.NewFileDisk", err)
	}
	return &FileDisk{
		dir:       dir,
		files:     make(map[uint32]*os.File),
		highest:   make(map[uint32]uint32),
		pageBytes: pageBytes,
	}, nil
}

func (d *FileDisk) tablePath(tableID uint32) string {
	return filepath.Join(d.dir, fmt.Sprintf("table_%d.dat", tableID))
}

func (d *FileDisk) fileFor(tableID uint32) (*os.File, error) {
	if f, ok := d.files[tableID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(d.tablePath(tableID), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	d.files[tableID] = f

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	d.highest[tableID] = uint32(info.Size() / int64(d.pageBytes))
	return f, nil
}

func (d *FileDisk) CreateTable(tableID uint32) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	_, err := d.fileFor(tableID)
	if err != nil {
		return coreerrors.Wrap(coreerrors.KindIO, "FileDisk.CreateTable", err)
	}
	return nil
}

func (d *FileDisk) HighestPageNo(tableID uint32) uint32 {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if _, err := d.fileFor(tableID); err != nil {
		return InvalidPageNo
	}
	return d.highest[tableID]
}

func (d *FileDisk) ReadPage(tableID, pageNo uint32) ([]byte, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	f, err := d.fileFor(tableID)
	if err != nil || pageNo == InvalidPageNo || pageNo > d.highest[tableID] {
		return nil, false
	}
	buf := make([]byte, d.pageBytes)
	offset := int64(pageNo-1) * int64(d.pageBytes)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, false
	}
	return buf, true
}

// WritePage writes data into pageNo's fixed-size slot, zero-padding it out
// to pageBytes. data must not exceed pageBytes: the Manager is responsible
// for keeping whatever it hands here (raw page, or header-plus-compressed
// record) inside that budget.
func (d *FileDisk) WritePage(tableID, pageNo uint32, data []byte) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	f, err := d.fileFor(tableID)
	if err != nil {
		return coreerrors.Wrap(coreerrors.KindIO, "FileDisk.WritePage", err)
	}
	if len(data) > int(d.pageBytes) {
		return coreerrors.New(coreerrors.KindCorruption, "FileDisk.WritePage: encoded page exceeds the configured page slot size")
	}
	slot := data
	if len(slot) < int(d.pageBytes) {
		slot = make([]byte, d.pageBytes)
		copy(slot, data)
	}
	offset := int64(pageNo-1) * int64(d.pageBytes)
	if _, err := f.WriteAt(slot, offset); err != nil {
		return coreerrors.Wrap(coreerrors.KindIO, "FileDisk.WritePage", err)
	}
	if pageNo > d.highest[tableID] {
		d.highest[tableID] = pageNo
	}
	return nil
}

// Sync flushes every open table file to stable storage.
func (d *FileDisk) Sync() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for _, f := range d.files {
		if err := f.Sync(); err != nil {
			return coreerrors.Wrap(coreerrors.KindIO, "FileDisk.Sync", err)
		}
	}
	return nil
}

// Close closes every open table file.
func (d *FileDisk) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	var firstErr error
	for _, f := range d.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
