// pkg/cluster/positionmap.go
package cluster

import (
	"encoding/binary"
	"errors"
	"sync"

	"clusterstore/pkg/atomicops"
	"clusterstore/pkg/pagecache"
)

// Status is a position-map entry's lifecycle state.
type Status byte

const (
	NotExistent Status = 0
	Allocated   Status = 1
	Filled      Status = 2
	Removed     Status = 3
)

const positionEntrySize = 13 // status(1) + pageIndex(8) + slot(4)

// Entry identifies a record chunk's head location.
type Entry struct {
	PageIndex uint32
	Slot      uint16
}

// ErrPositionNotFound is returned when a position has never been allocated
// or falls beyond the map's filled range.
var ErrPositionNotFound = errors.New("cluster: position not found")

// PositionMap is the dense allocator mapping cluster_position to (page,
// slot) entries plus a status byte, backed by its own fixed-page file.
type PositionMap struct {
	mu             sync.Mutex
	cache          *pagecache.Cache
	file           pagecache.FileID
	entriesPerPage int64
	allocated      int64 // next position to be handed out by allocate/add
}

// OpenPositionMap wraps an already-open position-map file and scans it to
// recover the next-position counter (the first NOT_EXISTENT entry from the
// start, since positions are only ever allocated in increasing order).
func OpenPositionMap(cache *pagecache.Cache, file pagecache.FileID) (*PositionMap, error) {
	entriesPerPage := int64(cache.PageSize()-pageHeaderOffset) / positionEntrySize
	pm := &PositionMap{cache: cache, file: file, entriesPerPage: entriesPerPage}
	if err := pm.recoverAllocatedCount(); err != nil {
		return nil, err
	}
	return pm, nil
}

func (pm *PositionMap) recoverAllocatedCount() error {
	pages, err := pm.cache.FilledUpTo(pm.file)
	if err != nil {
		return err
	}
	total := int64(pages) * pm.entriesPerPage
	for pos := int64(0); pos < total; pos++ {
		st, err := pm.statusAt(pos)
		if err != nil {
			return err
		}
		if st == NotExistent {
			pm.allocated = pos
			return nil
		}
	}
	pm.allocated = total
	return nil
}

func (pm *PositionMap) location(pos int64) (pageNo uint32, offset int) {
	pageNo = uint32(pos / pm.entriesPerPage)
	idx := int(pos % pm.entriesPerPage)
	offset = pageHeaderOffset + idx*positionEntrySize
	return
}

func (pm *PositionMap) ensurePage(pageNo uint32) error {
	for {
		filled, err := pm.cache.FilledUpTo(pm.file)
		if err != nil {
			return err
		}
		if pageNo < filled {
			return nil
		}
		p, err := pm.cache.AddPage(pm.file)
		if err != nil {
			return err
		}
		p.SetType(pagecache.PageTypePositionMap)
		pm.cache.ReleaseFromWrite(p)
	}
}

func (pm *PositionMap) statusAt(pos int64) (Status, error) {
	pageNo, offset := pm.location(pos)
	filled, err := pm.cache.FilledUpTo(pm.file)
	if err != nil {
		return NotExistent, err
	}
	if pageNo >= filled {
		return NotExistent, nil
	}
	p, err := pm.cache.LoadForRead(pm.file, pageNo)
	if err != nil {
		return NotExistent, err
	}
	defer pm.cache.ReleaseFromRead(p)
	return Status(p.Data()[offset]), nil
}

func (pm *PositionMap) writeEntry(op *atomicops.Operation, pos int64, status Status, entry Entry) error {
	pageNo, offset := pm.location(pos)
	if err := pm.ensurePage(pageNo); err != nil {
		return err
	}
	p, err := pm.cache.LoadForWrite(pm.file, pageNo)
	if err != nil {
		return err
	}
	defer pm.cache.ReleaseFromWrite(p)
	if op != nil {
		op.MarkDirty(p)
	}

	d := p.Data()
	d[offset] = byte(status)
	binary.LittleEndian.PutUint64(d[offset+1:], uint64(entry.PageIndex))
	binary.LittleEndian.PutUint32(d[offset+9:], uint32(entry.Slot))
	return nil
}

func (pm *PositionMap) readEntry(pos int64) (Status, Entry, error) {
	pageNo, offset := pm.location(pos)
	filled, err := pm.cache.FilledUpTo(pm.file)
	if err != nil {
		return NotExistent, Entry{}, err
	}
	if pageNo >= filled {
		return NotExistent, Entry{}, nil
	}
	p, err := pm.cache.LoadForRead(pm.file, pageNo)
	if err != nil {
		return NotExistent, Entry{}, err
	}
	defer pm.cache.ReleaseFromRead(p)
	d := p.Data()
	status := Status(d[offset])
	entry := Entry{
		PageIndex: uint32(binary.LittleEndian.Uint64(d[offset+1:])),
		Slot:      uint16(binary.LittleEndian.Uint32(d[offset+9:])),
	}
	return status, entry, nil
}

// Allocate reserves the next position with status ALLOCATED and no data
// pointer yet.
func (pm *PositionMap) Allocate(op *atomicops.Operation) (int64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pos := pm.allocated
	if err := pm.writeEntry(op, pos, Allocated, Entry{}); err != nil {
		return 0, err
	}
	pm.allocated++
	return pos, nil
}

// Add allocates a new position and immediately marks it FILLED at entry.
func (pm *PositionMap) Add(op *atomicops.Operation, entry Entry) (int64, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pos := pm.allocated
	if err := pm.writeEntry(op, pos, Filled, entry); err != nil {
		return 0, err
	}
	pm.allocated++
	return pos, nil
}

// Update moves a FILLED/ALLOCATED entry to a new (page, slot) and marks it
// FILLED.
func (pm *PositionMap) Update(op *atomicops.Operation, pos int64, entry Entry) error {
	status, _, err := pm.readEntry(pos)
	if err != nil {
		return err
	}
	if status != Filled && status != Allocated {
		return ErrPositionNotFound
	}
	return pm.writeEntry(op, pos, Filled, entry)
}

// Remove marks a position REMOVED; it is never reused.
func (pm *PositionMap) Remove(op *atomicops.Operation, pos int64) error {
	_, entry, err := pm.readEntry(pos)
	if err != nil {
		return err
	}
	return pm.writeEntry(op, pos, Removed, entry)
}

// Resurrect requires the position's current status to be REMOVED and sets
// it back to FILLED at entry.
func (pm *PositionMap) Resurrect(op *atomicops.Operation, pos int64, entry Entry) error {
	status, _, err := pm.readEntry(pos)
	if err != nil {
		return err
	}
	if status != Removed {
		return errors.New("cluster: recycle_record requires a removed position")
	}
	return pm.writeEntry(op, pos, Filled, entry)
}

// Get returns the entry at pos, or ok=false if it is beyond the allocated
// range or not FILLED. pageCountHint is accepted but not used: no prefetch
// is issued to the cache, and it has no effect on the result.
func (pm *PositionMap) Get(pos int64, pageCountHint int) (Entry, bool, error) {
	status, entry, err := pm.readEntry(pos)
	if err != nil {
		return Entry{}, false, err
	}
	if status != Filled {
		return Entry{}, false, nil
	}
	return entry, true, nil
}

// GetStatus returns the status of a position.
func (pm *PositionMap) GetStatus(pos int64) (Status, error) {
	return pm.statusAt(pos)
}

// Lookup returns a position's status and entry regardless of status, unlike
// Get which only ever returns FILLED entries.
func (pm *PositionMap) Lookup(pos int64) (Status, Entry, error) {
	return pm.readEntry(pos)
}

// FirstPosition returns the smallest position with a non-NOT_EXISTENT
// status, or ok=false if the map is empty.
func (pm *PositionMap) FirstPosition() (int64, bool, error) {
	pm.mu.Lock()
	total := pm.allocated
	pm.mu.Unlock()

	for pos := int64(0); pos < total; pos++ {
		st, err := pm.statusAt(pos)
		if err != nil {
			return 0, false, err
		}
		if st != NotExistent {
			return pos, true, nil
		}
	}
	return 0, false, nil
}

// LastPosition returns the largest position with a non-NOT_EXISTENT
// status, or ok=false if the map is empty.
func (pm *PositionMap) LastPosition() (int64, bool, error) {
	pm.mu.Lock()
	total := pm.allocated
	pm.mu.Unlock()

	for pos := total - 1; pos >= 0; pos-- {
		st, err := pm.statusAt(pos)
		if err != nil {
			return 0, false, err
		}
		if st != NotExistent {
			return pos, true, nil
		}
	}
	return 0, false, nil
}

// NextPosition returns the smallest non-NOT_EXISTENT position strictly
// greater than pos, or ok=false if none exists.
func (pm *PositionMap) NextPosition(pos int64) (int64, bool, error) {
	pm.mu.Lock()
	total := pm.allocated
	pm.mu.Unlock()

	for p := pos + 1; p < total; p++ {
		st, err := pm.statusAt(p)
		if err != nil {
			return 0, false, err
		}
		if st != NotExistent {
			return p, true, nil
		}
	}
	return 0, false, nil
}

// rangeWithinPage scans the single map page containing pos (and only that
// page, matching spec's "up to one bucket worth of positions") collecting
// non-NOT_EXISTENT positions that satisfy keep.
func (pm *PositionMap) rangeWithinPage(pos int64, keep func(p int64) bool) ([]int64, error) {
	pageNo, _ := pm.location(pos)
	filled, err := pm.cache.FilledUpTo(pm.file)
	if err != nil {
		return nil, err
	}
	if pageNo >= filled {
		return nil, nil
	}
	base := int64(pageNo) * pm.entriesPerPage
	var out []int64
	for i := int64(0); i < pm.entriesPerPage; i++ {
		p := base + i
		if !keep(p) {
			continue
		}
		st, err := pm.statusAt(p)
		if err != nil {
			return nil, err
		}
		if st != NotExistent {
			out = append(out, p)
		}
	}
	return out, nil
}

// HigherPositions returns non-NOT_EXISTENT positions strictly greater than
// pos within pos's map page.
func (pm *PositionMap) HigherPositions(pos int64) ([]int64, error) {
	return pm.rangeWithinPage(pos, func(p int64) bool { return p > pos })
}

// CeilingPositions returns non-NOT_EXISTENT positions greater than or equal
// to pos within pos's map page.
func (pm *PositionMap) CeilingPositions(pos int64) ([]int64, error) {
	return pm.rangeWithinPage(pos, func(p int64) bool { return p >= pos })
}

// LowerPositions returns non-NOT_EXISTENT positions strictly less than pos
// within pos's map page.
func (pm *PositionMap) LowerPositions(pos int64) ([]int64, error) {
	return pm.rangeWithinPage(pos, func(p int64) bool { return p < pos })
}

// FloorPositions returns non-NOT_EXISTENT positions less than or equal to
// pos within pos's map page.
func (pm *PositionMap) FloorPositions(pos int64) ([]int64, error) {
	return pm.rangeWithinPage(pos, func(p int64) bool { return p <= pos })
}

// Flush syncs the position-map file to its durable medium.
func (pm *PositionMap) Flush() error {
	return pm.cache.Flush(pm.file)
}

// Truncate drops every allocated position, resetting the map to empty. The
// backing file's pages remain allocated; every entry byte after each page's
// type stamp is zeroed and the logical allocation counter is reset,
// matching create()'s fresh-map state.
func (pm *PositionMap) Truncate(op *atomicops.Operation) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	filled, err := pm.cache.FilledUpTo(pm.file)
	if err != nil {
		return err
	}
	for pageNo := uint32(0); pageNo < filled; pageNo++ {
		p, err := pm.cache.LoadForWrite(pm.file, pageNo)
		if err != nil {
			return err
		}
		if op != nil {
			op.MarkDirty(p)
		}
		d := p.Data()
		for i := pageHeaderOffset; i < len(d); i++ {
			d[i] = 0
		}
		pm.cache.ReleaseFromWrite(p)
	}
	pm.allocated = 0
	return nil
}
