// pkg/cluster/page.go
package cluster

import (
	"encoding/binary"
	"errors"

	"clusterstore/pkg/pagecache"
)

// ErrPageFull describes a page that cannot hold the requested number of
// bytes in one contiguous chunk. AppendRecord itself signals that case by
// returning -1; addEntry reports it inside an IllegalStateError.
var ErrPageFull = errors.New("cluster: page is full")

// Cluster page layout. Byte 0 is reserved for pagecache's own page-type
// stamp (Page.Type/SetType); the slotted layout begins at offset 1.
//
// Header (clusterPageHeaderSize bytes, starting at offset 1):
// offset  size  field
// 0       8     prevPage (int64, free-list link, NoPointer sentinel)
// 8       8     nextPage (int64, free-list link, NoPointer sentinel)
// 16      2     slotCount (uint16)
// 18      2     contentStart (uint16, tail pointer; content grows downward)
//
// Slot directory immediately follows the header, one clusterSlotSize entry
// per slot, in slot-index order:
// offset  size  field
// 0       2     offset (uint16, into page.Data())
// 2       2     length (uint16)
// 4       1     flags (bit 0: deleted)
// 5       4     version (uint32)
// 9       3     reserved
//
// Content area grows down from the end of the page toward the slot
// directory; entries are never physically compacted; a deleted slot is
// logically reclaimed (its bytes count toward free_space again) without
// moving the tail pointer, so get_max_record_size (contiguous space at the
// tail) can be smaller than get_free_space whenever the page has holes left
// by deletions. This mirrors how a slotted page degrades under deletes
// without requiring an in-place compaction pass on every delete.
const (
	pageHeaderOffset      = 1
	clusterPageHeaderSize = 20
	clusterSlotSize       = 12

	slotFlagDeleted = 0x01
)

// ClusterPage interprets one fixed-size page as a slotted record container
// threaded into a free-space bucket's doubly linked list via prevPage /
// nextPage.
type ClusterPage struct {
	page *pagecache.Page
}

// NewClusterPage initializes a freshly allocated page as an empty cluster
// data page.
func NewClusterPage(p *pagecache.Page) *ClusterPage {
	cp := &ClusterPage{page: p}
	p.SetType(pagecache.PageTypeClusterData)
	cp.setPrevPage(NoPointer)
	cp.setNextPage(NoPointer)
	cp.setSlotCount(0)
	cp.setContentStart(uint16(len(p.Data())))
	return cp
}

// LoadClusterPage wraps an already-initialized page.
func LoadClusterPage(p *pagecache.Page) *ClusterPage {
	return &ClusterPage{page: p}
}

func (cp *ClusterPage) data() []byte { return cp.page.Data() }

func (cp *ClusterPage) h(off int) int { return pageHeaderOffset + off }

func (cp *ClusterPage) GetPrevPage() int64 {
	return int64(binary.LittleEndian.Uint64(cp.data()[cp.h(0):]))
}

func (cp *ClusterPage) setPrevPage(v int64) {
	binary.LittleEndian.PutUint64(cp.data()[cp.h(0):], uint64(v))
}

// SetPrevPage sets the free-list prev link.
func (cp *ClusterPage) SetPrevPage(v int64) { cp.setPrevPage(v) }

func (cp *ClusterPage) GetNextPage() int64 {
	return int64(binary.LittleEndian.Uint64(cp.data()[cp.h(8):]))
}

func (cp *ClusterPage) setNextPage(v int64) {
	binary.LittleEndian.PutUint64(cp.data()[cp.h(8):], uint64(v))
}

// SetNextPage sets the free-list next link.
func (cp *ClusterPage) SetNextPage(v int64) { cp.setNextPage(v) }

func (cp *ClusterPage) slotCount() int {
	return int(binary.LittleEndian.Uint16(cp.data()[cp.h(16):]))
}

func (cp *ClusterPage) setSlotCount(n int) {
	binary.LittleEndian.PutUint16(cp.data()[cp.h(16):], uint16(n))
}

func (cp *ClusterPage) contentStart() int {
	return int(binary.LittleEndian.Uint16(cp.data()[cp.h(18):]))
}

func (cp *ClusterPage) setContentStart(n uint16) {
	binary.LittleEndian.PutUint16(cp.data()[cp.h(18):], n)
}

func (cp *ClusterPage) directoryEnd() int {
	return pageHeaderOffset + clusterPageHeaderSize + cp.slotCount()*clusterSlotSize
}

func (cp *ClusterPage) slotOffset(slot int) int {
	return pageHeaderOffset + clusterPageHeaderSize + slot*clusterSlotSize
}

func (cp *ClusterPage) slotValid(slot int) bool {
	return slot >= 0 && slot < cp.slotCount()
}

func (cp *ClusterPage) slotEntryOffset(slot int) int {
	return int(binary.LittleEndian.Uint16(cp.data()[cp.slotOffset(slot):]))
}

func (cp *ClusterPage) slotEntryLength(slot int) int {
	return int(binary.LittleEndian.Uint16(cp.data()[cp.slotOffset(slot)+2:]))
}

func (cp *ClusterPage) slotFlags(slot int) byte {
	return cp.data()[cp.slotOffset(slot)+4]
}

func (cp *ClusterPage) setSlotFlags(slot int, flags byte) {
	cp.data()[cp.slotOffset(slot)+4] = flags
}

func (cp *ClusterPage) slotVersion(slot int) uint32 {
	return binary.LittleEndian.Uint32(cp.data()[cp.slotOffset(slot)+5:])
}

func (cp *ClusterPage) setSlotVersion(slot int, v uint32) {
	binary.LittleEndian.PutUint32(cp.data()[cp.slotOffset(slot)+5:], v)
}

// IsDeleted reports whether slot has been deleted.
func (cp *ClusterPage) IsDeleted(slot int) bool {
	if !cp.slotValid(slot) {
		return true
	}
	return cp.slotFlags(slot)&slotFlagDeleted != 0
}

// GetRecordSize returns the stored chunk's length in bytes.
func (cp *ClusterPage) GetRecordSize(slot int) int {
	return cp.slotEntryLength(slot)
}

// GetRecordVersion returns the version stamped on the slot at append/replace
// time.
func (cp *ClusterPage) GetRecordVersion(slot int) uint32 {
	return cp.slotVersion(slot)
}

func (cp *ClusterPage) resolveOffset(slot int, offset int) int {
	length := cp.slotEntryLength(slot)
	if offset < 0 {
		offset = length + offset
	}
	return cp.slotEntryOffset(slot) + offset
}

// GetRecordBinaryValue returns a copy of length bytes starting at offset
// (negative offsets address from the end of the chunk).
func (cp *ClusterPage) GetRecordBinaryValue(slot, offset, length int) []byte {
	start := cp.resolveOffset(slot, offset)
	out := make([]byte, length)
	copy(out, cp.data()[start:start+length])
	return out
}

// GetRecordByteValue returns a single byte at offset.
func (cp *ClusterPage) GetRecordByteValue(slot, offset int) byte {
	return cp.data()[cp.resolveOffset(slot, offset)]
}

// SetRecordByteValue writes a single byte at offset, in place.
func (cp *ClusterPage) SetRecordByteValue(slot, offset int, v byte) {
	cp.data()[cp.resolveOffset(slot, offset)] = v
}

// GetRecordLongValue returns the little-endian int64 at offset.
func (cp *ClusterPage) GetRecordLongValue(slot, offset int) int64 {
	start := cp.resolveOffset(slot, offset)
	return int64(binary.LittleEndian.Uint64(cp.data()[start:]))
}

// SetRecordLongValue writes a little-endian int64 at offset, in place; used
// to patch a chunk's next-pointer after a later chunk has been appended.
func (cp *ClusterPage) SetRecordLongValue(slot, offset int, v int64) {
	start := cp.resolveOffset(slot, offset)
	binary.LittleEndian.PutUint64(cp.data()[start:], uint64(v))
}

// GetFreeSpace is the page's reported free space: capacity minus the
// directory minus every live (non-deleted) chunk's bytes. Deleted chunks
// are reclaimed here even though their bytes are not physically
// repositioned.
func (cp *ClusterPage) GetFreeSpace() int {
	liveBytes := 0
	for s := 0; s < cp.slotCount(); s++ {
		if !cp.IsDeleted(s) {
			liveBytes += cp.slotEntryLength(s)
		}
	}
	return len(cp.data()) - cp.directoryEnd() - liveBytes
}

// GetMaxRecordSize is the largest contiguous chunk appendRecord could place
// right now: the physical gap between the tail pointer and the directory,
// net of the one extra slot entry a new append would consume.
func (cp *ClusterPage) GetMaxRecordSize() int {
	avail := cp.contentStart() - cp.directoryEnd() - clusterSlotSize
	if avail < 0 {
		return 0
	}
	return avail
}

// IsEmpty reports whether the page holds no live chunks.
func (cp *ClusterPage) IsEmpty() bool {
	for s := 0; s < cp.slotCount(); s++ {
		if !cp.IsDeleted(s) {
			return false
		}
	}
	return true
}

// AppendRecord reserves space for bytes and writes them as a new chunk,
// returning its slot index, or -1 if the page's contiguous tail space
// cannot hold bytes plus one slot-directory entry.
func (cp *ClusterPage) AppendRecord(version uint32, bytes []byte) int {
	needed := len(bytes) + clusterSlotSize
	if cp.contentStart()-cp.directoryEnd() < needed {
		return -1
	}

	newStart := cp.contentStart() - len(bytes)
	copy(cp.data()[newStart:newStart+len(bytes)], bytes)

	slot := cp.slotCount()
	binary.LittleEndian.PutUint16(cp.data()[cp.slotOffset(slot):], uint16(newStart))
	binary.LittleEndian.PutUint16(cp.data()[cp.slotOffset(slot)+2:], uint16(len(bytes)))
	cp.setSlotFlags(slot, 0)
	cp.setSlotVersion(slot, version)

	cp.setSlotCount(slot + 1)
	cp.setContentStart(uint16(newStart))
	return slot
}

// ReplaceRecord overwrites an existing chunk in place; the caller must
// guarantee len(bytes) equals the slot's current length.
func (cp *ClusterPage) ReplaceRecord(slot int, bytes []byte, version uint32) error {
	if cp.slotEntryLength(slot) != len(bytes) {
		return errors.New("cluster: replace_record size mismatch")
	}
	off := cp.slotEntryOffset(slot)
	copy(cp.data()[off:off+len(bytes)], bytes)
	cp.setSlotVersion(slot, version)
	return nil
}

// DeleteRecord marks slot deleted, reclaiming its bytes into GetFreeSpace's
// accounting without moving the tail pointer.
func (cp *ClusterPage) DeleteRecord(slot int) {
	cp.setSlotFlags(slot, cp.slotFlags(slot)|slotFlagDeleted)
}
