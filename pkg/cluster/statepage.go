// pkg/cluster/statepage.go
package cluster

import (
	"encoding/binary"

	"clusterstore/pkg/pagecache"
)

// FreeListSize is the number of free-space buckets tracked by the state
// page. With a 64 KiB page, max_record_size tops out just under 64 KiB, so
// floor(max_record_size/1KiB) ranges 0..63.
const FreeListSize = 64

// LowestFreelistBoundary is subtracted from floor(max_record_size/1KiB)
// when computing a page's bucket index.
const LowestFreelistBoundary = 0

// Cluster state page layout, at offset 1 (offset 0 reserved for the
// pagecache page-type stamp). This page is always page 0 of the data file
// and is pinned for the cluster's lifetime.
//
// offset  size  field
// 0       8     size (uint64, live record count)
// 8       8     recordsSize (uint64, live payload byte footprint)
// 16      8*N   freeListHead[i] (int64, NoPointer sentinel)
const (
	statePageHeaderSize = 16 + FreeListSize*8
)

// ClusterStatePage wraps the pinned aggregate-counters page.
type ClusterStatePage struct {
	page *pagecache.Page
}

// NewClusterStatePage initializes a freshly allocated page as an empty
// state page: both counters zero, every bucket head set to NoPointer.
func NewClusterStatePage(p *pagecache.Page) *ClusterStatePage {
	sp := &ClusterStatePage{page: p}
	p.SetType(pagecache.PageTypeClusterState)
	sp.SetSize(0)
	sp.SetRecordsSize(0)
	for i := 0; i < FreeListSize; i++ {
		sp.SetFreeListPage(i, NoPointer)
	}
	return sp
}

// LoadClusterStatePage wraps an already-initialized state page.
func LoadClusterStatePage(p *pagecache.Page) *ClusterStatePage {
	return &ClusterStatePage{page: p}
}

func (sp *ClusterStatePage) data() []byte { return sp.page.Data() }
func (sp *ClusterStatePage) h(off int) int { return pageHeaderOffset + off }

// GetSize returns the live record count.
func (sp *ClusterStatePage) GetSize() int64 {
	return int64(binary.LittleEndian.Uint64(sp.data()[sp.h(0):]))
}

// SetSize sets the live record count.
func (sp *ClusterStatePage) SetSize(v int64) {
	binary.LittleEndian.PutUint64(sp.data()[sp.h(0):], uint64(v))
}

// GetRecordsSize returns the live payload byte footprint.
func (sp *ClusterStatePage) GetRecordsSize() int64 {
	return int64(binary.LittleEndian.Uint64(sp.data()[sp.h(8):]))
}

// SetRecordsSize sets the live payload byte footprint.
func (sp *ClusterStatePage) SetRecordsSize(v int64) {
	binary.LittleEndian.PutUint64(sp.data()[sp.h(8):], uint64(v))
}

func (sp *ClusterStatePage) bucketOffset(i int) int {
	return sp.h(16 + i*8)
}

// GetFreeListPage returns bucket i's head page index, or NoPointer.
func (sp *ClusterStatePage) GetFreeListPage(i int) int64 {
	return int64(binary.LittleEndian.Uint64(sp.data()[sp.bucketOffset(i):]))
}

// SetFreeListPage sets bucket i's head page index.
func (sp *ClusterStatePage) SetFreeListPage(i int, pageIndex int64) {
	binary.LittleEndian.PutUint64(sp.data()[sp.bucketOffset(i):], uint64(pageIndex))
}

// calculateFreePageIndex buckets a page by its current max contiguous
// appendable space, one bucket per KiB. Only pages with at least 63 KiB
// free (such as an empty 64 KiB page) reach the last bucket; an empty
// 4 KiB page lands in bucket 3.
func calculateFreePageIndex(maxRecordSize int) int {
	b := maxRecordSize/1024 - LowestFreelistBoundary
	if b < 0 {
		b = 0
	}
	if b >= FreeListSize {
		b = FreeListSize - 1
	}
	return b
}
