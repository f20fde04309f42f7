// pkg/cluster/cluster_alloc.go
package cluster

import (
	"encoding/binary"
	"fmt"

	"clusterstore/pkg/atomicops"
)

const maxRecordSizeReserved = 16

// chunk framing overhead: head chunks carry record_type(1) + total
// length(4) ahead of their payload and an is_head flag(1) + next
// pointer(8) after it; continuation chunks carry only the trailing flag
// and pointer.
const (
	headChunkOverhead = 1 + 4 + 1 + 8
	contChunkOverhead = 1 + 8
)

func (c *PaginatedCluster) headCap() int { return c.maxRecordSize - headChunkOverhead }
func (c *PaginatedCluster) contCap() int { return c.maxRecordSize - contChunkOverhead }

// buildChunks slices content into the wire layout append_record actually
// stores: the first chunk prefixed with record_type and the declared total
// length, every chunk suffixed with an is_head flag and a next pointer
// (initially NoPointer, patched in once the following chunk is placed).
// A zero-length content still produces exactly one (empty-payload) chunk.
func buildChunks(content []byte, recordType byte, headCap, contCap int) [][]byte {
	if headCap < 1 {
		headCap = 1
	}
	if contCap < 1 {
		contCap = 1
	}

	var chunks [][]byte
	offset := 0
	first := true
	for {
		cap := contCap
		if first {
			cap = headCap
		}
		end := offset + cap
		if end > len(content) {
			end = len(content)
		}
		payload := content[offset:end]

		var buf []byte
		if first {
			buf = make([]byte, 5+len(payload)+1+8)
			buf[0] = recordType
			binary.LittleEndian.PutUint32(buf[1:5], uint32(len(content)))
			copy(buf[5:5+len(payload)], payload)
			buf[5+len(payload)] = 1
			binary.LittleEndian.PutUint64(buf[5+len(payload)+1:], uint64(NoPointer))
		} else {
			buf = make([]byte, len(payload)+1+8)
			copy(buf[0:len(payload)], payload)
			buf[len(payload)] = 0
			binary.LittleEndian.PutUint64(buf[len(payload)+1:], uint64(NoPointer))
		}
		chunks = append(chunks, buf)

		offset = end
		first = false
		if offset >= len(content) {
			break
		}
	}
	return chunks
}

// findFreePage locates a page whose contiguous tail space can hold
// contentSize bytes, starting from the bucket that size maps to and
// scanning upward. A bucket head found to be misclassified (its page has
// since shrunk or grown past its recorded bucket through other chunks'
// appends/deletes) is re-bucketed on the spot and the whole scan restarts,
// bounded to avoid unbounded looping under pathological churn.
func (c *PaginatedCluster) findFreePage(op *atomicops.Operation, contentSize int) (uint32, error) {
	start := calculateFreePageIndex(contentSize)

	for restarts := 0; restarts < FreeListSize+2; restarts++ {
		pageIdx, found, healed, err := c.scanFreeList(start, contentSize)
		if err != nil {
			return 0, err
		}
		if healed {
			continue
		}
		if found {
			return pageIdx, nil
		}
		return c.allocateFreshPage(op)
	}
	return 0, &IllegalStateError{Detail: "find_free_page: exceeded self-heal retry bound"}
}

func (c *PaginatedCluster) scanFreeList(start int, contentSize int) (pageIdx uint32, found bool, healed bool, err error) {
	for b := start; b < FreeListSize; b++ {
		head, err := c.freeListHead(b)
		if err != nil {
			return 0, false, false, err
		}
		if head == NoPointer {
			continue
		}
		candidate := uint32(head)
		maxSize, err := c.clusterPageMaxRecordSize(candidate)
		if err != nil {
			return 0, false, false, err
		}
		actual := calculateFreePageIndex(maxSize)
		if actual != b {
			if err := c.updateFreePagesIndex(nil, b, candidate); err != nil {
				return 0, false, false, err
			}
			return 0, false, true, nil
		}
		if maxSize < contentSize {
			continue
		}
		return candidate, true, false, nil
	}
	return 0, false, false, nil
}

func (c *PaginatedCluster) freeListHead(bucket int) (int64, error) {
	sp, spPage, err := c.loadStatePageForRead()
	if err != nil {
		return 0, err
	}
	defer c.cache.ReleaseFromRead(spPage)
	return sp.GetFreeListPage(bucket), nil
}

func (c *PaginatedCluster) clusterPageMaxRecordSize(pageIdx uint32) (int, error) {
	p, err := c.cache.LoadForRead(c.dataFile, pageIdx)
	if err != nil {
		return 0, err
	}
	defer c.cache.ReleaseFromRead(p)
	return LoadClusterPage(p).GetMaxRecordSize(), nil
}

// allocateFreshPage grows the data file by one page, initializes it as an
// empty cluster page, and links it into its (maximal) free-space bucket.
func (c *PaginatedCluster) allocateFreshPage(op *atomicops.Operation) (uint32, error) {
	p, err := c.cache.AddPage(c.dataFile)
	if err != nil {
		return 0, err
	}
	if op != nil {
		op.MarkDirty(p)
	}
	cp := NewClusterPage(p)
	pageIdx := p.PageNo()
	bucket := calculateFreePageIndex(cp.GetMaxRecordSize())
	c.cache.ReleaseFromWrite(p)

	if err := c.linkFreshPage(op, pageIdx, bucket); err != nil {
		return 0, err
	}
	return pageIdx, nil
}

// linkFreshPage pushes a page with no current free-list membership (both
// links still NoPointer) to the head of bucket's list.
func (c *PaginatedCluster) linkFreshPage(op *atomicops.Operation, pageIdx uint32, bucket int) error {
	sp, spPage, err := c.loadStatePageForWrite(op)
	if err != nil {
		return err
	}
	oldHead := sp.GetFreeListPage(bucket)
	sp.SetFreeListPage(bucket, int64(pageIdx))
	c.cache.ReleaseFromWrite(spPage)

	if oldHead != NoPointer {
		p, err := c.cache.LoadForWrite(c.dataFile, uint32(oldHead))
		if err != nil {
			return err
		}
		if op != nil {
			op.MarkDirty(p)
		}
		LoadClusterPage(p).SetPrevPage(int64(pageIdx))
		c.cache.ReleaseFromWrite(p)
	}

	p2, err := c.cache.LoadForWrite(c.dataFile, pageIdx)
	if err != nil {
		return err
	}
	if op != nil {
		op.MarkDirty(p2)
	}
	cp2 := LoadClusterPage(p2)
	cp2.SetNextPage(oldHead)
	cp2.SetPrevPage(NoPointer)
	c.cache.ReleaseFromWrite(p2)
	return nil
}

// addEntry appends bytes to pageIdx (already verified to have room), then
// re-buckets the page against its free space before and after. Returns the
// new slot and the byte delta to apply to the cluster's records_size
// counter: always len(bytes), the chunk's own occupied bytes, not the
// free-space consumed (which also includes the page's per-slot directory
// entry — page structure, not chunk bytes).
func (c *PaginatedCluster) addEntry(op *atomicops.Operation, pageIdx uint32, version uint32, bytes []byte) (int, int64, error) {
	p, err := c.cache.LoadForWrite(c.dataFile, pageIdx)
	if err != nil {
		return 0, 0, err
	}
	if op != nil {
		op.MarkDirty(p)
	}
	cp := LoadClusterPage(p)
	oldBucket := calculateFreePageIndex(cp.GetMaxRecordSize())
	slot := cp.AppendRecord(version, bytes)
	if slot < 0 {
		c.cache.ReleaseFromWrite(p)
		return 0, 0, &IllegalStateError{Detail: fmt.Sprintf("%v: page %d despite a free-list match", ErrPageFull, pageIdx)}
	}
	c.cache.ReleaseFromWrite(p)

	diff := int64(len(bytes))
	if err := c.updateFreePagesIndex(op, oldBucket, pageIdx); err != nil {
		return 0, 0, err
	}
	return slot, diff, nil
}

// updateFreePagesIndex recomputes pageIdx's bucket and, if it changed from
// prevBucket, splices it out of prevBucket's list and into the head of its
// new one. calculateFreePageIndex never returns a negative bucket, so the
// page is always linked into a bucket.
func (c *PaginatedCluster) updateFreePagesIndex(op *atomicops.Operation, prevBucket int, pageIdx uint32) error {
	p, err := c.cache.LoadForWrite(c.dataFile, pageIdx)
	if err != nil {
		return err
	}
	cp := LoadClusterPage(p)
	newBucket := calculateFreePageIndex(cp.GetMaxRecordSize())
	if newBucket == prevBucket {
		c.cache.ReleaseFromWrite(p)
		return nil
	}
	if op != nil {
		op.MarkDirty(p)
	}
	prevLink := cp.GetPrevPage()
	nextLink := cp.GetNextPage()
	c.cache.ReleaseFromWrite(p)

	if prevLink != NoPointer {
		pp, err := c.cache.LoadForWrite(c.dataFile, uint32(prevLink))
		if err != nil {
			return err
		}
		if op != nil {
			op.MarkDirty(pp)
		}
		LoadClusterPage(pp).SetNextPage(nextLink)
		c.cache.ReleaseFromWrite(pp)
	} else {
		sp, spPage, err := c.loadStatePageForWrite(op)
		if err != nil {
			return err
		}
		sp.SetFreeListPage(prevBucket, nextLink)
		c.cache.ReleaseFromWrite(spPage)
	}

	if nextLink != NoPointer {
		np, err := c.cache.LoadForWrite(c.dataFile, uint32(nextLink))
		if err != nil {
			return err
		}
		if op != nil {
			op.MarkDirty(np)
		}
		LoadClusterPage(np).SetPrevPage(prevLink)
		c.cache.ReleaseFromWrite(np)
	}

	return c.linkFreshPage(op, pageIdx, newBucket)
}

// writeChain appends content (already compressed/encrypted) as a chain of
// one or more chunks, patching each chunk's next pointer once the
// following chunk's location is known. Returns the head entry and the
// total records_size delta.
func (c *PaginatedCluster) writeChain(op *atomicops.Operation, content []byte, version uint32, recordType byte) (Entry, int64, error) {
	chunks := buildChunks(content, recordType, c.headCap(), c.contCap())

	var head Entry
	var sizeDiff int64
	var prevPage uint32
	var prevSlot uint16
	havePrev := false

	for i, chunk := range chunks {
		pageIdx, err := c.findFreePage(op, len(chunk))
		if err != nil {
			return Entry{}, 0, err
		}
		slot, diff, err := c.addEntry(op, pageIdx, version, chunk)
		if err != nil {
			return Entry{}, 0, err
		}
		sizeDiff += diff

		if i == 0 {
			head = Entry{PageIndex: pageIdx, Slot: uint16(slot)}
		}
		if havePrev {
			if err := c.patchNextPointer(op, prevPage, prevSlot, pageIdx, uint16(slot)); err != nil {
				return Entry{}, 0, err
			}
		}
		prevPage, prevSlot, havePrev = pageIdx, uint16(slot), true
	}
	return head, sizeDiff, nil
}

func (c *PaginatedCluster) patchNextPointer(op *atomicops.Operation, fromPage uint32, fromSlot uint16, toPage uint32, toSlot uint16) error {
	p, err := c.cache.LoadForWrite(c.dataFile, fromPage)
	if err != nil {
		return err
	}
	if op != nil {
		op.MarkDirty(p)
	}
	LoadClusterPage(p).SetRecordLongValue(int(fromSlot), -8, packPointer(toPage, toSlot))
	c.cache.ReleaseFromWrite(p)
	return nil
}

// walkChainEntries returns every (page, slot) in a chain, head first, by
// following next pointers. Used by delete/update before they mutate
// anything.
func (c *PaginatedCluster) walkChainEntries(head Entry) ([]Entry, error) {
	entries := []Entry{head}
	pageIdx, slot := head.PageIndex, head.Slot
	for {
		p, err := c.cache.LoadForRead(c.dataFile, pageIdx)
		if err != nil {
			return nil, err
		}
		next := LoadClusterPage(p).GetRecordLongValue(int(slot), -8)
		c.cache.ReleaseFromRead(p)
		if next == NoPointer {
			break
		}
		var ok bool
		pageIdx, slot, ok = unpackPointer(next)
		if !ok {
			break
		}
		entries = append(entries, Entry{PageIndex: pageIdx, Slot: slot})
	}
	return entries, nil
}

// readChain reconstructs a record's full payload by walking its chain from
// head, validating the head's is_head flag and every link's liveness.
// ok is false (with no error) when the head chunk has been deleted or its
// is_head flag is not set; a mid-chain deleted link is a structural error instead, since
// that should never legitimately happen.
func (c *PaginatedCluster) readChain(head Entry) (payload []byte, recordType byte, version uint32, ok bool, err error) {
	p, err := c.cache.LoadForRead(c.dataFile, head.PageIndex)
	if err != nil {
		return nil, 0, 0, false, err
	}
	cp := LoadClusterPage(p)
	if cp.IsDeleted(int(head.Slot)) {
		c.cache.ReleaseFromRead(p)
		return nil, 0, 0, false, nil
	}
	if cp.GetRecordByteValue(int(head.Slot), -9) != 1 {
		c.cache.ReleaseFromRead(p)
		return nil, 0, 0, false, nil
	}

	recordType = cp.GetRecordByteValue(int(head.Slot), 0)
	totalLen := int(binary.LittleEndian.Uint32(cp.GetRecordBinaryValue(int(head.Slot), 1, 4)))
	version = cp.GetRecordVersion(int(head.Slot))
	chunkLen := cp.GetRecordSize(int(head.Slot))
	buf := make([]byte, 0, totalLen)
	buf = append(buf, cp.GetRecordBinaryValue(int(head.Slot), 5, chunkLen-5-9)...)
	next := cp.GetRecordLongValue(int(head.Slot), -8)
	c.cache.ReleaseFromRead(p)

	for next != NoPointer {
		pageIdx, slot, linkOK := unpackPointer(next)
		if !linkOK {
			break
		}
		p2, err := c.cache.LoadForRead(c.dataFile, pageIdx)
		if err != nil {
			return nil, 0, 0, false, err
		}
		cp2 := LoadClusterPage(p2)
		if cp2.IsDeleted(int(slot)) {
			c.cache.ReleaseFromRead(p2)
			return nil, 0, 0, false, clusterErr(c.name, "read_record", fmt.Errorf("chain link at page %d slot %d was deleted", pageIdx, slot))
		}
		clen := cp2.GetRecordSize(int(slot))
		buf = append(buf, cp2.GetRecordBinaryValue(int(slot), 0, clen-1-8)...)
		next = cp2.GetRecordLongValue(int(slot), -8)
		c.cache.ReleaseFromRead(p2)
	}

	if len(buf) > totalLen {
		buf = buf[:totalLen]
	}
	return buf, recordType, version, true, nil
}

// headVersion reads only the version stamp off a chain's head slot,
// cheaper than reconstructing the whole payload.
func (c *PaginatedCluster) headVersion(head Entry) (uint32, error) {
	p, err := c.cache.LoadForRead(c.dataFile, head.PageIndex)
	if err != nil {
		return 0, err
	}
	defer c.cache.ReleaseFromRead(p)
	return LoadClusterPage(p).GetRecordVersion(int(head.Slot)), nil
}

// updateChain rewrites a record's chain in place where possible. Each new
// chunk reuses the old chain's slot at the same position when their sizes
// match (a pure in-place overwrite); otherwise the old slot is deleted and
// re-bucketed (which can make the very page it just vacated the next
// free-list hit) and a fresh slot is found for the new chunk. Any old
// chunks beyond the new chain's length are deleted and re-bucketed with no
// replacement.
func (c *PaginatedCluster) updateChain(op *atomicops.Operation, oldChain []Entry, content []byte, version uint32, recordType byte) (Entry, int64, error) {
	chunks := buildChunks(content, recordType, c.headCap(), c.contCap())

	var newHead Entry
	var sizeDiff int64
	var prevPage uint32
	var prevSlot uint16
	havePrev := false
	oldIdx := 0

	placeChunk := func(chunk []byte) (uint32, uint16, error) {
		if oldIdx < len(oldChain) {
			old := oldChain[oldIdx]
			oldIdx++
			p, err := c.cache.LoadForWrite(c.dataFile, old.PageIndex)
			if err != nil {
				return 0, 0, err
			}
			cp := LoadClusterPage(p)
			sameSize := !cp.IsDeleted(int(old.Slot)) && cp.GetRecordSize(int(old.Slot)) == len(chunk)
			if sameSize {
				if op != nil {
					op.MarkDirty(p)
				}
				if err := cp.ReplaceRecord(int(old.Slot), chunk, version); err != nil {
					c.cache.ReleaseFromWrite(p)
					return 0, 0, clusterErr(c.name, "update_record", err)
				}
				c.cache.ReleaseFromWrite(p)
				return old.PageIndex, old.Slot, nil
			}

			if op != nil {
				op.MarkDirty(p)
			}
			oldBucket := calculateFreePageIndex(cp.GetMaxRecordSize())
			chunkSize := cp.GetRecordSize(int(old.Slot))
			cp.DeleteRecord(int(old.Slot))
			sizeDiff -= int64(chunkSize)
			c.cache.ReleaseFromWrite(p)
			if err := c.updateFreePagesIndex(op, oldBucket, old.PageIndex); err != nil {
				return 0, 0, err
			}
		}

		pageIdx, err := c.findFreePage(op, len(chunk))
		if err != nil {
			return 0, 0, err
		}
		slot, diff, err := c.addEntry(op, pageIdx, version, chunk)
		if err != nil {
			return 0, 0, err
		}
		sizeDiff += diff
		return pageIdx, uint16(slot), nil
	}

	for i, chunk := range chunks {
		pageIdx, slot, err := placeChunk(chunk)
		if err != nil {
			return Entry{}, 0, err
		}
		if i == 0 {
			newHead = Entry{PageIndex: pageIdx, Slot: slot}
		}
		if havePrev {
			if err := c.patchNextPointer(op, prevPage, prevSlot, pageIdx, slot); err != nil {
				return Entry{}, 0, err
			}
		}
		prevPage, prevSlot, havePrev = pageIdx, slot, true
	}

	for ; oldIdx < len(oldChain); oldIdx++ {
		old := oldChain[oldIdx]
		p, err := c.cache.LoadForWrite(c.dataFile, old.PageIndex)
		if err != nil {
			return Entry{}, 0, err
		}
		cp := LoadClusterPage(p)
		if op != nil {
			op.MarkDirty(p)
		}
		oldBucket := calculateFreePageIndex(cp.GetMaxRecordSize())
		chunkSize := cp.GetRecordSize(int(old.Slot))
		cp.DeleteRecord(int(old.Slot))
		sizeDiff -= int64(chunkSize)
		c.cache.ReleaseFromWrite(p)
		if err := c.updateFreePagesIndex(op, oldBucket, old.PageIndex); err != nil {
			return Entry{}, 0, err
		}
	}

	return newHead, sizeDiff, nil
}
