// pkg/cluster/cluster.go
package cluster

import (
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"clusterstore/pkg/atomicops"
	"clusterstore/pkg/clustercfg"
	"clusterstore/pkg/clusterlog"
	"clusterstore/pkg/clusterstats"
	"clusterstore/pkg/compress"
	"clusterstore/pkg/conflict"
	"clusterstore/pkg/crypto"
	"clusterstore/pkg/pagecache"
)

// dataExt and mapExt name a cluster's two backing files on disk, derived
// from its current name.
const (
	dataExt = ".pcl"
	mapExt  = ".cpm"
)

// Options bundles a PaginatedCluster's external collaborators. Cache and
// Manager are required; everything else falls back to a default derived
// from cfg, or a discarding no-op when the collaborator is itself optional
// (Stats, Logger).
type Options struct {
	Cache   *pagecache.Cache
	Manager *atomicops.Manager
	Dir     string

	Compressor compress.Compressor
	Encryptor  crypto.Encryptor
	Conflict   conflict.Strategy
	Stats      *clusterstats.Sink
	Logger     *logrus.Entry

	// ChangeTracking enables registering every CRUD call's affected
	// position under the active atomic operation's RID_METADATA bag.
	ChangeTracking bool
}

// PaginatedCluster is an OrientDB-style paginated record cluster: a data
// file of fixed pages holding chained, slotted record chunks, a sidecar
// position-map file translating dense cluster positions to chunk head
// locations, and a per-page free-space bucket allocator threaded through
// the data file's own pages.
//
// Every mutator runs inside one atomic operation obtained from the
// configured atomicops.Manager; every reader takes the manager's shared
// read lock. Both then take the cluster's own lock in the same order,
// released in reverse, matching the documented acquisition order.
type PaginatedCluster struct {
	mu sync.RWMutex

	name string
	cfg  *clustercfg.Config

	cache *pagecache.Cache
	ops   *atomicops.Manager

	dir      string
	dataPath string
	mapPath  string

	dataFile pagecache.FileID
	mapFile  pagecache.FileID
	posMap   *PositionMap

	// statePagePin holds one permanent pin on page 0 of the data file so
	// it is never evicted from the cache for the cluster's lifetime, per
	// its role as the always-resident aggregate-counters page.
	statePagePin *pagecache.Page

	compressor compress.Compressor
	encryptor  crypto.Encryptor
	conflict   conflict.Strategy

	stats  *clusterstats.Sink
	logger *logrus.Entry

	maxRecordSize  int
	changeTracking bool
}

func filePaths(dir, name string) (data, pos string) {
	return filepath.Join(dir, name+dataExt), filepath.Join(dir, name+mapExt)
}

// Configure builds an in-memory cluster descriptor from cfg and opts,
// resolving its compression/encryption/conflict collaborators from the
// registries by name when opts doesn't supply one directly. It touches no
// disk; Create or Open does that.
func Configure(cfg *clustercfg.Config, opts Options) (*PaginatedCluster, error) {
	compressor := opts.Compressor
	if compressor == nil {
		comp, err := compress.ByName(cfg.Compression)
		if err != nil {
			return nil, err
		}
		compressor = comp
	}
	encryptor := opts.Encryptor
	if encryptor == nil {
		enc, err := crypto.ByName(cfg.Encryption, cfg.EncryptionKey)
		if err != nil {
			return nil, err
		}
		encryptor = enc
	}
	strat := opts.Conflict
	if strat == nil {
		s, err := conflict.ByName(cfg.ConflictStrategy)
		if err != nil {
			return nil, err
		}
		strat = s
	}
	logger := opts.Logger
	if logger == nil {
		logger = clusterlog.ForCluster(clusterlog.Discard(), cfg.Name, cfg.ID)
	}

	dataPath, mapPath := filePaths(opts.Dir, cfg.Name)
	return &PaginatedCluster{
		name:           cfg.Name,
		cfg:            cfg,
		cache:          opts.Cache,
		ops:            opts.Manager,
		dir:            opts.Dir,
		dataPath:       dataPath,
		mapPath:        mapPath,
		compressor:     compressor,
		encryptor:      encryptor,
		conflict:       strat,
		stats:          opts.Stats,
		logger:         logger,
		maxRecordSize:  opts.Cache.PageSize() - maxRecordSizeReserved,
		changeTracking: opts.ChangeTracking,
	}, nil
}

// Create allocates the data file, installs and pins its state page, grows
// the file to startSizePages total pages (each entering the free list at
// its natural maximal bucket), and creates the position-map file. The data
// and map files are both created with one page already present (AddFile's
// own minimum sizing); that first data page becomes the state page without
// a separate AddPage call.
func (c *PaginatedCluster) Create(startSizePages int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dataFile, err := c.cache.AddFile(c.dataPath)
	if err != nil {
		return c.wrapErr("create", err)
	}
	c.dataFile = dataFile

	p0, err := c.cache.LoadForWrite(c.dataFile, 0)
	if err != nil {
		return c.wrapErr("create", err)
	}
	NewClusterStatePage(p0)
	c.statePagePin = p0 // never released: keeps page 0 pinned for good

	for i := 1; i < startSizePages; i++ {
		if _, err := c.allocateFreshPage(nil); err != nil {
			return c.wrapErr("create", err)
		}
	}

	mapFile, err := c.cache.AddFile(c.mapPath)
	if err != nil {
		return c.wrapErr("create", err)
	}
	c.mapFile = mapFile
	mp0, err := c.cache.LoadForWrite(c.mapFile, 0)
	if err != nil {
		return c.wrapErr("create", err)
	}
	mp0.SetType(pagecache.PageTypePositionMap)
	c.cache.ReleaseFromWrite(mp0)

	pm, err := OpenPositionMap(c.cache, c.mapFile)
	if err != nil {
		return c.wrapErr("create", err)
	}
	c.posMap = pm

	c.logger.Info("cluster created")
	return nil
}

// Open reopens an existing cluster's two files and re-pins its state page.
func (c *PaginatedCluster) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dataFile, err := c.cache.OpenFile(c.dataPath)
	if err != nil {
		return c.wrapErr("open", err)
	}
	c.dataFile = dataFile

	p0, err := c.cache.LoadForRead(c.dataFile, 0)
	if err != nil {
		return c.wrapErr("open", err)
	}
	c.statePagePin = p0

	mapFile, err := c.cache.OpenFile(c.mapPath)
	if err != nil {
		return c.wrapErr("open", err)
	}
	c.mapFile = mapFile

	pm, err := OpenPositionMap(c.cache, c.mapFile)
	if err != nil {
		return c.wrapErr("open", err)
	}
	c.posMap = pm

	c.logger.Info("cluster opened")
	return nil
}

// Close unpins the state page and, if flush is true, syncs both files.
func (c *PaginatedCluster) Close(flush bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.statePagePin != nil {
		c.cache.ReleaseFromRead(c.statePagePin)
		c.statePagePin = nil
	}
	if flush {
		if err := c.cache.Flush(c.dataFile); err != nil {
			return c.wrapErr("close", err)
		}
		if err := c.posMap.Flush(); err != nil {
			return c.wrapErr("close", err)
		}
	}
	c.logger.Info("cluster closed")
	return nil
}

// Synch flushes both backing files without closing anything.
func (c *PaginatedCluster) Synch() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.cache.Flush(c.dataFile); err != nil {
		return c.wrapErr("synch", err)
	}
	return c.posMap.Flush()
}

// Delete unpins the state page and removes both backing files.
func (c *PaginatedCluster) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.statePagePin != nil {
		c.cache.ReleaseFromRead(c.statePagePin)
		c.statePagePin = nil
	}
	if err := c.cache.DeleteFile(c.dataFile); err != nil {
		return c.wrapErr("delete", err)
	}
	return c.wrapErr("delete", c.cache.DeleteFile(c.mapFile))
}

// Truncate resets the cluster to its just-created state: zero entries,
// zero records_size, an empty free list, and an empty position map. The
// files' own page allocation is never shrunk.
func (c *PaginatedCluster) Truncate() error {
	return c.withWriteOp(func(op *atomicops.Operation) error {
		sp, spPage, err := c.loadStatePageForWrite(op)
		if err != nil {
			return c.wrapErr("truncate", err)
		}
		sp.SetSize(0)
		sp.SetRecordsSize(0)
		for i := 0; i < FreeListSize; i++ {
			sp.SetFreeListPage(i, NoPointer)
		}
		c.cache.ReleaseFromWrite(spPage)
		return c.wrapErr("truncate", c.posMap.Truncate(op))
	})
}

// withReadLock runs fn under the manager's shared read lock and the
// cluster's own shared lock, released in reverse order.
func (c *PaginatedCluster) withReadLock(fn func() error) error {
	release := c.ops.AcquireReadLock()
	c.mu.RLock()
	err := fn()
	c.mu.RUnlock()
	release()
	return err
}

// withWriteOp runs fn inside one atomic operation, holding the manager's
// exclusive lock (acquired implicitly by StartAtomicOperation) and then the
// cluster's own exclusive lock for fn's duration. fn's returned error, if
// any, rolls the operation back; otherwise it commits. A panic inside fn
// still ends the operation (as a rollback) before propagating, so every
// atomic operation is closed exactly once on every exit path.
func (c *PaginatedCluster) withWriteOp(fn func(op *atomicops.Operation) error) (err error) {
	op, startErr := c.ops.StartAtomicOperation()
	if startErr != nil {
		return c.wrapErr("write", startErr)
	}

	c.mu.Lock()
	unlocked := false
	defer func() {
		if r := recover(); r != nil {
			if !unlocked {
				c.mu.Unlock()
			}
			op.End(true, nil)
			panic(r)
		}
	}()

	err = fn(op)
	c.mu.Unlock()
	unlocked = true

	rollback := err != nil
	endErr := op.End(rollback, err)
	if err == nil {
		err = c.wrapErr("write", endErr)
	}
	return err
}

func (c *PaginatedCluster) loadStatePageForWrite(op *atomicops.Operation) (*ClusterStatePage, *pagecache.Page, error) {
	p, err := c.cache.LoadForWrite(c.dataFile, 0)
	if err != nil {
		return nil, nil, err
	}
	if op != nil {
		op.MarkDirty(p)
	}
	return LoadClusterStatePage(p), p, nil
}

func (c *PaginatedCluster) loadStatePageForRead() (*ClusterStatePage, *pagecache.Page, error) {
	p, err := c.cache.LoadForRead(c.dataFile, 0)
	if err != nil {
		return nil, nil, err
	}
	return LoadClusterStatePage(p), p, nil
}

func (c *PaginatedCluster) wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return clusterErr(c.name, op, err)
}

func (c *PaginatedCluster) trackPosition(op *atomicops.Operation, pos int64) {
	if c.changeTracking {
		op.PutMetadata(atomicops.RID_METADATA, pos)
	}
}

func (c *PaginatedCluster) encodePayload(content []byte) ([]byte, error) {
	compressed, err := c.compressor.Compress(content)
	if err != nil {
		return nil, err
	}
	return c.encryptor.Seal(compressed)
}

func (c *PaginatedCluster) decodePayload(raw []byte) ([]byte, error) {
	opened, err := c.encryptor.Open(raw)
	if err != nil {
		return nil, err
	}
	return c.compressor.Decompress(opened)
}

// AllocatePosition reserves a position in the ALLOCATED state, with no
// chunk written yet; CreateRecord can later target it directly.
func (c *PaginatedCluster) AllocatePosition() (int64, error) {
	var pos int64
	err := c.withWriteOp(func(op *atomicops.Operation) error {
		t := c.stats.Start("allocate_position")
		defer t.Stop()

		p, err := c.posMap.Allocate(op)
		if err != nil {
			return c.wrapErr("allocate_position", err)
		}
		pos = p
		c.trackPosition(op, pos)
		return nil
	})
	return pos, err
}

// CreateRecord compresses and encrypts content, writes it as a chain of
// chunks, and either fills allocatedPosition (if non-nil, a position
// previously obtained from AllocatePosition) or allocates a fresh position
// for it.
func (c *PaginatedCluster) CreateRecord(content []byte, version uint32, recordType byte, allocatedPosition *int64) (int64, error) {
	var pos int64
	err := c.withWriteOp(func(op *atomicops.Operation) error {
		t := c.stats.Start("create_record")
		defer t.Stop()

		encoded, err := c.encodePayload(content)
		if err != nil {
			return c.wrapErr("create_record", err)
		}
		head, sizeDiff, err := c.writeChain(op, encoded, version, recordType)
		if err != nil {
			return err
		}

		sp, spPage, err := c.loadStatePageForWrite(op)
		if err != nil {
			return c.wrapErr("create_record", err)
		}
		sp.SetSize(sp.GetSize() + 1)
		sp.SetRecordsSize(sp.GetRecordsSize() + sizeDiff)
		c.cache.ReleaseFromWrite(spPage)

		if allocatedPosition != nil {
			if err := c.posMap.Update(op, *allocatedPosition, head); err != nil {
				return c.wrapErr("create_record", err)
			}
			pos = *allocatedPosition
		} else {
			p, err := c.posMap.Add(op, head)
			if err != nil {
				return c.wrapErr("create_record", err)
			}
			pos = p
		}
		c.trackPosition(op, pos)
		return nil
	})
	return pos, err
}

// ReadRecord returns a record's decoded payload, version and type, or
// found=false if pos carries no live record. prefetchPages is accepted for
// interface compatibility with a caching page-cache collaborator and has no
// effect here beyond that.
func (c *PaginatedCluster) ReadRecord(pos int64, prefetchPages int) (payload []byte, version uint32, recordType byte, found bool, err error) {
	err = c.withReadLock(func() error {
		t := c.stats.Start("read_record")
		defer t.Stop()

		entry, ok, err := c.posMap.Get(pos, prefetchPages)
		if err != nil {
			return c.wrapErr("read_record", err)
		}
		if !ok {
			return nil
		}
		raw, rt, v, ok2, err := c.readChain(entry)
		if err != nil {
			return err
		}
		if !ok2 {
			return nil
		}
		decoded, err := c.decodePayload(raw)
		if err != nil {
			return c.wrapErr("read_record", err)
		}
		payload, version, recordType, found = decoded, v, rt, true
		return nil
	})
	return payload, version, recordType, found, err
}

// ReadRecordIfVersionIsNotLatest fails with a *NotFoundError when pos
// carries no record, returns unchanged=true (no payload) when knownVersion
// already matches what's stored, and otherwise returns the full decoded
// record.
func (c *PaginatedCluster) ReadRecordIfVersionIsNotLatest(pos int64, knownVersion uint32) (payload []byte, version uint32, recordType byte, unchanged bool, err error) {
	err = c.withReadLock(func() error {
		t := c.stats.Start("read_record_if_version_is_not_latest")
		defer t.Stop()

		entry, ok, err := c.posMap.Get(pos, 0)
		if err != nil {
			return c.wrapErr("read_record_if_version_is_not_latest", err)
		}
		if !ok {
			return &NotFoundError{Position: pos}
		}
		ver, err := c.headVersion(entry)
		if err != nil {
			return c.wrapErr("read_record_if_version_is_not_latest", err)
		}
		if ver == knownVersion {
			unchanged = true
			return nil
		}
		raw, rt, v, ok2, err := c.readChain(entry)
		if err != nil {
			return err
		}
		if !ok2 {
			return &NotFoundError{Position: pos}
		}
		decoded, err := c.decodePayload(raw)
		if err != nil {
			return c.wrapErr("read_record_if_version_is_not_latest", err)
		}
		payload, version, recordType = decoded, v, rt
		return nil
	})
	return payload, version, recordType, unchanged, err
}

// UpdateRecord rewrites pos's chain with content's compressed/encrypted
// bytes, reusing same-size slots in place and re-bucketing any slots it
// frees or consumes. updated is false if pos carries no live record.
func (c *PaginatedCluster) UpdateRecord(pos int64, content []byte, version uint32, recordType byte) (updated bool, err error) {
	err = c.withWriteOp(func(op *atomicops.Operation) error {
		t := c.stats.Start("update_record")
		defer t.Stop()

		entry, ok, err := c.posMap.Get(pos, 0)
		if err != nil {
			return c.wrapErr("update_record", err)
		}
		if !ok {
			return nil
		}
		oldChain, err := c.walkChainEntries(entry)
		if err != nil {
			return c.wrapErr("update_record", err)
		}
		encoded, err := c.encodePayload(content)
		if err != nil {
			return c.wrapErr("update_record", err)
		}
		newHead, sizeDiff, err := c.updateChain(op, oldChain, encoded, version, recordType)
		if err != nil {
			return err
		}
		if newHead != oldChain[0] {
			if err := c.posMap.Update(op, pos, newHead); err != nil {
				return c.wrapErr("update_record", err)
			}
		}

		sp, spPage, err := c.loadStatePageForWrite(op)
		if err != nil {
			return c.wrapErr("update_record", err)
		}
		sp.SetRecordsSize(sp.GetRecordsSize() + sizeDiff)
		c.cache.ReleaseFromWrite(spPage)

		c.trackPosition(op, pos)
		updated = true
		return nil
	})
	return updated, err
}

// DeleteRecord walks pos's whole chain, deletes and re-buckets every chunk,
// removes pos from the position map, and decrements the entry counter.
// deleted is false if pos carried no live record.
func (c *PaginatedCluster) DeleteRecord(pos int64) (deleted bool, err error) {
	err = c.withWriteOp(func(op *atomicops.Operation) error {
		t := c.stats.Start("delete_record")
		defer t.Stop()

		entry, ok, err := c.posMap.Get(pos, 0)
		if err != nil {
			return c.wrapErr("delete_record", err)
		}
		if !ok {
			return nil
		}
		chain, err := c.walkChainEntries(entry)
		if err != nil {
			return c.wrapErr("delete_record", err)
		}

		var sizeDiff int64
		for _, e := range chain {
			p, err := c.cache.LoadForWrite(c.dataFile, e.PageIndex)
			if err != nil {
				return c.wrapErr("delete_record", err)
			}
			cp := LoadClusterPage(p)
			if op != nil {
				op.MarkDirty(p)
			}
			oldBucket := calculateFreePageIndex(cp.GetMaxRecordSize())
			chunkSize := cp.GetRecordSize(int(e.Slot))
			cp.DeleteRecord(int(e.Slot))
			sizeDiff -= int64(chunkSize)
			c.cache.ReleaseFromWrite(p)

			if err := c.updateFreePagesIndex(op, oldBucket, e.PageIndex); err != nil {
				return c.wrapErr("delete_record", err)
			}
		}

		sp, spPage, err := c.loadStatePageForWrite(op)
		if err != nil {
			return c.wrapErr("delete_record", err)
		}
		sp.SetSize(sp.GetSize() - 1)
		sp.SetRecordsSize(sp.GetRecordsSize() + sizeDiff)
		c.cache.ReleaseFromWrite(spPage)

		if err := c.posMap.Remove(op, pos); err != nil {
			return c.wrapErr("delete_record", err)
		}
		c.trackPosition(op, pos)
		deleted = true
		return nil
	})
	return deleted, err
}

// HideRecord removes pos from the position map and decrements the entry
// counter without freeing its chunks: the chain's bytes stay charged
// against records_size, an intentional discrepancy matching how a hidden
// record can still be found by a lower-level page scan. hidden is false if
// pos carried no live record.
func (c *PaginatedCluster) HideRecord(pos int64) (hidden bool, err error) {
	err = c.withWriteOp(func(op *atomicops.Operation) error {
		t := c.stats.Start("hide_record")
		defer t.Stop()

		_, ok, err := c.posMap.Get(pos, 0)
		if err != nil {
			return c.wrapErr("hide_record", err)
		}
		if !ok {
			return nil
		}

		sp, spPage, err := c.loadStatePageForWrite(op)
		if err != nil {
			return c.wrapErr("hide_record", err)
		}
		sp.SetSize(sp.GetSize() - 1)
		c.cache.ReleaseFromWrite(spPage)

		if err := c.posMap.Remove(op, pos); err != nil {
			return c.wrapErr("hide_record", err)
		}
		c.trackPosition(op, pos)
		hidden = true
		return nil
	})
	return hidden, err
}

// RecycleRecord requires pos's current status to be REMOVED, writes
// content as a fresh chain, and resurrects pos to FILLED pointing at it.
func (c *PaginatedCluster) RecycleRecord(pos int64, content []byte, version uint32, recordType byte) error {
	return c.withWriteOp(func(op *atomicops.Operation) error {
		t := c.stats.Start("recycle_record")
		defer t.Stop()

		status, _, err := c.posMap.Lookup(pos)
		if err != nil {
			return c.wrapErr("recycle_record", err)
		}
		if status != Removed {
			return clusterErr(c.name, "recycle_record", errRecycleNotRemoved)
		}

		encoded, err := c.encodePayload(content)
		if err != nil {
			return c.wrapErr("recycle_record", err)
		}
		head, sizeDiff, err := c.writeChain(op, encoded, version, recordType)
		if err != nil {
			return err
		}

		sp, spPage, err := c.loadStatePageForWrite(op)
		if err != nil {
			return c.wrapErr("recycle_record", err)
		}
		sp.SetSize(sp.GetSize() + 1)
		sp.SetRecordsSize(sp.GetRecordsSize() + sizeDiff)
		c.cache.ReleaseFromWrite(spPage)

		if err := c.posMap.Resurrect(op, pos, head); err != nil {
			return c.wrapErr("recycle_record", err)
		}
		c.trackPosition(op, pos)
		return nil
	})
}

// GetPhysicalPosition returns pos's status and, if it carries one, its
// chunk-head location, regardless of status (unlike ReadRecord, which only
// ever serves FILLED positions).
func (c *PaginatedCluster) GetPhysicalPosition(pos int64) (Entry, Status, error) {
	var entry Entry
	var status Status
	err := c.withReadLock(func() error {
		st, e, err := c.posMap.Lookup(pos)
		if err != nil {
			return c.wrapErr("get_physical_position", err)
		}
		status, entry = st, e
		return nil
	})
	return entry, status, err
}

// GetEntries returns the live record count.
func (c *PaginatedCluster) GetEntries() (int64, error) {
	var n int64
	err := c.withReadLock(func() error {
		sp, spPage, err := c.loadStatePageForRead()
		if err != nil {
			return c.wrapErr("get_entries", err)
		}
		n = sp.GetSize()
		c.cache.ReleaseFromRead(spPage)
		return nil
	})
	return n, err
}

// Entries implements clustercfg's entriesCounter interface, used by
// Config.Set to gate ENCRYPTION changes to an empty cluster. It reports 0
// on any read failure rather than propagating an error, since Set's
// signature has no room for one.
func (c *PaginatedCluster) Entries() int64 {
	n, _ := c.GetEntries()
	return n
}

// GetRecordsSize returns the live payload byte footprint.
func (c *PaginatedCluster) GetRecordsSize() (int64, error) {
	var n int64
	err := c.withReadLock(func() error {
		sp, spPage, err := c.loadStatePageForRead()
		if err != nil {
			return c.wrapErr("get_records_size", err)
		}
		n = sp.GetRecordsSize()
		c.cache.ReleaseFromRead(spPage)
		return nil
	})
	return n, err
}

// GetFirstPosition returns the smallest non-NOT_EXISTENT position.
func (c *PaginatedCluster) GetFirstPosition() (int64, bool, error) {
	var pos int64
	var ok bool
	err := c.withReadLock(func() error {
		p, o, err := c.posMap.FirstPosition()
		pos, ok = p, o
		return err
	})
	return pos, ok, err
}

// GetLastPosition returns the largest non-NOT_EXISTENT position.
func (c *PaginatedCluster) GetLastPosition() (int64, bool, error) {
	var pos int64
	var ok bool
	err := c.withReadLock(func() error {
		p, o, err := c.posMap.LastPosition()
		pos, ok = p, o
		return err
	})
	return pos, ok, err
}

// GetNextPosition returns the smallest non-NOT_EXISTENT position strictly
// greater than pos.
func (c *PaginatedCluster) GetNextPosition(pos int64) (int64, bool, error) {
	var next int64
	var ok bool
	err := c.withReadLock(func() error {
		p, o, err := c.posMap.NextPosition(pos)
		next, ok = p, o
		return err
	})
	return next, ok, err
}

// HigherPositions returns non-NOT_EXISTENT positions strictly greater than
// pos within pos's position-map page.
func (c *PaginatedCluster) HigherPositions(pos int64) ([]int64, error) {
	var out []int64
	err := c.withReadLock(func() error {
		r, err := c.posMap.HigherPositions(pos)
		out = r
		return err
	})
	return out, err
}

// CeilingPositions returns non-NOT_EXISTENT positions greater than or equal
// to pos within pos's position-map page.
func (c *PaginatedCluster) CeilingPositions(pos int64) ([]int64, error) {
	var out []int64
	err := c.withReadLock(func() error {
		r, err := c.posMap.CeilingPositions(pos)
		out = r
		return err
	})
	return out, err
}

// LowerPositions returns non-NOT_EXISTENT positions strictly less than pos
// within pos's position-map page.
func (c *PaginatedCluster) LowerPositions(pos int64) ([]int64, error) {
	var out []int64
	err := c.withReadLock(func() error {
		r, err := c.posMap.LowerPositions(pos)
		out = r
		return err
	})
	return out, err
}

// FloorPositions returns non-NOT_EXISTENT positions less than or equal to
// pos within pos's position-map page.
func (c *PaginatedCluster) FloorPositions(pos int64) ([]int64, error) {
	var out []int64
	err := c.withReadLock(func() error {
		r, err := c.posMap.FloorPositions(pos)
		out = r
		return err
	})
	return out, err
}

// Iterator walks every non-NOT_EXISTENT position in increasing order.
type Iterator struct {
	c       *PaginatedCluster
	current int64
}

// AbsoluteIterator returns an Iterator starting before the first position.
func (c *PaginatedCluster) AbsoluteIterator() *Iterator {
	return &Iterator{c: c, current: -1}
}

// Next advances the iterator and returns the next position, or ok=false
// once exhausted.
func (it *Iterator) Next() (int64, bool, error) {
	next, ok, err := it.c.GetNextPosition(it.current)
	if err != nil {
		return 0, false, err
	}
	if ok {
		it.current = next
	}
	return next, ok, nil
}

// ReplaceFile atomically replaces the data file's entire content. This
// bypasses per-page durability logging (there is no meaningful pre-image
// for a wholesale file swap); callers that need crash-safety around it are
// expected to flush and checkpoint around the call themselves.
func (c *PaginatedCluster) ReplaceFile(content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wrapErr("replace_file", c.cache.ReplaceFileContentWith(c.dataFile, content))
}

// ReplaceClusterMapFile atomically replaces the position-map file's entire
// content, then reopens the in-memory PositionMap against it.
func (c *PaginatedCluster) ReplaceClusterMapFile(content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.cache.ReplaceFileContentWith(c.mapFile, content); err != nil {
		return c.wrapErr("replace_cluster_map_file", err)
	}
	pm, err := OpenPositionMap(c.cache, c.mapFile)
	if err != nil {
		return c.wrapErr("replace_cluster_map_file", err)
	}
	c.posMap = pm
	return nil
}

// Set applies a mutable-attribute change. CONFLICTSTRATEGY and ENCRYPTION
// are validated against their registries here (clustercfg only enforces
// the emptiness precondition for ENCRYPTION, since it has no registry
// dependency of its own); NAME additionally renames both backing files.
func (c *PaginatedCluster) Set(attribute, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch attribute {
	case clustercfg.AttrConflictStrategy:
		strat, err := conflict.ByName(value)
		if err != nil {
			return clusterErr(c.name, "set", err)
		}
		if err := c.cfg.Set(attribute, value, c); err != nil {
			return clusterErr(c.name, "set", err)
		}
		c.conflict = strat
		return nil

	case clustercfg.AttrEncryption:
		enc, err := crypto.ByName(value, c.cfg.EncryptionKey)
		if err != nil {
			return clusterErr(c.name, "set", err)
		}
		if err := c.cfg.Set(attribute, value, c); err != nil {
			return clusterErr(c.name, "set", err)
		}
		c.encryptor = enc
		return nil

	case clustercfg.AttrName:
		newData, newMap := filePaths(c.dir, value)
		if err := c.cache.RenameFile(c.dataFile, newData); err != nil {
			return clusterErr(c.name, "set", err)
		}
		if err := c.cache.RenameFile(c.mapFile, newMap); err != nil {
			return clusterErr(c.name, "set", err)
		}
		if err := c.cfg.Set(attribute, value, c); err != nil {
			return clusterErr(c.name, "set", err)
		}
		c.name = value
		c.dataPath, c.mapPath = newData, newMap
		return nil

	default:
		if err := c.cfg.Set(attribute, value, c); err != nil {
			return clusterErr(c.name, "set", err)
		}
		return nil
	}
}

// Name returns the cluster's current name.
func (c *PaginatedCluster) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

// Config returns the cluster's current descriptor.
func (c *PaginatedCluster) Config() *clustercfg.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Stats returns the performance-hooks sink in use, if any.
func (c *PaginatedCluster) Stats() *clusterstats.Sink {
	return c.stats
}
