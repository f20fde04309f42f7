// pkg/pagecache/cache.go
package pagecache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"clusterstore/pkg/storage"
)

var (
	// ErrPageNotFound is returned when a requested page is outside the
	// filled range of its file.
	ErrPageNotFound = errors.New("pagecache: page not found")
	// ErrFileNotFound is returned when an operation names an unknown FileID.
	ErrFileNotFound = errors.New("pagecache: file not found")
)

// FileID identifies one open file inside a Cache. A cluster typically holds
// two: one for its data file, one for its position-map file.
type FileID int

const defaultPageSize = 4096

// Options configures a Cache.
type Options struct {
	PageSize  int // page size in bytes, default 4096
	CacheSize int // max resident pages across all files, default 4096
	Budget    *MemoryBudget
}

type cacheEntry struct {
	page    *Page
	element *list.Element
}

type fileHandle struct {
	id        FileID
	path      string
	inMemory  bool
	storage   storage.Storage
	pageCount uint32
	entries   map[uint32]*cacheEntry
}

// lruKey identifies a resident page for the global LRU list, since eviction
// is scored across every open file rather than per file.
type lruKey struct {
	file   FileID
	pageNo uint32
}

// Cache is the page cache external collaborator: it owns the mmap'd (or
// in-memory) backing storage for every file a cluster opens, hands out
// pinned Page handles, and tracks an LRU-evictable working set bounded by
// CacheSize and, optionally, a MemoryBudget.
type Cache struct {
	mu        sync.RWMutex
	pageSize  int
	cacheSize int
	budget    *MemoryBudget

	files  map[FileID]*fileHandle
	nextID FileID

	lru *list.List // front = most recently used lruKey
}

// New creates a Cache. A zero Options gets 4096-byte pages and a 4096-page
// resident cap.
func New(opts Options) *Cache {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = defaultPageSize
	}
	cacheSize := opts.CacheSize
	if cacheSize == 0 {
		cacheSize = 4096
	}
	return &Cache{
		pageSize:  pageSize,
		cacheSize: cacheSize,
		budget:    opts.Budget,
		files:     make(map[FileID]*fileHandle),
		lru:       list.New(),
	}
}

// PageSize returns the page size shared by every file in this cache.
func (c *Cache) PageSize() int { return c.pageSize }

// AddFile creates (or opens, if it already exists) a disk-backed file and
// returns a handle to it. Used for a cluster's create() path.
func (c *Cache) AddFile(path string) (FileID, error) {
	mf, err := storage.OpenMmapFile(path, int64(c.pageSize))
	if err != nil {
		return 0, err
	}
	return c.registerFile(path, mf, false, mf.Size()), nil
}

// OpenFile opens an existing disk-backed file. Used for a cluster's open()
// path, once the file is already known to exist.
func (c *Cache) OpenFile(path string) (FileID, error) {
	return c.AddFile(path)
}

// AddMemoryFile creates an ephemeral, non-disk-backed file. Used for
// in-memory clusters that never persist.
func (c *Cache) AddMemoryFile(name string) (FileID, error) {
	ms, err := storage.NewMemoryStorage(int64(c.pageSize))
	if err != nil {
		return 0, err
	}
	return c.registerFile(name, ms, true, ms.Size()), nil
}

func (c *Cache) registerFile(path string, s storage.Storage, inMemory bool, size int64) FileID {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	pageCount := uint32(size / int64(c.pageSize))
	if pageCount == 0 {
		pageCount = 1
	}
	c.files[id] = &fileHandle{
		id:        id,
		path:      path,
		inMemory:  inMemory,
		storage:   s,
		pageCount: pageCount,
		entries:   make(map[uint32]*cacheEntry),
	}
	return id
}

func (c *Cache) fileLocked(id FileID) (*fileHandle, error) {
	fh, ok := c.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	return fh, nil
}

// FilledUpTo returns the number of pages currently allocated in a file.
func (c *Cache) FilledUpTo(id FileID) (uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fh, err := c.fileLocked(id)
	if err != nil {
		return 0, err
	}
	return fh.pageCount, nil
}

// AddPage appends a fresh, zeroed page to the file and returns it pinned
// for write.
func (c *Cache) AddPage(id FileID) (*Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fh, err := c.fileLocked(id)
	if err != nil {
		return nil, err
	}

	pageNo := fh.pageCount
	required := int64(pageNo+1) * int64(c.pageSize)
	if required > fh.storage.Size() {
		newSize := fh.storage.Size() + fh.storage.Size()/10
		if newSize < required {
			newSize = required
		}
		if err := fh.storage.Grow(newSize); err != nil {
			return nil, err
		}
		c.invalidateFileLocked(fh)
	}
	fh.pageCount++

	offset := int(pageNo) * c.pageSize
	data := fh.storage.Slice(offset, c.pageSize)
	if data == nil {
		return nil, ErrPageNotFound
	}
	for i := range data {
		data[i] = 0
	}

	page := newPage(id, pageNo, data)
	page.pin()
	c.insertLocked(fh, pageNo, page)
	return page, nil
}

// LoadForRead pins and returns an existing page for reading.
func (c *Cache) LoadForRead(id FileID, pageNo uint32) (*Page, error) {
	return c.load(id, pageNo)
}

// LoadForWrite pins and returns an existing page for mutation. The caller
// must pair this with ReleaseFromWrite.
func (c *Cache) LoadForWrite(id FileID, pageNo uint32) (*Page, error) {
	page, err := c.load(id, pageNo)
	if err != nil {
		return nil, err
	}
	page.SetDirty(true)
	return page, nil
}

func (c *Cache) load(id FileID, pageNo uint32) (*Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fh, err := c.fileLocked(id)
	if err != nil {
		return nil, err
	}

	if entry, ok := fh.entries[pageNo]; ok {
		entry.page.pin()
		c.lru.MoveToFront(entry.element)
		c.recordAccess(id, pageNo)
		return entry.page, nil
	}

	if pageNo >= fh.pageCount {
		return nil, ErrPageNotFound
	}

	offset := int(pageNo) * c.pageSize
	data := fh.storage.Slice(offset, c.pageSize)
	if data == nil {
		return nil, ErrPageNotFound
	}

	page := newPage(id, pageNo, data)
	page.pin()
	c.insertLocked(fh, pageNo, page)
	return page, nil
}

func (c *Cache) insertLocked(fh *fileHandle, pageNo uint32, page *Page) {
	elem := c.lru.PushFront(lruKey{file: fh.id, pageNo: pageNo})
	fh.entries[pageNo] = &cacheEntry{page: page, element: elem}
	c.trackMemory(fh.id, pageNo)
	c.evictIfNeeded()
}

// ReleaseFromRead unpins a page obtained via LoadForRead.
func (c *Cache) ReleaseFromRead(page *Page) {
	page.unpin()
}

// ReleaseFromWrite unpins a page obtained via LoadForWrite.
func (c *Cache) ReleaseFromWrite(page *Page) {
	page.unpin()
}

func (c *Cache) evictIfNeeded() {
	for c.lru.Len() > c.cacheSize || c.shouldEvictForMemory() {
		elem := c.lru.Back()
		if elem == nil {
			break
		}
		key := elem.Value.(lruKey)
		fh, ok := c.files[key.file]
		if !ok {
			c.lru.Remove(elem)
			continue
		}
		entry, ok := fh.entries[key.pageNo]
		if !ok {
			c.lru.Remove(elem)
			continue
		}
		if entry.page.IsPinned() {
			c.lru.MoveToFront(elem)
			break
		}
		c.releaseMemory(key.file, key.pageNo)
		c.lru.Remove(elem)
		delete(fh.entries, key.pageNo)
	}
}

func (c *Cache) shouldEvictForMemory() bool {
	if c.budget == nil {
		return false
	}
	return c.budget.IsExceeded()
}

func (c *Cache) invalidateFileLocked(fh *fileHandle) {
	for pageNo, entry := range fh.entries {
		c.releaseMemory(fh.id, pageNo)
		c.lru.Remove(entry.element)
	}
	fh.entries = make(map[uint32]*cacheEntry)
}

func (c *Cache) trackMemory(id FileID, pageNo uint32) {
	if c.budget == nil {
		return
	}
	key := fmt.Sprintf("%d:%d", id, pageNo)
	c.budget.TrackWithPriority("pagecache", key, int64(c.pageSize), PriorityWarm)
}

func (c *Cache) releaseMemory(id FileID, pageNo uint32) {
	if c.budget == nil {
		return
	}
	key := fmt.Sprintf("%d:%d", id, pageNo)
	c.budget.ReleaseItem("pagecache", key)
}

func (c *Cache) recordAccess(id FileID, pageNo uint32) {
	if c.budget == nil {
		return
	}
	key := fmt.Sprintf("%d:%d", id, pageNo)
	c.budget.RecordAccess("pagecache", key)
}

// Flush syncs a single file's storage to its durable medium.
func (c *Cache) Flush(id FileID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fh, err := c.fileLocked(id)
	if err != nil {
		return err
	}
	if err := fh.storage.Sync(); err != nil {
		return err
	}
	for _, entry := range fh.entries {
		entry.page.SetDirty(false)
	}
	return nil
}

// FlushAll syncs every open file.
func (c *Cache) FlushAll() error {
	c.mu.RLock()
	ids := make([]FileID, 0, len(c.files))
	for id := range c.files {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		if err := c.Flush(id); err != nil {
			return err
		}
	}
	return nil
}

// RenameFile renames a file's backing path on disk and reopens the mapping
// under the new name. Any resident pages for the file are dropped first,
// since renaming invalidates their backing address space.
func (c *Cache) RenameFile(id FileID, newPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fh, err := c.fileLocked(id)
	if err != nil {
		return err
	}
	if fh.inMemory {
		fh.path = newPath
		return nil
	}

	size := fh.storage.Size()
	if err := fh.storage.Close(); err != nil {
		return err
	}
	if err := storage.RenameFile(fh.path, newPath); err != nil {
		return err
	}
	mf, err := storage.OpenMmapFile(newPath, size)
	if err != nil {
		return err
	}

	c.invalidateFileLocked(fh)
	fh.storage = mf
	fh.path = newPath
	return nil
}

// DeleteFile closes and removes a file's backing storage, then drops it
// from the cache entirely. A backing file that is already missing on disk is
// not an error; deleting an id that was already deleted returns
// ErrFileNotFound.
func (c *Cache) DeleteFile(id FileID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fh, err := c.fileLocked(id)
	if err != nil {
		return err
	}

	c.invalidateFileLocked(fh)
	if err := fh.storage.Close(); err != nil {
		return err
	}
	if !fh.inMemory {
		if err := storage.DeleteFile(fh.path); err != nil {
			return err
		}
	}
	delete(c.files, id)
	return nil
}

// ReplaceFileContentWith atomically replaces the on-disk content of a file
// and remaps it. Used when a cluster rebuilds its position-map file wholesale
// (e.g. during a compacting rewrite) rather than mutating it page by page.
func (c *Cache) ReplaceFileContentWith(id FileID, content []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fh, err := c.fileLocked(id)
	if err != nil {
		return err
	}
	if fh.inMemory {
		ms, err := storage.NewMemoryStorage(int64(len(content)))
		if err != nil {
			return err
		}
		copy(ms.Slice(0, len(content)), content)
		c.invalidateFileLocked(fh)
		fh.storage = ms
		fh.pageCount = pageCountFor(len(content), c.pageSize)
		return nil
	}

	if err := fh.storage.Close(); err != nil {
		return err
	}
	if err := storage.ReplaceFileContentWith(fh.path, content); err != nil {
		return err
	}
	mf, err := storage.OpenMmapFile(fh.path, int64(len(content)))
	if err != nil {
		return err
	}

	c.invalidateFileLocked(fh)
	fh.storage = mf
	fh.pageCount = pageCountFor(len(content), c.pageSize)
	return nil
}

func pageCountFor(byteLen, pageSize int) uint32 {
	n := (byteLen + pageSize - 1) / pageSize
	if n == 0 {
		n = 1
	}
	return uint32(n)
}

// Close flushes and closes every open file.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, fh := range c.files {
		if err := fh.storage.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := fh.storage.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
