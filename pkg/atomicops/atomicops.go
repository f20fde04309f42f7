// pkg/atomicops/atomicops.go
package atomicops

import (
	"sync"

	"github.com/pkg/errors"

	"clusterstore/pkg/pagecache"
)

// ErrNoOperation is returned when End is called a second time on the same
// operation.
var ErrNoOperation = errors.New("atomicops: no active operation")

// dirtyKey identifies one page across every file a cluster owns.
type dirtyKey struct {
	file   pagecache.FileID
	pageNo uint32
}

// Operation is a single unit-of-work scope: every page mutated between
// Start and End becomes durable together on commit, or is rolled back to
// its pre-operation bytes together on abort.
type Operation struct {
	manager *Manager

	mu       sync.Mutex
	original map[dirtyKey][]byte // pre-image, captured once per page
	order    []dirtyKey          // insertion order, for stable frame writes
	metadata map[string][]interface{}
	ended    bool
}

// PutMetadata appends a value under key in the operation's metadata bag
// (e.g. the affected record id under RID_METADATA for change tracking).
func (op *Operation) PutMetadata(key string, value interface{}) {
	op.mu.Lock()
	defer op.mu.Unlock()
	op.metadata[key] = append(op.metadata[key], value)
}

// Metadata returns the values recorded under key, if any.
func (op *Operation) Metadata(key string) []interface{} {
	op.mu.Lock()
	defer op.mu.Unlock()
	return append([]interface{}(nil), op.metadata[key]...)
}

// MarkDirty snapshots a page's current bytes the first time it is seen in
// this operation, so End(rollback=true) can restore them verbatim. Must be
// called with the page still holding its original content, i.e. before the
// caller mutates page.Data().
func (op *Operation) MarkDirty(page *pagecache.Page) {
	op.mu.Lock()
	defer op.mu.Unlock()

	key := dirtyKey{file: page.File(), pageNo: page.PageNo()}
	if _, seen := op.original[key]; seen {
		return
	}
	snapshot := make([]byte, len(page.Data()))
	copy(snapshot, page.Data())
	op.original[key] = snapshot
	op.order = append(op.order, key)
}

// AcquireExclusiveLockTillOperationComplete accepts a resource to hold
// exclusively for the rest of this operation; it records nothing and takes
// no lock of its own. The manager's
// own exclusive section already serializes all mutators, so no caller in
// this repo needs a finer-grained per-resource lock yet; this is an
// interface-completeness stub kept for the collaborator surface the
// manager documents, not a currently exercised lock path.
func (op *Operation) AcquireExclusiveLockTillOperationComplete(resource interface{}) {
}

// End finishes the operation. If rollback is true (or cause is non-nil),
// every touched page is restored to its pre-operation bytes and the change
// is discarded; otherwise the post-image of every touched page is appended
// to the durability log and the log is fsynced. End must be called exactly
// once per operation, on every exit path including exceptions.
func (op *Operation) End(rollback bool, cause error) error {
	m := op.manager

	op.mu.Lock()
	if op.ended {
		op.mu.Unlock()
		return ErrNoOperation
	}
	op.ended = true
	touched := op.order
	originals := op.original
	op.mu.Unlock()
	defer m.releaseWriter()

	if rollback || cause != nil {
		for _, key := range touched {
			page, err := m.cache.LoadForWrite(key.file, key.pageNo)
			if err != nil {
				continue
			}
			copy(page.Data(), originals[key])
			page.SetDirty(false)
			m.cache.ReleaseFromWrite(page)
		}
		return cause
	}

	for i, key := range touched {
		page, err := m.cache.LoadForRead(key.file, key.pageNo)
		if err != nil {
			return errors.Wrapf(err, "atomicops: loading page %d of file %d for commit", key.pageNo, key.file)
		}
		isLast := i == len(touched)-1
		var fileSize uint32
		if isLast {
			n, _ := m.cache.FilledUpTo(key.file)
			fileSize = n
		}
		data := make([]byte, len(page.Data()))
		copy(data, page.Data())
		m.cache.ReleaseFromRead(page)

		if err := m.log.writeFrame(key.file, key.pageNo, data, isLast, fileSize); err != nil {
			return errors.Wrap(err, "atomicops: writing durability frame")
		}
	}

	if len(touched) == 0 {
		return nil
	}
	return m.cache.FlushAll()
}

// Manager is the atomic-operations manager external collaborator: it begins
// and ends unit-of-work scopes, exposes the currently active operation, and
// governs the reader/writer locking that coordinates with its own commit
// protocol. One Manager instance fronts one cluster's pair of files.
type Manager struct {
	cache *pagecache.Cache
	log   *opLog

	// rw is the manager-wide commit-protocol lock: readers take RLock for
	// the duration of acquire_read_lock, a mutator takes Lock for the
	// duration of its whole atomic operation.
	rw sync.RWMutex

	mu      sync.Mutex
	current *Operation
}

// Open opens (or creates) the manager's durability log at logPath and
// replays any committed-but-uncheckpointed frames into cache before
// returning, so the cluster never observes a state between a crash and the
// last committed operation.
func Open(cache *pagecache.Cache, logPath string) (*Manager, error) {
	l, err := openLog(logPath, cache.PageSize())
	if err != nil {
		return nil, err
	}

	m := &Manager{cache: cache, log: l}
	if l.frameCountSnapshot() > 0 {
		if err := m.recover(); err != nil {
			l.close()
			return nil, err
		}
	}
	return m, nil
}

func (m *Manager) recover() error {
	lastCommit := m.log.findLastCommit()
	if lastCommit == 0 {
		return m.log.reset()
	}

	latest := make(map[dirtyKey][]byte)
	order := make([]dirtyKey, 0)
	for i := uint32(1); i <= lastCommit; i++ {
		f, err := m.log.readFrame(i)
		if err != nil {
			return err
		}
		key := dirtyKey{file: f.File, pageNo: f.PageNo}
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = f.Data
	}

	for _, key := range order {
		page, err := m.cache.LoadForWrite(key.file, key.pageNo)
		if err != nil {
			// AddPage is idempotent here: the file may not yet be grown
			// far enough if this is the very first operation replayed.
			if _, addErr := m.cache.AddPage(key.file); addErr != nil {
				return errors.Wrap(err, "atomicops: recovering page")
			}
			page, err = m.cache.LoadForWrite(key.file, key.pageNo)
			if err != nil {
				return errors.Wrap(err, "atomicops: recovering page after grow")
			}
		}
		copy(page.Data(), latest[key])
		m.cache.ReleaseFromWrite(page)
	}

	if err := m.cache.FlushAll(); err != nil {
		return err
	}
	return m.log.reset()
}

// AcquireReadLock takes the manager's shared lock for a read path. The
// returned func releases it; callers must defer it immediately.
func (m *Manager) AcquireReadLock() func() {
	m.rw.RLock()
	return m.rw.RUnlock
}

// StartAtomicOperation begins a new unit-of-work scope, taking the
// manager's exclusive lock for its entire duration. The caller must call
// Operation.End exactly once, on every exit path.
func (m *Manager) StartAtomicOperation() (*Operation, error) {
	m.rw.Lock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.rw.Unlock()
		return nil, errors.New("atomicops: operation already active")
	}

	op := &Operation{
		manager:  m,
		original: make(map[dirtyKey][]byte),
		metadata: make(map[string][]interface{}),
	}
	m.current = op
	return op, nil
}

// CurrentOperation returns the in-flight operation, if any. No caller in
// this repo needs it today — every mutator already receives its Operation
// directly from StartAtomicOperation — but it mirrors the manager's documented
// collaborator surface for callers that only have a Manager in hand, so it
// stays as an interface-completeness stub rather than an exercised path.
func (m *Manager) CurrentOperation() *Operation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manager) releaseWriter() {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()
	m.rw.Unlock()
}

// Close closes the durability log.
func (m *Manager) Close() error {
	return m.log.close()
}

// RID_METADATA is the well-known metadata-bag key every CRUD operation
// registers the affected logical position under, when change tracking is
// enabled by the caller.
const RID_METADATA = "RID_METADATA"
