// pkg/atomicops/atomicops_test.go
package atomicops

import (
	"path/filepath"
	"testing"
	"time"

	"clusterstore/pkg/pagecache"
)

func newTestManager(t *testing.T) (*Manager, *pagecache.Cache, pagecache.FileID, string) {
	t.Helper()
	dir := t.TempDir()
	cache := pagecache.New(pagecache.Options{PageSize: 4096})
	fileID, err := cache.AddFile(filepath.Join(dir, "data.pcl"))
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	mgr, err := Open(cache, filepath.Join(dir, "data.pcl.atop"))
	if err != nil {
		t.Fatalf("Open manager: %v", err)
	}
	return mgr, cache, fileID, dir
}

func TestCommitPersistsWrite(t *testing.T) {
	mgr, cache, fileID, _ := newTestManager(t)
	defer mgr.Close()
	defer cache.Close()

	op, err := mgr.StartAtomicOperation()
	if err != nil {
		t.Fatalf("StartAtomicOperation: %v", err)
	}

	page, err := cache.AddPage(fileID)
	if err != nil {
		t.Fatalf("AddPage: %v", err)
	}
	op.MarkDirty(page)
	copy(page.Data()[:5], []byte("alpha"))
	cache.ReleaseFromWrite(page)

	if err := op.End(false, nil); err != nil {
		t.Fatalf("End(commit): %v", err)
	}

	rp, err := cache.LoadForRead(fileID, page.PageNo())
	if err != nil {
		t.Fatalf("LoadForRead: %v", err)
	}
	if string(rp.Data()[:5]) != "alpha" {
		t.Errorf("expected committed write to persist, got %q", rp.Data()[:5])
	}
	cache.ReleaseFromRead(rp)
}

func TestRollbackRestoresOriginalBytes(t *testing.T) {
	mgr, cache, fileID, _ := newTestManager(t)
	defer mgr.Close()
	defer cache.Close()

	setupOp, _ := mgr.StartAtomicOperation()
	page, _ := cache.AddPage(fileID)
	setupOp.MarkDirty(page)
	copy(page.Data()[:7], []byte("initial"))
	pageNo := page.PageNo()
	cache.ReleaseFromWrite(page)
	if err := setupOp.End(false, nil); err != nil {
		t.Fatalf("setup commit: %v", err)
	}

	op, err := mgr.StartAtomicOperation()
	if err != nil {
		t.Fatalf("StartAtomicOperation: %v", err)
	}
	wp, err := cache.LoadForWrite(fileID, pageNo)
	if err != nil {
		t.Fatalf("LoadForWrite: %v", err)
	}
	op.MarkDirty(wp)
	copy(wp.Data()[:7], []byte("clobber"))
	cache.ReleaseFromWrite(wp)

	if err := op.End(true, nil); err != nil {
		t.Fatalf("End(rollback): %v", err)
	}

	rp, err := cache.LoadForRead(fileID, pageNo)
	if err != nil {
		t.Fatalf("LoadForRead after rollback: %v", err)
	}
	if string(rp.Data()[:7]) != "initial" {
		t.Errorf("expected rollback to restore original bytes, got %q", rp.Data()[:7])
	}
	cache.ReleaseFromRead(rp)
}

func TestEndTwiceReturnsError(t *testing.T) {
	mgr, cache, _, _ := newTestManager(t)
	defer mgr.Close()
	defer cache.Close()

	op, err := mgr.StartAtomicOperation()
	if err != nil {
		t.Fatalf("StartAtomicOperation: %v", err)
	}
	if err := op.End(false, nil); err != nil {
		t.Fatalf("first End: %v", err)
	}
	if err := op.End(false, nil); err != ErrNoOperation {
		t.Errorf("expected ErrNoOperation on second End, got %v", err)
	}
}

func TestStartAtomicOperationSerializesMutators(t *testing.T) {
	mgr, cache, _, _ := newTestManager(t)
	defer mgr.Close()
	defer cache.Close()

	op, err := mgr.StartAtomicOperation()
	if err != nil {
		t.Fatalf("StartAtomicOperation: %v", err)
	}
	started := make(chan *Operation, 1)
	go func() {
		second, err := mgr.StartAtomicOperation()
		if err != nil {
			second = nil
		}
		started <- second
	}()
	select {
	case <-started:
		t.Error("expected a second operation to block while the first is active")
	case <-time.After(50 * time.Millisecond):
	}
	if err := op.End(false, nil); err != nil {
		t.Fatalf("End: %v", err)
	}

	op2 := <-started
	if op2 == nil {
		t.Fatalf("StartAtomicOperation after release failed")
	}
	if err := op2.End(false, nil); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestMetadataBagCollectsValues(t *testing.T) {
	mgr, cache, _, _ := newTestManager(t)
	defer mgr.Close()
	defer cache.Close()

	op, err := mgr.StartAtomicOperation()
	if err != nil {
		t.Fatalf("StartAtomicOperation: %v", err)
	}
	op.PutMetadata(RID_METADATA, int64(1))
	op.PutMetadata(RID_METADATA, int64(2))

	values := op.Metadata(RID_METADATA)
	if len(values) != 2 {
		t.Fatalf("expected 2 metadata values, got %d", len(values))
	}
	if values[0] != int64(1) || values[1] != int64(2) {
		t.Errorf("unexpected metadata values: %v", values)
	}
	if err := op.End(false, nil); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestRecoveryReplaysCommittedOperationAfterReopen(t *testing.T) {
	dir := t.TempDir()
	dataPath := filepath.Join(dir, "data.pcl")
	logPath := filepath.Join(dir, "data.pcl.atop")

	cache := pagecache.New(pagecache.Options{PageSize: 4096})
	fileID, err := cache.AddFile(dataPath)
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	mgr, err := Open(cache, logPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	op, err := mgr.StartAtomicOperation()
	if err != nil {
		t.Fatalf("StartAtomicOperation: %v", err)
	}
	page, err := cache.AddPage(fileID)
	if err != nil {
		t.Fatalf("AddPage: %v", err)
	}
	op.MarkDirty(page)
	copy(page.Data()[:9], []byte("committed"))
	pageNo := page.PageNo()
	cache.ReleaseFromWrite(page)
	if err := op.End(false, nil); err != nil {
		t.Fatalf("End(commit): %v", err)
	}

	if err := cache.Close(); err != nil {
		t.Fatalf("cache.Close: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("mgr.Close: %v", err)
	}

	cache2 := pagecache.New(pagecache.Options{PageSize: 4096})
	fileID2, err := cache2.OpenFile(dataPath)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	mgr2, err := Open(cache2, logPath)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	defer mgr2.Close()
	defer cache2.Close()

	rp, err := cache2.LoadForRead(fileID2, pageNo)
	if err != nil {
		t.Fatalf("LoadForRead after reopen: %v", err)
	}
	if string(rp.Data()[:9]) != "committed" {
		t.Errorf("expected recovered content 'committed', got %q", rp.Data()[:9])
	}
	cache2.ReleaseFromRead(rp)
}
