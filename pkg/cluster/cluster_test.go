// pkg/cluster/cluster_test.go
package cluster

import (
	"bytes"
	"path/filepath"
	"testing"

	"clusterstore/pkg/atomicops"
	"clusterstore/pkg/clustercfg"
	"clusterstore/pkg/pagecache"
)

// newTestCluster wires a fresh cache/manager pair, configures and creates a
// cluster against them, and registers cleanup. It mirrors atomicops' own
// newTestManager fixture pattern.
func newTestCluster(t *testing.T, pageSize int) *PaginatedCluster {
	t.Helper()
	dir := t.TempDir()
	cache := pagecache.New(pagecache.Options{PageSize: pageSize})
	mgr, err := atomicops.Open(cache, filepath.Join(dir, "cluster.atop"))
	if err != nil {
		t.Fatalf("atomicops.Open: %v", err)
	}
	t.Cleanup(func() {
		mgr.Close()
		cache.Close()
	})

	cfg := clustercfg.New(1, "widgets")
	c, err := Configure(cfg, Options{Cache: cache, Manager: mgr, Dir: dir})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := c.Create(1); err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { c.Close(false) })
	return c
}

func TestClusterCreateOpenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cache := pagecache.New(pagecache.Options{PageSize: 4096})
	mgr, err := atomicops.Open(cache, filepath.Join(dir, "cluster.atop"))
	if err != nil {
		t.Fatalf("atomicops.Open: %v", err)
	}
	defer mgr.Close()
	defer cache.Close()

	cfg := clustercfg.New(1, "widgets")
	c, err := Configure(cfg, Options{Cache: cache, Manager: mgr, Dir: dir})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := c.Create(1); err != nil {
		t.Fatalf("Create: %v", err)
	}

	pos, err := c.CreateRecord([]byte("hello"), 1, 'd', nil)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if err := c.Close(true); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := Configure(cfg, Options{Cache: cache, Manager: mgr, Dir: dir})
	if err != nil {
		t.Fatalf("Configure (reopen): %v", err)
	}
	if err := c2.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c2.Close(false)

	payload, _, _, found, err := c2.ReadRecord(pos, 0)
	if err != nil || !found {
		t.Fatalf("ReadRecord after reopen: found=%v err=%v", found, err)
	}
	if string(payload) != "hello" {
		t.Errorf("expected hello, got %q", payload)
	}
}

// Scenario: a small record round-trips through create_record/read_record
// unchanged, with its version and type preserved.
func TestCreateRecordReadRecordRoundTrip(t *testing.T) {
	c := newTestCluster(t, 4096)

	pos, err := c.CreateRecord([]byte("small payload"), 7, 'x', nil)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	payload, version, recordType, found, err := c.ReadRecord(pos, 0)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if !found {
		t.Fatal("expected record to be found")
	}
	if string(payload) != "small payload" {
		t.Errorf("expected %q, got %q", "small payload", payload)
	}
	if version != 7 {
		t.Errorf("expected version 7, got %d", version)
	}
	if recordType != 'x' {
		t.Errorf("expected type 'x', got %q", recordType)
	}

	n, err := c.GetEntries()
	if err != nil || n != 1 {
		t.Errorf("expected 1 entry, got %d err=%v", n, err)
	}
}

// Scenario: a record large enough to require chaining spans exactly
// ceil((len(x)+5) / (MAX_RECORD_SIZE-9)) chunks with a 64 KiB page (so
// MAX_RECORD_SIZE = 65536-16 = 65520), and reconstructs byte-for-byte.
func TestCreateRecordSpansMultiplePages(t *testing.T) {
	c := newTestCluster(t, 65536)
	if c.maxRecordSize != 65520 {
		t.Fatalf("expected maxRecordSize 65520, got %d", c.maxRecordSize)
	}

	content := bytes.Repeat([]byte{0xAB}, 200000)
	// encodePayload is identity here (no compression/encryption configured),
	// so the on-wire chain length matches the formula applied to len(content)
	// directly.
	pos, err := c.CreateRecord(content, 1, 'b', nil)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	entry, _, err := c.GetPhysicalPosition(pos)
	if err != nil {
		t.Fatalf("GetPhysicalPosition: %v", err)
	}
	chain, err := c.walkChainEntries(entry)
	if err != nil {
		t.Fatalf("walkChainEntries: %v", err)
	}
	if len(chain) != 4 {
		t.Errorf("expected chain length 4, got %d", len(chain))
	}

	payload, _, _, found, err := c.ReadRecord(pos, 0)
	if err != nil || !found {
		t.Fatalf("ReadRecord: found=%v err=%v", found, err)
	}
	if !bytes.Equal(payload, content) {
		t.Errorf("round-tripped payload does not match, got %d bytes want %d", len(payload), len(content))
	}
}

// Scenario: shrinking a record via update_record re-buckets the pages its
// old, longer chain vacates so they become reusable for smaller content.
func TestUpdateRecordShrinksAndRebucketsFreedPages(t *testing.T) {
	c := newTestCluster(t, 65536)

	big := bytes.Repeat([]byte{0x11}, 200000)
	pos, err := c.CreateRecord(big, 1, 'b', nil)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	sizeBefore, err := c.GetRecordsSize()
	if err != nil {
		t.Fatalf("GetRecordsSize: %v", err)
	}

	small := []byte("tiny")
	updated, err := c.UpdateRecord(pos, small, 2, 'b')
	if err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}
	if !updated {
		t.Fatal("expected update to report updated=true")
	}

	sizeAfter, err := c.GetRecordsSize()
	if err != nil {
		t.Fatalf("GetRecordsSize: %v", err)
	}
	if sizeAfter >= sizeBefore {
		t.Errorf("expected records_size to shrink, before=%d after=%d", sizeBefore, sizeAfter)
	}

	payload, version, _, found, err := c.ReadRecord(pos, 0)
	if err != nil || !found {
		t.Fatalf("ReadRecord: found=%v err=%v", found, err)
	}
	if string(payload) != "tiny" || version != 2 {
		t.Errorf("expected (tiny, v2), got (%q, v%d)", payload, version)
	}

	entry, _, err := c.GetPhysicalPosition(pos)
	if err != nil {
		t.Fatalf("GetPhysicalPosition: %v", err)
	}
	chain, err := c.walkChainEntries(entry)
	if err != nil {
		t.Fatalf("walkChainEntries: %v", err)
	}
	if len(chain) != 1 {
		t.Errorf("expected the shrunk chain to collapse to 1 chunk, got %d", len(chain))
	}
}

// Scenario: delete_record frees the position, and recycle_record is only
// legal afterward, filling it with a fresh chain.
func TestDeleteThenRecycleRecord(t *testing.T) {
	c := newTestCluster(t, 4096)

	pos, err := c.CreateRecord([]byte("original"), 1, 'd', nil)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	if err := c.RecycleRecord(pos, []byte("too early"), 1, 'd'); err == nil {
		t.Error("expected recycle_record to fail before delete_record")
	}

	deleted, err := c.DeleteRecord(pos)
	if err != nil || !deleted {
		t.Fatalf("DeleteRecord: deleted=%v err=%v", deleted, err)
	}
	if _, _, _, found, err := c.ReadRecord(pos, 0); err != nil || found {
		t.Fatalf("expected deleted position unreadable, found=%v err=%v", found, err)
	}

	if err := c.RecycleRecord(pos, []byte("recycled"), 5, 'd'); err != nil {
		t.Fatalf("RecycleRecord: %v", err)
	}
	payload, version, _, found, err := c.ReadRecord(pos, 0)
	if err != nil || !found {
		t.Fatalf("ReadRecord after recycle: found=%v err=%v", found, err)
	}
	if string(payload) != "recycled" || version != 5 {
		t.Errorf("expected (recycled, v5), got (%q, v%d)", payload, version)
	}
}

// Scenario: hide_record makes a position unreadable without freeing
// its chunk bytes, unlike delete_record.
func TestHideRecordDoesNotFreeBytes(t *testing.T) {
	c := newTestCluster(t, 4096)

	pos, err := c.CreateRecord([]byte("hidden payload"), 1, 'h', nil)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	sizeBefore, err := c.GetRecordsSize()
	if err != nil {
		t.Fatalf("GetRecordsSize: %v", err)
	}

	hidden, err := c.HideRecord(pos)
	if err != nil || !hidden {
		t.Fatalf("HideRecord: hidden=%v err=%v", hidden, err)
	}

	sizeAfter, err := c.GetRecordsSize()
	if err != nil {
		t.Fatalf("GetRecordsSize: %v", err)
	}
	if sizeAfter != sizeBefore {
		t.Errorf("expected records_size unchanged by hide, before=%d after=%d", sizeBefore, sizeAfter)
	}

	if _, _, _, found, err := c.ReadRecord(pos, 0); err != nil || found {
		t.Fatalf("expected hidden position unreadable via ReadRecord, found=%v err=%v", found, err)
	}

	_, status, err := c.GetPhysicalPosition(pos)
	if err != nil {
		t.Fatalf("GetPhysicalPosition: %v", err)
	}
	if status != Removed {
		t.Errorf("expected hide_record to leave the position-map status REMOVED, got %v", status)
	}
}

// Scenario: allocate_position reserves a position up front; create_record
// can later target it directly instead of allocating a fresh one.
func TestAllocatePositionThenCreateRecordAtPosition(t *testing.T) {
	c := newTestCluster(t, 4096)

	allocated, err := c.AllocatePosition()
	if err != nil {
		t.Fatalf("AllocatePosition: %v", err)
	}
	_, status, err := c.GetPhysicalPosition(allocated)
	if err != nil {
		t.Fatalf("GetPhysicalPosition: %v", err)
	}
	if status != Allocated {
		t.Fatalf("expected ALLOCATED, got %v", status)
	}

	pos, err := c.CreateRecord([]byte("targeted"), 1, 't', &allocated)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}
	if pos != allocated {
		t.Fatalf("expected create_record to land at the allocated position %d, got %d", allocated, pos)
	}

	payload, _, _, found, err := c.ReadRecord(pos, 0)
	if err != nil || !found {
		t.Fatalf("ReadRecord: found=%v err=%v", found, err)
	}
	if string(payload) != "targeted" {
		t.Errorf("expected targeted, got %q", payload)
	}
}

func TestReadRecordIfVersionIsNotLatest(t *testing.T) {
	c := newTestCluster(t, 4096)

	pos, err := c.CreateRecord([]byte("v1 payload"), 1, 'v', nil)
	if err != nil {
		t.Fatalf("CreateRecord: %v", err)
	}

	_, _, _, unchanged, err := c.ReadRecordIfVersionIsNotLatest(pos, 1)
	if err != nil {
		t.Fatalf("ReadRecordIfVersionIsNotLatest: %v", err)
	}
	if !unchanged {
		t.Error("expected unchanged=true when knownVersion matches the stored version")
	}

	if _, err := c.UpdateRecord(pos, []byte("v2 payload"), 2, 'v'); err != nil {
		t.Fatalf("UpdateRecord: %v", err)
	}

	payload, version, _, unchanged, err := c.ReadRecordIfVersionIsNotLatest(pos, 1)
	if err != nil {
		t.Fatalf("ReadRecordIfVersionIsNotLatest: %v", err)
	}
	if unchanged {
		t.Error("expected unchanged=false once the stored version moved on")
	}
	if version != 2 || string(payload) != "v2 payload" {
		t.Errorf("expected (v2 payload, v2), got (%q, v%d)", payload, version)
	}

	if _, _, _, _, err := c.ReadRecordIfVersionIsNotLatest(999999, 1); err == nil {
		t.Error("expected NotFoundError for a never-allocated position")
	}
}

func TestTruncateResetsClusterToEmpty(t *testing.T) {
	c := newTestCluster(t, 4096)

	for i := 0; i < 3; i++ {
		if _, err := c.CreateRecord([]byte("x"), 1, 'x', nil); err != nil {
			t.Fatalf("CreateRecord: %v", err)
		}
	}
	if n, _ := c.GetEntries(); n != 3 {
		t.Fatalf("expected 3 entries before truncate, got %d", n)
	}

	if err := c.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	if n, err := c.GetEntries(); err != nil || n != 0 {
		t.Errorf("expected 0 entries after truncate, got %d err=%v", n, err)
	}
	if size, err := c.GetRecordsSize(); err != nil || size != 0 {
		t.Errorf("expected 0 records_size after truncate, got %d err=%v", size, err)
	}
	if _, ok, err := c.GetFirstPosition(); err != nil || ok {
		t.Errorf("expected no first position after truncate, ok=%v err=%v", ok, err)
	}

	pos, err := c.CreateRecord([]byte("fresh"), 1, 'x', nil)
	if err != nil {
		t.Fatalf("CreateRecord after truncate: %v", err)
	}
	if pos != 0 {
		t.Errorf("expected position allocation to restart at 0 after truncate, got %d", pos)
	}
}
