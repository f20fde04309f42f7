// pkg/cluster/positionmap_test.go
package cluster

import (
	"path/filepath"
	"testing"

	"clusterstore/pkg/pagecache"
)

func newTestPositionMap(t *testing.T) *PositionMap {
	t.Helper()
	cache := pagecache.New(pagecache.Options{PageSize: 4096})
	fileID, err := cache.AddFile(filepath.Join(t.TempDir(), "data.cpm"))
	if err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	pm, err := OpenPositionMap(cache, fileID)
	if err != nil {
		t.Fatalf("OpenPositionMap: %v", err)
	}
	return pm
}

func TestPositionMapAddGetRoundTrip(t *testing.T) {
	pm := newTestPositionMap(t)
	entry := Entry{PageIndex: 5, Slot: 2}
	pos, err := pm.Add(nil, entry)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if pos != 0 {
		t.Fatalf("expected first position to be 0, got %d", pos)
	}
	got, ok, err := pm.Get(pos, 0)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got != entry {
		t.Errorf("expected %+v, got %+v", entry, got)
	}
}

func TestPositionMapAllocateThenAddAtPosition(t *testing.T) {
	pm := newTestPositionMap(t)
	pos, err := pm.Allocate(nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if st, err := pm.GetStatus(pos); err != nil || st != Allocated {
		t.Fatalf("expected ALLOCATED, got status=%v err=%v", st, err)
	}
	entry := Entry{PageIndex: 9, Slot: 1}
	if err := pm.Update(nil, pos, entry); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, ok, err := pm.Get(pos, 0)
	if err != nil || !ok || got != entry {
		t.Fatalf("expected filled entry %+v, got %+v ok=%v err=%v", entry, got, ok, err)
	}
}

func TestPositionMapRemoveThenResurrect(t *testing.T) {
	pm := newTestPositionMap(t)
	pos, _ := pm.Add(nil, Entry{PageIndex: 1, Slot: 0})

	if err := pm.Remove(nil, pos); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok, err := pm.Get(pos, 0); err != nil || ok {
		t.Fatalf("expected removed position to read as absent, ok=%v err=%v", ok, err)
	}
	if st, _ := pm.GetStatus(pos); st != Removed {
		t.Fatalf("expected REMOVED, got %v", st)
	}

	newEntry := Entry{PageIndex: 2, Slot: 3}
	if err := pm.Resurrect(nil, pos, newEntry); err != nil {
		t.Fatalf("Resurrect: %v", err)
	}
	got, ok, err := pm.Get(pos, 0)
	if err != nil || !ok || got != newEntry {
		t.Fatalf("expected resurrected entry %+v, got %+v ok=%v err=%v", newEntry, got, ok, err)
	}
}

func TestPositionMapResurrectRequiresRemoved(t *testing.T) {
	pm := newTestPositionMap(t)
	pos, _ := pm.Add(nil, Entry{PageIndex: 1, Slot: 0})
	if err := pm.Resurrect(nil, pos, Entry{PageIndex: 2, Slot: 0}); err == nil {
		t.Error("expected error resurrecting a FILLED (non-removed) position")
	}
}

func TestPositionMapNavigation(t *testing.T) {
	pm := newTestPositionMap(t)
	var positions []int64
	for i := 0; i < 5; i++ {
		pos, err := pm.Add(nil, Entry{PageIndex: uint32(i), Slot: 0})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		positions = append(positions, pos)
	}
	// remove the middle one so NOT_EXISTENT/REMOVED distinctions both exist
	if err := pm.Remove(nil, positions[2]); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	first, ok, err := pm.FirstPosition()
	if err != nil || !ok || first != positions[0] {
		t.Fatalf("FirstPosition: got %d ok=%v err=%v", first, ok, err)
	}
	last, ok, err := pm.LastPosition()
	if err != nil || !ok || last != positions[4] {
		t.Fatalf("LastPosition: got %d ok=%v err=%v", last, ok, err)
	}
	next, ok, err := pm.NextPosition(positions[1])
	if err != nil || !ok || next != positions[2] {
		t.Fatalf("NextPosition should still surface the removed (non-NOT_EXISTENT) position: got %d ok=%v err=%v", next, ok, err)
	}

	higher, err := pm.HigherPositions(positions[0])
	if err != nil {
		t.Fatalf("HigherPositions: %v", err)
	}
	if len(higher) != 4 {
		t.Errorf("expected 4 higher positions, got %d: %v", len(higher), higher)
	}
}

func TestPositionMapTruncateResetsAllocation(t *testing.T) {
	pm := newTestPositionMap(t)
	pm.Add(nil, Entry{PageIndex: 1, Slot: 0})
	pm.Add(nil, Entry{PageIndex: 2, Slot: 0})

	if err := pm.Truncate(nil); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if _, ok, err := pm.FirstPosition(); err != nil || ok {
		t.Fatalf("expected empty map after truncate, ok=%v err=%v", ok, err)
	}
	pos, err := pm.Add(nil, Entry{PageIndex: 9, Slot: 0})
	if err != nil || pos != 0 {
		t.Fatalf("expected allocation to restart at 0 after truncate, got pos=%d err=%v", pos, err)
	}
}
