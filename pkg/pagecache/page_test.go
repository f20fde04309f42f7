// pkg/pagecache/page_test.go
package pagecache

import "testing"

func TestPageBasics(t *testing.T) {
	p := newPage(1, 3, make([]byte, 4096))
	if p.File() != 1 {
		t.Errorf("expected file 1, got %d", p.File())
	}
	if p.PageNo() != 3 {
		t.Errorf("expected page number 3, got %d", p.PageNo())
	}
	if len(p.Data()) != 4096 {
		t.Errorf("expected 4096 bytes, got %d", len(p.Data()))
	}
}

func TestPageDirty(t *testing.T) {
	p := newPage(1, 0, make([]byte, 4096))
	if p.IsDirty() {
		t.Error("new page should not be dirty")
	}
	p.SetDirty(true)
	if !p.IsDirty() {
		t.Error("page should be dirty after SetDirty(true)")
	}
}

func TestPageReadWrite(t *testing.T) {
	p := newPage(1, 0, make([]byte, 4096))

	data := []byte("hello cluster")
	copy(p.Data()[100:], data)

	got := p.Data()[100 : 100+len(data)]
	if string(got) != "hello cluster" {
		t.Errorf("expected 'hello cluster', got %q", got)
	}
}

func TestPageType(t *testing.T) {
	p := newPage(1, 0, make([]byte, 4096))
	p.SetType(PageTypeClusterState)
	if p.Type() != PageTypeClusterState {
		t.Errorf("expected PageTypeClusterState, got %v", p.Type())
	}
}

func TestPagePinUnpin(t *testing.T) {
	p := newPage(1, 0, make([]byte, 4096))
	if p.IsPinned() {
		t.Error("fresh page should not be pinned")
	}
	p.pin()
	p.pin()
	if !p.IsPinned() {
		t.Error("page should be pinned after pin()")
	}
	p.unpin()
	if !p.IsPinned() {
		t.Error("page should still be pinned with one outstanding pin")
	}
	p.unpin()
	if p.IsPinned() {
		t.Error("page should be unpinned once all pins released")
	}
	p.unpin() // further unpins below zero must not panic or underflow
	if p.IsPinned() {
		t.Error("unpin past zero should stay unpinned")
	}
}
