// pkg/clustercfg/clustercfg_test.go
package clustercfg

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := New(3, "orders")
	c.Compression = "snappy"
	c.Encryption = "aes-gcm"
	c.EncryptionKey = []byte{1, 2, 3, 4}
	c.ConflictStrategy = "version"
	c.RecordGrowFactor = 1.5
	c.RecordOverflowGrowFactor = 2.0

	data := c.Encode()
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.ID != c.ID || got.Name != c.Name || got.Compression != c.Compression ||
		got.Encryption != c.Encryption || got.ConflictStrategy != c.ConflictStrategy {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
	}
	if got.InstanceID != c.InstanceID {
		t.Errorf("instance id mismatch: got %v, want %v", got.InstanceID, c.InstanceID)
	}
	if got.RecordGrowFactor != c.RecordGrowFactor || got.RecordOverflowGrowFactor != c.RecordOverflowGrowFactor {
		t.Errorf("grow factor mismatch: got %+v, want %+v", got, c)
	}
	if !bytes.Equal(got.EncryptionKey, c.EncryptionKey) {
		t.Errorf("encryption key mismatch: got %v, want %v", got.EncryptionKey, c.EncryptionKey)
	}
	if got.Status != c.Status {
		t.Errorf("status mismatch: got %v, want %v", got.Status, c.Status)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	data := New(1, "x").Encode()
	data[0] = 'X'
	if _, err := Decode(data); err == nil {
		t.Error("expected error for corrupted magic")
	}
}

func TestDecodeRejectsTruncatedData(t *testing.T) {
	data := New(1, "x").Encode()
	if _, err := Decode(data[:fixedHeaderSize-1]); err == nil {
		t.Error("expected error for truncated header")
	}
}

func TestSetName(t *testing.T) {
	c := New(1, "orders")
	if err := c.Set(AttrName, "orders_v2", nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if c.Name != "orders_v2" {
		t.Errorf("expected name updated, got %q", c.Name)
	}
}

func TestSetGrowFactorRejectsBelowOne(t *testing.T) {
	c := New(1, "orders")
	if err := c.Set(AttrRecordGrowFactor, "0.5", nil); err == nil {
		t.Error("expected error for grow factor below 1")
	}
	if err := c.Set(AttrRecordGrowFactor, "not-a-number", nil); err == nil {
		t.Error("expected error for unparsable grow factor")
	}
	if err := c.Set(AttrRecordGrowFactor, "2.5", nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if c.RecordGrowFactor != 2.5 {
		t.Errorf("expected grow factor 2.5, got %v", c.RecordGrowFactor)
	}
}

func TestSetStatus(t *testing.T) {
	c := New(1, "orders")
	if err := c.Set(AttrStatus, "OFFLINE", nil); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if c.Status != StatusOffline {
		t.Errorf("expected OFFLINE, got %v", c.Status)
	}
	if err := c.Set(AttrStatus, "PAUSED", nil); err == nil {
		t.Error("expected error for unknown status")
	}
}

type fakeCounter struct{ n int64 }

func (f fakeCounter) Entries() int64 { return f.n }

func TestSetEncryptionOnlyWhenEmpty(t *testing.T) {
	c := New(1, "orders")
	if err := c.Set(AttrEncryption, "aes-gcm", fakeCounter{n: 0}); err != nil {
		t.Fatalf("Set on empty cluster: %v", err)
	}
	if c.Encryption != "aes-gcm" {
		t.Errorf("expected encryption updated, got %q", c.Encryption)
	}
	if err := c.Set(AttrEncryption, "nothing", fakeCounter{n: 5}); err == nil {
		t.Error("expected error changing encryption on non-empty cluster")
	}
}

func TestSetUnknownAttributeErrors(t *testing.T) {
	c := New(1, "orders")
	if err := c.Set("SOMETHING_ELSE", "x", nil); err == nil {
		t.Error("expected error for unsupported attribute")
	}
}

func TestNewDefaults(t *testing.T) {
	c := New(7, "events")
	if c.RecordGrowFactor != 1.0 || c.RecordOverflowGrowFactor != 1.0 {
		t.Errorf("expected default grow factors of 1, got %+v", c)
	}
	if c.Status != StatusOnline {
		t.Errorf("expected default status ONLINE, got %v", c.Status)
	}
}
