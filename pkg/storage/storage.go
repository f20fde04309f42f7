// pkg/storage/storage.go
package storage

import (
	"bytes"
	"os"

	natomic "github.com/natefinch/atomic"
)

// Storage defines the interface for page-level storage backends. This
// abstraction allows the page cache to work with different storage
// implementations (file-based via mmap, in-memory, etc.).
type Storage interface {
	// Size returns the current size of the storage in bytes.
	Size() int64

	// Slice returns a slice of the storage data at the given offset and
	// length. Returns nil if the requested range is out of bounds.
	Slice(offset, length int) []byte

	// Sync flushes any pending writes to the underlying storage.
	Sync() error

	// Grow extends the storage to the specified size. If newSize is less
	// than or equal to the current size, this is a no-op.
	Grow(newSize int64) error

	// Close releases any resources associated with the storage.
	Close() error
}

// MemoryStorage implements Storage using an in-memory byte slice. Used for
// ephemeral clusters that never touch disk.
type MemoryStorage struct {
	data []byte
	size int64
}

// NewMemoryStorage creates a new in-memory storage with the given initial size.
func NewMemoryStorage(initialSize int64) (*MemoryStorage, error) {
	if initialSize <= 0 {
		initialSize = 4096
	}

	return &MemoryStorage{
		data: make([]byte, initialSize),
		size: initialSize,
	}, nil
}

func (m *MemoryStorage) Size() int64 { return m.size }

func (m *MemoryStorage) Slice(offset, length int) []byte {
	if offset < 0 || length < 0 || offset+length > len(m.data) {
		return nil
	}
	return m.data[offset : offset+length]
}

func (m *MemoryStorage) Sync() error { return nil }

func (m *MemoryStorage) Grow(newSize int64) error {
	if newSize <= m.size {
		return nil
	}
	newData := make([]byte, newSize)
	copy(newData, m.data)
	m.data = newData
	m.size = newSize
	return nil
}

func (m *MemoryStorage) Close() error {
	m.data = nil
	m.size = 0
	return nil
}

// RenameFile renames a file on disk, used by the page cache's file lifecycle
// operations (e.g. renaming a cluster's data/position-map files).
func RenameFile(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

// DeleteFile removes a file on disk. Missing files are not an error, since
// cluster deletion must be idempotent with respect to partially-applied
// prior deletes.
func DeleteFile(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// ReplaceFileContentWith atomically swaps the content of path with content,
// so a reader never observes a partially written file. Backed by
// natefinch/atomic, which writes to a temp file in the same directory and
// renames it over the destination.
func ReplaceFileContentWith(path string, content []byte) error {
	return natomic.WriteFile(path, bytes.NewReader(content))
}
