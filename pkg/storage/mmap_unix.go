//go:build unix || darwin || linux || freebsd || openbsd || netbsd

// pkg/storage/mmap_unix.go
package storage

import (
	"errors"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// OpenMmapFile opens or creates a memory-mapped file.
// If initialSize > 0 and the file doesn't exist or is smaller, it is extended.
func OpenMmapFile(path string, initialSize int64) (*MmapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := stat.Size()
	if initialSize > size {
		if err := f.Truncate(initialSize); err != nil {
			f.Close()
			return nil, err
		}
		size = initialSize
	}

	if size == 0 {
		f.Close()
		return nil, errors.New("cannot mmap empty file")
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}

	return &MmapFile{
		file: f,
		data: data,
		size: size,
	}, nil
}

// Sync flushes changes to disk.
func (m *MmapFile) Sync() error {
	return unix.Msync(m.data, unix.MS_SYNC)
}

// Grow extends the file and remaps it.
func (m *MmapFile) Grow(newSize int64) error {
	if newSize <= m.size {
		return nil
	}

	// Writes under MAP_SHARED land in the kernel page cache; sync before
	// unmapping so a remap failure can't lose already-acknowledged writes.
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return err
	}

	if err := syscall.Munmap(m.data); err != nil {
		return err
	}

	f := m.file.(*os.File)

	if err := f.Truncate(newSize); err != nil {
		return err
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(newSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return err
	}

	m.data = data
	m.size = newSize
	return nil
}

// Close unmaps and closes the file.
func (m *MmapFile) Close() error {
	var firstErr error

	if m.data != nil {
		if err := syscall.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
		m.data = nil
	}

	if m.file != nil {
		f := m.file.(*os.File)
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.file = nil
	}

	return firstErr
}
