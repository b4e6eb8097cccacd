// Package mmap maps files into memory and syncs written data to disk.
//
// The blob store uses it to serve large attachments without copying them
// into the heap, and Install to publish a fully written temp file under its
// final name durably.
package mmap

import (
	"errors"
	"fmt"
	"os"
)

type Options uint

const (
	// Writable maps the file for writing (otherwise the mapping is read-only).
	Writable Options = 1 << 0

	// SequentialAccess requests aggressive read-ahead. Maps to MADV_SEQUENTIAL.
	SequentialAccess Options = 1 << 1

	// RandomAccess disables most read-ahead. Maps to MADV_RANDOM.
	RandomAccess Options = 1 << 2

	// Prefault loads the whole file up front. Maps to MAP_POPULATE on Linux.
	Prefault Options = 1 << 3
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

var ErrTooLarge = errors.New("file too large to map")

// Map maps the first size bytes of f.
func Map(f *os.File, size int, opt Options) ([]byte, error) {
	if size < 0 || uint64(size) > MaxSize {
		return nil, ErrTooLarge
	}
	return mmap(f, size, opt)
}

// Unmap releases a slice returned by Map.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return munmap(b)
}

// Mapping is a read-only view of a whole file.
type Mapping struct {
	Data []byte
	f    *os.File
}

// Open maps the file at path read-only. Empty files produce an empty mapping
// without calling into the kernel.
func Open(path string, opt Options) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		return &Mapping{f: f}, nil
	}
	if uint64(st.Size()) > MaxSize || st.Size() != int64(int(st.Size())) {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, ErrTooLarge)
	}
	data, err := Map(f, int(st.Size()), opt&^Writable)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: mmap: %w", path, err)
	}
	return &Mapping{Data: data, f: f}, nil
}

func (m *Mapping) Len() int {
	return len(m.Data)
}

// Close unmaps the data and closes the file. Data must not be used afterwards.
func (m *Mapping) Close() error {
	err := Unmap(m.Data)
	m.Data = nil
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
