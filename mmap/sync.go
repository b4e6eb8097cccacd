package mmap

import (
	"os"
	"path/filepath"
)

// Sync flushes the data written to f to stable storage, skipping metadata
// updates where the platform allows it.
//
// A failed sync leaves the file in an unknown state: treat it as lost rather
// than retrying.
func Sync(f *os.File) error {
	return fdatasync(f)
}

// SyncMapping flushes a writable mapping returned by Map.
func SyncMapping(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return msync(b)
}

// SyncDir makes renames and removals inside dir durable.
func SyncDir(dir string) error {
	return syncDir(dir)
}

// Install syncs and closes f, then atomically renames it to path and syncs
// the destination directory. f is closed and removed on failure.
func Install(f *os.File, path string) error {
	tmp := f.Name()
	err := Sync(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return SyncDir(filepath.Dir(path))
}
