package mmap

import (
	"os"
	"syscall"
	"unsafe"
)

func msync(b []byte) error {
	addr := uintptr(unsafe.Pointer(&b[0]))
	if err := syscall.FlushViewOfFile(addr, uintptr(len(b))); err != nil {
		return os.NewSyscallError("FlushViewOfFile", err)
	}
	return nil
}

// Directory entries cannot be synced on Windows; MoveFileEx is durable
// enough once the file data is flushed.
func syncDir(string) error { return nil }
