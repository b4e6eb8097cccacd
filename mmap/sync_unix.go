//go:build unix

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

func msync(b []byte) error {
	return unix.Msync(b, unix.MS_SYNC)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}
