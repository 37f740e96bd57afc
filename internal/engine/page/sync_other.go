//go:build unix && !linux

package page

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFile flushes file data to stable storage.
func syncFile(f *os.File) error {
	return unix.Fsync(int(f.Fd()))
}
