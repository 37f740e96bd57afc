package page

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFile flushes file data to stable storage. Metadata that is not needed
// to read the data back is skipped.
func syncFile(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
