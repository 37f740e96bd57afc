package page

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// Reader reads raw blocks from an existing backing file. It is used by
// recovery and never writes.
type Reader struct {
	f        *os.File
	path     string
	pageSize int
	size     int64
}

// OpenReader opens the backing file at path for reading. It takes a shared
// lock, so a file held by a live session reports ErrLocked.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &StorageError{Op: "open", Path: path, Err: err}
	}
	if err := lockFile(f, false); err != nil {
		_ = f.Close()
		return nil, &StorageError{Op: "lock", Path: path, Err: err}
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, &StorageError{Op: "stat", Path: path, Err: err}
	}
	return &Reader{f: f, path: path, pageSize: MinPageSize, size: info.Size()}, nil
}

// Path returns the file path.
func (r *Reader) Path() string { return r.path }

// Size returns the file size in bytes.
func (r *Reader) Size() int64 { return r.size }

// PageSize returns the page size used by ReadBlock.
func (r *Reader) PageSize() int { return r.pageSize }

// SetPageSize sets the page size recorded in the file header.
func (r *Reader) SetPageSize(n int) error {
	if !ValidPageSize(n) {
		return fmt.Errorf("%w: %d", ErrInvalidPageSize, n)
	}
	r.pageSize = n
	return nil
}

// ReadAt reads len(p) bytes at off. A short read is reported as
// ErrStorageCorrupt.
func (r *Reader) ReadAt(p []byte, off int64) error {
	if _, err := r.f.ReadAt(p, off); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return &StorageError{Op: "read", Path: r.path, Err: fmt.Errorf("%w: %w", ErrStorageCorrupt, err)}
	}
	return nil
}

// ReadBlock reads the block of the given number of pages starting at page num.
func (r *Reader) ReadBlock(num uint64, pages int) ([]byte, error) {
	if pages < 1 {
		pages = 1
	}
	off := int64(num) * int64(r.pageSize)
	n := int64(pages) * int64(r.pageSize)
	if num == HeaderPage || off+n > r.size {
		return nil, &StorageError{
			Op:    "read",
			Block: Assigned(num),
			Path:  r.path,
			Err:   fmt.Errorf("%w: block outside file", ErrStorageCorrupt),
		}
	}

	data := make([]byte, n)
	if err := r.ReadAt(data, off); err != nil {
		var se *StorageError
		if errors.As(err, &se) {
			se.Block = Assigned(num)
		}
		return nil, err
	}
	return data, nil
}

// Close releases the lock and closes the file.
func (r *Reader) Close() error {
	_ = unlockFile(r.f)
	return r.f.Close()
}

// InUse reports whether a live session holds the backing file at path.
func InUse(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	switch err := lockFile(f, false); {
	case errors.Is(err, ErrLocked):
		return true, nil
	case err != nil:
		return false, err
	}
	_ = unlockFile(f)
	return false, nil
}
