package page

import (
	"errors"
	"fmt"
)

// Errors returned by page operations.
var (
	// ErrStorageCorrupt indicates a page could not be read or is not a valid block.
	ErrStorageCorrupt = errors.New("storage corrupt")

	// ErrStorageWriteFailed indicates a page could not be written to the backing file.
	ErrStorageWriteFailed = errors.New("storage write failed")

	// ErrLocked indicates the backing file is held by another live session.
	ErrLocked = errors.New("backing file is locked by another session")

	// ErrAlreadyAttached indicates the store already has a backing file.
	ErrAlreadyAttached = errors.New("backing file already attached")

	// ErrInvalidPageSize indicates a page size outside the supported range.
	ErrInvalidPageSize = errors.New("invalid page size")
)

// StorageError records a failed page operation.
type StorageError struct {
	Op    string // read, write, create, sync
	Block Ref
	Path  string
	Err   error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Block.IsZero() {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s block %s of %s: %v", e.Op, e.Block, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}
