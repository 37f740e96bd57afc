package recovery

import (
	"errors"
	"fmt"
)

// Errors returned by recovery operations.
var (
	// ErrUnrecognizedFormat indicates a backing file whose header magic,
	// version or checksum is not understood. Other candidates may still
	// be recoverable.
	ErrUnrecognizedFormat = errors.New("unrecognized backing file format")

	// ErrOriginalFileChanged indicates the original file differs from the
	// identity recorded in the header. It is advisory.
	ErrOriginalFileChanged = errors.New("original file changed on disk")

	// ErrRecoveryFailed indicates nothing could be recovered from a backing file.
	ErrRecoveryFailed = errors.New("recovery failed")

	// ErrNoOriginal indicates the session has no original file.
	ErrNoOriginal = errors.New("session has no original file")
)

// Error records a failed recovery or consistency operation.
type Error struct {
	Op   string // recover, verify, header
	Path string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}
