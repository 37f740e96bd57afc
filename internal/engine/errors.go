package engine

import (
	"errors"

	"github.com/dshills/memline/internal/engine/blocktree"
)

// Errors returned by LineStore operations.
var (
	// ErrLineOutOfRange indicates a line number outside the document.
	ErrLineOutOfRange = blocktree.ErrLineOutOfRange

	// ErrInvalidLine indicates line text containing a newline.
	ErrInvalidLine = errors.New("line text contains a newline")

	// ErrNoBackingFile indicates an operation that needs a backing file on
	// a store without one.
	ErrNoBackingFile = errors.New("no backing file")

	// ErrClosed indicates use of a closed store.
	ErrClosed = errors.New("line store closed")
)

// Reporter receives errors that reads recover from locally.
type Reporter interface {
	Report(err error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(err error)

// Report calls f(err).
func (f ReporterFunc) Report(err error) { f(err) }
