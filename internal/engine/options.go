package engine

import (
	"github.com/dshills/memline/internal/engine/chunk"
	"github.com/dshills/memline/internal/engine/page"
	"github.com/dshills/memline/internal/logging"
	"github.com/dshills/memline/internal/vfs"
)

// Default configuration values.
const (
	DefaultPageSize    = page.DefaultPageSize
	DefaultMaxResident = page.DefaultMaxResident
	DefaultUpdateCount = 200
)

// Option configures a LineStore during creation.
type Option func(*LineStore)

// WithPageSize sets the page size of the backing file.
func WithPageSize(n int) Option {
	return func(s *LineStore) {
		s.pageSize = n
	}
}

// WithMaxResident sets how many blocks stay cached before clean ones are evicted.
func WithMaxResident(n int) Option {
	return func(s *LineStore) {
		if n > 0 {
			s.maxResident = n
		}
	}
}

// WithChunkTarget sets the number of lines each byte-offset chunk covers.
func WithChunkTarget(lines int) Option {
	return func(s *LineStore) {
		s.chunkOpts = append(s.chunkOpts, chunk.WithTarget(lines))
	}
}

// WithChunkTolerance sets how far chunks may drift from the target before
// they are recomputed.
func WithChunkTolerance(f float64) Option {
	return func(s *LineStore) {
		s.chunkOpts = append(s.chunkOpts, chunk.WithTolerance(f))
	}
}

// WithSwapFile attaches a backing file at path when the store is created.
func WithSwapFile(path string) Option {
	return func(s *LineStore) {
		s.swapPath = path
	}
}

// WithFsync sets whether preserve and full syncs force data to disk.
func WithFsync(on bool) Option {
	return func(s *LineStore) {
		s.fsync = on
	}
}

// WithUpdateCount sets how many edits trigger an automatic sync. Zero
// disables automatic syncs.
func WithUpdateCount(n int) Option {
	return func(s *LineStore) {
		if n >= 0 {
			s.updateCount = n
		}
	}
}

// WithFS sets the file system original files are read from.
func WithFS(fsys vfs.FS) Option {
	return func(s *LineStore) {
		if fsys != nil {
			s.fs = fsys
		}
	}
}

// WithOriginalPath overrides the original file recorded in a backing file
// being recovered.
func WithOriginalPath(path string) Option {
	return func(s *LineStore) {
		s.origOverride = path
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *LineStore) {
		if l != nil {
			s.log = l
		}
	}
}

// WithReporter sets where recovered-from read errors are reported.
func WithReporter(r Reporter) Option {
	return func(s *LineStore) {
		if r != nil {
			s.reporter = r
		}
	}
}
