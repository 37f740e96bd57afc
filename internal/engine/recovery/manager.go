package recovery

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/memline/internal/engine/page"
	"github.com/dshills/memline/internal/logging"
	"github.com/dshills/memline/internal/vfs"
)

// RefFixer rewrites stale block references after placeholders are assigned.
type RefFixer interface {
	FixRefs() (int, error)
}

// Manager owns the header page of a store and the session's view of its
// original file.
type Manager struct {
	store  *page.Store
	fs     vfs.FS
	log    *logging.Logger
	now    func() time.Time
	header Header
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock sets the clock used for creation timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager creates a manager for the header of store. Original files are
// read through fsys.
func NewManager(store *page.Store, fsys vfs.FS, log *logging.Logger, opts ...ManagerOption) *Manager {
	if fsys == nil {
		fsys = vfs.NewOSFS()
	}
	m := &Manager{
		store: store,
		fs:    fsys,
		log:   logging.OrNop(log).WithComponent("recovery"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init fills in the header for a new session. orig is nil for a document
// without an original file.
func (m *Manager) Init(orig *Identity) error {
	host, _ := os.Hostname()
	m.header = Header{
		Version:  FormatVersion,
		PageSize: m.store.PageSize(),
		Session:  uuid.New(),
		Created:  m.now(),
		PID:      os.Getpid(),
		Host:     host,
	}
	if orig != nil {
		m.header.Original = *orig
	} else {
		m.header.Flags |= FlagNoOriginal
	}
	return m.write()
}

// Header returns the current header.
func (m *Manager) Header() Header {
	return m.header
}

// Verify re-stats the original file and reports ErrOriginalFileChanged if
// its size or modification time differ from the header. It never modifies
// the document.
func (m *Manager) Verify() error {
	if m.header.Flags.Has(FlagNoOriginal) {
		return nil
	}
	orig := m.header.Original
	info, err := m.fs.Stat(orig.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Error{Op: "verify", Path: orig.Path, Err: fmt.Errorf("%w: file removed", ErrOriginalFileChanged)}
		}
		return &Error{Op: "verify", Path: orig.Path, Err: err}
	}
	if !statMatches(orig, info) {
		m.log.WithFields(map[string]any{
			"path": orig.Path,
			"size": info.Size(),
		}).Warn("original changed on disk")
		return &Error{
			Op:   "verify",
			Path: orig.Path,
			Err: fmt.Errorf("%w: size %d->%d, mtime %s->%s", ErrOriginalFileChanged,
				orig.Size, info.Size(),
				orig.ModTime.Format(time.RFC3339), info.ModTime().Format(time.RFC3339)),
		}
	}
	return nil
}

// Timestamp records the original file's current identity, after the
// document was written to it. path replaces the recorded path when set.
func (m *Manager) Timestamp(path string) error {
	if path == "" {
		path = m.header.Original.Path
	}
	if path == "" {
		return ErrNoOriginal
	}
	id, err := Identify(m.fs, path)
	if err != nil {
		return &Error{Op: "timestamp", Path: path, Err: err}
	}
	m.header.Original = id
	m.header.Flags &^= FlagNoOriginal | FlagPathTruncated
	return m.write()
}

// SetModified records whether the document has unsaved changes.
func (m *Manager) SetModified(modified bool) error {
	if modified == m.header.Flags.Has(FlagModified) {
		return nil
	}
	if modified {
		m.header.Flags |= FlagModified
	} else {
		m.header.Flags &^= FlagModified
	}
	return m.write()
}

// SetEmpty records whether the document is reduced to its single empty
// line, so recovery can restore it as empty.
func (m *Manager) SetEmpty(empty bool) error {
	if empty == m.header.Flags.Has(FlagEmpty) {
		return nil
	}
	if empty {
		m.header.Flags |= FlagEmpty
	} else {
		m.header.Flags &^= FlagEmpty
	}
	return m.write()
}

// Preserve assigns every placeholder block a page, rewrites references to
// them and writes every dirty block, so the backing file alone can rebuild
// the document. It returns the number of placeholders assigned.
func (m *Manager) Preserve(tree RefFixer, fsync bool) (int, error) {
	n := m.store.AssignAll()
	if n > 0 {
		if _, err := tree.FixRefs(); err != nil {
			return n, err
		}
	}
	m.header.Flags |= FlagPreserved
	if err := m.write(); err != nil {
		return n, err
	}
	if err := m.store.FlushAll(fsync); err != nil {
		return n, err
	}
	m.log.WithFields(map[string]any{"assigned": n, "path": m.store.Path()}).Debug("preserved")
	return n, nil
}

func (m *Manager) write() error {
	b := m.store.Header()
	if err := m.header.Encode(b.Data()); err != nil {
		return &Error{Op: "header", Path: m.store.Path(), Err: err}
	}
	m.store.MarkDirty(b)
	return nil
}
