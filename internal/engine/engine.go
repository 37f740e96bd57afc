package engine

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/dshills/memline/internal/engine/blocktree"
	"github.com/dshills/memline/internal/engine/chunk"
	"github.com/dshills/memline/internal/engine/page"
	"github.com/dshills/memline/internal/engine/recovery"
	"github.com/dshills/memline/internal/logging"
	"github.com/dshills/memline/internal/vfs"
)

// InvalidLine is returned by Line for a line that cannot be read.
const InvalidLine = "???"

// Flags describe the state of a LineStore.
type Flags uint8

const (
	// FlagEmpty marks a document holding only the single empty line it
	// was created with or left with after deleting every line.
	FlagEmpty Flags = 1 << iota

	// FlagLockedDirty marks that the leaf changed by the last edit has not
	// been written to the backing file yet.
	FlagLockedDirty

	// FlagLockedPositionalOnly marks that the last edit inserted or removed
	// a line, shifting the numbers of the lines after it, without changing
	// the text of any other line.
	FlagLockedPositionalOnly
)

// Has reports whether all of f are set.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// LineStore stores the lines of one document.
type LineStore struct {
	// configuration
	pageSize     int
	maxResident  int
	chunkOpts    []chunk.Option
	swapPath     string
	fsync        bool
	updateCount  int
	fs           vfs.FS
	origOverride string
	log          *logging.Logger
	reporter     Reporter

	store  *page.Store
	tree   *blocktree.Tree
	rec    *recovery.Manager
	chunks *chunk.Index

	trail      blocktree.Trail
	chunkTrail blocktree.Trail

	buf         []byte
	flags       Flags
	edits       int
	reporting   bool
	origChanged bool
	closed      bool
}

func newLineStore(opts []Option) (*LineStore, error) {
	s := &LineStore{
		pageSize:    DefaultPageSize,
		maxResident: DefaultMaxResident,
		fsync:       true,
		updateCount: DefaultUpdateCount,
		fs:          vfs.NewOSFS(),
		log:         logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("memline")

	store, err := page.New(s.pageSize, page.WithLogger(s.log), page.WithMaxResident(s.maxResident))
	if err != nil {
		return nil, err
	}
	s.store = store
	s.rec = recovery.NewManager(store, s.fs, s.log)
	return s, nil
}

// finish wires the tree into the chunk index and attaches the backing file
// if one was configured.
func (s *LineStore) finish(tree *blocktree.Tree) error {
	s.tree = tree
	s.chunks = chunk.New(chunkSource{s}, s.chunkOpts...)
	if s.swapPath == "" {
		return nil
	}
	return s.Attach(s.swapPath)
}

// New creates an empty document: one empty line with FlagEmpty set.
func New(opts ...Option) (*LineStore, error) {
	s, err := newLineStore(opts)
	if err != nil {
		return nil, err
	}
	tree, err := blocktree.NewEmpty(s.store, s.log)
	if err != nil {
		return nil, err
	}
	if err := s.rec.Init(nil); err != nil {
		return nil, err
	}
	s.setEmpty(true)
	if err := s.finish(tree); err != nil {
		return nil, err
	}
	return s, nil
}

// Load reads the file at path as a new document. Its lines are held in
// placeholder blocks mirroring the file until they are modified or
// preserved. The file is recorded as the document's original by its
// absolute path.
func Load(path string, opts ...Option) (*LineStore, error) {
	s, err := newLineStore(opts)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}

	info, err := s.fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	defer f.Close()

	b, err := blocktree.NewBuilder(s.store, true, s.log)
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	r := bufio.NewReader(io.TeeReader(f, h))
	var off int64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			span := page.Extent{Offset: off, Length: int64(len(line))}
			off += span.Length
			b.Add(bytes.TrimSuffix(line, []byte{'\n'}), span)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	id := recovery.Identity{Path: path, Size: off, ModTime: info.ModTime()}
	copy(id.Hash[:], h.Sum(nil))
	if err := s.rec.Init(&id); err != nil {
		return nil, err
	}
	if off == 0 {
		s.setEmpty(true)
	}
	if err := s.finish(b.Finish()); err != nil {
		return nil, err
	}
	if err := s.preserveUnreachable(); err != nil {
		return nil, err
	}
	s.log.WithFields(map[string]any{"path": path, "lines": s.tree.Lines(), "bytes": off}).Info("loaded")
	return s, nil
}

// Recover rebuilds a document from the backing file at swapPath. The
// recovered document is a new session: it is marked modified, and it is
// written to the backing file given by WithSwapFile, if any, which must not
// be swapPath itself.
//
// The report is returned whenever the backing file could be read, also
// when recovery failed.
func Recover(swapPath string, opts ...Option) (*LineStore, *recovery.Report, error) {
	s, err := newLineStore(opts)
	if err != nil {
		return nil, nil, err
	}
	b, err := blocktree.NewBuilder(s.store, false, s.log)
	if err != nil {
		return nil, nil, err
	}

	rep, err := recovery.Recover(swapPath,
		func(line []byte) { b.Add(line, page.Extent{}) },
		recovery.WithFS(s.fs),
		recovery.WithOriginalPath(s.origOverride),
		recovery.WithRecoverLogger(s.log),
	)
	if err != nil {
		return nil, rep, err
	}

	var orig *recovery.Identity
	if rep.OriginalPath != "" && !rep.Header.Flags.Has(recovery.FlagNoOriginal) {
		id := rep.Header.Original
		id.Path = rep.OriginalPath
		orig = &id
	}
	if err := s.rec.Init(orig); err != nil {
		return nil, rep, err
	}
	if err := s.rec.SetModified(true); err != nil {
		return nil, rep, err
	}
	s.origChanged = rep.OriginalChanged
	tree := b.Finish()
	if rep.Header.Flags.Has(recovery.FlagEmpty) && tree.Lines() == 1 {
		var trail blocktree.Trail
		if line, err := tree.Line(&trail, 1); err == nil && len(line) == 0 {
			s.setEmpty(true)
		}
	}
	if err := s.finish(tree); err != nil {
		return nil, rep, err
	}
	if rep.LostLines > 0 {
		s.log.WithFields(map[string]any{
			"path":   swapPath,
			"lost":   rep.LostLines,
			"blocks": rep.LostBlocks,
		}).Warn("recovered with missing lines")
	}
	return s, rep, nil
}

// ListRecoverable lists the backing files in dir, newest first.
func ListRecoverable(dir string, opts recovery.ListOptions) ([]recovery.Session, error) {
	return recovery.ListRecoverable(dir, opts)
}

// Attach starts writing the document to a new backing file at path and
// writes every block changed so far. Placeholder blocks stay unwritten
// until modified or preserved.
func (s *LineStore) Attach(path string) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.store.Attach(path); err != nil {
		return err
	}
	s.swapPath = path
	return s.store.FlushAll(false)
}

// SwapPath returns the path of the backing file, or "" without one.
func (s *LineStore) SwapPath() string {
	return s.store.Path()
}

// LineCount returns the number of lines. It is at least 1.
func (s *LineStore) LineCount() int {
	return s.tree.Lines()
}

// Flags returns the store flags.
func (s *LineStore) Flags() Flags {
	return s.flags
}

// AtRisk reports whether a write to the backing file failed. Edits keep
// working in memory but may not be recoverable.
func (s *LineStore) AtRisk() bool {
	return s.store.AtRisk()
}

// OriginalChanged reports whether the original file was found changed on
// disk since it was loaded or last written.
func (s *LineStore) OriginalChanged() bool {
	return s.origChanged
}

// Header returns the backing file header of the session.
func (s *LineStore) Header() recovery.Header {
	return s.rec.Header()
}

// Stats returns page cache statistics.
func (s *LineStore) Stats() page.Stats {
	return s.store.Stats()
}

// Line returns the text of line n. Line numbers below 1 read line 1. A line
// that cannot be read yields InvalidLine and the error is reported.
//
// The returned slice is only valid until the next call on the store.
func (s *LineStore) Line(n int) []byte {
	if s.closed {
		s.report(ErrClosed)
		return s.setBuf([]byte(InvalidLine))
	}
	if n <= 0 {
		n = 1
	}
	line, err := s.tree.Line(&s.trail, n)
	if err != nil {
		s.report(err)
		return s.setBuf([]byte(InvalidLine))
	}
	s.setBuf(line)
	s.store.Trim()
	return s.buf
}

// LineString returns a copy of line n.
func (s *LineStore) LineString(n int) string {
	return string(s.Line(n))
}

// LineLen returns the length of line n in bytes, or 0 for an invalid line.
func (s *LineStore) LineLen(n int) int {
	if s.closed || n < 1 || n > s.tree.Lines() {
		return 0
	}
	ln, err := s.tree.LineLen(&s.trail, n)
	if err != nil {
		s.report(err)
		return 0
	}
	return ln
}

// AppendAfter inserts text as a new line after line n. n == 0 inserts
// before the first line.
func (s *LineStore) AppendAfter(n int, text []byte) error {
	if err := s.checkWrite(text); err != nil {
		return err
	}
	if err := s.tree.Insert(&s.trail, n, text); err != nil {
		return s.fail("append", err)
	}
	s.chunks.LineInserted(n+1, len(text))
	s.setEmpty(false)
	s.edited(FlagLockedPositionalOnly)
	return nil
}

// Replace overwrites the text of line n.
func (s *LineStore) Replace(n int, text []byte) error {
	if err := s.checkWrite(text); err != nil {
		return err
	}
	old, err := s.tree.LineLen(&s.trail, n)
	if err != nil {
		return s.fail("replace", err)
	}
	if err := s.tree.Replace(&s.trail, n, text); err != nil {
		return s.fail("replace", err)
	}
	s.chunks.LineChanged(n, old, len(text))
	s.setEmpty(false)
	s.edited(0)
	return nil
}

// Delete removes line n. Deleting the only line leaves one empty line,
// sets FlagEmpty and reports noLinesLeft.
func (s *LineStore) Delete(n int) (noLinesLeft bool, err error) {
	if err := s.checkWrite(nil); err != nil {
		return false, err
	}
	old, err := s.tree.LineLen(&s.trail, n)
	if err != nil {
		return false, s.fail("delete", err)
	}

	if s.tree.Lines() == 1 {
		if err := s.tree.Replace(&s.trail, 1, nil); err != nil {
			return false, s.fail("delete", err)
		}
		s.chunks.LineChanged(1, old, 0)
		s.setEmpty(true)
		s.edited(0)
		return true, nil
	}

	if err := s.tree.Delete(&s.trail, n); err != nil {
		return false, s.fail("delete", err)
	}
	s.chunks.LineDeleted(n, old)
	s.edited(FlagLockedPositionalOnly)
	return false, nil
}

// ByteOffset returns the byte offset at which line n starts, counting one
// newline per line. n == LineCount()+1 yields the document size.
func (s *LineStore) ByteOffset(n int) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	off, err := s.chunks.ByteOffset(n)
	s.store.Trim()
	return off, err
}

// LineAt returns the line containing byte offset off and the offset of off
// within that line.
func (s *LineStore) LineAt(off int64) (int, int64, error) {
	if s.closed {
		return 0, 0, ErrClosed
	}
	n, rem, err := s.chunks.LineAt(off)
	s.store.Trim()
	return n, rem, err
}

// Size returns the size of the document in bytes, counting one newline per
// line.
func (s *LineStore) Size() (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	return s.chunks.Size()
}

// SyncAll writes changed blocks to the backing file one at a time, stopping
// early when ctx is done after at least one block. With checkFile set the
// original file is verified first; if it changed, the document is
// preserved so recovery no longer depends on it.
//
// It returns the number of blocks written.
func (s *LineStore) SyncAll(ctx context.Context, checkFile bool) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if !s.store.Attached() {
		return 0, nil
	}

	if checkFile && !s.origChanged {
		if err := s.rec.Verify(); err != nil {
			if !errors.Is(err, recovery.ErrOriginalFileChanged) {
				return 0, err
			}
			s.origChanged = true
			s.report(err)
			if _, err := s.rec.Preserve(s.tree, s.fsync); err != nil {
				return 0, err
			}
		}
	}

	n, err := s.store.FlushUntil(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return n, nil
		}
		return n, err
	}
	s.flags &^= FlagLockedDirty
	if s.fsync {
		if err := s.store.Sync(); err != nil {
			return n, err
		}
	}
	s.store.Trim()
	return n, nil
}

// Preserve makes the backing file sufficient to recover the document
// without the original file. With notify set, the outcome is logged at
// Info level.
func (s *LineStore) Preserve(notify bool) error {
	if s.closed {
		return ErrClosed
	}
	if !s.store.Attached() {
		return ErrNoBackingFile
	}
	n, err := s.rec.Preserve(s.tree, s.fsync)
	if err != nil {
		s.log.WithField("path", s.store.Path()).Error("preserve failed: %v", err)
		return err
	}
	s.flags &^= FlagLockedDirty
	s.store.Trim()
	if notify {
		s.log.WithFields(map[string]any{"path": s.store.Path(), "assigned": n}).Info("file preserved")
	}
	return nil
}

// VerifyOriginal checks the original file against the header. A changed
// file is recorded and returned as recovery.ErrOriginalFileChanged; the
// document is not touched.
func (s *LineStore) VerifyOriginal() error {
	err := s.rec.Verify()
	if errors.Is(err, recovery.ErrOriginalFileChanged) {
		s.origChanged = true
	}
	return err
}

// Timestamp records the current identity of the original file, after the
// document was written to it. path replaces the original path when set.
func (s *LineStore) Timestamp(path string) error {
	if s.closed {
		return ErrClosed
	}
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		// Placeholder extents point into the old original.
		hdr := s.rec.Header()
		if hdr.Flags.Has(recovery.FlagNoOriginal) || hdr.Original.Path != path {
			if err := s.assignPlaceholders(); err != nil {
				return err
			}
		}
	}
	if err := s.rec.Timestamp(path); err != nil {
		return err
	}
	s.origChanged = false
	if err := s.preserveUnreachable(); err != nil {
		return err
	}
	return s.store.FlushAll(false)
}

// assignPlaceholders gives every placeholder block a page of the backing
// file, so recovery no longer reads the original file.
func (s *LineStore) assignPlaceholders() error {
	if s.store.Stats().Placeholders == 0 {
		return nil
	}
	if _, err := s.rec.Preserve(s.tree, s.fsync); err != nil {
		s.log.WithField("path", s.store.Path()).Error("preserve failed: %v", err)
		return err
	}
	s.flags &^= FlagLockedDirty
	return nil
}

// preserveUnreachable assigns the placeholders when the header could not
// hold the full original path, since recovery could not find the file.
func (s *LineStore) preserveUnreachable() error {
	if !s.rec.Header().Flags.Has(recovery.FlagPathTruncated) {
		return nil
	}
	return s.assignPlaceholders()
}

// SetModified records in the header whether the document has unsaved
// changes.
func (s *LineStore) SetModified(modified bool) error {
	if err := s.rec.SetModified(modified); err != nil {
		return err
	}
	return s.store.FlushAll(false)
}

// Walk calls fn for every line in order.
func (s *LineStore) Walk(fn func(n int, line []byte) error) error {
	if s.closed {
		return ErrClosed
	}
	defer s.store.Trim()
	return s.tree.Walk(fn)
}

// WriteTo writes the document to w, one newline after every line. An
// empty document writes nothing.
func (s *LineStore) WriteTo(w io.Writer) (int64, error) {
	if s.flags.Has(FlagEmpty) {
		return 0, nil
	}
	bw := bufio.NewWriter(w)
	var n int64
	err := s.Walk(func(_ int, line []byte) error {
		k, err := bw.Write(line)
		n += int64(k)
		if err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	return n, bw.Flush()
}

// WriteFile atomically replaces the file at path with the document. When
// path is the original file, the document is preserved first and the new
// file identity is recorded afterwards.
func (s *LineStore) WriteFile(path string) error {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	hdr := s.rec.Header()
	original := !hdr.Flags.Has(recovery.FlagNoOriginal) && hdr.Original.Path == path
	if original && s.store.Attached() {
		if err := s.Preserve(false); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		return err
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if original {
		return s.Timestamp(path)
	}
	return nil
}

// Validate checks the structure of the line tree.
func (s *LineStore) Validate() error {
	if s.closed {
		return ErrClosed
	}
	defer s.store.Trim()
	return s.tree.Verify()
}

// Close ends the session. With deleteFile set the backing file is removed;
// otherwise the document is preserved and the file kept for recovery.
func (s *LineStore) Close(deleteFile bool) error {
	if s.closed {
		return nil
	}
	s.closed = true
	if deleteFile {
		return s.store.Remove()
	}
	if s.store.Attached() {
		if _, err := s.rec.Preserve(s.tree, s.fsync); err != nil {
			_ = s.store.Close()
			return err
		}
	}
	return s.store.Close()
}

func (s *LineStore) checkWrite(text []byte) error {
	if s.closed {
		return ErrClosed
	}
	if bytes.IndexByte(text, '\n') >= 0 {
		return ErrInvalidLine
	}
	return nil
}

// setEmpty records whether the document is reduced to its single empty
// line, in the flags and in the header.
func (s *LineStore) setEmpty(empty bool) {
	if empty {
		s.flags |= FlagEmpty
	} else {
		s.flags &^= FlagEmpty
	}
	if err := s.rec.SetEmpty(empty); err != nil {
		s.report(err)
	}
}

// edited records a successful mutation and runs the automatic sync every
// updateCount edits.
func (s *LineStore) edited(pos Flags) {
	s.flags &^= FlagLockedPositionalOnly
	s.flags |= FlagLockedDirty | pos

	s.edits++
	if s.updateCount > 0 && s.edits >= s.updateCount {
		s.edits = 0
		if err := s.store.FlushAll(false); err != nil {
			s.report(err)
		} else if s.store.Attached() {
			s.flags &^= FlagLockedDirty
		}
	}
	s.store.Trim()
}

func (s *LineStore) fail(op string, err error) error {
	if errors.Is(err, page.ErrStorageCorrupt) || errors.Is(err, page.ErrStorageWriteFailed) {
		s.report(err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// report passes err to the reporter. A report raised while one is in
// progress is only logged.
func (s *LineStore) report(err error) {
	s.log.Error("%v", err)
	if s.reporting || s.reporter == nil {
		return
	}
	s.reporting = true
	defer func() { s.reporting = false }()
	s.reporter.Report(err)
}

func (s *LineStore) setBuf(b []byte) []byte {
	s.buf = append(s.buf[:0], b...)
	return s.buf
}

// chunkSource measures lines for the chunk index on its own trail, so byte
// offset queries do not disturb the trail of line edits.
type chunkSource struct {
	s *LineStore
}

func (c chunkSource) Lines() int {
	return c.s.tree.Lines()
}

func (c chunkSource) LineLen(n int) (int, error) {
	return c.s.tree.LineLen(&c.s.chunkTrail, n)
}
