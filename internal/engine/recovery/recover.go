package recovery

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/dshills/memline/internal/engine/blocktree"
	"github.com/dshills/memline/internal/engine/page"
	"github.com/dshills/memline/internal/logging"
	"github.com/dshills/memline/internal/vfs"
)

// LinesMissing replaces the lines of a block that could not be recovered.
const LinesMissing = "???LINES MISSING"

// maxDepth bounds the tree walk so a corrupt file cannot recurse forever.
const maxDepth = 64

// Report describes the outcome of a recovery.
type Report struct {
	Header Header

	// OriginalPath is the file placeholders were read from, if any.
	OriginalPath string

	// Lines is the number of lines delivered, placeholders included.
	Lines int

	// FromOriginal counts lines read from the original file.
	FromOriginal int

	// LostLines counts lines replaced by LinesMissing; LostBlocks counts
	// the blocks they lived in.
	LostLines  int
	LostBlocks int

	// CountMismatches counts blocks whose line count disagreed with their
	// parent entry.
	CountMismatches int

	// OriginalChanged is set when the original file no longer matches the
	// identity in the header.
	OriginalChanged bool
}

// RecoverOption configures Recover.
type RecoverOption func(*recoverer)

// WithFS sets the file system original files are read from.
func WithFS(fsys vfs.FS) RecoverOption {
	return func(r *recoverer) {
		if fsys != nil {
			r.fs = fsys
		}
	}
}

// WithOriginalPath overrides the original file path recorded in the header.
func WithOriginalPath(path string) RecoverOption {
	return func(r *recoverer) { r.origPath = path }
}

// WithRecoverLogger sets the logger.
func WithRecoverLogger(l *logging.Logger) RecoverOption {
	return func(r *recoverer) {
		if l != nil {
			r.log = l.WithComponent("recovery")
		}
	}
}

type recoverer struct {
	reader   *page.Reader
	fs       vfs.FS
	log      *logging.Logger
	origPath string
	sink     func(line []byte)
	report   *Report
	visited  map[uint64]bool
}

// Recover rebuilds a document from the backing file at path, delivering its
// lines in order to sink. Blocks never written to the backing file are read
// from the original file. Blocks that cannot be read from either are
// replaced by a single LinesMissing line and counted in the report.
//
// A file held by a live session fails with page.ErrLocked; a file that is
// not a backing file fails with ErrUnrecognizedFormat.
func Recover(path string, sink func(line []byte), opts ...RecoverOption) (*Report, error) {
	rc := &recoverer{
		fs:      vfs.NewOSFS(),
		log:     logging.Nop(),
		sink:    sink,
		visited: make(map[uint64]bool),
	}
	for _, opt := range opts {
		opt(rc)
	}

	r, err := page.OpenReader(path)
	if err != nil {
		return nil, &Error{Op: "recover", Path: path, Err: err}
	}
	defer r.Close()
	rc.reader = r

	hdr, err := readHeader(r.ReadAt)
	if err != nil {
		return nil, &Error{Op: "recover", Path: path, Err: err}
	}
	if err := r.SetPageSize(hdr.PageSize); err != nil {
		return nil, &Error{Op: "recover", Path: path, Err: fmt.Errorf("%w: %w", ErrUnrecognizedFormat, err)}
	}

	rep := &Report{Header: hdr}
	rc.report = rep
	if rc.origPath == "" && !hdr.Flags.Has(FlagPathTruncated) && !hdr.Flags.Has(FlagNoOriginal) {
		rc.origPath = hdr.Original.Path
	}
	rep.OriginalPath = rc.origPath
	if rc.origPath != "" && !hdr.Flags.Has(FlagNoOriginal) {
		rep.OriginalChanged = rc.originalChanged(hdr.Original)
	}

	root, err := r.ReadBlock(blocktree.RootPage, 1)
	if err == nil {
		var entries []blocktree.Entry
		entries, err = blocktree.DecodePointer(root)
		if err == nil {
			rc.visited[blocktree.RootPage] = true
			rc.walk(entries, 1)
		}
	}
	if err != nil {
		return rep, &Error{Op: "recover", Path: path, Err: fmt.Errorf("%w: root block: %w", ErrRecoveryFailed, err)}
	}
	if rep.LostBlocks > 0 && rep.Lines == rep.LostBlocks {
		return rep, &Error{Op: "recover", Path: path, Err: fmt.Errorf("%w: every block lost", ErrRecoveryFailed)}
	}

	rc.log.WithFields(map[string]any{
		"path":  path,
		"lines": rep.Lines,
		"lost":  rep.LostLines,
	}).Info("recovered")
	return rep, nil
}

// readHeader reads the header page through read, which reads len(p) bytes
// at off.
func readHeader(read func(p []byte, off int64) error) (Header, error) {
	fixed := make([]byte, HeaderMinSize)
	if err := read(fixed, 0); err != nil {
		return Header{}, fmt.Errorf("%w: %w", errNotBackingFile, err)
	}
	pageSize, err := PageSizeOf(fixed)
	if err != nil {
		return Header{}, err
	}
	if !page.ValidPageSize(pageSize) {
		return Header{}, fmt.Errorf("%w: page size %d", ErrUnrecognizedFormat, pageSize)
	}

	buf := make([]byte, pageSize)
	if err := read(buf, 0); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrUnrecognizedFormat, err)
	}
	return DecodeHeader(buf)
}

// ReadHeader reads the header of the backing file at path without locking it.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()

	return readHeader(func(p []byte, off int64) error {
		_, err := f.ReadAt(p, off)
		return err
	})
}

func (rc *recoverer) originalChanged(id Identity) bool {
	info, err := rc.fs.Stat(rc.origPath)
	if err != nil {
		return true
	}
	if statMatches(id, info) {
		return false
	}
	// Touched but maybe identical.
	cur, err := Identify(rc.fs, rc.origPath)
	return err != nil || cur.Hash != id.Hash
}

func (rc *recoverer) walk(entries []blocktree.Entry, depth int) {
	for _, e := range entries {
		if e.Ref.IsPlaceholder() {
			rc.fromOriginal(e)
			continue
		}
		rc.fromBlock(e, depth)
	}
}

func (rc *recoverer) fromBlock(e blocktree.Entry, depth int) {
	num := e.Ref.Num()
	if depth > maxDepth || rc.visited[num] {
		rc.lost(e, errors.New("block reached twice"))
		return
	}
	rc.visited[num] = true

	data, err := rc.reader.ReadBlock(num, e.Pages)
	if err != nil {
		rc.lost(e, err)
		return
	}

	switch blocktree.KindOf(data) {
	case blocktree.KindPointer:
		entries, err := blocktree.DecodePointer(data)
		if err != nil {
			rc.lost(e, err)
			return
		}
		before := rc.report.Lines
		rc.walk(entries, depth+1)
		if rc.report.Lines-before != e.Lines {
			rc.report.CountMismatches++
		}

	case blocktree.KindData:
		lines, err := blocktree.DecodeData(data)
		if err != nil {
			rc.lost(e, err)
			return
		}
		if len(lines) != e.Lines {
			rc.report.CountMismatches++
		}
		rc.emit(lines)

	default:
		rc.lost(e, blocktree.ErrBadBlock)
	}
}

func (rc *recoverer) fromOriginal(e blocktree.Entry) {
	if rc.origPath == "" {
		rc.lost(e, ErrNoOriginal)
		return
	}
	ext, _ := e.Ref.Original()
	data, err := rc.fs.ReadAt(rc.origPath, ext.Offset, int(ext.Length))
	if err != nil {
		rc.lost(e, err)
		return
	}

	lines := SplitLines(data)
	if len(lines) != e.Lines {
		rc.report.CountMismatches++
		rc.report.OriginalChanged = true
	}
	rc.report.FromOriginal += len(lines)
	rc.emit(lines)
}

func (rc *recoverer) lost(e blocktree.Entry, err error) {
	rc.log.WithFields(map[string]any{
		"block": e.Ref.String(),
		"lines": e.Lines,
	}).Warn("block lost: %v", err)
	rc.report.LostLines += e.Lines
	rc.report.LostBlocks++
	rc.emit([][]byte{[]byte(LinesMissing)})
}

func (rc *recoverer) emit(lines [][]byte) {
	for _, l := range lines {
		rc.sink(l)
	}
	rc.report.Lines += len(lines)
}

// SplitLines splits newline-terminated text into lines. A final newline
// does not start another line; empty input is one empty line.
func SplitLines(data []byte) [][]byte {
	data = bytes.TrimSuffix(data, []byte{'\n'})
	return bytes.Split(data, []byte{'\n'})
}
