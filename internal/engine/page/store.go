package page

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dshills/memline/internal/logging"
)

// Page size limits.
const (
	MinPageSize     = 256
	MaxPageSize     = 64 << 10
	DefaultPageSize = 4096

	// DefaultMaxResident is the default number of resident blocks kept
	// before clean blocks are evicted.
	DefaultMaxResident = 512
)

// HeaderPage is the page holding the session header.
const HeaderPage uint64 = 0

// Block is a resident block: its ref, its size in pages and its bytes.
// The data slice stays valid while the block is resident; callers must not
// hold it across an eviction point (Trim).
type Block struct {
	ref   Ref
	pages int
	data  []byte
	dirty bool

	dirtyElem *list.Element
	lruElem   *list.Element
}

// Ref returns the block's current ref.
func (b *Block) Ref() Ref { return b.ref }

// Pages returns the number of pages the block occupies.
func (b *Block) Pages() int { return b.pages }

// Data returns the block's bytes.
func (b *Block) Data() []byte { return b.data }

// Dirty reports whether the block has changes not yet written.
func (b *Block) Dirty() bool { return b.dirty }

// Stats is a snapshot of store bookkeeping.
type Stats struct {
	PageSize     int
	Resident     int
	Dirty        int
	Placeholders int
	FreeExtents  int
	NextPage     uint64
	Attached     bool
	AtRisk       bool
}

// Store is a page cache backed by a single file.
type Store struct {
	pageSize    int
	maxResident int
	log         *logging.Logger

	path string
	file *os.File

	nextPage   uint64
	nextSerial uint64

	header       *Block
	resident     map[uint64]*Block
	placeholders map[uint64]*Block
	trans        map[uint64]uint64
	free         map[int][]uint64

	dirty *list.List // oldest first
	lru   *list.List // clean blocks, least recently used first

	atRisk bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for storage failures.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l.WithComponent("page")
		}
	}
}

// WithMaxResident sets how many blocks may stay resident before clean ones are evicted.
func WithMaxResident(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxResident = n
		}
	}
}

// ValidPageSize reports whether n is a supported page size.
func ValidPageSize(n int) bool {
	return n >= MinPageSize && n <= MaxPageSize && n&(n-1) == 0
}

// New creates a memory-only store. Attach adds a backing file later.
func New(pageSize int, opts ...Option) (*Store, error) {
	if !ValidPageSize(pageSize) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPageSize, pageSize)
	}

	s := &Store{
		pageSize:     pageSize,
		maxResident:  DefaultMaxResident,
		log:          logging.Nop(),
		nextPage:     HeaderPage + 1,
		resident:     make(map[uint64]*Block),
		placeholders: make(map[uint64]*Block),
		trans:        make(map[uint64]uint64),
		free:         make(map[int][]uint64),
		dirty:        list.New(),
		lru:          list.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.header = &Block{ref: Assigned(HeaderPage), pages: 1, data: make([]byte, pageSize)}
	s.resident[HeaderPage] = s.header
	return s, nil
}

// PageSize returns the page size in bytes.
func (s *Store) PageSize() int { return s.pageSize }

// Path returns the backing file path, or "" when memory-only.
func (s *Store) Path() string { return s.path }

// Attached reports whether a backing file is attached.
func (s *Store) Attached() bool { return s.file != nil }

// AtRisk reports whether a write has failed. Edits continue in memory but
// the backing file may not reflect them.
func (s *Store) AtRisk() bool { return s.atRisk }

// Header returns the header block (page 0).
func (s *Store) Header() *Block { return s.header }

// PagesFor returns the number of pages needed to hold n bytes.
func (s *Store) PagesFor(n int) int {
	if n <= s.pageSize {
		return 1
	}
	return (n + s.pageSize - 1) / s.pageSize
}

// Allocate creates a new assigned block of the given number of pages.
// The block is zeroed and dirty.
func (s *Store) Allocate(pages int) *Block {
	if pages < 1 {
		pages = 1
	}
	num := s.takePages(pages)
	b := &Block{ref: Assigned(num), pages: pages, data: make([]byte, pages*s.pageSize)}
	s.resident[num] = b
	s.markDirty(b)
	return b
}

// AllocatePlaceholder creates a block whose content mirrors orig in the
// original file. It is not written by regular flushes.
func (s *Store) AllocatePlaceholder(pages int, orig Extent) *Block {
	if pages < 1 {
		pages = 1
	}
	s.nextSerial++
	b := &Block{
		ref:   Unassigned(s.nextSerial, orig),
		pages: pages,
		data:  make([]byte, pages*s.pageSize),
	}
	s.placeholders[s.nextSerial] = b
	return b
}

// Translate resolves a placeholder ref to its assigned ref once it has one.
// Any other ref is returned unchanged.
func (s *Store) Translate(ref Ref) Ref {
	if !ref.IsPlaceholder() {
		return ref
	}
	if num, ok := s.trans[ref.num]; ok {
		return Assigned(num)
	}
	return ref
}

// Get returns the block for ref, reading it from the backing file if it is
// not resident. pages is the block size recorded by whoever holds the ref.
func (s *Store) Get(ref Ref, pages int) (*Block, error) {
	ref = s.Translate(ref)

	switch {
	case ref.IsPlaceholder():
		b, ok := s.placeholders[ref.num]
		if !ok {
			return nil, s.corrupt(ref, errors.New("unknown placeholder"))
		}
		return b, nil

	case ref.IsAssigned():
		if b, ok := s.resident[ref.num]; ok {
			s.touch(b)
			return b, nil
		}
		return s.load(ref, pages)

	default:
		return nil, s.corrupt(ref, errors.New("nil block ref"))
	}
}

// MarkDirty records that b was modified. A placeholder is assigned a page
// first; the returned ref is the block's ref afterwards and changed reports
// whether it differs from before.
func (s *Store) MarkDirty(b *Block) (ref Ref, changed bool) {
	if b.ref.IsPlaceholder() {
		s.assign(b)
		changed = true
	}
	s.markDirty(b)
	return b.ref, changed
}

// Free releases b. Assigned pages go to the free list for reuse.
func (s *Store) Free(b *Block) {
	if b == s.header {
		return
	}
	if b.dirtyElem != nil {
		s.dirty.Remove(b.dirtyElem)
		b.dirtyElem = nil
	}
	if b.lruElem != nil {
		s.lru.Remove(b.lruElem)
		b.lruElem = nil
	}
	b.dirty = false

	if b.ref.IsPlaceholder() {
		delete(s.placeholders, b.ref.num)
		return
	}
	delete(s.resident, b.ref.num)
	s.free[b.pages] = append(s.free[b.pages], b.ref.num)
}

// AssignAll gives every placeholder block a page and marks it dirty, so the
// next full flush writes it. It returns the number of blocks assigned.
func (s *Store) AssignAll() int {
	serials := make([]uint64, 0, len(s.placeholders))
	for serial := range s.placeholders {
		serials = append(serials, serial)
	}
	sort.Slice(serials, func(i, j int) bool { return serials[i] < serials[j] })

	for _, serial := range serials {
		b := s.placeholders[serial]
		s.assign(b)
		s.markDirty(b)
	}
	return len(serials)
}

// Attach creates the backing file at path and takes an exclusive lock on
// it. The file must not exist yet. Resident blocks are written by later
// flushes.
func (s *Store) Attach(path string) error {
	if s.file != nil {
		return ErrAlreadyAttached
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return &StorageError{Op: "create", Path: path, Err: err}
	}
	if err := lockFile(f, true); err != nil {
		_ = f.Close()
		return &StorageError{Op: "lock", Path: path, Err: err}
	}

	s.file = f
	s.path = path
	s.log.WithField("path", path).Debug("backing file attached")
	return nil
}

// FlushOne writes the oldest dirty block. It returns false when nothing was
// written because no block is dirty or no backing file is attached.
func (s *Store) FlushOne() (bool, error) {
	if s.file == nil {
		return false, nil
	}
	front := s.dirty.Front()
	if front == nil {
		return false, nil
	}

	b := front.Value.(*Block)
	if err := s.write(b); err != nil {
		return false, err
	}

	s.dirty.Remove(front)
	b.dirtyElem = nil
	b.dirty = false
	if b != s.header {
		b.lruElem = s.lru.PushBack(b)
	}
	return true, nil
}

// FlushUntil writes dirty blocks one at a time until none remain or ctx is
// done. At least one block is written before ctx is consulted. It returns
// the number of blocks written and ctx.Err() if it stopped early.
func (s *Store) FlushUntil(ctx context.Context) (int, error) {
	n := 0
	for {
		ok, err := s.FlushOne()
		if err != nil {
			return n, err
		}
		if !ok {
			return n, nil
		}
		n++
		if err := ctx.Err(); err != nil {
			return n, err
		}
	}
}

// FlushAll writes every dirty block, then syncs the file when fsync is set.
func (s *Store) FlushAll(fsync bool) error {
	for {
		ok, err := s.FlushOne()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
	}
	if fsync {
		return s.Sync()
	}
	return nil
}

// Sync forces written pages to stable storage.
func (s *Store) Sync() error {
	if s.file == nil {
		return nil
	}
	if err := syncFile(s.file); err != nil {
		s.atRisk = true
		s.log.WithField("path", s.path).Error("sync failed: %v", err)
		return &StorageError{Op: "sync", Path: s.path, Err: fmt.Errorf("%w: %w", ErrStorageWriteFailed, err)}
	}
	return nil
}

// Trim evicts clean blocks, least recently used first, until no more than
// the configured number of blocks are resident. It only evicts when a
// backing file is attached.
func (s *Store) Trim() int {
	if s.file == nil {
		return 0
	}
	n := 0
	for len(s.resident) > s.maxResident {
		front := s.lru.Front()
		if front == nil {
			break
		}
		b := front.Value.(*Block)
		s.lru.Remove(front)
		b.lruElem = nil
		delete(s.resident, b.ref.num)
		n++
	}
	return n
}

// Close releases the lock and closes the backing file, leaving it on disk.
func (s *Store) Close() error {
	if s.file == nil {
		return nil
	}
	f := s.file
	s.file = nil
	_ = unlockFile(f)
	return f.Close()
}

// Remove closes and deletes the backing file.
func (s *Store) Remove() error {
	path := s.path
	if err := s.Close(); err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	s.path = ""
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Stats returns a snapshot of store bookkeeping.
func (s *Store) Stats() Stats {
	free := 0
	for _, nums := range s.free {
		free += len(nums)
	}
	return Stats{
		PageSize:     s.pageSize,
		Resident:     len(s.resident),
		Dirty:        s.dirty.Len(),
		Placeholders: len(s.placeholders),
		FreeExtents:  free,
		NextPage:     s.nextPage,
		Attached:     s.file != nil,
		AtRisk:       s.atRisk,
	}
}

// takePages returns the first page of a run of n pages, reusing a freed run
// of the same length when one exists.
func (s *Store) takePages(n int) uint64 {
	if nums := s.free[n]; len(nums) > 0 {
		num := nums[len(nums)-1]
		s.free[n] = nums[:len(nums)-1]
		return num
	}
	num := s.nextPage
	s.nextPage += uint64(n)
	return num
}

func (s *Store) assign(b *Block) {
	serial := b.ref.num
	num := s.takePages(b.pages)
	s.trans[serial] = num
	delete(s.placeholders, serial)
	b.ref = Assigned(num)
	s.resident[num] = b
}

func (s *Store) markDirty(b *Block) {
	if b.dirty {
		return
	}
	b.dirty = true
	if b.lruElem != nil {
		s.lru.Remove(b.lruElem)
		b.lruElem = nil
	}
	b.dirtyElem = s.dirty.PushBack(b)
}

func (s *Store) touch(b *Block) {
	if b.lruElem != nil {
		s.lru.MoveToBack(b.lruElem)
	}
}

func (s *Store) load(ref Ref, pages int) (*Block, error) {
	if s.file == nil {
		return nil, s.corrupt(ref, errors.New("block not resident"))
	}
	if pages < 1 {
		pages = 1
	}

	data := make([]byte, pages*s.pageSize)
	if _, err := s.file.ReadAt(data, int64(ref.num)*int64(s.pageSize)); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, s.corrupt(ref, err)
	}

	b := &Block{ref: ref, pages: pages, data: data}
	s.resident[ref.num] = b
	b.lruElem = s.lru.PushBack(b)
	return b, nil
}

func (s *Store) write(b *Block) error {
	off := int64(b.ref.num) * int64(s.pageSize)
	if _, err := s.file.WriteAt(b.data, off); err != nil {
		s.atRisk = true
		s.log.WithFields(map[string]any{"block": b.ref.String(), "path": s.path}).Error("write failed: %v", err)
		return &StorageError{Op: "write", Block: b.ref, Path: s.path, Err: fmt.Errorf("%w: %w", ErrStorageWriteFailed, err)}
	}
	return nil
}

func (s *Store) corrupt(ref Ref, err error) error {
	s.log.WithFields(map[string]any{"block": ref.String(), "path": s.path}).Error("read failed: %v", err)
	return &StorageError{Op: "read", Block: ref, Path: s.path, Err: fmt.Errorf("%w: %w", ErrStorageCorrupt, err)}
}
