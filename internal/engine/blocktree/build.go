package blocktree

import (
	"fmt"

	"github.com/dshills/memline/internal/engine/page"
	"github.com/dshills/memline/internal/logging"
)

// Builder creates a tree in an empty store from lines supplied in order.
type Builder struct {
	store *page.Store
	root  *page.Block
	log   *logging.Logger

	placeholders bool
	pending      [][]byte
	pendingSize  int
	extent       page.Extent

	leaves []Entry
	lines  int
}

// NewBuilder starts a tree in s. The store must not have allocated any
// block yet, so the root lands on RootPage.
//
// With placeholders set, leaves are placeholder blocks mirroring the
// original file extents passed to Add; they are not written to the backing
// file until modified or preserved.
func NewBuilder(s *page.Store, placeholders bool, log *logging.Logger) (*Builder, error) {
	root := s.Allocate(1)
	if root.Ref().Num() != RootPage {
		s.Free(root)
		return nil, fmt.Errorf("blocktree: root allocated at page %d, store not empty", root.Ref().Num())
	}
	initPointer(root.Data())
	return &Builder{
		store:        s,
		root:         root,
		log:          logging.OrNop(log),
		placeholders: placeholders,
	}, nil
}

// Add appends a line. span is the byte range of the line, including its
// newline, in the original file; it is ignored unless the builder creates
// placeholders.
func (b *Builder) Add(line []byte, span page.Extent) {
	size := dataIndexSize + len(line)
	if len(b.pending) > 0 && dataHeaderSize+b.pendingSize+size > b.store.PageSize() {
		b.flush()
	}
	if len(b.pending) == 0 {
		b.extent = page.Extent{Offset: span.Offset}
	}
	b.pending = append(b.pending, append([]byte(nil), line...))
	b.pendingSize += size
	b.extent.Length = span.End() - b.extent.Offset
	b.lines++
}

func (b *Builder) flush() {
	if len(b.pending) == 0 {
		return
	}
	t := &Tree{store: b.store}
	var orig *page.Extent
	if b.placeholders {
		ext := b.extent
		orig = &ext
	}
	b.leaves = append(b.leaves, t.writeLeaf(b.pending, orig))
	b.pending = nil
	b.pendingSize = 0
}

// Finish writes the pointer levels and returns the tree. A builder that
// received no lines produces a tree holding one empty line.
func (b *Builder) Finish() *Tree {
	if b.lines == 0 {
		b.pending = [][]byte{{}}
		b.lines = 1
		b.placeholders = false
	}
	b.flush()

	t := &Tree{
		store:      b.store,
		root:       b.root.Ref(),
		lines:      b.lines,
		gen:        1,
		maxEntries: MaxEntries(b.store.PageSize()),
		log:        b.log.WithComponent("blocktree"),
	}

	es := b.leaves
	for len(es) > t.maxEntries {
		es = t.splitPointers(es, nil)
	}
	pointerBlock(b.root.Data()).setEntries(es)
	b.store.MarkDirty(b.root)

	b.log.WithFields(map[string]any{"lines": b.lines, "leaves": len(b.leaves)}).Debug("tree built")
	return t
}

// NewEmpty returns a tree in s holding a single empty line.
func NewEmpty(s *page.Store, log *logging.Logger) (*Tree, error) {
	b, err := NewBuilder(s, false, log)
	if err != nil {
		return nil, err
	}
	return b.Finish(), nil
}
