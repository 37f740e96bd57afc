package blocktree

import (
	"errors"
	"fmt"

	"github.com/dshills/memline/internal/engine/page"
	"github.com/dshills/memline/internal/logging"
)

// RootPage is the page of the root pointer block.
const RootPage uint64 = 1

var (
	// ErrLineOutOfRange indicates a line number outside the tree.
	ErrLineOutOfRange = errors.New("line number out of range")

	// ErrLastLine indicates an attempt to delete the only line of the tree.
	ErrLastLine = errors.New("cannot delete the last line")
)

// Step is one level of a Trail: the block visited, the line range it
// covers and, for pointer blocks, the entry taken.
type Step struct {
	Ref   page.Ref
	Pages int
	Low   int
	High  int
	Index int
}

// Trail records the path from the root to the most recently located leaf.
// The zero value is ready to use.
type Trail struct {
	steps []Step
	gen   uint64
}

// Reset discards the recorded path.
func (tr *Trail) Reset() {
	tr.steps = tr.steps[:0]
	tr.gen = 0
}

// Steps returns a copy of the recorded path, root first.
func (tr *Trail) Steps() []Step {
	return append([]Step(nil), tr.steps...)
}

func (tr *Trail) leaf() *Step {
	return &tr.steps[len(tr.steps)-1]
}

// Tree is a line tree stored in a page.Store.
type Tree struct {
	store      *page.Store
	root       page.Ref
	lines      int
	gen        uint64
	maxEntries int
	log        *logging.Logger
}

// Lines returns the number of lines in the tree.
func (t *Tree) Lines() int { return t.lines }

// Store returns the page store backing the tree.
func (t *Tree) Store() *page.Store { return t.store }

func (t *Tree) valid(tr *Trail) {
	if tr.gen != t.gen {
		tr.steps = tr.steps[:0]
		tr.gen = t.gen
	}
}

// commit records a mutation. The trail used for it stays valid when the
// shape of the tree did not change.
func (t *Tree) commit(tr *Trail, structural bool) {
	t.gen++
	if structural {
		tr.Reset()
		return
	}
	tr.gen = t.gen
}

// find descends to the leaf holding lnum, reusing the trail where possible.
func (t *Tree) find(tr *Trail, lnum int) (*page.Block, error) {
	t.valid(tr)

	for len(tr.steps) > 0 {
		top := tr.steps[len(tr.steps)-1]
		if top.Low <= lnum && lnum <= top.High {
			break
		}
		tr.steps = tr.steps[:len(tr.steps)-1]
	}
	if len(tr.steps) == 0 {
		tr.steps = append(tr.steps, Step{Ref: t.root, Pages: 1, Low: 1, High: t.lines})
	}

	for {
		top := &tr.steps[len(tr.steps)-1]
		b, err := t.store.Get(top.Ref, top.Pages)
		if err != nil {
			tr.Reset()
			return nil, err
		}
		top.Ref = b.Ref()

		switch KindOf(b.Data()) {
		case KindData:
			if n := dataBlock(b.Data()).count(); n != top.High-top.Low+1 {
				tr.Reset()
				return nil, t.corrupt(b.Ref(), "leaf holds %d lines, parent says %d", n, top.High-top.Low+1)
			}
			return b, nil
		case KindPointer:
		default:
			tr.Reset()
			return nil, t.corrupt(b.Ref(), "unexpected block kind")
		}

		p := pointerBlock(b.Data())
		first := top.Low
		n := p.count()
		var next Step
		found := false
		for i := 0; i < n; i++ {
			e := p.entry(i)
			if lnum < first+e.Lines {
				if ref := t.store.Translate(e.Ref); ref != e.Ref {
					e.Ref = ref
					p.setEntry(i, e)
					t.store.MarkDirty(b)
				}
				top.Index = i
				next = Step{Ref: e.Ref, Pages: e.Pages, Low: first, High: first + e.Lines - 1}
				found = true
				break
			}
			first += e.Lines
		}
		if !found {
			tr.Reset()
			return nil, t.corrupt(b.Ref(), "line %d not below block covering %d-%d", lnum, top.Low, top.High)
		}
		tr.steps = append(tr.steps, next)
	}
}

// Locate returns the leaf holding lnum and the line's index within it.
// The trail is left pointing at the leaf.
func (t *Tree) Locate(tr *Trail, lnum int) (*page.Block, int, error) {
	if lnum < 1 || lnum > t.lines {
		return nil, 0, fmt.Errorf("%w: %d not in 1..%d", ErrLineOutOfRange, lnum, t.lines)
	}
	b, err := t.find(tr, lnum)
	if err != nil {
		return nil, 0, err
	}
	return b, lnum - tr.leaf().Low, nil
}

// Line returns the text of line lnum. The slice aliases block storage and
// is valid until the next call on the tree or its store.
func (t *Tree) Line(tr *Trail, lnum int) ([]byte, error) {
	b, i, err := t.Locate(tr, lnum)
	if err != nil {
		return nil, err
	}
	return dataBlock(b.Data()).line(i), nil
}

// LineLen returns the length of line lnum in bytes.
func (t *Tree) LineLen(tr *Trail, lnum int) (int, error) {
	line, err := t.Line(tr, lnum)
	return len(line), err
}

// Insert adds text as a new line after line after. after == 0 inserts
// before the first line.
func (t *Tree) Insert(tr *Trail, after int, text []byte) error {
	if after < 0 || after > t.lines {
		return fmt.Errorf("%w: cannot insert after %d of %d", ErrLineOutOfRange, after, t.lines)
	}

	lnum, pos := after, 1
	if after == 0 {
		lnum, pos = 1, 0
	}
	b, i, err := t.Locate(tr, lnum)
	if err != nil {
		return err
	}
	pos += i

	d := dataBlock(b.Data())
	if b.Pages() == 1 && d.free() >= len(text)+dataIndexSize {
		anc, err := t.ancestors(tr, len(tr.steps)-1)
		if err != nil {
			return err
		}
		d = t.touchLeaf(tr, b, anc)
		d.insert(pos, text)
		t.adjust(tr, anc, len(tr.steps)-1, 1)
		t.lines++
		t.commit(tr, false)
		return nil
	}

	lines := copyLines(d)
	lines = append(lines, nil)
	copy(lines[pos+1:], lines[pos:])
	lines[pos] = text
	return t.rebuildLeaf(tr, b, lines, 1)
}

// Delete removes line lnum. The tree always keeps at least one line;
// deleting the only line fails with ErrLastLine.
func (t *Tree) Delete(tr *Trail, lnum int) error {
	if t.lines == 1 && lnum == 1 {
		return ErrLastLine
	}
	b, i, err := t.Locate(tr, lnum)
	if err != nil {
		return err
	}

	d := dataBlock(b.Data())
	if d.count() == 1 {
		if err := t.replaceChild(tr, len(tr.steps)-2, nil, -1); err != nil {
			return err
		}
		t.store.Free(b)
		t.lines--
		t.commit(tr, true)
		return nil
	}

	anc, err := t.ancestors(tr, len(tr.steps)-1)
	if err != nil {
		return err
	}
	d = t.touchLeaf(tr, b, anc)
	d.remove(i)
	t.adjust(tr, anc, len(tr.steps)-1, -1)
	t.lines--
	t.commit(tr, false)
	return nil
}

// Replace overwrites the text of line lnum.
func (t *Tree) Replace(tr *Trail, lnum int, text []byte) error {
	b, i, err := t.Locate(tr, lnum)
	if err != nil {
		return err
	}

	d := dataBlock(b.Data())
	old := len(d.line(i))
	inPlace := d.free()+old >= len(text)
	if b.Pages() > 1 {
		inPlace = inPlace && t.store.PagesFor(dataHeaderSize+dataIndexSize+len(text)) == b.Pages()
	}
	if inPlace {
		anc, err := t.ancestors(tr, len(tr.steps)-1)
		if err != nil {
			return err
		}
		d = t.touchLeaf(tr, b, anc)
		d.remove(i)
		d.insert(i, text)
		t.commit(tr, false)
		return nil
	}

	lines := copyLines(d)
	lines[i] = text
	return t.rebuildLeaf(tr, b, lines, 0)
}

// ancestors fetches the pointer blocks of the trail steps above level. An
// edit fetches them before changing anything, so a block that cannot be
// read leaves the tree untouched.
func (t *Tree) ancestors(tr *Trail, level int) ([]*page.Block, error) {
	anc := make([]*page.Block, level)
	for j := range anc {
		s := tr.steps[j]
		b, err := t.store.Get(s.Ref, s.Pages)
		if err != nil {
			return nil, err
		}
		anc[j] = b
	}
	return anc, nil
}

// touchLeaf marks the located leaf dirty, recording its new ref in the
// parent if a placeholder was assigned a page. anc holds the ancestors of
// the leaf.
func (t *Tree) touchLeaf(tr *Trail, b *page.Block, anc []*page.Block) dataBlock {
	ref, _ := t.store.MarkDirty(b)
	tr.leaf().Ref = ref
	idx := tr.steps[len(tr.steps)-2].Index
	p := pointerBlock(anc[len(anc)-1].Data())
	if e := p.entry(idx); e.Ref != ref {
		e.Ref = ref
		p.setEntry(idx, e)
		t.store.MarkDirty(anc[len(anc)-1])
	}
	return dataBlock(b.Data())
}

// adjust adds delta to the line counts recorded in anc, the blocks of every
// trail step above level, and widens or narrows the ranges of those steps
// and level itself.
func (t *Tree) adjust(tr *Trail, anc []*page.Block, level int, delta int) {
	for j := 0; j < level; j++ {
		s := &tr.steps[j]
		p := pointerBlock(anc[j].Data())
		e := p.entry(s.Index)
		e.Lines += delta
		p.setEntry(s.Index, e)
		t.store.MarkDirty(anc[j])
		s.High += delta
	}
	if level < len(tr.steps) {
		tr.steps[level].High += delta
	}
}

// rebuildLeaf replaces the located leaf with freshly packed blocks holding
// lines, then fixes up the ancestors.
func (t *Tree) rebuildLeaf(tr *Trail, old *page.Block, lines [][]byte, delta int) error {
	entries := t.pack(lines)
	if err := t.replaceChild(tr, len(tr.steps)-2, entries, delta); err != nil {
		return err
	}
	t.store.Free(old)
	t.lines += delta
	t.commit(tr, true)
	return nil
}

// pack writes lines into as few new data blocks as it takes. Two blocks
// split at the midpoint are preferred; lines that do not split evenly fall
// back to greedy packing. A line too long for one page gets a block of its
// own.
func (t *Tree) pack(lines [][]byte) []Entry {
	var groups [][][]byte
	switch {
	case t.fitsPage(lines) || len(lines) == 1:
		groups = [][][]byte{lines}
	default:
		mid := len(lines) / 2
		a, b := lines[:mid], lines[mid:]
		if (t.fitsPage(a) || len(a) == 1) && (t.fitsPage(b) || len(b) == 1) {
			groups = [][][]byte{a, b}
		} else {
			groups = t.greedy(lines)
		}
	}

	entries := make([]Entry, 0, len(groups))
	for _, g := range groups {
		entries = append(entries, t.writeLeaf(g, nil))
	}
	return entries
}

func (t *Tree) greedy(lines [][]byte) [][][]byte {
	var groups [][][]byte
	start := 0
	for i := 1; i <= len(lines); i++ {
		if i == len(lines) || !t.fitsPage(lines[start:i+1]) {
			groups = append(groups, lines[start:i])
			start = i
		}
	}
	return groups
}

func (t *Tree) fitsPage(lines [][]byte) bool {
	size := dataHeaderSize
	for _, l := range lines {
		size += dataIndexSize + len(l)
	}
	return size <= t.store.PageSize()
}

// leafPages returns the block size for a leaf holding lines.
func (t *Tree) leafPages(lines [][]byte) int {
	size := dataHeaderSize
	for _, l := range lines {
		size += dataIndexSize + len(l)
	}
	return t.store.PagesFor(size)
}

// writeLeaf allocates a data block holding lines. With orig set the block
// is a placeholder mirroring that extent of the original file.
func (t *Tree) writeLeaf(lines [][]byte, orig *page.Extent) Entry {
	pages := t.leafPages(lines)
	var b *page.Block
	if orig != nil {
		b = t.store.AllocatePlaceholder(pages, *orig)
	} else {
		b = t.store.Allocate(pages)
	}
	d := initData(b.Data())
	for i, l := range lines {
		d.insert(i, l)
	}
	return Entry{Ref: b.Ref(), Pages: pages, Lines: len(lines)}
}

// replaceChild swaps the entry taken at trail level for repl. delta is the
// change in lines below that entry. Pointer blocks that overflow are split
// and the split propagates upward; a pointer block left empty is freed.
func (t *Tree) replaceChild(tr *Trail, level int, repl []Entry, delta int) error {
	if level < 0 {
		return t.corrupt(t.root, "leaf has no parent")
	}
	s := tr.steps[level]
	anc, err := t.ancestors(tr, level+1)
	if err != nil {
		return err
	}
	b := anc[level]
	t.store.MarkDirty(b)
	p := pointerBlock(b.Data())

	old := p.entries()
	es := make([]Entry, 0, len(old)+len(repl))
	es = append(es, old[:s.Index]...)
	es = append(es, repl...)
	es = append(es, old[s.Index+1:]...)

	if level == 0 {
		if len(es) == 0 {
			return t.corrupt(b.Ref(), "root left without children")
		}
		for len(es) > t.maxEntries {
			es = t.splitPointers(es, nil)
		}
		p.setEntries(es)
		return t.collapseRoot()
	}

	switch {
	case len(es) == 0:
		t.store.Free(b)
		return t.replaceChild(tr, level-1, nil, delta)
	case len(es) <= t.maxEntries:
		p.setEntries(es)
		t.adjust(tr, anc[:level], level, delta)
		return nil
	default:
		return t.replaceChild(tr, level-1, t.splitPointers(es, b), delta)
	}
}

// splitPointers distributes es evenly over pointer blocks and returns the
// entries naming them. When reuse is set it receives the first group.
func (t *Tree) splitPointers(es []Entry, reuse *page.Block) []Entry {
	k := (len(es) + t.maxEntries - 1) / t.maxEntries
	size := (len(es) + k - 1) / k

	var out []Entry
	for start := 0; start < len(es); start += size {
		end := min(start+size, len(es))
		group := es[start:end]

		b := reuse
		reuse = nil
		if b == nil {
			b = t.store.Allocate(1)
		}
		p := initPointer(b.Data())
		p.setEntries(group)

		lines := 0
		for _, e := range group {
			lines += e.Lines
		}
		out = append(out, Entry{Ref: b.Ref(), Pages: 1, Lines: lines})
	}
	return out
}

// collapseRoot pulls the entries of a single pointer child into the root.
func (t *Tree) collapseRoot() error {
	for {
		rb, err := t.store.Get(t.root, 1)
		if err != nil {
			return err
		}
		rp := pointerBlock(rb.Data())
		if rp.count() != 1 {
			return nil
		}
		e := rp.entry(0)
		cb, err := t.store.Get(e.Ref, e.Pages)
		if err != nil {
			return err
		}
		if KindOf(cb.Data()) != KindPointer {
			return nil
		}
		rp.setEntries(pointerBlock(cb.Data()).entries())
		t.store.MarkDirty(rb)
		t.store.Free(cb)
	}
}

// FixRefs rewrites pointer entries whose child has been assigned a page
// since the entry was written. It returns the number of entries changed.
func (t *Tree) FixRefs() (int, error) {
	n, err := t.fixRefs(t.root, 1)
	if n > 0 {
		t.gen++
	}
	return n, err
}

func (t *Tree) fixRefs(ref page.Ref, pages int) (int, error) {
	b, err := t.store.Get(ref, pages)
	if err != nil {
		return 0, err
	}
	if KindOf(b.Data()) != KindPointer {
		return 0, nil
	}
	p := pointerBlock(b.Data())
	es := p.entries()

	changed := 0
	for i, e := range es {
		if ref := t.store.Translate(e.Ref); ref != e.Ref {
			e.Ref = ref
			p.setEntry(i, e)
			t.store.MarkDirty(b)
			changed++
		}
		n, err := t.fixRefs(e.Ref, e.Pages)
		if err != nil {
			return changed, err
		}
		changed += n
	}
	return changed, nil
}

// Walk calls fn for every line in order. The line slice is only valid
// during the call.
func (t *Tree) Walk(fn func(lnum int, line []byte) error) error {
	lnum := 1
	return t.walk(t.root, 1, &lnum, fn)
}

func (t *Tree) walk(ref page.Ref, pages int, lnum *int, fn func(int, []byte) error) error {
	b, err := t.store.Get(ref, pages)
	if err != nil {
		return err
	}
	switch KindOf(b.Data()) {
	case KindData:
		d := dataBlock(b.Data())
		for i := 0; i < d.count(); i++ {
			if err := fn(*lnum, d.line(i)); err != nil {
				return err
			}
			*lnum++
		}
		return nil
	case KindPointer:
		for _, e := range pointerBlock(b.Data()).entries() {
			if err := t.walk(t.store.Translate(e.Ref), e.Pages, lnum, fn); err != nil {
				return err
			}
		}
		return nil
	default:
		return t.corrupt(b.Ref(), "unexpected block kind")
	}
}

// Depth returns the number of levels from the root to the leaves.
func (t *Tree) Depth() (int, error) {
	depth := 1
	ref, pages := t.root, 1
	for {
		b, err := t.store.Get(ref, pages)
		if err != nil {
			return 0, err
		}
		if KindOf(b.Data()) != KindPointer {
			return depth, nil
		}
		e := pointerBlock(b.Data()).entry(0)
		ref, pages = t.store.Translate(e.Ref), e.Pages
		depth++
	}
}

// Verify checks that every pointer entry's line count matches the lines
// beneath it, that all leaves sit at the same depth and that the total
// matches Lines.
func (t *Tree) Verify() error {
	leafDepth := -1
	total, err := t.verify(t.root, 1, 0, &leafDepth)
	if err != nil {
		return err
	}
	if total != t.lines {
		return fmt.Errorf("tree holds %d lines, expected %d", total, t.lines)
	}
	return nil
}

func (t *Tree) verify(ref page.Ref, pages, depth int, leafDepth *int) (int, error) {
	b, err := t.store.Get(ref, pages)
	if err != nil {
		return 0, err
	}
	switch KindOf(b.Data()) {
	case KindData:
		if depth == 0 {
			return 0, fmt.Errorf("root %s is a data block", ref)
		}
		if *leafDepth >= 0 && *leafDepth != depth {
			return 0, fmt.Errorf("leaf %s at depth %d, others at %d", ref, depth, *leafDepth)
		}
		*leafDepth = depth
		lines, err := DecodeData(b.Data())
		if err != nil {
			return 0, err
		}
		return len(lines), nil

	case KindPointer:
		es, err := DecodePointer(b.Data())
		if err != nil {
			return 0, err
		}
		if len(es) > t.maxEntries {
			return 0, fmt.Errorf("pointer %s has %d entries, max %d", ref, len(es), t.maxEntries)
		}
		total := 0
		for i, e := range es {
			n, err := t.verify(t.store.Translate(e.Ref), e.Pages, depth+1, leafDepth)
			if err != nil {
				return 0, err
			}
			if n != e.Lines {
				return 0, fmt.Errorf("pointer %s entry %d says %d lines, subtree holds %d", ref, i, e.Lines, n)
			}
			total += n
		}
		return total, nil

	default:
		return 0, fmt.Errorf("block %s: %w", ref, ErrBadBlock)
	}
}

func (t *Tree) corrupt(ref page.Ref, format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	t.log.WithField("block", ref.String()).Error("tree corrupt: %v", err)
	return &page.StorageError{Op: "read", Block: ref, Path: t.store.Path(), Err: fmt.Errorf("%w: %w", page.ErrStorageCorrupt, err)}
}

func copyLines(d dataBlock) [][]byte {
	n := d.count()
	lines := make([][]byte, n, n+1)
	for i := range lines {
		lines[i] = append([]byte(nil), d.line(i)...)
	}
	return lines
}
