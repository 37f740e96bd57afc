// Package chunk caches cumulative byte sizes over runs of lines so byte
// offsets and line numbers can be converted without scanning the whole
// document.
//
// Each line counts its length plus one byte for the newline. Line counts
// per chunk are always exact. Sizes are kept exact by the per-line update
// methods; bulk updates mark the affected chunks stale, and stale chunks
// are recomputed from the Source before any query that depends on them.
// Chunks that drift too far from the target size are reshaped at the same
// time.
package chunk

import (
	"errors"
	"fmt"
)

// Default tuning values.
const (
	DefaultTarget    = 800
	DefaultTolerance = 0.5
)

// ErrOffsetOutOfRange indicates a byte offset outside the document.
var ErrOffsetOutOfRange = errors.New("byte offset out of range")

// ErrLineOutOfRange indicates a line number outside the document.
var ErrLineOutOfRange = errors.New("line number out of range")

// Source supplies line lengths.
type Source interface {
	Lines() int
	LineLen(lnum int) (int, error)
}

type chunk struct {
	lines int
	size  int64
	stale bool
}

// Index maps line numbers to byte offsets.
type Index struct {
	src       Source
	target    int
	tolerance float64

	chunks []chunk
	built  bool
}

// Option configures an Index.
type Option func(*Index)

// WithTarget sets the number of lines a chunk aims to cover.
func WithTarget(lines int) Option {
	return func(ix *Index) {
		if lines > 0 {
			ix.target = lines
		}
	}
}

// WithTolerance sets how far, as a fraction of the target, a chunk's line
// count may drift before it is split or merged.
func WithTolerance(f float64) Option {
	return func(ix *Index) {
		if f > 0 {
			ix.tolerance = f
		}
	}
}

// New returns an index over src. Nothing is computed until the first query.
func New(src Source, opts ...Option) *Index {
	ix := &Index{src: src, target: DefaultTarget, tolerance: DefaultTolerance}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Invalidate drops all cached sizes.
func (ix *Index) Invalidate() {
	ix.chunks = nil
	ix.built = false
}

// Chunks returns the number of chunks, building the index if needed.
func (ix *Index) Chunks() (int, error) {
	if err := ix.refresh(len(ix.chunks)); err != nil {
		return 0, err
	}
	return len(ix.chunks), nil
}

// Size returns the document size in bytes.
func (ix *Index) Size() (int64, error) {
	if err := ix.refresh(-1); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range ix.chunks {
		total += c.size
	}
	return total, nil
}

// ByteOffset returns the offset of the first byte of line lnum. lnum may be
// one past the last line, giving the document size.
func (ix *Index) ByteOffset(lnum int) (int64, error) {
	lines := ix.src.Lines()
	if lnum < 1 || lnum > lines+1 {
		return 0, fmt.Errorf("%w: %d not in 1..%d", ErrLineOutOfRange, lnum, lines+1)
	}
	if lnum == lines+1 {
		return ix.Size()
	}
	if err := ix.ensureBuilt(); err != nil {
		return 0, err
	}

	i, start := ix.find(lnum)
	if err := ix.refresh(i); err != nil {
		return 0, err
	}
	// refresh may reshape chunks at or before i.
	i, start = ix.find(lnum)

	var off int64
	for j := 0; j < i; j++ {
		off += ix.chunks[j].size
	}
	for l := start; l < lnum; l++ {
		n, err := ix.src.LineLen(l)
		if err != nil {
			return 0, err
		}
		off += int64(n) + 1
	}
	return off, nil
}

// LineAt returns the line containing byte offset off and the offset of that
// byte within the line.
func (ix *Index) LineAt(off int64) (lnum int, rem int64, err error) {
	if off < 0 {
		return 0, 0, fmt.Errorf("%w: %d", ErrOffsetOutOfRange, off)
	}
	if err := ix.refresh(-1); err != nil {
		return 0, 0, err
	}

	start := 1
	for _, c := range ix.chunks {
		if off >= c.size {
			off -= c.size
			start += c.lines
			continue
		}
		for l := start; l < start+c.lines; l++ {
			n, err := ix.src.LineLen(l)
			if err != nil {
				return 0, 0, err
			}
			if off <= int64(n) {
				return l, off, nil
			}
			off -= int64(n) + 1
		}
		return 0, 0, fmt.Errorf("chunk size disagrees with lines %d-%d", start, start+c.lines-1)
	}
	return 0, 0, fmt.Errorf("%w: past end of document", ErrOffsetOutOfRange)
}

// LineChanged records that line lnum changed length from oldLen to newLen.
func (ix *Index) LineChanged(lnum, oldLen, newLen int) {
	if !ix.built {
		return
	}
	i, _ := ix.find(lnum)
	ix.chunks[i].size += int64(newLen - oldLen)
}

// LineInserted records a new line of length n inserted as line lnum.
func (ix *Index) LineInserted(lnum, n int) {
	if !ix.built {
		return
	}
	i, _ := ix.find(lnum)
	c := &ix.chunks[i]
	c.lines++
	c.size += int64(n) + 1
	if ix.tooBig(c.lines) {
		c.stale = true
	}
}

// LineDeleted records that line lnum, of length n, was removed.
func (ix *Index) LineDeleted(lnum, n int) {
	if !ix.built {
		return
	}
	i, _ := ix.find(lnum)
	c := &ix.chunks[i]
	c.lines--
	c.size -= int64(n) + 1
	if c.lines == 0 {
		ix.chunks = append(ix.chunks[:i], ix.chunks[i+1:]...)
		return
	}
	if ix.tooSmall(c.lines) {
		c.stale = true
	}
}

// LinesInsertedOrRemoved records that delta lines were inserted (delta > 0)
// or removed (delta < 0) starting at line at, without their sizes. The
// chunks involved are recomputed on the next query.
func (ix *Index) LinesInsertedOrRemoved(at, delta int) {
	if !ix.built || delta == 0 {
		return
	}
	i, start := ix.find(at)
	if delta > 0 {
		ix.chunks[i].lines += delta
		ix.chunks[i].stale = true
		return
	}

	remove := -delta
	// Lines of chunk i before at are kept.
	keep := at - start
	for remove > 0 && i < len(ix.chunks) {
		c := &ix.chunks[i]
		n := min(remove, c.lines-keep)
		c.lines -= n
		c.stale = true
		remove -= n
		keep = 0
		if c.lines == 0 {
			ix.chunks = append(ix.chunks[:i], ix.chunks[i+1:]...)
			continue
		}
		i++
	}
}

func (ix *Index) tooBig(lines int) bool {
	return float64(lines) > float64(ix.target)*(1+ix.tolerance)
}

func (ix *Index) tooSmall(lines int) bool {
	return float64(lines) < float64(ix.target)*(1-ix.tolerance)
}

// find returns the chunk holding lnum and the chunk's first line. A line
// past the end maps to the last chunk.
func (ix *Index) find(lnum int) (int, int) {
	start := 1
	for i, c := range ix.chunks {
		if lnum < start+c.lines || i == len(ix.chunks)-1 {
			return i, start
		}
		start += c.lines
	}
	return 0, 1
}

func (ix *Index) ensureBuilt() error {
	if ix.built {
		return nil
	}
	return ix.build()
}

func (ix *Index) build() error {
	lines := ix.src.Lines()
	ix.chunks = ix.chunks[:0]
	for start := 1; start <= lines; start += ix.target {
		n := min(ix.target, lines-start+1)
		size, err := ix.measure(start, n)
		if err != nil {
			ix.Invalidate()
			return err
		}
		ix.chunks = append(ix.chunks, chunk{lines: n, size: size})
	}
	ix.built = true
	return nil
}

func (ix *Index) measure(start, n int) (int64, error) {
	var size int64
	for l := start; l < start+n; l++ {
		ln, err := ix.src.LineLen(l)
		if err != nil {
			return 0, err
		}
		size += int64(ln) + 1
	}
	return size, nil
}

// refresh recomputes and reshapes stale chunks up to and including chunk
// upTo, or all of them when upTo is negative.
func (ix *Index) refresh(upTo int) error {
	if err := ix.ensureBuilt(); err != nil {
		return err
	}
	if upTo < 0 || upTo >= len(ix.chunks) {
		upTo = len(ix.chunks) - 1
	}

	start := 1
	var out []chunk
	changed := false
	for i, c := range ix.chunks {
		if i > upTo || !c.stale {
			out = append(out, c)
			start += c.lines
			continue
		}
		changed = true

		// A small chunk is merged into the one before it.
		lines := c.lines
		if ix.tooSmall(lines) && len(out) > 0 {
			prev := out[len(out)-1]
			out = out[:len(out)-1]
			start -= prev.lines
			lines += prev.lines
		}
		for lines > 0 {
			n := lines
			if ix.tooBig(n) {
				n = ix.target
			}
			size, err := ix.measure(start, n)
			if err != nil {
				return err
			}
			out = append(out, chunk{lines: n, size: size})
			start += n
			lines -= n
		}
	}
	if changed {
		ix.chunks = out
	}
	return nil
}
