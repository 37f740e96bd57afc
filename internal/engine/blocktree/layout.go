package blocktree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dshills/memline/internal/engine/page"
)

// ErrBadBlock indicates bytes that do not decode as a tree block.
var ErrBadBlock = errors.New("malformed tree block")

// Kind identifies the type of a block from its first two bytes.
type Kind uint16

// Block kinds.
const (
	KindUnknown Kind = 0
	KindData    Kind = 'd'<<8 | 'a'
	KindPointer Kind = 'p'<<8 | 't'
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindPointer:
		return "pointer"
	default:
		return "unknown"
	}
}

// KindOf returns the kind recorded at the start of a block.
func KindOf(data []byte) Kind {
	if len(data) < 2 {
		return KindUnknown
	}
	switch k := Kind(binary.LittleEndian.Uint16(data)); k {
	case KindData, KindPointer:
		return k
	}
	return KindUnknown
}

// Data block layout:
//
//	0  kind       u16
//	2  reserved   u16
//	4  lineCount  u32
//	8  txtStart   u32  lowest byte used by text
//	12 txtEnd     u32  one past the highest byte used by text
//	16 index      u32 per line, start offset of the line's text
//
// Text grows down from txtEnd; line 0 is stored highest. Line i occupies
// [index[i], index[i-1]) with index[-1] == txtEnd.
const (
	dataHeaderSize = 16
	dataIndexSize  = 4
)

type dataBlock []byte

func initData(d []byte) dataBlock {
	clear(d)
	b := dataBlock(d)
	binary.LittleEndian.PutUint16(b[0:], uint16(KindData))
	b.setTxtStart(len(d))
	b.setTxtEnd(len(d))
	return b
}

func (d dataBlock) count() int { return int(binary.LittleEndian.Uint32(d[4:])) }
func (d dataBlock) setCount(n int) { binary.LittleEndian.PutUint32(d[4:], uint32(n)) }
func (d dataBlock) txtStart() int { return int(binary.LittleEndian.Uint32(d[8:])) }
func (d dataBlock) setTxtStart(n int) { binary.LittleEndian.PutUint32(d[8:], uint32(n)) }
func (d dataBlock) txtEnd() int { return int(binary.LittleEndian.Uint32(d[12:])) }
func (d dataBlock) setTxtEnd(n int) { binary.LittleEndian.PutUint32(d[12:], uint32(n)) }
func (d dataBlock) idx(i int) int { return int(binary.LittleEndian.Uint32(d[dataHeaderSize+i*dataIndexSize:])) }
func (d dataBlock) setIdx(i int, v int) { binary.LittleEndian.PutUint32(d[dataHeaderSize+i*dataIndexSize:], uint32(v)) }

// end returns the offset one past the text of line i.
func (d dataBlock) end(i int) int {
	if i == 0 {
		return d.txtEnd()
	}
	return d.idx(i - 1)
}

func (d dataBlock) line(i int) []byte {
	return d[d.idx(i):d.end(i)]
}

func (d dataBlock) free() int {
	return d.txtStart() - dataHeaderSize - d.count()*dataIndexSize
}

// insert places text as line pos, shifting later lines down.
// The caller checks free space first.
func (d dataBlock) insert(pos int, text []byte) {
	n := d.count()
	l := len(text)
	ts := d.txtStart()
	end := d.end(pos)

	copy(d[ts-l:end-l], d[ts:end])
	copy(d[end-l:end], text)

	for i := n; i > pos; i-- {
		d.setIdx(i, d.idx(i-1)-l)
	}
	d.setIdx(pos, end-l)
	d.setTxtStart(ts - l)
	d.setCount(n + 1)
}

// remove drops line pos, moving later lines up.
func (d dataBlock) remove(pos int) {
	n := d.count()
	ts := d.txtStart()
	start := d.idx(pos)
	end := d.end(pos)
	l := end - start

	copy(d[ts+l:end], d[ts:start])

	for i := pos; i < n-1; i++ {
		d.setIdx(i, d.idx(i+1)+l)
	}
	d.setIdx(n-1, 0)
	d.setTxtStart(ts + l)
	d.setCount(n - 1)
}

// DecodeData validates a data block and returns copies of its lines.
func DecodeData(data []byte) ([][]byte, error) {
	if KindOf(data) != KindData || len(data) < dataHeaderSize {
		return nil, fmt.Errorf("%w: not a data block", ErrBadBlock)
	}
	d := dataBlock(data)
	n := d.count()
	ts, te := d.txtStart(), d.txtEnd()
	if te > len(d) || ts > te || dataHeaderSize+n*dataIndexSize > ts {
		return nil, fmt.Errorf("%w: data block bounds (count=%d start=%d end=%d)", ErrBadBlock, n, ts, te)
	}

	lines := make([][]byte, n)
	prev := te
	for i := 0; i < n; i++ {
		start := d.idx(i)
		if start < ts || start > prev {
			return nil, fmt.Errorf("%w: line %d index %d out of order", ErrBadBlock, i, start)
		}
		lines[i] = append([]byte(nil), d[start:prev]...)
		prev = start
	}
	if prev != ts {
		return nil, fmt.Errorf("%w: text start mismatch", ErrBadBlock)
	}
	return lines, nil
}

// Pointer block layout:
//
//	0  kind      u16
//	2  count     u16
//	4  reserved  u32
//	8  entries   entrySize bytes each
//
// Entry layout:
//
//	0  ref kind  u8  1 assigned, 2 placeholder
//	4  pages     u32
//	8  num       u64 page number or placeholder serial
//	16 lines     u64
//	24 offset    u64 original file extent, placeholders only
//	32 length    u64
const (
	pointerHeaderSize = 8
	entrySize         = 40

	entryAssigned    = 1
	entryPlaceholder = 2
)

// Entry is one child of a pointer block.
type Entry struct {
	Ref   page.Ref
	Pages int
	Lines int
}

// MaxEntries returns how many entries fit in a pointer block of the given page size.
func MaxEntries(pageSize int) int {
	return (pageSize - pointerHeaderSize) / entrySize
}

type pointerBlock []byte

func initPointer(d []byte) pointerBlock {
	clear(d)
	p := pointerBlock(d)
	binary.LittleEndian.PutUint16(p[0:], uint16(KindPointer))
	return p
}

func (p pointerBlock) count() int { return int(binary.LittleEndian.Uint16(p[2:])) }
func (p pointerBlock) setCount(n int) { binary.LittleEndian.PutUint16(p[2:], uint16(n)) }

func (p pointerBlock) entry(i int) Entry {
	e := p[pointerHeaderSize+i*entrySize:]
	num := binary.LittleEndian.Uint64(e[8:])
	var ref page.Ref
	switch e[0] {
	case entryAssigned:
		ref = page.Assigned(num)
	case entryPlaceholder:
		ref = page.Unassigned(num, page.Extent{
			Offset: int64(binary.LittleEndian.Uint64(e[24:])),
			Length: int64(binary.LittleEndian.Uint64(e[32:])),
		})
	}
	return Entry{
		Ref:   ref,
		Pages: int(binary.LittleEndian.Uint32(e[4:])),
		Lines: int(binary.LittleEndian.Uint64(e[16:])),
	}
}

func (p pointerBlock) setEntry(i int, en Entry) {
	e := p[pointerHeaderSize+i*entrySize : pointerHeaderSize+(i+1)*entrySize]
	clear(e)
	switch {
	case en.Ref.IsAssigned():
		e[0] = entryAssigned
	case en.Ref.IsPlaceholder():
		e[0] = entryPlaceholder
		orig, _ := en.Ref.Original()
		binary.LittleEndian.PutUint64(e[24:], uint64(orig.Offset))
		binary.LittleEndian.PutUint64(e[32:], uint64(orig.Length))
	}
	binary.LittleEndian.PutUint32(e[4:], uint32(en.Pages))
	binary.LittleEndian.PutUint64(e[8:], en.Ref.Num())
	binary.LittleEndian.PutUint64(e[16:], uint64(en.Lines))
}

func (p pointerBlock) entries() []Entry {
	n := p.count()
	es := make([]Entry, n)
	for i := range es {
		es[i] = p.entry(i)
	}
	return es
}

func (p pointerBlock) setEntries(es []Entry) {
	clear(p[pointerHeaderSize:])
	for i, e := range es {
		p.setEntry(i, e)
	}
	p.setCount(len(es))
}

// DecodePointer validates a pointer block and returns its entries.
func DecodePointer(data []byte) ([]Entry, error) {
	if KindOf(data) != KindPointer || len(data) < pointerHeaderSize {
		return nil, fmt.Errorf("%w: not a pointer block", ErrBadBlock)
	}
	p := pointerBlock(data)
	n := p.count()
	if pointerHeaderSize+n*entrySize > len(data) {
		return nil, fmt.Errorf("%w: %d entries overflow block", ErrBadBlock, n)
	}
	es := p.entries()
	for i, e := range es {
		if e.Ref.IsZero() || e.Pages < 1 || e.Lines < 1 {
			return nil, fmt.Errorf("%w: entry %d invalid", ErrBadBlock, i)
		}
	}
	return es, nil
}
