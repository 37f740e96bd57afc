package page

import "fmt"

// Extent is a byte range of the original source file.
type Extent struct {
	Offset int64
	Length int64
}

// End returns the offset one past the last byte of the extent.
func (e Extent) End() int64 {
	return e.Offset + e.Length
}

type refKind uint8

const (
	refNone refKind = iota
	refAssigned
	refUnassigned
)

// Ref identifies a block.
//
// The zero Ref identifies nothing. Assigned refs carry the page number the
// block starts at; unassigned refs carry a placeholder serial and the extent
// of the original file the block mirrors.
type Ref struct {
	kind refKind
	num  uint64
	orig Extent
}

// Assigned returns a ref to the block starting at page num.
func Assigned(num uint64) Ref {
	return Ref{kind: refAssigned, num: num}
}

// Unassigned returns a placeholder ref for a block mirroring orig.
func Unassigned(serial uint64, orig Extent) Ref {
	return Ref{kind: refUnassigned, num: serial, orig: orig}
}

// IsZero reports whether r identifies no block.
func (r Ref) IsZero() bool {
	return r.kind == refNone
}

// IsAssigned reports whether r names a real page.
func (r Ref) IsAssigned() bool {
	return r.kind == refAssigned
}

// IsPlaceholder reports whether r is an unassigned placeholder.
func (r Ref) IsPlaceholder() bool {
	return r.kind == refUnassigned
}

// Num returns the page number of an assigned ref or the serial of a placeholder.
func (r Ref) Num() uint64 {
	return r.num
}

// Original returns the original-file extent of a placeholder.
func (r Ref) Original() (Extent, bool) {
	if r.kind != refUnassigned {
		return Extent{}, false
	}
	return r.orig, true
}

// String returns a short human-readable form: "#12" or "~3@100+40".
func (r Ref) String() string {
	switch r.kind {
	case refAssigned:
		return fmt.Sprintf("#%d", r.num)
	case refUnassigned:
		return fmt.Sprintf("~%d@%d+%d", r.num, r.orig.Offset, r.orig.Length)
	default:
		return "<nil>"
	}
}
