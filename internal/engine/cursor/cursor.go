package cursor

import "fmt"

// Position is a location in a document. Line is 1-based; Col is a byte
// offset into the line; ColAdd is a virtual column offset past Col.
// Position is a value type.
type Position struct {
	Line   int
	Col    int
	ColAdd int
}

// At returns the position at line and col.
func At(line, col int) Position {
	return Position{Line: line, Col: col}
}

// String returns a string representation of the position.
func (p Position) String() string {
	if p.ColAdd != 0 {
		return fmt.Sprintf("%d:%d+%d", p.Line, p.Col, p.ColAdd)
	}
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// Compare returns -1 if p < other, 0 if p == other, 1 if p > other.
func (p Position) Compare(other Position) int {
	switch {
	case p.Line != other.Line:
		return sign(p.Line - other.Line)
	case p.Col != other.Col:
		return sign(p.Col - other.Col)
	default:
		return sign(p.ColAdd - other.ColAdd)
	}
}

// Before returns true if p is before other.
func (p Position) Before(other Position) bool {
	return p.Compare(other) < 0
}

// After returns true if p is after other.
func (p Position) After(other Position) bool {
	return p.Compare(other) > 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}
