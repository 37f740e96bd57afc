package cursor

import (
	"errors"

	"github.com/rivo/uniseg"
)

// Step is the outcome of a single move.
type Step int

const (
	// Stuck means the position could not move.
	Stuck Step = -1
	// Moved means the position moved within its line and a character
	// follows.
	Moved Step = 0
	// NextLine means the position crossed to an adjacent line.
	NextLine Step = 1
	// LineEnd means the position reached the terminating position of its
	// line.
	LineEnd Step = 2
)

func (s Step) String() string {
	switch s {
	case Stuck:
		return "stuck"
	case Moved:
		return "moved"
	case NextLine:
		return "next-line"
	case LineEnd:
		return "line-end"
	}
	return "unknown"
}

// ErrEmptyDocument is returned by GotoByte for a document without bytes.
var ErrEmptyDocument = errors.New("document is empty")

// Lines gives read access to the lines of a document. The slice returned
// by Line only needs to stay valid until the next call.
type Lines interface {
	LineCount() int
	Line(n int) []byte
}

// Advance moves p forward by one character. At the terminating position
// of a line it moves to the start of the next line. ColAdd is reset.
func Advance(src Lines, p *Position) Step {
	line := src.Line(p.Line)
	if p.Col < len(line) {
		p.Col = nextBoundary(line, p.Col)
		p.ColAdd = 0
		if p.Col < len(line) {
			return Moved
		}
		return LineEnd
	}
	if p.Line < src.LineCount() {
		p.Line++
		p.Col = 0
		p.ColAdd = 0
		return NextLine
	}
	return Stuck
}

// Retreat moves p back by one character. At the start of a line it moves
// to the terminating position of the previous line. ColAdd is reset.
func Retreat(src Lines, p *Position) Step {
	p.ColAdd = 0
	if p.Col > 0 {
		line := src.Line(p.Line)
		p.Col = clusterStart(line, min(p.Col, len(line))-1)
		return Moved
	}
	if p.Line > 1 {
		p.Line--
		p.Col = len(src.Line(p.Line))
		return NextLine
	}
	return Stuck
}

// AdvanceSkipNul is Advance that does not stop at the terminating position
// of a non-empty line.
func AdvanceSkipNul(src Lines, p *Position) Step {
	r := Advance(src, p)
	if r >= NextLine && p.Col > 0 {
		r = Advance(src, p)
	}
	return r
}

// RetreatSkipNul is Retreat that does not stop at the terminating position
// of a non-empty line.
func RetreatSkipNul(src Lines, p *Position) Step {
	r := Retreat(src, p)
	if r == NextLine && p.Col > 0 {
		r = Retreat(src, p)
	}
	return r
}

// Snap moves p.Col back to the start of the character it falls in and
// clamps it to the line's terminating position.
func Snap(src Lines, p *Position) {
	line := src.Line(p.Line)
	switch {
	case p.Col >= len(line):
		p.Col = len(line)
	case p.Col < 0:
		p.Col = 0
	default:
		p.Col = clusterStart(line, p.Col)
	}
}

// ByteSource is a document that can map byte offsets to lines.
type ByteSource interface {
	Lines
	LineAt(off int64) (line int, rem int64, err error)
	Size() (int64, error)
}

// GotoByte returns the position of the cnt'th byte of the document,
// counting from 1 with one newline per line. cnt <= 1 is the first byte.
// The column is clamped to the last character of its line, and a count
// past the end lands on the last character of the last line.
func GotoByte(src ByteSource, cnt int64) (Position, error) {
	off := max(cnt-1, 0)
	size, err := src.Size()
	if err != nil {
		return Position{}, err
	}
	if size == 0 {
		return Position{Line: 1}, ErrEmptyDocument
	}

	var p Position
	if off >= size {
		p.Line = src.LineCount()
		p.Col = len(src.Line(p.Line))
	} else {
		lnum, rem, err := src.LineAt(off)
		if err != nil {
			return Position{}, err
		}
		p = Position{Line: lnum, Col: int(rem)}
	}
	lastChar(src, &p)
	return p, nil
}

// lastChar clamps p to the last character of its line, or column 0 on an
// empty line.
func lastChar(src Lines, p *Position) {
	line := src.Line(p.Line)
	if p.Col >= len(line) {
		if len(line) == 0 {
			p.Col = 0
			return
		}
		p.Col = len(line) - 1
	}
	p.Col = clusterStart(line, p.Col)
}

// nextBoundary returns the end of the character containing byte col of
// line.
func nextBoundary(line []byte, col int) int {
	end := 0
	rest := line
	state := -1
	for len(rest) > 0 {
		var cluster []byte
		cluster, rest, _, state = uniseg.FirstGraphemeCluster(rest, state)
		end += len(cluster)
		if end > col {
			return end
		}
	}
	return len(line)
}

// clusterStart returns the start of the character containing byte col of
// line.
func clusterStart(line []byte, col int) int {
	start := 0
	rest := line
	state := -1
	for len(rest) > 0 {
		var cluster []byte
		cluster, rest, _, state = uniseg.FirstGraphemeCluster(rest, state)
		if start+len(cluster) > col {
			return start
		}
		start += len(cluster)
	}
	return start
}
