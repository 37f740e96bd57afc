package chunk

import (
	"errors"
	"math/rand"
	"strings"
	"testing"
)

type fakeSource struct {
	lines []string
	reads int
}

func (f *fakeSource) Lines() int { return len(f.lines) }

func (f *fakeSource) LineLen(lnum int) (int, error) {
	f.reads++
	if lnum < 1 || lnum > len(f.lines) {
		return 0, ErrLineOutOfRange
	}
	return len(f.lines[lnum-1]), nil
}

// offsets computes expected byte offsets by brute force.
func (f *fakeSource) offset(lnum int) int64 {
	var off int64
	for _, l := range f.lines[:lnum-1] {
		off += int64(len(l)) + 1
	}
	return off
}

func TestByteOffsetAndLineAt(t *testing.T) {
	src := &fakeSource{lines: []string{"a", "bb", "", "dddd"}}
	ix := New(src, WithTarget(2))

	tests := []struct {
		lnum int
		off  int64
	}{
		{1, 0}, {2, 2}, {3, 5}, {4, 6}, {5, 11},
	}
	for _, tt := range tests {
		got, err := ix.ByteOffset(tt.lnum)
		if err != nil {
			t.Fatalf("ByteOffset(%d): %v", tt.lnum, err)
		}
		if got != tt.off {
			t.Errorf("ByteOffset(%d) = %d, want %d", tt.lnum, got, tt.off)
		}
	}

	lineTests := []struct {
		off  int64
		lnum int
		rem  int64
	}{
		{0, 1, 0}, {1, 1, 1}, {2, 2, 0}, {4, 2, 2}, {5, 3, 0}, {6, 4, 0}, {10, 4, 4},
	}
	for _, tt := range lineTests {
		lnum, rem, err := ix.LineAt(tt.off)
		if err != nil {
			t.Fatalf("LineAt(%d): %v", tt.off, err)
		}
		if lnum != tt.lnum || rem != tt.rem {
			t.Errorf("LineAt(%d) = (%d, %d), want (%d, %d)", tt.off, lnum, rem, tt.lnum, tt.rem)
		}
	}

	if _, _, err := ix.LineAt(11); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("LineAt(11): expected ErrOffsetOutOfRange, got %v", err)
	}
	if _, _, err := ix.LineAt(-1); !errors.Is(err, ErrOffsetOutOfRange) {
		t.Errorf("LineAt(-1): expected ErrOffsetOutOfRange, got %v", err)
	}
	if _, err := ix.ByteOffset(0); !errors.Is(err, ErrLineOutOfRange) {
		t.Errorf("ByteOffset(0): expected ErrLineOutOfRange, got %v", err)
	}
}

func TestBuildIsLazy(t *testing.T) {
	src := &fakeSource{lines: []string{"x", "y"}}
	ix := New(src)
	ix.LineChanged(1, 1, 5)
	if src.reads != 0 {
		t.Errorf("index read %d lines before any query", src.reads)
	}
}

func TestIncrementalUpdatesStayExact(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	src := &fakeSource{lines: []string{""}}
	ix := New(src, WithTarget(16), WithTolerance(0.25))

	for step := 0; step < 3000; step++ {
		switch op := rng.Intn(3); {
		case op == 0 || len(src.lines) < 2:
			at := rng.Intn(len(src.lines)) + 1
			text := strings.Repeat("z", rng.Intn(20))
			src.lines = append(src.lines[:at-1], append([]string{text}, src.lines[at-1:]...)...)
			ix.LineInserted(at, len(text))
		case op == 1:
			at := rng.Intn(len(src.lines)) + 1
			n := len(src.lines[at-1])
			src.lines = append(src.lines[:at-1], src.lines[at:]...)
			ix.LineDeleted(at, n)
		default:
			at := rng.Intn(len(src.lines)) + 1
			old := len(src.lines[at-1])
			src.lines[at-1] = strings.Repeat("q", rng.Intn(30))
			ix.LineChanged(at, old, len(src.lines[at-1]))
		}

		if step%97 == 0 {
			lnum := rng.Intn(len(src.lines)) + 1
			got, err := ix.ByteOffset(lnum)
			if err != nil {
				t.Fatalf("step %d ByteOffset(%d): %v", step, lnum, err)
			}
			if want := src.offset(lnum); got != want {
				t.Fatalf("step %d ByteOffset(%d) = %d, want %d", step, lnum, got, want)
			}
		}
	}

	n, err := ix.Chunks()
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Errorf("expected chunks after edits")
	}
	for lnum := 1; lnum <= len(src.lines); lnum++ {
		got, err := ix.ByteOffset(lnum)
		if err != nil {
			t.Fatal(err)
		}
		if want := src.offset(lnum); got != want {
			t.Fatalf("ByteOffset(%d) = %d, want %d", lnum, got, want)
		}
	}
}

func TestBulkChangeRecomputesBeforeAnswering(t *testing.T) {
	src := &fakeSource{}
	for i := 0; i < 100; i++ {
		src.lines = append(src.lines, "0123456789")
	}
	ix := New(src, WithTarget(10))
	if _, err := ix.Size(); err != nil {
		t.Fatal(err)
	}

	// Drop lines 5..34 and insert 3 longer ones at 50, reporting counts only.
	src.lines = append(src.lines[:4], src.lines[34:]...)
	ix.LinesInsertedOrRemoved(5, -30)
	extra := []string{strings.Repeat("x", 50), "", "y"}
	src.lines = append(src.lines[:49], append(extra, src.lines[49:]...)...)
	ix.LinesInsertedOrRemoved(50, 3)

	size, err := ix.Size()
	if err != nil {
		t.Fatal(err)
	}
	if want := src.offset(len(src.lines)) + int64(len(src.lines[len(src.lines)-1])) + 1; size != want {
		t.Errorf("Size() = %d, want %d", size, want)
	}
	for _, lnum := range []int{1, 5, 49, 50, 51, 52, 53, len(src.lines)} {
		got, err := ix.ByteOffset(lnum)
		if err != nil {
			t.Fatal(err)
		}
		if want := src.offset(lnum); got != want {
			t.Errorf("ByteOffset(%d) = %d, want %d", lnum, got, want)
		}
	}
}
