package blocktree

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/memline/internal/engine/page"
)

func TestDataBlockInsertRemove(t *testing.T) {
	d := initData(make([]byte, page.MinPageSize))

	d.insert(0, []byte("bb"))
	d.insert(0, []byte("a"))
	d.insert(2, []byte("dddd"))
	d.insert(2, []byte("ccc"))

	got, err := DecodeData(d)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	want := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc"), []byte("dddd")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("lines mismatch (-want +got):\n%s", diff)
	}

	free := d.free()
	d.remove(1)
	if d.free() != free+2+dataIndexSize {
		t.Errorf("free() = %d after remove, want %d", d.free(), free+2+dataIndexSize)
	}

	got, err = DecodeData(d)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	want = [][]byte{[]byte("a"), []byte("ccc"), []byte("dddd")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("lines mismatch after remove (-want +got):\n%s", diff)
	}
}

func TestPointerEntriesEncodeRefs(t *testing.T) {
	p := initPointer(make([]byte, page.MinPageSize))
	es := []Entry{
		{Ref: page.Assigned(7), Pages: 1, Lines: 30},
		{Ref: page.Unassigned(2, page.Extent{Offset: 120, Length: 64}), Pages: 2, Lines: 5},
	}
	p.setEntries(es)

	got, err := DecodePointer(p)
	if err != nil {
		t.Fatalf("DecodePointer: %v", err)
	}
	if diff := cmp.Diff(es, got, cmp.Comparer(func(a, b page.Ref) bool { return a == b })); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := DecodeData(make([]byte, 64)); !errors.Is(err, ErrBadBlock) {
		t.Errorf("DecodeData(zero): expected ErrBadBlock, got %v", err)
	}
	if _, err := DecodePointer(make([]byte, 64)); !errors.Is(err, ErrBadBlock) {
		t.Errorf("DecodePointer(zero): expected ErrBadBlock, got %v", err)
	}

	d := initData(make([]byte, page.MinPageSize))
	d.insert(0, []byte("x"))
	d.setTxtEnd(page.MinPageSize * 2)
	if _, err := DecodeData(d); !errors.Is(err, ErrBadBlock) {
		t.Errorf("DecodeData(bad bounds): expected ErrBadBlock, got %v", err)
	}

	p := initPointer(make([]byte, page.MinPageSize))
	p.setCount(200)
	if _, err := DecodePointer(p); !errors.Is(err, ErrBadBlock) {
		t.Errorf("DecodePointer(overflow): expected ErrBadBlock, got %v", err)
	}

	if KindOf([]byte{1}) != KindUnknown {
		t.Errorf("KindOf(short) should be unknown")
	}
}
