package vfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMemFSReadAt(t *testing.T) {
	m := NewMemFS()
	m.AddFile("/docs/a.txt", "hello\nworld\n")

	got, err := m.ReadAt("/docs/a.txt", 6, 5)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "world" {
		t.Errorf("ReadAt = %q, want %q", got, "world")
	}

	if _, err := m.ReadAt("/docs/a.txt", 10, 5); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("short ReadAt: expected io.ErrUnexpectedEOF, got %v", err)
	}
	if _, err := m.ReadAt("/docs/missing", 0, 1); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing ReadAt: expected fs.ErrNotExist, got %v", err)
	}
}

func TestMemFSStatAndReadDir(t *testing.T) {
	m := NewMemFS()
	m.AddFile("/d/b.swp", "bb")
	m.AddFile("/d/a.swp", "a")
	m.AddFile("/d/sub/c.swp", "ccc")

	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := m.SetModTime("/d/a.swp", when); err != nil {
		t.Fatal(err)
	}

	info, err := m.Stat("/d/a.swp")
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 1 || !info.ModTime().Equal(when) || !info.IsRegular() {
		t.Errorf("Stat = %+v", info)
	}

	dir, err := m.Stat("/d")
	if err != nil || !dir.IsDir() {
		t.Fatalf("Stat(/d) = %+v, %v", dir, err)
	}

	entries, err := m.ReadDir("/d")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].Name() != "a.swp" || entries[1].Name() != "b.swp" {
		t.Errorf("ReadDir = %+v", entries)
	}

	if err := m.Remove("/d/a.swp"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Stat("/d/a.swp"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Stat after Remove: expected fs.ErrNotExist, got %v", err)
	}
}

func TestOSFSReadAt(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(p, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	fsys := NewOSFS()
	got, err := fsys.ReadAt(p, 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "3456" {
		t.Errorf("ReadAt = %q", got)
	}
	if _, err := fsys.ReadAt(p, 8, 4); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("short ReadAt: expected io.ErrUnexpectedEOF, got %v", err)
	}

	entries, err := fsys.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Path() != p {
		t.Errorf("ReadDir = %+v", entries)
	}
}
