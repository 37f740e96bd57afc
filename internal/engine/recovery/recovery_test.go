package recovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dshills/memline/internal/engine/blocktree"
	"github.com/dshills/memline/internal/engine/page"
	"github.com/dshills/memline/internal/vfs"
)

const testPageSize = 1024

type session struct {
	store *page.Store
	tree  *blocktree.Tree
	mgr   *Manager
	orig  string
	swap  string
}

func numberedLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("original line %04d", i+1)
	}
	return lines
}

// newSession writes lines to an original file and loads it into a store
// attached to a fresh backing file, the way a document open does.
func newSession(t *testing.T, lines []string) *session {
	t.Helper()
	dir := t.TempDir()
	s := &session{
		orig: filepath.Join(dir, "doc.txt"),
		swap: filepath.Join(dir, "doc.txt.swp"),
	}
	require.NoError(t, os.WriteFile(s.orig, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	store, err := page.New(testPageSize)
	require.NoError(t, err)
	require.NoError(t, store.Attach(s.swap))
	t.Cleanup(func() { _ = store.Close() })
	s.store = store

	b, err := blocktree.NewBuilder(store, true, nil)
	require.NoError(t, err)
	var off int64
	for _, l := range lines {
		span := page.Extent{Offset: off, Length: int64(len(l)) + 1}
		b.Add([]byte(l), span)
		off = span.End()
	}
	s.tree = b.Finish()

	id, err := Identify(vfs.NewOSFS(), s.orig)
	require.NoError(t, err)
	s.mgr = NewManager(store, nil, nil)
	require.NoError(t, s.mgr.Init(&id))
	return s
}

func recoverLines(t *testing.T, path string, opts ...RecoverOption) ([]string, *Report, error) {
	t.Helper()
	var got []string
	rep, err := Recover(path, func(line []byte) { got = append(got, string(line)) }, opts...)
	return got, rep, err
}

func TestHeaderEncodeDecode(t *testing.T) {
	h := Header{
		Version:  FormatVersion,
		PageSize: testPageSize,
		Session:  uuid.New(),
		Created:  time.Unix(1700000000, 123),
		PID:      4242,
		Host:     "builder",
		Flags:    FlagModified,
		Original: Identity{
			Path:    "/home/user/notes.txt",
			Size:    99,
			ModTime: time.Unix(1700000100, 0),
			Hash:    [32]byte{1, 2, 3},
		},
	}
	buf := make([]byte, testPageSize)
	require.NoError(t, h.Encode(buf))

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	if diff := cmp.Diff(h, got); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}

	buf[offOrigSize] ^= 0xff
	_, err = DecodeHeader(buf)
	require.ErrorIs(t, err, ErrUnrecognizedFormat)
}

func TestHeaderTruncatesLongPath(t *testing.T) {
	h := Header{
		Version:  FormatVersion,
		PageSize: page.MinPageSize,
		Original: Identity{Path: "/" + strings.Repeat("d", 200)},
	}
	buf := make([]byte, page.MinPageSize)
	require.NoError(t, h.Encode(buf))

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.True(t, got.Flags.Has(FlagPathTruncated))
	require.Len(t, got.Original.Path, page.MinPageSize-offPath)
}

func TestRecoverPreservedWithoutOriginal(t *testing.T) {
	lines := numberedLines(200)
	s := newSession(t, lines)

	var tr blocktree.Trail
	require.NoError(t, s.tree.Replace(&tr, 3, []byte("edited")))
	require.NoError(t, s.tree.Insert(&tr, 150, []byte("inserted")))
	want := append([]string(nil), lines...)
	want[2] = "edited"
	want = append(want[:150], append([]string{"inserted"}, want[150:]...)...)

	n, err := s.mgr.Preserve(s.tree, true)
	require.NoError(t, err)
	require.Positive(t, n)
	require.NoError(t, s.tree.Verify())
	require.NoError(t, s.store.Close())

	require.NoError(t, os.Remove(s.orig))

	got, rep, err := recoverLines(t, s.swap)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("recovered lines mismatch (-want +got):\n%s", diff)
	}
	require.Zero(t, rep.LostLines)
	require.Zero(t, rep.FromOriginal)
	require.True(t, rep.Header.Flags.Has(FlagPreserved))
	require.Equal(t, s.mgr.Header().Session, rep.Header.Session)
}

func TestRecoverReadsUnflushedBlocksFromOriginal(t *testing.T) {
	lines := numberedLines(200)
	s := newSession(t, lines)

	var tr blocktree.Trail
	require.NoError(t, s.tree.Replace(&tr, 1, []byte("first")))
	require.NoError(t, s.store.FlushAll(true))
	require.NoError(t, s.store.Close())

	want := append([]string{"first"}, lines[1:]...)
	got, rep, err := recoverLines(t, s.swap)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("recovered lines mismatch (-want +got):\n%s", diff)
	}
	require.Positive(t, rep.FromOriginal)
	require.False(t, rep.OriginalChanged)
	require.Zero(t, rep.CountMismatches)
}

func TestRecoverPartialWhenOriginalGone(t *testing.T) {
	lines := numberedLines(200)
	s := newSession(t, lines)

	var tr blocktree.Trail
	require.NoError(t, s.tree.Replace(&tr, 1, []byte("first")))
	leaf := tr.Steps()[len(tr.Steps())-1]
	kept := leaf.High - leaf.Low + 1

	require.NoError(t, s.store.FlushAll(true))
	require.NoError(t, s.store.Close())
	require.NoError(t, os.Remove(s.orig))

	got, rep, err := recoverLines(t, s.swap)
	require.NoError(t, err)
	require.Equal(t, "first", got[0])
	require.Equal(t, lines[1:kept], got[1:kept])
	require.Equal(t, len(lines)-kept, rep.LostLines)
	require.Equal(t, rep.LostBlocks, len(got)-kept)
	for _, l := range got[kept:] {
		require.Equal(t, LinesMissing, l)
	}
	require.True(t, rep.OriginalChanged)
}

func TestRecoverOriginalEditedAfterCrash(t *testing.T) {
	lines := numberedLines(40)
	s := newSession(t, lines)
	require.NoError(t, s.store.FlushAll(true))
	require.NoError(t, s.store.Close())

	later := time.Now().Add(time.Hour)
	require.NoError(t, os.WriteFile(s.orig, []byte(strings.Repeat("zz\n", 400)), 0o644))
	require.NoError(t, os.Chtimes(s.orig, later, later))

	got, rep, err := recoverLines(t, s.swap)
	require.NoError(t, err)
	require.True(t, rep.OriginalChanged)
	require.Equal(t, 1, rep.CountMismatches)
	require.NotEqual(t, lines, got)
}

func TestRecoverRefusesLiveSession(t *testing.T) {
	s := newSession(t, numberedLines(3))
	require.NoError(t, s.store.FlushAll(false))

	_, _, err := recoverLines(t, s.swap)
	require.ErrorIs(t, err, page.ErrLocked)
}

func TestRecoverRejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.swp")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("junk", 1024)), 0o600))

	_, _, err := recoverLines(t, path)
	require.ErrorIs(t, err, ErrUnrecognizedFormat)

	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, "recover", rerr.Op)
}

func TestRecoverWithOriginalOverride(t *testing.T) {
	lines := numberedLines(30)
	s := newSession(t, lines)
	require.NoError(t, s.store.FlushAll(true))
	require.NoError(t, s.store.Close())

	moved := s.orig + ".moved"
	require.NoError(t, os.Rename(s.orig, moved))

	got, rep, err := recoverLines(t, s.swap, WithOriginalPath(moved))
	require.NoError(t, err)
	require.Equal(t, lines, got)
	require.Equal(t, moved, rep.OriginalPath)
}

func TestVerifyAgainstOriginal(t *testing.T) {
	mem := vfs.NewMemFS()
	mem.AddFile("/src/a.txt", "one\ntwo\n")

	store, err := page.New(testPageSize)
	require.NoError(t, err)
	id, err := Identify(mem, "/src/a.txt")
	require.NoError(t, err)

	m := NewManager(store, mem, nil)
	require.NoError(t, m.Init(&id))
	require.NoError(t, m.Verify())

	require.NoError(t, mem.SetModTime("/src/a.txt", id.ModTime.Add(time.Second)))
	err = m.Verify()
	require.ErrorIs(t, err, ErrOriginalFileChanged)

	require.NoError(t, m.Timestamp(""))
	require.NoError(t, m.Verify())

	require.NoError(t, mem.Remove("/src/a.txt"))
	require.ErrorIs(t, m.Verify(), ErrOriginalFileChanged)
}

func TestManagerFlags(t *testing.T) {
	store, err := page.New(testPageSize)
	require.NoError(t, err)
	m := NewManager(store, vfs.NewMemFS(), nil)
	require.NoError(t, m.Init(nil))
	require.True(t, m.Header().Flags.Has(FlagNoOriginal))
	require.NoError(t, m.Verify())
	require.ErrorIs(t, m.Timestamp(""), ErrNoOriginal)

	require.NoError(t, m.SetModified(true))
	h, err := DecodeHeader(store.Header().Data())
	require.NoError(t, err)
	require.True(t, h.Flags.Has(FlagModified))
	require.True(t, store.Header().Dirty())

	require.NoError(t, m.SetModified(false))
	h, err = DecodeHeader(store.Header().Data())
	require.NoError(t, err)
	require.False(t, h.Flags.Has(FlagModified))

	require.NoError(t, m.SetEmpty(true))
	h, err = DecodeHeader(store.Header().Data())
	require.NoError(t, err)
	require.True(t, h.Flags.Has(FlagEmpty))
	require.True(t, h.Flags.Has(FlagNoOriginal))

	require.NoError(t, m.SetEmpty(false))
	h, err = DecodeHeader(store.Header().Data())
	require.NoError(t, err)
	require.False(t, h.Flags.Has(FlagEmpty))
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", []string{""}},
		{"\n", []string{""}},
		{"a\nb\n", []string{"a", "b"}},
		{"a\nb", []string{"a", "b"}},
		{"a\n\n", []string{"a", ""}},
	}
	for _, tt := range tests {
		var got []string
		for _, l := range SplitLines([]byte(tt.in)) {
			got = append(got, string(l))
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("SplitLines(%q) (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestListRecoverable(t *testing.T) {
	live := newSession(t, numberedLines(5))
	require.NoError(t, live.store.FlushAll(true))

	dead := newSession(t, numberedLines(5))
	require.NoError(t, dead.store.FlushAll(true))
	require.NoError(t, dead.store.Close())

	dir := t.TempDir()
	liveCopy := filepath.Join(dir, "a.swp")
	deadCopy := filepath.Join(dir, "b.swp")
	require.NoError(t, os.Link(live.swap, liveCopy))
	require.NoError(t, copyFile(dead.swap, deadCopy))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.swp"), []byte("nope"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))

	sessions, err := ListRecoverable(dir, ListOptions{Suffix: ".swp"})
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	byPath := map[string]Session{}
	for _, s := range sessions {
		require.NoError(t, s.Err)
		byPath[s.Path] = s
	}
	require.True(t, byPath[liveCopy].InUse)
	require.True(t, byPath[liveCopy].ProcessRunning)
	require.False(t, byPath[deadCopy].InUse)

	only, err := ListRecoverable(dir, ListOptions{Suffix: ".swp", Original: dead.orig})
	require.NoError(t, err)
	require.Len(t, only, 1)
	require.Equal(t, deadCopy, only[0].Path)

	_, err = ListRecoverable(filepath.Join(dir, "missing"), ListOptions{})
	require.Error(t, err)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

func TestWatcherReportsChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched.txt")
	require.NoError(t, os.WriteFile(path, []byte("a\n"), 0o644))

	w, err := NewWatcher(20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Add(path))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("b\n"), 0o644))

	select {
	case got := <-w.Changes():
		require.Equal(t, path, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	require.NoError(t, w.Remove(path))
	require.NoError(t, w.Close())
	require.ErrorIs(t, w.Add(path), ErrWatcherClosed)
}

func TestErrorWrapping(t *testing.T) {
	err := &Error{Op: "verify", Path: "/x", Err: ErrOriginalFileChanged}
	if !errors.Is(err, ErrOriginalFileChanged) {
		t.Errorf("Error should unwrap to its cause")
	}
	if got := err.Error(); got != "verify /x: original file changed on disk" {
		t.Errorf("Error() = %q", got)
	}
}
