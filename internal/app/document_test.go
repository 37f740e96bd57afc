package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/dshills/memline/internal/config"
	"github.com/dshills/memline/internal/engine"
	"github.com/dshills/memline/internal/engine/recovery"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Swap.Fsync = false
	cfg.Swap.PageSize = 256
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func linesOf(t *testing.T, s *Session) []string {
	t.Helper()
	var out []string
	require.NoError(t, s.View(func(ls *engine.LineStore) error {
		return ls.Walk(func(_ int, line []byte) error {
			out = append(out, string(line))
			return nil
		})
	}))
	return out
}

func appendLine(n int, text string) func(*engine.LineStore) error {
	return func(ls *engine.LineStore) error {
		return ls.AppendAfter(n, []byte(text))
	}
}

func TestSwapName(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "notes.txt")
	cfg := testConfig()

	name, err := SwapName(cfg, doc, "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, ".notes.txt.swp"), name)

	require.NoError(t, os.WriteFile(name, nil, 0o600))
	name, err = SwapName(cfg, doc, "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, ".notes.txt.swo"), name)

	name, err = SwapName(cfg, doc, filepath.Join(dir, ".notes.txt.swo"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, ".notes.txt.swn"), name)

	swapDir := t.TempDir()
	cfg.Swap.Dir = swapDir
	name, err = SwapName(cfg, "/home/user/notes.txt", "")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(swapDir, "%home%user%notes.txt.swp"), name)
}

func TestSwapNameExhausted(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "f")
	for c := 'a'; c <= 'p'; c++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".f.sw"+string(c)), nil, 0o600))
	}
	_, err := SwapName(testConfig(), doc, "")
	require.ErrorIs(t, err, ErrNoSwapName)
}

func TestSessionsOpenEditSave(t *testing.T) {
	path := writeFile(t, "a.txt", "one\ntwo\n")
	m := NewSessions(testConfig())

	s, err := m.Open(path)
	require.NoError(t, err)
	require.Equal(t, "a.txt", s.Name())
	require.False(t, s.IsScratch())
	swap := s.SwapPath()
	require.Equal(t, filepath.Join(filepath.Dir(path), ".a.txt.swp"), swap)
	require.FileExists(t, swap)

	again, err := m.Open(path)
	require.NoError(t, err)
	require.Same(t, s, again)
	require.Equal(t, 1, m.Count())

	require.False(t, s.IsModified())
	require.NoError(t, s.Edit(appendLine(2, "three")))
	require.True(t, s.IsModified())
	require.Len(t, m.Modified(), 1)
	require.NoError(t, s.View(func(ls *engine.LineStore) error {
		require.True(t, ls.Header().Flags.Has(recovery.FlagModified))
		return nil
	}))

	require.NoError(t, s.Save())
	require.False(t, s.IsModified())
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\nthree\n", string(got))

	require.NoError(t, m.Close(s, true))
	require.NoFileExists(t, swap)
	require.Equal(t, 0, m.Count())
	require.ErrorIs(t, s.Edit(appendLine(1, "x")), ErrSessionClosed)
	require.ErrorIs(t, m.Close(s, true), ErrSessionNotFound)
}

func TestSessionsOpenMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.txt")
	m := NewSessions(testConfig())

	s, err := m.Open(path)
	require.NoError(t, err)
	require.Equal(t, []string{""}, linesOf(t, s))

	require.NoError(t, s.Edit(func(ls *engine.LineStore) error {
		return ls.Replace(1, []byte("hello"))
	}))
	require.NoError(t, s.Save())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(got))
	require.NoError(t, s.View(func(ls *engine.LineStore) error {
		hdr := ls.Header()
		require.False(t, hdr.Flags.Has(recovery.FlagNoOriginal))
		require.Equal(t, path, hdr.Original.Path)
		return nil
	}))
	require.NoError(t, m.CloseAll(true))
}

func TestSessionsScratchSaveAs(t *testing.T) {
	m := NewSessions(testConfig())

	first, err := m.NewScratch()
	require.NoError(t, err)
	second, err := m.NewScratch()
	require.NoError(t, err)
	require.Equal(t, "Untitled", first.Name())
	require.Equal(t, "Untitled-2", second.Name())
	require.True(t, first.IsScratch())
	require.Empty(t, first.SwapPath(), "scratch sessions have no backing file without a swap directory")
	require.ErrorIs(t, first.Save(), ErrNoFilePath)

	require.NoError(t, first.Edit(appendLine(1, "kept")))
	path := filepath.Join(t.TempDir(), "saved.txt")
	require.NoError(t, m.SaveAs(first, path))

	require.Equal(t, path, first.Path())
	require.Equal(t, "saved.txt", first.Name())
	got, err := m.Get(path)
	require.NoError(t, err)
	require.Same(t, first, got)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "\nkept\n", string(data))

	require.Error(t, m.SaveAs(second, path), "path is open in another session")
	require.NoError(t, m.CloseAll(true))
}

func TestSessionsScratchWithSwapDir(t *testing.T) {
	cfg := testConfig()
	cfg.Swap.Dir = t.TempDir()
	m := NewSessions(cfg)

	s, err := m.NewScratch()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(cfg.Swap.Dir, "Untitled.swp"), s.SwapPath())
	require.NoError(t, m.CloseAll(true))
}

func TestSessionsSwapDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Swap.Enabled = false
	path := writeFile(t, "b.txt", "x\n")
	m := NewSessions(cfg)

	s, err := m.Open(path)
	require.NoError(t, err)
	require.Empty(t, s.SwapPath())

	n, err := s.Sync(context.Background(), true)
	require.NoError(t, err)
	require.Zero(t, n)
	require.NoError(t, m.CloseAll(false))
}

func TestSessionsRecover(t *testing.T) {
	path := writeFile(t, "c.txt", "alpha\nbeta\n")
	metrics := NewMetrics()
	m := NewSessions(testConfig(), WithMetrics(metrics))

	s, err := m.Open(path)
	require.NoError(t, err)
	swap := s.SwapPath()
	require.NoError(t, s.Edit(appendLine(1, "inserted")))
	_, err = s.Sync(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, m.Close(s, false))
	require.FileExists(t, swap)

	found, err := m.Recoverable(path)
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, swap, found[0].Path)
	require.NoError(t, found[0].Err)
	require.False(t, found[0].InUse)

	r, rep, err := m.Recover(swap)
	require.NoError(t, err)
	require.Zero(t, rep.LostLines)
	if diff := cmp.Diff([]string{"alpha", "inserted", "beta"}, linesOf(t, r)); diff != "" {
		t.Errorf("recovered lines mismatch (-want +got):\n%s", diff)
	}
	require.True(t, r.IsModified())
	require.Equal(t, path, r.Path())
	require.Equal(t, filepath.Join(filepath.Dir(path), ".c.txt.swo"), r.SwapPath())
	require.Equal(t, uint64(1), metrics.Snapshot().Recovered)

	_, _, err = m.Recover(swap)
	require.Error(t, err, "the original is already open")

	require.NoError(t, m.CloseAll(true))
	require.FileExists(t, swap, "the recovered backing file is left in place")
}

func TestSessionsSyncAllDetectsChangedOriginal(t *testing.T) {
	path := writeFile(t, "d.txt", "one\ntwo\n")
	metrics := NewMetrics()
	m := NewSessions(testConfig(), WithMetrics(metrics))

	s, err := m.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Edit(appendLine(2, "three")))

	_, err = m.SyncAll(context.Background(), true)
	require.NoError(t, err)
	require.Zero(t, metrics.Snapshot().OriginalChanges)

	require.NoError(t, os.WriteFile(path, []byte("rewritten by someone else\n"), 0o644))
	require.NoError(t, m.Changed(context.Background(), path))

	snap := metrics.Snapshot()
	require.Equal(t, uint64(1), snap.OriginalChanges)
	require.Positive(t, snap.SyncCount)
	require.NoError(t, s.View(func(ls *engine.LineStore) error {
		require.True(t, ls.OriginalChanged())
		require.True(t, ls.Header().Flags.Has(recovery.FlagPreserved))
		return nil
	}))
	if diff := cmp.Diff([]string{"one", "two", "three"}, linesOf(t, s)); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}

	require.ErrorIs(t, m.Changed(context.Background(), filepath.Join(t.TempDir(), "other")), ErrSessionNotFound)
	require.NoError(t, m.CloseAll(true))
}

func TestSessionsCloseAll(t *testing.T) {
	m := NewSessions(testConfig())
	var swaps []string
	for _, name := range []string{"e.txt", "f.txt", "g.txt"} {
		s, err := m.Open(writeFile(t, name, name+"\n"))
		require.NoError(t, err)
		swaps = append(swaps, s.SwapPath())
	}
	names := make([]string, 0, 3)
	for _, s := range m.All() {
		names = append(names, s.Name())
	}
	require.Equal(t, []string{"e.txt", "f.txt", "g.txt"}, names)

	require.NoError(t, m.CloseAll(false))
	require.Zero(t, m.Count())
	for _, swap := range swaps {
		require.FileExists(t, swap)
		hdr, err := recovery.ReadHeader(swap)
		require.NoError(t, err)
		require.True(t, hdr.Flags.Has(recovery.FlagPreserved))
	}
}

func TestSessionsRecoverAfterSaveAs(t *testing.T) {
	var sb strings.Builder
	for i := 1; i <= 200; i++ {
		fmt.Fprintf(&sb, "line %03d\n", i)
	}
	path := writeFile(t, "d.txt", sb.String())
	other := filepath.Join(t.TempDir(), "e.txt")
	m := NewSessions(testConfig())

	s, err := m.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Edit(func(ls *engine.LineStore) error {
		return ls.Replace(1, []byte(strings.Repeat("w", 60)))
	}))
	want := linesOf(t, s)

	require.NoError(t, m.SaveAs(s, other))
	require.Equal(t, other, s.Path())
	_, err = s.Sync(context.Background(), false)
	require.NoError(t, err)
	swap := s.SwapPath()
	require.NoError(t, m.Close(s, false))

	r, rep, err := m.Recover(swap)
	require.NoError(t, err)
	require.Zero(t, rep.LostLines)
	require.Zero(t, rep.FromOriginal)
	if diff := cmp.Diff(want, linesOf(t, r)); diff != "" {
		t.Errorf("recovered lines mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, m.CloseAll(true))
}
