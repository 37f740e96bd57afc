package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/dshills/memline/internal/app"
	"github.com/dshills/memline/internal/config"
	"github.com/dshills/memline/internal/engine"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Swap.Fsync = false
	return cfg
}

// writeConfig writes a configuration file matching testConfig.
func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memline.toml")
	toml := "[swap]\nfsync = false\n\n[logging]\nlevel = \"error\"\n"
	require.NoError(t, os.WriteFile(path, []byte(toml), 0o644))
	return path
}

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// runCLI runs memline with args and stdin, returning the exit code and
// both outputs.
func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := Run(context.Background(), strings.NewReader(stdin), &out, &errOut, append([]string{"memline"}, args...))
	return code, out.String(), errOut.String()
}

// leaveSwap edits the document at path and closes its session without
// removing the backing file, as a crashed session would.
func leaveSwap(t *testing.T, path string) string {
	t.Helper()
	m := app.NewSessions(testConfig())
	s, err := m.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Edit(func(ls *engine.LineStore) error {
		return ls.AppendAfter(1, []byte("inserted"))
	}))
	_, err = s.Sync(context.Background(), false)
	require.NoError(t, err)
	swap := s.SwapPath()
	require.NoError(t, m.Close(s, false))
	return swap
}

func TestRunUsage(t *testing.T) {
	code, out, _ := runCLI(t, "")
	require.Zero(t, code)
	require.Contains(t, out, "Commands:")
	for _, name := range []string{"list", "info", "recover", "edit", "version"} {
		require.Contains(t, out, "  "+name)
	}

	code, out, _ = runCLI(t, "", "help", "recover")
	require.Zero(t, code)
	require.Contains(t, out, "Usage: memline recover <swapfile>")
	require.Contains(t, out, "--output")

	code, _, errOut := runCLI(t, "", "frobnicate")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "unknown command: frobnicate")

	code, _, errOut = runCLI(t, "", "info", "--bogus")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "error:")
}

func TestRunVersion(t *testing.T) {
	code, out, _ := runCLI(t, "", "--version")
	require.Zero(t, code)
	require.Contains(t, out, "memline dev")

	code, out, _ = runCLI(t, "", "version")
	require.Zero(t, code)
	require.Contains(t, out, "memline dev")
}

func TestListJSON(t *testing.T) {
	doc := writeDoc(t, "one\ntwo\n")
	swap := leaveSwap(t, doc)
	cfg := writeConfig(t)

	code, out, errOut := runCLI(t, "", "-c", cfg, "list", filepath.Dir(doc), "--json")
	require.Zero(t, code, errOut)

	require.Equal(t, int64(1), gjson.Get(out, "sessions.#").Int())
	s := gjson.Get(out, "sessions.0")
	require.Equal(t, swap, s.Get("path").String())
	require.Equal(t, doc, s.Get("original.path").String())
	require.False(t, s.Get("in_use").Bool())
	require.True(t, s.Get("modified").Bool())
	require.True(t, s.Get("preserved").Bool())
	require.Equal(t, int64(os.Getpid()), s.Get("pid").Int())

	code, out, _ = runCLI(t, "", "-c", cfg, "list", "--file", doc, "--json")
	require.Zero(t, code)
	require.Equal(t, swap, gjson.Get(out, "sessions.0.path").String())

	code, out, _ = runCLI(t, "", "-c", cfg, "list", t.TempDir(), "--json")
	require.Zero(t, code)
	require.True(t, gjson.Valid(out))
	require.Zero(t, gjson.Get(out, "sessions.#").Int())
}

func TestListText(t *testing.T) {
	doc := writeDoc(t, "one\n")
	swap := leaveSwap(t, doc)

	code, out, _ := runCLI(t, "", "-c", writeConfig(t), "list", filepath.Dir(doc))
	require.Zero(t, code)
	require.Contains(t, out, "1.    "+swap)
	require.Contains(t, out, "file name: "+doc)
	require.Contains(t, out, "modified: YES")
	require.Contains(t, out, "STILL RUNNING", "the test process wrote the file")

	code, out, _ = runCLI(t, "", "-c", writeConfig(t), "list", t.TempDir())
	require.Zero(t, code)
	require.Contains(t, out, "No backing files found.")
}

func TestInfo(t *testing.T) {
	doc := writeDoc(t, "one\ntwo\n")
	swap := leaveSwap(t, doc)

	code, out, errOut := runCLI(t, "", "info", swap, "--json")
	require.Zero(t, code, errOut)
	require.Equal(t, swap, gjson.Get(out, "path").String())
	require.Equal(t, int64(testConfig().Swap.PageSize), gjson.Get(out, "page_size").Int())
	require.Equal(t, doc, gjson.Get(out, "original.path").String())
	require.Equal(t, int64(len("one\ntwo\n")), gjson.Get(out, "original.size").Int())
	require.False(t, gjson.Get(out, "in_use").Bool())

	code, out, _ = runCLI(t, "", "info", swap)
	require.Zero(t, code)
	require.Contains(t, out, "file name: "+doc)
	require.Contains(t, out, "in use: no")

	code, _, _ = runCLI(t, "", "info", doc)
	require.Equal(t, 1, code, "a document is not a backing file")

	code, _, errOut = runCLI(t, "", "info")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "one backing file")
}

func TestRecoverToFile(t *testing.T) {
	doc := writeDoc(t, "one\ntwo\n")
	swap := leaveSwap(t, doc)
	out := filepath.Join(t.TempDir(), "restored.txt")

	code, stdout, errOut := runCLI(t, "", "-c", writeConfig(t), "recover", swap, "-o", out, "--delete", "--json")
	require.Zero(t, code, errOut)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "one\ninserted\ntwo\n", string(data))

	require.Equal(t, int64(3), gjson.Get(stdout, "lines").Int())
	require.Zero(t, gjson.Get(stdout, "lost_lines").Int())
	require.Equal(t, out, gjson.Get(stdout, "output").String())
	require.Equal(t, doc, gjson.Get(stdout, "header.original.path").String())

	require.NoFileExists(t, swap)
	require.NoFileExists(t, filepath.Join(filepath.Dir(doc), ".doc.txt.swo"))
	original, err := os.ReadFile(doc)
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\n", string(original))
}

func TestRecoverToStdout(t *testing.T) {
	doc := writeDoc(t, "alpha\nbeta\n")
	swap := leaveSwap(t, doc)

	code, stdout, errOut := runCLI(t, "", "-c", writeConfig(t), "recover", swap)
	require.Zero(t, code, errOut)
	require.Equal(t, "alpha\ninserted\nbeta\n", stdout)
	require.Contains(t, errOut, "recovered 3 lines")
	require.FileExists(t, swap, "kept without --delete")

	code, _, errOut = runCLI(t, "", "-c", writeConfig(t), "recover", swap, "--json")
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "--json needs -o")
}

func TestRecoverInUse(t *testing.T) {
	doc := writeDoc(t, "one\n")
	m := app.NewSessions(testConfig())
	s, err := m.Open(doc)
	require.NoError(t, err)
	defer m.CloseAll(true)

	code, _, errOut := runCLI(t, "", "-c", writeConfig(t), "recover", s.SwapPath())
	require.Equal(t, 1, code)
	require.Contains(t, errOut, "in use")
}

func TestEditScript(t *testing.T) {
	doc := writeDoc(t, "one\ntwo\n")
	script := strings.Join([]string{
		"p",
		"a 2 three",
		"r 1 ONE",
		"d 2",
		"g 5",
		"o 2",
		"info",
		"w",
		"q",
	}, "\n")

	code, out, errOut := runCLI(t, script, "-c", writeConfig(t), "edit", doc, "--no-watch")
	require.Zero(t, code, errOut)
	require.Empty(t, errOut)

	require.Contains(t, out, doc+": 2 lines")
	require.Contains(t, out, "     1  one\n     2  two\n")
	require.Contains(t, out, "2:0  three")
	require.Contains(t, out, "line 2 starts at byte 5")
	require.Contains(t, out, "   lines: 2")
	require.Contains(t, out, "modified: YES")
	require.Contains(t, out, "2 lines written")

	data, err := os.ReadFile(doc)
	require.NoError(t, err)
	require.Equal(t, "ONE\nthree\n", string(data))
	require.NoFileExists(t, filepath.Join(filepath.Dir(doc), ".doc.txt.swp"))
}

func TestEditQuitWithChanges(t *testing.T) {
	doc := writeDoc(t, "one\n")

	code, out, errOut := runCLI(t, "a 0 zero\nq\nbogus\nq!\n", "-c", writeConfig(t), "edit", doc, "--no-watch")
	require.Zero(t, code)
	require.Contains(t, errOut, "unsaved changes")
	require.Contains(t, errOut, `unknown command "bogus"`)
	require.NotContains(t, out, "written")

	data, err := os.ReadFile(doc)
	require.NoError(t, err)
	require.Equal(t, "one\n", string(data))
}

func TestEditWarnsAboutBackingFiles(t *testing.T) {
	doc := writeDoc(t, "one\n")
	swap := leaveSwap(t, doc)

	code, _, errOut := runCLI(t, "q!\n", "-c", writeConfig(t), "edit", doc, "--no-watch")
	require.Zero(t, code)
	require.Contains(t, errOut, "ATTENTION: found backing file "+swap)
	require.Contains(t, errOut, "memline recover "+swap)
	require.FileExists(t, swap, "the old backing file is left alone")
}

func TestEditScratch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.txt")

	code, out, errOut := runCLI(t, "r 1 hello\nw "+path+"\nq\n", "-c", writeConfig(t), "edit", "--no-watch")
	require.Zero(t, code, errOut)
	require.Contains(t, out, "[No Name]: 1 lines")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(data))
}
