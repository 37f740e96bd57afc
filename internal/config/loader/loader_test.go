package loader

import (
	"errors"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func getByPath(data map[string]any, path string) (any, bool) {
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func TestForPathFormats(t *testing.T) {
	fsys := fstest.MapFS{
		"memline.toml": {Data: []byte(`
[swap]
page_size = 1024
fsync = false

[chunk]
tolerance = 0.25
`)},
		"memline.yaml": {Data: []byte(`
swap:
  page_size: 1024
  fsync: false
chunk:
  tolerance: 0.25
`)},
		"memline.jsonc": {Data: []byte(`{
  // comments are allowed
  "swap": {"page_size": 1024, "fsync": false,},
  "chunk": {"tolerance": 0.25},
}`)},
	}

	for _, name := range []string{"memline.toml", "memline.yaml", "memline.jsonc"} {
		t.Run(name, func(t *testing.T) {
			l, err := ForPath(fsys, name)
			require.NoError(t, err)
			config, err := l.Load()
			require.NoError(t, err)

			flat := Flatten(config)
			require.EqualValues(t, 1024, flat["swap.page_size"])
			require.Equal(t, false, flat["swap.fsync"])
			require.Equal(t, 0.25, flat["chunk.tolerance"])
		})
	}
}

func TestForPathUnsupported(t *testing.T) {
	_, err := ForPath(fstest.MapFS{}, "memline.ini")
	require.Error(t, err)
}

func TestLoadNonExistent(t *testing.T) {
	for _, name := range []string{"a.toml", "a.yml", "a.json"} {
		l, err := ForPath(fstest.MapFS{}, name)
		require.NoError(t, err)
		config, err := l.Load()
		require.NoError(t, err)
		require.Nil(t, config)
	}
}

func TestLoadInvalid(t *testing.T) {
	fsys := fstest.MapFS{
		"bad.toml":  {Data: []byte("[swap\npage_size = 1")},
		"bad.yaml":  {Data: []byte("swap: [1, 2")},
		"bad.jsonc": {Data: []byte(`{"swap": }`)},
	}
	for name := range fsys {
		t.Run(name, func(t *testing.T) {
			l, err := ForPath(fsys, name)
			require.NoError(t, err)
			_, err = l.Load()

			var pe *ParseError
			require.True(t, errors.As(err, &pe), "got %v", err)
			require.Equal(t, name, pe.Path)
		})
	}
}

func TestTOMLParseErrorPosition(t *testing.T) {
	_, err := NewTOMLLoader("").LoadFromReader(strings.NewReader("a = 1\nb = = 2\n"))

	var pe *ParseError
	require.True(t, errors.As(err, &pe))
	require.Equal(t, 2, pe.Line)
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]any{
		"swap":    map[string]any{"page_size": 4096, "fsync": true},
		"logging": map[string]any{"level": "info"},
	}
	src := map[string]any{
		"swap":  map[string]any{"fsync": false},
		"chunk": map[string]any{"target_lines": 100},
	}

	got := DeepMerge(dst, src)
	want := map[string]any{
		"swap":    map[string]any{"page_size": 4096, "fsync": false},
		"logging": map[string]any{"level": "info"},
		"chunk":   map[string]any{"target_lines": 100},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("DeepMerge (-want +got):\n%s", diff)
	}
}

func TestEnvLoader(t *testing.T) {
	l := NewEnvLoader("MEMLINE_")
	l.environ = func() []string {
		return []string{
			"MEMLINE_LOG_LEVEL=debug",
			"MEMLINE_SWAP=off",
			"MEMLINE_SWAP_PAGE_SIZE=1024",
			"MEMLINE_SWAP_UPDATE_TIME=2s",
			"MEMLINE_CHUNK_TOLERANCE=0.3",
			"MEMLINE_CONFIG=/etc/memline.toml",
			"OTHER_SWAP_DIR=/tmp",
		}
	}

	config, err := l.Load()
	require.NoError(t, err)

	want := map[string]any{
		"logging.level":    "debug",
		"swap.enabled":     false,
		"swap.page_size":   int64(1024),
		"swap.update_time": "2s",
		"chunk.tolerance":  0.3,
	}
	if diff := cmp.Diff(want, Flatten(config)); diff != "" {
		t.Errorf("env config (-want +got):\n%s", diff)
	}
}

func TestEnvLoaderMapping(t *testing.T) {
	l := NewEnvLoaderWithMapping("MEMLINE_", nil)
	l.environ = func() []string { return []string{"MEMLINE_DIR=/tmp/swap"} }

	config, err := l.Load()
	require.NoError(t, err)
	require.Empty(t, config)

	l.AddMapping("MEMLINE_DIR", "swap.dir")
	config, err = l.Load()
	require.NoError(t, err)
	got, ok := getByPath(config, "swap.dir")
	require.True(t, ok)
	require.Equal(t, "/tmp/swap", got)

	l.RemoveMapping("MEMLINE_DIR")
	config, err = l.Load()
	require.NoError(t, err)
	require.Empty(t, config)
}

func TestParseValue(t *testing.T) {
	l := NewEnvLoader("MEMLINE_")
	tests := []struct {
		in   string
		want any
	}{
		{"", ""},
		{"true", true},
		{"No", false},
		{"0", int64(0)},
		{"200", int64(200)},
		{"0.5", 0.5},
		{"1m30s", "1m30s"},
		{"[1,2]", []any{float64(1), float64(2)}},
		{"/var/tmp", "/var/tmp"},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, l.parseValue(tt.in)); diff != "" {
			t.Errorf("parseValue(%q) (-want +got):\n%s", tt.in, diff)
		}
	}
}
