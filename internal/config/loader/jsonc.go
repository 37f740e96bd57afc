package loader

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tailscale/hujson"
)

// JSONCLoader loads configuration from JSON files. Comments and trailing
// commas are accepted.
type JSONCLoader struct {
	fs   FileSystem
	path string
}

// NewJSONCLoader creates a new JSON loader for the given path.
func NewJSONCLoader(path string) *JSONCLoader {
	return NewJSONCLoaderWithFS(DefaultFS(), path)
}

// NewJSONCLoaderWithFS creates a JSON loader with a custom file system.
func NewJSONCLoaderWithFS(fs FileSystem, path string) *JSONCLoader {
	return &JSONCLoader{fs: fs, path: path}
}

// Load reads configuration from the configured path.
func (l *JSONCLoader) Load() (map[string]any, error) {
	return l.LoadFrom(l.path)
}

// LoadFrom reads configuration from a specific path.
func (l *JSONCLoader) LoadFrom(path string) (map[string]any, error) {
	data, err := readFile(l.fs, path)
	if data == nil || err != nil {
		return nil, err
	}
	return l.parse(path, data)
}

// LoadFromReader reads configuration from an io.Reader.
func (l *JSONCLoader) LoadFromReader(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return l.parse("<reader>", data)
}

func (l *JSONCLoader) parse(source string, data []byte) (map[string]any, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return nil, &ParseError{Path: source, Message: "invalid JSONC: " + err.Error(), Err: err}
	}
	var config map[string]any
	if err := json.Unmarshal(std, &config); err != nil {
		return nil, &ParseError{Path: source, Message: err.Error(), Err: err}
	}
	return config, nil
}
