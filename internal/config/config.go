package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dshills/memline/internal/config/loader"
	"github.com/dshills/memline/internal/engine/page"
	"github.com/dshills/memline/internal/logging"
)

// EnvPrefix prefixes the environment variables read by Load.
const EnvPrefix = "MEMLINE_"

// FileBaseName is the base name of configuration files found by FindFile.
const FileBaseName = "memline"

// Config is the configuration of memline sessions.
type Config struct {
	Swap    SwapConfig    `json:"swap"`
	Cache   CacheConfig   `json:"cache"`
	Chunk   ChunkConfig   `json:"chunk"`
	Logging LoggingConfig `json:"logging"`

	// Source is the file the configuration was read from, if any.
	Source string `json:"-"`
}

// SwapConfig configures backing files.
type SwapConfig struct {
	// Enabled turns backing files on.
	Enabled bool `json:"enabled"`
	// Dir holds backing files. Empty puts each next to its document.
	Dir string `json:"dir"`
	// PageSize is the page size of new backing files.
	PageSize int `json:"page_size"`
	// Fsync forces preserved data to disk.
	Fsync bool `json:"fsync"`
	// UpdateCount is the number of edits between automatic syncs.
	UpdateCount int `json:"update_count"`
	// UpdateTime is the interval of the periodic sync. Zero disables it.
	UpdateTime Duration `json:"update_time"`
}

// CacheConfig configures the page cache.
type CacheConfig struct {
	// MaxBlocks is the number of blocks kept in memory before clean ones
	// are evicted.
	MaxBlocks int `json:"max_blocks"`
}

// ChunkConfig configures the byte offset index.
type ChunkConfig struct {
	TargetLines int     `json:"target_lines"`
	Tolerance   float64 `json:"tolerance"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `json:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Swap: SwapConfig{
			Enabled:     true,
			PageSize:    page.DefaultPageSize,
			Fsync:       true,
			UpdateCount: 200,
			UpdateTime:  Duration(4 * time.Second),
		},
		Cache:   CacheConfig{MaxBlocks: page.DefaultMaxResident},
		Chunk:   ChunkConfig{TargetLines: 800, Tolerance: 0.5},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Option configures Load.
type Option func(*loadOptions)

type loadOptions struct {
	path     string
	required bool
	fs       loader.FileSystem
	env      *loader.EnvLoader
}

// WithFile reads the configuration file at path. A missing file is
// ignored unless required is set.
func WithFile(path string, required bool) Option {
	return func(o *loadOptions) {
		o.path = path
		o.required = required
	}
}

// WithFS sets the file system configuration files are read from.
func WithFS(fsys loader.FileSystem) Option {
	return func(o *loadOptions) {
		if fsys != nil {
			o.fs = fsys
		}
	}
}

// WithEnv sets the environment loader. nil disables environment variables.
func WithEnv(l *loader.EnvLoader) Option {
	return func(o *loadOptions) {
		o.env = l
	}
}

// Load builds the configuration from the defaults, the configuration file
// and the environment, in increasing priority, and validates it.
func Load(opts ...Option) (*Config, error) {
	o := loadOptions{
		fs:  loader.DefaultFS(),
		env: loader.NewEnvLoader(EnvPrefix),
	}
	for _, opt := range opts {
		opt(&o)
	}

	data, err := toMap(Default())
	if err != nil {
		return nil, err
	}
	known := loader.Flatten(data)

	var (
		errs   []error
		source string
	)
	if o.path != "" {
		l, err := loader.ForPath(o.fs, o.path)
		if err != nil {
			return nil, err
		}
		file, err := l.Load()
		if err != nil {
			return nil, err
		}
		if file == nil && o.required {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, o.path)
		}
		if file != nil {
			source = o.path
		}
		errs = append(errs, unknownKeys(file, known)...)
		data = loader.DeepMerge(data, file)
	}
	if o.env != nil {
		env, err := o.env.Load()
		if err != nil {
			return nil, err
		}
		data = loader.DeepMerge(data, env)
	}

	cfg, err := fromMap(data)
	if err != nil {
		return nil, err
	}
	cfg.Source = source
	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, nil
}

// Validate checks every setting and returns the problems found joined
// into one error.
func (c *Config) Validate() error {
	return errors.Join(c.validate()...)
}

func (c *Config) validate() []error {
	var errs []error
	bad := func(path, msg string, v any, code ValidationErrorCode) {
		errs = append(errs, &ValidationError{Path: path, Message: msg, Value: v, Code: code})
	}

	if !page.ValidPageSize(c.Swap.PageSize) {
		bad("swap.page_size", fmt.Sprintf("must be a power of two in %d..%d", page.MinPageSize, page.MaxPageSize),
			c.Swap.PageSize, ErrCodeOutOfRange)
	}
	if c.Swap.UpdateCount < 0 {
		bad("swap.update_count", "must not be negative", c.Swap.UpdateCount, ErrCodeOutOfRange)
	}
	if c.Swap.UpdateTime < 0 {
		bad("swap.update_time", "must not be negative", c.Swap.UpdateTime, ErrCodeOutOfRange)
	}
	if c.Cache.MaxBlocks < 1 {
		bad("cache.max_blocks", "must be at least 1", c.Cache.MaxBlocks, ErrCodeOutOfRange)
	}
	if c.Chunk.TargetLines < 1 {
		bad("chunk.target_lines", "must be at least 1", c.Chunk.TargetLines, ErrCodeOutOfRange)
	}
	if c.Chunk.Tolerance <= 0 || c.Chunk.Tolerance >= 1 {
		bad("chunk.tolerance", "must be between 0 and 1", c.Chunk.Tolerance, ErrCodeOutOfRange)
	}
	if !logging.ValidLevel(c.Logging.Level) {
		bad("logging.level", "must be one of debug, info, warn, error", c.Logging.Level, ErrCodeInvalidEnum)
	}
	return errs
}

// LogLevel returns the configured log level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Logging.Level)
}

// FindFile returns the first configuration file named FileBaseName with a
// supported extension in dirs, or "" when there is none.
func FindFile(fsys loader.FileSystem, dirs ...string) string {
	if fsys == nil {
		fsys = loader.DefaultFS()
	}
	for _, dir := range dirs {
		for _, ext := range loader.Extensions {
			path := filepath.Join(dir, FileBaseName+ext)
			if info, err := fsys.Stat(path); err == nil && !info.IsDir() {
				return path
			}
		}
	}
	return ""
}

// UserDir returns the per-user configuration directory, or "" when the
// platform has none.
func UserDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "memline")
}

func toMap(c *Config) (map[string]any, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(b, cfg); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			return nil, &ValidationError{
				Path:    te.Field,
				Message: "expected " + te.Type.String(),
				Value:   te.Value,
				Code:    ErrCodeTypeMismatch,
			}
		}
		var de *durationError
		if errors.As(err, &de) {
			return nil, &ValidationError{Path: "swap.update_time", Message: de.Error(), Value: de.value, Code: ErrCodeTypeMismatch}
		}
		return nil, err
	}
	return cfg, nil
}

func unknownKeys(file, known map[string]any) []error {
	var paths []string
	for path := range loader.Flatten(file) {
		if _, ok := known[path]; !ok {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	errs := make([]error, 0, len(paths))
	for _, path := range paths {
		errs = append(errs, &ValidationError{Path: path, Message: "unknown setting", Code: ErrCodeUnknownSetting})
	}
	return errs
}

// Duration is a time.Duration written as a string such as "4s". A bare
// number is read as seconds.
type Duration time.Duration

// String returns the duration formatted by time.Duration.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v := v.(type) {
	case float64:
		*d = Duration(v * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return &durationError{value: v, err: err}
		}
		*d = Duration(parsed)
	default:
		return &durationError{value: v, err: fmt.Errorf("not a duration")}
	}
	return nil
}

type durationError struct {
	value any
	err   error
}

func (e *durationError) Error() string {
	return fmt.Sprintf("invalid duration %v: %v", e.value, e.err)
}

func (e *durationError) Unwrap() error { return e.err }
