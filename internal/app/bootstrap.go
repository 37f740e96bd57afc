package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dshills/memline/internal/config"
	"github.com/dshills/memline/internal/engine"
	"github.com/dshills/memline/internal/engine/recovery"
	"github.com/dshills/memline/internal/logging"
)

// bootstrapper handles component initialization with proper cleanup on failure.
type bootstrapper struct {
	app       *Application
	opts      Options
	initOrder []string
}

// newBootstrapper creates a new bootstrapper for the application.
func newBootstrapper(app *Application, opts Options) *bootstrapper {
	return &bootstrapper{
		app:       app,
		opts:      opts,
		initOrder: make([]string, 0, 4),
	}
}

// bootstrap initializes all components in dependency order.
// On failure, it cleans up already-initialized components.
func (b *bootstrapper) bootstrap() error {
	steps := []func() error{
		b.initConfig,
		b.initLogger,
		b.initWatcher,
		b.initSessions,
		b.initDocuments,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			b.cleanup()
			return err
		}
	}
	return nil
}

// initConfig loads the configuration: Options.Config as is, or the file
// named by Options.ConfigPath, or the first file found in the working
// directory and the user configuration directory.
func (b *bootstrapper) initConfig() error {
	if b.opts.Config != nil {
		if err := b.opts.Config.Validate(); err != nil {
			return &InitError{Component: "config", Err: err}
		}
		b.app.config = b.opts.Config
		return nil
	}

	path, required := b.opts.ConfigPath, true
	if path == "" {
		required = false
		dirs := []string{"."}
		if dir := config.UserDir(); dir != "" {
			dirs = append(dirs, dir)
		}
		path = config.FindFile(nil, dirs...)
	}

	var opts []config.Option
	if path != "" {
		opts = append(opts, config.WithFile(path, required))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return &InitError{Component: "config", Err: err}
	}
	b.app.config = cfg
	return nil
}

// initLogger creates the application logger at the configured level.
func (b *bootstrapper) initLogger() error {
	level := b.app.config.LogLevel()
	if b.opts.LogLevel != "" {
		if !logging.ValidLevel(b.opts.LogLevel) {
			return &InitError{Component: "logger", Err: fmt.Errorf("unknown level %q", b.opts.LogLevel)}
		}
		level = logging.ParseLevel(b.opts.LogLevel)
	}

	log := b.opts.Logger
	if log == nil {
		cfg := logging.DefaultConfig()
		cfg.Output = b.opts.LogOutput
		log = logging.New(cfg)
	}
	log.SetLevel(level)
	b.app.log = log
	return nil
}

// initWatcher starts watching original files. A watcher that cannot start
// is logged; the periodic check still catches changes.
func (b *bootstrapper) initWatcher() error {
	if !b.opts.Watch {
		return nil
	}
	w, err := recovery.NewWatcher(recovery.DefaultDebounce, b.app.log)
	if err != nil {
		b.app.log.Warn("file watching disabled: %v", err)
		return nil
	}
	b.app.watcher = w
	b.initOrder = append(b.initOrder, "watcher")
	return nil
}

// initSessions creates the session manager.
func (b *bootstrapper) initSessions() error {
	opts := []SessionsOption{
		WithSessionLogger(b.app.log),
		WithMetrics(b.app.metrics),
	}
	if b.app.watcher != nil {
		opts = append(opts, WithWatcher(b.app.watcher))
	}
	b.app.sessions = NewSessions(b.app.config, opts...)
	b.initOrder = append(b.initOrder, "sessions")
	return nil
}

// initDocuments opens the files named in the options.
func (b *bootstrapper) initDocuments() error {
	for _, file := range b.opts.Files {
		if _, err := b.app.sessions.Open(file); err != nil {
			return &InitError{Component: "documents", Err: err}
		}
	}
	return nil
}

// cleanup performs cleanup in reverse initialization order.
func (b *bootstrapper) cleanup() {
	for i := len(b.initOrder) - 1; i >= 0; i-- {
		switch b.initOrder[i] {
		case "sessions":
			_ = b.app.sessions.CloseAll(true)
		case "watcher":
			_ = b.app.watcher.Close()
		}
	}
}

// engineOptions maps the configuration onto line store options.
func engineOptions(cfg *config.Config, log *logging.Logger, rep engine.Reporter) []engine.Option {
	return []engine.Option{
		engine.WithPageSize(cfg.Swap.PageSize),
		engine.WithMaxResident(cfg.Cache.MaxBlocks),
		engine.WithChunkTarget(cfg.Chunk.TargetLines),
		engine.WithChunkTolerance(cfg.Chunk.Tolerance),
		engine.WithFsync(cfg.Swap.Fsync),
		engine.WithUpdateCount(cfg.Swap.UpdateCount),
		engine.WithLogger(log),
		engine.WithReporter(rep),
	}
}

// SwapName returns a free backing file name for the document at doc.
// Without a swap directory the file is hidden next to the document
// (".name.swp"); with one, the document's path is encoded into the name
// with '%' for each separator. Taken names and exclude are skipped by
// counting the last letter down: .swp, .swo, ... .swa.
func SwapName(cfg *config.Config, doc, exclude string) (string, error) {
	base := swapBase(cfg, doc)
	for c := 'p'; c >= 'a'; c-- {
		name := base + ".sw" + string(c)
		if name == exclude {
			continue
		}
		if _, err := os.Lstat(name); errors.Is(err, fs.ErrNotExist) {
			return name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoSwapName, doc)
}

func swapBase(cfg *config.Config, doc string) string {
	if cfg.Swap.Dir == "" {
		return filepath.Join(filepath.Dir(doc), "."+filepath.Base(doc))
	}
	return filepath.Join(cfg.Swap.Dir, strings.ReplaceAll(doc, string(filepath.Separator), "%"))
}

// swapDir returns the directory holding the backing files of doc.
func swapDir(cfg *config.Config, doc string) string {
	if cfg.Swap.Dir != "" {
		return cfg.Swap.Dir
	}
	return filepath.Dir(doc)
}
