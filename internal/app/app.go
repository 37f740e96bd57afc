// Package app coordinates memline sessions: it loads the configuration,
// opens documents with their backing files, keeps the backing files
// current in the background and closes everything on shutdown.
package app

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/dshills/memline/internal/config"
	"github.com/dshills/memline/internal/engine/recovery"
	"github.com/dshills/memline/internal/logging"
)

// Application owns the sessions of one process and their background sync.
type Application struct {
	mu sync.Mutex

	config   *config.Config
	log      *logging.Logger
	sessions *Sessions
	watcher  *recovery.Watcher
	metrics  *Metrics

	// State, guarded by mu except running
	started  bool
	stopping bool
	closed   bool
	running  atomic.Bool
	done     chan struct{}
	stopped  chan struct{}

	opts Options
}

// Options configures the application.
type Options struct {
	// Config is used as is when set; ConfigPath is then ignored.
	Config *config.Config

	// ConfigPath is the configuration file. When empty, memline.toml (or
	// .yaml, .yml, .json, .jsonc) is looked up in the working directory
	// and then the user configuration directory.
	ConfigPath string

	// Files are opened on startup.
	Files []string

	// LogLevel overrides the configured level.
	LogLevel string

	// Logger replaces the default logger writing to LogOutput.
	Logger *logging.Logger

	// LogOutput receives log lines of the default logger. Defaults to
	// os.Stderr.
	LogOutput io.Writer

	// Watch reports changes of original files as they happen instead of
	// at the next periodic check.
	Watch bool
}

// New creates a new Application with the given options.
func New(opts Options) (*Application, error) {
	app := &Application{
		opts:    opts,
		metrics: NewMetrics(),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	if err := newBootstrapper(app, opts).bootstrap(); err != nil {
		return nil, err
	}
	app.log.WithFields(map[string]any{
		"config":   app.config.Source,
		"sessions": app.sessions.Count(),
	}).Debug("started")
	return app, nil
}

// IsRunning returns true while Run is active.
func (app *Application) IsRunning() bool {
	return app.running.Load()
}

// Config returns the configuration.
func (app *Application) Config() *config.Config {
	return app.config
}

// Sessions returns the session manager.
func (app *Application) Sessions() *Sessions {
	return app.sessions
}

// Logger returns the application logger.
func (app *Application) Logger() *logging.Logger {
	return app.log
}

// Metrics returns the application's metrics.
func (app *Application) Metrics() *Metrics {
	return app.metrics
}
