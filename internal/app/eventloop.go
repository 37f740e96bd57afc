package app

import (
	"context"
	"errors"
	"time"
)

// Run keeps the backing files current until ctx is done or Shutdown is
// called: every swap.update_time all sessions are synced and their
// original files checked, and with Options.Watch a changed original is
// checked as soon as the change is seen. Run can be called once.
func (app *Application) Run(ctx context.Context) error {
	app.mu.Lock()
	switch {
	case app.stopping || app.closed:
		app.mu.Unlock()
		return ErrNotRunning
	case app.started:
		app.mu.Unlock()
		return ErrAlreadyRunning
	}
	app.started = true
	app.running.Store(true)
	app.mu.Unlock()
	defer close(app.stopped)
	defer app.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-app.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	return app.eventLoop(ctx)
}

// eventLoop is the main application loop.
func (app *Application) eventLoop(ctx context.Context) error {
	var tick <-chan time.Time
	if d := time.Duration(app.config.Swap.UpdateTime); d > 0 && app.config.Swap.Enabled {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		tick = ticker.C
	}

	var (
		changes <-chan string
		errs    <-chan error
	)
	if app.watcher != nil {
		changes = app.watcher.Changes()
		errs = app.watcher.Errors()
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-tick:
			app.syncAll(ctx)

		case path, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			app.originalChanged(ctx, path)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			app.log.Warn("watcher: %v", err)
		}
	}
}

// syncAll runs one periodic sync over all sessions.
func (app *Application) syncAll(ctx context.Context) {
	n, err := app.sessions.SyncAll(ctx, true)
	if err != nil {
		app.log.Error("sync: %v", err)
		return
	}
	if n > 0 {
		app.log.WithField("blocks", n).Debug("synced")
	}
}

// originalChanged checks the session editing path after its file changed.
func (app *Application) originalChanged(ctx context.Context, path string) {
	err := app.sessions.Changed(ctx, path)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		app.log.WithField("path", path).Error("check after change: %v", err)
	}
}
