package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dshills/memline/internal/engine/recovery"
)

// Save writes the document to its file.
func (s *Session) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}
	if s.path == "" {
		return ErrNoFilePath
	}
	return s.saveTo(s.path)
}

// saveTo writes the document to path, which becomes its original file.
// The caller holds s.mu.
func (s *Session) saveTo(path string) error {
	if err := s.store.WriteFile(path); err != nil {
		return NewOperationError("save", path, err)
	}

	hdr := s.store.Header()
	if hdr.Flags.Has(recovery.FlagNoOriginal) || hdr.Original.Path != path {
		if err := s.store.Timestamp(path); err != nil {
			return NewOperationError("save", path, err)
		}
	}

	s.modified = false
	if err := s.store.SetModified(false); err != nil {
		return NewOperationError("save", path, err)
	}
	s.log.WithField("path", path).Info("written")
	return nil
}

// SaveAs writes the document of s to path and makes path its file. The
// backing file keeps its name.
func (m *Sessions) SaveAs(s *Session, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return NewOperationError("save", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.key]; !ok {
		return ErrSessionNotFound
	}
	if other, ok := m.sessions[abs]; ok && other != s {
		return NewOperationError("save", abs, fmt.Errorf("open in another session"))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if err := s.saveTo(abs); err != nil {
		s.mu.Unlock()
		return err
	}
	oldPath, oldKey, watched := s.path, s.key, s.watched
	s.path, s.key, s.name = abs, abs, filepath.Base(abs)
	s.watched = false
	s.mu.Unlock()

	if oldKey == abs {
		return nil
	}
	m.remove(&Session{key: oldKey})
	if watched && m.watcher != nil {
		_ = m.watcher.Remove(oldPath)
	}
	m.add(s)
	return nil
}

// Shutdown stops the application and closes every session. With
// deleteFiles set backing files are removed; otherwise they are preserved
// and kept for recovery.
func (app *Application) Shutdown(deleteFiles bool) error {
	app.mu.Lock()
	started := app.started
	if !app.stopping {
		app.stopping = true
		close(app.done)
	}
	app.mu.Unlock()

	if started {
		<-app.stopped
	}
	return app.shutdown(deleteFiles)
}

// shutdown performs cleanup in reverse initialization order.
func (app *Application) shutdown(deleteFiles bool) error {
	var errs []error

	app.mu.Lock()
	defer app.mu.Unlock()
	if app.closed {
		return nil
	}
	app.closed = true

	if !deleteFiles {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := app.sessions.SyncAll(ctx, false)
		cancel()
		errs = append(errs, err)
	}
	errs = append(errs, app.sessions.CloseAll(deleteFiles))

	if app.watcher != nil {
		errs = append(errs, app.watcher.Close())
	}
	return errors.Join(errs...)
}
