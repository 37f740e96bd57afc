package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/dshills/memline/internal/config"
	"github.com/dshills/memline/internal/engine"
	"github.com/dshills/memline/internal/engine/recovery"
	"github.com/dshills/memline/internal/logging"
)

// Session is an open document and its backing file. All access to the
// line store goes through View and Edit, which serialize callers.
type Session struct {
	mu sync.Mutex

	path string // absolute, empty for scratch sessions
	name string
	key  string

	store    *engine.LineStore
	modified bool
	watched  bool
	closed   bool

	metrics *Metrics
	log     *logging.Logger
}

// Path returns the absolute path of the document, or "" for a scratch
// session.
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Name returns the display name.
func (s *Session) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// SwapPath returns the backing file path, or "" when the session has none.
func (s *Session) SwapPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.SwapPath()
}

// IsScratch reports whether the session has no file path.
func (s *Session) IsScratch() bool {
	return s.Path() == ""
}

// IsModified reports whether the document has unsaved changes.
func (s *Session) IsModified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modified
}

// View calls fn with the line store for reading.
func (s *Session) View(fn func(*engine.LineStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return fn(s.store)
}

// Edit calls fn with the line store for changing it. A successful first
// change marks the document modified in the backing file header.
func (s *Session) Edit(fn func(*engine.LineStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := fn(s.store); err != nil {
		return err
	}
	s.metrics.RecordEdit()
	if s.modified {
		return nil
	}
	s.modified = true
	return s.store.SetModified(true)
}

// Sync writes changed blocks to the backing file until ctx is done. With
// checkFile set the original file is verified first.
func (s *Session) Sync(ctx context.Context, checkFile bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSessionClosed
	}

	changed := s.store.OriginalChanged()
	timer := StartTimer()
	n, err := s.store.SyncAll(ctx, checkFile)
	if err != nil {
		s.metrics.RecordSyncFailure()
		return n, NewOperationError("sync", s.name, err)
	}
	s.metrics.RecordSync(timer.Elapsed(), n)
	if !changed && s.store.OriginalChanged() {
		s.log.WithField("path", s.path).Warn("original file changed on disk; backing file preserved")
	}
	return n, nil
}

// Preserve makes the backing file sufficient for recovery without the
// original file.
func (s *Session) Preserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.store.Preserve(true); err != nil {
		return NewOperationError("preserve", s.name, err)
	}
	s.metrics.RecordPreserve()
	return nil
}

func (s *Session) close(deleteFile bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.store.Close(deleteFile); err != nil {
		return NewOperationError("close", s.name, err)
	}
	return nil
}

// Sessions manages the open sessions.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session // key -> session
	order    []string
	counter  int // for scratch session names

	cfg     *config.Config
	log     *logging.Logger
	metrics *Metrics
	watcher *recovery.Watcher
}

// SessionsOption configures Sessions.
type SessionsOption func(*Sessions)

// WithSessionLogger sets the logger of sessions and their line stores.
func WithSessionLogger(l *logging.Logger) SessionsOption {
	return func(m *Sessions) {
		m.log = logging.OrNop(l)
	}
}

// WithMetrics sets the metrics sessions record to.
func WithMetrics(metrics *Metrics) SessionsOption {
	return func(m *Sessions) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithWatcher registers the original file of every opened session with w.
func WithWatcher(w *recovery.Watcher) SessionsOption {
	return func(m *Sessions) {
		m.watcher = w
	}
}

// NewSessions creates a session manager using cfg. A nil cfg means the
// defaults.
func NewSessions(cfg *config.Config, opts ...SessionsOption) *Sessions {
	if cfg == nil {
		cfg = config.Default()
	}
	m := &Sessions{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		log:      logging.Nop(),
		metrics:  NewMetrics(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open opens the document at path. An already open document is returned
// as is; a missing file starts an empty document that is created on Save.
func (m *Sessions) Open(path string) (*Session, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, NewOperationError("open", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[abs]; ok {
		return s, nil
	}

	s := m.newSession(abs)
	opts, err := m.storeOptions(s, abs, "")
	if err != nil {
		return nil, NewOperationError("open", abs, err)
	}

	store, err := engine.Load(abs, opts...)
	if errors.Is(err, fs.ErrNotExist) {
		store, err = engine.New(opts...)
	}
	if err != nil {
		return nil, NewOperationError("open", abs, err)
	}
	s.store = store
	m.add(s)
	return s, nil
}

// NewScratch starts an empty document without a file path.
func (m *Sessions) NewScratch() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.newSession("")
	opts, err := m.storeOptions(s, "", "")
	if err != nil {
		return nil, NewOperationError("open", s.name, err)
	}
	store, err := engine.New(opts...)
	if err != nil {
		return nil, NewOperationError("open", s.name, err)
	}
	s.store = store
	m.add(s)
	return s, nil
}

// Recover rebuilds a document from the backing file at swapPath into a
// new session with a backing file of its own. The old backing file is
// left in place.
func (m *Sessions) Recover(swapPath string) (*Session, *recovery.Report, error) {
	hdr, err := recovery.ReadHeader(swapPath)
	if err != nil {
		return nil, nil, NewOperationError("recover", swapPath, err)
	}
	orig := ""
	if !hdr.Flags.Has(recovery.FlagNoOriginal) {
		orig = hdr.Original.Path
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if orig != "" {
		if _, ok := m.sessions[orig]; ok {
			return nil, nil, NewOperationError("recover", swapPath, fmt.Errorf("%s is already open", orig))
		}
	}

	s := m.newSession(orig)
	opts, err := m.storeOptions(s, orig, swapPath)
	if err != nil {
		return nil, nil, NewOperationError("recover", swapPath, err)
	}
	store, rep, err := engine.Recover(swapPath, opts...)
	if err != nil {
		return nil, rep, NewOperationError("recover", swapPath, err)
	}
	s.store = store
	s.modified = true
	m.add(s)

	m.metrics.RecordRecovery(rep.LostLines)
	m.log.WithFields(map[string]any{
		"swap":    swapPath,
		"lines":   rep.Lines,
		"missing": rep.LostLines,
	}).Info("recovered")
	return s, rep, nil
}

// Recoverable lists the backing files left for the document at path.
func (m *Sessions) Recoverable(path string) ([]recovery.Session, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return engine.ListRecoverable(swapDir(m.cfg, abs), recovery.ListOptions{Original: abs})
}

// Get returns the open session of the document at path.
func (m *Sessions) Get(path string) (*Session, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[abs]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// All returns the open sessions in the order they were opened.
func (m *Sessions) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.sessions[key])
	}
	return out
}

// Count returns the number of open sessions.
func (m *Sessions) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Modified returns the sessions with unsaved changes.
func (m *Sessions) Modified() []*Session {
	var out []*Session
	for _, s := range m.All() {
		if s.IsModified() {
			out = append(out, s)
		}
	}
	return out
}

// Close closes s. With deleteFile set its backing file is removed;
// otherwise it is preserved and kept for recovery.
func (m *Sessions) Close(s *Session, deleteFile bool) error {
	m.mu.Lock()
	if _, ok := m.sessions[s.key]; !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	m.remove(s)
	m.mu.Unlock()

	m.unwatch(s)
	return s.close(deleteFile)
}

// CloseAll closes every session, continuing past failures.
func (m *Sessions) CloseAll(deleteFiles bool) error {
	var errs []error
	for _, s := range m.All() {
		errs = append(errs, m.Close(s, deleteFiles))
	}
	return errors.Join(errs...)
}

// SyncAll syncs every session until ctx is done. It returns the number of
// blocks written.
func (m *Sessions) SyncAll(ctx context.Context, checkFile bool) (int, error) {
	var (
		total int
		errs  []error
	)
	for _, s := range m.All() {
		if ctx.Err() != nil {
			break
		}
		n, err := s.Sync(ctx, checkFile)
		total += n
		if err != nil && !errors.Is(err, ErrSessionClosed) {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Changed handles a change of the file at path on disk: the session
// editing it verifies the file and preserves itself if it differs.
func (m *Sessions) Changed(ctx context.Context, path string) error {
	s, err := m.Get(path)
	if err != nil {
		return err
	}
	_, err = s.Sync(ctx, true)
	return err
}

// newSession returns a session for the document at abs, which is empty
// for a scratch session. The caller holds m.mu.
func (m *Sessions) newSession(abs string) *Session {
	s := &Session{path: abs, key: abs, metrics: m.metrics}
	if abs == "" {
		m.counter++
		s.key = "::scratch::" + strconv.Itoa(m.counter)
		s.name = "Untitled"
		if m.counter > 1 {
			s.name += "-" + strconv.Itoa(m.counter)
		}
	} else {
		s.name = filepath.Base(abs)
	}
	s.log = m.log.WithField("session", s.name)
	return s
}

// storeOptions returns the line store options for s. A backing file is
// named unless they are disabled or s is a scratch session without a
// swap directory; taken names, including exclude, are skipped.
func (m *Sessions) storeOptions(s *Session, abs, exclude string) ([]engine.Option, error) {
	opts := engineOptions(m.cfg, s.log, engine.ReporterFunc(func(err error) {
		if errors.Is(err, recovery.ErrOriginalFileChanged) {
			m.metrics.RecordOriginalChange()
		}
	}))
	if !m.cfg.Swap.Enabled || (abs == "" && m.cfg.Swap.Dir == "") {
		return opts, nil
	}

	name := abs
	if name == "" {
		name = s.name
	}
	swap, err := SwapName(m.cfg, name, exclude)
	if err != nil {
		return nil, err
	}
	if exclude == "" && !strings.HasSuffix(swap, ".swp") {
		s.log.Warn("found an existing backing file for %s; it may hold unrecovered changes", name)
	}
	return append(opts, engine.WithSwapFile(swap)), nil
}

// add registers s and starts watching its original file. The caller holds
// m.mu.
func (m *Sessions) add(s *Session) {
	m.sessions[s.key] = s
	m.order = append(m.order, s.key)

	if m.watcher == nil || s.path == "" {
		return
	}
	if err := m.watcher.Add(s.path); err != nil {
		s.log.Warn("cannot watch original: %v", err)
		return
	}
	s.watched = true
}

// remove unregisters s. The caller holds m.mu.
func (m *Sessions) remove(s *Session) {
	delete(m.sessions, s.key)
	for i, key := range m.order {
		if key == s.key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

func (m *Sessions) unwatch(s *Session) {
	s.mu.Lock()
	watched := s.watched
	s.watched = false
	s.mu.Unlock()

	if watched && m.watcher != nil {
		_ = m.watcher.Remove(s.path)
	}
}
