package recovery

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/memline/internal/logging"
)

// ErrWatcherClosed is returned by a closed Watcher.
var ErrWatcherClosed = errors.New("watcher closed")

// DefaultDebounce is the quiet period before a change is reported.
const DefaultDebounce = 100 * time.Millisecond

// Watcher reports changes to original files so their sessions can re-run
// Verify promptly instead of waiting for the next periodic check. It only
// signals; it never inspects or modifies documents.
type Watcher struct {
	fsw      *fsnotify.Watcher
	log      *logging.Logger
	debounce time.Duration

	mu      sync.Mutex
	files   map[string]int
	dirs    map[string]int
	pending map[string]*time.Timer
	closed  bool

	changes chan string
	errs    chan error
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher starts a watcher. Changes are reported once a file has been
// quiet for debounce.
func NewWatcher(debounce time.Duration, log *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		fsw:      fsw,
		log:      logging.OrNop(log).WithComponent("watcher"),
		debounce: debounce,
		files:    make(map[string]int),
		dirs:     make(map[string]int),
		pending:  make(map[string]*time.Timer),
		changes:  make(chan string, 64),
		errs:     make(chan error, 16),
		closeCh:  make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// Add starts watching the file at path. Watching the same path twice
// requires two Removes.
func (w *Watcher) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWatcherClosed
	}

	// The directory is watched so that replacing the file by rename is seen.
	dir := filepath.Dir(abs)
	if w.dirs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
	}
	w.dirs[dir]++
	w.files[abs]++
	return nil
}

// Remove stops watching the file at path.
func (w *Watcher) Remove(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWatcherClosed
	}
	if w.files[abs] == 0 {
		return nil
	}

	w.files[abs]--
	if w.files[abs] == 0 {
		delete(w.files, abs)
	}
	dir := filepath.Dir(abs)
	w.dirs[dir]--
	if w.dirs[dir] == 0 {
		delete(w.dirs, dir)
		return w.fsw.Remove(dir)
	}
	return nil
}

// Changes delivers the absolute paths of watched files that changed.
func (w *Watcher) Changes() <-chan string { return w.changes }

// Errors delivers watch errors.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Close stops the watcher and closes its channels.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
	close(w.closeCh)
	w.mu.Unlock()

	w.wg.Wait()
	err := w.fsw.Close()

	w.mu.Lock()
	close(w.changes)
	close(w.errs)
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule(filepath.Clean(ev.Name))

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error: %v", err)
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.files[path] == 0 {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	delete(w.pending, path)
	select {
	case w.changes <- path:
	default:
		w.log.WithField("path", path).Warn("change dropped, receiver not keeping up")
	}
}
