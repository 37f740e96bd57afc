package recovery

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dshills/memline/internal/engine/page"
	"github.com/dshills/memline/internal/vfs"
)

// Session is a candidate backing file found by ListRecoverable.
type Session struct {
	Path    string
	ModTime time.Time

	// Header is valid when Err is nil.
	Header Header
	Err    error

	// InUse is set when a live session holds the file's lock.
	InUse bool

	// ProcessRunning is set when the recorded process still exists on
	// this host. A reused PID can make it true for a dead session.
	ProcessRunning bool
}

// ListOptions filter ListRecoverable.
type ListOptions struct {
	// Original limits results to sessions of this original file.
	Original string

	// Suffix limits candidates to file names ending in it. Empty accepts
	// every regular file.
	Suffix string

	// FS lists the directory. Backing files are always opened directly.
	FS vfs.FS
}

// ListRecoverable returns the backing files in dir, newest first. Files
// that are not backing files are skipped; backing files whose header cannot
// be read are returned with Err set. Nothing is modified.
func ListRecoverable(dir string, opts ListOptions) ([]Session, error) {
	fsys := opts.FS
	if fsys == nil {
		fsys = vfs.NewOSFS()
	}
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, &Error{Op: "list", Path: dir, Err: err}
	}

	want := ""
	if opts.Original != "" {
		if abs, err := filepath.Abs(opts.Original); err == nil {
			want = abs
		}
	}
	host, _ := os.Hostname()

	var out []Session
	for _, e := range entries {
		if !e.IsRegular() || !strings.HasSuffix(e.Name(), opts.Suffix) {
			continue
		}
		s := Session{Path: e.Path(), ModTime: e.ModTime()}
		s.Header, s.Err = ReadHeader(e.Path())
		if errors.Is(s.Err, errNotBackingFile) {
			continue
		}
		if want != "" && (s.Err != nil || !samePath(s.Header.Original.Path, want)) {
			continue
		}

		s.InUse, _ = page.InUse(e.Path())
		if s.Err == nil && s.Header.Host == host {
			s.ProcessRunning = processRunning(s.Header.PID)
		}
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

func samePath(recorded, want string) bool {
	if abs, err := filepath.Abs(recorded); err == nil {
		recorded = abs
	}
	return recorded == want
}

func processRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
