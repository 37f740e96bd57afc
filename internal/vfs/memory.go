package vfs

import (
	"bytes"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// MemFS implements FS in memory. Directories exist implicitly as the
// parents of files.
//
// MemFS is safe for concurrent use.
type MemFS struct {
	mu    sync.RWMutex
	files map[string]*memFile
	now   func() time.Time
}

type memFile struct {
	content []byte
	modTime time.Time
}

// NewMemFS creates a new in-memory file system.
func NewMemFS() *MemFS {
	return &MemFS{files: make(map[string]*memFile), now: time.Now}
}

// Ensure MemFS implements FS.
var _ FS = (*MemFS)(nil)

// AddFile creates or replaces a file.
func (m *MemFS) AddFile(filePath, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[clean(filePath)] = &memFile{content: []byte(content), modTime: m.now()}
}

// SetModTime changes a file's modification time.
func (m *MemFS) SetModTime(filePath string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.files[clean(filePath)]
	if !ok {
		return &fs.PathError{Op: "chtimes", Path: filePath, Err: fs.ErrNotExist}
	}
	f.modTime = t
	return nil
}

// Open opens a file for reading.
func (m *MemFS) Open(filePath string) (io.ReadCloser, error) {
	content, err := m.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// ReadFile reads the entire file content.
func (m *MemFS) ReadFile(filePath string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, err := m.lookup("read", filePath)
	if err != nil {
		return nil, err
	}
	return bytes.Clone(f.content), nil
}

// ReadAt reads n bytes at off.
func (m *MemFS) ReadAt(filePath string, off int64, n int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, err := m.lookup("read", filePath)
	if err != nil {
		return nil, err
	}
	if off < 0 || off+int64(n) > int64(len(f.content)) {
		return nil, io.ErrUnexpectedEOF
	}
	return bytes.Clone(f.content[off : off+int64(n)]), nil
}

// Stat returns file information.
func (m *MemFS) Stat(filePath string) (FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := clean(filePath)
	if f, ok := m.files[p]; ok {
		return NewFileInfo(p, path.Base(p), int64(len(f.content)), 0o644, f.modTime), nil
	}
	if m.isDir(p) {
		return NewFileInfo(p, path.Base(p), 0, fs.ModeDir|0o755, time.Time{}), nil
	}
	return FileInfo{}, &fs.PathError{Op: "stat", Path: filePath, Err: fs.ErrNotExist}
}

// ReadDir lists the files directly inside dirPath.
func (m *MemFS) ReadDir(dirPath string) ([]FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dir := clean(dirPath)
	if _, ok := m.files[dir]; ok {
		return nil, &fs.PathError{Op: "readdir", Path: dirPath, Err: syscall.ENOTDIR}
	}
	if !m.isDir(dir) {
		return nil, &fs.PathError{Op: "readdir", Path: dirPath, Err: fs.ErrNotExist}
	}

	var entries []FileInfo
	for p, f := range m.files {
		if path.Dir(p) != dir {
			continue
		}
		entries = append(entries, NewFileInfo(p, path.Base(p), int64(len(f.content)), 0o644, f.modTime))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

// Remove removes a file.
func (m *MemFS) Remove(filePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := clean(filePath)
	if _, ok := m.files[p]; !ok {
		return &fs.PathError{Op: "remove", Path: filePath, Err: fs.ErrNotExist}
	}
	delete(m.files, p)
	return nil
}

func (m *MemFS) lookup(op, filePath string) (*memFile, error) {
	p := clean(filePath)
	f, ok := m.files[p]
	if !ok {
		if m.isDir(p) {
			return nil, &fs.PathError{Op: op, Path: filePath, Err: syscall.EISDIR}
		}
		return nil, &fs.PathError{Op: op, Path: filePath, Err: fs.ErrNotExist}
	}
	return f, nil
}

func (m *MemFS) isDir(p string) bool {
	if p == "/" {
		return true
	}
	prefix := p + "/"
	for fp := range m.files {
		if strings.HasPrefix(fp, prefix) {
			return true
		}
	}
	return false
}

func clean(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}
