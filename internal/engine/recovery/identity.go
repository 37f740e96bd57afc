package recovery

import (
	"crypto/sha256"
	"io"

	"github.com/dshills/memline/internal/vfs"
)

// Identify stats and hashes the file at path.
func Identify(fsys vfs.FS, path string) (Identity, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return Identity{}, err
	}
	r, err := fsys.Open(path)
	if err != nil {
		return Identity{}, err
	}
	defer r.Close()

	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Identity{}, err
	}

	id := Identity{Path: path, Size: info.Size(), ModTime: info.ModTime()}
	copy(id.Hash[:], h.Sum(nil))
	return id, nil
}

// statMatches reports whether info agrees with the size and modification
// time recorded in id.
func statMatches(id Identity, info vfs.FileInfo) bool {
	return info.Size() == id.Size && info.ModTime().Equal(id.ModTime)
}
