// Package recovery owns the session header of a backing file and rebuilds
// documents from backing files after a crash.
//
// The header lives in page 0. It records the format version and page size,
// a session id, the process and host that own the session, and the identity
// of the original file: path, size, modification time and SHA-256 of its
// contents when it was loaded or last written.
//
// Recover walks the block tree of a backing file from the root. Blocks that
// were never written, still placeholders for ranges of the original file,
// are read from the original instead. A block that cannot be read from
// either source becomes a single LinesMissing line and recovery continues.
package recovery
