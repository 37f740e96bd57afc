// Package page implements the page cache behind the line store.
//
// A Store owns a single backing file divided into fixed-size pages. Blocks
// occupy one or more contiguous pages and are addressed by a Ref:
//
//   - Assigned refs name the first page of the block in the backing file.
//   - Unassigned refs are placeholders for blocks whose bytes are still
//     identical to a range of the original source file. They are never
//     written during normal syncs. The first time such a block is modified
//     or preserved it is assigned a page, and the store remembers the
//     translation so stale references can be resolved with Translate.
//
// Page 0 is reserved for the session header. The store keeps every dirty
// and placeholder block in memory; clean blocks are cached and evicted in
// least-recently-used order once a backing file is attached.
//
// Writes are lazy. FlushOne writes the oldest dirty block and is the unit of
// cooperative preemption: FlushUntil checks its context between blocks and
// never leaves a block half written.
//
// A Store is not safe for concurrent use.
package page
