// Package engine provides LineStore, the line storage of an open document.
//
// A LineStore holds the text of a document as numbered lines 1..LineCount
// and backs it with a paged file so an interrupted session can be
// recovered. It composes the sub-packages:
//
//   - page: page cache over the backing file
//   - blocktree: line-number-to-text tree stored in pages
//   - chunk: byte offset cache over runs of lines
//   - recovery: session header, preserve and crash recovery
//   - cursor: character-aware position stepping over a LineStore
//
// # Documents
//
// A new document holds one empty line and has the Empty flag set; it is
// never zero lines. Load reads an original file; its lines stay in memory
// as placeholders for ranges of that file and are written to the backing
// file only once modified or preserved.
//
//	ls, err := engine.Load("notes.txt", engine.WithSwapFile("notes.txt.swp"))
//	if err != nil {
//		return err
//	}
//	defer ls.Close(true)
//
//	_ = ls.AppendAfter(0, []byte("first"))
//	fmt.Println(string(ls.Line(1)))
//
// # Borrowed lines
//
// Line returns a view into a single buffer owned by the store. The view is
// valid until the next call on the store; use LineString for a copy.
//
// # Concurrency
//
// A LineStore belongs to one editing session and is not safe for concurrent
// use. The app package serializes access when a background syncer runs.
//
// # Errors
//
// Reads never fail: an invalid line number or an unreadable block yields a
// placeholder line and is passed to the Reporter. Writes fail with
// ErrLineOutOfRange for bad line numbers. Storage write failures mark the
// store at risk; edits keep working in memory.
package engine
