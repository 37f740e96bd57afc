// Package blocktree organizes the pages of a page.Store into a tree that
// maps line numbers to line text.
//
// Interior nodes are pointer blocks: an ordered list of entries, each naming
// a child block and the number of lines beneath it. Leaves are data blocks
// holding the text of consecutive lines back to back with an offset index.
// The root is always the pointer block at RootPage.
//
// Lookups record the path they took in a caller-owned Trail. A later lookup
// near the previous one starts from the deepest trail step that still covers
// the target line instead of from the root. Any mutation made through a
// different trail, or any change to the tree's shape, invalidates the trail;
// it is then rebuilt transparently on the next lookup.
package blocktree
