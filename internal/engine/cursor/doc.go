// Package cursor moves positions through the lines of a document one
// character at a time.
//
// A Position is a line number, a byte column and a virtual column offset.
// Columns always sit on a character boundary, where a character is an
// extended grapheme cluster: a base rune and its combining marks move as
// one unit. A column equal to the line length is the line's terminating
// position, just past its last character.
//
// Advance and Retreat return a Step telling what happened:
//
//	Moved      stayed on the same line, another character follows
//	LineEnd    reached the terminating position of the line
//	NextLine   crossed to another line
//	Stuck      no movement possible; the position is unchanged
//
// AdvanceSkipNul and RetreatSkipNul do not rest on the terminating
// position of a non-empty line, so repeated calls visit only real
// characters and the starts of empty lines.
//
// The functions read lines through the Lines interface, which
// engine.LineStore satisfies. They keep no state between calls.
package cursor
