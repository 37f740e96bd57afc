package main

import (
	"time"

	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/dshills/memline/internal/engine/recovery"
)

// object builds a JSON object one field at a time. The first error sticks.
type object struct {
	js  string
	err error
}

func newObject() *object { return &object{js: "{}"} }

func (b *object) set(path string, v any) *object {
	if b.err == nil {
		b.js, b.err = sjson.Set(b.js, path, v)
	}
	return b
}

func (b *object) setRaw(path, raw string) *object {
	if b.err == nil {
		b.js, b.err = sjson.SetRaw(b.js, path, raw)
	}
	return b
}

func (b *object) String() (string, error) { return b.js, b.err }

// writeJSON prints js indented and colored on a terminal, compact
// otherwise.
func (o *IO) writeJSON(js string) {
	if o.tty {
		_, _ = o.out.Write(pretty.Color(pretty.Pretty([]byte(js)), nil))
		return
	}
	_, _ = o.out.Write(append(pretty.Ugly([]byte(js)), '\n'))
}

// headerJSON sets the fields of hdr under prefix.
func headerJSON(b *object, prefix string, hdr recovery.Header) {
	b.set(prefix+"version", hdr.Version).
		set(prefix+"page_size", hdr.PageSize).
		set(prefix+"session", hdr.Session.String()).
		set(prefix+"created", hdr.Created.Format(time.RFC3339)).
		set(prefix+"pid", hdr.PID).
		set(prefix+"host", hdr.Host).
		set(prefix+"modified", hdr.Flags.Has(recovery.FlagModified)).
		set(prefix+"preserved", hdr.Flags.Has(recovery.FlagPreserved))

	if hdr.Flags.Has(recovery.FlagNoOriginal) {
		b.set(prefix+"original", nil)
		return
	}
	b.set(prefix+"original.path", hdr.Original.Path).
		set(prefix+"original.size", hdr.Original.Size).
		set(prefix+"original.mtime", hdr.Original.ModTime.Format(time.RFC3339Nano)).
		set(prefix+"original.truncated", hdr.Flags.Has(recovery.FlagPathTruncated))
}

// sessionJSON describes a backing file found on disk.
func sessionJSON(s recovery.Session) (string, error) {
	b := newObject().
		set("path", s.Path).
		set("mtime", s.ModTime.Format(time.RFC3339)).
		set("in_use", s.InUse).
		set("process_running", s.ProcessRunning)
	if s.Err != nil {
		b.set("error", s.Err.Error())
		return b.String()
	}
	headerJSON(b, "", s.Header)
	return b.String()
}

// originalName returns the path of the document hdr belongs to, or a
// placeholder for documents that were never saved.
func originalName(hdr recovery.Header) string {
	if hdr.Flags.Has(recovery.FlagNoOriginal) {
		return "[No Name]"
	}
	return hdr.Original.Path
}

func yesNo(v bool) string {
	if v {
		return "YES"
	}
	return "no"
}
