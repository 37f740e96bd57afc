package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/dshills/memline/internal/app"
	"github.com/dshills/memline/internal/config"
	"github.com/dshills/memline/internal/engine"
	"github.com/dshills/memline/internal/engine/cursor"
)

func editCmd(g *globals) *Command {
	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	noWatch := fs.Bool("no-watch", false, "check the original file only at periodic syncs")

	return &Command{
		Flags: fs,
		Usage: "edit [file] [flags]",
		Short: "Edit a document line by line",
		Long: `Open file, or an unnamed document, and read line commands from stdin.
Changes go to a backing file in the background. Type 'help' for the
commands.`,
		Exec: func(ctx context.Context, o *IO, args []string) error {
			if len(args) > 1 {
				return errors.New("edit takes at most one file")
			}

			application, err := g.openApp(o, nil, !*noWatch)
			if err != nil {
				return err
			}

			r := &repl{o: o, app: application}
			if err := r.open(args); err != nil {
				_ = application.Shutdown(true)
				return err
			}
			return r.run(ctx)
		},
	}
}

// prompter reads command lines.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// scanPrompter reads commands from a non-interactive input.
type scanPrompter struct {
	sc *bufio.Scanner
}

func (p *scanPrompter) Prompt(string) (string, error) {
	if !p.sc.Scan() {
		if err := p.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return p.sc.Text(), nil
}

func (p *scanPrompter) AppendHistory(string) {}

// historyFile returns the path of the command history, or "".
func historyFile() string {
	dir := config.UserDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "history")
}

// newPrompter uses line editing when both streams are terminals. The
// returned function releases the terminal.
func newPrompter(o *IO) (prompter, func()) {
	if !isTerminal(o.in) || !o.tty {
		return &scanPrompter{sc: bufio.NewScanner(o.in)}, func() {}
	}

	l := liner.NewLiner()
	l.SetCtrlCAborts(true)
	l.SetCompleter(complete)
	if f, err := os.Open(historyFile()); err == nil {
		_, _ = l.ReadHistory(f)
		f.Close()
	}
	return l, func() {
		if path := historyFile(); path != "" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
				if f, err := os.Create(path); err == nil {
					_, _ = l.WriteHistory(f)
					f.Close()
				}
			}
		}
		l.Close()
	}
}

var replCommands = []string{
	"print", "append", "replace", "delete", "goto", "offset",
	"info", "stats", "sync", "preserve", "write", "help", "quit",
}

func complete(line string) []string {
	var out []string
	for _, c := range replCommands {
		if strings.HasPrefix(c, strings.ToLower(line)) {
			out = append(out, c)
		}
	}
	return out
}

// repl edits one session interactively.
type repl struct {
	o       *IO
	app     *app.Application
	session *app.Session
}

// open starts the session, warning about backing files a previous session
// left behind.
func (r *repl) open(args []string) error {
	sessions := r.app.Sessions()
	if len(args) == 0 {
		s, err := sessions.NewScratch()
		r.session = s
		return err
	}

	if found, err := sessions.Recoverable(args[0]); err == nil {
		for _, f := range found {
			if f.Err != nil {
				continue
			}
			r.o.ErrPrintf("ATTENTION: found backing file %s", f.Path)
			if f.InUse {
				r.o.ErrPrintf(" (in use)")
			}
			r.o.ErrPrintf("\n  run 'memline recover %s' to restore it\n", f.Path)
		}
	}

	s, err := sessions.Open(args[0])
	r.session = s
	return err
}

// run reads commands until quit, end of input or ctx is done. On quit or
// end of input the backing file is removed; when ctx ends first it is
// preserved for recovery.
func (r *repl) run(ctx context.Context) error {
	runErr := make(chan error, 1)
	go func() {
		err := r.app.Run(ctx)
		if errors.Is(err, app.ErrNotRunning) {
			// Shut down before the loop started.
			err = nil
		}
		runErr <- err
	}()

	p, release := newPrompter(r.o)
	done := make(chan error, 1)
	go func() { done <- r.loop(p) }()

	select {
	case err := <-done:
		release()
		return errors.Join(err, r.app.Shutdown(true), <-runErr)
	case <-ctx.Done():
		release()
		r.o.ErrPrintln("interrupted; backing files kept for recovery")
		return errors.Join(r.app.Shutdown(false), <-runErr)
	}
}

func (r *repl) loop(p prompter) error {
	r.o.Printf("%s: %d lines\n", r.displayName(), r.lineCount())

	for {
		line, err := p.Prompt(r.session.Name() + "> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				r.o.Println("(type 'q' to quit)")
				continue
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		p.AppendHistory(line)

		quit, err := r.exec(line)
		if err != nil {
			r.o.ErrPrintln("error:", err)
		}
		if quit {
			return nil
		}
	}
}

// exec runs one command line and reports whether to quit.
func (r *repl) exec(line string) (bool, error) {
	cmd, rest, _ := strings.Cut(strings.TrimLeft(line, " \t"), " ")

	switch strings.ToLower(cmd) {
	case "q", "quit", "exit":
		if r.session.IsModified() {
			return false, errors.New("unsaved changes (use 'w' to write or 'q!' to discard)")
		}
		return true, nil

	case "q!":
		return true, nil

	case "h", "help", "?":
		r.printHelp()
		return false, nil

	case "p", "print":
		return false, r.cmdPrint(strings.Fields(rest))

	case "a", "append":
		n, text, err := lineArg(rest, true)
		if err != nil {
			return false, err
		}
		return false, r.session.Edit(func(ls *engine.LineStore) error {
			return ls.AppendAfter(n, []byte(text))
		})

	case "r", "replace":
		n, text, err := lineArg(rest, false)
		if err != nil {
			return false, err
		}
		return false, r.session.Edit(func(ls *engine.LineStore) error {
			return ls.Replace(n, []byte(text))
		})

	case "d", "delete":
		n, _, err := lineArg(rest, false)
		if err != nil {
			return false, err
		}
		return false, r.session.Edit(func(ls *engine.LineStore) error {
			empty, err := ls.Delete(n)
			if empty {
				r.o.Println("--No lines in buffer--")
			}
			return err
		})

	case "g", "goto":
		return false, r.cmdGoto(strings.TrimSpace(rest))

	case "o", "offset":
		n, _, err := lineArg(rest, false)
		if err != nil {
			return false, err
		}
		return false, r.session.View(func(ls *engine.LineStore) error {
			off, err := ls.ByteOffset(n)
			if err != nil {
				return err
			}
			r.o.Printf("line %d starts at byte %d\n", n, off+1)
			return nil
		})

	case "info":
		return false, r.cmdInfo()

	case "stats":
		return false, r.cmdStats()

	case "sync":
		n, err := r.session.Sync(context.Background(), true)
		if err == nil {
			r.o.Printf("%d blocks written\n", n)
		}
		return false, err

	case "preserve":
		if err := r.session.Preserve(); err != nil {
			return false, err
		}
		r.o.Println("backing file preserved")
		return false, nil

	case "w", "write":
		return false, r.cmdWrite(strings.TrimSpace(rest))

	default:
		return false, fmt.Errorf("unknown command %q (type 'help' for commands)", cmd)
	}
}

// lineArg parses "<n> [text]". Line 0 is accepted when zeroOK is set.
func lineArg(rest string, zeroOK bool) (int, string, error) {
	num, text, _ := strings.Cut(rest, " ")
	n, err := strconv.Atoi(num)
	if err != nil {
		return 0, "", fmt.Errorf("line number expected, got %q", num)
	}
	if n < 0 || (n == 0 && !zeroOK) {
		return 0, "", fmt.Errorf("invalid line number %d", n)
	}
	return n, text, nil
}

func (r *repl) cmdPrint(args []string) error {
	if len(args) > 2 {
		return errors.New("usage: p [from [to]]")
	}
	bounds := make([]int, len(args))
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid line number %q", a)
		}
		bounds[i] = n
	}

	return r.session.View(func(ls *engine.LineStore) error {
		from, to := 1, ls.LineCount()
		switch len(bounds) {
		case 1:
			from, to = bounds[0], bounds[0]
		case 2:
			from, to = bounds[0], bounds[1]
		}
		if from > ls.LineCount() || to < from {
			return engine.ErrLineOutOfRange
		}
		to = min(to, ls.LineCount())
		for n := from; n <= to; n++ {
			r.o.Printf("%6d  %s\n", n, ls.Line(n))
		}
		return nil
	})
}

func (r *repl) cmdGoto(arg string) error {
	cnt, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("byte count expected, got %q", arg)
	}
	return r.session.View(func(ls *engine.LineStore) error {
		pos, err := cursor.GotoByte(ls, cnt)
		if err != nil {
			return err
		}
		r.o.Printf("%s  %s\n", pos, ls.Line(pos.Line))
		return nil
	})
}

func (r *repl) cmdInfo() error {
	name, modified := r.displayName(), r.session.IsModified()
	return r.session.View(func(ls *engine.LineStore) error {
		size, err := ls.Size()
		if err != nil {
			return err
		}
		flags := ls.Flags()
		r.o.Printf("document: %s\n", name)
		r.o.Printf("   lines: %d\n", ls.LineCount())
		r.o.Printf("   bytes: %d\n", size)
		r.o.Printf("modified: %s\n", yesNo(modified))
		r.o.Printf("   empty: %s\n", yesNo(flags.Has(engine.FlagEmpty)))
		if swap := ls.SwapPath(); swap != "" {
			r.o.Printf("    swap: %s\n", swap)
		} else {
			r.o.Println("    swap: none")
		}
		if ls.OriginalChanged() {
			r.o.Println("warning: the original file changed on disk")
		}
		if ls.AtRisk() {
			r.o.Println("warning: the backing file could not be written")
		}
		return nil
	})
}

func (r *repl) cmdStats() error {
	snap := r.app.Metrics().Snapshot()
	r.o.Printf("edits: %d  syncs: %d (%d failed)  blocks written: %d (%.1f per sync)\n",
		snap.Edits, snap.SyncCount, snap.SyncFailures, snap.BlocksWritten, snap.BlocksPerSync())
	r.o.Printf("preserves: %d  original changes: %d\n", snap.Preserves, snap.OriginalChanges)

	return r.session.View(func(ls *engine.LineStore) error {
		st := ls.Stats()
		r.o.Printf("pages: %d bytes, %d resident, %d dirty, %d placeholders, %d free extents, next page %d\n",
			st.PageSize, st.Resident, st.Dirty, st.Placeholders, st.FreeExtents, st.NextPage)
		return nil
	})
}

func (r *repl) cmdWrite(path string) error {
	var err error
	switch {
	case path != "":
		err = r.app.Sessions().SaveAs(r.session, path)
	default:
		err = r.session.Save()
	}
	if err != nil {
		return err
	}
	r.o.Printf("%q %d lines written\n", r.session.Path(), r.lineCount())
	return nil
}

func (r *repl) displayName() string {
	if p := r.session.Path(); p != "" {
		return p
	}
	return "[No Name]"
}

func (r *repl) lineCount() int {
	n := 0
	_ = r.session.View(func(ls *engine.LineStore) error {
		n = ls.LineCount()
		return nil
	})
	return n
}

func (r *repl) printHelp() {
	r.o.Println("Commands:")
	r.o.Println("  p [from [to]]      Print lines (all by default)")
	r.o.Println("  a <n> [text]       Append a line after line n (0 inserts at the top)")
	r.o.Println("  r <n> [text]       Replace line n")
	r.o.Println("  d <n>              Delete line n")
	r.o.Println("  g <byte>           Go to a byte (counting from 1) and show its line")
	r.o.Println("  o <n>              Show the byte at which line n starts")
	r.o.Println("  info               Show the document state")
	r.o.Println("  stats              Show sync and page counters")
	r.o.Println("  sync               Write changed blocks to the backing file")
	r.o.Println("  preserve           Make the backing file independent of the original")
	r.o.Println("  w [path]           Write the document, or write it to path")
	r.o.Println("  q / q!             Quit / quit discarding changes")
}
