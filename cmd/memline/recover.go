package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/dshills/memline/internal/app"
	"github.com/dshills/memline/internal/engine"
	"github.com/dshills/memline/internal/engine/page"
	"github.com/dshills/memline/internal/engine/recovery"
)

func recoverCmd(g *globals) *Command {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	output := fs.StringP("output", "o", "", "write the recovered document to this file instead of stdout")
	remove := fs.Bool("delete", false, "remove the backing file when nothing was lost")
	force := fs.Bool("force", false, "recover even if a running session holds the backing file")
	asJSON := fs.Bool("json", false, "print the recovery report as JSON on stdout (requires -o)")

	return &Command{
		Flags: fs,
		Usage: "recover <swapfile> [flags]",
		Short: "Rebuild a document from a backing file",
		Long: `Rebuild the document stored in a backing file. Lines that were never
written to the backing file are read from the original file; lines that
cannot be found are replaced by "` + recovery.LinesMissing + `".

The document goes to stdout unless -o names a file.`,
		Exec: func(_ context.Context, o *IO, args []string) (err error) {
			if len(args) != 1 {
				return errors.New("recover takes one backing file")
			}
			if *asJSON && *output == "" {
				return errors.New("--json needs -o")
			}
			swap := args[0]

			inUse, err := page.InUse(swap)
			if err != nil {
				return err
			}
			if inUse && !*force {
				return fmt.Errorf("%s is in use by a running session (use --force)", swap)
			}

			application, err := g.openApp(o, nil, false)
			if err != nil {
				return err
			}
			defer func() {
				err = errors.Join(err, application.Shutdown(true))
			}()

			s, rep, err := application.Sessions().Recover(swap)
			if err != nil {
				return err
			}
			if *output != "" {
				err = application.Sessions().SaveAs(s, *output)
			} else {
				err = s.View(func(ls *engine.LineStore) error {
					_, err := ls.WriteTo(o.out)
					return err
				})
			}
			if err != nil {
				return err
			}

			if *asJSON {
				if err := printReportJSON(o, swap, s, rep); err != nil {
					return err
				}
			} else {
				printReport(o, swap, rep)
			}

			if *remove {
				if rep.LostLines > 0 {
					o.ErrPrintf("keeping %s: lines are missing\n", swap)
					return nil
				}
				if err := os.Remove(swap); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func printReport(o *IO, swap string, rep *recovery.Report) {
	o.ErrPrintf("recovered %d lines from %s\n", rep.Lines, swap)
	if rep.FromOriginal > 0 {
		o.ErrPrintf("%d lines read from %s\n", rep.FromOriginal, rep.OriginalPath)
	}
	if rep.LostLines > 0 {
		o.ErrPrintf("%d lines in %d blocks are missing, marked %q\n", rep.LostLines, rep.LostBlocks, recovery.LinesMissing)
	}
	if rep.OriginalChanged {
		o.ErrPrintln("warning: the original file changed after the backing file was written")
	}
}

func printReportJSON(o *IO, swap string, s *app.Session, rep *recovery.Report) error {
	b := newObject().
		set("swap", swap).
		set("output", s.Path()).
		set("lines", rep.Lines).
		set("from_original", rep.FromOriginal).
		set("lost_lines", rep.LostLines).
		set("lost_blocks", rep.LostBlocks).
		set("count_mismatches", rep.CountMismatches).
		set("original_changed", rep.OriginalChanged)
	headerJSON(b, "header.", rep.Header)
	js, err := b.String()
	if err != nil {
		return err
	}
	o.writeJSON(js)
	return nil
}
