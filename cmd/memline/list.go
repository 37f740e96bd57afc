package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/dshills/memline/internal/engine"
	"github.com/dshills/memline/internal/engine/recovery"
)

func listCmd(g *globals) *Command {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	file := fs.StringP("file", "f", "", "only list backing files of this document")
	asJSON := fs.Bool("json", false, "print JSON")

	return &Command{
		Flags: fs,
		Usage: "list [dir] [flags]",
		Short: "List backing files left for recovery",
		Long: `List the backing files in dir, newest first. Without dir the configured
swap directory is searched, or the working directory when none is set.
With --file only the backing files of that document are listed, wherever
the configuration puts them.`,
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) > 1 {
				return errors.New("list takes at most one directory")
			}

			application, err := g.openApp(o, nil, false)
			if err != nil {
				return err
			}
			defer application.Shutdown(true)

			var found []recovery.Session
			switch {
			case *file != "":
				found, err = application.Sessions().Recoverable(*file)
			default:
				dir := application.Config().Swap.Dir
				if len(args) == 1 {
					dir = args[0]
				}
				if dir == "" {
					dir = "."
				}
				found, err = engine.ListRecoverable(dir, recovery.ListOptions{})
			}
			if err != nil {
				return err
			}

			if *asJSON {
				return printSessionsJSON(o, found)
			}
			printSessions(o, found)
			return nil
		},
	}
}

func printSessionsJSON(o *IO, found []recovery.Session) error {
	b := newObject().setRaw("sessions", "[]")
	for _, s := range found {
		js, err := sessionJSON(s)
		if err != nil {
			return err
		}
		b.setRaw("sessions.-1", js)
	}
	js, err := b.String()
	if err != nil {
		return err
	}
	o.writeJSON(js)
	return nil
}

func printSessions(o *IO, found []recovery.Session) {
	if len(found) == 0 {
		o.Println("No backing files found.")
		return
	}

	o.Println("Backing files found:")
	for i, s := range found {
		o.Printf("%d.    %s\n", i+1, s.Path)
		if s.Err != nil {
			o.Printf("          [cannot be read: %v]\n", s.Err)
			continue
		}
		hdr := s.Header
		o.Printf("          file name: %s\n", originalName(hdr))
		o.Printf("           modified: %s\n", yesNo(hdr.Flags.Has(recovery.FlagModified)))
		o.Printf("           owned by: %s\n", owner(s))
		o.Printf("               date: %s\n", hdr.Created.Local().Format(time.DateTime))
		if s.InUse {
			o.Println("          [in use by a running session]")
		}
	}
}

func owner(s recovery.Session) string {
	out := fmt.Sprintf("%s   process ID: %d", s.Header.Host, s.Header.PID)
	if s.ProcessRunning {
		out += " (STILL RUNNING)"
	}
	return out
}
