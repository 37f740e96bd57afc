package main

import (
	"context"
	"errors"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/dshills/memline/internal/engine/page"
	"github.com/dshills/memline/internal/engine/recovery"
)

func infoCmd() *Command {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print JSON")

	return &Command{
		Flags: fs,
		Usage: "info <swapfile> [flags]",
		Short: "Show the header of a backing file",
		Exec: func(_ context.Context, o *IO, args []string) error {
			if len(args) != 1 {
				return errors.New("info takes one backing file")
			}
			path := args[0]

			hdr, err := recovery.ReadHeader(path)
			if err != nil {
				return err
			}
			inUse, err := page.InUse(path)
			if err != nil {
				return err
			}

			if *asJSON {
				b := newObject().set("path", path).set("in_use", inUse)
				headerJSON(b, "", hdr)
				js, err := b.String()
				if err != nil {
					return err
				}
				o.writeJSON(js)
				return nil
			}

			o.Printf("backing file: %s\n", path)
			o.Printf("   file name: %s\n", originalName(hdr))
			o.Printf("     session: %s\n", hdr.Session)
			o.Printf("     created: %s\n", hdr.Created.Local().Format(time.DateTime))
			o.Printf("    owned by: %s   process ID: %d\n", hdr.Host, hdr.PID)
			o.Printf("   page size: %d\n", hdr.PageSize)
			o.Printf("    modified: %s\n", yesNo(hdr.Flags.Has(recovery.FlagModified)))
			o.Printf("   preserved: %s\n", yesNo(hdr.Flags.Has(recovery.FlagPreserved)))
			o.Printf("      in use: %s\n", yesNo(inUse))
			if !hdr.Flags.Has(recovery.FlagNoOriginal) {
				o.Printf("    original: %d bytes, modified %s\n",
					hdr.Original.Size, hdr.Original.ModTime.Local().Format(time.DateTime))
			}
			return nil
		},
	}
}
