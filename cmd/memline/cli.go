package main

import (
	"context"
	"errors"
	"io"

	flag "github.com/spf13/pflag"

	"github.com/dshills/memline/internal/app"
)

// globals holds the flags accepted before the command name.
type globals struct {
	configPath string
	logLevel   string
}

// openApp starts an application with the global settings. Log output goes
// to stderr.
func (g *globals) openApp(o *IO, files []string, watch bool) (*app.Application, error) {
	return app.New(app.Options{
		ConfigPath: g.configPath,
		LogLevel:   g.logLevel,
		LogOutput:  o.errOut,
		Files:      files,
		Watch:      watch,
	})
}

func commands(g *globals) []*Command {
	return []*Command{
		listCmd(g),
		infoCmd(),
		recoverCmd(g),
		editCmd(g),
		versionCmd(),
	}
}

// Run is the main entry point. args[0] is the program name. It returns
// the exit code.
func Run(ctx context.Context, in io.Reader, out, errOut io.Writer, args []string) int {
	o := NewIO(in, out, errOut)
	g := &globals{}
	cmds := commands(g)

	fs := flag.NewFlagSet("memline", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)
	fs.StringVarP(&g.configPath, "config", "c", "", "path to configuration file")
	fs.StringVar(&g.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	showVersion := fs.BoolP("version", "v", false, "show version information")

	if len(args) > 0 {
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			printUsage(o, fs, cmds)
			return 0
		}
		o.ErrPrintln("error:", err)
		return 1
	}
	if *showVersion {
		printVersion(o)
		return 0
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(o, fs, cmds)
		return 0
	}
	if rest[0] == "help" {
		if len(rest) > 1 {
			if c := find(cmds, rest[1]); c != nil {
				c.PrintHelp(o)
				return 0
			}
		}
		printUsage(o, fs, cmds)
		return 0
	}

	c := find(cmds, rest[0])
	if c == nil {
		o.ErrPrintln("error: unknown command:", rest[0])
		return 1
	}
	return c.Run(ctx, o, rest[1:])
}

func find(cmds []*Command, name string) *Command {
	for _, c := range cmds {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

func printUsage(o *IO, fs *flag.FlagSet, cmds []*Command) {
	o.Println("memline - paged line storage with crash recovery")
	o.Println()
	o.Println("Usage: memline [flags] <command> [args]")
	o.Println()
	o.Println("Commands:")
	for _, c := range cmds {
		o.Println(c.HelpLine())
	}
	o.Println()
	o.Println("Flags:")
	o.Printf("%s", fs.FlagUsages())
	o.Println()
	o.Println("Run 'memline help <command>' for details on a command.")
}

func printVersion(o *IO) {
	o.Printf("memline %s (commit: %s, built: %s)\n", version, commit, date)
}

func versionCmd() *Command {
	return &Command{
		Flags: flag.NewFlagSet("version", flag.ContinueOnError),
		Usage: "version",
		Short: "Show version information",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			printVersion(o)
			return nil
		},
	}
}
