// Package main is the entry point of the memline command: it lists,
// inspects and recovers backing files, and edits documents line by line
// through the same storage engine.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Handle signals for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	return Run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args)
}
