// Package main is the entry point for the improver CLI.
package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
)

// Build-time variables (set via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

// appContext is bound into every command's Run method.
type appContext struct {
	ctx    context.Context
	stop   context.CancelFunc // Restores default signal handling
	root   string
	logger *slog.Logger
	out    io.Writer
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("improver"),
		kong.Description("Background code-improvement engine."),
		kong.UsageOnError(),
		kongVars(),
	)

	logger := newLogger(os.Stderr, cli.Verbose)
	slog.SetDefault(logger)

	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root, err := filepath.Abs(cli.Root)
	kctx.FatalIfErrorf(err)

	err = kctx.Run(&appContext{
		ctx:    ctx,
		stop:   stop,
		root:   root,
		logger: logger,
		out:    os.Stdout,
	})
	kctx.FatalIfErrorf(err)
}

// newLogger returns a text logger on w; verbose enables debug records.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
