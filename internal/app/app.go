// Package app wires the orderwatch dependencies and runs one CLI command
// against them. Every command writes JSON lines to the output writer and
// returns a process exit code.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/orderwatch/internal/config"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	out     io.Writer
	errOut  io.Writer
	deps    *Dependencies
	closers []func()
}

// New creates an App that writes results to out and usage text to errOut.
func New(cfg *config.Config, logger *slog.Logger, out, errOut io.Writer) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		out:    out,
		errOut: errOut,
	}
}

// WithDependencies replaces Wire; the caller keeps ownership of deps.
func (a *App) WithDependencies(deps *Dependencies) *App {
	a.deps = deps
	return a
}

// NewLogger builds the JSON logger at the named level. Unknown levels fall
// back to info.
func NewLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// Run executes the command named by args[0] and returns the exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		a.usage()
		return ExitFailure
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(a.errOut, "unknown command %q\n", args[0])
		a.usage()
		return ExitFailure
	}

	return cmd.run(a, ctx, args[1:])
}

// ensureDeps wires the dependencies on first use. Commands call it after
// their flags are parsed so offline commands never dial anything. It reports
// false after emitting the failure.
func (a *App) ensureDeps(ctx context.Context, offline bool) bool {
	if a.deps != nil {
		return true
	}
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger, WireOpts{Offline: offline})
	if err != nil {
		a.logger.ErrorContext(ctx, "wire dependencies failed", slog.String("error", err.Error()))
		a.emit(map[string]any{"ok": false, "error": err.Error()})
		return false
	}
	a.deps = deps
	a.closers = append(a.closers, cleanup)
	return true
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// emit writes v as one JSON line.
func (a *App) emit(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		a.logger.Error("marshal result", slog.String("error", err.Error()))
		return
	}
	b = append(b, '\n')
	_, _ = a.out.Write(b)
}

func (a *App) usage() {
	fmt.Fprintln(a.errOut, "usage: orderwatch [--config path] <command> [flags]")
	fmt.Fprintln(a.errOut, "commands:")
	for _, name := range commandOrder {
		fmt.Fprintf(a.errOut, "  %-9s %s\n", name, commands[name].help)
	}
}
