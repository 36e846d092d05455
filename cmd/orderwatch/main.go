// Command orderwatch places stock orders through the trading gateway and
// follows their lifecycle. Each command prints JSON lines on stdout and exits
// 0 on success, 1 on failure and 130 when a watch is interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/orderwatch/internal/app"
	"github.com/alanyoungcy/orderwatch/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (optional)")
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: orderwatch [--config path] <health|validate|place|watch|trade|archive|events> [flags]")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		return app.ExitFailure
	}

	logger = app.NewLogger(cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		return app.ExitFailure
	}
	logger.Debug("configuration loaded", slog.Any("config", config.RedactedConfig(cfg)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := app.New(cfg, logger, os.Stdout, os.Stderr)
	defer application.Close()

	return application.Run(ctx, flag.Args())
}
