// echo-core keeps a resolved login session and a mirror of the live trading
// feed for the Echo backend, serving both to local consumers over HTTP.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/forexecho/echo-core/app"
	"github.com/forexecho/echo-core/ops"
)

var (
	// version is injected at build time via -ldflags.
	version = "v0.0.0"

	// buildString is injected at build time with build time and git info.
	buildString = "dev build"
)

func initLogger() (*slog.Logger, *ops.LogBuffer) {
	// Default to INFO level, can be overridden by LOG_LEVEL env var.
	// Valid levels: debug, info, warn, error
	var level slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logBuffer := ops.NewLogBuffer(500)
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	tee := ops.NewTeeHandler(inner, logBuffer)
	return slog.New(tee), logBuffer
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("echo-core %s\n", version)
		fmt.Printf("Build: %s\n", buildString)
		os.Exit(0)
	}

	// Tee log records into a ring buffer so the /logs endpoint can serve
	// recent history.
	logger, logBuffer := initLogger()

	cfg, err := app.LoadConfig(version, logger)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting echo-core...", "version", version, "build", buildString)
	if err := app.New(cfg, logger, logBuffer).Run(); err != nil {
		logger.Error("Daemon exited with error", "error", err)
		os.Exit(1)
	}
}
