package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zbynekdrlik/audiotester/cmd"
	"github.com/zbynekdrlik/audiotester/internal/conf"
	"github.com/zbynekdrlik/audiotester/internal/logging"
)

func main() {
	settings, err := conf.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logging.Init(logLevel(settings))

	rootCmd := cmd.RootCommand(settings)
	if err := rootCmd.Execute(); err != nil {
		logging.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// logLevel maps the configured level string to slog. The debug flag wins
// over the configured level.
func logLevel(settings *conf.Settings) slog.Level {
	if settings.Main.Debug {
		return slog.LevelDebug
	}
	switch strings.ToLower(settings.Main.LogLevel) {
	case "trace":
		return logging.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
