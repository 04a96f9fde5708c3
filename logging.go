package wren

import (
	"log/slog"
	"os"

	"github.com/golang-cz/devslog"
)

var logLevel = new(slog.LevelVar)

// ConfigureLogging sets up the global default logger and picks the log
// level from the WREN_LOG_LEVEL environment variable, defaulting to
// Info. WREN_LOG=dev switches to the colorized development handler.
//
// Call it at application startup to use the default configuration;
// everything here logs through slog.Default either way.
func ConfigureLogging() {
	logLevel.Set(slog.LevelInfo)
	switch os.Getenv("WREN_LOG_LEVEL") {
	case "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "WARN":
		logLevel.Set(slog.LevelWarn)
	case "ERROR":
		logLevel.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if os.Getenv("WREN_LOG") == "dev" {
		handler = devslog.NewHandler(os.Stdout, &devslog.Options{HandlerOptions: opts})
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// SetLogLevel adjusts the level configured by ConfigureLogging.
func SetLogLevel(level slog.Level) {
	logLevel.Set(level)
}
