package main

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// setupLogger builds a slog.Logger writing to stderr, or to a rotated
// file via lumberjack (plus stderr) when --log-file is set. Adapted from
// the daemon's setupDaemonLogger: same lumberjack defaults, same
// JSON-vs-text switch, generalized to a plain *slog.Logger since
// offlinectl has no need for the daemon's backward-compatible log()
// shim.
func setupLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: resolveLogLevel()}

	var w io.Writer = os.Stderr
	if logFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    50,
			MaxBackups: 7,
			MaxAge:     30,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, rotated)
	}

	var handler slog.Handler
	if logJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
