// Package logging owns the process-wide operational logger both daemons
// write to: admission decisions, catalog failures, shutdown progress.
// It is deliberately separate from the per-run log (internal/runlog),
// which belongs to a single pipeline run and is streamed back to the
// run's submitter.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	opLevel  = new(slog.LevelVar)
)

func init() {
	opLevel.Set(slog.LevelInfo)
	opLogger.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opLevel})))
}

// Op returns the operational logger. Callers hold no reference across
// reconfiguration; fetching it per call site picks up InitStructured
// changes immediately.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetLevel changes the operational log level.
func SetLevel(level slog.Level) {
	opLevel.Set(level)
}

// SetLevelFromString sets the level from its config-file spelling:
// "debug", "info", "warn"/"warning", or "error". Unknown values leave
// the level unchanged.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		opLevel.Set(slog.LevelDebug)
	case "info":
		opLevel.Set(slog.LevelInfo)
	case "warn", "warning":
		opLevel.Set(slog.LevelWarn)
	case "error":
		opLevel.Set(slog.LevelError)
	}
}
