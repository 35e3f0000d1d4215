package logging

import (
	"log/slog"
	"os"
)

// InitStructured reconfigures the operational logger from the daemon's
// logging config: format is "text" (default) or "json" for log
// shippers, level follows SetLevelFromString's spellings. Both daemons
// call this once at startup, before anything else logs.
func InitStructured(format, level string) {
	SetLevelFromString(level)

	opts := &slog.HandlerOptions{Level: opLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	opLogger.Store(slog.New(handler))
}

// OpWithTrace returns the operational logger annotated with the active
// trace context, so a run's daemon-side log lines join up with its
// spans. With no trace ID it is just Op().
func OpWithTrace(traceID, spanID string) *slog.Logger {
	l := opLogger.Load()
	if traceID == "" {
		return l
	}
	args := []any{"trace_id", traceID}
	if spanID != "" {
		args = append(args, "span_id", spanID)
	}
	return l.With(args...)
}
