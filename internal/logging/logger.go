// Package logging configures the process-wide structured logger and the
// per-session attribute conventions layered on top of it.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// nopCloser is returned by New when no log file was requested.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New creates a slog.Logger for the given level and format.
// Supported formats: "json" (default) and "text". Supported levels: "debug",
// "info" (default), "warn", "error". If filePath is non-empty, logs are
// written to stdout and the file (io.MultiWriter); the returned io.Closer
// must be closed on shutdown. An empty filePath yields a no-op closer.
//
// At debug level the handler also records the call site (file:line) of each
// log call, since that is the level an operator reaches for while chasing a
// single session's handshake or a stream's resend behavior.
func New(level, format, filePath string) (*slog.Logger, io.Closer) {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return slog.New(handler), closer
}

// WithSession attaches the attributes every session-scoped log line carries:
// its trace id (spec.md §3 expansion, generated with rs/xid) and the peer
// address it is talking to. Every log call a Session makes goes through a
// logger built by this function, so grepping one trace id recovers that
// session's full PING/GREETING/CONNECTED/CLOSED lifecycle.
func WithSession(logger *slog.Logger, traceID, peerAddr string) *slog.Logger {
	return logger.With("session", traceID, "peer_addr", peerAddr)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
