// Package telemetry builds the structured logger shared by every component.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/taskrelay/internal/shared"
)

// LogFile is the process log under <home>/logs.
const LogFile = "system.jsonl"

// NewLogger appends JSON lines to <homeDir>/logs/system.jsonl and, unless
// quiet, mirrors them to stdout. Level changes made through level apply to
// loggers already handed out.
func NewLogger(homeDir string, level *slog.LevelVar, quiet bool) (*slog.Logger, io.Closer, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, LogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	if level == nil {
		level = new(slog.LevelVar)
	}
	out := io.Writer(f)
	if !quiet {
		out = io.MultiWriter(os.Stdout, f)
	}
	logger := slog.New(NewHandler(out, level)).With("component", "runtime", "trace_id", "-")
	return logger, f, nil
}

// NewHandler is the JSON handler used for every log line: the time key is
// "timestamp" and credentials never reach the output.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level, ReplaceAttr: scrub})
}

// Component tags logger with a component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

func scrub(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shared.SensitiveKey(a.Key) {
		return slog.String(a.Key, shared.Redacted)
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	if strings.Contains(strings.ToLower(v), "authorization:") {
		return slog.String(a.Key, shared.Redacted)
	}
	if r := shared.Redact(v); r != v {
		return slog.String(a.Key, r)
	}
	return a
}

// ParseLevel maps the log_level config value to a slog level. Anything
// unrecognised is info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "warning":
		return slog.LevelWarn
	case "debug", "info", "warn", "error":
		if err := l.UnmarshalText([]byte(v)); err == nil {
			return l
		}
	}
	return slog.LevelInfo
}
