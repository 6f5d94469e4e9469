package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lastLine(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.NotEmpty(t, strings.TrimSpace(lines[0]), "expected at least one log line")
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	return entry
}

func TestNewLogger_WritesSystemLog(t *testing.T) {
	home := t.TempDir()
	level := new(slog.LevelVar)
	level.Set(slog.LevelDebug)
	logger, closer, err := NewLogger(home, level, true)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("task claimed", "task_id", "task-1", "conversation_id", "conv-1")

	raw, err := os.ReadFile(filepath.Join(home, "logs", LogFile))
	require.NoError(t, err)
	entry := lastLine(t, raw)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		assert.Contains(t, entry, key)
	}
	assert.NotContains(t, entry, "time")
	assert.Equal(t, "runtime", entry["component"])
	assert.Equal(t, "task-1", entry["task_id"])
	assert.Equal(t, "conv-1", entry["conversation_id"])
}

func TestNewHandler_ScrubsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("auth check",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
		"detail", "retrying with bearer abcdefghijklmnop",
		"role", "worker",
	)
	entry := lastLine(t, buf.Bytes())
	assert.Equal(t, "[REDACTED]", entry["api_key"])
	assert.Equal(t, "[REDACTED]", entry["auth_header"])
	assert.Equal(t, "retrying with bearer [REDACTED]", entry["detail"])
	assert.Equal(t, "worker", entry["role"])
}

func TestNewHandler_ScrubsInsideGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, slog.LevelInfo))
	logger.Info("reload", slog.Group("auth", slog.String("token", "abc"), slog.Int("keys", 2)))

	entry := lastLine(t, buf.Bytes())
	group, ok := entry["auth"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", group["token"])
	assert.EqualValues(t, 2, group["keys"])
}

func TestLevelVar_ChangesTakeEffect(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger := slog.New(NewHandler(&buf, level))

	logger.Info("hidden")
	assert.Zero(t, buf.Len())

	level.Set(ParseLevel("debug"))
	logger.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestComponent_TagsLogger(t *testing.T) {
	var buf bytes.Buffer
	Component(slog.New(NewHandler(&buf, slog.LevelInfo)), "scheduler").Info("hello")
	assert.Equal(t, "scheduler", lastLine(t, buf.Bytes())["component"])
	assert.NotNil(t, Component(nil, "x"))
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		"debug+2": slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
