package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/basket/taskrelay/internal/config"
)

func waitForReload(t *testing.T, w *config.Watcher, path string, body []byte) config.ReloadEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	require.NoError(t, os.WriteFile(path, body, 0o644))
	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) == filepath.Base(path) {
				return ev
			}
		case <-tick.C:
			// The watcher may not have been armed for the first write.
			_ = os.WriteFile(path, body, 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for %s change event", filepath.Base(path))
		}
	}
}

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644))

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	ev := waitForReload(t, w, cfgPath, []byte("log_level: debug\n"))
	require.False(t, ev.IsPolicy())
}

func TestWatcher_DetectsPolicyCreate(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	ev := waitForReload(t, w, config.PolicyPath(homeDir), []byte("roles: {}\n"))
	require.True(t, ev.IsPolicy())
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644))
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	cancel()

	select {
	case _, ok := <-w.Events():
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}

func TestWatcher_StartFailsForMissingHome(t *testing.T) {
	w := config.NewWatcher(filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, w.Start(context.Background()))
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := config.ConfigPath(homeDir)
	require.NoError(t, os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644))

	w := config.NewWatcher(homeDir, nil)
	w.Coalesce = 500 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	// fsw.Add has completed once Start returns, so these writes are observed.
	// Several writes inside one window produce a single event.
	for _, lvl := range []string{"warn", "error", "debug"} {
		require.NoError(t, os.WriteFile(cfgPath, []byte("log_level: "+lvl+"\n"), 0o644))
	}
	got := 0
	var last config.ReloadEvent
	timeout := time.After(1500 * time.Millisecond)
	for done := false; !done; {
		select {
		case ev := <-w.Events():
			last = ev
			got++
		case <-timeout:
			done = true
		}
	}
	require.Equal(t, 1, got)
	require.Equal(t, cfgPath, last.Path)
	require.False(t, last.IsPolicy())
}
