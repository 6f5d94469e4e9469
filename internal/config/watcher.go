package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultCoalesce is how long the watcher gathers writes to one file before
// reporting it. Editors commonly emit several events for a single save.
const DefaultCoalesce = 150 * time.Millisecond

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// IsPolicy reports whether the event concerns policy.yaml.
func (e ReloadEvent) IsPolicy() bool {
	return filepath.Base(e.Path) == policyFile
}

// Watcher reports edits to config.yaml and policy.yaml. The home directory is
// watched instead of the files so saves that replace a file by rename are seen.
type Watcher struct {
	dir      string
	logger   *slog.Logger
	out      chan ReloadEvent
	Coalesce time.Duration
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{dir: homeDir, logger: logger, out: make(chan ReloadEvent, 16), Coalesce: DefaultCoalesce}
}

// Events is closed once the context passed to Start is done.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.out
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return err
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer close(w.out)
	defer fsw.Close()

	pending := map[string]fsnotify.Op{}
	var flush <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !watched(ev) {
				continue
			}
			if len(pending) == 0 {
				flush = time.After(w.Coalesce)
			}
			pending[ev.Name] |= ev.Op
		case <-flush:
			for path, op := range pending {
				w.logger.Info("config file changed", "path", path, "op", op.String())
				select {
				case w.out <- ReloadEvent{Path: path, Op: op}:
				default:
					w.logger.Warn("reload event dropped", "path", path)
				}
			}
			clear(pending)
			flush = nil
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

func watched(ev fsnotify.Event) bool {
	switch filepath.Base(ev.Name) {
	case configFile, policyFile:
		return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
	}
	return false
}
