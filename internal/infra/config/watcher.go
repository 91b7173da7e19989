package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Holder whenever its config file changes on disk.
type Watcher struct {
	holder   *Holder
	logger   *slog.Logger
	debounce time.Duration
	onReload func(*Config)
}

// NewWatcher creates a watcher for h. onReload, if set, runs after every
// successful reload.
func NewWatcher(h *Holder, logger *slog.Logger, onReload func(*Config)) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{holder: h, logger: logger, debounce: 200 * time.Millisecond, onReload: onReload}
}

// Start watches the directory holding the config file until ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	target, err := filepath.Abs(w.holder.Path())
	if err != nil {
		fsw.Close()
		return err
	}
	if err := fsw.Add(filepath.Dir(target)); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(w.debounce)
			case <-pending:
				pending = nil
				w.reload()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (w *Watcher) reload() {
	cfg, err := w.holder.Reload()
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "path", w.holder.Path(), "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.holder.Path())
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
