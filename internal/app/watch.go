package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nuetzliches/workq/internal/queue"
)

const watchDebounce = 200 * time.Millisecond

// watchConfig calls reload after the config file settles. The parent
// directory is watched so editors that replace the file atomically are
// still seen.
func watchConfig(ctx context.Context, path string, logger *slog.Logger, reload func()) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	defer w.Close()

	base := filepath.Base(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		logger.Warn("watch_disabled", slog.Any("err", err))
		return
	}
	logger.Info("watching_config", slog.String("path", path))

	var timer *time.Timer
	var timerCh <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			timerCh = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Warn("watch_error", slog.Any("err", err))
		case <-timerCh:
			timerCh = nil
			reload()
		}
	}
}

// reloadMonitor re-reads path and applies the sweep settings to m. Store
// and listener settings need a restart; a change there is logged and
// otherwise ignored.
func reloadMonitor(path string, running Config, m *queue.Monitor, logger *slog.Logger) (Config, bool) {
	next, err := loadConfig(path)
	if err != nil {
		logger.Error("config_reload_failed", slog.Any("err", err))
		return running, false
	}
	if next.Backend != running.Backend || next.DSN != running.DSN || next.Queue != running.Queue ||
		next.Ops != running.Ops {
		logger.Warn("config_reload_requires_restart",
			slog.String("hint", "store and listener changes apply on restart"))
	}
	m.Update(next.Monitor.queueConfig())
	logger.Info("config_reloaded", slog.String("path", path))
	return next, true
}
