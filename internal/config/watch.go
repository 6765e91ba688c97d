package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchConflictStrategy watches configPath for writes and invokes onChange
// with the freshly re-read ConflictStrategy whenever the file changes.
// Only conflictStrategy is live-reloaded (spec §6 lists it as the single
// user-selectable field at runtime); every other option requires a
// process restart, matching the teacher's viper+fsnotify config-reload
// pairing which watches the whole file but this layer narrows to one key
// so an in-flight sync cycle never observes a changed batch size mid-run.
func WatchConflictStrategy(ctx context.Context, configPath string, logger *slog.Logger, onChange func(ConflictStrategy)) error {
	if configPath == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(configPath) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				opts, err := Load(configPath)
				if err != nil {
					logger.Warn("config: reload failed", "error", err)
					continue
				}
				logger.Info("config: conflict strategy reloaded", "strategy", opts.ConflictStrategy)
				onChange(opts.ConflictStrategy)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config: watch error", "error", err)
			}
		}
	}()
	return nil
}
