package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/conneroisu/navkit/internal/logging"
)

// Watch reloads the configuration file at path whenever it changes and hands
// the new configuration to onChange. Invalid edits are logged and skipped so a
// running session keeps its last good configuration. Watch blocks until ctx is
// done.
func Watch(ctx context.Context, path string, logger logging.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// editors replace files atomically, so watch the directory
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	target := filepath.Clean(path)
	logger = logger.WithComponent("config_watch")

	var debounce *time.Timer
	reload := func() {
		v := viper.New()
		v.SetConfigFile(target)
		if err := v.ReadInConfig(); err != nil {
			logger.Warn(ctx, err, "Config reload failed", "path", target)
			return
		}
		cfg, err := LoadFrom(v)
		if err != nil {
			logger.Warn(ctx, err, "Config reload rejected", "path", target)
			return
		}
		logger.Info(ctx, "Config reloaded", "path", target)
		onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(100*time.Millisecond, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, err, "Config watcher error")
		}
	}
}
