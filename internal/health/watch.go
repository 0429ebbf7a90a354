package health

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"manageragent/internal/config"
	"manageragent/internal/logging"
)

// WatchConfig hot-reloads probe settings when config.yaml changes. It
// watches the directory rather than the file so editors that replace the
// file (write to temp, rename over) keep the watch alive.
func (c *Checker) WatchConfig(ctx context.Context, configPath string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	logging.Health("Watching %s for config changes", configPath)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(configPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			cfg, err := config.LoadFile(configPath)
			if err != nil {
				logging.Get(logging.CategoryHealth).Warn("Ignoring bad config reload: %v", err)
				continue
			}
			c.Reconfigure(Options{
				Interval:        config.Duration(cfg.Health.ProbeInterval, 30*time.Second),
				Timeout:         config.Duration(cfg.Health.ProbeTimeout, 5*time.Second),
				DegradedLatency: config.Duration(cfg.Health.DegradedLatency, time.Second),
				Path:            cfg.Health.Path,
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Get(logging.CategoryHealth).Warn("Watcher error: %v", err)
		}
	}
}
