package sharing

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchPresets reloads the custom presets whenever the file at path changes,
// until ctx is cancelled. The directory is watched rather than the file so
// editors that replace the file by rename are seen. A file that fails to
// load leaves the previous presets in place.
func WatchPresets(ctx context.Context, presets *Presets, path string, logger *log.Logger) error {
	if logger == nil {
		logger = log.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create presets watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if err := presets.Reload(target); err != nil {
				presetReloads.WithLabelValues("error").Inc()
				logger.Printf("presets %s not reloaded: %v", target, err)
				continue
			}
			presetReloads.WithLabelValues("ok").Inc()
			logger.Printf("presets reloaded from %s", target)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("presets watcher: %v", err)
		}
	}
}
