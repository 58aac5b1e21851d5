package research

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/logging"
)

// promptReloadDelay coalesces the burst of events an editor save produces.
const promptReloadDelay = 200 * time.Millisecond

// WatchPromptOverrides reloads r from path each time the file is written
// or replaced, until ctx is done. A file that fails to load or parse
// leaves the current templates in place. The directory is watched so
// that editors which save through a rename are picked up.
func WatchPromptOverrides(ctx context.Context, path string, r *PromptRenderer, logger *logging.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving prompts file: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating prompts watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer watcher.Close()
		reload := make(chan struct{}, 1)
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(promptReloadDelay, func() {
						select {
						case reload <- struct{}{}:
						default:
						}
					})
				} else {
					timer.Reset(promptReloadDelay)
				}

			case <-reload:
				overrides, err := LoadPromptOverrides(abs)
				if err == nil {
					err = r.Reload(overrides)
				}
				if err != nil {
					logger.Warn("prompt overrides not reloaded", "path", abs, "error", err)
					continue
				}
				logger.Info("prompt overrides reloaded", "path", abs, "templates", len(overrides))

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("prompts watcher error", "error", err)
			}
		}
	}()
	return nil
}
