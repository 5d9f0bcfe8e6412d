package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceInterval coalesces the write bursts editors and os.WriteFile
// produce (truncate, then write): reloading on the first event can read a
// momentarily empty file and hand out an all-defaults config.
const debounceInterval = 100 * time.Millisecond

// Watch reloads the config file whenever it changes and hands the result to
// onChange. Reload errors are reported through onError so a bad edit never
// kills the running daemon. Watch blocks until ctx ends.
func Watch(ctx context.Context, configPath string, onChange func(*Config), onError func(error)) error {
	if configPath == "" {
		return fmt.Errorf("config watch requires a file path")
	}
	if onError == nil {
		onError = func(error) {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save and
	// a file watch dies with the old inode.
	if err := watcher.Add(filepath.Dir(configPath)); err != nil {
		return fmt.Errorf("watching config directory: %w", err)
	}

	target := filepath.Clean(configPath)
	timer := time.NewTimer(debounceInterval)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			// Coalesce the burst; reload once the writes go quiet.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(debounceInterval)
		case <-timer.C:
			cfg, err := Load(configPath)
			if err != nil {
				onError(err)
				continue
			}
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onError(err)
		}
	}
}
