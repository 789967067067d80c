package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces editor write bursts into one reload.
const reloadDebounce = 200 * time.Millisecond

// Watch reloads the config file on change and calls onReload with the
// new config and hash. Invalid configs are skipped with a warning; the
// previous configuration stays in force. Blocks until ctx is
// cancelled.
func Watch(ctx context.Context, path string, onReload func(*Config, string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace files, which drops the
	// watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "config: watch error: %v\n", err)
		case <-fire:
			cfg, hash, err := LoadWithHash(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "config: reload skipped: %v\n", err)
				continue
			}
			onReload(cfg, hash)
		}
	}
}
