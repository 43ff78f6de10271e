// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the bursts of write events editors emit when
// saving a file.
const watchDebounce = 500 * time.Millisecond

// WatchFile reloads the registry whenever path changes on disk. The
// parent directory is watched rather than the file itself so atomic
// rename-over saves are seen. load turns the file into a Config overlay;
// load or Reload failures are logged and the previous snapshot stays in
// force. Returns once the watcher is installed; the goroutine exits when
// ctx is cancelled.
func (r *Registry) WatchFile(ctx context.Context, path string, load func(string) (*Config, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var timerCh <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return

			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					timerCh = timer.C
				} else {
					timer.Reset(watchDebounce)
				}

			case <-timerCh:
				timer = nil
				timerCh = nil
				cfg, err := load(abs)
				if err != nil {
					r.logger.Warn("config reload skipped, file failed to parse",
						"path", abs, "error", err)
					continue
				}
				if err := r.Reload(cfg); err != nil {
					r.logger.Warn("config reload skipped, validation failed",
						"path", abs, "error", err)
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("config file watcher error", "error", err)
			}
		}
	}()

	return nil
}
