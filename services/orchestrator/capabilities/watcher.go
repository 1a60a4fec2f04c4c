// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package capabilities

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/lumenforge/modelhost/pkg/logging"
)

// Watch reloads the configuration document whenever it changes on disk
// and hands each successfully parsed document to onReload. Gated behind
// the config_hot_reload feature flag by the caller.
//
// Editors replace files with rename+create, so both Write and Create
// events trigger a reload, debounced by a short settle delay to avoid
// parsing half-written documents. A document that fails to parse or
// validate is logged and skipped; the previous configuration stays
// active.
//
// Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	logger := logging.For("config_watcher")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(path); err != nil {
		return err
	}
	logger.Info("watching configuration document", "path", path)

	const settle = 250 * time.Millisecond
	var pending *time.Timer
	reloads := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(settle, func() {
				select {
				case reloads <- struct{}{}:
				default:
				}
			})
			// Rename-replace drops the watch on the old inode.
			_ = w.Add(path)

		case <-reloads:
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload rejected, keeping previous", "error", err)
				continue
			}
			logger.Info("configuration reloaded",
				"models", len(cfg.Models),
				"profiles", len(cfg.Profiles),
			)
			onReload(cfg)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
