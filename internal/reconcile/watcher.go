// SPDX-License-Identifier: MIT

package reconcile

import (
	"context"
	"time"

	"github.com/ManuGH/plexcached/internal/log"
	"github.com/fsnotify/fsnotify"
)

// Watch nudges the reconciler when files appear or vanish under the cache
// roots outside the pipeline's control. It is a debounced hint, not a
// guarantee: only the root directories themselves are watched, and the
// periodic pass remains the backstop.
func Watch(ctx context.Context, roots []string, debounce time.Duration, trigger func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close() // nolint:errcheck

	logger := log.WithComponent("reconcile.watch")
	for _, root := range roots {
		if err := watcher.Add(root); err != nil {
			logger.Warn().
				Err(err).
				Str(log.FieldPath, root).
				Str(log.FieldEvent, "reconcile.watch_failed").
				Msg("cannot watch cache root")
		}
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str(log.FieldEvent, "reconcile.watch_error").Msg("watcher error")
		case <-fire:
			trigger()
		}
	}
}
