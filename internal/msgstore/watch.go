package msgstore

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Watch returns a coalesced change-hint channel for the inbox. Each receive
// means "something changed, scan again"; it carries no record identity. The
// watcher stops when ctx is done. Callers treat a Watch failure as
// non-fatal and fall back to pure interval polling.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("msgstore: create inbox watcher: %w", err)
	}
	if err := watcher.Add(s.inbox); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("msgstore: watch inbox %q: %w", s.inbox, err)
	}
	hints := make(chan struct{}, 1)
	go func() {
		defer close(hints)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case hints <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Debug("msgstore.watch.error", "error", err)
			}
		}
	}()
	return hints, nil
}
