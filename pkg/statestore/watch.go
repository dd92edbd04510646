package statestore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watch reports when the state file is removed or renamed behind the
// bridge's back, e.g. by "w2d state reset" while the bridge is running. The
// callback runs on the watcher goroutine. Watching stops when ctx is done.
func Watch(ctx context.Context, path string, log zerolog.Logger, onRemoved func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: the file itself is replaced on every save.
	if err = os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		_ = watcher.Close()
		return err
	}
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}
	target := filepath.Clean(path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target {
					continue
				}
				if evt.Has(fsnotify.Remove) {
					log.Warn().Str("path", path).Msg("State file was removed externally")
					onRemoved()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("State file watcher error")
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
