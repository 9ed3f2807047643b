package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// WatchControl reads the control file at path, passes it to apply, and does
// so again every time the file is written or replaced until ctx is done.
// The parent directory is watched so editors that save by rename are seen.
// A file that fails to parse is logged and skipped.
func WatchControl(ctx context.Context, path string, apply func(Control)) error {
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	load := func() {
		c, err := ReadControl(path)
		if err != nil {
			log.Warn().Str("op", "config/watch").Err(err).Msg("ignoring control file")
			return
		}
		apply(c)
	}
	load()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				log.Debug().Str("op", ev.Op.String()).Str("file", ev.Name).Msg("control file changed")
				load()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Str("op", "config/watch").Err(err).Msg("watcher error")
		}
	}
}
