// control/hotreload.go
// Author: momentics <momentics@gmail.com>
//
// Watches the config file and pushes valid revisions into a ConfigStore.
// The parent directory is watched so editors that replace the file by
// rename are handled.

package control

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// WatchConfig blocks until ctx is done, reloading path into store whenever
// it changes. Invalid revisions are logged and ignored.
func WatchConfig(ctx context.Context, path string, store *ConfigStore, log zerolog.Logger) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			reloadConfig(abs, store, log)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				reloadConfig(abs, store, log)
				continue
			}
			log.Warn().Err(err).Msg("config watcher error")
		}
	}
}

func reloadConfig(path string, store *ConfigStore, log zerolog.Logger) {
	cfg, err := LoadConfig(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("config reload rejected")
		return
	}
	store.SetConfig(cfg)
	log.Info().Str("path", path).Msg("config reloaded")
}
