package config

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"guardloop/pkg/logger"
)

// Watcher reloads the Store whenever its backing file changes on disk,
// so edits made outside the Control API (a parent hand-editing the YAML)
// take effect without a restart.
type Watcher struct {
	fsw   *fsnotify.Watcher
	store *Store
	done  chan struct{}
}

// WatchStore starts watching store's file. The watch is placed on the
// file's directory, so it survives the file being replaced by rename.
// Callers must call Close to release the underlying fsnotify handle.
func WatchStore(store *Store) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(store.path)); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w := &Watcher{fsw: fsw, store: store, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	log := logger.Get().With().Str("component", "config_watch").Logger()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.store.path) || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.store.Reload(); err != nil {
				log.Warn().Err(err).Msg("failed to reload state file")
				continue
			}
			log.Info().Str("path", ev.Name).Msg("reloaded state from disk")
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("config watcher error")
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}
