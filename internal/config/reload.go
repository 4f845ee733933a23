package config

import (
	"fmt"
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher re-applies the config file's profiles when it changes on disk.
// Server settings are fixed for the process lifetime; only profiles are
// hot-reloadable.
type Watcher struct {
	path    string
	manager *Manager
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
}

// NewWatcher starts watching path. The initial load must have already
// happened; the watcher only reacts to subsequent writes.
func NewWatcher(path string, manager *Manager) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}

	w := &Watcher{path: path, manager: manager, fsw: fsw, stopCh: make(chan struct{})}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			f, err := Load(w.path)
			if err != nil {
				log.Printf("config reload failed: %v", err)
				continue
			}
			f.ApplyProfiles(w.manager)
			log.Printf("config reloaded: %d profile(s) re-applied", len(f.Profiles))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("config watcher error: %v", err)
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.fsw.Close()
}
