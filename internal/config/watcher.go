package config

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes and hands the new
// Config to a callback. Lifecycle thresholds can then be retuned without a
// restart; storage settings are read once at startup and changes to them are
// ignored until then.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string, callback func(*Config)) *Watcher {
	return &Watcher{
		path:     path,
		callback: callback,
		done:     make(chan struct{}),
	}
}

// Start begins watching. The parent directory is watched, not the file, so
// editors that replace the file on save still trigger a reload. Call Stop
// to clean up.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw

	go w.loop()
	log.Printf("config: watching %s for changes", w.path)
	return nil
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	<-w.done
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Clean(evt.Name) != filepath.Clean(w.path) {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				log.Printf("config: reload failed, keeping previous settings: %v", err)
				continue
			}
			log.Printf("config: reloaded %s", w.path)
			w.callback(cfg)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("config: watcher error: %v", err)
		}
	}
}
