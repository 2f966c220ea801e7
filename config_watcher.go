package main

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reloads the config file when it changes on disk and hands
// valid results to apply. Invalid edits are logged and ignored.
type ConfigWatcher struct {
	path     string
	load     func(path string) (*Config, error)
	apply    func(*Config)
	debounce time.Duration

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
}

// NewConfigWatcher creates a watcher for path. load reads, overrides and
// validates a fresh config.
func NewConfigWatcher(path string, load func(string) (*Config, error), apply func(*Config)) *ConfigWatcher {
	return &ConfigWatcher{
		path:     path,
		load:     load,
		apply:    apply,
		debounce: 300 * time.Millisecond,
	}
}

// Start begins watching. The directory is watched rather than the file so
// editors that replace the file atomically are still seen.
func (w *ConfigWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(w.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})

	LogInfo("config_watcher").Str("path", w.path).Msg("Watching config file")
	go w.watch(watcher, w.stopCh, w.done)
	return nil
}

// Stop stops watching. Safe to call when not started.
func (w *ConfigWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	<-w.done
	w.watcher = nil
	LogInfo("config_watcher").Msg("Stopped watching config file")
}

func (w *ConfigWatcher) watch(watcher *fsnotify.Watcher, stopCh, done chan struct{}) {
	defer close(done)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	target := filepath.Clean(w.path)

	for {
		select {
		case <-stopCh:
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() { w.reload(stopCh) })

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			LogError("config_watcher").Err(err).Msg("Watcher error")
		}
	}
}

// reload runs from the debounce timer. It holds mu so that no apply
// happens once Stop has returned.
func (w *ConfigWatcher) reload(stopCh chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-stopCh:
		return
	default:
	}

	cfg, err := w.load(w.path)
	if err != nil {
		LogWarn("config_watcher").Err(err).Msg("Config reload rejected")
		return
	}
	LogInfo("config_watcher").Msg("Config reloaded")
	w.apply(cfg)
}
