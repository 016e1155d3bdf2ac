package config

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeHandler receives the freshly loaded config after the file changes.
type ChangeHandler func(cfg *Config)

// Watcher reloads the config file on change. Editors write in bursts, so
// changes are debounced (300ms). A file that fails to parse keeps the
// previous config in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	stopChan chan struct{}

	mu       sync.Mutex
	handlers []ChangeHandler
}

func NewWatcher(configPath string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     configPath,
		watcher:  w,
		debounce: 300 * time.Millisecond,
	}, nil
}

// OnChange registers a handler called after each successful reload.
func (cw *Watcher) OnChange(handler ChangeHandler) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.handlers = append(cw.handlers, handler)
}

func (cw *Watcher) Start() error {
	if err := cw.watcher.Add(cw.path); err != nil {
		return err
	}
	cw.stopChan = make(chan struct{})
	go cw.watchLoop()
	slog.Info("config watcher started", "path", cw.path)
	return nil
}

func (cw *Watcher) Stop() {
	if cw.stopChan != nil {
		close(cw.stopChan)
	}
	cw.watcher.Close()
}

func (cw *Watcher) watchLoop() {
	var debounceTimer *time.Timer

	for {
		select {
		case <-cw.stopChan:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(cw.debounce, cw.reload)

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)
		}
	}
}

func (cw *Watcher) reload() {
	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config reload failed", "path", cw.path, "error", err)
		return
	}

	cw.mu.Lock()
	handlers := make([]ChangeHandler, len(cw.handlers))
	copy(handlers, cw.handlers)
	cw.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}
	slog.Info("config reloaded", "path", cw.path)
}
