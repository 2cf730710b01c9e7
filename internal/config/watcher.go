package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadCallback is invoked with the freshly loaded configuration after
// the config file changes on disk.
type ReloadCallback func(cfg *Config)

// Watcher monitors the config file and reloads it on change. Editors
// tend to fire several events per save, so reloads are debounced.
type Watcher struct {
	watcher    *fsnotify.Watcher
	configPath string
	loader     *Loader
	onReload   ReloadCallback
	logger     zerolog.Logger

	debounce time.Duration
	timerMu  sync.Mutex
	timer    *time.Timer

	done     chan struct{}
	stopOnce sync.Once
}

// NewWatcher builds a watcher for the given config path.
func NewWatcher(configPath string, onReload ReloadCallback, logger zerolog.Logger) (*Watcher, error) {
	if onReload == nil {
		return nil, fmt.Errorf("reload callback is required")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	return &Watcher{
		watcher:    fsw,
		configPath: configPath,
		loader:     NewLoader(configPath),
		onReload:   onReload,
		logger:     logger,
		debounce:   200 * time.Millisecond,
		done:       make(chan struct{}),
	}, nil
}

// Start begins watching the config file's directory. Watching the
// directory rather than the file survives rename-based saves.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.configPath)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go w.loop()
	w.logger.Debug().Str("path", w.configPath).Msg("Config watcher started")
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Error().Err(err).Msg("Config reload failed, keeping previous configuration")
		return
	}
	w.logger.Info().Int("servers", len(cfg.Servers)).Msg("Configuration reloaded")
	w.onReload(cfg)
}

// Stop ends watching. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.timerMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.timerMu.Unlock()
	})
}
