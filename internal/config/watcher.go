package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches the configuration file and reloads it on change. Only
// advisory knobs may be picked up at runtime; parameters that authorize
// destructive actions (thresholds, weights, auto-rollback) require a
// restart, so callbacks receive the reloaded config and decide what to
// apply.
type Watcher struct {
	logger    *zap.Logger
	path      string
	watcher   *fsnotify.Watcher
	callbacks []func(*Config)
	mu        sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	running bool

	// Debouncing
	debounce time.Duration
	timer    *time.Timer
}

// NewWatcher creates a configuration watcher for path.
func NewWatcher(logger *zap.Logger, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		logger:   logger,
		path:     path,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
		debounce: time.Second,
	}, nil
}

// Start begins watching. onChange is invoked with the reloaded config after
// each successful re-validation; invalid edits are logged and ignored.
func (w *Watcher) Start(onChange func(*Config)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if onChange != nil {
		w.callbacks = append(w.callbacks, onChange)
	}

	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch file %s: %w", w.path, err)
	}
	// Watch the directory too, for atomic rename-style writes.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("Failed to watch directory",
			zap.String("dir", filepath.Dir(w.path)),
			zap.Error(err),
		)
	}

	w.running = true
	go w.handleEvents()

	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	w.cancel()
	w.watcher.Close()
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
	}
	w.logger.Info("Configuration watcher stopped")
}

func (w *Watcher) handleEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			switch {
			case event.Op&fsnotify.Write == fsnotify.Write:
				w.scheduleReload()
			case event.Op&fsnotify.Create == fsnotify.Create:
				w.watcher.Add(w.path)
				w.scheduleReload()
			case event.Op&fsnotify.Remove == fsnotify.Remove:
				w.logger.Warn("Config file removed", zap.String("path", event.Name))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		cfg, err := Load(w.path)
		if err != nil {
			// An invalid edit never replaces the running config.
			w.logger.Error("Config reload rejected", zap.Error(err))
			return
		}

		w.mu.Lock()
		callbacks := make([]func(*Config), len(w.callbacks))
		copy(callbacks, w.callbacks)
		w.mu.Unlock()

		w.logger.Info("Configuration reloaded", zap.String("path", w.path))
		for _, cb := range callbacks {
			cb(cfg)
		}
	})
}
