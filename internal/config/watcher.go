package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vyrodovalexey/avapool/internal/observability"
)

// ReloadFunc applies a configuration that loaded and validated. prev is
// the configuration the watcher handed out before; changed names the
// top-level sections that differ between prev and next.
type ReloadFunc func(prev, next *Config, changed []string)

// ErrorCallback is called when a reloaded file is rejected. The pool
// keeps running on the previous configuration.
type ErrorCallback func(error)

// Watcher watches the pool configuration file. Writes that leave every
// section unchanged are dropped; anything else is handed to the
// ReloadFunc.
type Watcher struct {
	path          string
	watcher       *fsnotify.Watcher
	onReload      ReloadFunc
	errorCallback ErrorCallback
	logger        observability.Logger
	debounceDelay time.Duration
	lastConfig    *Config
	mu            sync.RWMutex
	stopCh        chan struct{}
	stoppedCh     chan struct{}
	running       bool
}

// WatcherOption is a functional option for configuring the watcher.
type WatcherOption func(*Watcher)

// WithDebounceDelay sets how long the watcher waits for writes to settle.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = delay
	}
}

// WithLogger sets the logger for the watcher.
func WithLogger(logger observability.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithErrorCallback sets the error callback for the watcher.
func WithErrorCallback(callback ErrorCallback) WatcherOption {
	return func(w *Watcher) {
		w.errorCallback = callback
	}
}

// NewWatcher creates a watcher for the pool configuration at path.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:          absPath,
		watcher:       fsWatcher,
		onReload:      onReload,
		debounceDelay: 100 * time.Millisecond,
		logger:        observability.NopLogger(),
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

// Start loads the file once and begins watching its directory. Editors
// that replace the file on save are handled because the directory, not
// the inode, is watched.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	cfg, err := LoadAndValidate(w.path)
	if err != nil {
		return err
	}

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	w.mu.Lock()
	w.lastConfig = cfg
	w.running = true
	w.mu.Unlock()

	w.logger.Info("watching pool configuration",
		observability.String("path", w.path),
		observability.String("strategy", string(cfg.Pool.Strategy)),
		observability.Int("servers", len(cfg.Servers)),
	)

	go w.watch(ctx)

	return nil
}

// Stop stops watching and releases the fsnotify handle.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.stoppedCh

	return w.watcher.Close()
}

// LastConfig returns the last successfully loaded configuration.
func (w *Watcher) LastConfig() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastConfig
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("pool configuration watcher stopped", observability.String("reason", "context cancelled"))
			return

		case <-w.stopCh:
			w.logger.Info("pool configuration watcher stopped")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			debounceTimer, debounceCh = w.handleFileEvent(event, debounceTimer, debounceCh)

		case <-debounceCh:
			debounceCh = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.reportError("pool configuration watch failed", err)
		}
	}
}

func (w *Watcher) handleFileEvent(
	event fsnotify.Event,
	debounceTimer *time.Timer,
	debounceCh <-chan time.Time,
) (timer *time.Timer, ch <-chan time.Time) {
	if filepath.Clean(event.Name) != w.path {
		return debounceTimer, debounceCh
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return debounceTimer, debounceCh
	}

	w.logger.Debug("pool configuration file event",
		observability.String("path", event.Name),
		observability.String("op", event.Op.String()),
	)

	if debounceTimer != nil {
		debounceTimer.Stop()
	}
	debounceTimer = time.NewTimer(w.debounceDelay)
	return debounceTimer, debounceTimer.C
}

func (w *Watcher) reportError(msg string, err error) {
	w.logger.Error(msg, observability.Error(err))
	if w.errorCallback != nil {
		w.errorCallback(err)
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadAndValidate(w.path)
	if err != nil {
		w.reportError("pool configuration rejected, keeping previous", err)
		return
	}

	prev, changed := w.swap(cfg)
	if len(changed) == 0 {
		w.logger.Debug("pool configuration unchanged, reload skipped",
			observability.String("path", w.path),
		)
		return
	}

	w.logger.Info("pool configuration changed",
		observability.String("path", w.path),
		observability.Any("sections", changed),
	)
	if w.onReload != nil {
		w.onReload(prev, cfg, changed)
	}
}

// swap stores cfg as the current configuration and reports what changed
// against the one it replaces.
func (w *Watcher) swap(cfg *Config) (prev *Config, changed []string) {
	w.mu.Lock()
	prev = w.lastConfig
	w.lastConfig = cfg
	w.mu.Unlock()
	return prev, ChangedSections(prev, cfg)
}

// ForceReload reloads immediately, bypassing the debounce. The ReloadFunc
// runs even when nothing changed, so a SIGHUP re-applies the file to a
// pool whose settings were edited through the admin API.
func (w *Watcher) ForceReload() error {
	cfg, err := LoadAndValidate(w.path)
	if err != nil {
		return err
	}

	prev, changed := w.swap(cfg)
	w.logger.Info("pool configuration reload forced",
		observability.String("path", w.path),
		observability.Any("sections", changed),
	)
	if w.onReload != nil {
		w.onReload(prev, cfg, changed)
	}
	return nil
}
