package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors a config file and calls a callback when its content
// changes to another valid config. The parent directory is watched so that
// editors which replace the file by rename are still observed.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(old, new *Config)

	fsw *fsnotify.Watcher

	mu       sync.Mutex
	current  *Config
	lastHash [sha256.Size]byte
	timer    *time.Timer

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithDebounce sets how long the watcher waits after the last file event
// before reloading. The default is 200ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher loads the config at path and starts watching it. The initial
// load must succeed.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     filepath.Clean(path),
		debounce: 200 * time.Millisecond,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = cfg
	w.lastHash = hash

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config: watch %q: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw

	go w.loop()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.fsw.Close()
		<-w.stopped
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	})
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher: fsnotify error", "path", w.path, "err", err)
		}
	}
}

// schedule (re)arms the debounce timer.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.check)
}

// check reloads the file and, if its content changed and is valid, swaps it
// in and calls onChange.
func (w *Watcher) check() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, hash, err := w.loadAndHash()
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current = cfg
	w.lastHash = hash
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) loadAndHash() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
