package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher listens for settings changes under .dodai and reports reloads
// whose merged content actually differs from the previous one.
type Watcher struct {
	loader   *SettingsLoader
	debounce time.Duration

	fsw *fsnotify.Watcher

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	watched  map[string]struct{}
	lastHash string

	onChange func(*Settings)
	onError  func(error)
}

// WatcherOption configures the hot reloader.
type WatcherOption func(*Watcher)

// WithDebounce overrides the default debounce window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// OnChange registers a callback fired after a reload that changed settings.
func OnChange(fn func(*Settings)) WatcherOption {
	return func(w *Watcher) { w.onChange = fn }
}

// OnError registers a callback for reload failures.
func OnError(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher wires a file watcher around the provided loader.
func NewWatcher(loader *SettingsLoader, opts ...WatcherOption) (*Watcher, error) {
	if loader == nil {
		return nil, errors.New("loader is nil")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	w := &Watcher{
		loader:   loader,
		debounce: 150 * time.Millisecond,
		fsw:      fsw,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		watched:  map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.debounce <= 0 {
		w.debounce = 150 * time.Millisecond
	}
	return w, nil
}

// Start loads the initial settings and begins watching. The initial load
// does not fire OnChange; callers already hold it.
func (w *Watcher) Start() (*Settings, error) {
	cfg, err := w.loader.Load()
	if err != nil {
		return nil, err
	}
	if err := w.refreshTargets(); err != nil {
		return nil, err
	}
	w.lastHash = settingsHash(cfg)
	go w.loop()
	return cfg, nil
}

// Close stops file watching.
func (w *Watcher) Close() error {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
	return w.fsw.Close()
}

func (w *Watcher) refreshTargets() error {
	desired := map[string]struct{}{
		filepath.Clean(w.loader.ProjectRoot): {},
		filepath.Clean(w.loader.SettingsDir()): {},
	}
	if w.loader.ManagedPath != "" {
		desired[filepath.Dir(w.loader.ManagedPath)] = struct{}{}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for path := range desired {
		if _, ok := w.watched[path]; ok {
			continue
		}
		if err := w.addWatch(path); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) addWatch(path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := w.fsw.Add(path); err != nil {
		return err
	}
	w.watched[path] = struct{}{}
	return nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	var timer *time.Timer
	schedule := func() {
		if timer == nil {
			timer = time.AfterFunc(w.debounce, w.reload)
			return
		}
		timer.Reset(w.debounce)
	}

	for {
		select {
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			if err != nil && w.onError != nil {
				w.onError(err)
			}
		case evt, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				schedule()
			}
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		if w.onError != nil {
			w.onError(err)
		}
		return
	}
	// The settings dir may have been created after Start.
	if err := w.refreshTargets(); err != nil && w.onError != nil {
		w.onError(err)
	}
	hash := settingsHash(cfg)
	w.mu.Lock()
	changed := hash != w.lastHash
	w.lastHash = hash
	w.mu.Unlock()
	if changed && w.onChange != nil {
		w.onChange(cfg)
	}
}

func settingsHash(s *Settings) string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
