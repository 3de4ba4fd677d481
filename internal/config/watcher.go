package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ehrlich-b/agentisland/internal/async"
	"github.com/ehrlich-b/agentisland/internal/logger"
	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 750 * time.Millisecond

// Watcher monitors the config file and calls onChange after writes settle.
// The directory is watched rather than the file so editors that replace the
// file by rename keep being observed.
type Watcher struct {
	path     string
	onChange func(context.Context)
	log      *slog.Logger
	debounce time.Duration

	mu          sync.Mutex
	timer       *time.Timer
	watcher     *fsnotify.Watcher
	paused      int
	ignoreUntil time.Time
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// WatcherOption customizes watcher behavior.
type WatcherOption func(*Watcher)

// WithWatchDebounce sets the debounce window for reloads.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithWatchLogger sets the logger for watcher diagnostics.
func WithWatchLogger(log *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if log != nil {
			w.log = log
		}
	}
}

// NewWatcher constructs a watcher for path.
func NewWatcher(path string, onChange func(context.Context), opts ...WatcherOption) (*Watcher, error) {
	if onChange == nil {
		return nil, fmt.Errorf("config watcher: onChange required")
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config watcher: path required")
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		log:      logger.For("config.watch"),
		debounce: defaultWatchDebounce,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. It returns once the watch is installed.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watcher != nil {
		w.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	if err := EnsureConfigDir(filepath.Dir(w.path)); err != nil {
		w.mu.Unlock()
		fsw.Close()
		return err
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		w.mu.Unlock()
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = fsw
	w.mu.Unlock()

	async.Go(w.log, "config.watch", func() { w.loop(ctx, fsw) })
	return nil
}

// Stop terminates the watcher. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		if w.watcher != nil {
			w.watcher.Close()
			w.watcher = nil
		}
		w.mu.Unlock()
	})
}

// Pause suppresses reloads until the matching Resume. Used around writes the
// owner performs itself.
func (w *Watcher) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.paused++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Resume re-enables reloads. Events from the owner's own write can still be
// in flight, so anything within one debounce window is ignored.
func (w *Watcher) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused > 0 {
		w.paused--
	}
	if w.paused == 0 {
		w.ignoreUntil = time.Now().Add(w.debounce)
	}
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if filepath.Clean(ev.Name) != w.path {
		return
	}
	w.scheduleReload(ctx)
}

func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused > 0 || time.Now().Before(w.ignoreUntil) {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		w.mu.Lock()
		paused := w.paused > 0
		w.mu.Unlock()
		if paused {
			return
		}
		w.log.Debug("config changed on disk", "path", w.path)
		w.onChange(ctx)
	})
}
