package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ehrlich-b/agentisland/internal/async"
	"github.com/ehrlich-b/agentisland/internal/logger"
	"github.com/ehrlich-b/agentisland/internal/transcript"
)

// ChatSink receives re-parsed transcripts.
type ChatSink interface {
	SetChat(key Key, items []transcript.Item)
}

// Syncer re-reads transcript files after they change. Writes are observed
// through fsnotify on the containing directory and debounced per session.
type Syncer struct {
	sink     ChatSink
	log      *slog.Logger
	maxItems int
	debounce *Debouncer[string]

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	dirs    map[string]int
	byPath  map[string]map[Key]struct{}
	byKey   map[Key]string
	stopCh  chan struct{}
	stopped sync.Once
}

func NewSyncer(sink ChatSink, delay time.Duration, log *slog.Logger) *Syncer {
	if log == nil {
		log = logger.For("session.sync")
	}
	sy := &Syncer{
		sink:     sink,
		log:      log,
		maxItems: transcript.DefaultMaxItems,
		dirs:     make(map[string]int),
		byPath:   make(map[string]map[Key]struct{}),
		byKey:    make(map[Key]string),
		stopCh:   make(chan struct{}),
	}
	sy.debounce = NewDebouncer(delay, sy.sync)
	return sy
}

// Start installs the fsnotify watcher. Without Start the syncer still
// honours explicit Triggers.
func (sy *Syncer) Start(ctx context.Context) error {
	sy.mu.Lock()
	if sy.fsw != nil {
		sy.mu.Unlock()
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		sy.mu.Unlock()
		return fmt.Errorf("new fsnotify watcher: %w", err)
	}
	sy.fsw = fsw
	for dir := range sy.dirs {
		if err := fsw.Add(dir); err != nil {
			sy.log.Debug("watch transcript dir failed", "path", dir, "err", err)
		}
	}
	sy.mu.Unlock()

	async.Go(sy.log, "session.sync", func() { sy.loop(ctx, fsw) })
	return nil
}

func (sy *Syncer) Stop() {
	sy.stopped.Do(func() {
		close(sy.stopCh)
		sy.debounce.Stop()
		sy.mu.Lock()
		if sy.fsw != nil {
			sy.fsw.Close()
			sy.fsw = nil
		}
		sy.mu.Unlock()
	})
}

// Watch starts following path for key. A key follows at most one path.
func (sy *Syncer) Watch(key Key, path string) {
	path = filepath.Clean(path)
	sy.mu.Lock()
	defer sy.mu.Unlock()
	if old, ok := sy.byKey[key]; ok {
		if old == path {
			return
		}
		sy.unwatchLocked(key, old)
	}
	sy.byKey[key] = path
	keys := sy.byPath[path]
	if keys == nil {
		keys = make(map[Key]struct{})
		sy.byPath[path] = keys
	}
	keys[key] = struct{}{}

	dir := filepath.Dir(path)
	sy.dirs[dir]++
	if sy.dirs[dir] == 1 && sy.fsw != nil {
		if err := sy.fsw.Add(dir); err != nil {
			sy.log.Debug("watch transcript dir failed", "path", dir, "err", err)
		}
	}
}

// Trigger schedules a debounced re-read of path for key.
func (sy *Syncer) Trigger(key Key, path string) {
	sy.debounce.Trigger(key, path)
}

// Forget stops following key and drops any pending re-read.
func (sy *Syncer) Forget(key Key) {
	sy.debounce.Cancel(key)
	sy.mu.Lock()
	defer sy.mu.Unlock()
	if path, ok := sy.byKey[key]; ok {
		sy.unwatchLocked(key, path)
	}
}

func (sy *Syncer) unwatchLocked(key Key, path string) {
	delete(sy.byKey, key)
	if keys := sy.byPath[path]; keys != nil {
		delete(keys, key)
		if len(keys) == 0 {
			delete(sy.byPath, path)
		}
	}
	dir := filepath.Dir(path)
	sy.dirs[dir]--
	if sy.dirs[dir] <= 0 {
		delete(sy.dirs, dir)
		if sy.fsw != nil {
			sy.fsw.Remove(dir)
		}
	}
}

func (sy *Syncer) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sy.stopCh:
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			path := filepath.Clean(ev.Name)
			sy.mu.Lock()
			keys := make([]Key, 0, len(sy.byPath[path]))
			for k := range sy.byPath[path] {
				keys = append(keys, k)
			}
			sy.mu.Unlock()
			for _, k := range keys {
				sy.Trigger(k, path)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			sy.log.Warn("transcript watcher error", "err", err)
		}
	}
}

func (sy *Syncer) sync(key Key, path string) {
	items, err := transcript.ParseFile(path, sy.maxItems)
	if err != nil {
		sy.log.Debug("transcript read failed", "agent", key.AgentID, "session", key.SessionID, "path", path, "err", err)
		return
	}
	sy.sink.SetChat(key, items)
}
