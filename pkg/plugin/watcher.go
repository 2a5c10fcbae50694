package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 300 * time.Millisecond

type WatchOp int

const (
	OpUpsert WatchOp = iota + 1
	OpRemove
)

func (op WatchOp) String() string {
	switch op {
	case OpUpsert:
		return "upsert"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// WatchEvent is a debounced change to one manifest file.
type WatchEvent struct {
	Path string
	Op   WatchOp
}

// Watcher reports manifest changes in a plugins directory. Bursts of events
// for the same path inside the debounce window collapse into one event whose
// op reflects whether the file exists when the window closes.
type Watcher struct {
	dir      string
	debounce time.Duration
	log      *slog.Logger
	fs       *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	events  chan WatchEvent
	stopped bool
}

func NewWatcher(dir string, debounce time.Duration, log *slog.Logger) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("stat plugins directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("plugins path %s is not a directory", dir)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	return &Watcher{
		dir:      dir,
		debounce: debounce,
		log:      log.With("component", "plugin.watcher"),
		fs:       fsw,
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start begins watching. The returned channel closes when ctx ends.
func (w *Watcher) Start(ctx context.Context) (<-chan WatchEvent, error) {
	w.events = make(chan WatchEvent, 64)

	if err := w.fs.Add(w.dir); err != nil {
		_ = w.fs.Close()
		close(w.events)
		return nil, fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.log.Info("Watching plugins directory", "dir", w.dir, "debounce", w.debounce)
	go w.loop(ctx)
	return w.events, nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if IsManifest(event.Name) {
				w.schedule(event.Name)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("Plugin watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() { w.emit(path) })
}

func (w *Watcher) emit(path string) {
	op := OpUpsert
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		op = OpRemove
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	delete(w.pending, path)

	select {
	case w.events <- WatchEvent{Path: path, Op: op}:
		w.log.Debug("Plugin manifest changed", "path", path, "op", op)
	default:
		w.log.Warn("Dropping plugin change, consumer is behind", "path", path)
	}
}

func (w *Watcher) stop() {
	w.mu.Lock()
	w.stopped = true
	for path, timer := range w.pending {
		timer.Stop()
		delete(w.pending, path)
	}
	close(w.events)
	w.mu.Unlock()

	_ = w.fs.Close()
}
