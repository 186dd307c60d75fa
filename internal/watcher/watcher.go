// Package watcher observes the root directory recursively and emits a
// debounced stream of path changes, filtered by extension whitelist and
// exclusion rules. Emission order is not significant; the priority queue
// downstream deduplicates.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of change observed for a path.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
)

// String returns a human-readable representation of the op.
func (op Op) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event is a debounced path change, path relative to the watched root.
type Event struct {
	Path string
	Op   Op
}

// Options configures the watcher.
type Options struct {
	// DebounceWindow is how long a path must stay quiet before emission.
	// Default: 10s.
	DebounceWindow time.Duration

	// TickInterval is the debounce scan period. Default: 1s.
	TickInterval time.Duration

	// Extensions is the indexable extension whitelist.
	Extensions []string

	// Exclude are literal substrings that disqualify a path.
	Exclude []string
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	if o.DebounceWindow == 0 {
		o.DebounceWindow = 10 * time.Second
	}
	if o.TickInterval == 0 {
		o.TickInterval = time.Second
	}
	return o
}

// Watcher observes a root directory recursively via fsnotify.
type Watcher struct {
	root     string
	filter   *Filter
	debounce *Debouncer

	mu      sync.Mutex
	fsw     *fsnotify.Watcher
	cancel  context.CancelFunc
	started bool
}

// New creates a watcher for root.
func New(root string, opts Options) *Watcher {
	opts = opts.WithDefaults()
	return &Watcher{
		root:     root,
		filter:   NewFilter(opts.Extensions, opts.Exclude),
		debounce: NewDebouncer(opts.DebounceWindow, opts.TickInterval),
	}
}

// Start begins watching. It registers every directory under the root and
// keeps registering new directories as they appear.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return fmt.Errorf("watcher already started")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}

	if err := w.addRecursive(fsw, w.root); err != nil {
		_ = fsw.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.fsw = fsw
	w.cancel = cancel
	w.started = true

	go w.debounce.Run(runCtx)
	go w.loop(runCtx, fsw)

	return nil
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return
	}
	w.started = false
	w.cancel()
	_ = w.fsw.Close()
}

// Events returns the debounced event stream.
func (w *Watcher) Events() <-chan Event {
	return w.debounce.Output()
}

// PendingCount returns how many paths are waiting out their debounce window.
func (w *Watcher) PendingCount() int {
	return w.debounce.PendingCount()
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handle(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) handle(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)

	// New directories must be registered before their contents settle.
	if ev.Op.Has(fsnotify.Create) {
		if fi, statErr := os.Stat(ev.Name); statErr == nil && fi.IsDir() {
			if w.filter.AllowDir(rel) {
				if err := w.addRecursive(fsw, ev.Name); err != nil {
					slog.Warn("failed to watch new directory",
						slog.String("path", rel),
						slog.String("error", err.Error()))
				}
			}
			return
		}
	}

	if !w.filter.Allow(rel) {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		w.debounce.Add(Event{Path: rel, Op: OpCreate})
	case ev.Op.Has(fsnotify.Write):
		w.debounce.Add(Event{Path: rel, Op: OpModify})
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.debounce.Add(Event{Path: rel, Op: OpDelete})
	}
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			slog.Debug("skipping unreadable path", slog.String("path", path))
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr == nil && rel != "." && !w.filter.AllowDir(filepath.ToSlash(rel)) {
			return fs.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}
