package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Debouncer coalesces rapid file events so a burst of writes to one path
// produces a single emission. For each event it records the path and a
// wall-clock timestamp; a background ticker emits paths whose last event is
// older than the window. For a burst ending at time t, at least one emission
// occurs in [t+window, t+window+tick].
type Debouncer struct {
	window time.Duration
	tick   time.Duration

	mu      sync.Mutex
	pending map[string]pendingEvent
	output  chan Event
	stopped bool
}

type pendingEvent struct {
	op       Op
	lastSeen time.Time
}

// NewDebouncer creates a debouncer with the given quiet window and tick
// period.
func NewDebouncer(window, tick time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		tick:    tick,
		pending: make(map[string]pendingEvent),
		output:  make(chan Event, 256),
	}
}

// Add records an event, restarting the quiet window for its path.
// Delete overrides any pending create/modify; a create after a pending
// delete collapses to modify (the file was replaced).
func (d *Debouncer) Add(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	op := event.Op
	if existing, ok := d.pending[event.Path]; ok {
		if existing.op == OpDelete && op == OpCreate {
			op = OpModify
		} else if op != OpDelete {
			op = existing.op
		}
	}

	d.pending[event.Path] = pendingEvent{op: op, lastSeen: time.Now()}
}

// Run flushes expired paths until ctx is cancelled.
func (d *Debouncer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.stopped = true
			close(d.output)
			d.mu.Unlock()
			return
		case <-ticker.C:
			d.flushExpired()
		}
	}
}

// Output returns the channel of debounced events.
func (d *Debouncer) Output() <-chan Event {
	return d.output
}

// PendingCount returns the number of paths waiting out their window.
func (d *Debouncer) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Debouncer) flushExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	now := time.Now()
	for path, pe := range d.pending {
		if now.Sub(pe.lastSeen) < d.window {
			continue
		}
		select {
		case d.output <- Event{Path: path, Op: pe.op}:
			delete(d.pending, path)
		default:
			// Consumer is behind; the path stays pending and is retried
			// next tick. The queue dedups, so late emission is harmless.
			slog.Warn("debouncer output full, deferring emission",
				slog.String("path", path))
			return
		}
	}
}
