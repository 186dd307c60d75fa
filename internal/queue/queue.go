// Package queue implements the bounded multi-priority ingest queue.
//
// The queue is the single entry point into the pipeline: every path flows
// through it, and its dedup set guarantees at most one pending or in-flight
// item per canonical path.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Priority orders queue bands; lower values dequeue first.
type Priority int

const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3

	numBands = 4
)

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "URGENT"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Item is a queued ingest request.
type Item struct {
	Path       string
	Priority   Priority
	Force      bool
	EnqueuedAt time.Time
}

// Outcome reports what Enqueue did with a path.
type Outcome string

const (
	OutcomeEnqueued     Outcome = "enqueued"
	OutcomeDeduplicated Outcome = "deduplicated"
)

var (
	// ErrQueueFull is returned when the queue is at capacity.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueClosed is returned by operations on a closed queue.
	ErrQueueClosed = errors.New("queue closed")
)

// Queue is a bounded four-band priority FIFO with a dedup set.
// Within a band, FIFO order of enqueue is preserved; across bands, a higher
// band always dequeues first.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	bands    [numBands][]*Item
	byPath   map[string]*Item    // queued items
	inflight map[string]struct{} // dequeued, not yet marked done

	capacity int
	paused   bool
	closed   bool
}

// New creates a queue bounded at capacity items.
func New(capacity int) *Queue {
	q := &Queue{
		byPath:   make(map[string]*Item),
		inflight: make(map[string]struct{}),
		capacity: capacity,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds path at the tail of its priority band. If path is already
// present, the existing entry is promoted to the more urgent of the two
// priorities, force becomes true if either request forced, and the call
// reports OutcomeDeduplicated.
func (q *Queue) Enqueue(path string, priority Priority, force bool) (Outcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrQueueClosed
	}

	if existing, ok := q.byPath[path]; ok {
		if priority < existing.Priority {
			q.removeFromBand(existing)
			existing.Priority = priority
			q.bands[priority] = append(q.bands[priority], existing)
		}
		existing.Force = existing.Force || force
		q.cond.Broadcast()
		return OutcomeDeduplicated, nil
	}

	if _, busy := q.inflight[path]; busy {
		// Already mid-pipeline; the storage stage's fingerprint lock makes
		// a second concurrent run for the same path pointless.
		return OutcomeDeduplicated, nil
	}

	if q.size() >= q.capacity {
		return "", ErrQueueFull
	}

	item := &Item{Path: path, Priority: priority, Force: force, EnqueuedAt: time.Now()}
	q.bands[priority] = append(q.bands[priority], item)
	q.byPath[path] = item
	q.cond.Broadcast()
	return OutcomeEnqueued, nil
}

// Dequeue returns the oldest item in the highest non-empty band. It blocks
// while the queue is empty or paused, and returns ctx.Err() on cancellation
// or ErrQueueClosed once the queue is closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !q.paused {
			if item := q.pop(); item != nil {
				q.inflight[item.Path] = struct{}{}
				return item, nil
			}
		}
		// Close drains: queued items are still handed out, the closed
		// error only fires once the bands are empty.
		if q.closed {
			return nil, ErrQueueClosed
		}
		q.cond.Wait()
	}
}

// MarkDone removes path from the dedup set once the final stage has
// committed or dropped the item.
func (q *Queue) MarkDone(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, path)
}

// Pause suspends dequeuing. Idempotent.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume re-enables dequeuing. Idempotent.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.cond.Broadcast()
}

// Paused reports whether the queue is paused.
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Clear atomically empties all bands and the dedup set. Permitted while
// running or paused; in-flight items in later stages run to completion.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.bands {
		q.bands[i] = nil
	}
	q.byPath = make(map[string]*Item)
	q.inflight = make(map[string]struct{})
}

// Size returns the number of queued (not in-flight) items.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

// Contains reports whether path is queued or in-flight.
func (q *Queue) Contains(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byPath[path]; ok {
		return true
	}
	_, ok := q.inflight[path]
	return ok
}

// Peek returns the queued item for path, if any.
func (q *Queue) Peek(path string) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.byPath[path]
	return item, ok
}

// Close wakes all blocked consumers with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// size must be called with q.mu held.
func (q *Queue) size() int {
	return len(q.byPath)
}

// pop must be called with q.mu held.
func (q *Queue) pop() *Item {
	for band := range q.bands {
		if len(q.bands[band]) == 0 {
			continue
		}
		item := q.bands[band][0]
		q.bands[band] = q.bands[band][1:]
		delete(q.byPath, item.Path)
		return item
	}
	return nil
}

// removeFromBand must be called with q.mu held.
func (q *Queue) removeFromBand(item *Item) {
	band := q.bands[item.Priority]
	for i, it := range band {
		if it == item {
			q.bands[item.Priority] = append(band[:i], band[i+1:]...)
			return
		}
	}
}
