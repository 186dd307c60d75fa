package pipeline

import (
	"sort"
	"sync"
	"sync/atomic"
)

// stageStats tracks one stage's counters and the paths it is currently
// working on. Read by the status endpoint.
type stageStats struct {
	mu       sync.Mutex
	inflight map[string]struct{}

	processed atomic.Int64
	failed    atomic.Int64
}

func (s *stageStats) begin(path string) {
	s.mu.Lock()
	if s.inflight == nil {
		s.inflight = make(map[string]struct{})
	}
	s.inflight[path] = struct{}{}
	s.mu.Unlock()
}

func (s *stageStats) end(path string) {
	s.mu.Lock()
	delete(s.inflight, path)
	s.mu.Unlock()
}

func (s *stageStats) ok()   { s.processed.Add(1) }
func (s *stageStats) fail() { s.failed.Add(1) }

// activePaths returns the in-flight paths, sorted for stable output.
func (s *stageStats) activePaths() []string {
	s.mu.Lock()
	paths := make([]string, 0, len(s.inflight))
	for p := range s.inflight {
		paths = append(paths, p)
	}
	s.mu.Unlock()
	sort.Strings(paths)
	return paths
}

// StageSnapshot is one stage's observable state.
type StageSnapshot struct {
	Name        string   `json:"name"`
	Workers     int      `json:"workers"`
	QueueSize   int      `json:"queue_size"`
	Active      int      `json:"active"`
	ActivePaths []string `json:"active_paths,omitempty"`
	Processed   int64    `json:"processed"`
	Failed      int64    `json:"failed"`
}

// Snapshot is the pipeline's observable state.
type Snapshot struct {
	QueueSize int             `json:"queue_size"`
	Paused    bool            `json:"paused"`
	Stages    []StageSnapshot `json:"stages"`
}

// Snapshot reports queue depth, per-stage activity, and the paths each
// stage is working on.
func (c *Coordinator) Snapshot() Snapshot {
	stage := func(name string, workers int, ch int, stats *stageStats) StageSnapshot {
		active := stats.activePaths()
		return StageSnapshot{
			Name:        name,
			Workers:     workers,
			QueueSize:   ch,
			Active:      len(active),
			ActivePaths: active,
			Processed:   stats.processed.Load(),
			Failed:      stats.failed.Load(),
		}
	}
	return Snapshot{
		QueueSize: c.queue.Size(),
		Paused:    c.queue.Paused(),
		Stages: []StageSnapshot{
			stage("extract", c.cfg.ChunkWorkers, len(c.extractCh), &c.extractStats),
			stage("embed", c.cfg.EmbedWorkers, len(c.embedCh), &c.embedStats),
			stage("store", 1, len(c.storeCh), &c.storeStats),
		},
	}
}
