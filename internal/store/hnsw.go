package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/hnsw"

	qerrors "github.com/quarrydocs/quarry/internal/errors"
)

// HNSW defaults.
const (
	// DefaultEfSearch is the calibrated query-time beam width. The
	// library default of 20 yields roughly 30% recall on 768-dim text
	// embeddings; 100 measures >=95% against exact search.
	DefaultEfSearch = 100

	// DefaultM is the max connections per graph layer.
	DefaultM = 16

	// DefaultFlushInterval is the background persistence cadence. There
	// is deliberately no per-write flush: flushing on every insert races
	// the file against concurrent readers and has corrupted the on-disk
	// index in the field. Crash loss within one interval is recovered by
	// RebuildFromVectors, since the vectors table is the source of truth.
	DefaultFlushInterval = 5 * time.Minute
)

// VectorIndexConfig configures the HNSW index.
type VectorIndexConfig struct {
	// Path is the on-disk index file. Empty keeps the index memory-only.
	Path string

	// Dimensions is the embedding dimension, fixed at creation.
	Dimensions int

	// M is the max connections per layer.
	M int

	// EfSearch is the query-time beam width.
	EfSearch int

	// FlushInterval is the background persistence cadence. Zero selects
	// the default; negative disables the timer (tests).
	FlushInterval time.Duration
}

// hnswMeta is the gob sidecar holding the string-to-key mapping.
type hnswMeta struct {
	IDMap      map[string]uint64
	NextKey    uint64
	Dimensions int
}

// HNSWIndex implements VectorIndex over coder/hnsw.
//
// Deletes are lazy: the node stays in the graph but its ID mapping is
// dropped, so it can never surface in results. The graph deletion path in
// coder/hnsw breaks when the last node is removed; rebuilds compact the
// orphans away.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorIndexConfig

	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64

	dirty   bool
	closing bool
	closed  bool

	flushStop chan struct{}
	flushDone chan struct{}
}

var _ VectorIndex = (*HNSWIndex)(nil)

// NewHNSWIndex creates or opens the index at cfg.Path. A corrupt on-disk
// file is cleared and the index starts empty; callers recover content
// with RebuildFromVectors.
func NewHNSWIndex(cfg VectorIndexConfig) (*HNSWIndex, error) {
	if cfg.Dimensions <= 0 {
		return nil, qerrors.New(qerrors.ErrCodeConfigInvalid, "vector index needs a dimension", nil)
	}
	if cfg.M == 0 {
		cfg.M = DefaultM
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = DefaultEfSearch
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}

	idx := &HNSWIndex{
		config:    cfg,
		idMap:     make(map[string]uint64),
		keyMap:    make(map[uint64]string),
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	idx.graph = newGraph(cfg)

	if cfg.Path != "" {
		if err := idx.loadFromDisk(); err != nil {
			slog.Warn("vector index corrupt, starting empty",
				slog.String("path", cfg.Path),
				slog.String("error", err.Error()))
			idx.clearDiskFiles()
			idx.graph = newGraph(cfg)
			idx.idMap = make(map[string]uint64)
			idx.keyMap = make(map[uint64]string)
			idx.nextKey = 0
		}
	}

	if cfg.FlushInterval > 0 && cfg.Path != "" {
		go idx.flushLoop()
	} else {
		close(idx.flushDone)
	}
	return idx, nil
}

func newGraph(cfg VectorIndexConfig) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = cfg.M
	g.EfSearch = cfg.EfSearch
	g.Ml = 0.25
	return g
}

// flushLoop persists the index on a timer until Close.
func (x *HNSWIndex) flushLoop() {
	defer close(x.flushDone)
	ticker := time.NewTicker(x.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := x.Flush(); err != nil {
				slog.Error("vector index flush failed",
					slog.String("error", err.Error()))
			}
		case <-x.flushStop:
			return
		}
	}
}

// Insert adds or replaces one vector.
func (x *HNSWIndex) Insert(ctx context.Context, chunkID string, vector []float32) error {
	return x.InsertBatch(ctx, []string{chunkID}, [][]float32{vector})
}

// InsertBatch adds or replaces vectors. Existing IDs are lazily deleted
// before reinsertion.
func (x *HNSWIndex) InsertBatch(ctx context.Context, chunkIDs []string, vectors [][]float32) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if len(chunkIDs) != len(vectors) {
		return qerrors.New(qerrors.ErrCodeInternal,
			fmt.Sprintf("ids and vectors length mismatch: %d vs %d", len(chunkIDs), len(vectors)), nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return qerrors.New(qerrors.ErrCodeStoreClosed, "vector index is closed", nil)
	}

	for _, v := range vectors {
		if len(v) != x.config.Dimensions {
			return qerrors.New(qerrors.ErrCodeDimensionMismatch,
				fmt.Sprintf("expected %d dimensions, got %d", x.config.Dimensions, len(v)), nil)
		}
	}

	for i, id := range chunkIDs {
		if existing, ok := x.idMap[id]; ok {
			delete(x.keyMap, existing)
			delete(x.idMap, id)
		}

		key := x.nextKey
		x.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		x.graph.Add(hnsw.MakeNode(key, vec))
		x.idMap[id] = key
		x.keyMap[key] = id
	}

	x.dirty = true
	return nil
}

// Delete lazily removes vectors by chunk ID. Unknown IDs are ignored.
func (x *HNSWIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return qerrors.New(qerrors.ErrCodeStoreClosed, "vector index is closed", nil)
	}

	for _, id := range chunkIDs {
		if key, ok := x.idMap[id]; ok {
			delete(x.keyMap, key)
			delete(x.idMap, id)
			x.dirty = true
		}
	}
	return nil
}

// Search returns the k nearest chunks. searchQuality widens the beam; it
// is floored at 2*k and at the configured EfSearch.
func (x *HNSWIndex) Search(ctx context.Context, query []float32, k, searchQuality int) ([]VectorResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return nil, qerrors.New(qerrors.ErrCodeStoreClosed, "vector index is closed", nil)
	}
	if len(query) != x.config.Dimensions {
		return nil, qerrors.New(qerrors.ErrCodeDimensionMismatch,
			fmt.Sprintf("expected %d dimensions, got %d", x.config.Dimensions, len(query)), nil)
	}
	if len(x.idMap) == 0 {
		return nil, nil
	}

	ef := max(searchQuality, x.config.EfSearch, 2*k)
	prev := x.graph.EfSearch
	x.graph.EfSearch = ef
	defer func() { x.graph.EfSearch = prev }()

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Overfetch to compensate for lazily deleted nodes in the result set.
	overfetch := min(k+(x.graph.Len()-len(x.idMap)), x.graph.Len())
	nodes := x.graph.Search(normalized, max(overfetch, k))

	results := make([]VectorResult, 0, k)
	for _, node := range nodes {
		id, ok := x.keyMap[node.Key]
		if !ok {
			continue // lazily deleted
		}
		distance := x.graph.Distance(normalized, node.Value)
		results = append(results, VectorResult{
			ChunkID:  id,
			Distance: distance,
			Score:    1.0 - distance/2.0,
		})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// Contains reports whether chunkID is live in the index.
func (x *HNSWIndex) Contains(chunkID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.idMap[chunkID]
	return ok
}

// Count returns the number of live vectors.
func (x *HNSWIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.idMap)
}

// AllIDs returns all live chunk IDs.
func (x *HNSWIndex) AllIDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	ids := make([]string, 0, len(x.idMap))
	for id := range x.idMap {
		ids = append(ids, id)
	}
	return ids
}

// Orphans reports lazily deleted nodes still occupying the graph.
func (x *HNSWIndex) Orphans() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.graph == nil {
		return 0
	}
	return x.graph.Len() - len(x.idMap)
}

// Flush atomically persists the graph and its ID mapping. No-op when the
// index is memory-only or unchanged since the last flush.
func (x *HNSWIndex) Flush() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.flushLocked()
}

func (x *HNSWIndex) flushLocked() error {
	if x.closed {
		return qerrors.New(qerrors.ErrCodeStoreClosed, "vector index is closed", nil)
	}
	if x.config.Path == "" || !x.dirty {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(x.config.Path), 0o755); err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "creating index directory", err)
	}

	tmp := x.config.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "creating index temp file", err)
	}
	if err := x.graph.Export(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return qerrors.New(qerrors.ErrCodeIO, "exporting graph", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return qerrors.New(qerrors.ErrCodeIO, "closing index temp file", err)
	}
	if err := os.Rename(tmp, x.config.Path); err != nil {
		_ = os.Remove(tmp)
		return qerrors.New(qerrors.ErrCodeIO, "renaming index file", err)
	}

	if err := x.saveMeta(); err != nil {
		return err
	}

	x.dirty = false
	return nil
}

func (x *HNSWIndex) saveMeta() error {
	metaPath := x.config.Path + ".meta"
	tmp := metaPath + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "creating meta temp file", err)
	}

	meta := hnswMeta{IDMap: x.idMap, NextKey: x.nextKey, Dimensions: x.config.Dimensions}
	if err := gob.NewEncoder(f).Encode(meta); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return qerrors.New(qerrors.ErrCodeIO, "encoding index metadata", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return qerrors.New(qerrors.ErrCodeIO, "closing meta temp file", err)
	}
	if err := os.Rename(tmp, metaPath); err != nil {
		_ = os.Remove(tmp)
		return qerrors.New(qerrors.ErrCodeIO, "renaming meta file", err)
	}
	return nil
}

func (x *HNSWIndex) loadFromDisk() error {
	metaPath := x.config.Path + ".meta"

	mf, err := os.Open(metaPath)
	if os.IsNotExist(err) {
		return nil // fresh start
	}
	if err != nil {
		return err
	}
	defer func() { _ = mf.Close() }()

	var meta hnswMeta
	if err := gob.NewDecoder(mf).Decode(&meta); err != nil {
		return fmt.Errorf("decode index metadata: %w", err)
	}
	if meta.Dimensions != x.config.Dimensions {
		return fmt.Errorf("index holds %d-dim vectors, configured for %d", meta.Dimensions, x.config.Dimensions)
	}

	f, err := os.Open(x.config.Path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	// coder/hnsw Import requires an io.ByteReader.
	if err := x.graph.Import(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}

	x.idMap = meta.IDMap
	x.nextKey = meta.NextKey
	x.keyMap = make(map[uint64]string, len(meta.IDMap))
	for id, key := range meta.IDMap {
		x.keyMap[key] = id
	}
	return nil
}

func (x *HNSWIndex) clearDiskFiles() {
	_ = os.Remove(x.config.Path)
	_ = os.Remove(x.config.Path + ".meta")
}

// RebuildFromVectors discards the graph and reconstructs it from the
// stored embeddings, compacting lazily deleted orphans.
func (x *HNSWIndex) RebuildFromVectors(ctx context.Context, source VectorSource) error {
	vectors, err := source.AllVectors(ctx)
	if err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return qerrors.New(qerrors.ErrCodeStoreClosed, "vector index is closed", nil)
	}

	graph := newGraph(x.config)
	idMap := make(map[string]uint64, len(vectors))
	keyMap := make(map[uint64]string, len(vectors))
	var next uint64

	for id, vec := range vectors {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(vec) != x.config.Dimensions {
			slog.Warn("skipping stored vector with wrong dimension",
				slog.String("chunk_id", id),
				slog.Int("got", len(vec)),
				slog.Int("want", x.config.Dimensions))
			continue
		}

		v := make([]float32, len(vec))
		copy(v, vec)
		normalizeInPlace(v)

		graph.Add(hnsw.MakeNode(next, v))
		idMap[id] = next
		keyMap[next] = id
		next++
	}

	x.graph = graph
	x.idMap = idMap
	x.keyMap = keyMap
	x.nextKey = next
	x.dirty = true

	return x.flushLocked()
}

// Close stops the flush timer, flushes once, and releases the graph.
// Idempotent.
func (x *HNSWIndex) Close() error {
	x.mu.Lock()
	if x.closing {
		x.mu.Unlock()
		return nil
	}
	// Claimed under the lock so concurrent Close calls cannot both reach
	// the channel close.
	x.closing = true
	x.mu.Unlock()

	close(x.flushStop)
	<-x.flushDone

	x.mu.Lock()
	defer x.mu.Unlock()
	err := x.flushLocked()
	x.closed = true
	x.graph = nil
	return err
}

func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
