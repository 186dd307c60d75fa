// Package pipeline wires the ingest stages together: priority queue in,
// extract, embed, and store stages out, connected by bounded channels.
//
// The queue is the only unbounded-wait point; once an item is dequeued it
// flows through the stages under backpressure. Every item leaves the
// pipeline through exactly one call to finish, which releases its dedup
// slot in the queue.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quarrydocs/quarry/internal/chunk"
	"github.com/quarrydocs/quarry/internal/config"
	"github.com/quarrydocs/quarry/internal/embed"
	qerrors "github.com/quarrydocs/quarry/internal/errors"
	"github.com/quarrydocs/quarry/internal/extract"
	"github.com/quarrydocs/quarry/internal/fingerprint"
	"github.com/quarrydocs/quarry/internal/graph"
	"github.com/quarrydocs/quarry/internal/queue"
	"github.com/quarrydocs/quarry/internal/store"
	"github.com/quarrydocs/quarry/internal/validate"
	"github.com/quarrydocs/quarry/internal/watcher"
)

// Deps are the collaborators the coordinator drives. All are required
// except Graph and Invalidate.
type Deps struct {
	Fingerprint *fingerprint.Service
	Validator   validate.Validator
	Quarantine  *validate.Quarantine
	Extractors  *extract.Registry
	Counter     *chunk.TokenCounter
	Embedder    embed.Embedder
	Meta        *store.MetadataStore
	Vectors     store.VectorIndex
	FTS         store.FTSIndex
	Graph       *graph.Service

	// Invalidate is called after every index mutation; the control plane
	// points it at the query cache.
	Invalidate func()

	Log *slog.Logger
}

// job carries one document between stages.
type job struct {
	path   string
	hash   string
	method string
	chunks []chunk.Chunk

	ids     []string
	vectors [][]float32
}

// Coordinator runs the ingest pipeline.
type Coordinator struct {
	cfg      config.PipelineConfig
	chunkCfg chunk.Config
	deps     Deps
	log      *slog.Logger

	queue     *queue.Queue
	extractCh chan *queue.Item
	embedCh   chan *job
	storeCh   chan *job

	extractStats stageStats
	embedStats   stageStats
	storeStats   stageStats

	mu      sync.Mutex
	g       *errgroup.Group
	cancel  context.CancelFunc
	started bool
}

// NewCoordinator builds an unstarted coordinator.
func NewCoordinator(cfg config.PipelineConfig, chunkCfg chunk.Config, deps Deps) *Coordinator {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Invalidate == nil {
		deps.Invalidate = func() {}
	}
	return &Coordinator{
		cfg:       cfg,
		chunkCfg:  chunkCfg.WithDefaults(),
		deps:      deps,
		log:       deps.Log,
		queue:     queue.New(cfg.QueueCapacity),
		extractCh: make(chan *queue.Item, cfg.StageBuffer),
		embedCh:   make(chan *job, cfg.StageBuffer),
		storeCh:   make(chan *job, cfg.StageBuffer),
	}
}

// Start launches the stage workers. It returns immediately; processing
// continues until Stop or ctx cancellation.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return qerrors.New(qerrors.ErrCodeInternal, "pipeline already started", nil)
	}
	c.started = true

	ctx, c.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.g = g

	g.Go(func() error { return c.dispatch(gctx) })

	var extractWG sync.WaitGroup
	for i := 0; i < c.cfg.ChunkWorkers; i++ {
		extractWG.Add(1)
		g.Go(func() error {
			defer extractWG.Done()
			c.extractWorker(gctx)
			return nil
		})
	}
	g.Go(func() error {
		extractWG.Wait()
		close(c.embedCh)
		return nil
	})

	var embedWG sync.WaitGroup
	for i := 0; i < c.cfg.EmbedWorkers; i++ {
		embedWG.Add(1)
		g.Go(func() error {
			defer embedWG.Done()
			c.embedWorker(gctx)
			return nil
		})
	}
	g.Go(func() error {
		embedWG.Wait()
		close(c.storeCh)
		return nil
	})

	// Single store worker: SQLite has one writer, and serializing commits
	// keeps the three indexes moving in lockstep.
	g.Go(func() error {
		c.storeWorker(gctx)
		return nil
	})

	c.log.Info("pipeline started",
		slog.Int("chunk_workers", c.cfg.ChunkWorkers),
		slog.Int("embed_workers", c.cfg.EmbedWorkers),
		slog.Int("queue_capacity", c.cfg.QueueCapacity))
	return nil
}

// Stop shuts the pipeline down. Graceful lets queued and in-flight items
// drain; immediate cancels workers mid-flight (progress rows mark where
// to resume).
func (c *Coordinator) Stop(graceful bool) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.queue.Close()
	if !graceful {
		c.cancel()
	}
	err := c.g.Wait()
	c.cancel()
	c.log.Info("pipeline stopped", slog.Bool("graceful", graceful))
	return err
}

// Submit canonicalizes path and enqueues it for ingestion. Accepted
// paths get a pending progress row so a crash before processing is
// recoverable at the next startup.
func (c *Coordinator) Submit(ctx context.Context, path string, priority queue.Priority, force bool) (queue.Outcome, error) {
	canonical, err := c.deps.Fingerprint.Canonicalize(path)
	if err != nil {
		return "", err
	}
	outcome, err := c.queue.Enqueue(canonical, priority, force)
	if err != nil {
		return "", qerrors.New(qerrors.ErrCodeRejected,
			fmt.Sprintf("enqueue %s: %v", canonical, err), err)
	}
	c.markPending(ctx, canonical, force)
	return outcome, nil
}

// markPending records a pending row for a queued path. Completed rows
// are left alone unless the submit forced, so the unchanged-skip check
// keeps its hash. Progress is advisory; failures only warn.
func (c *Coordinator) markPending(ctx context.Context, path string, force bool) {
	if !force {
		if p, err := c.deps.Meta.GetProgress(ctx, path); err == nil && p.Status == store.StatusCompleted {
			return
		}
	}
	if err := c.deps.Meta.SetProgress(ctx, &store.ProcessingProgress{
		Path:      path,
		Status:    store.StatusPending,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		c.log.Warn("recording pending progress failed",
			slog.String("path", path), slog.Any("error", err))
	}
}

// Delete removes a document from all stores. Safe to call for paths that
// were never indexed.
func (c *Coordinator) Delete(ctx context.Context, path string) error {
	canonical, err := c.deps.Fingerprint.Canonicalize(path)
	if err != nil {
		return err
	}

	unlock := c.deps.Meta.LockPath(canonical)
	defer unlock()

	removed, err := c.deps.Meta.DeleteDocument(ctx, canonical)
	if err != nil {
		if qerrors.IsNotFound(err) {
			_ = c.deps.Meta.DeleteProgress(ctx, canonical)
			return nil
		}
		return err
	}

	if len(removed) > 0 {
		if derr := c.deps.Vectors.Delete(ctx, removed); derr != nil {
			c.log.Warn("vector delete failed, heal will catch it",
				slog.String("path", canonical), slog.Any("error", derr))
		}
		if derr := c.deps.FTS.Delete(ctx, removed); derr != nil {
			c.log.Warn("fts delete failed, heal will catch it",
				slog.String("path", canonical), slog.Any("error", derr))
		}
	}
	if c.deps.Graph != nil {
		if gerr := c.deps.Graph.RemoveDocument(ctx, canonical); gerr != nil && !qerrors.IsNotFound(gerr) {
			c.log.Warn("graph cleanup failed", slog.String("path", canonical), slog.Any("error", gerr))
		}
	}
	c.deps.Invalidate()
	c.log.Info("document deleted", slog.String("path", canonical), slog.Int("chunks", len(removed)))
	return nil
}

// HandleEvent routes one watcher event into the pipeline.
func (c *Coordinator) HandleEvent(ctx context.Context, ev watcher.Event) {
	switch ev.Op {
	case watcher.OpDelete:
		if err := c.Delete(ctx, ev.Path); err != nil {
			c.log.Warn("delete event failed", slog.String("path", ev.Path), slog.Any("error", err))
		}
	default:
		if _, err := c.Submit(ctx, ev.Path, queue.PriorityNormal, false); err != nil {
			c.log.Warn("submit event failed", slog.String("path", ev.Path), slog.Any("error", err))
		}
	}
}

// Pause suspends dequeuing; in-flight items run to completion.
func (c *Coordinator) Pause() { c.queue.Pause() }

// Resume re-enables dequeuing.
func (c *Coordinator) Resume() { c.queue.Resume() }

// Paused reports whether the queue is paused.
func (c *Coordinator) Paused() bool { return c.queue.Paused() }

// Clear empties the queue. In-flight items run to completion.
func (c *Coordinator) Clear() { c.queue.Clear() }

// QueueSize reports the number of queued items.
func (c *Coordinator) QueueSize() int { return c.queue.Size() }

// dispatch feeds dequeued items into the extract stage and owns the
// extract channel's close.
func (c *Coordinator) dispatch(ctx context.Context) error {
	defer close(c.extractCh)
	for {
		item, err := c.queue.Dequeue(ctx)
		if err != nil {
			// Closed queue or cancelled context; both end dispatch.
			return nil
		}
		select {
		case c.extractCh <- item:
		case <-ctx.Done():
			c.queue.MarkDone(item.Path)
			return nil
		}
	}
}

func (c *Coordinator) extractWorker(ctx context.Context) {
	for item := range c.extractCh {
		c.runStage(ctx, item.Path, &c.extractStats, func() error {
			return c.processExtract(ctx, item)
		})
	}
}

func (c *Coordinator) embedWorker(ctx context.Context) {
	for j := range c.embedCh {
		c.runStage(ctx, j.path, &c.embedStats, func() error {
			return c.processEmbed(ctx, j)
		})
	}
}

func (c *Coordinator) storeWorker(ctx context.Context) {
	for j := range c.storeCh {
		c.runStage(ctx, j.path, &c.storeStats, func() error {
			return c.processStore(ctx, j)
		})
	}
}

// runStage executes one stage pass with panic containment. A panicking
// job is marked failed and released; the worker survives.
func (c *Coordinator) runStage(ctx context.Context, path string, stats *stageStats, fn func() error) {
	stats.begin(path)
	defer func() {
		if r := recover(); r != nil {
			stats.fail()
			c.log.Error("pipeline stage panic",
				slog.String("path", path), slog.Any("panic", r))
			c.failProgress(ctx, path, fmt.Sprintf("panic: %v", r))
			c.finish(path)
			return
		}
	}()
	defer stats.end(path)

	if err := fn(); err != nil {
		stats.fail()
		c.log.Warn("pipeline stage failed",
			slog.String("path", path), slog.Any("error", err))
		c.failProgress(ctx, path, err.Error())
		c.finish(path)
		return
	}
	stats.ok()
}

// processExtract runs validation, extraction, and chunking, then hands
// the job to the embed stage. Skips, rejections, and deletions all end
// the item here.
func (c *Coordinator) processExtract(ctx context.Context, item *queue.Item) error {
	path := item.Path
	abs := c.deps.Fingerprint.Absolute(path)

	hash, err := c.deps.Fingerprint.Hash(path)
	if err != nil {
		if qerrors.IsNotFound(err) {
			// Deleted between the event and processing.
			c.finish(path)
			if derr := c.Delete(ctx, path); derr != nil {
				c.log.Warn("cleanup of vanished file failed",
					slog.String("path", path), slog.Any("error", derr))
			}
			return nil
		}
		return err
	}

	if !item.Force {
		if p, perr := c.deps.Meta.GetProgress(ctx, path); perr == nil &&
			p.Status == store.StatusCompleted && p.Hash == hash {
			c.log.Debug("unchanged, skipping", slog.String("path", path))
			c.finish(path)
			return nil
		}
	}

	verdict, err := c.deps.Validator.Validate(abs)
	if err != nil {
		return err
	}
	if !verdict.Accepted {
		return c.reject(ctx, path, abs, verdict)
	}

	extractor := c.deps.Extractors.ForPath(path)
	if extractor == nil {
		return c.reject(ctx, path, abs, validate.Reject("no extractor for extension", validate.SeverityWarning))
	}

	if err := c.deps.Meta.SetProgress(ctx, &store.ProcessingProgress{
		Path:      path,
		Hash:      hash,
		Status:    store.StatusInProgress,
		StartedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}

	result, err := extractor.Extract(ctx, abs)
	if err != nil {
		// Formats with a repair pass get exactly one retry.
		if repairer, ok := extractor.(extract.Repairer); ok {
			c.log.Info("extraction failed, attempting repair", slog.String("path", path))
			if rerr := repairer.Repair(ctx, abs); rerr == nil {
				result, err = extractor.Extract(ctx, abs)
			}
		}
		if err != nil {
			return qerrors.New(qerrors.ErrCodeExtractionFailed,
				fmt.Sprintf("extract %s", path), err)
		}
	}

	chunker := chunk.ForMethod(result.Method, c.deps.Counter)
	chunks, err := chunker.Chunk(result.Pages, c.chunkCfg)
	if err != nil {
		return err
	}

	j := &job{path: path, hash: hash, method: result.Method, chunks: chunks}
	select {
	case c.embedCh <- j:
		return nil
	case <-ctx.Done():
		c.finish(path)
		return nil
	}
}

// processEmbed computes chunk IDs and embeddings. Zero-chunk documents
// pass straight through; they still commit so deletion of stale chunks
// happens in the store stage.
func (c *Coordinator) processEmbed(ctx context.Context, j *job) error {
	j.ids = make([]string, len(j.chunks))
	texts := make([]string, len(j.chunks))
	for i, ch := range j.chunks {
		j.ids[i] = chunkID(j.path, j.hash, ch.Ordinal)
		texts[i] = ch.Text
	}

	if len(texts) > 0 {
		vectors, err := c.deps.Embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return qerrors.New(qerrors.ErrCodeEmbeddingFailed,
				fmt.Sprintf("embed %s", j.path), err)
		}
		j.vectors = vectors
	}

	select {
	case c.storeCh <- j:
		return nil
	case <-ctx.Done():
		c.finish(j.path)
		return nil
	}
}

// processStore commits the document transactionally and updates the
// derived indexes. Index errors after the commit are logged, not fatal;
// integrity verification reconciles them.
func (c *Coordinator) processStore(ctx context.Context, j *job) error {
	defer c.finish(j.path)

	unlock := c.deps.Meta.LockPath(j.path)
	defer unlock()

	rows := make([]store.Chunk, len(j.chunks))
	vectorsByID := make(map[string][]float32, len(j.chunks))
	texts := make([]string, len(j.chunks))
	for i, ch := range j.chunks {
		meta, err := json.Marshal(ch.Metadata)
		if err != nil {
			return err
		}
		rows[i] = store.Chunk{
			ID:       j.ids[i],
			Ordinal:  ch.Ordinal,
			Content:  ch.Text,
			Page:     ch.Page,
			Metadata: string(meta),
		}
		vectorsByID[j.ids[i]] = j.vectors[i]
		texts[i] = ch.Text
	}

	doc := &store.Document{
		Path:             j.path,
		Hash:             j.hash,
		IndexedAt:        time.Now().UTC(),
		ExtractionMethod: j.method,
	}
	_, old, err := c.deps.Meta.ReplaceDocument(ctx, doc, rows, vectorsByID)
	if err != nil {
		return err
	}

	if len(old) > 0 {
		if derr := c.deps.Vectors.Delete(ctx, old); derr != nil {
			c.log.Warn("stale vector cleanup failed", slog.String("path", j.path), slog.Any("error", derr))
		}
		if derr := c.deps.FTS.Delete(ctx, old); derr != nil {
			c.log.Warn("stale fts cleanup failed", slog.String("path", j.path), slog.Any("error", derr))
		}
	}
	if len(j.ids) > 0 {
		if ierr := c.deps.Vectors.InsertBatch(ctx, j.ids, j.vectors); ierr != nil {
			c.log.Warn("vector insert failed, rebuild will recover", slog.String("path", j.path), slog.Any("error", ierr))
		}
		if ierr := c.deps.FTS.IndexBatch(ctx, j.ids, texts); ierr != nil {
			c.log.Warn("fts insert failed, rebuild will recover", slog.String("path", j.path), slog.Any("error", ierr))
		}
	}

	if c.deps.Graph != nil && j.method == "markdown" {
		links, tags, headers := collectGraphRefs(j.chunks)
		if gerr := c.deps.Graph.UpdateDocument(ctx, j.path, links, tags, headers); gerr != nil {
			c.log.Warn("graph update failed", slog.String("path", j.path), slog.Any("error", gerr))
		}
	}

	c.deps.Invalidate()
	c.log.Info("document indexed",
		slog.String("path", j.path),
		slog.Int("chunks", len(j.chunks)),
		slog.String("method", j.method))
	return nil
}

// reject records the verdict and quarantines critically bad files.
func (c *Coordinator) reject(ctx context.Context, path, abs string, verdict validate.Verdict) error {
	defer c.finish(path)

	if verdict.Severity == validate.SeverityCritical && c.deps.Quarantine != nil {
		dest, qerr := c.deps.Quarantine.Move(abs)
		if qerr != nil {
			c.log.Warn("quarantine failed", slog.String("path", path), slog.Any("error", qerr))
		} else {
			c.log.Info("file quarantined", slog.String("path", path), slog.String("dest", dest))
		}
	}

	if err := c.deps.Meta.SetProgress(ctx, &store.ProcessingProgress{
		Path:         path,
		Status:       store.StatusRejected,
		ErrorMessage: verdict.Reason,
		StartedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}
	c.log.Info("file rejected",
		slog.String("path", path),
		slog.String("reason", verdict.Reason),
		slog.String("severity", string(verdict.Severity)))
	return nil
}

// finish releases the item's dedup slot.
func (c *Coordinator) finish(path string) {
	c.queue.MarkDone(path)
}

// failProgress marks a path failed, so reindex_failed can retry it.
func (c *Coordinator) failProgress(ctx context.Context, path, message string) {
	if err := c.deps.Meta.SetProgress(ctx, &store.ProcessingProgress{
		Path:         path,
		Status:       store.StatusFailed,
		ErrorMessage: message,
		StartedAt:    time.Now().UTC(),
	}); err != nil {
		c.log.Error("recording failure failed", slog.String("path", path), slog.Any("error", err))
	}
}

// chunkID derives a stable content-addressed chunk identifier.
func chunkID(path, hash string, ordinal int) string {
	return fingerprint.HashBytes(fmt.Appendf(nil, "%s\x00%s\x00%d", path, hash, ordinal))
}

// collectGraphRefs merges wikilinks, tags, and headings across a
// document's chunks.
func collectGraphRefs(chunks []chunk.Chunk) (links, tags, headers []string) {
	seenLinks := make(map[string]struct{})
	seenTags := make(map[string]struct{})
	seenHeaders := make(map[string]struct{})
	for _, ch := range chunks {
		for _, l := range ch.Metadata.Links {
			if _, ok := seenLinks[l]; !ok {
				seenLinks[l] = struct{}{}
				links = append(links, l)
			}
		}
		for _, t := range ch.Metadata.Tags {
			if _, ok := seenTags[t]; !ok {
				seenTags[t] = struct{}{}
				tags = append(tags, t)
			}
		}
		for _, h := range ch.Metadata.Headers {
			if _, ok := seenHeaders[h]; !ok {
				seenHeaders[h] = struct{}{}
				headers = append(headers, h)
			}
		}
	}
	return links, tags, headers
}
