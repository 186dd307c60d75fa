// Package control exposes the engine's operations: ingestion, query,
// pipeline control, document management, and index maintenance. The
// transport layer (CLI, server) calls into this package only.
package control

import (
	"context"
	"log/slog"
	"path"

	"github.com/quarrydocs/quarry/internal/config"
	"github.com/quarrydocs/quarry/internal/embed"
	qerrors "github.com/quarrydocs/quarry/internal/errors"
	"github.com/quarrydocs/quarry/internal/fingerprint"
	"github.com/quarrydocs/quarry/internal/pipeline"
	"github.com/quarrydocs/quarry/internal/queue"
	"github.com/quarrydocs/quarry/internal/sanitize"
	"github.com/quarrydocs/quarry/internal/search"
	"github.com/quarrydocs/quarry/internal/store"
	"github.com/quarrydocs/quarry/internal/watcher"
)

// Components are the assembled collaborators behind a Service. Bootstrap
// builds them from configuration; tests assemble them directly.
type Components struct {
	Config      *config.Config
	Fingerprint *fingerprint.Service
	Meta        *store.MetadataStore
	Vectors     store.VectorIndex
	FTS         store.FTSIndex
	Embedder    embed.Embedder
	Searcher    *search.Searcher
	Coordinator *pipeline.Coordinator
	Healer      *sanitize.Healer
	Watcher     *watcher.Watcher
	Log         *slog.Logger

	// Release undoes Bootstrap-held resources (the instance lock).
	Release func() error
}

// Service is the control plane.
type Service struct {
	c   Components
	log *slog.Logger
}

// NewService wraps assembled components.
func NewService(c Components) *Service {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	return &Service{c: c, log: c.Log}
}

// StartPipeline launches only the ingest pipeline, without the healing
// pass or the watcher. Used by one-shot maintenance commands that
// enqueue work.
func (s *Service) StartPipeline(ctx context.Context) error {
	return s.c.Coordinator.Start(ctx)
}

// Start launches the pipeline, runs the startup healing pass, and begins
// watching the root.
func (s *Service) Start(ctx context.Context) error {
	if err := s.c.Coordinator.Start(ctx); err != nil {
		return err
	}

	report, err := s.c.Healer.Heal(ctx, false)
	if err != nil {
		s.log.Warn("startup healing pass failed", slog.Any("error", err))
	} else if report.Changed() {
		s.log.Info("startup healing repaired state",
			slog.Int("orphaned_files", len(report.OrphanedFiles)),
			slog.Int("enqueued", report.Enqueued))
	}

	if s.c.Watcher != nil {
		if err := s.c.Watcher.Start(ctx); err != nil {
			return err
		}
		go func() {
			for ev := range s.c.Watcher.Events() {
				s.c.Coordinator.HandleEvent(ctx, ev)
			}
		}()
	}
	return nil
}

// Close shuts everything down in dependency order.
func (s *Service) Close() error {
	if s.c.Watcher != nil {
		s.c.Watcher.Stop()
	}
	var firstErr error
	if err := s.c.Coordinator.Stop(true); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.c.Vectors.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.c.FTS.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.c.Embedder.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.c.Meta.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.c.Release != nil {
		if err := s.c.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// IngestResult reports what ingest did with a path.
type IngestResult struct {
	Path    string `json:"path"`
	Outcome string `json:"outcome"` // enqueued | deduplicated
}

// Ingest enqueues one path for indexing.
func (s *Service) Ingest(ctx context.Context, p string, priority queue.Priority, force bool) (*IngestResult, error) {
	outcome, err := s.c.Coordinator.Submit(ctx, p, priority, force)
	if err != nil {
		return nil, err
	}
	return &IngestResult{Path: p, Outcome: string(outcome)}, nil
}

// Query runs a hybrid search.
func (s *Service) Query(ctx context.Context, text string, opts search.Options) ([]search.Result, error) {
	return s.c.Searcher.Search(ctx, text, opts)
}

// QueueState is the result of pause/resume/clear.
type QueueState struct {
	QueueSize int  `json:"queue_size"`
	Paused    bool `json:"paused"`
}

// Pause suspends ingestion.
func (s *Service) Pause() QueueState {
	s.c.Coordinator.Pause()
	return s.queueState()
}

// Resume restarts ingestion.
func (s *Service) Resume() QueueState {
	s.c.Coordinator.Resume()
	return s.queueState()
}

// Clear empties the ingest queue.
func (s *Service) Clear() QueueState {
	s.c.Coordinator.Clear()
	return s.queueState()
}

func (s *Service) queueState() QueueState {
	return QueueState{
		QueueSize: s.c.Coordinator.QueueSize(),
		Paused:    s.c.Coordinator.Paused(),
	}
}

// Status reports per-stage pipeline introspection.
func (s *Service) Status() pipeline.Snapshot {
	return s.c.Coordinator.Snapshot()
}

// HealthReport summarizes index health.
type HealthReport struct {
	DocumentCount      int    `json:"document_count"`
	ChunkCount         int    `json:"chunk_count"`
	VectorCount        int    `json:"vector_count"`
	IndexingInProgress bool   `json:"indexing_in_progress"`
	ModelName          string `json:"model_name"`
	EmbedderAvailable  bool   `json:"embedder_available"`
}

// Health reports store counts and embedder availability.
func (s *Service) Health(ctx context.Context) (*HealthReport, error) {
	docs, chunks, _, err := s.c.Meta.Counts(ctx)
	if err != nil {
		return nil, err
	}
	snap := s.c.Coordinator.Snapshot()
	indexing := snap.QueueSize > 0
	for _, stage := range snap.Stages {
		if stage.Active > 0 || stage.QueueSize > 0 {
			indexing = true
		}
	}
	return &HealthReport{
		DocumentCount:      docs,
		ChunkCount:         chunks,
		VectorCount:        s.c.Vectors.Count(),
		IndexingInProgress: indexing,
		ModelName:          s.c.Embedder.ModelName(),
		EmbedderAvailable:  s.c.Embedder.Available(ctx),
	}, nil
}

// DocumentSummary is one row of list_documents.
type DocumentSummary struct {
	Path             string `json:"path"`
	Hash             string `json:"hash"`
	ChunkCount       int    `json:"chunk_count"`
	ExtractionMethod string `json:"extraction_method"`
	IndexedAt        string `json:"indexed_at"`
}

// ListDocuments returns indexed documents, optionally filtered by glob.
// The pattern matches the full relative path.
func (s *Service) ListDocuments(ctx context.Context, pattern string) ([]DocumentSummary, error) {
	if pattern != "" {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, qerrors.BadRequest("invalid glob pattern: " + pattern)
		}
	}

	var out []DocumentSummary
	cursor := ""
	for {
		docs, next, err := s.c.Meta.ListDocuments(ctx, cursor, 500)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if pattern != "" {
				if ok, _ := path.Match(pattern, d.Path); !ok {
					continue
				}
			}
			out = append(out, DocumentSummary{
				Path:             d.Path,
				Hash:             d.Hash,
				ChunkCount:       d.ChunkCount,
				ExtractionMethod: d.ExtractionMethod,
				IndexedAt:        d.IndexedAt.Format("2006-01-02T15:04:05Z07:00"),
			})
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return out, nil
}

// DocumentInfo is the detail view of one document.
type DocumentInfo struct {
	Document *store.Document           `json:"document"`
	Progress *store.ProcessingProgress `json:"progress,omitempty"`
}

// GetDocument returns one document with its progress row.
func (s *Service) GetDocument(ctx context.Context, p string) (*DocumentInfo, error) {
	canonical, err := s.c.Fingerprint.Canonicalize(p)
	if err != nil {
		return nil, err
	}
	doc, err := s.c.Meta.GetDocumentByPath(ctx, canonical)
	if err != nil {
		return nil, err
	}
	info := &DocumentInfo{Document: doc}
	if progress, perr := s.c.Meta.GetProgress(ctx, canonical); perr == nil {
		info.Progress = progress
	}
	return info, nil
}

// DeleteResult reports what delete_document removed.
type DeleteResult struct {
	DocumentDeleted bool `json:"document_deleted"`
	ChunksDeleted   int  `json:"chunks_deleted"`
}

// DeleteDocument removes a document from every store.
func (s *Service) DeleteDocument(ctx context.Context, p string) (*DeleteResult, error) {
	canonical, err := s.c.Fingerprint.Canonicalize(p)
	if err != nil {
		return nil, err
	}
	doc, err := s.c.Meta.GetDocumentByPath(ctx, canonical)
	if err != nil {
		return nil, err
	}
	if err := s.c.Coordinator.Delete(ctx, canonical); err != nil {
		return nil, err
	}
	return &DeleteResult{DocumentDeleted: true, ChunksDeleted: doc.ChunkCount}, nil
}

// ReindexResult reports a reindex request.
type ReindexResult struct {
	Path     string `json:"path"`
	Outcome  string `json:"outcome"`
	Priority string `json:"priority"`
}

// ReindexDocument force-reingests one already-known document at high
// priority.
func (s *Service) ReindexDocument(ctx context.Context, p string) (*ReindexResult, error) {
	canonical, err := s.c.Fingerprint.Canonicalize(p)
	if err != nil {
		return nil, err
	}
	if _, err := s.c.Meta.GetDocumentByPath(ctx, canonical); err != nil {
		return nil, err
	}
	outcome, err := s.c.Coordinator.Submit(ctx, canonical, queue.PriorityHigh, true)
	if err != nil {
		return nil, err
	}
	return &ReindexResult{
		Path:     canonical,
		Outcome:  string(outcome),
		Priority: queue.PriorityHigh.String(),
	}, nil
}

// VerifyIntegrity reconciles the derived indexes against the store.
func (s *Service) VerifyIntegrity(ctx context.Context, dryRun bool) (*sanitize.Report, error) {
	return s.c.Healer.VerifyIntegrity(ctx, dryRun)
}

// CleanupOrphans removes phantom progress, empty documents, and orphan
// index entries.
func (s *Service) CleanupOrphans(ctx context.Context, dryRun bool) (*sanitize.Report, error) {
	return s.c.Healer.CleanupOrphans(ctx, dryRun)
}

// RebuildResult reports an index rebuild.
type RebuildResult struct {
	Rebuilt bool `json:"rebuilt"`
	Count   int  `json:"count"`
}

// RebuildVectorIndex rebuilds the k-NN index from the vectors table.
func (s *Service) RebuildVectorIndex(ctx context.Context, dryRun bool) (*RebuildResult, error) {
	if dryRun {
		_, _, vectors, err := s.c.Meta.Counts(ctx)
		if err != nil {
			return nil, err
		}
		return &RebuildResult{Rebuilt: false, Count: vectors}, nil
	}
	if err := s.c.Healer.RebuildVectorIndex(ctx); err != nil {
		return nil, err
	}
	return &RebuildResult{Rebuilt: true, Count: s.c.Vectors.Count()}, nil
}

// RebuildFTSIndex reindexes every chunk into the FTS index.
func (s *Service) RebuildFTSIndex(ctx context.Context, dryRun bool) (*RebuildResult, error) {
	if dryRun {
		_, chunks, _, err := s.c.Meta.Counts(ctx)
		if err != nil {
			return nil, err
		}
		return &RebuildResult{Rebuilt: false, Count: chunks}, nil
	}
	if err := s.c.Healer.RebuildFTSIndex(ctx); err != nil {
		return nil, err
	}
	count, err := s.c.FTS.Count()
	if err != nil {
		return nil, err
	}
	return &RebuildResult{Rebuilt: true, Count: count}, nil
}

// RepairResult combines both index rebuilds.
type RepairResult struct {
	Vector *RebuildResult `json:"vector"`
	FTS    *RebuildResult `json:"fts"`
}

// RepairIndexes rebuilds both derived indexes.
func (s *Service) RepairIndexes(ctx context.Context, dryRun bool) (*RepairResult, error) {
	vec, err := s.RebuildVectorIndex(ctx, dryRun)
	if err != nil {
		return nil, err
	}
	fts, err := s.RebuildFTSIndex(ctx, dryRun)
	if err != nil {
		return nil, err
	}
	return &RepairResult{Vector: vec, FTS: fts}, nil
}

// ReindexFailedResult reports reindex_failed_documents.
type ReindexFailedResult struct {
	DocumentsQueued int  `json:"documents_queued"`
	DryRun          bool `json:"dry_run"`
}

// ReindexFailedDocuments re-enqueues paths whose last attempt failed,
// optionally narrowed to specific failure codes.
func (s *Service) ReindexFailedDocuments(ctx context.Context, issueTypes []string, dryRun bool) (*ReindexFailedResult, error) {
	if dryRun {
		failed, err := s.c.Meta.ListProgressByStatus(ctx, store.StatusFailed)
		if err != nil {
			return nil, err
		}
		n := 0
		for _, p := range failed {
			if sanitize.MatchesIssueTypes(p.ErrorMessage, issueTypes) {
				n++
			}
		}
		return &ReindexFailedResult{DocumentsQueued: n, DryRun: true}, nil
	}
	n, err := s.c.Healer.ReindexFailed(ctx, issueTypes)
	if err != nil {
		return nil, err
	}
	return &ReindexFailedResult{DocumentsQueued: n}, nil
}
