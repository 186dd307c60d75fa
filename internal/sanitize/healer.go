// Package sanitize detects and repairs divergence between the filesystem,
// the metadata store, and the derived indexes. The metadata store is the
// source of truth: anything the indexes hold beyond it is removed, and
// anything they are missing is rebuilt from it.
//
// Every operation takes a dryRun flag; dry runs report what would change
// without touching anything.
package sanitize

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	qerrors "github.com/quarrydocs/quarry/internal/errors"
	"github.com/quarrydocs/quarry/internal/fingerprint"
	"github.com/quarrydocs/quarry/internal/queue"
	"github.com/quarrydocs/quarry/internal/store"
	"github.com/quarrydocs/quarry/internal/watcher"
)

// Submitter enqueues a path for (re)ingestion.
type Submitter func(ctx context.Context, path string, priority queue.Priority, force bool) error

// Report describes what a healing pass found and, unless it was a dry
// run, repaired.
type Report struct {
	DryRun bool `json:"dry_run"`

	// OrphanedFiles exist on disk but have no document row.
	OrphanedFiles []string `json:"orphaned_files,omitempty"`

	// MissingFiles have a document row but no file on disk, deleted
	// while the daemon was not watching.
	MissingFiles []string `json:"missing_files,omitempty"`

	// IncompletePaths were pending, mid-pipeline, or failed when the
	// process last ran.
	IncompletePaths []string `json:"incomplete_paths,omitempty"`

	// PhantomProgress rows claim completion for absent documents.
	PhantomProgress []string `json:"phantom_progress,omitempty"`

	// EmptyDocuments were indexed with zero chunks.
	EmptyDocuments []string `json:"empty_documents,omitempty"`

	// MismatchedDocuments claim chunks they do not have.
	MismatchedDocuments []string `json:"mismatched_documents,omitempty"`

	// OrphanVectors and OrphanFTS are index entries with no chunk row.
	OrphanVectors int `json:"orphan_vectors"`
	OrphanFTS     int `json:"orphan_fts"`

	// MissingVectors counts chunk vectors absent from the k-NN index.
	MissingVectors int `json:"missing_vectors"`

	// VectorIndexRebuilt is set when the count mismatch forced a rebuild.
	VectorIndexRebuilt bool `json:"vector_index_rebuilt"`

	// Enqueued counts paths handed back to the pipeline.
	Enqueued int `json:"enqueued"`
}

// Changed reports whether the pass found anything at all.
func (r *Report) Changed() bool {
	return len(r.OrphanedFiles) > 0 || len(r.MissingFiles) > 0 ||
		len(r.IncompletePaths) > 0 || len(r.PhantomProgress) > 0 ||
		len(r.EmptyDocuments) > 0 || len(r.MismatchedDocuments) > 0 ||
		r.OrphanVectors > 0 || r.OrphanFTS > 0 || r.MissingVectors > 0 ||
		r.VectorIndexRebuilt
}

// Healer runs integrity verification and repair.
type Healer struct {
	fp      *fingerprint.Service
	filter  *watcher.Filter
	meta    *store.MetadataStore
	vectors store.VectorIndex
	fts     store.FTSIndex
	submit  Submitter

	// invalidate is called when a repair mutated an index.
	invalidate func()

	// autoSelfHeal permits deletion of empty documents during Heal.
	autoSelfHeal bool

	log *slog.Logger
}

// Options configures a Healer.
type Options struct {
	Fingerprint  *fingerprint.Service
	Filter       *watcher.Filter
	Meta         *store.MetadataStore
	Vectors      store.VectorIndex
	FTS          store.FTSIndex
	Submit       Submitter
	Invalidate   func()
	AutoSelfHeal bool
	Log          *slog.Logger
}

// NewHealer builds a healer. Submit may be nil when no pipeline is
// running; repairs that need reingestion are then reported only.
func NewHealer(opts Options) *Healer {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Invalidate == nil {
		opts.Invalidate = func() {}
	}
	return &Healer{
		fp:           opts.Fingerprint,
		filter:       opts.Filter,
		meta:         opts.Meta,
		vectors:      opts.Vectors,
		fts:          opts.FTS,
		submit:       opts.Submit,
		invalidate:   opts.Invalidate,
		autoSelfHeal: opts.AutoSelfHeal,
		log:          opts.Log,
	}
}

// Heal runs the full startup pass: stale progress recovery, filesystem
// reconciliation in both directions, then index verification and orphan
// cleanup.
func (h *Healer) Heal(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun}

	if err := h.recoverIncomplete(ctx, dryRun, report); err != nil {
		return nil, err
	}
	if err := h.scanOrphanedFiles(ctx, dryRun, report); err != nil {
		return nil, err
	}
	if err := h.scanMissingFiles(ctx, dryRun, report); err != nil {
		return nil, err
	}
	if err := h.cleanupOrphans(ctx, dryRun, report); err != nil {
		return nil, err
	}
	if err := h.verifyIndexes(ctx, dryRun, report); err != nil {
		return nil, err
	}

	if report.Changed() {
		h.log.Info("healing pass complete",
			slog.Bool("dry_run", dryRun),
			slog.Int("orphaned_files", len(report.OrphanedFiles)),
			slog.Int("missing_files", len(report.MissingFiles)),
			slog.Int("incomplete", len(report.IncompletePaths)),
			slog.Int("phantom_progress", len(report.PhantomProgress)),
			slog.Int("orphan_vectors", report.OrphanVectors),
			slog.Int("orphan_fts", report.OrphanFTS),
			slog.Int("enqueued", report.Enqueued))
	}
	return report, nil
}

// VerifyIntegrity checks store-index consistency and repairs divergence
// unless dryRun is set.
func (h *Healer) VerifyIntegrity(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun}
	if err := h.verifyIndexes(ctx, dryRun, report); err != nil {
		return nil, err
	}
	return report, nil
}

// CleanupOrphans removes phantom progress rows, empty documents, and
// index entries with no backing chunk.
func (h *Healer) CleanupOrphans(ctx context.Context, dryRun bool) (*Report, error) {
	report := &Report{DryRun: dryRun}
	if err := h.cleanupOrphans(ctx, dryRun, report); err != nil {
		return nil, err
	}
	return report, nil
}

// scanOrphanedFiles walks the root for eligible files that have no
// document row and enqueues them at high priority.
func (h *Healer) scanOrphanedFiles(ctx context.Context, dryRun bool, report *Report) error {
	if h.fp == nil || h.filter == nil {
		return nil
	}
	root := h.fp.Root()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are not fatal
		}
		if d.IsDir() {
			if !h.filter.AllowDir(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !h.filter.Allow(path) {
			return nil
		}

		canonical, cerr := h.fp.Canonicalize(path)
		if cerr != nil {
			return nil
		}
		if _, gerr := h.meta.GetDocumentByPath(ctx, canonical); gerr == nil {
			return nil
		} else if !qerrors.IsNotFound(gerr) {
			return gerr
		}

		report.OrphanedFiles = append(report.OrphanedFiles, canonical)
		if !dryRun && h.submit != nil {
			if serr := h.submit(ctx, canonical, queue.PriorityHigh, false); serr != nil {
				h.log.Warn("enqueue of orphaned file failed",
					slog.String("path", canonical), slog.Any("error", serr))
			} else {
				report.Enqueued++
			}
		}
		return nil
	})
	return err
}

// scanMissingFiles walks the document table the other way: rows whose
// file no longer exists on disk are deleted with their index entries.
// This catches deletions that happened while nothing was watching.
func (h *Healer) scanMissingFiles(ctx context.Context, dryRun bool, report *Report) error {
	if h.fp == nil {
		return nil
	}

	mutated := false
	cursor := ""
	for {
		docs, next, err := h.meta.ListDocuments(ctx, cursor, 500)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if _, serr := os.Stat(h.fp.Absolute(doc.Path)); serr == nil {
				continue
			} else if !os.IsNotExist(serr) {
				continue // transient stat failure, leave the document alone
			}

			report.MissingFiles = append(report.MissingFiles, doc.Path)
			if dryRun {
				continue
			}
			if derr := h.deleteEverywhere(ctx, doc.Path); derr != nil {
				return derr
			}
			mutated = true
		}
		if next == "" {
			break
		}
		cursor = next
	}

	if mutated {
		h.invalidate()
	}
	return nil
}

// deleteEverywhere removes a document row together with its index
// entries, graph presence, and progress.
func (h *Healer) deleteEverywhere(ctx context.Context, path string) error {
	removed, err := h.meta.DeleteDocument(ctx, path)
	if err != nil && !qerrors.IsNotFound(err) {
		return err
	}
	if len(removed) > 0 {
		if derr := h.vectors.Delete(ctx, removed); derr != nil {
			h.log.Warn("vector delete failed", slog.String("path", path), slog.Any("error", derr))
		}
		if derr := h.fts.Delete(ctx, removed); derr != nil {
			h.log.Warn("fts delete failed", slog.String("path", path), slog.Any("error", derr))
		}
	}
	if gerr := h.meta.DeleteGraphForPath(ctx, path); gerr != nil && !qerrors.IsNotFound(gerr) {
		h.log.Warn("graph cleanup failed", slog.String("path", path), slog.Any("error", gerr))
	}
	if perr := h.meta.DeleteProgress(ctx, path); perr != nil {
		h.log.Warn("progress cleanup failed", slog.String("path", path), slog.Any("error", perr))
	}
	return nil
}

// recoverIncomplete re-enqueues paths whose progress stalled before
// completion: pending (queued when the process died), in_progress
// (mid-pipeline), and failed (worth another attempt after a restart).
func (h *Healer) recoverIncomplete(ctx context.Context, dryRun bool, report *Report) error {
	for _, status := range []store.ProgressStatus{
		store.StatusPending, store.StatusInProgress, store.StatusFailed,
	} {
		stalled, err := h.meta.ListProgressByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, p := range stalled {
			report.IncompletePaths = append(report.IncompletePaths, p.Path)
			if dryRun || h.submit == nil {
				continue
			}
			if serr := h.submit(ctx, p.Path, queue.PriorityHigh, true); serr != nil {
				h.log.Warn("re-enqueue of incomplete path failed",
					slog.String("path", p.Path), slog.Any("error", serr))
			} else {
				report.Enqueued++
			}
		}
	}
	return nil
}

// cleanupOrphans handles store-side inconsistencies: phantom progress
// rows, zero-chunk documents, and documents that claim chunks they do
// not have.
func (h *Healer) cleanupOrphans(ctx context.Context, dryRun bool, report *Report) error {
	phantoms, err := h.meta.PhantomProgressPaths(ctx)
	if err != nil {
		return err
	}
	report.PhantomProgress = phantoms
	if !dryRun {
		for _, path := range phantoms {
			if derr := h.meta.DeleteProgress(ctx, path); derr != nil {
				return derr
			}
		}
	}

	// Zero-chunk documents are dead weight in list and count output.
	// Deletion is gated: a legitimately empty file would come straight
	// back, so operators opt in via auto_self_heal.
	empties, err := h.meta.EmptyDocumentPaths(ctx)
	if err != nil {
		return err
	}
	report.EmptyDocuments = empties
	if !dryRun && h.autoSelfHeal {
		for _, path := range empties {
			if derr := h.deleteEverywhere(ctx, path); derr != nil {
				return derr
			}
		}
	}

	// A positive chunk_count with no chunk rows is a broken cascade;
	// the document is removed and rebuilt from the file.
	mismatched, err := h.meta.MismatchedDocumentPaths(ctx)
	if err != nil {
		return err
	}
	report.MismatchedDocuments = mismatched
	if !dryRun {
		for _, path := range mismatched {
			if derr := h.deleteEverywhere(ctx, path); derr != nil {
				return derr
			}
			if h.submit != nil {
				if serr := h.submit(ctx, path, queue.PriorityHigh, true); serr != nil {
					h.log.Warn("re-enqueue of mismatched document failed",
						slog.String("path", path), slog.Any("error", serr))
				} else {
					report.Enqueued++
				}
			}
		}
	}

	if !dryRun && (len(mismatched) > 0 || (h.autoSelfHeal && len(empties) > 0)) {
		h.invalidate()
	}
	return nil
}

// verifyIndexes reconciles the derived indexes against the chunk table:
// entries without a chunk row are dropped, chunks missing from the
// vector index trigger a rebuild from the vectors table.
func (h *Healer) verifyIndexes(ctx context.Context, dryRun bool, report *Report) error {
	chunkIDs, err := h.meta.AllChunkIDs(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		known[id] = struct{}{}
	}

	mutated := false

	var orphanVectors []string
	for _, id := range h.vectors.AllIDs() {
		if _, ok := known[id]; !ok {
			orphanVectors = append(orphanVectors, id)
		}
	}
	report.OrphanVectors = len(orphanVectors)
	if !dryRun && len(orphanVectors) > 0 {
		if derr := h.vectors.Delete(ctx, orphanVectors); derr != nil {
			return derr
		}
		mutated = true
	}

	ftsIDs, err := h.fts.AllIDs()
	if err != nil {
		return err
	}
	ftsKnown := make(map[string]struct{}, len(ftsIDs))
	var orphanFTS []string
	for _, id := range ftsIDs {
		ftsKnown[id] = struct{}{}
		if _, ok := known[id]; !ok {
			orphanFTS = append(orphanFTS, id)
		}
	}
	report.OrphanFTS = len(orphanFTS)
	if !dryRun && len(orphanFTS) > 0 {
		if derr := h.fts.Delete(ctx, orphanFTS); derr != nil {
			return derr
		}
		mutated = true
	}

	// Chunks the k-NN index is missing. Vectors persist in the vectors
	// table, so a rebuild recovers them without re-embedding.
	for _, id := range chunkIDs {
		if !h.vectors.Contains(id) {
			report.MissingVectors++
		}
	}
	if report.MissingVectors > 0 && !dryRun {
		if rerr := h.vectors.RebuildFromVectors(ctx, h.meta); rerr != nil {
			return rerr
		}
		report.VectorIndexRebuilt = true
		mutated = true
	}

	// Chunks missing from the FTS index are restored from their content.
	var missingFTS []string
	for _, id := range chunkIDs {
		if _, ok := ftsKnown[id]; !ok {
			missingFTS = append(missingFTS, id)
		}
	}
	if len(missingFTS) > 0 && !dryRun {
		chunks, gerr := h.meta.GetChunks(ctx, missingFTS)
		if gerr != nil {
			return gerr
		}
		ids := make([]string, len(chunks))
		texts := make([]string, len(chunks))
		for i, ch := range chunks {
			ids[i] = ch.ID
			texts[i] = ch.Content
		}
		if ierr := h.fts.IndexBatch(ctx, ids, texts); ierr != nil {
			return ierr
		}
		mutated = true
	}

	if mutated {
		h.invalidate()
	}
	return nil
}

// RebuildVectorIndex forces a full rebuild of the k-NN index from the
// vectors table.
func (h *Healer) RebuildVectorIndex(ctx context.Context) error {
	if err := h.vectors.RebuildFromVectors(ctx, h.meta); err != nil {
		return err
	}
	h.invalidate()
	h.log.Info("vector index rebuilt", slog.Int("count", h.vectors.Count()))
	return nil
}

// RebuildFTSIndex reindexes every chunk into the FTS index.
func (h *Healer) RebuildFTSIndex(ctx context.Context) error {
	existing, err := h.fts.AllIDs()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		if err := h.fts.Delete(ctx, existing); err != nil {
			return err
		}
	}

	chunkIDs, err := h.meta.AllChunkIDs(ctx)
	if err != nil {
		return err
	}
	// Batched so a large corpus does not hold one giant transaction.
	const batch = 500
	for start := 0; start < len(chunkIDs); start += batch {
		end := start + batch
		if end > len(chunkIDs) {
			end = len(chunkIDs)
		}
		chunks, gerr := h.meta.GetChunks(ctx, chunkIDs[start:end])
		if gerr != nil {
			return gerr
		}
		ids := make([]string, len(chunks))
		texts := make([]string, len(chunks))
		for i, ch := range chunks {
			ids[i] = ch.ID
			texts[i] = ch.Content
		}
		if ierr := h.fts.IndexBatch(ctx, ids, texts); ierr != nil {
			return ierr
		}
	}

	h.invalidate()
	h.log.Info("fts index rebuilt", slog.Int("chunks", len(chunkIDs)))
	return nil
}

// ReindexFailed re-enqueues every path whose last attempt failed.
// issueTypes narrows the selection to failures whose recorded error
// carries one of the given codes; empty means all failures.
func (h *Healer) ReindexFailed(ctx context.Context, issueTypes []string) (int, error) {
	if h.submit == nil {
		return 0, qerrors.New(qerrors.ErrCodeInternal, "no pipeline available", nil)
	}
	failed, err := h.meta.ListProgressByStatus(ctx, store.StatusFailed)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, p := range failed {
		if !MatchesIssueTypes(p.ErrorMessage, issueTypes) {
			continue
		}
		if serr := h.submit(ctx, p.Path, queue.PriorityHigh, true); serr != nil {
			h.log.Warn("re-enqueue of failed path failed",
				slog.String("path", p.Path), slog.Any("error", serr))
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

// MatchesIssueTypes reports whether a recorded failure message matches
// one of the requested issue codes. Failure messages from the pipeline
// start with the error code in brackets.
func MatchesIssueTypes(message string, issueTypes []string) bool {
	if len(issueTypes) == 0 {
		return true
	}
	for _, it := range issueTypes {
		if strings.HasPrefix(message, "["+it+"]") {
			return true
		}
	}
	return false
}
