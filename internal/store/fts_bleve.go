package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"

	qerrors "github.com/quarrydocs/quarry/internal/errors"
)

// textAnalyzerName is the bleve analyzer: Unicode word-break tokenizer
// plus lowercasing, no stopword filter.
const textAnalyzerName = "quarry_text"

// BleveFTSIndex implements FTSIndex over bleve v2 with BM25 scoring.
type BleveFTSIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

var _ FTSIndex = (*BleveFTSIndex)(nil)

type bleveChunkDoc struct {
	Content string `json:"content"`
}

// NewBleveFTSIndex opens or creates the index at path. Empty path makes
// an in-memory index. A corrupt on-disk index is cleared and recreated;
// content is recovered by reindexing from the chunks table.
func NewBleveFTSIndex(path string) (*BleveFTSIndex, error) {
	indexMapping, err := newBleveMapping()
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIndexCorrupt, "creating index mapping", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, qerrors.New(qerrors.ErrCodeIO, "creating index directory", err)
		}

		if validErr := validateBleveIntegrity(path); validErr != nil {
			slog.Warn("fts index corrupt, clearing",
				slog.String("path", path),
				slog.String("error", validErr.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, qerrors.New(qerrors.ErrCodeIndexCorrupt,
					"fts index corrupt and cannot be cleared", removeErr)
			}
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isBleveCorruption(err) {
			slog.Warn("fts index failed to open, recreating",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, qerrors.New(qerrors.ErrCodeIndexCorrupt,
					"fts index corrupt and cannot be cleared", removeErr)
			}
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeIndexCorrupt, "opening fts index", err)
	}

	return &BleveFTSIndex{index: idx, path: path}, nil
}

func newBleveMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()
	err := indexMapping.AddCustomAnalyzer(textAnalyzerName, map[string]any{
		"type":          custom.Name,
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name},
	})
	if err != nil {
		return nil, err
	}
	indexMapping.DefaultAnalyzer = textAnalyzerName
	return indexMapping, nil
}

// validateBleveIntegrity rejects indexes with a missing or unparseable
// index_meta.json before bleve touches them.
func validateBleveIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing")
	}
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json empty")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return err
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json unparseable: %w", err)
	}
	return nil
}

func isBleveCorruption(err error) bool {
	if err == nil {
		return false
	}
	if err == bleve.ErrorIndexMetaCorrupt {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unexpected end of JSON") ||
		strings.Contains(msg, "error parsing mapping JSON") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt")
}

// Index adds or replaces one chunk.
func (b *BleveFTSIndex) Index(ctx context.Context, chunkID, text string) error {
	return b.IndexBatch(ctx, []string{chunkID}, []string{text})
}

// IndexBatch adds or replaces chunks in one bleve batch.
func (b *BleveFTSIndex) IndexBatch(ctx context.Context, chunkIDs []string, texts []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if len(chunkIDs) != len(texts) {
		return qerrors.New(qerrors.ErrCodeInternal,
			fmt.Sprintf("ids and texts length mismatch: %d vs %d", len(chunkIDs), len(texts)), nil)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return qerrors.New(qerrors.ErrCodeStoreClosed, "fts index is closed", nil)
	}

	batch := b.index.NewBatch()
	for i, id := range chunkIDs {
		if err := batch.Index(id, bleveChunkDoc{Content: texts[i]}); err != nil {
			return qerrors.New(qerrors.ErrCodeIO, "batch index "+id, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "executing fts batch", err)
	}
	return nil
}

// Delete removes chunks from the index.
func (b *BleveFTSIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return qerrors.New(qerrors.ErrCodeStoreClosed, "fts index is closed", nil)
	}

	batch := b.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return qerrors.New(qerrors.ErrCodeIO, "deleting from fts", err)
	}
	return nil
}

// Search returns the top k BM25 hits for query.
func (b *BleveFTSIndex) Search(ctx context.Context, query string, k int) ([]FTSResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, qerrors.New(qerrors.ErrCodeStoreClosed, "fts index is closed", nil)
	}

	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	matchQuery := bleve.NewMatchQuery(query)
	matchQuery.SetField("content")

	req := bleve.NewSearchRequest(matchQuery)
	req.Size = k

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeSearchFailed, "fts search", err)
	}

	out := make([]FTSResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		out = append(out, FTSResult{ChunkID: hit.ID, Score: hit.Score})
	}
	return out, nil
}

// AllIDs returns every indexed chunk ID.
func (b *BleveFTSIndex) AllIDs() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, qerrors.New(qerrors.ErrCodeStoreClosed, "fts index is closed", nil)
	}

	count, _ := b.index.DocCount()
	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(count)
	req.Fields = []string{}

	result, err := b.index.Search(req)
	if err != nil {
		return nil, qerrors.New(qerrors.ErrCodeSearchFailed, "listing fts ids", err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// Count returns the number of indexed chunks.
func (b *BleveFTSIndex) Count() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, qerrors.New(qerrors.ErrCodeStoreClosed, "fts index is closed", nil)
	}

	count, err := b.index.DocCount()
	if err != nil {
		return 0, qerrors.New(qerrors.ErrCodeIO, "counting fts docs", err)
	}
	return int(count), nil
}

// Close closes the index. Idempotent; bleve persists writes itself.
func (b *BleveFTSIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}
