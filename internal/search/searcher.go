package search

import (
	"context"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quarrydocs/quarry/internal/config"
	"github.com/quarrydocs/quarry/internal/embed"
	qerrors "github.com/quarrydocs/quarry/internal/errors"
	"github.com/quarrydocs/quarry/internal/store"
)

// MaxTitleBoost caps the configured multiplier. Anything above 3 lets a
// filename outweigh every content signal.
const MaxTitleBoost = 3.0

// Searcher runs hybrid queries: vector k-NN and BM25 retrieval fused
// with RRF, with optional decomposition and reranking. Either retrieval
// channel may degrade independently; the searcher falls back to the
// surviving one.
type Searcher struct {
	embedder embed.Embedder
	vectors  store.VectorIndex
	fts      store.FTSIndex
	meta     *store.MetadataStore
	reranker Reranker
	cache    *QueryCache
	cfg      config.SearchConfig
	log      *slog.Logger
}

// NewSearcher wires the retrieval channels together. reranker may be
// nil, in which case Rerank requests are ignored.
func NewSearcher(embedder embed.Embedder, vectors store.VectorIndex, fts store.FTSIndex, meta *store.MetadataStore, reranker Reranker, cfg config.SearchConfig, log *slog.Logger) (*Searcher, error) {
	cache, err := NewQueryCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Searcher{
		embedder: embedder,
		vectors:  vectors,
		fts:      fts,
		meta:     meta,
		reranker: reranker,
		cache:    cache,
		cfg:      cfg,
		log:      log,
	}, nil
}

// Invalidate drops all cached query results. Must be called after any
// mutation of the indexes.
func (s *Searcher) Invalidate() {
	s.cache.Invalidate()
}

// CacheLen reports the number of cached query results.
func (s *Searcher) CacheLen() int {
	return s.cache.Len()
}

// Search executes one hybrid query and returns at most opts.TopK
// results, best first.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, qerrors.New(qerrors.ErrCodeQueryEmpty, "query is empty", nil)
	}
	opts = opts.WithDefaults()

	if cached, ok := s.cache.Get(query, opts); ok {
		s.log.Debug("query cache hit", slog.String("query", query))
		return cached, nil
	}

	candidateK := opts.TopK * s.cfg.CandidateMultiplier
	if candidateK < s.cfg.MinCandidates {
		candidateK = s.cfg.MinCandidates
	}

	subqueries := []string{query}
	if opts.Decompose {
		subqueries = decompose(query)
	}

	var (
		lists       []rankedList
		vectorAlive bool
		ftsAlive    bool
	)
	for _, sub := range subqueries {
		if vec, err := s.vectorList(ctx, sub, candidateK); err != nil {
			s.log.Warn("vector retrieval failed, degrading to keyword search",
				slog.String("query", sub), slog.Any("error", err))
		} else {
			vectorAlive = true
			lists = append(lists, vec)
		}

		if kw, err := s.keywordList(ctx, sub, candidateK); err != nil {
			s.log.Warn("keyword retrieval failed, degrading to vector search",
				slog.String("query", sub), slog.Any("error", err))
		} else {
			ftsAlive = true
			lists = append(lists, kw)
		}
	}
	if !vectorAlive && !ftsAlive {
		return nil, qerrors.New(qerrors.ErrCodeSearchFailed,
			"both vector and keyword retrieval failed", nil)
	}

	fused := fuseRRF(lists, s.cfg.RRFConstant)

	// Threshold applies to the normalized fused score.
	if opts.Threshold > 0 {
		filtered := fused[:0]
		for _, c := range fused {
			if c.Score >= opts.Threshold {
				filtered = append(filtered, c)
			}
		}
		fused = filtered
	}

	hydrateN := opts.TopK
	if opts.Rerank && s.reranker != nil && s.cfg.RerankN > hydrateN {
		hydrateN = s.cfg.RerankN
	}
	if hydrateN > len(fused) {
		hydrateN = len(fused)
	}

	results, err := s.hydrate(ctx, fused[:hydrateN])
	if err != nil {
		return nil, err
	}

	if opts.Rerank && s.reranker != nil {
		reranked, err := s.reranker.Rerank(ctx, query, results)
		if err != nil {
			// Keep the fused order; a broken reranker must not fail the query.
			s.log.Warn("rerank failed, keeping fused order", slog.Any("error", err))
		} else {
			results = reranked
		}
	}

	if len(results) > opts.TopK {
		results = results[:opts.TopK]
	}

	s.cache.Put(query, opts, results)
	return results, nil
}

// vectorList embeds the query and runs k-NN retrieval.
func (s *Searcher) vectorList(ctx context.Context, query string, k int) (rankedList, error) {
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return rankedList{}, err
	}
	hits, err := s.vectors.Search(ctx, vec, k, 0)
	if err != nil {
		return rankedList{}, err
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	return rankedList{ids: ids}, nil
}

// keywordList runs BM25 retrieval and applies the title boost: a chunk
// whose source filename shares a token with the query gets its score
// multiplied before ranks are assigned.
func (s *Searcher) keywordList(ctx context.Context, query string, k int) (rankedList, error) {
	hits, err := s.fts.Search(ctx, query, k)
	if err != nil {
		return rankedList{}, err
	}

	boost := s.cfg.TitleBoost
	if boost > MaxTitleBoost {
		boost = MaxTitleBoost
	}
	if boost > 1 && len(hits) > 0 {
		terms := queryTermSet(query)
		boosted := false
		for i := range hits {
			path, err := s.meta.DocumentPathForChunk(ctx, hits[i].ChunkID)
			if err != nil {
				continue
			}
			if titleMatches(path, terms) {
				hits[i].Score *= boost
				boosted = true
			}
		}
		if boosted {
			sort.SliceStable(hits, func(i, j int) bool {
				return hits[i].Score > hits[j].Score
			})
		}
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	return rankedList{ids: ids}, nil
}

func queryTermSet(query string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, t := range store.Tokenize(query) {
		terms[t] = struct{}{}
	}
	return terms
}

// titleMatches reports whether the file basename, minus its extension,
// shares a token with the query.
func titleMatches(path string, terms map[string]struct{}) bool {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	for _, tok := range store.Tokenize(base) {
		if _, ok := terms[tok]; ok {
			return true
		}
	}
	return false
}

// hydrate loads chunk content and source paths for the fused
// candidates, preserving their order. Candidates whose chunk row has
// vanished (index drift mid-heal) are skipped, not errors.
func (s *Searcher) hydrate(ctx context.Context, fused []fusedCandidate) ([]Result, error) {
	if len(fused) == 0 {
		return []Result{}, nil
	}
	ids := make([]string, len(fused))
	for i, c := range fused {
		ids[i] = c.ChunkID
	}
	chunks, err := s.meta.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*store.Chunk, len(chunks))
	for _, ch := range chunks {
		byID[ch.ID] = ch
	}

	results := make([]Result, 0, len(fused))
	for _, c := range fused {
		ch, ok := byID[c.ChunkID]
		if !ok {
			s.log.Debug("chunk in index but not in store, skipping",
				slog.String("chunk_id", c.ChunkID))
			continue
		}
		path, err := s.meta.DocumentPathForChunk(ctx, c.ChunkID)
		if err != nil {
			path = ""
		}
		results = append(results, Result{
			ChunkID: c.ChunkID,
			Content: ch.Content,
			Path:    path,
			Page:    ch.Page,
			Score:   c.Score,
		})
	}
	return results, nil
}
