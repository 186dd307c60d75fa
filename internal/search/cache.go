package search

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/unicode/norm"
)

// DefaultQueryCacheSize bounds the query result cache.
const DefaultQueryCacheSize = 100

// QueryCache memoizes full result lists keyed by the normalized query
// and the options that shape the output. Any index mutation invalidates
// it wholesale; entries are cheap to recompute and correctness beats
// cleverness here.
type QueryCache struct {
	cache *lru.Cache[string, []Result]
}

// NewQueryCache returns a cache holding up to size result lists.
func NewQueryCache(size int) (*QueryCache, error) {
	if size <= 0 {
		size = DefaultQueryCacheSize
	}
	cache, err := lru.New[string, []Result](size)
	if err != nil {
		return nil, err
	}
	return &QueryCache{cache: cache}, nil
}

// cacheKey folds the query so that trivial variants ("Foo ", "foo")
// share an entry. NFC first so that composed and decomposed accents
// compare equal.
func cacheKey(query string, opts Options) string {
	q := norm.NFC.String(strings.ToLower(strings.TrimSpace(query)))
	return fmt.Sprintf("%s\x00%d\x00%g\x00%t\x00%t", q, opts.TopK, opts.Threshold, opts.Decompose, opts.Rerank)
}

// Get returns the cached results for the query, if present.
func (c *QueryCache) Get(query string, opts Options) ([]Result, bool) {
	return c.cache.Get(cacheKey(query, opts))
}

// Put stores the results for the query.
func (c *QueryCache) Put(query string, opts Options, results []Result) {
	c.cache.Add(cacheKey(query, opts), results)
}

// Invalidate drops every entry. Called after any mutation of the
// underlying indexes.
func (c *QueryCache) Invalidate() {
	c.cache.Purge()
}

// Len reports the number of cached queries.
func (c *QueryCache) Len() int {
	return c.cache.Len()
}
