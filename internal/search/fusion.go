package search

import (
	"sort"
)

// DefaultRRFConstant is the k in 1/(k+rank). Lower values sharpen the
// preference for top-ranked hits; 20 works well for small result lists.
const DefaultRRFConstant = 20

// rankedList is one retrieval channel's output, best first.
type rankedList struct {
	ids []string
}

// fusedCandidate carries the accumulated RRF score for one chunk.
type fusedCandidate struct {
	ChunkID string
	Score   float64
	// Lists counts how many input lists contained the chunk. Used as a
	// tie-break: agreement across channels beats a single strong rank.
	Lists int
}

// fuseRRF merges ranked lists with Reciprocal Rank Fusion. Each list
// contributes 1/(k+rank) per chunk, ranks 1-based; a chunk absent from
// a list simply contributes nothing for that list. Scores are
// normalized so the best candidate is 1.0.
func fuseRRF(lists []rankedList, k int) []fusedCandidate {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	scores := make(map[string]*fusedCandidate)
	for _, list := range lists {
		for rank, id := range list.ids {
			c, ok := scores[id]
			if !ok {
				c = &fusedCandidate{ChunkID: id}
				scores[id] = c
			}
			c.Score += 1.0 / float64(k+rank+1)
			c.Lists++
		}
	}

	fused := make([]fusedCandidate, 0, len(scores))
	for _, c := range scores {
		fused = append(fused, *c)
	}
	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		if fused[i].Lists != fused[j].Lists {
			return fused[i].Lists > fused[j].Lists
		}
		return fused[i].ChunkID < fused[j].ChunkID
	})

	if len(fused) > 0 && fused[0].Score > 0 {
		max := fused[0].Score
		for i := range fused {
			fused[i].Score /= max
		}
	}
	return fused
}
