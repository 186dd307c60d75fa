package search

import (
	"regexp"
	"strings"
)

// Conjunction queries like "docker and kubernetes" or "grpc vs rest"
// retrieve poorly as a single embedding: the vector lands between the
// two topics. Splitting them and fusing all lists recovers both sides.
var conjunctionRe = regexp.MustCompile(`(?i)\s+(?:and|vs\.?|versus)\s+`)

// decompose splits a conjunction query into its sides. The original
// query is always kept as the first element so single-topic matches
// still rank. Returns just the original when splitting would produce
// trivial fragments.
func decompose(query string) []string {
	parts := conjunctionRe.Split(query, -1)
	if len(parts) < 2 {
		return []string{query}
	}

	subs := []string{query}
	for _, part := range parts {
		part = strings.TrimSpace(part)
		// A side with fewer than 2 characters or more than 8 words is
		// noise, not a topic.
		if len(part) < 2 || len(strings.Fields(part)) > 8 {
			return []string{query}
		}
		subs = append(subs, part)
	}
	return subs
}
