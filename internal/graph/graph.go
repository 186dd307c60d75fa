// Package graph maintains the note graph: wikilink, tag, and header
// edges between markdown documents, persisted alongside the document
// metadata. Link targets may not exist yet; they become placeholder
// nodes that are promoted when the note appears.
package graph

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/quarrydocs/quarry/internal/store"
)

// Service writes and queries the note graph.
type Service struct {
	meta *store.MetadataStore
}

// NewService creates a graph service backed by the metadata store.
func NewService(meta *store.MetadataStore) *Service {
	return &Service{meta: meta}
}

// TitleForPath derives a note title from its path: the basename without
// extension, the form wikilinks refer to.
func TitleForPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// UpdateDocument replaces the outgoing edges for one markdown document.
// links are wikilink targets by title, tags are bare tag names, and
// headers are the note's heading texts. Called by the storage stage
// after a document commits.
func (s *Service) UpdateDocument(ctx context.Context, path string, links, tags, headers []string) error {
	title := TitleForPath(path)
	source, err := s.meta.UpsertGraphNode(ctx, &store.GraphNode{
		Path:  path,
		Title: title,
	})
	if err != nil {
		return err
	}

	edges := make([]store.GraphEdge, 0, len(links)+len(tags)+len(headers))
	seen := make(map[string]struct{})
	for _, link := range links {
		link = strings.TrimSpace(link)
		if link == "" || link == title {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}

		target, err := s.meta.UpsertGraphNode(ctx, &store.GraphNode{Title: link})
		if err != nil {
			return err
		}
		edges = append(edges, store.GraphEdge{Source: source, Target: target, Type: store.EdgeWikilink})
	}
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		// Tags live in the same node table, prefixed so "soup" the note
		// and #soup the tag stay distinct.
		title := "#" + tag
		if _, dup := seen[title]; dup {
			continue
		}
		seen[title] = struct{}{}

		target, err := s.meta.UpsertGraphNode(ctx, &store.GraphNode{Title: title})
		if err != nil {
			return err
		}
		edges = append(edges, store.GraphEdge{Source: source, Target: target, Type: store.EdgeTag})
	}
	for _, header := range headers {
		header = strings.TrimSpace(header)
		if header == "" {
			continue
		}
		// Heading nodes take the [[Note#Heading]] anchor form so the same
		// heading text in two notes stays distinct.
		anchor := title + "#" + header
		if _, dup := seen[anchor]; dup {
			continue
		}
		seen[anchor] = struct{}{}

		target, err := s.meta.UpsertGraphNode(ctx, &store.GraphNode{Title: anchor})
		if err != nil {
			return err
		}
		edges = append(edges, store.GraphEdge{Source: source, Target: target, Type: store.EdgeHeader})
	}

	return s.meta.ReplaceEdges(ctx, source, edges)
}

// RemoveDocument drops a document's graph presence. The node survives as
// a placeholder while other notes still link to it.
func (s *Service) RemoveDocument(ctx context.Context, path string) error {
	return s.meta.DeleteGraphForPath(ctx, path)
}

// Neighborhood returns the nodes within hops steps of the node with the
// given title, breadth-first, excluding the start node. hops below 1 is
// treated as 1.
func (s *Service) Neighborhood(ctx context.Context, title string, hops int) ([]*store.GraphNode, error) {
	start, err := s.meta.GraphNodeByTitle(ctx, title)
	if err != nil {
		return nil, err
	}
	if hops < 1 {
		hops = 1
	}

	visited := map[int64]struct{}{start.ID: {}}
	frontier := []int64{start.ID}
	var found []int64

	for depth := 0; depth < hops && len(frontier) > 0; depth++ {
		var next []int64
		for _, id := range frontier {
			neighbors, err := s.meta.GraphNeighbors(ctx, id)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if _, ok := visited[n]; ok {
					continue
				}
				visited[n] = struct{}{}
				found = append(found, n)
				next = append(next, n)
			}
		}
		frontier = next
	}

	return s.meta.GraphNodesByID(ctx, found)
}
