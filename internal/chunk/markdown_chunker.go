package chunk

import (
	"regexp"
	"strings"

	"github.com/quarrydocs/quarry/internal/extract"
)

var (
	headingRe  = regexp.MustCompile(`^(#{1,6})\s+(.*)$`)
	wikilinkRe = regexp.MustCompile(`\[\[([^\]|#]+)(?:#[^\]|]*)?(?:\|[^\]]*)?\]\]`)
	tagRe      = regexp.MustCompile(`(?:^|\s)#([\p{L}\p{N}_/-]+)`)
)

// MarkdownChunker splits markdown by heading sections, then applies the
// token ceiling within each section. Each chunk carries its heading path,
// inline #tags, and [[wikilink]] targets as metadata.
type MarkdownChunker struct {
	tokens *TokenChunker
}

// NewMarkdownChunker creates a structure-aware markdown chunker.
func NewMarkdownChunker(counter *TokenCounter) *MarkdownChunker {
	return &MarkdownChunker{tokens: NewTokenChunker(counter)}
}

type section struct {
	headers []string
	lines   []string
}

// Chunk implements Chunker.
func (c *MarkdownChunker) Chunk(pages []extract.Page, cfg Config) ([]Chunk, error) {
	cfg = cfg.WithDefaults()

	var chunks []Chunk
	for _, page := range pages {
		for _, sec := range splitSections(page.Text) {
			body := strings.TrimSpace(strings.Join(sec.lines, "\n"))
			if body == "" {
				continue
			}
			for _, text := range c.tokens.splitText(body, cfg) {
				chunks = append(chunks, Chunk{
					Text:    text,
					Ordinal: len(chunks),
					Page:    page.Number,
					Metadata: Metadata{
						Headers: sec.headers,
						Tags:    ExtractTags(text),
						Links:   ExtractWikilinks(text),
					},
				})
			}
		}
	}
	return chunks, nil
}

// splitSections walks the document keeping a heading stack, cutting a new
// section at every heading.
func splitSections(text string) []section {
	var (
		sections []section
		current  = section{}
		stack    []string // heading text by level, 1-indexed
	)

	inFence := false
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
		}

		if !inFence {
			if m := headingRe.FindStringSubmatch(line); m != nil {
				if len(current.lines) > 0 {
					sections = append(sections, current)
				}
				level := len(m[1])
				if level > len(stack) {
					for len(stack) < level-1 {
						stack = append(stack, "")
					}
					stack = append(stack, m[2])
				} else {
					stack = append(stack[:level-1], m[2])
				}
				headers := make([]string, 0, len(stack))
				for _, h := range stack {
					if h != "" {
						headers = append(headers, h)
					}
				}
				current = section{headers: headers, lines: []string{line}}
				continue
			}
		}

		current.lines = append(current.lines, line)
	}

	if len(current.lines) > 0 {
		sections = append(sections, current)
	}
	return sections
}

// ExtractWikilinks returns the targets of [[wikilinks]] in text, alias and
// heading fragments stripped.
func ExtractWikilinks(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range wikilinkRe.FindAllStringSubmatch(text, -1) {
		target := strings.TrimSpace(m[1])
		if target == "" {
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		out = append(out, target)
	}
	return out
}

// ExtractTags returns inline #tags in text.
func ExtractTags(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range tagRe.FindAllStringSubmatch(text, -1) {
		tag := m[1]
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	return out
}
