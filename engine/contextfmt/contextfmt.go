// Package contextfmt renders ranked search results into the grouped evidence
// document handed to requirement-generation agents. Ordering is two-level on
// purpose: groups appear in relevance order (first sighting of each source in
// the ranked results), while chunks inside a group are restored to document
// order by their stored chunk index.
package contextfmt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/reqsmith/reqsmith/engine/domain"
	"github.com/reqsmith/reqsmith/engine/index"
)

// NoContext is returned when there are no results to format.
const NoContext = "No relevant context found."

// groupSeparator visually divides evidence from different sources.
const groupSeparator = "\n\n---\n\n"

// Render formats a ranked, deduped result sequence into the evidence document.
func Render(results []index.SearchResult) string {
	if len(results) == 0 {
		return NoContext
	}

	groups := groupBySource(results)

	parts := make([]string, len(groups))
	for i, g := range groups {
		parts[i] = renderGroup(g)
	}
	return strings.Join(parts, groupSeparator)
}

type sourceGroup struct {
	source string
	chunks []index.SearchResult
}

// groupBySource buckets results by source id, keeping first-seen order so the
// most relevant source leads the document.
func groupBySource(results []index.SearchResult) []*sourceGroup {
	var groups []*sourceGroup
	byID := make(map[string]*sourceGroup)
	for _, r := range results {
		g, ok := byID[r.Metadata.Source]
		if !ok {
			g = &sourceGroup{source: r.Metadata.Source}
			byID[r.Metadata.Source] = g
			groups = append(groups, g)
		}
		g.chunks = append(g.chunks, r)
	}
	return groups
}

func renderGroup(g *sourceGroup) string {
	md := g.chunks[0].Metadata

	title := md.Title
	if title == "" {
		title = g.source
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### [%s] %s\n", md.Kind, title)
	if md.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", md.URL)
	}
	if md.Kind == domain.SourceIssueTracker {
		fmt.Fprintf(&b, "Ticket: %s\n", g.source)
	}

	sort.SliceStable(g.chunks, func(i, j int) bool {
		return g.chunks[i].Metadata.ChunkIndex < g.chunks[j].Metadata.ChunkIndex
	})

	for i, c := range g.chunks {
		b.WriteString("\n")
		b.WriteString(c.Text)
		if i < len(g.chunks)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
