package retriever

import (
	"sort"

	"github.com/reqsmith/reqsmith/engine/domain"
	"github.com/reqsmith/reqsmith/engine/index"
)

// Citation is a source-level relevance summary derived from chunk-level
// results: one per unique source, recomputed per call.
type Citation struct {
	Source string            `json:"source"`
	Kind   domain.SourceKind `json:"kind"`
	Title  string            `json:"title,omitempty"`
	URL    string            `json:"url,omitempty"`
	Score  float32           `json:"score"`
}

// ExtractCitations keys results by source id. The first occurrence of a
// source seeds its citation; later occurrences only raise the score to the
// max seen. A source is as relevant as its best chunk, never an average.
// Citations come back sorted by score descending; equal scores keep their
// first-seen order (sort is stable, no secondary key).
func ExtractCitations(results []index.SearchResult) []Citation {
	bySource := make(map[string]int, len(results))
	var citations []Citation
	for _, r := range results {
		md := r.Metadata
		if i, ok := bySource[md.Source]; ok {
			if r.Score > citations[i].Score {
				citations[i].Score = r.Score
			}
			continue
		}
		bySource[md.Source] = len(citations)
		citations = append(citations, Citation{
			Source: md.Source,
			Kind:   md.Kind,
			Title:  md.Title,
			URL:    md.URL,
			Score:  r.Score,
		})
	}

	sort.SliceStable(citations, func(i, j int) bool {
		return citations[i].Score > citations[j].Score
	})
	return citations
}
