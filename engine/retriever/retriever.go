// Package retriever answers retrieval requests against the semantic index:
// single-query, multi-query, expanded-query, and source-scoped lookup. It
// filters hits by score, dedups by chunk identity, ranks, extracts citations,
// and renders the formatted evidence document.
//
// "No results" is never an error here; only transport and index failures are.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/reqsmith/reqsmith/engine/contextfmt"
	"github.com/reqsmith/reqsmith/engine/domain"
	"github.com/reqsmith/reqsmith/engine/index"
	"github.com/reqsmith/reqsmith/pkg/fn"
)

const (
	// DefaultLimit is the single-query result cap.
	DefaultLimit = 10
	// DefaultMultiLimit is the merged result cap for multi-query retrieval.
	DefaultMultiLimit = 15
	// ExpansionLimit is the per-expansion sub-query result cap.
	ExpansionLimit = 5
	// DefaultMinScore is the default similarity threshold.
	DefaultMinScore float32 = 0.3
)

// Options tunes one retrieval call. A zero Limit falls back to the call's
// default; MinScore is taken literally so callers can ask for an unfiltered
// retrieval with MinScore 0.
type Options struct {
	Limit       int
	MinScore    float32
	SourceKinds []domain.SourceKind
}

// DefaultOptions returns the standard single-query options.
func DefaultOptions() Options {
	return Options{Limit: DefaultLimit, MinScore: DefaultMinScore}
}

// RetrievalContext is the full output of one retrieval call. It is per-call
// and not persisted.
type RetrievalContext struct {
	Query            string               `json:"query"`
	Results          []index.SearchResult `json:"results"`
	Citations        []Citation           `json:"citations"`
	FormattedContext string               `json:"formatted_context"`
}

// Service is the retrieval façade. The index handle is built once at process
// start and injected; the service holds no other state.
type Service struct {
	index  index.Index
	logger *slog.Logger
}

// New creates a retrieval service over the given index.
func New(idx index.Index, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{index: idx, logger: logger}
}

// Retrieve answers a single query: search, threshold filter, citations,
// formatting.
func (s *Service) Retrieve(ctx context.Context, query string, opts Options) (*RetrievalContext, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	var filter *index.Filter
	if len(opts.SourceKinds) > 0 {
		filter = &index.Filter{Kinds: opts.SourceKinds}
	}

	hits, err := s.index.Search(ctx, query, opts.Limit, filter)
	if err != nil {
		return nil, fmt.Errorf("retriever: search %q: %w", query, err)
	}

	results := filterByScore(hits, opts.MinScore)
	s.logger.Debug("retrieve done", "query_len", len(query), "hits", len(hits), "kept", len(results))
	return s.buildContext(query, results), nil
}

// RetrieveMultiple runs each query concurrently, then merges: dedup by chunk
// id keeping the best score, re-rank, truncate. Failure of any one query
// aborts the whole call; there is no partial-result tolerance.
func (s *Service) RetrieveMultiple(ctx context.Context, queries []string, opts Options) (*RetrievalContext, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultMultiLimit
	}
	label := strings.Join(queries, " | ")
	if len(queries) == 0 {
		return s.buildContext(label, nil), nil
	}

	calls := make([]func() fn.Result[[]index.SearchResult], len(queries))
	for i, q := range queries {
		calls[i] = func() fn.Result[[]index.SearchResult] {
			rc, err := s.Retrieve(ctx, q, opts)
			if err != nil {
				return fn.Err[[]index.SearchResult](err)
			}
			return fn.Ok(rc.Results)
		}
	}

	perQuery, err := fn.FanOutResult(calls...).Unwrap()
	if err != nil {
		return nil, err
	}

	var all []index.SearchResult
	for _, rs := range perQuery {
		all = append(all, rs...)
	}
	return s.buildContext(label, mergeRanked(all, opts.Limit)), nil
}

// RetrieveWithExpansion retrieves the primary query at the caller's limit and
// each expansion at ExpansionLimit, then merges like RetrieveMultiple and
// truncates to the caller's limit. Producing expansion text is the caller's
// business; only its consumption happens here.
func (s *Service) RetrieveWithExpansion(ctx context.Context, query string, expansions []string, opts Options) (*RetrievalContext, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}

	subOpts := opts
	subOpts.Limit = ExpansionLimit

	calls := make([]func() fn.Result[[]index.SearchResult], 0, len(expansions)+1)
	calls = append(calls, func() fn.Result[[]index.SearchResult] {
		rc, err := s.Retrieve(ctx, query, opts)
		if err != nil {
			return fn.Err[[]index.SearchResult](err)
		}
		return fn.Ok(rc.Results)
	})
	for _, e := range expansions {
		calls = append(calls, func() fn.Result[[]index.SearchResult] {
			rc, err := s.Retrieve(ctx, e, subOpts)
			if err != nil {
				return fn.Err[[]index.SearchResult](err)
			}
			return fn.Ok(rc.Results)
		})
	}

	perQuery, err := fn.FanOutResult(calls...).Unwrap()
	if err != nil {
		return nil, err
	}

	var all []index.SearchResult
	for _, rs := range perQuery {
		all = append(all, rs...)
	}
	return s.buildContext(query, mergeRanked(all, opts.Limit)), nil
}

// RetrieveBySource bypasses similarity search: it lists chunks of the given
// kind, keeps the exact source, and returns them in document order with the
// sentinel maximal score.
func (s *Service) RetrieveBySource(ctx context.Context, source string, kind domain.SourceKind) ([]index.SearchResult, error) {
	hits, err := s.index.GetByMetadata(ctx, index.Filter{Kinds: []domain.SourceKind{kind}})
	if err != nil {
		return nil, fmt.Errorf("retriever: list %s/%s: %w", kind, source, err)
	}

	var out []index.SearchResult
	for _, h := range hits {
		if h.Metadata.Source == source {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metadata.ChunkIndex < out[j].Metadata.ChunkIndex
	})
	return out, nil
}

// HasDocuments reports whether the index holds anything to retrieve from.
// Callers use it to skip retrieval gracefully rather than block on failures.
func (s *Service) HasDocuments(ctx context.Context) bool {
	return s.index.HasDocuments(ctx)
}

func (s *Service) buildContext(query string, results []index.SearchResult) *RetrievalContext {
	return &RetrievalContext{
		Query:            query,
		Results:          results,
		Citations:        ExtractCitations(results),
		FormattedContext: contextfmt.Render(results),
	}
}

// filterByScore keeps results with score >= min, preserving rank order.
func filterByScore(hits []index.SearchResult, min float32) []index.SearchResult {
	var out []index.SearchResult
	for _, h := range hits {
		if h.Score >= min {
			out = append(out, h)
		}
	}
	return out
}

// mergeRanked dedups concatenated per-query results by chunk id, keeping each
// chunk's best score, then re-sorts by score descending and truncates.
func mergeRanked(all []index.SearchResult, limit int) []index.SearchResult {
	seen := make(map[string]int, len(all))
	var merged []index.SearchResult
	for _, r := range all {
		if i, ok := seen[r.ID]; ok {
			if r.Score > merged[i].Score {
				merged[i].Score = r.Score
			}
			continue
		}
		seen[r.ID] = len(merged)
		merged = append(merged, r)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
