// Package index defines the semantic-search abstraction the retrieval core
// runs against, plus the Qdrant-backed implementation. The contract is
// polymorphic over backing engines: anything that can store chunks and answer
// nearest-neighbor queries can sit behind Index.
//
// Score convention, fixed here once for the whole module: scores are cosine
// similarities, higher is better. An adapter whose engine reports a distance
// (lower is better) must normalize to similarity before returning results.
package index

import (
	"context"

	"github.com/reqsmith/reqsmith/engine/domain"
)

// PerfectScore is the sentinel score attached to results that bypass
// similarity search, e.g. metadata-filtered listings.
const PerfectScore float32 = 1.0

// SearchResult is a single hit. Transient: produced per query and discarded
// after the caller consumes it.
type SearchResult struct {
	ID       string          `json:"id"`
	Text     string          `json:"text"`
	Score    float32         `json:"score"`
	Metadata domain.Metadata `json:"metadata"`
}

// Filter restricts a search or listing by chunk metadata.
type Filter struct {
	// Source restricts to an exact source identifier.
	Source string
	// Kinds restricts to any of the given source kinds.
	Kinds []domain.SourceKind
}

// Empty reports whether the filter imposes no restriction.
func (f Filter) Empty() bool {
	return f.Source == "" && len(f.Kinds) == 0
}

// MetadataPatch is a partial metadata update. Nil fields are left untouched;
// Extra entries are merged over existing ones.
type MetadataPatch struct {
	Title *string
	URL   *string
	Extra map[string]any
}

// Embedder turns text into vectors. The model itself is an external
// capability; this is only the reach to it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Index is the capability interface over a chunk store with nearest-neighbor
// search. Transport failures propagate as errors to the current call, with
// one exception: HasDocuments treats failure as false.
type Index interface {
	// Initialize idempotently opens or creates the named collection.
	Initialize(ctx context.Context) error
	// Add embeds and stores chunks. No-op on empty input. Non-scalar
	// metadata is stringified, never rejected.
	Add(ctx context.Context, chunks []domain.Chunk) error
	// Search returns at most limit results ranked by similarity to query.
	// An empty result set is not an error. filter may be nil.
	Search(ctx context.Context, query string, limit int, filter *Filter) ([]SearchResult, error)
	// Delete removes chunks by id.
	Delete(ctx context.Context, ids []string) error
	// Clear destructively drops and recreates the collection.
	Clear(ctx context.Context) error
	// Count returns the number of stored chunks.
	Count(ctx context.Context) (uint64, error)
	// HasDocuments reports Count() > 0, mapping any failure to false.
	HasDocuments(ctx context.Context) bool
	// GetByMetadata lists chunks matching the filter without similarity
	// search. Results carry PerfectScore.
	GetByMetadata(ctx context.Context, filter Filter) ([]SearchResult, error)
	// UpdateMetadata applies a partial metadata patch to one chunk.
	UpdateMetadata(ctx context.Context, id string, patch MetadataPatch) error
}
