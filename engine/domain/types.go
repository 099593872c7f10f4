// Package domain defines core domain types, constants, and validation for the
// Reqsmith evidence engine. It acts as the validation gate at pipeline entry points.
package domain

import "time"

// SourceKind classifies the origin of an ingested document.
type SourceKind string

const (
	SourceIssueTracker SourceKind = "issue-tracker"
	SourceWiki         SourceKind = "wiki"
	SourceLocalFile    SourceKind = "local-file"
)

// ValidSourceKinds is the set of recognised source kinds.
var ValidSourceKinds = map[SourceKind]bool{
	SourceIssueTracker: true,
	SourceWiki:         true,
	SourceLocalFile:    true,
}

// Metadata is the fixed per-chunk metadata record. Required fields (Source,
// Kind, IngestedAt) carry static guarantees; anything a loader attaches beyond
// them goes into Extra, the open-extension field. Extra values are stringified
// at the index boundary, never rejected.
type Metadata struct {
	Source     string         `json:"source"`
	Kind       SourceKind     `json:"kind"`
	Title      string         `json:"title,omitempty"`
	URL        string         `json:"url,omitempty"`
	ChunkIndex int            `json:"chunk_index"`
	ChunkTotal int            `json:"chunk_total"`
	IngestedAt time.Time      `json:"ingested_at"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Chunk is a bounded substring of a source document prepared for embedding and
// retrieval. Chunk text is immutable after indexing; only metadata is patched.
type Chunk struct {
	ID       string   `json:"id"`
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// SourceDocument is the normalized record loaders hand to the ingestion
// pipeline: one document, not yet chunked. IDs must be globally unique and
// stable so re-ingestion stays idempotent.
type SourceDocument struct {
	ID       string         `json:"id"`
	Text     string         `json:"text"`
	Source   string         `json:"source"`
	Kind     SourceKind     `json:"kind"`
	Title    string         `json:"title,omitempty"`
	URL      string         `json:"url,omitempty"`
	LoadedAt time.Time      `json:"loaded_at"`
	Extra    map[string]any `json:"extra,omitempty"`
}
