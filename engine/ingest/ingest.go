// Package ingest turns loader output into indexed chunks. Normalized source
// documents arrive on the NATS bus (or from JSON files in one-shot runs) and
// flow through validation, chunking, and storage stages. One bad document
// never fails a batch: it is logged, skipped, and the batch continues.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/reqsmith/reqsmith/engine/chunker"
	"github.com/reqsmith/reqsmith/engine/domain"
	"github.com/reqsmith/reqsmith/engine/index"
	"github.com/reqsmith/reqsmith/pkg/fn"
)

const (
	// IngestSubject is the NATS subject loaders publish normalized documents to.
	IngestSubject = "reqsmith.ingest"
	// DLQSubject is the dead letter queue subject for failed documents.
	DLQSubject = "reqsmith.ingest.dlq"
	// MaxRetries before a document goes to the DLQ.
	MaxRetries = 3
)

// Deps holds the external dependencies and knobs for the ingestion pipeline.
type Deps struct {
	Index        index.Index
	MaxChunkSize int
	Overlap      int
	// DeduplicateF returns true if the document id was already ingested.
	DeduplicateF func(ctx context.Context, docID string) (bool, error)
	Logger       *slog.Logger
}

// ChunkedDoc is a validated document split into indexable chunks.
type ChunkedDoc struct {
	Doc    domain.SourceDocument
	Chunks []domain.Chunk
}

// Validate gates documents at pipeline entry.
var Validate fn.Stage[domain.SourceDocument, domain.SourceDocument] = func(_ context.Context, doc domain.SourceDocument) fn.Result[domain.SourceDocument] {
	if err := domain.ValidateSourceDocument(doc); err != nil {
		return fn.Err[domain.SourceDocument](err)
	}
	return fn.Ok(doc)
}

// NewChunkStage splits a document into overlapping chunks and attaches the
// fixed metadata record to each. Chunking is pure, so this is a plain map.
func NewChunkStage(maxSize, overlap int) fn.Stage[domain.SourceDocument, ChunkedDoc] {
	return fn.MapStage(func(doc domain.SourceDocument) ChunkedDoc {
		texts := chunker.Chunk(doc.Text, maxSize, overlap)
		if len(texts) == 0 {
			texts = []string{doc.Text}
		}
		return ChunkedDoc{Doc: doc, Chunks: BuildChunks(doc, texts)}
	})
}

// NewStoreStage writes chunks to the index and yields the document id.
func NewStoreStage(idx index.Index) fn.Stage[ChunkedDoc, string] {
	return func(ctx context.Context, cd ChunkedDoc) fn.Result[string] {
		if err := idx.Add(ctx, cd.Chunks); err != nil {
			return fn.Errf[string]("ingest: store %s: %w", cd.Doc.ID, err)
		}
		return fn.Ok(cd.Doc.ID)
	}
}

// BuildChunks wraps chunk texts in domain.Chunk records. Chunk ids are
// deterministic UUIDs derived from the document id and chunk index, so
// re-ingesting the same document overwrites rather than duplicates.
func BuildChunks(doc domain.SourceDocument, texts []string) []domain.Chunk {
	chunks := make([]domain.Chunk, len(texts))
	for i, text := range texts {
		id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s-%d", doc.ID, i))).String()
		chunks[i] = domain.Chunk{
			ID:   id,
			Text: text,
			Metadata: domain.Metadata{
				Source:     doc.Source,
				Kind:       doc.Kind,
				Title:      doc.Title,
				URL:        doc.URL,
				ChunkIndex: i,
				ChunkTotal: len(texts),
				IngestedAt: doc.LoadedAt,
				Extra:      doc.Extra,
			},
		}
	}
	return chunks
}

// NewPipeline composes Validate, Chunk, and Store with tracing.
func NewPipeline(deps Deps) fn.Stage[domain.SourceDocument, string] {
	maxSize := deps.MaxChunkSize
	if maxSize <= 0 {
		maxSize = chunker.DefaultMaxSize
	}
	overlap := deps.Overlap
	if overlap <= 0 {
		overlap = chunker.DefaultOverlap
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	validated := fn.TracedStage("ingest.validate", Validate)
	chunked := fn.Then(validated, fn.TracedStage("ingest.chunk", NewChunkStage(maxSize, overlap)))
	logged := fn.Then(chunked, fn.TapStage(func(_ context.Context, cd ChunkedDoc) {
		log.Debug("ingest: chunked", "doc_id", cd.Doc.ID, "chunks", len(cd.Chunks))
	}))
	return fn.Then(logged, fn.TracedStage("ingest.store", NewStoreStage(deps.Index)))
}
