package domain

import "strings"

// ValidateSourceDocument checks a loader record before ingestion. A record
// that fails here is skipped and logged; the batch continues.
func ValidateSourceDocument(doc SourceDocument) error {
	if strings.TrimSpace(doc.ID) == "" {
		return NewValidationError("id", doc.ID, ErrMissingID)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return NewValidationError("text", "", ErrEmptyText)
	}
	if strings.TrimSpace(doc.Source) == "" {
		return NewValidationError("source", doc.Source, ErrMissingSource)
	}
	if !ValidSourceKinds[doc.Kind] {
		return NewValidationError("kind", string(doc.Kind), ErrUnknownKind)
	}
	if doc.LoadedAt.IsZero() {
		return NewValidationError("loaded_at", "", ErrMissingLoadedAt)
	}
	return nil
}

// ValidateChunk checks a chunk before it is handed to the index.
func ValidateChunk(c Chunk) error {
	if strings.TrimSpace(c.ID) == "" {
		return NewValidationError("id", c.ID, ErrMissingID)
	}
	if c.Text == "" {
		return NewValidationError("text", "", ErrEmptyText)
	}
	if strings.TrimSpace(c.Metadata.Source) == "" {
		return NewValidationError("metadata.source", c.Metadata.Source, ErrMissingSource)
	}
	if !ValidSourceKinds[c.Metadata.Kind] {
		return NewValidationError("metadata.kind", string(c.Metadata.Kind), ErrUnknownKind)
	}
	return nil
}
