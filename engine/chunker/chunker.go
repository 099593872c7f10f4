// Package chunker splits normalized document text into bounded, overlapping
// chunks ready for embedding. Chunking is pure and deterministic: identical
// input and parameters always produce identical boundaries.
package chunker

import (
	"strings"
	"unicode"
)

const (
	// DefaultMaxSize is the target chunk size in characters.
	DefaultMaxSize = 1000
	// DefaultOverlap controls the overlap window carried between adjacent
	// chunks. The seed is the trailing overlap/5 words of the closed chunk.
	DefaultOverlap = 200
)

// Chunk splits text into ordered chunks of at most maxSize characters,
// accumulating whole sentences. When a sentence would overflow the current
// chunk, the chunk is closed and the next one is seeded with the trailing
// overlap/5 words of it, so adjacent chunks share context. A single sentence
// longer than maxSize is kept whole rather than split.
func Chunk(text string, maxSize, overlap int) []string {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if overlap < 0 {
		overlap = 0
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []string
	var buf strings.Builder

	for _, s := range sentences {
		if buf.Len() > 0 && buf.Len()+1+len(s) > maxSize {
			closed := buf.String()
			chunks = append(chunks, closed)
			buf.Reset()
			if seed := tailWords(closed, overlap/5); seed != "" {
				buf.WriteString(seed)
			}
		}
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(s)
	}
	if buf.Len() > 0 {
		chunks = append(chunks, buf.String())
	}
	return chunks
}

// splitSentences splits text on terminal punctuation followed by whitespace.
// A newline always ends the current sentence.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	for i, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if r == '\n' || i == len(text)-1 || (i+1 < len(text) && unicode.IsSpace(rune(text[i+1]))) {
				if s := strings.TrimSpace(current.String()); s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
			}
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// tailWords returns the last n whitespace-delimited words of s.
func tailWords(s string, n int) string {
	if n <= 0 {
		return ""
	}
	words := strings.Fields(s)
	if len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}
