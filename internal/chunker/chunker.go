// Package chunker splits extracted report text into overlapping fixed-size
// segments for independent retrieval.
package chunker

import (
	"errors"
	"unicode/utf8"

	"medreport-ai/internal/model"
)

var ErrInvalidChunkParams = errors.New("invalid chunk parameters")

// Split cuts text into windows of size characters advancing by size-overlap
// characters per step; the final window may be shorter. The result is
// deterministic: identical input always yields identical boundaries.
// Ordinal, Text, Start and End are filled in; the caller assigns IDs.
func Split(text string, size, overlap int) ([]model.Chunk, error) {
	if size <= 0 || overlap < 0 || overlap >= size {
		return nil, ErrInvalidChunkParams
	}

	runes := []rune(text)
	// Byte offset of every rune boundary, so chunks carry byte spans even
	// though windows are measured in characters.
	offs := make([]int, len(runes)+1)
	for i, r := range runes {
		offs[i+1] = offs[i] + utf8.RuneLen(r)
	}

	step := size - overlap
	var chunks []model.Chunk
	for start := 0; ; start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, model.Chunk{
			Ordinal: len(chunks),
			Text:    string(runes[start:end]),
			Start:   offs[start],
			End:     offs[end],
		})
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}
