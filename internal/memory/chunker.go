// Package memory turns persisted questionnaire answers into retrievable
// memory chunks. Chunk IDs are derived from the source answer (or a content
// hash when the answer carries no ID), so re-chunking the same corpus always
// produces the same IDs and indexing stays idempotent.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/afslabs/companion/pkg/types"
)

// Chunker converts answers into memory chunks, splitting oversized answers
// at sentence boundaries.
type Chunker struct {
	MaxChunkSize int // maximum chunk size in estimated tokens (default: 512)
	Overlap      int // overlap between split chunks in estimated tokens (default: 64)
}

// NewChunker returns a chunker with default sizing.
func NewChunker() *Chunker {
	return &Chunker{MaxChunkSize: 512, Overlap: 64}
}

// ChunkFromAnswer converts one answer into one or more validated chunks.
// The chunk text is "Question: {q}\nAnswer: {a}". Oversized answers are
// split; every split part keeps the question prefix so it stays meaningful
// in isolation.
func (c *Chunker) ChunkFromAnswer(answer types.Answer) ([]types.MemoryChunk, error) {
	question := strings.TrimSpace(answer.QuestionText)
	text := strings.TrimSpace(answer.AnswerText)
	if text == "" {
		return nil, fmt.Errorf("answer %s has empty text", answer.ID)
	}

	baseID := answer.ID
	if baseID == "" {
		baseID = contentHash(question + "\n" + text)
	}

	parts := c.SplitLargeText(text)
	chunks := make([]types.MemoryChunk, 0, len(parts))
	for i, part := range parts {
		id := baseID
		if len(parts) > 1 {
			id = fmt.Sprintf("%s_%d", baseID, i)
		}
		chunk := types.MemoryChunk{
			ID:   id,
			Text: fmt.Sprintf("Question: %s\nAnswer: %s", question, part),
			Kind: types.ChunkKindQAPair,
			Metadata: map[string]interface{}{
				"questionId":          answer.QuestionID,
				"layer":               answer.Layer,
				"contributorRelation": answer.ContributorRelation,
				"source":              "questionnaire",
			},
		}
		if err := chunk.Validate(); err != nil {
			return nil, fmt.Errorf("chunk %s: %w", id, err)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// SplitLargeText splits text into parts no larger than MaxChunkSize
// estimated tokens, breaking at sentence boundaries with Overlap tokens of
// trailing context carried into each subsequent part. Text that fits returns
// as a single part.
func (c *Chunker) SplitLargeText(text string) []string {
	if len(strings.TrimSpace(text)) == 0 {
		return []string{}
	}
	if EstimateTokens(text) <= c.MaxChunkSize {
		return []string{text}
	}

	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return []string{text}
	}

	var parts []string
	var current strings.Builder
	var currentTokens int
	var previous []string // sentences eligible for overlap

	for _, sentence := range sentences {
		sentenceTokens := EstimateTokens(sentence)

		if currentTokens+sentenceTokens > c.MaxChunkSize && currentTokens > 0 {
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
			currentTokens = 0

			// Carry trailing sentences into the new part as overlap.
			overlapTokens := 0
			start := len(previous)
			for i := len(previous) - 1; i >= 0; i-- {
				t := EstimateTokens(previous[i])
				if overlapTokens+t > c.Overlap {
					break
				}
				overlapTokens += t
				start = i
			}
			for i := start; i < len(previous); i++ {
				current.WriteString(previous[i])
				currentTokens += EstimateTokens(previous[i])
			}
			previous = previous[start:]
		}

		current.WriteString(sentence)
		currentTokens += sentenceTokens
		previous = append(previous, sentence)
		if len(previous) > 50 {
			previous = previous[len(previous)-50:]
		}
	}

	if strings.TrimSpace(current.String()) != "" {
		parts = append(parts, strings.TrimSpace(current.String()))
	}

	return dedupe(parts)
}

// EstimateTokens estimates token count with a 4-characters-per-token
// heuristic, rounding up.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// contentHash returns a hex SHA-256 digest, the stable ID for chunks whose
// source record carries no ID of its own.
func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// splitSentences splits text at sentence terminators, including the CJK
// full-width forms, keeping terminators attached to their sentence.
func splitSentences(text string) []string {
	if len(text) == 0 {
		return []string{}
	}

	var sentences []string
	var current strings.Builder
	runes := []rune(text)

	flush := func() {
		if s := current.String(); strings.TrimSpace(s) != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		switch r {
		case '。', '！', '？':
			// CJK terminators end the sentence unconditionally.
			flush()
		case '.', '!', '?':
			if i+1 >= len(runes) {
				flush()
				continue
			}
			// A boundary needs trailing whitespace; this keeps
			// abbreviations and decimals intact.
			if unicode.IsSpace(runes[i+1]) {
				current.WriteRune(runes[i+1])
				i++
				flush()
			}
		}
	}
	flush()

	return sentences
}

// dedupe removes duplicate parts while preserving order.
func dedupe(parts []string) []string {
	if len(parts) < 2 {
		return parts
	}
	seen := make(map[string]bool, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
