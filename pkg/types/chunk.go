package types

import (
	"fmt"
	"time"
)

// ChunkKindQAPair is the only chunk kind produced by the questionnaire
// ingestion path. Validation rejects anything else.
const ChunkKindQAPair = "qa_pair"

// MemoryChunk is a retrievable unit of text plus metadata derived from one
// recorded answer. The ID is stable across rebuilds for the same source
// record, which makes re-chunking and re-indexing idempotent.
type MemoryChunk struct {
	ID       string                 `json:"id"`
	Text     string                 `json:"text"`
	Metadata map[string]interface{} `json:"metadata"`
	Kind     string                 `json:"kind"`
}

// Validate checks the chunk shape before ingestion. Invalid chunks are
// rejected one at a time; a bad chunk never aborts a whole batch.
func (c MemoryChunk) Validate() error {
	if c.ID == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if c.Text == "" {
		return &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if c.Metadata == nil {
		return &ValidationError{Field: "metadata", Reason: "must be a map"}
	}
	if c.Kind != ChunkKindQAPair {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("must be %q, got %q", ChunkKindQAPair, c.Kind)}
	}
	return nil
}

// ValidationError reports a single-field shape violation on a chunk or a
// signal structure. It rejects the item, not the batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// Answer is a persisted questionnaire answer, the source record for memory
// chunks. Authored by external collaborators; the engine only reads them.
type Answer struct {
	ID                  string    `json:"id"`
	PersonaID           string    `json:"persona_id"`
	QuestionID          string    `json:"question_id"`
	QuestionText        string    `json:"question_text"`
	AnswerText          string    `json:"answer_text"`
	Layer               string    `json:"layer,omitempty"`
	ContributorRelation string    `json:"contributor_relation,omitempty"` // self, family, friend
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}
