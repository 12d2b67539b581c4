// Package vectorindex stores and searches embedding vectors grouped into
// per-persona collections. Two backends implement the same contract: an
// embedded chromem store (the default) and Postgres with pgvector.
package vectorindex

import (
	"context"
	"fmt"
)

// Document is one stored vector with its text and metadata.
type Document struct {
	ID        string
	Text      string
	Embedding []float32
	Metadata  map[string]interface{}
}

// Result is one search hit. Similarity is in [0, 1], higher is closer.
type Result struct {
	Document
	Similarity float64
}

// Index is the storage contract shared by all vector backends.
//
// Search against a collection that does not exist yet returns an empty
// result set, never an error: an empty memory corpus is a normal state for
// a fresh persona. Results come back in descending similarity order with
// ties broken by document ID, so repeated queries over unchanged data
// return identical orderings.
type Index interface {
	// Upsert inserts or replaces documents in the persona's collection,
	// creating the collection if needed.
	Upsert(ctx context.Context, personaID string, docs []Document) error

	// Search returns up to topK nearest documents for the query vector.
	Search(ctx context.Context, personaID string, query []float32, topK int) ([]Result, error)

	// Delete removes documents by ID. Missing IDs are not an error.
	Delete(ctx context.Context, personaID string, ids ...string) error

	// Count returns the number of documents in the persona's collection.
	Count(ctx context.Context, personaID string) (int, error)

	// Drop removes the persona's entire collection.
	Drop(ctx context.Context, personaID string) error

	// Close releases backend resources.
	Close() error
}

// collectionName maps a persona to its collection.
func collectionName(personaID string) string {
	return "persona_" + personaID
}

// RetrievalError wraps a backend search failure.
type RetrievalError struct {
	PersonaID string
	Err       error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval for persona %s failed: %v", e.PersonaID, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }
