// Package indexer keeps each persona's vector collection in sync with its
// answer corpus. Rebuilds are idempotent: chunk IDs are stable and upserted,
// so running a rebuild twice leaves the collection unchanged.
package indexer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/afslabs/companion/internal/embedding"
	"github.com/afslabs/companion/internal/memory"
	"github.com/afslabs/companion/internal/store"
	"github.com/afslabs/companion/internal/vectorindex"
	"github.com/afslabs/companion/pkg/types"
)

// Status of the last indexing run for a persona.
const (
	StatusNever    = "never"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Stats describes one persona's index.
type Stats struct {
	PersonaID   string    `json:"persona_id"`
	VectorCount int       `json:"vector_count"`
	Status      string    `json:"status"`
	LastRunAt   time.Time `json:"last_run_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// Manager orchestrates chunking, embedding, and vector writes. One rebuild
// per persona runs at a time; different personas rebuild concurrently.
type Manager struct {
	store    *store.Store
	chunker  *memory.Chunker
	embedder *embedding.Provider
	index    vectorindex.Index

	mu     sync.Mutex // guards locks and status
	locks  map[string]*sync.Mutex
	status map[string]*Stats
}

// NewManager creates an index manager over the given stores.
func NewManager(st *store.Store, chunker *memory.Chunker, embedder *embedding.Provider, index vectorindex.Index) *Manager {
	return &Manager{
		store:    st,
		chunker:  chunker,
		embedder: embedder,
		index:    index,
		locks:    map[string]*sync.Mutex{},
		status:   map[string]*Stats{},
	}
}

func (m *Manager) lockFor(personaID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[personaID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[personaID] = l
	}
	return l
}

func (m *Manager) setStatus(personaID, status, errMsg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[personaID]
	if !ok {
		s = &Stats{PersonaID: personaID}
		m.status[personaID] = s
	}
	s.Status = status
	s.LastError = errMsg
	s.LastRunAt = time.Now()
}

// RebuildIndex re-chunks the persona's full answer corpus and upserts every
// chunk. An empty corpus still ensures the collection exists, so searches
// against a fresh persona return empty instead of erroring. Invalid answers
// are skipped with a log line; they never abort the rebuild.
func (m *Manager) RebuildIndex(ctx context.Context, personaID string) error {
	lock := m.lockFor(personaID)
	lock.Lock()
	defer lock.Unlock()

	m.setStatus(personaID, StatusRunning, "")
	if err := m.rebuild(ctx, personaID); err != nil {
		m.setStatus(personaID, StatusFailed, err.Error())
		return err
	}
	m.setStatus(personaID, StatusComplete, "")
	return nil
}

func (m *Manager) rebuild(ctx context.Context, personaID string) error {
	answers, err := m.store.ListAnswers(ctx, personaID)
	if err != nil {
		return fmt.Errorf("load corpus for %s: %w", personaID, err)
	}

	var docs []vectorindex.Document
	for _, answer := range answers {
		chunks, err := m.chunker.ChunkFromAnswer(answer)
		if err != nil {
			log.Printf("[Indexer] skipping answer %s for %s: %v", answer.ID, personaID, err)
			continue
		}
		for _, chunk := range chunks {
			vec, err := m.embedder.Embed(ctx, chunk.Text)
			if err != nil {
				return fmt.Errorf("embed chunk %s: %w", chunk.ID, err)
			}
			docs = append(docs, vectorindex.Document{
				ID:        chunk.ID,
				Text:      chunk.Text,
				Embedding: vec,
				Metadata:  chunk.Metadata,
			})
		}
	}

	// Upsert with no documents still creates the collection.
	if err := m.index.Upsert(ctx, personaID, docs); err != nil {
		return fmt.Errorf("upsert corpus for %s: %w", personaID, err)
	}
	log.Printf("[Indexer] rebuilt persona %s: %d chunks", personaID, len(docs))
	return nil
}

// UpdateChunk validates, embeds, and upserts one chunk.
func (m *Manager) UpdateChunk(ctx context.Context, personaID string, chunk types.MemoryChunk) error {
	if err := chunk.Validate(); err != nil {
		return err
	}
	lock := m.lockFor(personaID)
	lock.Lock()
	defer lock.Unlock()

	vec, err := m.embedder.Embed(ctx, chunk.Text)
	if err != nil {
		return fmt.Errorf("embed chunk %s: %w", chunk.ID, err)
	}
	return m.index.Upsert(ctx, personaID, []vectorindex.Document{{
		ID:        chunk.ID,
		Text:      chunk.Text,
		Embedding: vec,
		Metadata:  chunk.Metadata,
	}})
}

// DeleteChunk removes one chunk from the persona's collection.
func (m *Manager) DeleteChunk(ctx context.Context, personaID, chunkID string) error {
	lock := m.lockFor(personaID)
	lock.Lock()
	defer lock.Unlock()

	return m.index.Delete(ctx, personaID, chunkID)
}

// RebuildAll rebuilds every persona found in the corpus. A failure on one
// persona is recorded and the rest continue; the first error is returned
// after all personas have been attempted.
func (m *Manager) RebuildAll(ctx context.Context) error {
	personas, err := m.store.ListPersonas(ctx)
	if err != nil {
		return fmt.Errorf("list personas: %w", err)
	}

	var firstErr error
	for _, personaID := range personas {
		if err := m.RebuildIndex(ctx, personaID); err != nil {
			log.Printf("[Indexer] rebuild failed for %s: %v", personaID, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("persona %s: %w", personaID, err)
			}
		}
	}
	return firstErr
}

// IndexTranscript folds a finished conversation into the persona's memory.
// Each user/assistant exchange becomes one qa_pair chunk whose ID derives
// from the session and turn position, so re-indexing the same transcript is
// idempotent.
func (m *Manager) IndexTranscript(ctx context.Context, personaID, sessionID string, messages []types.Message) error {
	lock := m.lockFor(personaID)
	lock.Lock()
	defer lock.Unlock()

	var docs []vectorindex.Document
	turn := 0
	for i := 0; i+1 < len(messages); i++ {
		if messages[i].Role != "user" || messages[i+1].Role != "assistant" {
			continue
		}
		turn++
		chunk := types.MemoryChunk{
			ID:   fmt.Sprintf("%s_turn_%d", sessionID, turn),
			Text: fmt.Sprintf("Question: %s\nAnswer: %s", messages[i].Content, messages[i+1].Content),
			Kind: types.ChunkKindQAPair,
			Metadata: map[string]interface{}{
				"source":    "conversation",
				"sessionId": sessionID,
				"turn":      turn,
			},
		}
		if err := chunk.Validate(); err != nil {
			log.Printf("[Indexer] skipping transcript turn %d: %v", turn, err)
			continue
		}
		vec, err := m.embedder.Embed(ctx, chunk.Text)
		if err != nil {
			return fmt.Errorf("embed transcript chunk %s: %w", chunk.ID, err)
		}
		docs = append(docs, vectorindex.Document{
			ID:        chunk.ID,
			Text:      chunk.Text,
			Embedding: vec,
			Metadata:  chunk.Metadata,
		})
	}
	if len(docs) == 0 {
		return nil
	}
	if err := m.index.Upsert(ctx, personaID, docs); err != nil {
		return fmt.Errorf("upsert transcript for %s: %w", personaID, err)
	}
	log.Printf("[Indexer] indexed transcript %s for persona %s: %d turns", sessionID, personaID, len(docs))
	return nil
}

// Stats returns the current index stats for a persona.
func (m *Manager) Stats(ctx context.Context, personaID string) (Stats, error) {
	count, err := m.index.Count(ctx, personaID)
	if err != nil {
		return Stats{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := Stats{PersonaID: personaID, VectorCount: count, Status: StatusNever}
	if s, ok := m.status[personaID]; ok {
		out.Status = s.Status
		out.LastRunAt = s.LastRunAt
		out.LastError = s.LastError
	}
	return out, nil
}
