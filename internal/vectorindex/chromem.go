package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// ChromemIndex is the embedded default backend, one chromem collection per
// persona. Writes to the same collection are serialized; searches only take
// the read side.
type ChromemIndex struct {
	db *chromem.DB

	mu    sync.Mutex // guards locks
	locks map[string]*sync.RWMutex
}

// NewChromemIndex opens (or creates) a persistent store at path. An empty
// path yields an in-memory store, used by tests.
func NewChromemIndex(path string) (*ChromemIndex, error) {
	var db *chromem.DB
	var err error
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector store: %w", err)
		}
	}
	return &ChromemIndex{
		db:    db,
		locks: map[string]*sync.RWMutex{},
	}, nil
}

// externalOnlyEmbedding rejects implicit embedding: all vectors are computed
// upstream and passed in explicitly.
func externalOnlyEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("document without embedding: vectors must be precomputed")
}

func (x *ChromemIndex) lockFor(personaID string) *sync.RWMutex {
	x.mu.Lock()
	defer x.mu.Unlock()
	l, ok := x.locks[personaID]
	if !ok {
		l = &sync.RWMutex{}
		x.locks[personaID] = l
	}
	return l
}

func (x *ChromemIndex) collection(personaID string) (*chromem.Collection, error) {
	return x.db.GetOrCreateCollection(collectionName(personaID), nil, externalOnlyEmbedding)
}

// Upsert inserts or replaces documents. chromem keys documents by ID, so
// re-adding an existing ID replaces it in place.
func (x *ChromemIndex) Upsert(ctx context.Context, personaID string, docs []Document) error {
	lock := x.lockFor(personaID)
	lock.Lock()
	defer lock.Unlock()

	col, err := x.collection(personaID)
	if err != nil {
		return fmt.Errorf("collection for persona %s: %w", personaID, err)
	}

	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document with empty id for persona %s", personaID)
		}
		if err := col.AddDocument(ctx, chromem.Document{
			ID:        doc.ID,
			Content:   doc.Text,
			Embedding: doc.Embedding,
			Metadata:  flattenMetadata(doc.Metadata),
		}); err != nil {
			return fmt.Errorf("upsert %s for persona %s: %w", doc.ID, personaID, err)
		}
	}
	return nil
}

// Search returns up to topK hits in descending similarity order. A missing
// or empty collection returns no hits and no error.
func (x *ChromemIndex) Search(ctx context.Context, personaID string, query []float32, topK int) ([]Result, error) {
	lock := x.lockFor(personaID)
	lock.RLock()
	defer lock.RUnlock()

	col := x.db.GetCollection(collectionName(personaID), externalOnlyEmbedding)
	if col == nil {
		return []Result{}, nil
	}

	// chromem rejects nResults greater than the document count.
	count := col.Count()
	if count == 0 {
		return []Result{}, nil
	}
	if topK > count {
		topK = count
	}
	if topK <= 0 {
		return []Result{}, nil
	}

	hits, err := col.QueryEmbedding(ctx, query, topK, nil, nil)
	if err != nil {
		return nil, &RetrievalError{PersonaID: personaID, Err: err}
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			Document: Document{
				ID:        h.ID,
				Text:      h.Content,
				Embedding: h.Embedding,
				Metadata:  widenMetadata(h.Metadata),
			},
			// chromem similarity is cosine in [-1, 1].
			Similarity: (float64(h.Similarity) + 1) / 2,
		})
	}
	sortResults(results)
	return results, nil
}

// Delete removes documents by ID. Unknown IDs are ignored.
func (x *ChromemIndex) Delete(ctx context.Context, personaID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	lock := x.lockFor(personaID)
	lock.Lock()
	defer lock.Unlock()

	col := x.db.GetCollection(collectionName(personaID), externalOnlyEmbedding)
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete from persona %s: %w", personaID, err)
	}
	return nil
}

// Count returns the document count, 0 for a missing collection.
func (x *ChromemIndex) Count(ctx context.Context, personaID string) (int, error) {
	lock := x.lockFor(personaID)
	lock.RLock()
	defer lock.RUnlock()

	col := x.db.GetCollection(collectionName(personaID), externalOnlyEmbedding)
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

// Drop removes the persona's whole collection.
func (x *ChromemIndex) Drop(ctx context.Context, personaID string) error {
	lock := x.lockFor(personaID)
	lock.Lock()
	defer lock.Unlock()

	return x.db.DeleteCollection(collectionName(personaID))
}

// Close is a no-op for the embedded store; chromem persists on write.
func (x *ChromemIndex) Close() error {
	return nil
}

var _ Index = (*ChromemIndex)(nil)

// flattenMetadata converts the generic metadata map to chromem's string map.
func flattenMetadata(md map[string]interface{}) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = fmt.Sprint(v)
	}
	return out
}

func widenMetadata(md map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

// sortResults enforces descending similarity with ID tiebreak so identical
// corpora always produce identical orderings.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ID < results[j].ID
	})
}
