package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"
)

const postgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memory_vectors (
    collection TEXT NOT NULL,
    id TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata JSONB,
    embedding vector,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (collection, id)
);

CREATE INDEX IF NOT EXISTS idx_memory_vectors_collection ON memory_vectors(collection);
`

// PostgresIndex is the pgvector-backed alternative to the embedded store,
// for deployments where vector data must live alongside other relational
// state. All collections share one table keyed by collection name.
type PostgresIndex struct {
	db *sql.DB

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPostgresIndex connects with the given DSN and ensures the schema.
func NewPostgresIndex(dsn string) (*PostgresIndex, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresIndex{
		db:    db,
		locks: map[string]*sync.Mutex{},
	}, nil
}

func (x *PostgresIndex) lockFor(personaID string) *sync.Mutex {
	x.mu.Lock()
	defer x.mu.Unlock()
	l, ok := x.locks[personaID]
	if !ok {
		l = &sync.Mutex{}
		x.locks[personaID] = l
	}
	return l
}

// Upsert inserts or replaces documents via ON CONFLICT.
func (x *PostgresIndex) Upsert(ctx context.Context, personaID string, docs []Document) error {
	lock := x.lockFor(personaID)
	lock.Lock()
	defer lock.Unlock()

	const query = `
		INSERT INTO memory_vectors (collection, id, content, metadata, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(collection, id) DO UPDATE SET
			content = excluded.content,
			metadata = excluded.metadata,
			embedding = excluded.embedding,
			updated_at = CURRENT_TIMESTAMP
	`

	for _, doc := range docs {
		if doc.ID == "" {
			return fmt.Errorf("document with empty id for persona %s", personaID)
		}
		meta, err := json.Marshal(doc.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for %s: %w", doc.ID, err)
		}
		vec := pgvector.NewVector(doc.Embedding)
		if _, err := x.db.ExecContext(ctx, query, collectionName(personaID), doc.ID, doc.Text, meta, vec); err != nil {
			return fmt.Errorf("upsert %s for persona %s: %w", doc.ID, personaID, err)
		}
	}
	return nil
}

// Search runs a cosine-distance query. `<=>` returns distance in [0, 2];
// mapped here to similarity in [0, 1].
func (x *PostgresIndex) Search(ctx context.Context, personaID string, query []float32, topK int) ([]Result, error) {
	if topK <= 0 {
		return []Result{}, nil
	}

	const querySQL = `
		SELECT id, content, metadata, embedding <=> $2::vector AS distance
		FROM memory_vectors
		WHERE collection = $1
		ORDER BY embedding <=> $2::vector, id
		LIMIT $3
	`

	rows, err := x.db.QueryContext(ctx, querySQL, collectionName(personaID), pgvector.NewVector(query), topK)
	if err != nil {
		return nil, &RetrievalError{PersonaID: personaID, Err: err}
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			id, content string
			metaRaw     []byte
			distance    float64
		)
		if err := rows.Scan(&id, &content, &metaRaw, &distance); err != nil {
			return nil, &RetrievalError{PersonaID: personaID, Err: err}
		}
		var meta map[string]interface{}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &meta); err != nil {
				return nil, &RetrievalError{PersonaID: personaID, Err: err}
			}
		}
		results = append(results, Result{
			Document: Document{
				ID:       id,
				Text:     content,
				Metadata: meta,
			},
			Similarity: (2 - distance) / 2,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, &RetrievalError{PersonaID: personaID, Err: err}
	}
	if results == nil {
		return []Result{}, nil
	}
	sortResults(results)
	return results, nil
}

// Delete removes documents by ID.
func (x *PostgresIndex) Delete(ctx context.Context, personaID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	lock := x.lockFor(personaID)
	lock.Lock()
	defer lock.Unlock()

	for _, id := range ids {
		if _, err := x.db.ExecContext(ctx,
			`DELETE FROM memory_vectors WHERE collection = $1 AND id = $2`,
			collectionName(personaID), id); err != nil {
			return fmt.Errorf("delete %s from persona %s: %w", id, personaID, err)
		}
	}
	return nil
}

// Count returns the document count for the persona's collection.
func (x *PostgresIndex) Count(ctx context.Context, personaID string) (int, error) {
	var count int
	err := x.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_vectors WHERE collection = $1`,
		collectionName(personaID)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count for persona %s: %w", personaID, err)
	}
	return count, nil
}

// Drop removes all documents for the persona.
func (x *PostgresIndex) Drop(ctx context.Context, personaID string) error {
	lock := x.lockFor(personaID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := x.db.ExecContext(ctx,
		`DELETE FROM memory_vectors WHERE collection = $1`,
		collectionName(personaID)); err != nil {
		return fmt.Errorf("drop persona %s: %w", personaID, err)
	}
	return nil
}

// Close closes the database connection.
func (x *PostgresIndex) Close() error {
	return x.db.Close()
}

var _ Index = (*PostgresIndex)(nil)
