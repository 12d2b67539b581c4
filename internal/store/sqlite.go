// Package store persists the answer corpus and affinity records in SQLite.
// The answer corpus is the source of truth the vector index is rebuilt from;
// affinity records track relationship state between personas and the people
// who talk to them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/afslabs/companion/pkg/types"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS answers (
    id TEXT PRIMARY KEY,
    persona_id TEXT NOT NULL,
    question_id TEXT NOT NULL,
    question_text TEXT NOT NULL,
    answer_text TEXT NOT NULL,
    layer TEXT,
    contributor_relation TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_answers_persona ON answers(persona_id);

CREATE TABLE IF NOT EXISTS affinity_records (
    persona_id TEXT NOT NULL,
    interlocutor_id TEXT NOT NULL,
    current_score REAL NOT NULL,
    initial_score REAL NOT NULL,
    total_conversations INTEGER NOT NULL DEFAULT 0,
    total_messages INTEGER NOT NULL DEFAULT 0,
    last_conversation_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (persona_id, interlocutor_id)
);

CREATE TABLE IF NOT EXISTS affinity_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    persona_id TEXT NOT NULL,
    interlocutor_id TEXT NOT NULL,
    score REAL NOT NULL,
    delta REAL NOT NULL,
    reason TEXT,
    signals TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_affinity_history_pair
    ON affinity_history(persona_id, interlocutor_id);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database under dataPath and applies the
// schema. WAL mode plus a busy timeout let the reindex goroutine and request
// handlers share the file.
func Open(dataPath string) (*Store, error) {
	dsn := filepath.Join(dataPath, "companion.db")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// OpenInMemory opens a fresh in-memory database, used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAnswer inserts or replaces an answer.
func (s *Store) SaveAnswer(ctx context.Context, a types.Answer) error {
	if a.ID == "" {
		return fmt.Errorf("answer id is required")
	}
	const query = `
		INSERT INTO answers (id, persona_id, question_id, question_text, answer_text, layer, contributor_relation, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			question_text = excluded.question_text,
			answer_text = excluded.answer_text,
			layer = excluded.layer,
			contributor_relation = excluded.contributor_relation,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.ExecContext(ctx, query, a.ID, a.PersonaID, a.QuestionID, a.QuestionText, a.AnswerText, a.Layer, a.ContributorRelation)
	if err != nil {
		return fmt.Errorf("failed to save answer %s: %w", a.ID, err)
	}
	return nil
}

// GetAnswer fetches one answer by ID.
func (s *Store) GetAnswer(ctx context.Context, id string) (types.Answer, error) {
	const query = `
		SELECT id, persona_id, question_id, question_text, answer_text,
		       COALESCE(layer, ''), COALESCE(contributor_relation, ''), created_at, updated_at
		FROM answers WHERE id = ?
	`
	var a types.Answer
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.PersonaID, &a.QuestionID, &a.QuestionText, &a.AnswerText,
		&a.Layer, &a.ContributorRelation, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Answer{}, fmt.Errorf("answer %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.Answer{}, fmt.Errorf("failed to get answer %s: %w", id, err)
	}
	return a, nil
}

// ListAnswers returns all answers for a persona in insertion order.
func (s *Store) ListAnswers(ctx context.Context, personaID string) ([]types.Answer, error) {
	const query = `
		SELECT id, persona_id, question_id, question_text, answer_text,
		       COALESCE(layer, ''), COALESCE(contributor_relation, ''), created_at, updated_at
		FROM answers WHERE persona_id = ? ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, personaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list answers for %s: %w", personaID, err)
	}
	defer rows.Close()

	var answers []types.Answer
	for rows.Next() {
		var a types.Answer
		if err := rows.Scan(
			&a.ID, &a.PersonaID, &a.QuestionID, &a.QuestionText, &a.AnswerText,
			&a.Layer, &a.ContributorRelation, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan answer: %w", err)
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

// ListPersonas returns the distinct persona IDs present in the corpus.
func (s *Store) ListPersonas(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT persona_id FROM answers ORDER BY persona_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list personas: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan persona id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteAnswer removes one answer. Deleting a missing answer is not an error.
func (s *Store) DeleteAnswer(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM answers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete answer %s: %w", id, err)
	}
	return nil
}

// GetAffinity fetches the affinity record for a pair, or ErrNotFound.
func (s *Store) GetAffinity(ctx context.Context, personaID, interlocutorID string) (types.AffinityRecord, error) {
	const query = `
		SELECT persona_id, interlocutor_id, current_score, initial_score,
		       total_conversations, total_messages, last_conversation_at, created_at, updated_at
		FROM affinity_records WHERE persona_id = ? AND interlocutor_id = ?
	`
	var (
		rec    types.AffinityRecord
		lastAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, personaID, interlocutorID).Scan(
		&rec.PersonaID, &rec.InterlocutorID, &rec.CurrentScore, &rec.InitialScore,
		&rec.TotalConversations, &rec.TotalMessages, &lastAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return types.AffinityRecord{}, fmt.Errorf("affinity %s/%s: %w", personaID, interlocutorID, ErrNotFound)
	}
	if err != nil {
		return types.AffinityRecord{}, fmt.Errorf("failed to get affinity: %w", err)
	}
	if lastAt.Valid {
		t := lastAt.Time
		rec.LastConversationAt = &t
	}
	return rec, nil
}

// PutAffinity inserts or replaces an affinity record.
func (s *Store) PutAffinity(ctx context.Context, rec types.AffinityRecord) error {
	const query = `
		INSERT INTO affinity_records (persona_id, interlocutor_id, current_score, initial_score,
			total_conversations, total_messages, last_conversation_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(persona_id, interlocutor_id) DO UPDATE SET
			current_score = excluded.current_score,
			total_conversations = excluded.total_conversations,
			total_messages = excluded.total_messages,
			last_conversation_at = excluded.last_conversation_at,
			updated_at = CURRENT_TIMESTAMP
	`
	var lastAt interface{}
	if rec.LastConversationAt != nil {
		lastAt = *rec.LastConversationAt
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.PersonaID, rec.InterlocutorID, rec.CurrentScore, rec.InitialScore,
		rec.TotalConversations, rec.TotalMessages, lastAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put affinity %s/%s: %w", rec.PersonaID, rec.InterlocutorID, err)
	}
	return nil
}

// AppendAffinityHistory records one applied update.
func (s *Store) AppendAffinityHistory(ctx context.Context, entry types.AffinityHistoryEntry) error {
	signals, err := json.Marshal(entry.Signals)
	if err != nil {
		return fmt.Errorf("failed to marshal signals: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO affinity_history (persona_id, interlocutor_id, score, delta, reason, signals, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.PersonaID, entry.InterlocutorID, entry.Score, entry.Delta, entry.Reason, string(signals), entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append affinity history: %w", err)
	}
	return nil
}

// AffinityHistory returns the most recent updates for a pair, newest first.
func (s *Store) AffinityHistory(ctx context.Context, personaID, interlocutorID string, limit int) ([]types.AffinityHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT persona_id, interlocutor_id, score, delta, COALESCE(reason, ''), COALESCE(signals, '{}'), created_at
		FROM affinity_history
		WHERE persona_id = ? AND interlocutor_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, personaID, interlocutorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load affinity history: %w", err)
	}
	defer rows.Close()

	var entries []types.AffinityHistoryEntry
	for rows.Next() {
		var (
			e       types.AffinityHistoryEntry
			signals string
		)
		if err := rows.Scan(&e.PersonaID, &e.InterlocutorID, &e.Score, &e.Delta, &e.Reason, &signals, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if err := json.Unmarshal([]byte(signals), &e.Signals); err != nil {
			return nil, fmt.Errorf("failed to decode signals: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AffinityStats aggregates a persona's relationships into tier counts.
type AffinityStats struct {
	PersonaID    string  `json:"persona_id"`
	Count        int     `json:"count"`
	AverageScore float64 `json:"average_score"`
	HighCount    int     `json:"high_count"`
	MediumCount  int     `json:"medium_count"`
	LowCount     int     `json:"low_count"`
}

// GetAffinityStats computes aggregate affinity stats for one persona.
func (s *Store) GetAffinityStats(ctx context.Context, personaID string) (AffinityStats, error) {
	stats := AffinityStats{PersonaID: personaID}
	rows, err := s.db.QueryContext(ctx,
		`SELECT current_score FROM affinity_records WHERE persona_id = ?`, personaID)
	if err != nil {
		return stats, fmt.Errorf("failed to load affinity stats: %w", err)
	}
	defer rows.Close()

	var sum float64
	for rows.Next() {
		var score float64
		if err := rows.Scan(&score); err != nil {
			return stats, fmt.Errorf("failed to scan score: %w", err)
		}
		stats.Count++
		sum += score
		switch types.TierForScore(score) {
		case types.AffinityTierHigh:
			stats.HighCount++
		case types.AffinityTierLow:
			stats.LowCount++
		default:
			stats.MediumCount++
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if stats.Count > 0 {
		stats.AverageScore = sum / float64(stats.Count)
	}
	return stats, nil
}
