// Package notify provides cross-process corpus ingestion using filesystem
// events. A questionnaire collector drops answer files into a shared
// directory; the engine picks them up, persists them, and refreshes the
// affected persona's vector index.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/afslabs/companion/pkg/types"
)

// AnswerBatch is the payload of one dropped corpus file.
type AnswerBatch struct {
	PersonaID string         `json:"persona_id"`
	Answers   []types.Answer `json:"answers"`
	Time      int64          `json:"time"`
}

// CorpusWriter drops answer batches into {dataPath}/corpus/ for the engine
// to ingest. Collectors in other processes use this.
type CorpusWriter struct {
	dir string
}

// NewCorpusWriter creates a writer targeting {dataPath}/corpus/.
func NewCorpusWriter(dataPath string) *CorpusWriter {
	return &CorpusWriter{dir: filepath.Join(dataPath, "corpus")}
}

// Write drops one batch file. Safe to call concurrently.
func (w *CorpusWriter) Write(personaID string, answers []types.Answer) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}
	batch := AnswerBatch{
		PersonaID: personaID,
		Answers:   answers,
		Time:      time.Now().UnixNano(),
	}
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("notify: marshal batch: %w", err)
	}
	filename := fmt.Sprintf("%d-%s.answers", batch.Time, sanitizeID(personaID))
	return os.WriteFile(filepath.Join(w.dir, filename), data, 0o600)
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		if id[i] == '/' || id[i] == ':' {
			out[i] = '_'
		} else {
			out[i] = id[i]
		}
	}
	return string(out)
}
