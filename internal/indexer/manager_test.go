package indexer

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afslabs/companion/internal/embedding"
	"github.com/afslabs/companion/internal/memory"
	"github.com/afslabs/companion/internal/store"
	"github.com/afslabs/companion/internal/vectorindex"
	"github.com/afslabs/companion/pkg/types"
)

// hashEmbedder derives a deterministic unit-free vector from the text, so
// rebuilds are stable without a real embedding model.
type hashEmbedder struct{}

func (hashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32(sum[i]) / 255
	}
	return vec, nil
}

func (hashEmbedder) GetModel() string { return "hash-embed" }

type fixture struct {
	store   *store.Store
	index   *vectorindex.ChromemIndex
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx, err := vectorindex.NewChromemIndex("")
	require.NoError(t, err)

	embedder, err := embedding.NewProvider(hashEmbedder{}, 64, embedding.FallbackError)
	require.NoError(t, err)

	return &fixture{
		store:   st,
		index:   idx,
		manager: NewManager(st, memory.NewChunker(), embedder, idx),
	}
}

func seedAnswers(t *testing.T, st *store.Store, personaID string, n int) {
	t.Helper()
	questions := []string{
		"Where did you grow up?",
		"What was your first job?",
		"What music do you like?",
		"Tell me about your garden.",
	}
	for i := 0; i < n; i++ {
		q := questions[i%len(questions)]
		require.NoError(t, st.SaveAnswer(context.Background(), types.Answer{
			ID:           personaID + "-ans-" + string(rune('a'+i)),
			PersonaID:    personaID,
			QuestionID:   "q" + string(rune('a'+i)),
			QuestionText: q,
			AnswerText:   "Answer number " + string(rune('a'+i)) + " about my life.",
		}))
	}
}

func TestRebuildIndex_PopulatesCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedAnswers(t, f.store, "grandma", 3)

	require.NoError(t, f.manager.RebuildIndex(ctx, "grandma"))

	count, err := f.index.Count(ctx, "grandma")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	stats, err := f.manager.Stats(ctx, "grandma")
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, stats.Status)
	assert.Equal(t, 3, stats.VectorCount)
	assert.False(t, stats.LastRunAt.IsZero())
}

func TestRebuildIndex_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedAnswers(t, f.store, "grandma", 3)

	require.NoError(t, f.manager.RebuildIndex(ctx, "grandma"))
	require.NoError(t, f.manager.RebuildIndex(ctx, "grandma"))

	count, err := f.index.Count(ctx, "grandma")
	require.NoError(t, err)
	assert.Equal(t, 3, count, "stable chunk IDs mean a second rebuild upserts in place")
}

func TestRebuildIndex_EmptyCorpusCreatesCollection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.RebuildIndex(ctx, "fresh"))

	results, err := f.index.Search(ctx, "fresh", []float32{1, 0, 0, 0, 0, 0, 0, 0}, 5)
	require.NoError(t, err, "a fresh persona must be searchable, not an error")
	assert.Empty(t, results)
}

func TestRebuildIndex_SkipsInvalidAnswers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedAnswers(t, f.store, "grandma", 2)
	require.NoError(t, f.store.SaveAnswer(ctx, types.Answer{
		ID:           "blank",
		PersonaID:    "grandma",
		QuestionText: "Anything else?",
		AnswerText:   "   ",
	}))

	require.NoError(t, f.manager.RebuildIndex(ctx, "grandma"))

	count, err := f.index.Count(ctx, "grandma")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "the blank answer is skipped, not fatal")
}

func TestUpdateChunk_ValidatesFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.manager.UpdateChunk(ctx, "grandma", types.MemoryChunk{
		ID:       "c1",
		Text:     "some text",
		Kind:     "note",
		Metadata: map[string]interface{}{},
	})
	require.Error(t, err)

	var vErr *types.ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestUpdateChunk_ThenDeleteChunk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	chunk := types.MemoryChunk{
		ID:       "c1",
		Text:     "Question: Q\nAnswer: A",
		Kind:     types.ChunkKindQAPair,
		Metadata: map[string]interface{}{"source": "questionnaire"},
	}
	require.NoError(t, f.manager.UpdateChunk(ctx, "grandma", chunk))

	count, err := f.index.Count(ctx, "grandma")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, f.manager.DeleteChunk(ctx, "grandma", "c1"))
	count, err = f.index.Count(ctx, "grandma")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestRebuildAll_CoversEveryPersona(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seedAnswers(t, f.store, "grandma", 2)
	seedAnswers(t, f.store, "grandpa", 1)

	require.NoError(t, f.manager.RebuildAll(ctx))

	for persona, want := range map[string]int{"grandma": 2, "grandpa": 1} {
		count, err := f.index.Count(ctx, persona)
		require.NoError(t, err)
		assert.Equal(t, want, count, persona)
	}
}

func TestIndexTranscript_PairsTurns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	messages := []types.Message{
		{Role: "user", Content: "How are you today?"},
		{Role: "assistant", Content: "I am well, thank you for asking."},
		{Role: "user", Content: "What did you have for lunch?"},
		{Role: "assistant", Content: "A bowl of noodle soup."},
	}
	require.NoError(t, f.manager.IndexTranscript(ctx, "grandma", "sess-1", messages))

	count, err := f.index.Count(ctx, "grandma")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// Same transcript again must not duplicate.
	require.NoError(t, f.manager.IndexTranscript(ctx, "grandma", "sess-1", messages))
	count, err = f.index.Count(ctx, "grandma")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestIndexTranscript_EmptyTranscriptIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.manager.IndexTranscript(ctx, "grandma", "sess-1", nil))
	require.NoError(t, f.manager.IndexTranscript(ctx, "grandma", "sess-2", []types.Message{
		{Role: "assistant", Content: "unpaired greeting"},
	}))

	count, err := f.index.Count(ctx, "grandma")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStats_UnindexedPersona(t *testing.T) {
	f := newFixture(t)
	stats, err := f.manager.Stats(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, StatusNever, stats.Status)
	assert.Equal(t, 0, stats.VectorCount)
}
