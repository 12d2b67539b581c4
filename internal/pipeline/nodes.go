package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/afslabs/companion/internal/affinity"
	"github.com/afslabs/companion/internal/embedding"
	"github.com/afslabs/companion/internal/llm"
	"github.com/afslabs/companion/internal/vectorindex"
	"github.com/afslabs/companion/pkg/types"
)

// Metadata keys the nodes communicate through.
const (
	MetaEndIntent           = "end_intent"
	MetaEndIntentConfidence = "end_intent_confidence"
)

// inputProcessor normalizes the raw input, halts on empty, and flags
// farewell messages for the session layer.
type inputProcessor struct{}

func (n *inputProcessor) Name() string { return "input_processor" }

func (n *inputProcessor) Run(ctx context.Context, state *types.ConversationState) error {
	state.CurrentInput = strings.TrimSpace(state.CurrentInput)
	if state.CurrentInput == "" {
		state.AddError(n.Name(), errors.New("empty input"))
		return ErrHalt
	}

	ending, confidence := DetectEndIntent(state.CurrentInput)
	state.Metadata[MetaEndIntent] = ending
	state.Metadata[MetaEndIntentConfidence] = confidence

	state.AddMessage("user", state.CurrentInput)
	return nil
}

// memoryRetriever searches the persona's memory collection. Retrieval is
// best-effort: any failure is recorded and the turn proceeds without
// memories rather than dying.
type memoryRetriever struct {
	embedder *embedding.Provider
	index    vectorindex.Index
	topK     int
}

func (n *memoryRetriever) Name() string { return "memory_retriever" }

func (n *memoryRetriever) Run(ctx context.Context, state *types.ConversationState) error {
	state.RetrievedMemories = []types.RetrievedMemory{}

	query, err := n.embedder.Embed(ctx, state.CurrentInput)
	if err != nil {
		state.AddError(n.Name(), fmt.Errorf("embed query: %w", err))
		return nil
	}

	// Overfetch so relation filtering still fills topK.
	results, err := n.index.Search(ctx, state.PersonaID, query, n.topK*2)
	if err != nil {
		state.AddError(n.Name(), err)
		return nil
	}

	for _, r := range orderByRelation(results, state.RelationType) {
		state.RetrievedMemories = append(state.RetrievedMemories, types.RetrievedMemory{
			Chunk: types.MemoryChunk{
				ID:       r.ID,
				Text:     r.Text,
				Metadata: r.Metadata,
				Kind:     types.ChunkKindQAPair,
			},
			Similarity: r.Similarity,
		})
		if len(state.RetrievedMemories) >= n.topK {
			break
		}
	}
	return nil
}

// orderByRelation keeps similarity order but, for family and friend
// sessions, floats memories contributed by that relation (or the persona
// themself) ahead of the rest. Duplicated content is dropped by prefix.
func orderByRelation(results []vectorindex.Result, relationType string) []vectorindex.Result {
	seen := map[string]bool{}
	unique := results[:0:0]
	for _, r := range results {
		prefix := r.Text
		if len(prefix) > 50 {
			prefix = prefix[:50]
		}
		if seen[prefix] {
			continue
		}
		seen[prefix] = true
		unique = append(unique, r)
	}

	if relationType != "family" && relationType != "friend" {
		return unique
	}

	matches := func(r vectorindex.Result) bool {
		rel, _ := r.Metadata["contributorRelation"].(string)
		return rel == "" || rel == "self" || rel == relationType
	}
	ordered := make([]vectorindex.Result, 0, len(unique))
	for _, r := range unique {
		if matches(r) {
			ordered = append(ordered, r)
		}
	}
	for _, r := range unique {
		if !matches(r) {
			ordered = append(ordered, r)
		}
	}
	return ordered
}

// affinityReader loads the pair's score so composition and generation can
// adjust tone.
type affinityReader struct {
	model *affinity.Model
}

func (n *affinityReader) Name() string { return "affinity_reader" }

func (n *affinityReader) Run(ctx context.Context, state *types.ConversationState) error {
	rec, err := n.model.GetScore(ctx, state.PersonaID, state.InterlocutorID)
	if err != nil {
		// Tone falls back to the baseline; the turn still proceeds.
		state.AffinityScore = types.AffinityBaseline
		state.AffinityTier = types.TierForScore(state.AffinityScore)
		state.AddError(n.Name(), err)
		return nil
	}
	state.AffinityScore = rec.CurrentScore
	state.AffinityTier = types.TierForScore(rec.CurrentScore)
	return nil
}

// roleComposer assembles the final prompt from the role description, the
// affinity tone directive, retrieved memories, and recent history.
type roleComposer struct{}

func (n *roleComposer) Name() string { return "role_composer" }

const historyWindow = 10

func (n *roleComposer) Run(ctx context.Context, state *types.ConversationState) error {
	var b strings.Builder

	if state.RoleDescription != "" {
		b.WriteString(state.RoleDescription)
		b.WriteString("\n\n")
	}
	b.WriteString(toneDirective(state.AffinityTier, state.RelationType))
	b.WriteString("\n")

	if len(state.RetrievedMemories) > 0 {
		b.WriteString("\nThings you remember that may be relevant:\n")
		for _, mem := range state.RetrievedMemories {
			b.WriteString("- ")
			b.WriteString(mem.Chunk.Text)
			b.WriteString("\n")
		}
	}

	history := state.Messages
	if len(history) > historyWindow {
		history = history[len(history)-historyWindow:]
	}
	if len(history) > 1 {
		b.WriteString("\nRecent conversation:\n")
		for _, msg := range history[:len(history)-1] {
			b.WriteString(msg.Role)
			b.WriteString(": ")
			b.WriteString(msg.Content)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nThey say: ")
	b.WriteString(state.CurrentInput)
	b.WriteString("\nYou reply:")

	state.Prompt = b.String()
	return nil
}

func toneDirective(tier types.AffinityTier, relationType string) string {
	switch tier {
	case types.AffinityTierHigh:
		return "You are very close to this person. Speak warmly and familiarly, and feel free to reference shared history."
	case types.AffinityTierLow:
		return "You do not know this person well yet. Be polite and a little reserved."
	default:
		if relationType == "stranger" {
			return "Be friendly but measured; this person is still getting to know you."
		}
		return "Be warm and friendly."
	}
}

// apologyReply is the degraded response when every backend fails. The
// conversation must never go silent on an infrastructure error.
const apologyReply = "I'm sorry, I'm having a little trouble finding my words right now. Could you say that again in a moment?"

// generator produces the reply text via the fallback chain.
type generator struct {
	backend   llm.TextGenerator
	maxTokens int
}

func (n *generator) Name() string { return "generator" }

func (n *generator) Run(ctx context.Context, state *types.ConversationState) error {
	reply, err := n.backend.Complete(ctx, state.Prompt, llm.CompletionOptions{MaxTokens: n.maxTokens})
	if err != nil {
		state.AddError(n.Name(), err)
		reply = apologyReply
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = apologyReply
	}
	state.GeneratedResponse = reply
	state.AddMessage("assistant", reply)
	return nil
}

// affinityWriter folds the turn's sentiment back into the relationship
// score. Classification and persistence failures are soft: the reply has
// already been produced.
type affinityWriter struct {
	model      *affinity.Model
	classifier affinity.SentimentClassifier
}

func (n *affinityWriter) Name() string { return "affinity_writer" }

func (n *affinityWriter) Run(ctx context.Context, state *types.ConversationState) error {
	sentiment, err := n.classifier.Classify(ctx, state.CurrentInput)
	if err != nil {
		state.AddError(n.Name(), fmt.Errorf("classify sentiment: %w", err))
		return nil
	}

	update, err := n.model.ApplyMessage(ctx, state.PersonaID, state.InterlocutorID, sentiment)
	if err != nil {
		state.AddError(n.Name(), err)
		return nil
	}
	state.AffinityScore = update.NewScore
	state.AffinityTier = types.TierForScore(update.NewScore)
	return nil
}
