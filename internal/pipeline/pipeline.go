// Package pipeline turns one user message into one persona reply. Six nodes
// run in a fixed order over a shared conversation state; a node failure is
// recorded into the state instead of aborting, so the caller always gets a
// state back and, except for empty input, always gets some reply text.
package pipeline

import (
	"context"
	"errors"
	"log"

	"github.com/afslabs/companion/internal/affinity"
	"github.com/afslabs/companion/internal/embedding"
	"github.com/afslabs/companion/internal/llm"
	"github.com/afslabs/companion/internal/vectorindex"
	"github.com/afslabs/companion/pkg/types"
)

// ErrHalt stops the pipeline early without recording a failure. Only the
// input node uses it, for empty input.
var ErrHalt = errors.New("pipeline halted")

// Node is one processing stage.
type Node interface {
	Name() string
	Run(ctx context.Context, state *types.ConversationState) error
}

// Deps wires the pipeline to its collaborators.
type Deps struct {
	Embedder   *embedding.Provider
	Index      vectorindex.Index
	TopK       int
	Affinity   *affinity.Model
	Classifier affinity.SentimentClassifier
	Generator  llm.TextGenerator
	MaxTokens  int
}

// Pipeline runs the node chain.
type Pipeline struct {
	nodes []Node
}

// New assembles the standard six-node chain: input processing, memory
// retrieval, affinity read, role composition, generation, affinity write.
func New(deps Deps) *Pipeline {
	if deps.TopK <= 0 {
		deps.TopK = 5
	}
	return &Pipeline{
		nodes: []Node{
			&inputProcessor{},
			&memoryRetriever{embedder: deps.Embedder, index: deps.Index, topK: deps.TopK},
			&affinityReader{model: deps.Affinity},
			&roleComposer{},
			&generator{backend: deps.Generator, maxTokens: deps.MaxTokens},
			&affinityWriter{model: deps.Affinity, classifier: deps.Classifier},
		},
	}
}

// Process runs the chain over the state and returns it. Node errors are
// appended to state.Errors; only ErrHalt (empty input) short-circuits.
func (p *Pipeline) Process(ctx context.Context, state *types.ConversationState) *types.ConversationState {
	for _, node := range p.nodes {
		if err := node.Run(ctx, state); err != nil {
			if errors.Is(err, ErrHalt) {
				return state
			}
			log.Printf("[Pipeline] node %s failed: %v", node.Name(), err)
			state.AddError(node.Name(), err)
		}
	}
	return state
}
