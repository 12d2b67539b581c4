package llm

import "context"

// CompletionOptions tune one generation request. Zero values mean "use the
// backend default".
type CompletionOptions struct {
	Temperature float64
	MaxTokens   int
}

// TextGenerator is the interface for LLM text completion. Prompt composition
// happens upstream; backends receive a single assembled prompt string.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error)
	GetModel() string
}

// StreamingGenerator is implemented by backends that can deliver a reply in
// fragments. Fragments arrive in order; the concatenation of all fragments
// equals the full reply text.
type StreamingGenerator interface {
	CompleteStream(ctx context.Context, prompt string, opts CompletionOptions, onFragment func(string)) (string, error)
}

// EmbeddingGenerator is the interface for generating vector embeddings.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}
