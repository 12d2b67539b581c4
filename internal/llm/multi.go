package llm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/afslabs/companion/internal/config"
)

// BackendSpec is one backend in the fallback chain, with its per-backend
// request policy. MaxRetries counts attempts, so 1 means a single try.
type BackendSpec struct {
	Name        string
	Generator   TextGenerator
	Timeout     time.Duration
	MaxRetries  int
	Temperature float64
}

// BackendError records one failed attempt against one backend.
type BackendError struct {
	Backend string
	Attempt int
	Err     error
}

func (e BackendError) Error() string {
	return fmt.Sprintf("%s (attempt %d): %v", e.Backend, e.Attempt, e.Err)
}

// AllBackendsExhaustedError is returned when every backend in the chain has
// failed. Attempts preserves the order failures happened in.
type AllBackendsExhaustedError struct {
	Attempts []BackendError
}

func (e *AllBackendsExhaustedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Error()
	}
	return "all inference backends exhausted: " + strings.Join(parts, "; ")
}

// MultiBackendClient tries each configured backend in order, with per-backend
// timeout and retry policy, and fails only when the whole chain is exhausted.
// A transient failure on an early backend is invisible to the caller as long
// as a later backend succeeds.
type MultiBackendClient struct {
	backends []BackendSpec
}

// NewMultiBackendClient validates the backend chain and returns a client.
// Misconfiguration is fatal here, never at call time.
func NewMultiBackendClient(backends []BackendSpec) (*MultiBackendClient, error) {
	if len(backends) == 0 {
		return nil, &config.ConfigError{Field: "llm.fallback_order", Reason: "must name at least one backend"}
	}
	seen := map[string]bool{}
	for _, b := range backends {
		if b.Name == "" {
			return nil, &config.ConfigError{Field: "llm.backend.name", Reason: "must not be empty"}
		}
		if seen[b.Name] {
			return nil, &config.ConfigError{Field: "llm.fallback_order", Reason: fmt.Sprintf("backend %q listed twice", b.Name)}
		}
		seen[b.Name] = true
		if b.Generator == nil {
			return nil, &config.ConfigError{Field: "llm.backend." + b.Name, Reason: "no generator configured"}
		}
		if b.Timeout <= 0 {
			return nil, &config.ConfigError{Field: "llm." + b.Name + ".timeout", Reason: "must be positive"}
		}
		if b.MaxRetries < 1 {
			return nil, &config.ConfigError{Field: "llm." + b.Name + ".max_retries", Reason: "must be at least 1"}
		}
		if b.Temperature < 0 || b.Temperature > 2 {
			return nil, &config.ConfigError{Field: "llm." + b.Name + ".temperature", Reason: fmt.Sprintf("must be in [0, 2], got %g", b.Temperature)}
		}
	}
	return &MultiBackendClient{backends: backends}, nil
}

// Backends returns the names in fallback order.
func (m *MultiBackendClient) Backends() []string {
	names := make([]string, len(m.backends))
	for i, b := range m.backends {
		names[i] = b.Name
	}
	return names
}

// Complete walks the fallback chain. Each backend gets up to MaxRetries
// attempts under its own timeout before the next backend is tried. If every
// attempt fails the caller gets AllBackendsExhaustedError listing each
// failure in order.
func (m *MultiBackendClient) Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	var attempts []BackendError

	for _, backend := range m.backends {
		effOpts := opts
		if effOpts.Temperature == 0 {
			effOpts.Temperature = backend.Temperature
		}

		for attempt := 1; attempt <= backend.MaxRetries; attempt++ {
			attemptCtx, cancel := context.WithTimeout(ctx, backend.Timeout)
			text, err := backend.Generator.Complete(attemptCtx, prompt, effOpts)
			cancel()

			if err == nil {
				return text, nil
			}
			attempts = append(attempts, BackendError{Backend: backend.Name, Attempt: attempt, Err: err})
			log.Printf("[LLM] backend %s attempt %d/%d failed: %v", backend.Name, attempt, backend.MaxRetries, err)

			// Give up on the whole chain if the caller's context died,
			// and on this backend if its breaker is open.
			if ctx.Err() != nil {
				return "", &AllBackendsExhaustedError{Attempts: attempts}
			}
			if errors.Is(err, ErrCircuitOpen) {
				break
			}
		}
	}

	return "", &AllBackendsExhaustedError{Attempts: attempts}
}

// GetModel returns the model of the first backend in the chain.
func (m *MultiBackendClient) GetModel() string {
	return m.backends[0].Generator.GetModel()
}

var _ TextGenerator = (*MultiBackendClient)(nil)
