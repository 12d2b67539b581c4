package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afslabs/companion/internal/config"
)

// fakeGenerator fails a set number of times before succeeding, so the chain's
// retry and fallback behavior is observable.
type fakeGenerator struct {
	name     string
	failures int
	calls    int
	lastOpts CompletionOptions
}

func (f *fakeGenerator) Complete(ctx context.Context, prompt string, opts CompletionOptions) (string, error) {
	f.calls++
	f.lastOpts = opts
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if f.calls <= f.failures {
		return "", errors.New(f.name + " unavailable")
	}
	return "reply from " + f.name, nil
}

func (f *fakeGenerator) GetModel() string { return f.name + "-model" }

func spec(name string, gen TextGenerator, retries int) BackendSpec {
	return BackendSpec{
		Name:        name,
		Generator:   gen,
		Timeout:     time.Second,
		MaxRetries:  retries,
		Temperature: 0.7,
	}
}

func TestComplete_FallsBackToNextBackend(t *testing.T) {
	api := &fakeGenerator{name: "api", failures: 100}
	local := &fakeGenerator{name: "local"}

	client, err := NewMultiBackendClient([]BackendSpec{
		spec("api", api, 2),
		spec("local", local, 2),
	})
	require.NoError(t, err)

	text, err := client.Complete(context.Background(), "hello", CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "reply from local", text)
	assert.Equal(t, 2, api.calls, "failing backend gets exactly MaxRetries attempts")
	assert.Equal(t, 1, local.calls)
}

func TestComplete_RetriesBeforeFallingBack(t *testing.T) {
	api := &fakeGenerator{name: "api", failures: 1}
	local := &fakeGenerator{name: "local"}

	client, err := NewMultiBackendClient([]BackendSpec{
		spec("api", api, 3),
		spec("local", local, 1),
	})
	require.NoError(t, err)

	text, err := client.Complete(context.Background(), "hello", CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "reply from api", text, "a retry that succeeds keeps the call on the first backend")
	assert.Equal(t, 2, api.calls)
	assert.Equal(t, 0, local.calls)
}

func TestComplete_AllBackendsExhausted(t *testing.T) {
	api := &fakeGenerator{name: "api", failures: 100}
	local := &fakeGenerator{name: "local", failures: 100}

	client, err := NewMultiBackendClient([]BackendSpec{
		spec("api", api, 1),
		spec("local", local, 2),
	})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "hello", CompletionOptions{})
	require.Error(t, err)

	var exhausted *AllBackendsExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, exhausted.Attempts, 3)
	assert.Equal(t, "api", exhausted.Attempts[0].Backend)
	assert.Equal(t, 1, exhausted.Attempts[0].Attempt)
	assert.Equal(t, "local", exhausted.Attempts[1].Backend)
	assert.Equal(t, "local", exhausted.Attempts[2].Backend)
	assert.Equal(t, 2, exhausted.Attempts[2].Attempt)
}

func TestComplete_DefaultsTemperaturePerBackend(t *testing.T) {
	gen := &fakeGenerator{name: "local"}
	client, err := NewMultiBackendClient([]BackendSpec{spec("local", gen, 1)})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "hello", CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0.7, gen.lastOpts.Temperature, "zero temperature falls back to the backend default")

	_, err = client.Complete(context.Background(), "hello", CompletionOptions{Temperature: 1.2})
	require.NoError(t, err)
	assert.Equal(t, 1.2, gen.lastOpts.Temperature, "an explicit temperature wins")
}

func TestComplete_CancelledContextStopsChain(t *testing.T) {
	api := &fakeGenerator{name: "api", failures: 100}
	local := &fakeGenerator{name: "local"}

	client, err := NewMultiBackendClient([]BackendSpec{
		spec("api", api, 3),
		spec("local", local, 1),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = client.Complete(ctx, "hello", CompletionOptions{})
	require.Error(t, err)
	assert.Equal(t, 1, api.calls, "a dead caller context must not burn retries")
	assert.Equal(t, 0, local.calls)
}

func TestNewMultiBackendClient_RejectsMisconfiguration(t *testing.T) {
	gen := &fakeGenerator{name: "local"}

	cases := []struct {
		name     string
		backends []BackendSpec
		field    string
	}{
		{"empty chain", nil, "llm.fallback_order"},
		{"unnamed backend", []BackendSpec{spec("", gen, 1)}, "llm.backend.name"},
		{"duplicate backend", []BackendSpec{spec("local", gen, 1), spec("local", gen, 1)}, "llm.fallback_order"},
		{"nil generator", []BackendSpec{spec("local", nil, 1)}, "llm.backend.local"},
		{"zero retries", []BackendSpec{spec("local", gen, 0)}, "llm.local.max_retries"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewMultiBackendClient(tc.backends)
			require.Error(t, err)

			var cfgErr *config.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestNewMultiBackendClient_RejectsBadTimeoutAndTemperature(t *testing.T) {
	gen := &fakeGenerator{name: "local"}

	bad := spec("local", gen, 1)
	bad.Timeout = 0
	_, err := NewMultiBackendClient([]BackendSpec{bad})
	require.Error(t, err)

	bad = spec("local", gen, 1)
	bad.Temperature = 3.5
	_, err = NewMultiBackendClient([]BackendSpec{bad})
	require.Error(t, err)
}
