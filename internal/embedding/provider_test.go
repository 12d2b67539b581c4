package embedding

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend returns deterministic vectors and counts calls, so cache hits
// are observable.
type fakeBackend struct {
	calls int
	fail  bool
	dim   int
}

func (f *fakeBackend) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("backend down")
	}
	dim := f.dim
	if dim == 0 {
		dim = 4
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32((len(text)+i)%5) + 1
	}
	return vec, nil
}

func (f *fakeBackend) GetModel() string { return "fake-embed" }

func TestEmbed_CachesByText(t *testing.T) {
	backend := &fakeBackend{}
	p, err := NewProvider(backend, 16, FallbackError)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := p.Embed(ctx, "hello")
	require.NoError(t, err)
	second, err := p.Embed(ctx, "hello")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, backend.calls, "second embed must come from cache")

	_, err = p.Embed(ctx, "different")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.calls)
}

func TestEmbed_ErrorPolicySurfacesFailure(t *testing.T) {
	backend := &fakeBackend{fail: true}
	p, err := NewProvider(backend, 16, FallbackError)
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), "hello")
	require.Error(t, err)

	var embErr *EmbeddingError
	assert.ErrorAs(t, err, &embErr)
}

func TestEmbed_ErrorPolicyFailsAfterPriorSuccess(t *testing.T) {
	backend := &fakeBackend{}
	p, err := NewProvider(backend, 16, FallbackError)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = p.Embed(ctx, "works the first time")
	require.NoError(t, err)

	backend.fail = true
	vec, err := p.Embed(ctx, "fails the second time")
	require.Error(t, err, "a known dimension must not turn failures into zero vectors")
	assert.Nil(t, vec)

	var embErr *EmbeddingError
	assert.ErrorAs(t, err, &embErr)
}

func TestEmbed_ZeroVectorPolicyDegrades(t *testing.T) {
	backend := &fakeBackend{}
	p, err := NewProvider(backend, 16, FallbackZeroVector)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = p.Embed(ctx, "prime the dimension")
	require.NoError(t, err)

	backend.fail = true
	vec, err := p.Embed(ctx, "now it fails")
	require.NoError(t, err, "zero-vector policy must not surface the backend error")
	assert.Equal(t, []float32{0, 0, 0, 0}, vec)
}

func TestEmbedBatch_AbortsOnFirstFailure(t *testing.T) {
	backend := &fakeBackend{}
	p, err := NewProvider(backend, 16, FallbackError)
	require.NoError(t, err)

	ctx := context.Background()
	out, err := p.EmbedBatch(ctx, []string{"a", "bb", "ccc"})
	require.NoError(t, err)
	assert.Len(t, out, 3)

	backend.fail = true
	_, err = p.EmbedBatch(ctx, []string{"new one"})
	assert.Error(t, err, "partial results are never returned")
}

func TestCosineSimilarity_IdenticalVectorsScoreOne(t *testing.T) {
	v := []float32{0.3, -0.2, 0.9}
	sim, err := CosineSimilarity(v, v)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)
}

func TestCosineSimilarity_OppositeVectorsScoreZero(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{-1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)
}

func TestCosineSimilarity_OrthogonalVectorsScoreHalf(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, sim, 1e-9)
}

func TestCosineSimilarity_DimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
	require.Error(t, err)

	var dimErr *DimensionMismatchError
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 2, dimErr.LenA)
	assert.Equal(t, 3, dimErr.LenB)
}

func TestCosineSimilarity_ZeroVectorScoresHalf(t *testing.T) {
	sim, err := CosineSimilarity([]float32{0, 0}, []float32{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 0.5, sim)
}
