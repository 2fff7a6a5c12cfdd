package strand

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"
)

func TestConstSampler(t *testing.T) {
	always := NewConstSampler(true)
	sampled, tags := always.IsSampled(TraceID{Low: 1}, "op")
	assert.True(t, sampled)
	samplerType, ok := findTag(tags, TagSamplerType)
	require.True(t, ok)
	assert.Equal(t, "const", samplerType.Str())
	param, ok := findTag(tags, TagSamplerParam)
	require.True(t, ok)
	assert.True(t, param.Bool())

	never := NewConstSampler(false)
	sampled, _ = never.IsSampled(TraceID{Low: 1}, "op")
	assert.False(t, sampled)

	assert.NoError(t, always.Close())
}

func TestProbabilisticSamplerValidation(t *testing.T) {
	for _, rate := range []float64{-0.1, 1.1, math.Inf(1)} {
		_, err := NewProbabilisticSampler(rate)
		assert.Error(t, err, "rate %v", rate)
	}
	for _, rate := range []float64{0, 0.5, 1} {
		s, err := NewProbabilisticSampler(rate)
		require.NoError(t, err)
		assert.Equal(t, rate, s.SamplingRate())
	}
}

func TestProbabilisticSamplerBounds(t *testing.T) {
	ids := []TraceID{
		{Low: 1},
		{Low: math.MaxUint64},
		{Low: math.MaxUint64 >> 1},
		{High: 5, Low: 0x123456789abcdef0},
	}

	everything, err := NewProbabilisticSampler(1)
	require.NoError(t, err)
	nothing, err := NewProbabilisticSampler(0)
	require.NoError(t, err)

	for _, id := range ids {
		sampled, tags := everything.IsSampled(id, "op")
		assert.True(t, sampled, "id %s", id)
		samplerType, ok := findTag(tags, TagSamplerType)
		require.True(t, ok)
		assert.Equal(t, "probabilistic", samplerType.Str())

		sampled, _ = nothing.IsSampled(id, "op")
		assert.False(t, sampled, "id %s", id)
	}
}

func TestProbabilisticSamplerDeterministic(t *testing.T) {
	first, err := NewProbabilisticSampler(0.5)
	require.NoError(t, err)
	second, err := NewProbabilisticSampler(0.5)
	require.NoError(t, err)

	// The decision is a pure function of the trace id, so every
	// instance in a fleet agrees on the same trace.
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		id := TraceID{High: rng.Uint64(), Low: rng.Uint64()}
		a, _ := first.IsSampled(id, "op")
		b, _ := second.IsSampled(id, "op")
		assert.Equal(t, a, b)
	}
}

func TestProbabilisticSamplerConvergence(t *testing.T) {
	const trials = 100000
	rates := []float64{0.1, 0.5, 0.9}

	for _, rate := range rates {
		sampler, err := NewProbabilisticSampler(rate)
		require.NoError(t, err)

		rng := rand.New(rand.NewSource(int64(rate * 100)))
		sampled := 0
		for i := 0; i < trials; i++ {
			if ok, _ := sampler.IsSampled(TraceID{Low: rng.Uint64()}, "op"); ok {
				sampled++
			}
		}

		// Six standard deviations of the matching binomial leaves no
		// realistic flake while still catching an off-by-2x boundary.
		dist := distuv.Binomial{N: trials, P: rate}
		assert.InDelta(t, dist.Mean(), float64(sampled), 6*dist.StdDev(),
			"rate %v sampled %d of %d", rate, sampled, trials)
	}
}

func TestRateLimitingSampler(t *testing.T) {
	t.Run("burst equals rate", func(t *testing.T) {
		sampler := NewRateLimitingSampler(2)
		first, tags := sampler.IsSampled(TraceID{Low: 1}, "op")
		assert.True(t, first)
		second, _ := sampler.IsSampled(TraceID{Low: 2}, "op")
		assert.True(t, second)
		third, _ := sampler.IsSampled(TraceID{Low: 3}, "op")
		assert.False(t, third)

		samplerType, ok := findTag(tags, TagSamplerType)
		require.True(t, ok)
		assert.Equal(t, "ratelimiting", samplerType.Str())
		param, ok := findTag(tags, TagSamplerParam)
		require.True(t, ok)
		assert.Equal(t, float64(2), param.Float64())
	})

	t.Run("fractional rate keeps burst of one", func(t *testing.T) {
		sampler := NewRateLimitingSampler(0.5)
		first, _ := sampler.IsSampled(TraceID{Low: 1}, "op")
		assert.True(t, first)
		second, _ := sampler.IsSampled(TraceID{Low: 2}, "op")
		assert.False(t, second)
	})
}

func TestPerOperationSamplerDefault(t *testing.T) {
	sampler, err := NewPerOperationSampler(PerOperationSamplerParams{
		MaxOperations:              10,
		DefaultSamplingProbability: 1,
	})
	require.NoError(t, err)

	sampled, tags := sampler.IsSampled(TraceID{Low: 1}, "checkout")
	assert.True(t, sampled)
	samplerType, ok := findTag(tags, TagSamplerType)
	require.True(t, ok)
	assert.Equal(t, "probabilistic", samplerType.Str())
}

func TestPerOperationSamplerLowerBound(t *testing.T) {
	sampler, err := NewPerOperationSampler(PerOperationSamplerParams{
		MaxOperations:              10,
		DefaultSamplingProbability: 0,
		LowerBoundTracesPerSecond:  1,
	})
	require.NoError(t, err)

	// The probabilistic draw at rate 0 always loses, so the first trace
	// rides the lower-bound guarantee and the second finds it spent.
	sampled, tags := sampler.IsSampled(TraceID{Low: math.MaxUint64}, "cold-op")
	assert.True(t, sampled)
	samplerType, ok := findTag(tags, TagSamplerType)
	require.True(t, ok)
	assert.Equal(t, "lowerbound", samplerType.Str())

	sampled, _ = sampler.IsSampled(TraceID{Low: math.MaxUint64}, "cold-op")
	assert.False(t, sampled)

	// Another operation has its own untouched bucket.
	sampled, _ = sampler.IsSampled(TraceID{Low: math.MaxUint64}, "other-op")
	assert.True(t, sampled)
}

func TestPerOperationSamplerCap(t *testing.T) {
	sampler, err := NewPerOperationSampler(PerOperationSamplerParams{
		MaxOperations:              1,
		DefaultSamplingProbability: 0,
		LowerBoundTracesPerSecond:  1,
	})
	require.NoError(t, err)

	// First operation gets a dedicated sampler with the guarantee.
	sampled, _ := sampler.IsSampled(TraceID{Low: math.MaxUint64}, "first")
	assert.True(t, sampled)

	// Beyond the cap only the default probability applies, which here
	// rejects everything: no guarantee for unbounded cardinality.
	sampled, _ = sampler.IsSampled(TraceID{Low: math.MaxUint64}, "second")
	assert.False(t, sampled)
}

func TestPerOperationSamplerUpdate(t *testing.T) {
	sampler, err := NewPerOperationSampler(PerOperationSamplerParams{
		MaxOperations:              10,
		DefaultSamplingProbability: 0,
	})
	require.NoError(t, err)

	// A fresh bucket grants a single initial trace; drain it so the
	// pre-update behavior is the steady state.
	sampler.IsSampled(TraceID{Low: math.MaxUint64 / 2}, "checkout")
	sampled, _ := sampler.IsSampled(TraceID{Low: math.MaxUint64 / 2}, "checkout")
	assert.False(t, sampled)

	sampler.update(&perOperationStrategies{
		DefaultSamplingProbability: 1,
		PerOperationStrategies: []operationStrategy{
			{Operation: "checkout", Probabilistic: &probabilisticStrategy{SamplingRate: 1}},
		},
	})

	sampled, tags := sampler.IsSampled(TraceID{Low: math.MaxUint64 / 2}, "checkout")
	assert.True(t, sampled)
	samplerType, ok := findTag(tags, TagSamplerType)
	require.True(t, ok)
	assert.Equal(t, "probabilistic", samplerType.Str())

	// The raised default now covers operations without a strategy.
	sampled, _ = sampler.IsSampled(TraceID{Low: math.MaxUint64 / 2}, "unlisted")
	assert.True(t, sampled)
}
