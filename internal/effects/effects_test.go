package effects

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pedalboard-service/internal/models"
)

func TestBuildChainSkipsUnknownEffects(t *testing.T) {
	chain := BuildChain([]models.EffectConfig{
		{Name: "Blues Driver"},
		{Name: "Time Machine"}, // not a pedal we have
		{Name: "Reverb"},
	})
	assert.Len(t, chain, 2)
}

func TestBuildChainMergesCustomParams(t *testing.T) {
	chain := BuildChain([]models.EffectConfig{
		{Name: "Booster_Preamp", Params: map[string]float64{"gain_db": 20}},
	})
	require.Len(t, chain, 1)

	g, ok := chain[0].(gain)
	require.True(t, ok)
	assert.InDelta(t, 20.0, g.db, 1e-9)
}

func TestGainScalesAmplitude(t *testing.T) {
	samples := []float64{0.1, -0.1, 0.2}
	out := gain{db: 6}.process(samples, 44100)

	factor := math.Pow(10, 6.0/20)
	assert.InDelta(t, 0.1*factor, out[0], 1e-9)
	assert.InDelta(t, -0.1*factor, out[1], 1e-9)
}

func TestDistortionStaysBounded(t *testing.T) {
	samples := make([]float64, 100)
	for i := range samples {
		samples[i] = math.Sin(float64(i) / 10)
	}
	out := distortion{driveDB: 50}.process(samples, 44100)
	for _, s := range out {
		assert.LessOrEqual(t, math.Abs(s), 1.0)
	}
}

func TestDelayEchoesSignal(t *testing.T) {
	sampleRate := 1000.0
	samples := make([]float64, 500)
	samples[0] = 1.0 // impulse

	out := delay{seconds: 0.1, feedback: 0, mix: 0.5}.process(samples, sampleRate)

	// Dry impulse halved at t=0, echo at 100 samples.
	assert.InDelta(t, 0.5, out[0], 1e-9)
	assert.InDelta(t, 0.5, out[100], 1e-9)
	assert.InDelta(t, 0.0, out[50], 1e-9)
}

func TestVibratoIsFullWet(t *testing.T) {
	chain := BuildChain([]models.EffectConfig{{Name: "Vibrato"}})
	require.Len(t, chain, 1)
	c, ok := chain[0].(chorus)
	require.True(t, ok)
	assert.InDelta(t, 1.0, c.mix, 1e-9)
}

func TestChorusHandlesOutOfRangeParams(t *testing.T) {
	// Params arrive straight from client JSON, so the modulated tap must stay
	// inside the buffer even when depth pushes the sweep past it.
	chain := BuildChain([]models.EffectConfig{
		{Name: "Chorus", Params: map[string]float64{"depth": 2, "rate_hz": 0.75}},
	})
	require.Len(t, chain, 1)

	sampleRate := 1000.0
	samples := make([]float64, 1000)
	for i := range samples {
		samples[i] = 0.4 * math.Sin(float64(i)/7)
	}

	out := chain.Apply([][]float64{samples}, sampleRate)
	require.Len(t, out[0], len(samples))
	for _, s := range out[0] {
		assert.False(t, math.IsNaN(s))
		assert.LessOrEqual(t, math.Abs(s), 1.0)
	}

	c := chain[0].(chorus)
	assert.InDelta(t, 1.0, c.depth, 1e-9, "depth is bounded")

	neg := BuildChain([]models.EffectConfig{
		{Name: "Chorus", Params: map[string]float64{"depth": -3, "mix": 5, "rate_hz": -1}},
	})[0].(chorus)
	assert.Zero(t, neg.depth)
	assert.InDelta(t, 1.0, neg.mix, 1e-9)
	assert.Zero(t, neg.rateHz)
}

func TestChainAppliesInOrderAcrossChannels(t *testing.T) {
	chain := BuildChain([]models.EffectConfig{
		{Name: "Booster_Preamp", Params: map[string]float64{"gain_db": 6}},
		{Name: "Booster_Preamp", Params: map[string]float64{"gain_db": 6}},
	})

	channels := [][]float64{{0.1}, {0.2}}
	out := chain.Apply(channels, 44100)

	factor := math.Pow(10, 6.0/20)
	assert.InDelta(t, 0.1*factor*factor, out[0][0], 1e-9)
	assert.InDelta(t, 0.2*factor*factor, out[1][0], 1e-9)
}

func TestCatalogIsStableAndComplete(t *testing.T) {
	entries := Catalog()
	require.Len(t, entries, 12)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name)
		assert.NotEmpty(t, e.Kind)
		assert.NotEmpty(t, e.DefaultParams)
	}
	assert.Contains(t, names, "Reverb")
	assert.Contains(t, names, "Heavy Metal")
}
