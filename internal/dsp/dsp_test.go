package dsp

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fs = 512.0

func sine(n int, freq, amp float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Sin(2*math.Pi*freq*float64(i)/fs)
	}
	return out
}

func TestDesign_Validation(t *testing.T) {
	tests := []struct {
		name   string
		design Design
		rate   float64
	}{
		{name: "notch above nyquist", design: Design{HighPassHz: 0.5, NotchHz: 60, NotchQ: 30, LowPassHz: 45}, rate: 100},
		{name: "zero high-pass", design: Design{HighPassHz: 0, NotchHz: 50, NotchQ: 30, LowPassHz: 45}, rate: fs},
		{name: "negative Q", design: Design{HighPassHz: 0.5, NotchHz: 50, NotchQ: -1, LowPassHz: 45}, rate: fs},
		{name: "zero rate", design: DefaultDesign(), rate: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.design.Build(tt.rate)
			assert.Error(t, err)
		})
	}
}

func TestCascade_Continuity(t *testing.T) {
	// GOAL: Verify split processing is identical to one-shot processing
	//
	// TEST SCENARIO: Filter random input once, then in two chunks at several split points with state carried

	rng := rand.New(rand.NewSource(7))
	input := make([]float64, 1500)
	for i := range input {
		input[i] = rng.NormFloat64()*40 + 20*math.Sin(2*math.Pi*50*float64(i)/fs)
	}

	ref, err := DefaultDesign().Build(fs)
	require.NoError(t, err)
	expected := ref.Process(input)

	for _, split := range []int{0, 1, 7, 256, 1023, 1499, 1500} {
		c, err := DefaultDesign().Build(fs)
		require.NoError(t, err)

		got := append(c.Process(input[:split]), c.Process(input[split:])...)
		assert.Equal(t, expected, got, "split at %d MUST match one-shot output exactly", split)
	}
}

func TestCascade_Reset(t *testing.T) {
	c, err := DefaultDesign().Build(fs)
	require.NoError(t, err)

	input := sine(300, 10, 50)
	first := c.Process(input)
	c.Reset()
	second := c.Process(input)

	assert.Equal(t, first, second, "after Reset the cascade MUST behave like a fresh one")
	assert.Equal(t, 3, c.Stages())
}

func TestCascade_FrequencyResponse(t *testing.T) {
	c, err := DefaultDesign().Build(fs)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, c.Magnitude(10, fs), 0.05, "10 Hz MUST pass")
	assert.Less(t, c.Magnitude(50, fs), 1e-6, "50 Hz mains MUST be rejected")
	assert.Less(t, c.Magnitude(0.01, fs), 0.01, "baseline drift MUST be removed")
	assert.Less(t, c.Magnitude(120, fs), 0.2, "content well above 45 Hz MUST be attenuated")
}

func TestCascade_RemovesDCOffset(t *testing.T) {
	c, err := DefaultDesign().Build(fs)
	require.NoError(t, err)

	input := make([]float64, 20*int(fs))
	for i := range input {
		input[i] = 100
	}
	out := c.Process(input)

	tail := out[len(out)-int(fs):]
	for _, v := range tail {
		assert.InDelta(t, 0, v, 0.5)
	}
}

func TestBiquad_StateIsTwoValues(t *testing.T) {
	coeffs, err := LowPass(fs, 45, Butterworth)
	require.NoError(t, err)
	b := NewBiquad(coeffs)

	b.Process(1)
	z1, z2 := b.State()
	assert.NotZero(t, z1)
	assert.NotZero(t, z2)

	b.Reset()
	z1, z2 = b.State()
	assert.Zero(t, z1)
	assert.Zero(t, z2)
}

func TestLowPass_UnityAtDC(t *testing.T) {
	coeffs, err := LowPass(fs, 45, Butterworth)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, coeffs.Magnitude(0, fs), 1e-9)
	assert.InDelta(t, Butterworth, coeffs.Magnitude(45, fs), 1e-6, "cutoff MUST sit at -3 dB")
}
