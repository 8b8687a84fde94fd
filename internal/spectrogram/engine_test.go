package spectrogram

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func synthSamples(n int, freqHz float64) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		v := math.Sin(2 * math.Pi * freqHz * float64(i) / float64(SampleRate))
		samples[i] = int16(v * 20000)
	}
	return samples
}

func TestComputeProducesFullGrid(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	samples := synthSamples(SampleRate, 1000)
	grid, err := e.Compute(samples)
	require.NoError(t, err)
	require.Len(t, grid, MelBins*NumFrames)
}

func TestComputeFailsOnInsufficientAudio(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	_, err := e.Compute(make([]int16, 10))
	require.ErrorIs(t, err, ErrInsufficientAudio)
}

func TestComputeNormalizesToFullRange(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	samples := synthSamples(SampleRate, 1000)
	grid, err := e.Compute(samples)
	require.NoError(t, err)

	var min, max uint8 = 255, 0
	for _, px := range grid {
		if px < min {
			min = px
		}
		if px > max {
			max = px
		}
	}
	require.Equal(t, uint8(255), max)
	require.Equal(t, uint8(0), min)
}

func TestFilterbankRowsAreTriangular(t *testing.T) {
	t.Parallel()

	fb := buildMelFilterbank()
	for m := 0; m < MelBins; m++ {
		for _, v := range fb[m] {
			require.GreaterOrEqual(t, v, 0.0)
			require.LessOrEqual(t, v, 1.0)
		}
	}
}
