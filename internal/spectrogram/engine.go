// Package spectrogram computes fixed-size log-mel spectrogram grids from a
// PCM window: Hann-windowed FFT magnitude accumulated into a triangular mel
// filterbank, then normalized and flipped so low frequencies sit at the
// bottom of the output image.
package spectrogram

import (
	"errors"
	"math"

	"forestguardian/internal/wire"
)

const (
	FFTSize    = 128
	Hop        = 64
	MelBins    = wire.GridWidth
	NumFrames  = wire.GridHeight
	SampleRate = 16000
	melLowHz   = 100.0
	melHighHz  = 8000.0
	minFrames  = 5
)

// ErrInsufficientAudio is returned when the PCM window is too short to
// produce the minimum number of frames the engine requires.
var ErrInsufficientAudio = errors.New("spectrogram: insufficient audio for a usable window")

// Engine precomputes the Hann window and mel filterbank once and reuses them
// across every call to Compute.
type Engine struct {
	hann       [FFTSize]float64
	filterbank [MelBins][FFTSize / 2]float64
}

// NewEngine builds an Engine with the fixed FFT/mel parameters from SPEC_FULL.md §4.B.
func NewEngine() *Engine {
	e := &Engine{}
	for i := 0; i < FFTSize; i++ {
		e.hann[i] = 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(FFTSize-1)))
	}
	e.filterbank = buildMelFilterbank()
	return e
}

func hzToMel(hz float64) float64 {
	return 2595.0 * math.Log10(1.0+hz/700.0)
}

func melToHz(mel float64) float64 {
	return 700.0 * (math.Pow(10.0, mel/2595.0) - 1.0)
}

// buildMelFilterbank constructs MelBins triangular filters spanning
// melLowHz..melHighHz over the lower half of the FFT bins.
func buildMelFilterbank() [MelBins][FFTSize / 2]float64 {
	var fb [MelBins][FFTSize / 2]float64

	melLow := hzToMel(melLowHz)
	melHigh := hzToMel(melHighHz)

	points := MelBins + 2
	melPoints := make([]float64, points)
	binPoints := make([]int, points)
	for i := 0; i < points; i++ {
		melPoints[i] = melLow + (melHigh-melLow)*float64(i)/float64(points-1)
		hz := melToHz(melPoints[i])
		bin := int(float64(FFTSize+1) * hz / float64(SampleRate))
		if bin >= FFTSize/2 {
			bin = FFTSize/2 - 1
		}
		binPoints[i] = bin
	}

	for m := 0; m < MelBins; m++ {
		lo, mid, hi := binPoints[m], binPoints[m+1], binPoints[m+2]
		for k := 0; k < FFTSize/2; k++ {
			switch {
			case k >= lo && k <= mid && mid != lo:
				fb[m][k] = float64(k-lo) / float64(mid-lo)
			case k >= mid && k <= hi && hi != mid:
				fb[m][k] = float64(hi-k) / float64(hi-mid)
			}
		}
	}

	return fb
}

// Compute turns a PCM window into a GridWidth×GridHeight grid of unsigned
// 8-bit intensities, rows indexed top-down from the highest mel bin.
func (e *Engine) Compute(samples []int16) ([]uint8, error) {
	numFrames := 0
	if len(samples) >= FFTSize {
		numFrames = (len(samples)-FFTSize)/Hop + 1
	}
	if numFrames < minFrames {
		return nil, ErrInsufficientAudio
	}
	if numFrames > NumFrames {
		numFrames = NumFrames
	}

	// logEnergy[frame][melBin]
	logEnergy := make([][]float64, NumFrames)
	minVal := math.Inf(1)
	maxVal := math.Inf(-1)

	for frame := 0; frame < numFrames; frame++ {
		offset := frame * Hop
		windowed := make([]float64, FFTSize)
		for i := 0; i < FFTSize; i++ {
			windowed[i] = float64(samples[offset+i]) / 32768.0 * e.hann[i]
		}

		spectrum := fft(windowed)
		mag := make([]float64, FFTSize/2)
		for k := 0; k < FFTSize/2; k++ {
			mag[k] = cmplxAbs(spectrum[k])
		}

		row := make([]float64, MelBins)
		for m := 0; m < MelBins; m++ {
			var energy float64
			for k := 0; k < FFTSize/2; k++ {
				energy += mag[k] * e.filterbank[m][k]
			}
			logE := math.Log(energy + 1e-10)
			row[m] = logE
			if logE < minVal {
				minVal = logE
			}
			if logE > maxVal {
				maxVal = logE
			}
		}
		logEnergy[frame] = row
	}

	// Pad remaining frames with the window's minimum log-energy.
	for frame := numFrames; frame < NumFrames; frame++ {
		row := make([]float64, MelBins)
		for m := range row {
			row[m] = minVal
		}
		logEnergy[frame] = row
	}

	grid := make([]uint8, MelBins*NumFrames)
	spread := maxVal - minVal
	for frame := 0; frame < NumFrames; frame++ {
		for m := 0; m < MelBins; m++ {
			var normalized float64
			if spread > 0 {
				normalized = 255 * (logEnergy[frame][m] - minVal) / spread
			}
			px := uint8(math.Round(clamp(normalized, 0, 255)))

			// Vertical flip: row 0 is the highest mel bin, and output rows run
			// top-down, so frame time stays as columns while mel bin m maps to
			// row (MelBins-1-m) — low frequencies end up at the bottom.
			outRow := MelBins - 1 - m
			grid[outRow*NumFrames+frame] = px
		}
	}

	return grid, nil
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
