package classifier

import (
	"math"

	"forestguardian/internal/gate"
	"forestguardian/internal/wire"
)

// featureDimension is the length of the feature vector Local's KNN matcher
// compares, adapted from the teacher's PANNS-embedding feature width down to
// a compact set of grid-derived summaries: per-column (time-frame) energy,
// per-row (frequency-bin) energy, the three Anomaly Gate band ratios, its
// coefficient of variation, and a harmonic-peak count.
const featureDimension = wire.GridWidth + wire.GridHeight + 4 + harmonicFeatureCount

const harmonicFeatureCount = 3

// extractFeatureVector derives a fixed-length feature vector from a
// reconstructed spectrogram grid, reusing the Anomaly Gate's band-ratio math
// so the Local classifier and the gate agree on what "broadband" means.
func extractFeatureVector(grid []uint8, w, h int) []float64 {
	features := make([]float64, 0, featureDimension)

	colEnergy := make([]float64, w)
	rowEnergy := make([]float64, h)
	var total float64
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			v := float64(grid[row*w+col])
			colEnergy[col] += v
			rowEnergy[row] += v
			total += v
		}
	}
	if total == 0 {
		total = 1
	}
	for _, v := range colEnergy {
		features = append(features, v/total)
	}
	for _, v := range rowEnergy {
		features = append(features, v/total)
	}

	bands := gate.ComputeBands(grid)
	features = append(features, bands.Low, bands.Mid, bands.High, bands.CV)

	features = append(features, harmonicPeaks(rowEnergy, harmonicFeatureCount)...)

	return normalizeL2(features)
}

// harmonicPeaks returns the energies of the top-n local maxima across the
// per-row energy profile, a crude stand-in for a harmonic-peak count: a
// sustained tonal source like a chainsaw produces several sharp row peaks,
// where broadband natural noise does not.
func harmonicPeaks(rowEnergy []float64, n int) []float64 {
	type peak struct{ idx int; val float64 }
	var peaks []peak
	for i := 1; i < len(rowEnergy)-1; i++ {
		if rowEnergy[i] > rowEnergy[i-1] && rowEnergy[i] > rowEnergy[i+1] {
			peaks = append(peaks, peak{i, rowEnergy[i]})
		}
	}
	out := make([]float64, n)
	for k := 0; k < n && k < len(peaks); k++ {
		best := 0
		for i := 1; i < len(peaks); i++ {
			if peaks[i].val > peaks[best].val {
				best = i
			}
		}
		out[k] = peaks[best].val
		peaks = append(peaks[:best], peaks[best+1:]...)
	}
	return out
}

func normalizeL2(v []float64) []float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return v
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
