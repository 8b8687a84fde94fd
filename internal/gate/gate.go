// Package gate implements the Anomaly Gate: energy and band-ratio heuristics
// over a mel-spectrogram grid that decide whether a window is worth
// transmitting, with consecutive-hit hysteresis and a post-emission cooldown
// (SPEC_FULL.md §4.C).
package gate

import (
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"forestguardian/internal/config"
	"forestguardian/internal/wire"
)

const (
	hitWindow = 3 * time.Second
)

// Bands holds the per-band energy ratios computed from a grid.
type Bands struct {
	Low, Mid, High float64
	CV             float64
}

// Gate evaluates successive grids against one of the two profiles and emits
// an Anomaly only once `consecutiveHits` successive windows fire within
// hitWindow, then withholds further emissions until cooldown elapses.
type Gate struct {
	profile         config.AnomalyProfile
	energyThreshold float64
	consecutiveHits int
	cooldown        time.Duration
	clock           clockwork.Clock

	hits        []time.Time
	cooldownEnd time.Time
}

// New builds a Gate for the given profile. energyThreshold is only consulted
// for ProfileProduction; the demo profile uses its fixed 0.80-of-max rule.
func New(profile config.AnomalyProfile, energyThreshold float64, consecutiveHits int, cooldown time.Duration, clock clockwork.Clock) *Gate {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gate{
		profile:         profile,
		energyThreshold: energyThreshold,
		consecutiveHits: consecutiveHits,
		cooldown:        cooldown,
		clock:           clock,
	}
}

// ComputeBands derives the low/mid/high band ratios and coefficient of
// variation from a flipped GridWidth x GridHeight grid of 8-bit intensities
// (row 0 = highest frequency, as produced by the spectrogram engine).
func ComputeBands(grid []uint8) Bands {
	w, h := wire.GridWidth, wire.GridHeight
	quarter := h / 4

	frameEnergy := make([]float64, w)
	var total, low, mid, high float64

	for col := 0; col < w; col++ {
		var colTotal, colLow, colMid, colHigh float64
		for row := 0; row < h; row++ {
			v := float64(grid[row*w+col])
			colTotal += v
			switch {
			case row >= h-quarter:
				colLow += v // bottom quarter of the flipped grid = low band
			case row < quarter:
				colHigh += v // top quarter = high band
			default:
				colMid += v // middle half = mid band
			}
		}
		frameEnergy[col] = colTotal
		total += colTotal
		low += colLow
		mid += colMid
		high += colHigh
	}

	if total == 0 {
		return Bands{}
	}

	mean := 0.0
	for _, e := range frameEnergy {
		mean += e
	}
	mean /= float64(len(frameEnergy))

	var variance float64
	for _, e := range frameEnergy {
		d := e - mean
		variance += d * d
	}
	variance /= float64(len(frameEnergy))
	stddev := math.Sqrt(variance)

	cv := 0.0
	if mean != 0 {
		cv = stddev / mean
	}

	return Bands{
		Low:  low / total,
		Mid:  mid / total,
		High: high / total,
		CV:   cv,
	}
}

// maxCellEnergy returns the largest single-cell intensity in the grid.
func maxCellEnergy(grid []uint8) float64 {
	var max uint8
	for _, v := range grid {
		if v > max {
			max = v
		}
	}
	return float64(max)
}

// meanCellEnergy returns the mean intensity across the grid, used as the
// "energy" figure the threshold is compared against.
func meanCellEnergy(grid []uint8) float64 {
	var sum float64
	for _, v := range grid {
		sum += float64(v)
	}
	return sum / float64(len(grid))
}

// fires evaluates the single-window gate predicate for the configured profile.
func (g *Gate) fires(grid []uint8) bool {
	bands := ComputeBands(grid)
	energy := meanCellEnergy(grid)
	maxEnergy := maxCellEnergy(grid)

	switch g.profile {
	case config.ProfileDemo:
		if maxEnergy == 0 {
			return false
		}
		return energy > 0.80*maxEnergy &&
			bands.High > 0.22 &&
			bands.CV < 0.05 &&
			bands.High >= bands.Low
	default: // ProfileProduction
		broadband := bands.Low > 0.15 && bands.Mid > 0.30 && bands.High > 0.10
		return energy > g.energyThreshold*255 &&
			bands.Low > 0.20 &&
			broadband &&
			bands.CV < 0.3
	}
}

// Evaluate feeds one grid through the gate. It returns true exactly when a
// transmission-worthy anomaly has been confirmed on this call: the gate has
// fired on consecutiveHits successive windows within hitWindow, and no
// cooldown is in effect.
func (g *Gate) Evaluate(grid []uint8) bool {
	now := g.clock.Now()

	if now.Before(g.cooldownEnd) {
		return false
	}

	if !g.fires(grid) {
		g.hits = nil
		return false
	}

	g.hits = append(g.hits, now)
	cutoff := now.Add(-hitWindow)
	kept := g.hits[:0]
	for _, t := range g.hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.hits = kept

	if len(g.hits) < g.consecutiveHits {
		return false
	}

	g.hits = nil
	g.cooldownEnd = now.Add(g.cooldown)
	return true
}
