package gate

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forestguardian/internal/config"
	"forestguardian/internal/wire"
)

// broadbandGrid builds a grid whose low/mid/high bands and CV satisfy the
// production profile's firing predicate.
func broadbandGrid() []uint8 {
	grid := make([]uint8, wire.GridWidth*wire.GridHeight)
	for row := 0; row < wire.GridHeight; row++ {
		for col := 0; col < wire.GridWidth; col++ {
			grid[row*wire.GridWidth+col] = 150
		}
	}
	return grid
}

func quietGrid() []uint8 {
	grid := make([]uint8, wire.GridWidth*wire.GridHeight)
	for i := range grid {
		grid[i] = 5
	}
	return grid
}

func TestGateHysteresisProductionProfile(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := New(config.ProfileProduction, 0.40, 4, 30*time.Second, clock)

	grid := broadbandGrid()
	var fired []bool
	for i := 0; i < 4; i++ {
		fired = append(fired, g.Evaluate(grid))
		clock.Advance(100 * time.Millisecond)
	}
	assert.Equal(t, []bool{false, false, false, true}, fired)

	// Fifth window fails the predicate: hit counter resets.
	assert.False(t, g.Evaluate(quietGrid()))
	clock.Advance(100 * time.Millisecond)

	// Three further good windows: not enough to re-arm (needs 4), and the
	// 30s cooldown from window 4 is still in effect regardless.
	for i := 0; i < 3; i++ {
		assert.False(t, g.Evaluate(grid))
		clock.Advance(100 * time.Millisecond)
	}
}

func TestGateConsecutiveHitsMustBeWithinSlidingWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := New(config.ProfileProduction, 0.40, 4, 30*time.Second, clock)
	grid := broadbandGrid()

	require.False(t, g.Evaluate(grid))
	clock.Advance(2 * time.Second)
	require.False(t, g.Evaluate(grid))
	// This hit falls outside the 3s window relative to the first hit, so the
	// oldest hit is pruned and four consecutive fires are still required.
	clock.Advance(2 * time.Second)
	require.False(t, g.Evaluate(grid))
	clock.Advance(100 * time.Millisecond)
	require.False(t, g.Evaluate(grid))
	clock.Advance(100 * time.Millisecond)
	require.True(t, g.Evaluate(grid))
}

func TestComputeBandsEmptyGridIsZero(t *testing.T) {
	grid := make([]uint8, wire.GridWidth*wire.GridHeight)
	bands := ComputeBands(grid)
	assert.Zero(t, bands.Low)
	assert.Zero(t, bands.Mid)
	assert.Zero(t, bands.High)
}

func TestDemoProfileRequiresHighBandDominance(t *testing.T) {
	clock := clockwork.NewFakeClock()
	g := New(config.ProfileDemo, 0, 4, 10*time.Second, clock)

	grid := make([]uint8, wire.GridWidth*wire.GridHeight)
	for row := 0; row < wire.GridHeight; row++ {
		for col := 0; col < wire.GridWidth; col++ {
			if row < wire.GridHeight/4 {
				grid[row*wire.GridWidth+col] = 255 // high band dominant
			} else {
				grid[row*wire.GridWidth+col] = 200 // keeps the mean cell above 0.80 of the max
			}
		}
	}
	var last bool
	for i := 0; i < 4; i++ {
		last = g.Evaluate(grid)
		clock.Advance(10 * time.Millisecond)
	}
	assert.True(t, last)
}
