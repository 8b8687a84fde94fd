package classifier

import (
	"context"
	"testing"

	"forestguardian/internal/wire"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidGrid(w, h int, lowRowsBright bool) []uint8 {
	grid := make([]uint8, w*h)
	for row := 0; row < h; row++ {
		for col := 0; col < w; col++ {
			v := uint8(20)
			if lowRowsBright && row >= h*3/4 {
				v = 220
			}
			grid[row*w+col] = v
		}
	}
	return grid
}

func TestLocal_ClassifyEmptyModelReturnsUnknown(t *testing.T) {
	local := NewLocal(nil, 3)
	png, err := EncodeGridPNG(solidGrid(wire.GridWidth, wire.GridHeight, true), wire.GridWidth, wire.GridHeight)
	require.NoError(t, err)

	res, err := local.Classify(context.Background(), png)

	require.NoError(t, err)
	assert.Equal(t, LabelUnknown, res.Label)
}

func TestLocal_ClassifyMatchesNearestPrototype(t *testing.T) {
	chainsawGrid := solidGrid(wire.GridWidth, wire.GridHeight, true)
	naturalGrid := solidGrid(wire.GridWidth, wire.GridHeight, false)

	local := NewLocal([]Prototype{
		{ID: "c1", Label: LabelChainsaw, Features: extractFeatureVector(chainsawGrid, wire.GridWidth, wire.GridHeight)},
		{ID: "n1", Label: LabelNatural, Features: extractFeatureVector(naturalGrid, wire.GridWidth, wire.GridHeight)},
	}, 1)

	png, err := EncodeGridPNG(chainsawGrid, wire.GridWidth, wire.GridHeight)
	require.NoError(t, err)

	res, err := local.Classify(context.Background(), png)

	require.NoError(t, err)
	assert.Equal(t, LabelChainsaw, res.Label)
	assert.Greater(t, res.Confidence, 0)
}

func TestLocal_AddPrototypeIsVisibleToSubsequentClassify(t *testing.T) {
	local := NewLocal(nil, 1)
	grid := solidGrid(wire.GridWidth, wire.GridHeight, true)
	local.AddPrototype(Prototype{ID: "new", Label: LabelVehicle, Features: extractFeatureVector(grid, wire.GridWidth, wire.GridHeight)})

	png, err := EncodeGridPNG(grid, wire.GridWidth, wire.GridHeight)
	require.NoError(t, err)

	res, err := local.Classify(context.Background(), png)

	require.NoError(t, err)
	assert.Equal(t, LabelVehicle, res.Label)
}

func TestExtractFeatureVector_HasExpectedDimension(t *testing.T) {
	grid := solidGrid(wire.GridWidth, wire.GridHeight, true)
	features := extractFeatureVector(grid, wire.GridWidth, wire.GridHeight)
	assert.Len(t, features, featureDimension)
}
